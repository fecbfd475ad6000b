// Package page implements ShadowPage (spec.md §4.1): an owned, page-aligned
// 4 KiB buffer holding a copy of a guest page, shared by reference count
// between every FunctionHook or MemoryMonitor that targets the same guest
// page.
package page

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/shadowhook/vtxhook/internal/shadowhook/bugcheck"
)

// Size is the guest page size the engine shadows. The spec fixes this at
// 4 KiB; nothing here generalizes to superpages.
const Size = 4096

// Offset returns the byte offset of va within its containing 4 KiB page.
func Offset(va uint64) uint64 {
	return va & (Size - 1)
}

// Base returns the 4 KiB-aligned page base containing va.
func Base(va uint64) uint64 {
	return va &^ (Size - 1)
}

// Shadow is an owned, page-aligned 4 KiB host buffer. It is shared by
// reference: the last release frees the backing allocation.
type Shadow struct {
	mu   sync.Mutex
	refs int
	buf  []byte // page-aligned, length Size

	// pa is the shadow page's own host-physical address: this is host
	// memory the allocator owns, distinct from the guest page it copies,
	// so it always gets a fresh identity rather than inheriting the
	// guest's physical address.
	pa uint64
}

// nextSyntheticPFN hands out distinct, page-aligned fake physical addresses
// for shadow pages in the userspace simulation, where there is no real
// host-physical allocator to ask.
var nextSyntheticPFN uint64 = 0x1_0000_0000 >> 12 // start well above any 32-bit guest PA

func allocatePhysicalAddress() uint64 {
	pfn := atomic.AddUint64(&nextSyntheticPFN, 1)
	return pfn << 12
}

// allocatePageAligned mmaps one page-aligned, page-sized, read/write
// anonymous mapping. This is the userspace stand-in for the engine's
// external `alloc.nonpaged_page_aligned()` collaborator (spec.md §6):
// non-paged kernel memory is unavailable outside the kernel, so the
// simulation uses a private anonymous page-aligned mmap instead (not locked
// in memory), which gives the same alignment guarantee the shadow-page invariants depend on.
func allocatePageAligned() ([]byte, error) {
	b, err := unix.Mmap(-1, 0, Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// New allocates a fresh ShadowPage and copies originalPage (which must be
// exactly Size bytes) into it. Allocation failure is fatal per spec.md §4.1
// and §7: "Allocation failure inside the runtime ShadowPage constructor is
// fatal (bug-check)."
func New(originalPage []byte) *Shadow {
	if len(originalPage) != Size {
		bugcheck.Fatal("shadow page: source page must be %d bytes, got %d", Size, len(originalPage))
	}

	buf, err := allocatePageAligned()
	if err != nil {
		bugcheck.Fatal("shadow page: allocation failed: %v", err)
	}

	copy(buf, originalPage)

	return &Shadow{refs: 1, buf: buf, pa: allocatePhysicalAddress()}
}

// Acquire increments the reference count and returns the page, implementing
// the "shared by reference" ownership model of §4.1 and §5.
func (s *Shadow) Acquire() *Shadow {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs++
	return s
}

// Release decrements the reference count and frees the backing buffer when
// it reaches zero, per §5 "the last FunctionHook or MemoryMonitor releasing
// its reference drops the page."
func (s *Shadow) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs--
	if s.refs > 0 {
		return
	}
	if s.buf != nil {
		_ = unix.Munmap(s.buf)
		s.buf = nil
	}
}

// PhysicalAddress returns the page's (possibly synthetic) physical address.
func (s *Shadow) PhysicalAddress() uint64 {
	return s.pa
}

// Bytes returns the full backing buffer. Callers must not retain it past a
// Release.
func (s *Shadow) Bytes() []byte {
	return s.buf
}

// WriteAt writes data at the given in-page offset and, for exec shadow
// pages, invalidates caches through invalidateCaches — mirroring DdiMon's
// ShpSetupPatch/ShpSetupInlineHook, which always follow a shadow-page write
// with KeInvalidateAllCaches (spec.md §9, "Cache coherence").
func (s *Shadow) WriteAt(offset uint64, data []byte, invalidateCaches func()) {
	s.mu.Lock()
	copy(s.buf[offset:], data)
	s.mu.Unlock()

	if invalidateCaches != nil {
		invalidateCaches()
	}
}

// ByteAt returns the single byte at the given in-page offset.
func (s *Shadow) ByteAt(offset uint64) byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf[offset]
}

// Equal reports whether s and the raw bytes in other are bytewise identical.
// Used by property tests (P3: rw shadow equals original guest page).
func (s *Shadow) Equal(other []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(other) != len(s.buf) {
		return false
	}
	for i := range s.buf {
		if s.buf[i] != other[i] {
			return false
		}
	}
	return true
}
