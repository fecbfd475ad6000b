package sim

import (
	"strings"
	"testing"

	"github.com/shadowhook/vtxhook/internal/shadowhook/eptview"
)

func TestEPTSetEntryAndLookup(t *testing.T) {
	e := NewEPT()

	if _, _, _, ok := e.Lookup(0x401000); ok {
		t.Fatal("expected Lookup on an empty EPT to report ok=false")
	}

	e.SetEntry(0x401000, true, false, 7)
	read, write, pfn, ok := e.Lookup(0x401123) // same page, different offset
	if !ok {
		t.Fatal("expected Lookup to find the page entry regardless of offset")
	}
	if !read || write || pfn != 7 {
		t.Errorf("Lookup() = (%v, %v, %d), want (true, false, 7)", read, write, pfn)
	}
}

func TestEPTInvalidateEPTCounts(t *testing.T) {
	e := NewEPT()
	if e.InveptCount() != 0 {
		t.Fatal("expected a fresh EPT to have InveptCount() == 0")
	}
	e.InvalidateEPT()
	e.InvalidateEPT()
	if e.InveptCount() != 2 {
		t.Errorf("InveptCount() = %d, want 2", e.InveptCount())
	}
}

func TestEPTStringContainsCounts(t *testing.T) {
	e := NewEPT()
	e.SetEntry(0x1000, true, true, 1)
	e.InvalidateEPT()

	s := e.String()
	if !strings.Contains(s, "entries=1") || !strings.Contains(s, "invepts=1") {
		t.Errorf("String() = %q, want it to report entries=1 and invepts=1", s)
	}
}

func TestGuestWriteReadRoundTrip(t *testing.T) {
	g := NewGuest(0x400000, 0x1000)
	data := []byte{0xAA, 0xBB, 0xCC}

	g.Write(0x400010, data)
	got := g.Read(0x400010, len(data))

	if string(got) != string(data) {
		t.Errorf("Read() = %v, want %v", got, data)
	}
}

func TestGuestReadGuestPageReturnsFullPage(t *testing.T) {
	g := NewGuest(0x400000, 0x2000)
	g.Write(0x401008, []byte{0x42})

	p := g.ReadGuestPage(0x401123)
	if len(p) != 0x1000 {
		t.Fatalf("len(ReadGuestPage()) = %d, want 0x1000", len(p))
	}
	if p[8] != 0x42 {
		t.Errorf("page[8] = %#x, want 0x42", p[8])
	}
}

func TestGuestPhysicalAddressIsIdentity(t *testing.T) {
	g := NewGuest(0x400000, 0x1000)
	if g.PhysicalAddress(0x400123) != 0x400123 {
		t.Error("expected the simulated guest to be identity-mapped VA==PA")
	}
	if g.PFN(0x400000) != eptview.PFN(0x400000) {
		t.Error("expected PFN(va) to match eptview.PFN(PhysicalAddress(va))")
	}
}

func TestExecAllocateExecutableBumpsAndInvalidates(t *testing.T) {
	x := NewExec(0x10000000, 32)

	addr1, buf1 := x.AllocateExecutable(16)
	if addr1 != 0x10000000 || len(buf1) != 16 {
		t.Fatalf("first allocation = (%#x, len %d), want (0x10000000, 16)", addr1, len(buf1))
	}

	addr2, buf2 := x.AllocateExecutable(16)
	if addr2 != 0x10000010 || len(buf2) != 16 {
		t.Fatalf("second allocation = (%#x, len %d), want (0x10000010, 16)", addr2, len(buf2))
	}

	if addr, buf := x.AllocateExecutable(1); addr != 0 || buf != nil {
		t.Error("expected allocation past capacity to fail with (0, nil)")
	}

	x.InvalidateAllCaches()
	if x.InvalidationCount() != 1 {
		t.Errorf("InvalidationCount() = %d, want 1", x.InvalidationCount())
	}
}

func TestExecAllocateExecutableBuffersAreDisjoint(t *testing.T) {
	x := NewExec(0x10000000, 32)

	_, buf1 := x.AllocateExecutable(16)
	_, buf2 := x.AllocateExecutable(16)

	buf1[0] = 0xFF
	if buf2[0] == 0xFF {
		t.Error("expected allocations to return disjoint backing slices")
	}
}

func TestVMCSGuestRIPAndMTF(t *testing.T) {
	v := NewVMCS(0x401000)

	if v.ReadGuestRIP() != 0x401000 {
		t.Fatalf("ReadGuestRIP() = %#x, want 0x401000", v.ReadGuestRIP())
	}
	v.WriteGuestRIP(0xDEADBEEF)
	if v.ReadGuestRIP() != 0xDEADBEEF {
		t.Errorf("ReadGuestRIP() after write = %#x, want 0xDEADBEEF", v.ReadGuestRIP())
	}

	if v.MTF() {
		t.Fatal("expected MTF to start disarmed")
	}
	v.SetMTF(true)
	if !v.MTF() {
		t.Error("expected MTF() to report true after SetMTF(true)")
	}
	v.SetMTF(false)
	if v.MTF() {
		t.Error("expected MTF() to report false after SetMTF(false)")
	}
}

func TestBroadcasterNumCPU(t *testing.T) {
	b := Broadcaster(8)
	if b.NumCPU() != 8 {
		t.Errorf("NumCPU() = %d, want 8", b.NumCPU())
	}
}
