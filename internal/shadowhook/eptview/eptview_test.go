package eptview

import "testing"

type fakeAccessor struct {
	read, write bool
	pfn         uint64
	invepts     int
}

func (f *fakeAccessor) SetEntry(va uint64, read, write bool, pfn uint64) {
	f.read, f.write, f.pfn = read, write, pfn
}

func (f *fakeAccessor) InvalidateEPT() {
	f.invepts++
}

func TestPFN(t *testing.T) {
	if got := PFN(0x1000); got != 1 {
		t.Errorf("PFN(0x1000) = %d, want 1", got)
	}
	if got := PFN(0x123456000); got != 0x123456 {
		t.Errorf("PFN(0x123456000) = %#x, want 0x123456", got)
	}
}

func TestViewExecDeniesRW(t *testing.T) {
	fa := &fakeAccessor{}
	s := New(fa)

	s.ViewExec(0x1000, 0x2000)

	if fa.read || fa.write {
		t.Error("ViewExec should deny read and write")
	}
	if fa.pfn != PFN(0x2000) {
		t.Errorf("pfn = %#x, want %#x", fa.pfn, PFN(0x2000))
	}
	if fa.invepts != 1 {
		t.Errorf("invepts = %d, want 1 (every view transition issues a global INVEPT)", fa.invepts)
	}
}

func TestViewRWGrantsReadWrite(t *testing.T) {
	fa := &fakeAccessor{}
	s := New(fa)

	s.ViewRW(0x1000, 0x3000)

	if !fa.read || !fa.write {
		t.Error("ViewRW should grant read and write")
	}
}

func TestEveryTransitionInvalidates(t *testing.T) {
	fa := &fakeAccessor{}
	s := New(fa)

	s.ViewExec(0x1000, 0x1000)
	s.ViewRW(0x1000, 0x1000)
	s.ViewIdentity(0x1000, 0x1000)
	s.ViewMonitorDeny(0x1000, 0x1000)
	s.ViewMonitorAllow(0x1000, 0x1000)

	if fa.invepts != 5 {
		t.Errorf("invepts = %d, want 5", fa.invepts)
	}
}
