package rpcswitch

import "testing"

func refcountZero(uint64) int { return 0 }

func TestSelectRoundRobinNoFilter(t *testing.T) {
	r := newWorkerRegistry()
	a := &WorkerMethod{Method: "svc.do", connID: 1}
	b := &WorkerMethod{Method: "svc.do", connID: 2}
	r.Announce("svc.do", a)
	r.Announce("svc.do", b)

	first, err := r.Select("svc.do", false, "", refcountZero)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	second, err := r.Select("svc.do", false, "", refcountZero)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if first.connID == second.connID {
		t.Errorf("expected round robin to alternate workers, got %d twice", first.connID)
	}
}

func TestSelectLeastRefcountTieBreak(t *testing.T) {
	r := newWorkerRegistry()
	a := &WorkerMethod{Method: "svc.do", connID: 1}
	b := &WorkerMethod{Method: "svc.do", connID: 2}
	r.Announce("svc.do", a)
	r.Announce("svc.do", b)

	load := map[uint64]int{1: 3, 2: 0}
	refcountOf := func(id uint64) int { return load[id] }

	wm, err := r.Select("svc.do", false, "", refcountOf)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if wm.connID != 2 {
		t.Errorf("expected least-loaded worker 2, got %d", wm.connID)
	}
}

func TestSelectNoWorker(t *testing.T) {
	r := newWorkerRegistry()
	if _, err := r.Select("svc.do", false, "", refcountZero); err != ErrNoWorker {
		t.Errorf("expected ErrNoWorker on empty backend, got %v", err)
	}
}

func TestSelectFilteredBucketsAreIndependent(t *testing.T) {
	r := newWorkerRegistry()
	east := &WorkerMethod{Method: "svc.do", FilterKey: "region", FilterValue: "east", connID: 1}
	west := &WorkerMethod{Method: "svc.do", FilterKey: "region", FilterValue: "west", connID: 2}
	r.Announce("svc.do", east)
	r.Announce("svc.do", west)

	wm, err := r.Select("svc.do", true, "east", refcountZero)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if wm.connID != 1 {
		t.Errorf("expected east bucket to select connID 1, got %d", wm.connID)
	}

	if _, err := r.Select("svc.do", true, "north", refcountZero); err != ErrNoWorker {
		t.Errorf("expected ErrNoWorker for unannounced filter value, got %v", err)
	}
}

func TestWithdrawPrunesEmptyEntries(t *testing.T) {
	r := newWorkerRegistry()
	wm := &WorkerMethod{Method: "svc.do", connID: 1}
	r.Announce("svc.do", wm)
	if !r.HasBackend("svc.do") {
		t.Fatal("expected backend present after announce")
	}
	r.Withdraw("svc.do", wm)
	if r.HasBackend("svc.do") {
		t.Error("expected backend entry pruned once its last worker withdraws")
	}
}

func TestWorkerIDsForMixesFlatAndFiltered(t *testing.T) {
	r := newWorkerRegistry()
	flat := &WorkerMethod{Method: "svc.do", connID: 1}
	filtered := &WorkerMethod{Method: "svc.do", FilterKey: "region", FilterValue: "east", connID: 2}
	r.Announce("svc.do", flat)
	r.Announce("svc.do", filtered)

	ids := r.workerIDsFor("svc.do")
	if len(ids) != 2 {
		t.Fatalf("expected 2 worker ids, got %d", len(ids))
	}
}
