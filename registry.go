package rpcswitch

// registryEntry holds every announcement for one backend method,
// bucketed flat or by filter value per invariant #5: a backend is
// either filtered or it isn't, never both at once.
type registryEntry struct {
	flat     []*WorkerMethod
	filtered map[string][]*WorkerMethod
}

func (e *registryEntry) empty() bool {
	return len(e.flat) == 0 && len(e.filtered) == 0
}

// WorkerRegistry is the switch's map from backend method to the set
// of workers currently announcing it, with round-robin-with-least-
// refcount selection. Announce appends to a bucket; Withdraw scans and
// copies the bucket, so it costs time linear in the bucket's size.
type WorkerRegistry struct {
	entries map[string]*registryEntry
}

func newWorkerRegistry() *WorkerRegistry {
	return &WorkerRegistry{entries: make(map[string]*registryEntry)}
}

// Announce records wm as serving backend, in the flat list or under
// its filter value depending on whether wm.FilterKey is set.
func (r *WorkerRegistry) Announce(backend string, wm *WorkerMethod) {
	e, ok := r.entries[backend]
	if !ok {
		e = &registryEntry{}
		r.entries[backend] = e
	}
	if wm.FilterKey != "" {
		if e.filtered == nil {
			e.filtered = make(map[string][]*WorkerMethod)
		}
		e.filtered[wm.FilterValue] = append(e.filtered[wm.FilterValue], wm)
	} else {
		e.flat = append(e.flat, wm)
	}
}

// Withdraw removes wm from backend's registry entry, pruning empty
// buckets and the entry itself as they drain.
func (r *WorkerRegistry) Withdraw(backend string, wm *WorkerMethod) {
	e, ok := r.entries[backend]
	if !ok {
		return
	}
	if wm.FilterKey != "" {
		list := removeWorkerMethod(e.filtered[wm.FilterValue], wm)
		if len(list) == 0 {
			delete(e.filtered, wm.FilterValue)
		} else {
			e.filtered[wm.FilterValue] = list
		}
	} else {
		e.flat = removeWorkerMethod(e.flat, wm)
	}
	if e.empty() {
		delete(r.entries, backend)
	}
}

// HasBackend reports whether any worker currently serves backend.
func (r *WorkerRegistry) HasBackend(backend string) bool {
	_, ok := r.entries[backend]
	return ok
}

// Select picks the next worker for backend, optionally scoped to
// filterValue: it rotates the chosen bucket for round-robin fairness
// and picks the least-loaded worker, ties going to the first in
// rotated order. It reports ErrNoWorker
// when the bucket is empty or absent.
func (r *WorkerRegistry) Select(backend string, hasFilter bool, filterValue string, refcountOf func(uint64) int) (*WorkerMethod, error) {
	e, ok := r.entries[backend]
	if !ok {
		return nil, ErrNoWorker
	}

	if hasFilter {
		list := e.filtered[filterValue]
		wm, rotated := selectAndRotate(list, refcountOf)
		if wm == nil {
			return nil, ErrNoWorker
		}
		if len(rotated) == 0 {
			delete(e.filtered, filterValue)
		} else {
			e.filtered[filterValue] = rotated
		}
		return wm, nil
	}

	wm, rotated := selectAndRotate(e.flat, refcountOf)
	if wm == nil {
		return nil, ErrNoWorker
	}
	e.flat = rotated
	return wm, nil
}

// selectAndRotate implements round-robin with least-refcount
// tie-break: rotate list left by one (head moves to tail), then pick
// the minimum-refcount entry, first occurrence wins ties. Returns the
// chosen entry and the list as it should be stored back.
func selectAndRotate(list []*WorkerMethod, refcountOf func(uint64) int) (*WorkerMethod, []*WorkerMethod) {
	switch len(list) {
	case 0:
		return nil, list
	case 1:
		return list[0], list
	}

	rotated := make([]*WorkerMethod, len(list))
	copy(rotated, list[1:])
	rotated[len(rotated)-1] = list[0]

	best := rotated[0]
	bestRef := refcountOf(best.connID)
	for _, wm := range rotated[1:] {
		if ref := refcountOf(wm.connID); ref < bestRef {
			best = wm
			bestRef = ref
		}
	}
	return best, rotated
}

// workerIDsFor returns the connection ids of every worker currently
// serving backend, flat or filtered, for introspection.
func (r *WorkerRegistry) workerIDsFor(backend string) []uint64 {
	e, ok := r.entries[backend]
	if !ok {
		return nil
	}
	var ids []uint64
	for _, wm := range e.flat {
		ids = append(ids, wm.connID)
	}
	for _, list := range e.filtered {
		for _, wm := range list {
			ids = append(ids, wm.connID)
		}
	}
	return ids
}

// snapshot renders the whole registry for rpcswitch.get_workers: one
// entry per backend, each a flat list of announcements with their
// filter value when applicable.
func (r *WorkerRegistry) snapshot() map[string][]WorkerSnapshot {
	out := make(map[string][]WorkerSnapshot, len(r.entries))
	for backend, e := range r.entries {
		var list []WorkerSnapshot
		for _, wm := range e.flat {
			list = append(list, WorkerSnapshot{ConnID: wm.connID, Doc: wm.Doc})
		}
		for value, bucket := range e.filtered {
			for _, wm := range bucket {
				list = append(list, WorkerSnapshot{ConnID: wm.connID, Doc: wm.Doc, FilterValue: value})
			}
		}
		out[backend] = list
	}
	return out
}

// WorkerSnapshot is one worker's announcement as rendered for
// introspection.
type WorkerSnapshot struct {
	ConnID      uint64 `json:"-"`
	WorkerID    uint64 `json:"worker_id,omitempty"`
	WorkerName  string `json:"workername,omitempty"`
	Doc         string `json:"doc,omitempty"`
	FilterValue string `json:"filter_value,omitempty"`
}

func removeWorkerMethod(list []*WorkerMethod, wm *WorkerMethod) []*WorkerMethod {
	for i, v := range list {
		if v == wm {
			out := make([]*WorkerMethod, 0, len(list)-1)
			out = append(out, list[:i]...)
			out = append(out, list[i+1:]...)
			return out
		}
	}
	return list
}
