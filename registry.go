package lazybind

import (
	"sort"
	"sync/atomic"
)

// ListenerID uniquely identifies a listener registration, for removal.
// Function values cannot be compared in Go, so registrations are identified
// by ID rather than by callback. The zero value identifies nothing, and is
// returned for registrations that were not retained.
type ListenerID uint64

// listenerRecord is immutable once added to a registry.
type listenerRecord struct { //nolint:govet // betteralign:ignore
	fn       Listener
	receiver any
	// claimed is set by the first invocation of a once record
	claimed *atomic.Bool
	id      ListenerID
	once    bool
	only    bool
}

// claim reports whether the record may be invoked.
func (x listenerRecord) claim() bool {
	return !x.once || x.claimed.CompareAndSwap(false, true)
}

// listenerRegistry is not safe for concurrent use, see Events.
type listenerRegistry struct {
	entries map[string][]listenerRecord
	// exclusive holds the types that have accepted an only registration,
	// until cleared by type
	exclusive map[string]struct{}
	nextID    ListenerID
}

func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{
		entries:   make(map[string][]listenerRecord),
		exclusive: make(map[string]struct{}),
		nextID:    1,
	}
}

// add appends a record built from opts, returning false if the
// registration was refused by the only flag.
func (r *listenerRegistry) add(eventType string, fn Listener, opts listenOptions) (listenerRecord, bool) {
	if r.refuses(eventType, opts) {
		return listenerRecord{}, false
	}
	rec := r.newRecord(eventType, fn, opts)
	r.entries[eventType] = append(r.entries[eventType], rec)
	return rec, true
}

// refuses reports whether an only registration must be a no-op: the type
// has a listener, or has already accepted an only registration.
func (r *listenerRegistry) refuses(eventType string, opts listenOptions) bool {
	if !opts.only {
		return false
	}
	if _, ok := r.exclusive[eventType]; ok {
		return true
	}
	return len(r.entries[eventType]) != 0
}

// newRecord allocates an ID without storing the record. An only record
// marks the type exclusive, even if it is never stored.
func (r *listenerRegistry) newRecord(eventType string, fn Listener, opts listenOptions) listenerRecord {
	rec := listenerRecord{
		id:       r.nextID,
		fn:       fn,
		receiver: opts.receiver,
		once:     opts.once,
		only:     opts.only,
	}
	r.nextID++
	if rec.only {
		r.exclusive[eventType] = struct{}{}
	}
	if rec.once {
		rec.claimed = new(atomic.Bool)
	}
	return rec
}

func (r *listenerRegistry) remove(eventType string, id ListenerID) bool {
	entries := r.entries[eventType]
	for i, entry := range entries {
		if entry.id == id {
			if len(entries) == 1 {
				delete(r.entries, eventType)
			} else {
				// copy, as snapshots may share the backing array
				updated := make([]listenerRecord, 0, len(entries)-1)
				updated = append(updated, entries[:i]...)
				r.entries[eventType] = append(updated, entries[i+1:]...)
			}
			return true
		}
	}
	return false
}

func (r *listenerRegistry) clear(eventType string) int {
	n := len(r.entries[eventType])
	delete(r.entries, eventType)
	delete(r.exclusive, eventType)
	return n
}

func (r *listenerRegistry) clearAll() {
	r.entries = make(map[string][]listenerRecord)
	r.exclusive = make(map[string]struct{})
}

// snapshot returns the records for eventType, which must not be modified.
// It is safe to retain, as the registry never mutates a published slice.
func (r *listenerRegistry) snapshot(eventType string) []listenerRecord {
	return r.entries[eventType]
}

func (r *listenerRegistry) has(eventType string, id ListenerID) bool {
	for _, entry := range r.entries[eventType] {
		if entry.id == id {
			return true
		}
	}
	return false
}

func (r *listenerRegistry) count(eventType string) int {
	return len(r.entries[eventType])
}

// types returns the event types with at least one listener, sorted.
func (r *listenerRegistry) types() []string {
	types := make([]string, 0, len(r.entries))
	for k := range r.entries {
		types = append(types, k)
	}
	sort.Strings(types)
	return types
}
