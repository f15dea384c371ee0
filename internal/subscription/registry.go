// Package subscription keeps track of the subscriptions a client
// holds on the server, keyed by topic.
package subscription

import (
	"cmp"
	"errors"
	"iter"
	"slices"
	"sync"

	"go.arsenm.dev/subrpc/protocol"
)

// Registry error values
var (
	ErrAlreadySubscribing         = errors.New("subscribe call already in flight")
	ErrAlreadySubscribed          = errors.New("topic already subscribed")
	ErrUnknownSubscriptionRequest = errors.New("no subscribe call in flight for topic")
	ErrNotSubscribed              = errors.New("topic not subscribed")
)

type status uint8

const (
	statusPending status = iota
	statusActive
)

type entry struct {
	status status
	id     any
}

// Registry maps topics to server-issued subscription identifiers
type Registry struct {
	mtx     sync.Mutex
	entries map[string]*entry
}

// New creates and returns a new registry
func New() *Registry {
	return &Registry{entries: map[string]*entry{}}
}

// MarkPending records that a subscribe call for key is in flight
func (r *Registry) MarkPending(key string) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if e, ok := r.entries[key]; ok {
		if e.status == statusPending {
			return ErrAlreadySubscribing
		}
		return ErrAlreadySubscribed
	}

	r.entries[key] = &entry{status: statusPending}
	return nil
}

// Confirm activates the pending entry for key with the given
// subscription identifier
func (r *Registry) Confirm(key string, id any) error {
	if !protocol.ValidID(id) {
		return protocol.ErrInvalidID
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	e, ok := r.entries[key]
	if !ok || e.status != statusPending {
		return ErrUnknownSubscriptionRequest
	}

	e.status = statusActive
	e.id = id
	return nil
}

// Cancel removes the pending entry for key, after its subscribe
// call failed. Active entries are left untouched.
func (r *Registry) Cancel(key string) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	e, ok := r.entries[key]
	if !ok || e.status != statusPending {
		return false
	}
	delete(r.entries, key)
	return true
}

// Lookup returns the subscription identifier of an active entry
func (r *Registry) Lookup(key string) (any, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	e, ok := r.entries[key]
	if !ok || e.status != statusActive {
		return nil, false
	}
	return e.id, true
}

// Remove clears the active entry for key, if it still holds id
func (r *Registry) Remove(key string, id any) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	e, ok := r.entries[key]
	if !ok || e.status != statusActive || !protocol.SameID(e.id, id) {
		return false
	}
	delete(r.entries, key)
	return true
}

// Active returns a snapshot of the active subscriptions, sorted by
// key. The snapshot is taken when Active is called, and may be
// iterated any number of times.
func (r *Registry) Active() iter.Seq2[string, any] {
	type pair struct {
		key string
		id  any
	}

	r.mtx.Lock()
	snapshot := make([]pair, 0, len(r.entries))
	for key, e := range r.entries {
		if e.status == statusActive {
			snapshot = append(snapshot, pair{key, e.id})
		}
	}
	r.mtx.Unlock()

	slices.SortFunc(snapshot, func(a, b pair) int {
		return cmp.Compare(a.key, b.key)
	})

	return func(yield func(string, any) bool) {
		for _, p := range snapshot {
			if !yield(p.key, p.id) {
				return
			}
		}
	}
}

// Clear removes every entry, pending or active, and returns
// how many were removed
func (r *Registry) Clear() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	n := len(r.entries)
	r.entries = map[string]*entry{}
	return n
}

// Len returns the amount of active subscriptions
func (r *Registry) Len() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	n := 0
	for _, e := range r.entries {
		if e.status == statusActive {
			n++
		}
	}
	return n
}

// Pending reports whether a subscribe call for key is in flight
func (r *Registry) Pending(key string) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	e, ok := r.entries[key]
	return ok && e.status == statusPending
}
