// Package pending implements the table of outstanding calls
// awaiting a response from the server.
package pending

import (
	"errors"
	"sync"
	"time"

	"go.arsenm.dev/subrpc/protocol"
)

// Table error values
var (
	ErrDuplicateID = errors.New("duplicate request identifier")
	ErrUnknownID   = errors.New("unknown request identifier")
)

// Outcome is the result of a call. Exactly one of
// Result and Err is meaningful.
type Outcome struct {
	Result any
	Err    error
}

// Call is an outstanding request
type Call struct {
	ID      any
	Method  string
	Started time.Time

	ch chan Outcome
}

// Done returns a channel that receives the outcome of
// the call exactly once
func (c *Call) Done() <-chan Outcome {
	return c.ch
}

// Complete delivers the outcome to the waiter. Only the holder
// of a call removed from the table may complete it.
func (c *Call) Complete(o Outcome) {
	// The channel is buffered, and a call is only ever removed
	// from the table once, so this never blocks
	select {
	case c.ch <- o:
	default:
	}
}

// Table maps request identifiers to outstanding calls
type Table struct {
	mtx   sync.Mutex
	calls map[string]*Call
	now   func() time.Time
}

// New creates and returns a new table
func New() *Table {
	return &Table{
		calls: map[string]*Call{},
		now:   time.Now,
	}
}

// Register inserts a call for the given identifier
func (t *Table) Register(id any, method string) (*Call, error) {
	key, err := protocol.IDKey(id)
	if err != nil {
		return nil, err
	}

	t.mtx.Lock()
	defer t.mtx.Unlock()

	if _, ok := t.calls[key]; ok {
		return nil, ErrDuplicateID
	}

	call := &Call{
		ID:      id,
		Method:  method,
		Started: t.now(),
		ch:      make(chan Outcome, 1),
	}
	t.calls[key] = call

	return call, nil
}

// Pop removes and returns the call for the given identifier
// without completing it
func (t *Table) Pop(id any) (*Call, error) {
	key, err := protocol.IDKey(id)
	if err != nil {
		return nil, ErrUnknownID
	}

	t.mtx.Lock()
	defer t.mtx.Unlock()

	call, ok := t.calls[key]
	if !ok {
		return nil, ErrUnknownID
	}
	delete(t.calls, key)

	return call, nil
}

// Resolve removes the call for the given identifier and
// delivers the outcome to its waiter
func (t *Table) Resolve(id any, o Outcome) error {
	call, err := t.Pop(id)
	if err != nil {
		return err
	}
	call.Complete(o)
	return nil
}

// Abandon removes a call whose caller is no longer waiting.
// It reports whether the call was still in the table.
func (t *Table) Abandon(id any) bool {
	_, err := t.Pop(id)
	return err == nil
}

// DrainAll completes every outstanding call with err and
// returns how many calls were completed
func (t *Table) DrainAll(err error) int {
	t.mtx.Lock()
	calls := t.calls
	t.calls = map[string]*Call{}
	t.mtx.Unlock()

	for _, call := range calls {
		call.Complete(Outcome{Err: err})
	}

	return len(calls)
}

// Len returns the amount of outstanding calls
func (t *Table) Len() int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return len(t.calls)
}
