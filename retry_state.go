package beacon

import (
	"context"
	"sync"

	"github.com/twmb/murmur3"
)

// requestIdentity keys retry bookkeeping by method and path.
func requestIdentity(method, path string) uint64 {
	return murmur3.Sum64([]byte(method + " " + path))
}

type retryState struct {
	// sem has capacity one; holding it means owning the identity's only
	// outstanding attempt.
	sem      chan struct{}
	attempts int
	refs     int
}

// RetryTracker holds the attempt counter for each request identity and
// serializes calls that share one.
type RetryTracker struct {
	mu     sync.Mutex
	states map[uint64]*retryState
}

func NewRetryTracker() *RetryTracker {
	return &RetryTracker{states: make(map[uint64]*retryState)}
}

func (t *RetryTracker) acquire(ctx context.Context, key uint64) (*retryState, error) {
	t.mu.Lock()
	st, ok := t.states[key]
	if !ok {
		st = &retryState{sem: make(chan struct{}, 1)}
		t.states[key] = st
	}
	st.refs++
	t.mu.Unlock()

	select {
	case st.sem <- struct{}{}:
		return st, nil
	case <-ctx.Done():
		t.unref(key, st)
		return nil, ctx.Err()
	}
}

// release resets the counter, gives up the identity and drops the entry once
// nobody else is waiting on it.
func (t *RetryTracker) release(key uint64, st *retryState) {
	t.mu.Lock()
	st.attempts = 0
	t.mu.Unlock()

	<-st.sem
	t.unref(key, st)
}

func (t *RetryTracker) unref(key uint64, st *retryState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st.refs--
	if st.refs == 0 && t.states[key] == st {
		delete(t.states, key)
	}
}

func (t *RetryTracker) attempts(st *retryState) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return st.attempts
}

func (t *RetryTracker) increment(st *retryState) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	st.attempts++
	return st.attempts
}

// Attempts returns the current retry count for method and path; zero when no
// call is in progress.
func (t *RetryTracker) Attempts(method, path string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[requestIdentity(method, path)]; ok {
		return st.attempts
	}
	return 0
}

// Len is the number of identities with a call in progress or waiting.
func (t *RetryTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}
