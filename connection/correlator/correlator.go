/*
The correlator package owns the pending-call table: it issues correlation
ids for outgoing calls and guarantees that every registered call is
resolved exactly once, whether by a matched response, a local timeout, or
a connection loss that drains the whole table. Nothing else in the
codebase touches a pending call once it has been registered here.
*/
package correlator

import (
	"encoding/json"
	"sync"
)

// Result resolves one call: a raw payload on success or a typed error.
// Exactly one of the two is meaningful.
type Result struct {
	Value json.RawMessage
	Err   error
}

type Correlator struct {
	// Map of calls awaiting a response, keyed by correlation id
	pendingCalls     map[uint64]chan Result
	pendingCallsLock sync.Mutex

	// Counter for generating correlation ids. Never reset, so a stale
	// response from a previous connection generation can never match a
	// current call.
	counter uint64
}

func New() *Correlator {
	return &Correlator{
		pendingCalls: make(map[uint64]chan Result),
	}
}

// Register allocates a fresh id and installs its resolution slot. The
// returned channel is buffered so the resolver never blocks on a caller
// that has already given up.
func (c *Correlator) Register() (uint64, <-chan Result) {
	c.pendingCallsLock.Lock()
	defer c.pendingCallsLock.Unlock()

	c.counter++
	id := c.counter

	resultChan := make(chan Result, 1)
	c.pendingCalls[id] = resultChan

	return id, resultChan
}

// Resolve delivers a result to the call with the given id. It reports
// whether the id matched an outstanding call; a second resolution of the
// same id always misses because the entry is removed on the first.
func (c *Correlator) Resolve(id uint64, result Result) bool {
	c.pendingCallsLock.Lock()
	resultChan, ok := c.pendingCalls[id]
	if ok {
		delete(c.pendingCalls, id)
	}
	c.pendingCallsLock.Unlock()

	if !ok {
		return false
	}

	resultChan <- result
	return true
}

// Discard removes a pending call without resolving it. Used by the caller
// itself when its local timeout fires; a response arriving later for this
// id is then an anomaly for the classifier to log.
func (c *Correlator) Discard(id uint64) {
	c.pendingCallsLock.Lock()
	defer c.pendingCallsLock.Unlock()

	delete(c.pendingCalls, id)
}

// FailAll resolves every outstanding call with err and empties the table.
// Called on transport failure so no caller is ever left waiting on a dead
// connection.
func (c *Correlator) FailAll(err error) {
	c.pendingCallsLock.Lock()
	drained := c.pendingCalls
	c.pendingCalls = make(map[uint64]chan Result)
	c.pendingCallsLock.Unlock()

	for _, resultChan := range drained {
		resultChan <- Result{Err: err}
	}
}

func (c *Correlator) Outstanding() int {
	c.pendingCallsLock.Lock()
	defer c.pendingCallsLock.Unlock()

	return len(c.pendingCalls)
}

func (c *Correlator) IsEmpty() bool {
	return c.Outstanding() == 0
}
