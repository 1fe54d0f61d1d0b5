// Package approval holds authorization requests awaiting a human decision.
//
// Network handlers enqueue requests and poll for their outcome; the approval
// surface (an out-of-band UI) consumes them one at a time and reports the
// decision back through Resolve. The queue guarantees deliver-once handoff
// and accepts exactly one Pending→Approved/Denied transition per request.
package approval

import (
	"sync"
	"time"
)

// Decision is the state of a pending authorization request.
type Decision int

const (
	// DecisionPending means no human decision has been made yet.
	DecisionPending Decision = iota

	// DecisionApproved means the human approved and a code was minted.
	DecisionApproved

	// DecisionDenied means the human denied the request.
	DecisionDenied
)

// String returns the lowercase decision name.
func (d Decision) String() string {
	switch d {
	case DecisionApproved:
		return "approved"
	case DecisionDenied:
		return "denied"
	default:
		return "pending"
	}
}

// Request is an in-flight authorization request awaiting a decision.
type Request struct {
	ID                  string
	ClientID            string
	RedirectURI         string
	State               string
	Scope               string
	PollToken           string
	ConfirmCode         string
	CodeChallenge       string
	CodeChallengeMethod string
	Source              string
	CreatedAt           time.Time
	Decision            Decision

	// Code is the authorization code minted on approval.
	Code string

	// SessionLabel is the human-assigned label recorded at approval time.
	SessionLabel string

	delivered bool
}

// Queue is a FIFO of requests awaiting human decisions. Safe for concurrent
// use; notification sends happen outside the critical section.
type Queue struct {
	mu       sync.Mutex
	requests map[string]*Request
	order    []string
	ttl      time.Duration
	notify   chan struct{}

	now func() time.Time
}

// NewQueue creates a queue whose requests expire after ttl.
func NewQueue(ttl time.Duration) *Queue {
	if ttl == 0 {
		ttl = 10 * time.Minute
	}
	return &Queue{
		requests: make(map[string]*Request),
		ttl:      ttl,
		notify:   make(chan struct{}, 1),
		now:      time.Now,
	}
}

// SetClock overrides the queue's time source. Intended for tests.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Notify returns a channel that receives a signal when a new request is
// enqueued. The channel is buffered; consumers drain it and call Next.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// Add enqueues a request. CreatedAt is stamped if unset.
func (q *Queue) Add(req *Request) {
	q.mu.Lock()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = q.now()
	}
	q.requests[req.ID] = req
	q.order = append(q.order, req.ID)
	q.mu.Unlock()

	// Signal after releasing the lock so a slow consumer cannot block
	// enqueueing and the consumer never re-enters a held lock.
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Get returns a snapshot of the request, or false if it does not exist.
// Expired requests are reported with ok=true and expired=true; callers decide
// whether to delete them.
func (q *Queue) Get(id string) (req Request, expired, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, found := q.requests[id]
	if !found {
		return Request{}, false, false
	}
	return *r, q.now().Sub(r.CreatedAt) > q.ttl, true
}

// Resolve applies a human decision. The transition is accepted only when the
// request exists, is still Pending, and has not expired; double-resolves and
// late resolves are rejected. code carries the minted authorization code for
// approvals, label an optional human-assigned session name.
func (q *Queue) Resolve(id string, approve bool, code, label string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, found := q.requests[id]
	if !found || r.Decision != DecisionPending {
		return false
	}
	if q.now().Sub(r.CreatedAt) > q.ttl {
		return false
	}

	if approve {
		r.Decision = DecisionApproved
		r.Code = code
		r.SessionLabel = label
	} else {
		r.Decision = DecisionDenied
	}
	return true
}

// Consume removes the request and returns it, for polls that observed a
// terminal decision or expiry.
func (q *Queue) Consume(id string) (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, found := q.requests[id]
	if !found {
		return Request{}, false
	}
	delete(q.requests, id)
	return *r, true
}

// Next hands the oldest undecided, undelivered request to the approval
// surface. Each request is delivered at most once so the human never sees
// duplicate prompts for the same request id.
func (q *Queue) Next() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for _, id := range q.order {
		r, found := q.requests[id]
		if !found || r.delivered || r.Decision != DecisionPending {
			continue
		}
		if now.Sub(r.CreatedAt) > q.ttl {
			continue
		}
		r.delivered = true
		return *r, true
	}
	return Request{}, false
}

// ExpireStale removes requests past the TTL and returns how many were removed.
func (q *Queue) ExpireStale() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	removed := 0
	for id, r := range q.requests {
		if now.Sub(r.CreatedAt) > q.ttl {
			delete(q.requests, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of held requests, including decided ones awaiting
// consumption.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.requests)
}
