package proxy

import (
	"container/heap"
	"fmt"
	"sort"
	"sync"
	"time"
)

// NoTimeout disables the deadline of a call.
const NoTimeout time.Duration = -1

// CallID identifies one outstanding call. It is never zero and never shared
// by two live entries.
type CallID uint64

type entry struct {
	id       CallID
	owner    *Object
	member   string
	done     Completion
	decode   Decoder
	issued   time.Time
	timeout  time.Duration
	deadline time.Time
	// armed is set once the request has been handed to the transport.
	// Outcomes reaching an unarmed entry are held until Arm or dropped by
	// Discard, so a completion never runs for a call that failed to dispatch.
	armed bool
	held  *Outcome
	index int
}

// PendingCall is a read-only snapshot of a live ledger entry.
type PendingCall struct {
	ID       CallID
	Member   string
	Path     string
	Issued   time.Time
	Deadline time.Time
}

// Ledger owns every outstanding call of one session. All mutation happens
// under mu; completions always run after mu is released.
type Ledger struct {
	mu      sync.Mutex
	next    CallID
	entries map[CallID]*entry
	queue   deadlineQueue
	closed  bool

	now  func() time.Time
	wake chan struct{}
}

func NewLedger() *Ledger {
	return &Ledger{
		entries: make(map[CallID]*entry),
		now:     time.Now,
		wake:    make(chan struct{}, 1),
	}
}

// Register stores a new entry and returns its identifier. The deadline does
// not run until Arm.
func (l *Ledger) Register(owner *Object, member string, timeout time.Duration, decode Decoder, done Completion) (CallID, error) {
	if done == nil {
		return 0, fmt.Errorf("%w: nil completion", ErrDispatch)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, fmt.Errorf("%w: session closed", ErrDispatch)
	}
	if owner != nil && owner.closed {
		return 0, fmt.Errorf("%w: object closed", ErrDispatch)
	}
	id := l.allocate()
	l.entries[id] = &entry{
		id:      id,
		owner:   owner,
		member:  member,
		done:    done,
		decode:  decode,
		issued:  l.now(),
		timeout: timeout,
		index:   -1,
	}
	return id, nil
}

func (l *Ledger) allocate() CallID {
	for {
		l.next++
		if l.next == 0 {
			continue
		}
		if _, live := l.entries[l.next]; !live {
			return l.next
		}
	}
}

// Arm marks the call as sent and starts its deadline. An outcome that
// arrived while the send was in flight, or a deadline that has already
// passed, completes the call right here.
func (l *Ledger) Arm(id CallID) {
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok || e.armed {
		l.mu.Unlock()
		return
	}
	e.armed = true
	if e.held != nil {
		l.remove(e)
		l.mu.Unlock()
		e.done(*e.held)
		return
	}
	if e.timeout < 0 {
		l.mu.Unlock()
		return
	}
	now := l.now()
	e.deadline = e.issued.Add(e.timeout)
	if !e.deadline.After(now) {
		l.remove(e)
		l.mu.Unlock()
		e.done(timeoutOutcome(now.Sub(e.issued)))
		return
	}
	heap.Push(&l.queue, e)
	first := e.index == 0
	l.mu.Unlock()
	if first {
		l.notify()
	}
}

// Discard drops an entry whose request could not be sent. Its completion is
// never invoked.
func (l *Ledger) Discard(id CallID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[id]; ok && !e.armed {
		l.remove(e)
	}
}

// Resolve completes the call with out. Unknown or already resolved ids are
// ignored and report false.
func (l *Ledger) Resolve(id CallID, out Outcome) bool {
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok {
		l.mu.Unlock()
		return false
	}
	fire, accepted := l.settle(e, out)
	l.mu.Unlock()
	if fire {
		e.done(out)
	}
	return accepted
}

// Cancel resolves one call as cancelled.
func (l *Ledger) Cancel(id CallID) bool {
	return l.Resolve(id, failure(KindCancelled, "cancelled by caller"))
}

// CancelOwned cancels id only when it belongs to owner.
func (l *Ledger) CancelOwned(owner *Object, id CallID) bool {
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok || e.owner != owner {
		l.mu.Unlock()
		return false
	}
	out := failure(KindCancelled, "cancelled by caller")
	fire, accepted := l.settle(e, out)
	l.mu.Unlock()
	if fire {
		e.done(out)
	}
	return accepted
}

// CancelOwner closes owner for new calls and cancels all of its entries.
// Entries whose send is still in progress only have the cancellation held:
// their completion runs when Arm is reached and they are not in the count.
func (l *Ledger) CancelOwner(owner *Object, detail string) int {
	l.mu.Lock()
	owner.closed = true
	fired := l.settleWhere(func(e *entry) bool { return e.owner == owner }, failure(KindCancelled, detail))
	l.mu.Unlock()
	return fired.run()
}

// FailAll resolves every live entry with kind.
func (l *Ledger) FailAll(kind ErrorKind, detail string) int {
	l.mu.Lock()
	fired := l.settleWhere(func(*entry) bool { return true }, failure(kind, detail))
	l.mu.Unlock()
	return fired.run()
}

// Shutdown refuses further registrations and cancels everything left.
func (l *Ledger) Shutdown(detail string) int {
	l.mu.Lock()
	l.closed = true
	fired := l.settleWhere(func(*entry) bool { return true }, failure(KindCancelled, detail))
	l.mu.Unlock()
	return fired.run()
}

// Expire times out every armed entry whose deadline is not after now and
// returns the next pending deadline, if any.
func (l *Ledger) Expire(now time.Time) (time.Time, bool) {
	var due []*entry
	l.mu.Lock()
	for len(l.queue) > 0 && !l.queue[0].deadline.After(now) {
		e := heap.Pop(&l.queue).(*entry)
		delete(l.entries, e.id)
		due = append(due, e)
	}
	var next time.Time
	pending := len(l.queue) > 0
	if pending {
		next = l.queue[0].deadline
	}
	l.mu.Unlock()
	for _, e := range due {
		e.done(timeoutOutcome(now.Sub(e.issued)))
	}
	return next, pending
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Ledger) Pending() []PendingCall {
	l.mu.Lock()
	out := make([]PendingCall, 0, len(l.entries))
	for _, e := range l.entries {
		p := PendingCall{ID: e.id, Member: e.member, Issued: e.issued, Deadline: e.deadline}
		if e.owner != nil {
			p.Path = e.owner.path
		}
		out = append(out, p)
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (l *Ledger) decoder(id CallID) (Decoder, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok {
		return nil, false
	}
	return e.decode, true
}

// settle must be called with mu held. It reports whether the completion
// should run now and whether out was accepted at all.
func (l *Ledger) settle(e *entry, out Outcome) (bool, bool) {
	if !e.armed {
		if e.held != nil {
			return false, false
		}
		e.held = &out
		return false, true
	}
	l.remove(e)
	return true, true
}

type firing struct {
	entries []*entry
	out     Outcome
}

func (f firing) run() int {
	for _, e := range f.entries {
		e.done(f.out)
	}
	return len(f.entries)
}

func (l *Ledger) settleWhere(match func(*entry) bool, out Outcome) firing {
	f := firing{out: out}
	for _, e := range l.entries {
		if !match(e) {
			continue
		}
		if fire, _ := l.settle(e, out); fire {
			f.entries = append(f.entries, e)
		}
	}
	return f
}

func (l *Ledger) remove(e *entry) {
	delete(l.entries, e.id)
	if e.index >= 0 {
		heap.Remove(&l.queue, e.index)
	}
}

func (l *Ledger) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func timeoutOutcome(elapsed time.Duration) Outcome {
	return Outcome{Err: &Error{Kind: KindTimeout, Elapsed: elapsed}}
}
