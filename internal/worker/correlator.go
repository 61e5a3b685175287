package worker

import (
	"context"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"
)

// Result is what a waiter receives for one request.
type Result struct {
	Payload json.RawMessage
	Err     error
}

type corrOp int

const (
	opRegister corrOp = iota
	opResolve
	opRemove
	opDrain
	opLen
)

type corrMsg struct {
	op     corrOp
	id     string
	waiter chan Result
	result Result
	err    error
	reply  chan corrReply
}

type corrReply struct {
	ok bool
	n  int
}

// Correlator matches asynchronous replies to outstanding requests.
// The pending map is owned by a single goroutine; registration,
// resolution and draining arrive as messages on its channel, so reader
// goroutines and callers never share a lock. Identifiers are either
// monotonically allocated integers (NextID) or caller-supplied tokens.
//
// Every operation is safe concurrently with Close: the control channel
// is never closed, sends race against the done channel instead, and an
// operation that loses that race behaves as if the worker disconnected.
type Correlator struct {
	ctrl   chan corrMsg
	done   chan struct{}
	nextID atomic.Int64
	closed atomic.Bool
}

func NewCorrelator() *Correlator {
	c := &Correlator{ctrl: make(chan corrMsg, 16), done: make(chan struct{})}
	go c.run()
	return c
}

func (c *Correlator) run() {
	pending := make(map[string]chan Result)
	for {
		var msg corrMsg
		select {
		case msg = <-c.ctrl:
		case <-c.done:
			for id, w := range pending {
				delete(pending, id)
				w <- Result{Err: ErrDisconnected}
			}
			return
		}
		switch msg.op {
		case opRegister:
			pending[msg.id] = msg.waiter
			msg.reply <- corrReply{ok: true}
		case opResolve:
			w, ok := pending[msg.id]
			if ok {
				delete(pending, msg.id)
				w <- msg.result
			}
			msg.reply <- corrReply{ok: ok}
		case opRemove:
			_, ok := pending[msg.id]
			delete(pending, msg.id)
			msg.reply <- corrReply{ok: ok}
		case opDrain:
			for id, w := range pending {
				delete(pending, id)
				w <- Result{Err: msg.err}
			}
			msg.reply <- corrReply{n: 0}
		case opLen:
			msg.reply <- corrReply{n: len(pending)}
		}
	}
}

// send submits one message to the owner goroutine. It reports false
// when the correlator closed before the operation completed; the
// caller must then treat the worker as disconnected.
func (c *Correlator) send(msg corrMsg) (corrReply, bool) {
	select {
	case c.ctrl <- msg:
	case <-c.done:
		return corrReply{}, false
	}
	select {
	case r := <-msg.reply:
		return r, true
	case <-c.done:
		return corrReply{}, false
	}
}

// NextID allocates a fresh numeric identifier. IDs are never reused.
func (c *Correlator) NextID() string {
	return strconv.FormatInt(c.nextID.Add(1), 10)
}

// Register installs a one-shot waiter for id. It must be called before
// the request frame is written so an early reply always finds a waiter.
// After Close the returned waiter is already resolved with
// ErrDisconnected.
func (c *Correlator) Register(id string) chan Result {
	w := make(chan Result, 1)
	reply := make(chan corrReply, 1)
	if _, ok := c.send(corrMsg{op: opRegister, id: id, waiter: w, reply: reply}); !ok {
		// The owner may still have processed the registration and
		// drained the waiter on exit, so never block here.
		select {
		case w <- Result{Err: ErrDisconnected}:
		default:
		}
	}
	return w
}

// Resolve delivers a reply to the waiter registered for id and removes
// the entry. It reports false when no waiter was registered (the frame
// should then go to the event sink instead of being dropped).
func (c *Correlator) Resolve(id string, res Result) bool {
	reply := make(chan corrReply, 1)
	r, ok := c.send(corrMsg{op: opResolve, id: id, result: res, reply: reply})
	return ok && r.ok
}

// Remove discards the pending entry for id, if any. Safe to race with
// Resolve: whichever wins removes the entry; the loser is a no-op.
func (c *Correlator) Remove(id string) bool {
	reply := make(chan corrReply, 1)
	r, ok := c.send(corrMsg{op: opRemove, id: id, reply: reply})
	return ok && r.ok
}

// DrainAll fails every outstanding waiter with err. Called by the
// reader on EOF so no caller hangs past a worker crash.
func (c *Correlator) DrainAll(err error) {
	reply := make(chan corrReply, 1)
	c.send(corrMsg{op: opDrain, err: err, reply: reply})
}

// PendingCount reports the number of in-flight requests.
func (c *Correlator) PendingCount() int {
	reply := make(chan corrReply, 1)
	r, _ := c.send(corrMsg{op: opLen, reply: reply})
	return r.n
}

// Close drains all waiters with ErrDisconnected and stops the owner
// goroutine. Idempotent, and safe concurrently with every other
// method: late operations report a disconnected worker instead of
// panicking.
func (c *Correlator) Close() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.done)
	}
}

// Call performs one correlated request: register the waiter under id,
// invoke write to put the encoded frame on the wire, then block until a
// reply, the timeout, or ctx cancellation. On timeout the pending entry
// is removed first and onTimeout (if non-nil) may send a best-effort
// protocol-level cancel; the child may still be working on the request.
func (c *Correlator) Call(ctx context.Context, id string, write func() error, timeout time.Duration, onTimeout func()) (json.RawMessage, error) {
	w := c.Register(id)
	if err := write(); err != nil {
		c.Remove(id)
		return nil, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-w:
		return res.Payload, res.Err
	case <-timer.C:
		c.Remove(id)
		if onTimeout != nil {
			onTimeout()
		}
		return nil, ErrTimeout
	case <-ctx.Done():
		c.Remove(id)
		return nil, ctx.Err()
	}
}
