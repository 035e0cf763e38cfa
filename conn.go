package xenstore

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/creachadair/taskgroup"
)

// A Channel is a reliable ordered stream of messages shared with the
// store daemon.
//
// The methods of an implementation must be safe for concurrent use by
// one sender and one receiver.
type Channel interface {
	// Send the message in binary format to the store.
	Send(*Message) error

	// Receive the next available message from the channel.
	Recv() (*Message, error)

	// Close the channel, causing any pending send or receive operations
	// to terminate and report an error. After a channel is closed, all
	// further operations on it must report an error.
	Close() error
}

// A MessageLogger logs a message exchanged with the store.
type MessageLogger func(msg MessageInfo)

// A MessageInfo combines a message and a flag indicating whether the
// message was sent or received.
type MessageInfo struct {
	*Message      // the message being logged
	Sent     bool // whether the message was sent (true) or received (false)
}

func (m MessageInfo) dir() string {
	if m.Sent {
		return "send"
	}
	return "recv"
}

func (m MessageInfo) String() string {
	return fmt.Sprintf("%v %v", m.dir(), m.Message)
}

// A Conn multiplexes calls and watch subscriptions from any number of
// goroutines onto a single channel to the store daemon. A zero-valued
// Conn is ready for use, but must not be copied after any method has
// been called.
//
// Call Start with a channel to start the service routine for the
// connection. Once started, a connection runs until Stop is called, the
// channel closes, or a framing error occurs. Use Wait to wait for the
// connection to exit and report its status.
//
// Stopping the connection fails every call still in flight with
// ErrConnClosed and terminates the event stream of every active watch.
type Conn struct {
	in  interface{ Recv() (*Message, error) }
	out struct {
		// Must hold the lock to send to or set ch.
		sync.Mutex
		ch Channel
	}
	tasks *taskgroup.Group

	μ sync.Mutex

	err     error              // connection fatal error
	pcall   map[uint32]pending // outbound calls pending replies
	lastID  uint32             // most recently assigned request ID
	watches map[string]*Watch  // watch token → subscriber handle
	mlog    MessageLogger      // what it says on the tin
}

// NewConn constructs a new unstarted connection.
func NewConn() *Conn { return new(Conn) }

// Start starts the connection running on the given channel. The
// connection runs until the channel closes or a framing error occurs.
// Start does not block; call Wait to wait for the connection to exit
// and report its status.
func (c *Conn) Start(ch Channel) *Conn {
	if c.in != nil {
		panic("connection is already started")
	}

	g := taskgroup.New(nil)
	c.in = ch
	c.tasks = g
	c.out.ch = ch
	c.err = nil
	c.pcall = make(map[uint32]pending)
	c.lastID = 0
	c.watches = make(map[string]*Watch)

	g.Go(func() error {
		for {
			msg, err := c.in.Recv()
			if err != nil {
				c.fail(err)
				return nil
			}
			connMetrics.msgRecv.Add(1)
			c.dispatch(msg)
		}
	})

	return c
}

// Metrics returns a metrics map for the connection. It is safe for the
// caller to add additional metrics to the map while the connection is
// active.
func (c *Conn) Metrics() *expvar.Map { return connMetrics.emap }

// LogMessages registers a callback that will be invoked for each
// message exchanged with the store, regardless of type, including
// messages to be discarded.
//
// Passing a nil callback disables message logging. The logger is
// invoked synchronously with dispatch, prior to sending or delivery.
func (c *Conn) LogMessages(log MessageLogger) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.mlog = log
	return c
}

// Stop closes the channel and terminates the connection. It blocks
// until the connection has exited and returns its status. After Stop
// completes it is safe to restart the connection with a new channel.
func (c *Conn) Stop() error { c.closeOut(); return c.Wait() }

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// waitTasks blocks until the service routine has finished, and reports
// whether the connection was running.
func (c *Conn) waitTasks() bool {
	c.μ.Lock()
	t := c.tasks
	c.μ.Unlock()
	if t == nil {
		return false
	}
	t.Wait()
	return true
}

// Wait blocks until c terminates and reports the error that caused it
// to stop. After Wait completes it is safe to restart the connection
// with a new channel.
//
// If c is not running, or has stopped because of a closed channel, Wait
// returns nil; otherwise it returns the error that triggered the
// shutdown.
func (c *Conn) Wait() error {
	if !c.waitTasks() {
		return nil // the connection is not running
	}

	// Clean up connection state so it can be garbage collected.
	c.μ.Lock()
	defer c.μ.Unlock()
	c.in = nil
	c.tasks = nil
	c.out.Lock()
	c.out.ch = nil
	c.out.Unlock()
	c.pcall = nil
	c.watches = nil

	if treatErrorAsSuccess(c.err) {
		return nil
	}
	return c.err
}

// call sends a request to the store and blocks until the matching reply
// arrives, the connection is torn down, or ctx ends. If ctx ends first,
// the pending entry is abandoned so the late reply for its id is
// discarded rather than delivered to a future caller; the connection
// stays up.
//
// An ERROR reply completes the call as a *Error failure; a reply
// carrying any operation other than op completes it as a
// *ProtocolError.
func (c *Conn) call(ctx context.Context, op Op, tx uint32, payload []byte) (_ *Message, err error) {
	connMetrics.callOut.Add(1)
	defer func() {
		if err != nil {
			connMetrics.callOutErr.Add(1)
		}
	}()

	id, pc, err := c.sendReq(op, tx, payload)
	if err != nil {
		return nil, err
	}
	connMetrics.callPending.Add(1)
	defer connMetrics.callPending.Add(-1)

	select {
	case <-ctx.Done():
		// Abandon the call but keep its id pinned: the store replies to
		// every request, and releasing the id now could hand it to a new
		// call that would then receive this call's reply. The dispatcher
		// releases a pinned id when the stale reply finally arrives.
		c.μ.Lock()
		if _, ok := c.pcall[id]; ok {
			c.pcall[id] = nil
		}
		c.μ.Unlock()
		return nil, ctx.Err()

	case rsp, ok := <-pc:
		if !ok {
			// Closed without a reply: the connection was torn down.
			return nil, ErrConnClosed
		}
		switch {
		case rsp.Op == OpError:
			return nil, serverError(rsp)
		case rsp.Op != op:
			return nil, &ProtocolError{Want: op, Got: rsp.Op}
		}
		return rsp, nil
	}
}

// sendReq sends a request message for the given operation and payload.
// It blocks until the send completes, but does not wait for the reply.
// The reply will be delivered on the returned pending channel.
func (c *Conn) sendReq(op Op, tx uint32, payload []byte) (uint32, pending, error) {
	// Phase 1: Check for fatal errors and acquire state.
	c.μ.Lock()
	if c.in == nil || c.err != nil {
		c.μ.Unlock()
		return 0, nil, ErrConnClosed
	}
	// An id is never reused while its reply is outstanding.
	for {
		c.lastID++
		if _, ok := c.pcall[c.lastID]; !ok {
			break
		}
	}
	id := c.lastID
	pc := make(pending, 1)
	c.pcall[id] = pc
	c.μ.Unlock()

	// Send the request to the store. Note we MUST NOT hold the state
	// lock while doing this, as that will block the receiver from
	// dispatching messages.
	err := c.send(&Message{Op: op, ID: id, Tx: tx, Payload: payload})

	// Phase 2: Check for an error in the send, and update state if it failed.
	c.μ.Lock()
	defer c.μ.Unlock()
	if err != nil {
		c.releaseIDLocked(id)
		return 0, nil, err
	}
	return id, pc, nil
}

// dispatch routes an inbound message from the store. Watch events are
// forwarded to their subscriber by token; everything else is matched
// against the pending call table by request id. An unmatched id is the
// expected residue of a cancelled call, so it is counted and dropped
// rather than treated as fatal.
func (c *Conn) dispatch(msg *Message) {
	c.μ.Lock()
	mlog := c.mlog
	c.μ.Unlock()
	if mlog != nil {
		mlog(MessageInfo{Message: msg, Sent: false})
	}

	if msg.Op == OpWatchEvent {
		c.dispatchEvent(msg)
		return
	}

	c.μ.Lock()
	pc, ok := c.pcall[msg.ID]
	if !ok {
		c.μ.Unlock()
		connMetrics.msgDropped.Add(1)
		return
	}
	c.releaseIDLocked(msg.ID)
	c.μ.Unlock()
	if pc == nil {
		// The stale reply to a cancelled call; its id is now free again.
		connMetrics.msgDropped.Add(1)
		return
	}
	pc.deliver(msg) // does not block
}

// dispatchEvent routes a WATCH_EVENT to the subscriber owning its token.
func (c *Conn) dispatchEvent(msg *Message) {
	fields := msg.PayloadFields()
	if len(fields) != 2 {
		connMetrics.msgDropped.Add(1)
		return
	}
	path, token := fields[0], fields[1]

	c.μ.Lock()
	w := c.watches[token]
	c.μ.Unlock()
	if w == nil {
		// Either the token is stale or the event raced an unwatch.
		connMetrics.msgDropped.Add(1)
		return
	}
	connMetrics.watchEvent.Add(1)

	// The fired queue is bounded: when a consumer falls behind, the
	// dispatch loop blocks here and backpressures the whole connection.
	select {
	case w.fired <- path:
	case <-w.stop:
		connMetrics.msgDropped.Add(1)
	}
}

// fail terminates all pending calls and watches and records the failure
// status.
func (c *Conn) fail(err error) {
	c.closeOut()

	c.μ.Lock()
	defer c.μ.Unlock()

	// Terminate all incomplete pending calls.
	for _, pc := range c.pcall {
		pc.close()
	}
	c.pcall = nil

	// Terminate the event stream of every live watch.
	for _, w := range c.watches {
		close(w.fired)
		connMetrics.watchActive.Add(-1)
	}
	c.watches = nil

	c.err = err
}

// registerWatch adds w to the watch registry. It reports ErrConnClosed
// if the connection is not running.
func (c *Conn) registerWatch(w *Watch) error {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.watches == nil || c.err != nil {
		return ErrConnClosed
	}
	c.watches[w.token] = w
	connMetrics.watchActive.Add(1)
	return nil
}

// dropWatch removes the watch with the given token, if it is live.
func (c *Conn) dropWatch(token string) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if _, ok := c.watches[token]; ok {
		delete(c.watches, token)
		connMetrics.watchActive.Add(-1)
	}
}

// releaseIDLocked releases the call state for the specified request id.
func (c *Conn) releaseIDLocked(id uint32) {
	delete(c.pcall, id)
	if len(c.pcall) == 0 {
		c.lastID = 0
	}
}

func (c *Conn) send(msg *Message) error {
	c.μ.Lock()
	mlog := c.mlog
	c.μ.Unlock()
	if mlog != nil {
		mlog(MessageInfo{Message: msg, Sent: true})
	}

	c.out.Lock()
	defer c.out.Unlock()
	if c.out.ch == nil {
		return ErrConnClosed
	}
	connMetrics.msgSent.Add(1)
	return c.out.ch.Send(msg)
}

func (c *Conn) closeOut() {
	c.out.Lock()
	defer c.out.Unlock()
	if c.out.ch != nil {
		c.out.ch.Close()
	}
}

type pending chan *Message

func (p pending) close() {
	if p != nil {
		close(p)
	}
}

func (p pending) deliver(m *Message) {
	if p != nil {
		p <- m
		close(p)
	}
}
