package xenstore

import (
	"context"
	"errors"
	"iter"
	"sync"

	"github.com/google/uuid"
)

// watchQueueLen is the capacity of the fired-path queue of each watch.
// Events queue in arrival order and are never dropped while capacity
// remains; once the queue is full the dispatch loop blocks until the
// consumer catches up.
const watchQueueLen = 64

// A Watch is a live subscription to change notifications for a node
// and its descendants. The store pushes the path of each modified node
// to the subscriber that registered the watch; paths are delivered in
// arrival order with no coalescing.
//
// A watch remains live until Cancel is called or the connection is torn
// down.
type Watch struct {
	c     *Conn
	path  string
	token string

	fired chan string   // fired paths, in arrival order
	stop  chan struct{} // closed when the watch is cancelled
	once  sync.Once
}

// Watch registers a watch on path and returns its subscriber handle.
//
// The store fires every new watch once immediately after registration
// with the watched path itself, before any real modification; the first
// value delivered by the handle is usually that synthetic event.
//
// The token identifying the subscription is a fresh random UUID, so
// handles are routed correctly no matter how many watches and
// connections a process maintains.
func (c *Conn) Watch(ctx context.Context, path string) (*Watch, error) {
	w := &Watch{
		c:     c,
		path:  path,
		token: uuid.NewString(),
		fired: make(chan string, watchQueueLen),
		stop:  make(chan struct{}),
	}

	// Register the token before issuing WATCH: the store may deliver the
	// registration event before the WATCH reply completes this call, and
	// the dispatcher must already know the token by then.
	if err := c.registerWatch(w); err != nil {
		return nil, err
	}
	if _, err := c.call(ctx, OpWatch, 0, fieldPayload(path, w.token)); err != nil {
		c.dropWatch(w.token)
		return nil, err
	}
	return w, nil
}

// Path returns the path the watch was registered on.
func (w *Watch) Path() string { return w.path }

// Next blocks until the next fired path is available and returns it.
//
// Next reports ErrWatchClosed after the watch has been cancelled,
// ErrConnClosed after the connection has been torn down, and the
// context error if ctx ends first. Events queued before cancellation
// are still delivered ahead of ErrWatchClosed.
func (w *Watch) Next(ctx context.Context) (string, error) {
	// Drain queued events before reporting cancellation.
	select {
	case path, ok := <-w.fired:
		if !ok {
			return "", ErrConnClosed
		}
		return path, nil
	default:
	}

	select {
	case path, ok := <-w.fired:
		if !ok {
			return "", ErrConnClosed
		}
		return path, nil
	case <-w.stop:
		return "", ErrWatchClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Paths returns an iterator over the fired paths of w. The sequence is
// infinite until the watch is cancelled, the connection closes, or ctx
// ends; it then yields a single ("", err) pair describing why and stops.
// Values consumed from the iterator are not replayed.
func (w *Watch) Paths(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for {
			path, err := w.Next(ctx)
			if err != nil {
				yield("", err)
				return
			}
			if !yield(path, nil) {
				return
			}
		}
	}
}

// Cancel revokes the watch: it issues UNWATCH to the store, removes the
// subscription, and terminates the event stream. Cancel is idempotent;
// calls after the first report nil without wire traffic.
//
// An event already in flight when Cancel runs may still be delivered to
// a consumer draining the queue: the protocol does not order UNWATCH
// against events already sent, and this implementation does not hide
// the race. No events are delivered after Next first reports
// ErrWatchClosed.
//
// A watch already gone on the server side is still cancelled: Cancel
// reports nil when the connection is down, and when the store no longer
// knows the token (for example after ResetWatches).
func (w *Watch) Cancel(ctx context.Context) error {
	var err error
	w.once.Do(func() {
		_, err = w.c.call(ctx, OpUnwatch, 0, fieldPayload(w.path, w.token))
		if errors.Is(err, ErrConnClosed) || errors.Is(err, ErrNotFound) {
			err = nil
		}
		w.c.dropWatch(w.token)
		close(w.stop)
	})
	return err
}
