// Package xenstore implements a client for the XenStore protocol, the
// hierarchical key/value database the Xen control plane uses to exchange
// configuration between the toolstack and guest domains.
//
// The store daemon owns the tree; this package is the client-side
// protocol engine: it frames requests onto a single shared connection,
// correlates the daemon's replies back to the issuing caller, routes
// unsolicited watch events to their subscribers, and threads transaction
// ids through grouped operations.
//
// # Connections
//
// The core type defined by this package is the [Conn]. A connection
// multiplexes calls from any number of goroutines over one [Channel].
//
// To create a new, unstarted connection:
//
//	c := xenstore.NewConn()
//
// To start the service routine, call the Start method with a channel
// connected to the store daemon (see the channel subpackage for
// implementations over Unix sockets and the xenbus device):
//
//	ch, err := channel.Open()
//	...
//	c.Start(ch)
//
// The connection runs until [Conn.Stop] is called, the channel closes,
// or a framing error occurs. Call [Conn.Wait] to wait for the
// connection to exit and return its status.
//
// # Store operations
//
// Path operations are methods on the connection:
//
//	err := c.Write(ctx, "/local/domain/1/name", "vm1")
//	name, err := c.Read(ctx, "/local/domain/1/name")
//	kids, err := c.List(ctx, "/local/domain")
//
// Failures reported by the daemon unwrap to error kinds such as
// [ErrNotFound] and [ErrPermission]; test them with errors.Is.
//
// # Watches
//
// A watch subscribes to change notifications for a node and its
// descendants:
//
//	w, err := c.Watch(ctx, "/local/domain/1")
//	...
//	for path, err := range w.Paths(ctx) {
//	   ...
//	}
//
// Each watch owns an ordered queue of fired paths; events for distinct
// watches never cross. Use [Watch.Cancel] to revoke the subscription.
//
// # Transactions
//
// [Conn.Begin] starts a transaction; the returned handle offers the
// same path operations, applied atomically by [Transaction.Commit]:
//
//	tx, err := c.Begin(ctx)
//	...
//	if err := tx.Commit(ctx); errors.Is(err, xenstore.ErrConflict) {
//	   // The tree changed underneath the transaction: rerun it from
//	   // Begin. Retrying only the commit is never correct.
//	}
//
// Nothing is retried inside this package; retry policy belongs to the
// caller.
//
// # Metrics
//
// Connections maintain a collection of expvar counters while running;
// use [Conn.Metrics] to obtain the map. [Conn.LogMessages] registers a
// callback observing every message exchanged, which is useful for
// debugging protocol traffic.
package xenstore
