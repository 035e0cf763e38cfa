package xenstore

import "expvar"

// connMetrics record connection activity counters.
type connStats struct {
	msgRecv     expvar.Int // number of messages received
	msgSent     expvar.Int // number of messages sent
	msgDropped  expvar.Int // number of messages received and discarded
	callOut     expvar.Int // number of calls initiated
	callOutErr  expvar.Int // number of calls reporting an error
	callPending expvar.Int // calls currently awaiting replies
	watchEvent  expvar.Int // number of watch events delivered
	watchActive expvar.Int // watches currently registered

	emap *expvar.Map
}

var connMetrics = newConnStats()

func newConnStats() *connStats {
	cs := &connStats{emap: new(expvar.Map)}
	cs.emap.Set("messages_received", &cs.msgRecv)
	cs.emap.Set("messages_sent", &cs.msgSent)
	cs.emap.Set("messages_dropped", &cs.msgDropped)
	cs.emap.Set("calls_out", &cs.callOut)
	cs.emap.Set("calls_out_failed", &cs.callOutErr)
	cs.emap.Set("calls_pending", &cs.callPending)
	cs.emap.Set("watch_events", &cs.watchEvent)
	cs.emap.Set("watches_active", &cs.watchActive)
	return cs
}
