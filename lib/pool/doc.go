// Package pool keeps idle HTTP connections per authority and bounds how
// many connections are checked out at once.
//
// A caller acquires a slot for a Key. The pool hands back either an idle
// connection, or nil meaning the caller must open a new one. Either way the
// slot is held by the returned *Acquired until exactly one disposition
// takes effect:
//
//	acq, conn, err := p.Acquire(ctx, pool.KeyFromURI(uri))
//	if err != nil {
//	    return err
//	}
//	defer acq.Done() // closes the slot if nothing else did
//
//	// Use the connection, then:
//	acq.Release(io, created) // keep it for reuse
//	// or
//	acq.Close(io) // shut it down
//
// When the limit is reached, acquirers queue in FIFO order. A freed slot
// goes directly to the first waiter for the same key, or else to the head
// of the queue, so newcomers can not barge ahead of waiting callers.
//
// Idle connections are checked on the way out: entries idle longer than
// KeepAlive or older than Lifetime are discarded, HTTP/1 connections must
// pass a non-blocking readability probe and HTTP/2 connections must not be
// closed or draining.
//
// # Metrics
//
// Pool activity is registered with the metrics package:
//   - httptransport_pool_acquire_total: Total acquire calls
//   - httptransport_pool_wait_total: Acquires that had to queue
//   - httptransport_pool_reused_total: Acquires served from the idle queue
//   - httptransport_pool_opened_total: Acquires that require a new connection
//   - httptransport_pool_evicted_total: Idle connections discarded
//   - httptransport_pool_acquired: Slots currently held (see UpdateMetrics)
//   - httptransport_pool_idle: Idle connections (see UpdateMetrics)
//   - httptransport_pool_waiters: Queued acquirers (see UpdateMetrics)
package pool
