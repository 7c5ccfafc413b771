package pool

import "github.com/go-i2p/httptransport/lib/metrics"

// Pool utilization metrics
var (
	// PoolAcquired is the number of slots currently held.
	PoolAcquired = metrics.NewGauge(
		"httptransport_pool_acquired",
		"Number of connection slots currently held",
	)
	// PoolIdle is the number of idle connections.
	PoolIdle = metrics.NewGauge(
		"httptransport_pool_idle",
		"Current number of idle connections in the pool",
	)
	// PoolWaiters is the number of queued acquirers.
	PoolWaiters = metrics.NewGauge(
		"httptransport_pool_waiters",
		"Number of acquirers waiting for a slot",
	)
	// PoolAcquireTotal is the total number of acquire attempts.
	PoolAcquireTotal = metrics.NewCounter(
		"httptransport_pool_acquire_total",
		"Total number of connection acquire attempts",
	)
	// PoolWaitTotal is the number of acquires that had to queue.
	PoolWaitTotal = metrics.NewCounter(
		"httptransport_pool_wait_total",
		"Total number of acquires that waited for a slot",
	)
	// PoolReusedTotal is the number of acquires served from the idle queue.
	PoolReusedTotal = metrics.NewCounter(
		"httptransport_pool_reused_total",
		"Total number of acquires served by an idle connection",
	)
	// PoolOpenedTotal is the number of acquires that found nothing idle.
	PoolOpenedTotal = metrics.NewCounter(
		"httptransport_pool_opened_total",
		"Total number of acquires that required a new connection",
	)
	// PoolEvictedTotal is the number of idle connections discarded.
	PoolEvictedTotal = metrics.NewCounter(
		"httptransport_pool_evicted_total",
		"Total number of idle connections discarded as stale or dead",
	)
	// PoolAcquireLatency tracks time spent acquiring a slot.
	PoolAcquireLatency = metrics.NewHistogram(
		"httptransport_pool_acquire_duration_seconds",
		"Time spent acquiring a connection slot from the pool",
		metrics.DefaultLatencyBuckets,
	)
)

// UpdateMetrics updates the pool gauges from Stats.
func UpdateMetrics(stats Stats) {
	PoolAcquired.Set(int64(stats.Acquired))
	PoolIdle.Set(int64(stats.Idle))
	PoolWaiters.Set(int64(stats.Waiters))
}
