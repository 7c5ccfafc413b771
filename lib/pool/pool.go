package pool

import (
	"container/list"
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/go-i2p/httptransport/lib/errors"
	"github.com/go-i2p/httptransport/lib/metrics"
)

// Config holds pool configuration.
type Config struct {
	// Limit is the maximum number of slots held at once. Zero means unlimited.
	Limit int
	// KeepAlive is how long a connection may sit idle before it is discarded.
	// Zero disables the idle check.
	KeepAlive time.Duration
	// Lifetime is the maximum age of a connection. Zero disables the check.
	Lifetime time.Duration
	// DisconnectTimeout bounds the graceful shutdown of a discarded connection.
	DisconnectTimeout time.Duration
	// ReapInterval is how often idle connections are swept for staleness in
	// the background. Zero disables the sweeper; stale entries are still
	// dropped on acquire.
	ReapInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Limit:             100,
		KeepAlive:         15 * time.Second,
		Lifetime:          75 * time.Second,
		DisconnectTimeout: 3 * time.Second,
	}
}

// Stats holds pool statistics.
type Stats struct {
	Limit    int
	Acquired int
	Idle     int
	Waiters  int
	Opened   uint64
	Reused   uint64
	Evicted  uint64
}

type waiter struct {
	key   Key
	ready chan struct{}
	// granted and err are written under the pool lock before ready closes.
	granted bool
	err     error
}

// Pool manages idle connections and slot accounting for one transport kind.
type Pool struct {
	name string
	cfg  Config
	now  func() time.Time

	mu        sync.Mutex
	acquired  int
	available map[Key][]*AvailableConnection
	waiters   *list.List
	closed    bool

	opened  atomic.Uint64
	reused  atomic.Uint64
	evicted atomic.Uint64

	stopReap chan struct{}
	reapDone chan struct{}
}

// New creates a pool. name labels log entries.
func New(name string, cfg Config) *Pool {
	p := &Pool{
		name:      name,
		cfg:       cfg,
		now:       time.Now,
		available: make(map[Key][]*AvailableConnection),
		waiters:   list.New(),
	}
	if cfg.ReapInterval > 0 {
		p.stopReap = make(chan struct{})
		p.reapDone = make(chan struct{})
		go p.reapLoop()
	}
	return p
}

// Acquire reserves a slot for key. When the limit is reached it waits in
// FIFO order until a slot is handed over or ctx ends.
//
// The returned connection is an idle connection that passed the liveness
// checks, or nil when the caller must open a new one.
func (p *Pool) Acquire(ctx context.Context, key Key) (*Acquired, *AvailableConnection, error) {
	PoolAcquireTotal.Inc()
	timer := metrics.NewTimer(PoolAcquireLatency)

	if err := p.reserve(ctx, key); err != nil {
		return nil, nil, err
	}
	timer.ObserveDuration()

	acq := newAcquired(p, key)
	conn := p.checkout(key)
	if conn != nil {
		acq.Attach(conn.IO, conn.Created)
		p.reused.Add(1)
		PoolReusedTotal.Inc()
		log.WithField("pool", p.name).WithField("key", key.String()).WithField("conn", conn.IO.ID()).Debug("reusing idle connection")
	} else {
		p.opened.Add(1)
		PoolOpenedTotal.Inc()
	}
	return acq, conn, nil
}

// reserve takes a slot, queueing behind earlier waiters if needed.
func (p *Pool) reserve(ctx context.Context, key Key) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return apperrors.ErrPoolClosed
	}
	if p.cfg.Limit <= 0 || (p.acquired < p.cfg.Limit && p.waiters.Len() == 0) {
		p.acquired++
		p.mu.Unlock()
		return nil
	}

	w := &waiter{key: key, ready: make(chan struct{})}
	el := p.waiters.PushBack(w)
	p.mu.Unlock()
	PoolWaitTotal.Inc()
	log.WithField("pool", p.name).WithField("key", key.String()).Debug("waiting for a connection slot")

	select {
	case <-w.ready:
		return w.err
	case <-ctx.Done():
	}

	p.mu.Lock()
	if !w.granted && w.err == nil {
		p.waiters.Remove(el)
		p.mu.Unlock()
		return ctx.Err()
	}
	granted := w.granted
	if granted {
		// The slot arrived while we were giving up; pass it on.
		p.handOffLocked(nil)
	}
	p.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	return ctx.Err()
}

// checkout pops idle connections for key, newest first, until one passes
// the staleness and liveness checks. Probing happens outside the lock.
// HTTP/2 handles with no stream to spare stay queued for later callers.
func (p *Pool) checkout(key Key) *AvailableConnection {
	var busy []*AvailableConnection
	defer func() {
		if len(busy) > 0 {
			p.requeue(key, busy)
		}
	}()

	for {
		p.mu.Lock()
		q := p.available[key]
		if len(q) == 0 {
			p.mu.Unlock()
			return nil
		}
		conn := q[len(q)-1]
		q[len(q)-1] = nil
		if len(q) == 1 {
			delete(p.available, key)
		} else {
			p.available[key] = q[:len(q)-1]
		}
		p.mu.Unlock()

		if reason := p.stale(conn, p.now()); reason != "" {
			p.evict(conn, reason)
			continue
		}
		if !alive(conn.IO) {
			p.evict(conn, "not alive")
			continue
		}
		if saturated(conn.IO) {
			busy = append(busy, conn)
			continue
		}
		return conn
	}
}

// requeue puts busy connections, popped newest first, back under key in
// their original order. They are shut down if the pool closed meanwhile.
func (p *Pool) requeue(key Key, busy []*AvailableConnection) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		for _, conn := range busy {
			p.shutdown(conn.IO)
		}
		return
	}
	q := p.available[key]
	restored := make([]*AvailableConnection, 0, len(busy)+len(q))
	for i := len(busy) - 1; i >= 0; i-- {
		restored = append(restored, busy[i])
	}
	p.available[key] = append(restored, q...)
	p.mu.Unlock()
}

func (p *Pool) stale(conn *AvailableConnection, now time.Time) string {
	if p.cfg.KeepAlive > 0 && now.Sub(conn.LastUsed) > p.cfg.KeepAlive {
		return "keep-alive expired"
	}
	if p.cfg.Lifetime > 0 && now.Sub(conn.Created) > p.cfg.Lifetime {
		return "lifetime expired"
	}
	return ""
}

func alive(io ConnectionType) bool {
	switch c := io.(type) {
	case H1:
		return c.Conn.Probe()
	case H2:
		return c.Handle.Alive()
	default:
		panic("pool: unknown connection type")
	}
}

// saturated reports whether io is a multiplexed connection that can not
// take another stream right now.
func saturated(io ConnectionType) bool {
	h, ok := io.(H2)
	return ok && !h.Handle.CanTakeRequest()
}

func (p *Pool) evict(conn *AvailableConnection, reason string) {
	p.evicted.Add(1)
	PoolEvictedTotal.Inc()
	log.WithField("pool", p.name).WithField("conn", conn.IO.ID()).WithField("reason", reason).Debug("evicting idle connection")
	p.shutdown(conn.IO)
}

// shutdown closes io in the background, bounded by DisconnectTimeout.
func (p *Pool) shutdown(io ConnectionType) {
	switch c := io.(type) {
	case H1:
		c.Conn.GracefulClose(p.cfg.DisconnectTimeout)
	case H2:
		timeout := p.cfg.DisconnectTimeout
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			c.Handle.Shutdown(ctx)
		}()
	default:
		panic("pool: unknown connection type")
	}
}

// release returns io to the idle queue and frees the slot.
func (p *Pool) release(key Key, io ConnectionType, created time.Time) {
	now := p.now()

	p.mu.Lock()
	if p.closed || (p.cfg.Lifetime > 0 && now.Sub(created) > p.cfg.Lifetime) {
		p.handOffLocked(nil)
		p.mu.Unlock()
		p.shutdown(io)
		return
	}
	p.available[key] = append(p.available[key], &AvailableConnection{
		IO:       io,
		Created:  created,
		LastUsed: now,
	})
	p.handOffLocked(&key)
	p.mu.Unlock()
}

// dispose frees the slot and shuts io down when it is not nil.
func (p *Pool) dispose(io ConnectionType) {
	p.mu.Lock()
	p.handOffLocked(nil)
	p.mu.Unlock()
	if io != nil {
		p.shutdown(io)
	}
}

// handOffLocked gives a freed slot to a waiter, preferring the first one
// queued for key, or returns it to the pool when nobody waits.
func (p *Pool) handOffLocked(key *Key) {
	if p.waiters.Len() == 0 {
		p.acquired--
		return
	}

	el := p.waiters.Front()
	if key != nil {
		for e := el; e != nil; e = e.Next() {
			if e.Value.(*waiter).key == *key {
				el = e
				break
			}
		}
	}
	w := p.waiters.Remove(el).(*waiter)
	w.granted = true
	close(w.ready)
}

// CloseIdle closes every idle connection.
func (p *Pool) CloseIdle() {
	p.mu.Lock()
	idle := p.available
	p.available = make(map[Key][]*AvailableConnection)
	p.mu.Unlock()

	for _, q := range idle {
		for _, conn := range q {
			p.shutdown(conn.IO)
		}
	}
}

// Close closes idle connections and fails queued acquirers with
// ErrPoolClosed. Slots still held are freed as their holders dispose of
// them; released connections are closed instead of pooled.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		w := e.Value.(*waiter)
		w.err = apperrors.ErrPoolClosed
		close(w.ready)
	}
	p.waiters.Init()
	p.mu.Unlock()

	if p.stopReap != nil {
		close(p.stopReap)
		<-p.reapDone
	}
	p.CloseIdle()
	log.WithField("pool", p.name).Debug("pool closed")
	return nil
}

// reapLoop periodically discards stale idle connections.
func (p *Pool) reapLoop() {
	defer close(p.reapDone)

	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopReap:
			return
		case <-ticker.C:
			p.reap()
		}
	}
}

// reap removes idle connections past KeepAlive or Lifetime. It does not
// probe; liveness is checked on checkout.
func (p *Pool) reap() {
	now := p.now()
	var expired []*AvailableConnection

	p.mu.Lock()
	for key, q := range p.available {
		kept := q[:0]
		for _, conn := range q {
			if p.stale(conn, now) != "" {
				expired = append(expired, conn)
			} else {
				kept = append(kept, conn)
			}
		}
		for i := len(kept); i < len(q); i++ {
			q[i] = nil
		}
		if len(kept) == 0 {
			delete(p.available, key)
		} else {
			p.available[key] = kept
		}
	}
	p.mu.Unlock()

	for _, conn := range expired {
		p.evict(conn, "expired")
	}
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	idle := 0
	for _, q := range p.available {
		idle += len(q)
	}
	return Stats{
		Limit:    p.cfg.Limit,
		Acquired: p.acquired,
		Idle:     idle,
		Waiters:  p.waiters.Len(),
		Opened:   p.opened.Load(),
		Reused:   p.reused.Load(),
		Evicted:  p.evicted.Load(),
	}
}

// Acquired is the right to hold one pool slot. Exactly one of Release,
// Close or Done takes effect; later calls are no-ops.
type Acquired struct {
	key   Key
	pool  *Pool
	state *tokenState
}

type tokenState struct {
	done atomic.Bool
	conn atomic.Pointer[attachment]
}

type attachment struct {
	io      ConnectionType
	created time.Time
}

func newAcquired(p *Pool, key Key) *Acquired {
	st := &tokenState{}
	a := &Acquired{key: key, pool: p, state: st}
	// A token that is dropped without disposition frees its slot when
	// collected. An attached HTTP/1 connection is shut down with it; an
	// HTTP/2 handle is still shared and goes back to the idle queue.
	runtime.AddCleanup(a, func(st *tokenState) {
		if !st.done.CompareAndSwap(false, true) {
			return
		}
		log.WithField("pool", p.name).WithField("key", key.String()).Warn("acquired slot was never disposed")
		at := st.conn.Load()
		if at == nil {
			p.dispose(nil)
			return
		}
		if h, ok := at.io.(H2); ok && h.Handle.Alive() {
			p.release(key, at.io, at.created)
			return
		}
		p.dispose(at.io)
	}, st)
	return a
}

// Attach records the connection held under the slot so that it is shut
// down if the token is dropped without disposition.
func (a *Acquired) Attach(io ConnectionType, created time.Time) {
	a.state.conn.Store(&attachment{io: io, created: created})
}

// Key returns the key the slot was acquired for.
func (a *Acquired) Key() Key { return a.key }

// Release returns io to the pool for reuse and frees the slot.
func (a *Acquired) Release(io ConnectionType, created time.Time) {
	if !a.state.done.CompareAndSwap(false, true) {
		return
	}
	a.pool.release(a.key, io, created)
}

// Close frees the slot and shuts io down gracefully. io may be nil when
// no connection was ever established.
func (a *Acquired) Close(io ConnectionType) {
	if !a.state.done.CompareAndSwap(false, true) {
		return
	}
	a.pool.dispose(io)
}

// Done frees the slot if no disposition happened yet. It is meant to be
// deferred right after Acquire.
func (a *Acquired) Done() {
	a.Close(nil)
}
