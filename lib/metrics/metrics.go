// Package metrics keeps process-wide counters, gauges and latency
// histograms for the transport and renders them in the Prometheus text
// exposition format.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// desc names a metric and its exposition type.
type desc struct {
	name string
	help string
	kind string
}

func (d desc) header(w io.Writer) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", d.name, d.help, d.name, d.kind)
}

// Counter only goes up.
type Counter struct {
	desc
	v atomic.Uint64
}

// NewCounter registers a counter.
func NewCounter(name, help string) *Counter {
	c := &Counter{desc: desc{name, help, "counter"}}
	registry.add(c)
	return c
}

// Inc adds one.
func (c *Counter) Inc() { c.v.Add(1) }

// Value returns the current count.
func (c *Counter) Value() uint64 { return c.v.Load() }

func (c *Counter) write(w io.Writer) {
	c.header(w)
	fmt.Fprintf(w, "%s %d\n", c.name, c.Value())
}

// Gauge is a level that moves both ways.
type Gauge struct {
	desc
	v atomic.Int64
}

// NewGauge registers a gauge.
func NewGauge(name, help string) *Gauge {
	g := &Gauge{desc: desc{name, help, "gauge"}}
	registry.add(g)
	return g
}

// Set replaces the level.
func (g *Gauge) Set(v int64) { g.v.Store(v) }

// Inc raises the level by one.
func (g *Gauge) Inc() { g.v.Add(1) }

// Dec lowers the level by one.
func (g *Gauge) Dec() { g.v.Add(-1) }

// Value returns the current level.
func (g *Gauge) Value() int64 { return g.v.Load() }

func (g *Gauge) write(w io.Writer) {
	g.header(w)
	fmt.Fprintf(w, "%s %d\n", g.name, g.Value())
}

// Histogram counts observations into upper-bounded buckets.
type Histogram struct {
	desc
	bounds []float64

	mu     sync.Mutex
	counts []uint64 // per bucket, the last one is +Inf
	sum    float64
}

// NewHistogram registers a histogram. bounds must be sorted ascending.
func NewHistogram(name, help string, bounds []float64) *Histogram {
	h := newHistogram(name, help, bounds)
	registry.add(h)
	return h
}

func newHistogram(name, help string, bounds []float64) *Histogram {
	return &Histogram{
		desc:   desc{name, help, "histogram"},
		bounds: bounds,
		counts: make([]uint64, len(bounds)+1),
	}
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	i := sort.SearchFloat64s(h.bounds, v)
	h.mu.Lock()
	h.counts[i]++
	h.sum += v
	h.mu.Unlock()
}

func (h *Histogram) write(w io.Writer) {
	h.mu.Lock()
	counts := append([]uint64(nil), h.counts...)
	sum := h.sum
	h.mu.Unlock()

	h.header(w)
	var cum uint64
	for i, n := range counts {
		cum += n
		le := "+Inf"
		if i < len(h.bounds) {
			le = fmt.Sprintf("%g", h.bounds[i])
		}
		fmt.Fprintf(w, "%s_bucket{le=%q} %d\n", h.name, le, cum)
	}
	fmt.Fprintf(w, "%s_sum %g\n%s_count %d\n", h.name, sum, h.name, cum)
}

type metric interface {
	write(w io.Writer)
}

// set holds metrics by name.
type set struct {
	mu sync.RWMutex
	m  map[string]metric
}

var registry = newSet()

func newSet() *set {
	return &set{m: make(map[string]metric)}
}

func (s *set) add(m metric) {
	var name string
	switch v := m.(type) {
	case *Counter:
		name = v.name
	case *Gauge:
		name = v.name
	case *Histogram:
		name = v.name
	}
	s.mu.Lock()
	s.m[name] = m
	s.mu.Unlock()
}

// writeTo renders every metric sorted by name, separated by blank lines.
func (s *set) writeTo(w io.Writer) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.m))
	for name := range s.m {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s.m[name].write(w)
		io.WriteString(w, "\n")
	}
}

// Expose renders every registered metric in the Prometheus text format.
func Expose() string {
	var sb strings.Builder
	registry.writeTo(&sb)
	return sb.String()
}

// Handler serves Expose over HTTP.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		registry.writeTo(w)
	})
}

// DefaultLatencyBuckets are histogram buckets, in seconds, suited to dial,
// handshake and request latencies.
var DefaultLatencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Timer measures the time elapsed since its creation into a histogram.
type Timer struct {
	h     *Histogram
	start time.Time
}

// NewTimer starts a timer observing into h.
func NewTimer(h *Histogram) *Timer {
	return &Timer{h: h, start: time.Now()}
}

// ObserveDuration records the elapsed time and returns it.
func (t *Timer) ObserveDuration() time.Duration {
	d := time.Since(t.start)
	if t.h != nil {
		t.h.Observe(d.Seconds())
	}
	return d
}

// Transport metrics shared by the dialer and the protocol drivers.
var (
	// Dial metrics
	DialsTotal   = NewCounter("httptransport_dials_total", "Total transport connections attempted")
	DialsFailed  = NewCounter("httptransport_dials_failed_total", "Total transport connections that failed")
	DialsLimited = NewCounter("httptransport_dials_rate_limited_total", "Total dials delayed by the dial rate limiter")
	DialLatency  = NewHistogram("httptransport_dial_duration_seconds", "Time spent establishing transport connections", DefaultLatencyBuckets)

	// HTTP/1 metrics
	H1RequestsTotal  = NewCounter("httptransport_h1_requests_total", "Total HTTP/1 requests sent")
	H1RequestsFailed = NewCounter("httptransport_h1_requests_failed_total", "Total HTTP/1 requests that failed before a response head")
	H1Reusable       = NewCounter("httptransport_h1_reusable_total", "Total HTTP/1 exchanges that left the connection reusable")
	H1Closed         = NewCounter("httptransport_h1_closed_total", "Total HTTP/1 exchanges that closed the connection")
	H1Tunnels        = NewCounter("httptransport_h1_tunnels_total", "Total HTTP/1 tunnels opened")

	// HTTP/2 metrics
	H2Handshakes     = NewCounter("httptransport_h2_handshakes_total", "Total HTTP/2 handshakes completed")
	H2RequestsTotal  = NewCounter("httptransport_h2_requests_total", "Total HTTP/2 requests sent")
	H2RequestsFailed = NewCounter("httptransport_h2_requests_failed_total", "Total HTTP/2 requests that failed")
	H2StreamsActive  = NewGauge("httptransport_h2_streams_active", "Number of HTTP/2 response payloads not yet finished")

	// Request latency up to the response head
	RequestLatency = NewHistogram("httptransport_request_duration_seconds", "Time from sending a request to receiving its response head", DefaultLatencyBuckets)

	// Uptime
	StartTime = NewGauge("httptransport_start_time_seconds", "Unix timestamp when the process started")
)

// RecordStartTime records the current time as the start time.
func RecordStartTime() {
	StartTime.Set(time.Now().Unix())
}
