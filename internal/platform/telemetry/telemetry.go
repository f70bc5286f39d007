// Package telemetry keeps in-process counters and histograms for the
// scheduler and serves them in the Prometheus text exposition format.
package telemetry

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// DurationBuckets are the default histogram boundaries, in seconds.
var DurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Recorder is what instrumented code depends on.
type Recorder interface {
	Inc(name string, labels ...string)
	Observe(name string, value float64, labels ...string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Inc(string, ...string)              {}
func (Nop) Observe(string, float64, ...string) {}

type histogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []int64 // per bucket, not cumulative; last slot is +Inf
	sum    float64
	count  int64
}

func newHistogram(bounds []float64) *histogram {
	return &histogram{bounds: bounds, counts: make([]int64, len(bounds)+1)}
}

func (h *histogram) observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	i := sort.SearchFloat64s(h.bounds, v)
	h.counts[i]++
	h.sum += v
	h.count++
}

// series is one metric name with one label set.
type series struct {
	name   string
	labels string
}

// Registry is a Recorder that can be scraped. Labels are given as key, value
// pairs; an odd trailing key is dropped.
type Registry struct {
	mu       sync.RWMutex
	counters map[series]*atomic.Int64
	hists    map[series]*histogram
	help     map[string]string
	active   atomic.Int64
}

func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[series]*atomic.Int64),
		hists:    make(map[series]*histogram),
		help:     make(map[string]string),
	}
}

// Describe sets the HELP text of a metric.
func (r *Registry) Describe(name, help string) {
	r.mu.Lock()
	r.help[name] = help
	r.mu.Unlock()
}

func renderLabels(kv []string) string {
	if len(kv) < 2 {
		return ""
	}
	var b strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(kv[i])
		b.WriteByte('=')
		b.WriteString(strconv.Quote(kv[i+1]))
	}
	return b.String()
}

func (r *Registry) Inc(name string, labels ...string) {
	key := series{name: name, labels: renderLabels(labels)}
	r.mu.RLock()
	c, ok := r.counters[key]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		if c, ok = r.counters[key]; !ok {
			c = new(atomic.Int64)
			r.counters[key] = c
		}
		r.mu.Unlock()
	}
	c.Add(1)
}

func (r *Registry) Observe(name string, value float64, labels ...string) {
	key := series{name: name, labels: renderLabels(labels)}
	r.mu.RLock()
	h, ok := r.hists[key]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		if h, ok = r.hists[key]; !ok {
			h = newHistogram(DurationBuckets)
			r.hists[key] = h
		}
		r.mu.Unlock()
	}
	h.observe(value)
}

// Counter returns the current value of a counter, zero if never incremented.
func (r *Registry) Counter(name string, labels ...string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.counters[series{name: name, labels: renderLabels(labels)}]; ok {
		return c.Load()
	}
	return 0
}

// HistogramCount returns how many values were observed.
func (r *Registry) HistogramCount(name string, labels ...string) int64 {
	r.mu.RLock()
	h, ok := r.hists[series{name: name, labels: renderLabels(labels)}]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Middleware counts requests by method, route and status, times them, and
// tracks how many are in flight. Routes are echo patterns, not raw paths.
func (r *Registry) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r.active.Add(1)
			start := time.Now()
			err := next(c)
			r.active.Add(-1)

			// A returned error is written by echo's error handler after the
			// chain unwinds, so the response status is not final yet.
			status := c.Response().Status
			if err != nil {
				status = http.StatusInternalServerError
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			r.Inc("http_requests_total", "method", method, "route", route, "status", strconv.Itoa(status))
			r.Observe("http_request_duration_seconds", time.Since(start).Seconds(), "method", method, "route", route)
			return err
		}
	}
}

// Handler serves every metric in the Prometheus text format, sorted by name
// and label set.
func (r *Registry) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(r.Expose()))
	}
}

// Expose renders the registry.
func (r *Registry) Expose() string {
	r.mu.RLock()
	counters := make(map[series]int64, len(r.counters))
	for k, c := range r.counters {
		counters[k] = c.Load()
	}
	hists := make(map[series]*histogram, len(r.hists))
	for k, h := range r.hists {
		hists[k] = h
	}
	help := make(map[string]string, len(r.help))
	for k, v := range r.help {
		help[k] = v
	}
	r.mu.RUnlock()

	var b strings.Builder
	header := func(name, typ string) {
		if h, ok := help[name]; ok {
			fmt.Fprintf(&b, "# HELP %s %s\n", name, h)
		}
		fmt.Fprintf(&b, "# TYPE %s %s\n", name, typ)
	}

	last := ""
	for _, k := range sortedKeys(counters) {
		if k.name != last {
			header(k.name, "counter")
			last = k.name
		}
		fmt.Fprintf(&b, "%s %d\n", withLabels(k.name, k.labels), counters[k])
	}

	last = ""
	for _, k := range sortedKeys(hists) {
		if k.name != last {
			header(k.name, "histogram")
			last = k.name
		}
		h := hists[k]
		h.mu.Lock()
		var cum int64
		for i, bound := range h.bounds {
			cum += h.counts[i]
			fmt.Fprintf(&b, "%s %d\n", withLabels(k.name+"_bucket", joinLabels(k.labels, "le="+strconv.Quote(formatBound(bound)))), cum)
		}
		cum += h.counts[len(h.bounds)]
		fmt.Fprintf(&b, "%s %d\n", withLabels(k.name+"_bucket", joinLabels(k.labels, `le="+Inf"`)), cum)
		fmt.Fprintf(&b, "%s %g\n", withLabels(k.name+"_sum", k.labels), h.sum)
		fmt.Fprintf(&b, "%s %d\n", withLabels(k.name+"_count", k.labels), h.count)
		h.mu.Unlock()
	}

	header("http_requests_in_flight", "gauge")
	fmt.Fprintf(&b, "http_requests_in_flight %d\n", r.active.Load())
	return b.String()
}

func sortedKeys[V any](m map[series]V) []series {
	keys := make([]series, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].name != keys[j].name {
			return keys[i].name < keys[j].name
		}
		return keys[i].labels < keys[j].labels
	})
	return keys
}

func withLabels(name, labels string) string {
	if labels == "" {
		return name
	}
	return name + "{" + labels + "}"
}

func joinLabels(a, b string) string {
	if a == "" {
		return b
	}
	return a + "," + b
}

func formatBound(f float64) string {
	if math.IsInf(f, 1) {
		return "+Inf"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
