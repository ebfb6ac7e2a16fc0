// Package stats counts engine events in a per-engine prometheus registry.
package stats

import (
	"io"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const namespace = "rio"

// Stats holds the counters of one engine. Every metric carries the engine
// id as a constant label so several engines can share a scrape target.
type Stats struct {
	reg    *prometheus.Registry
	labels prometheus.Labels

	BlocksBuilt        prometheus.Counter
	TracesBuilt        prometheus.Counter
	RaceLostBuilds     prometheus.Counter
	BuildErrors        prometheus.Counter
	Dispatches         prometheus.Counter
	CacheEntries       prometheus.Counter
	Links              prometheus.Counter
	Unlinks            prometheus.Counter
	Flushes            *prometheus.CounterVec
	FragmentsDeleted   prometheus.Counter
	Evictions          prometheus.Counter
	SelfModFlushes     prometheus.Counter
	Translations       *prometheus.CounterVec
	Syscalls           prometheus.Counter
	SynchAlls          prometheus.Counter
	IBLResizes         prometheus.Counter
	IBLMisses          *prometheus.CounterVec
	PersistedPrewarmed prometheus.Counter
	Threads            prometheus.Gauge
}

func New(engineID string) *Stats {
	s := &Stats{
		reg:    prometheus.NewRegistry(),
		labels: prometheus.Labels{"engine": engineID},
	}
	s.BlocksBuilt = s.counter("blocks_built_total", "Basic blocks emitted into a code cache")
	s.TracesBuilt = s.counter("traces_built_total", "Traces emitted into a code cache")
	s.RaceLostBuilds = s.counter("race_lost_builds_total", "Builds discarded because another thread registered the tag first")
	s.BuildErrors = s.counter("build_errors_total", "Block builds that failed")
	s.Dispatches = s.counter("dispatches_total", "Dispatcher lookups")
	s.CacheEntries = s.counter("cache_entries_total", "Transfers from the dispatcher into the code cache")
	s.Links = s.counter("links_total", "Exit branches linked")
	s.Unlinks = s.counter("unlinks_total", "Exit branches unlinked")
	s.Flushes = s.counterVec("flushes_total", "Flushes by mode", "mode")
	s.FragmentsDeleted = s.counter("fragments_deleted_total", "Fragments removed from the cache")
	s.Evictions = s.counter("evictions_total", "Fragments evicted for space")
	s.SelfModFlushes = s.counter("selfmod_flushes_total", "Flushes caused by writes to translated code")
	s.Translations = s.counterVec("translations_total", "Cache to application pc translations by method", "method")
	s.Syscalls = s.counter("syscalls_total", "System calls and interrupts handled")
	s.SynchAlls = s.counter("synch_all_total", "Suspensions of all other threads")
	s.IBLResizes = s.counter("ibl_resizes_total", "Indirect branch lookup table resizes")
	s.IBLMisses = s.counterVec("ibl_misses_total", "Indirect branch lookup misses by branch type", "branch")
	s.PersistedPrewarmed = s.counter("persisted_prewarmed_total", "Blocks built ahead of execution from the persisted cache")
	s.Threads = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "threads", Help: "Running application threads", ConstLabels: s.labels,
	})
	s.reg.MustRegister(s.Threads)
	return s
}

func (s *Stats) counter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: name, Help: help, ConstLabels: s.labels,
	})
	s.reg.MustRegister(c)
	return c
}

func (s *Stats) counterVec(name, help string, label string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: name, Help: help, ConstLabels: s.labels,
	}, []string{label})
	s.reg.MustRegister(c)
	return c
}

// GaugeFunc registers a gauge whose value is read from fn at gather time.
func (s *Stats) GaugeFunc(name, help string, fn func() float64) {
	s.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: name, Help: help, ConstLabels: s.labels,
	}, fn))
}

// CounterFunc registers a counter whose value is read from fn at gather
// time.
func (s *Stats) CounterFunc(name, help string, fn func() float64) {
	s.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Name: name, Help: help, ConstLabels: s.labels,
	}, fn))
}

// Sample is one labelled value of a metric computed at gather time. Labels
// are given in the order the metric declares them.
type Sample struct {
	Labels []string
	Value  float64
}

// GaugeVecFunc registers a labelled gauge whose samples come from fn.
func (s *Stats) GaugeVecFunc(name, help string, labels []string, fn func() []Sample) {
	s.vecFunc(name, help, prometheus.GaugeValue, labels, fn)
}

// CounterVecFunc registers a labelled counter whose samples come from fn.
func (s *Stats) CounterVecFunc(name, help string, labels []string, fn func() []Sample) {
	s.vecFunc(name, help, prometheus.CounterValue, labels, fn)
}

func (s *Stats) vecFunc(name, help string, typ prometheus.ValueType, labels []string, fn func() []Sample) {
	s.reg.MustRegister(&funcCollector{
		desc: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, s.labels),
		typ:  typ,
		fn:   fn,
	})
}

type funcCollector struct {
	desc *prometheus.Desc
	typ  prometheus.ValueType
	fn   func() []Sample
}

func (c *funcCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *funcCollector) Collect(ch chan<- prometheus.Metric) {
	for _, smp := range c.fn() {
		m, err := prometheus.NewConstMetric(c.desc, c.typ, smp.Value, smp.Labels...)
		if err != nil {
			m = prometheus.NewInvalidMetric(c.desc, err)
		}
		ch <- m
	}
}

func (s *Stats) Registry() *prometheus.Registry { return s.reg }

// Snapshot returns every metric value keyed by its name without the
// namespace, with variable labels appended as name{label=value}.
func (s *Stats) Snapshot() (map[string]float64, error) {
	mfs, err := s.reg.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	for _, mf := range mfs {
		name := strings.TrimPrefix(mf.GetName(), namespace+"_")
		for _, m := range mf.GetMetric() {
			key := name
			if l := variableLabels(m); l != "" {
				key += "{" + l + "}"
			}
			out[key] = value(m)
		}
	}
	return out, nil
}

func variableLabels(m *dto.Metric) string {
	var parts []string
	for _, lp := range m.GetLabel() {
		if lp.GetName() == "engine" {
			continue
		}
		parts = append(parts, lp.GetName()+"="+lp.GetValue())
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func value(m *dto.Metric) float64 {
	switch {
	case m.Counter != nil:
		return m.GetCounter().GetValue()
	case m.Gauge != nil:
		return m.GetGauge().GetValue()
	case m.Untyped != nil:
		return m.GetUntyped().GetValue()
	}
	return 0
}

// WriteText writes the registry in the prometheus text exposition format.
func (s *Stats) WriteText(w io.Writer) error {
	mfs, err := s.reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
