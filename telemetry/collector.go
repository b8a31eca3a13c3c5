// Package telemetry exports engine and target statistics to Prometheus and
// installs the OpenTelemetry tracer used by the wal spans.
package telemetry

import (
	"net/http"
	"strconv"

	"github.com/colorfulnotion/kvwal/target"
	"github.com/colorfulnotion/kvwal/wal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kvwal"

// EngineSource is satisfied by *wal.Engine.
type EngineSource interface {
	Stats() wal.Stats
}

// TargetSource is satisfied by *target.Target.
type TargetSource interface {
	Stats() target.Stats
}

type counter struct {
	desc  *prometheus.Desc
	value func(wal.MetricsSnapshot) uint64
}

// Collector reads a stats snapshot on every scrape.
type Collector struct {
	engine EngineSource
	target TargetSource

	counters []counter

	superblockDirty *prometheus.Desc
	flushState      *prometheus.Desc
	items           *prometheus.Desc
	tombstones      *prometheus.Desc
	bytesUsed       *prometheus.Desc
	sequence        *prometheus.Desc
	batchTarget     *prometheus.Desc
	batchTimeout    *prometheus.Desc
	queueOps        *prometheus.Desc
	queueBytes      *prometheus.Desc

	requests      *prometheus.Desc
	retries       *prometheus.Desc
	writeMisses   *prometheus.Desc
	readFallbacks *prometheus.Desc
	queued        *prometheus.Desc
}

func newCounter(name, help string, value func(wal.MetricsSnapshot) uint64) counter {
	return counter{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "engine", name), help, nil, nil),
		value: value,
	}
}

// NewCollector builds a collector over engine. tgt may be nil.
func NewCollector(engine EngineSource, tgt TargetSource) *Collector {
	zone := []string{"zone"}
	buffer := []string{"zone", "role"}
	desc := func(sub, name, help string, labels []string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, sub, name), help, labels, nil)
	}
	return &Collector{
		engine: engine,
		target: tgt,
		counters: []counter{
			newCounter("stores_total", "Put records appended to a log buffer.", func(s wal.MetricsSnapshot) uint64 { return s.Stores }),
			newCounter("deletes_total", "Tombstones appended to a log buffer.", func(s wal.MetricsSnapshot) uint64 { return s.Deletes }),
			newCounter("reads_total", "Reads served by the zone buffers.", func(s wal.MetricsSnapshot) uint64 { return s.Reads }),
			newCounter("read_hits_total", "Reads answered from a buffer.", func(s wal.MetricsSnapshot) uint64 { return s.ReadHits }),
			newCounter("write_misses_total", "Writes diverted to the backing store.", func(s wal.MetricsSnapshot) uint64 { return s.WriteMisses }),
			newCounter("busy_retries_total", "Requests bounced while a zone was busy.", func(s wal.MetricsSnapshot) uint64 { return s.BusyRetries }),
			newCounter("switches_total", "Log buffer switches.", func(s wal.MetricsSnapshot) uint64 { return s.Switches }),
			newCounter("flushes_total", "Completed flush buffer write-outs.", func(s wal.MetricsSnapshot) uint64 { return s.Flushes }),
			newCounter("flushed_items_total", "Items written to the backing store by the flush worker.", func(s wal.MetricsSnapshot) uint64 { return s.FlushedItems }),
			newCounter("flush_errors_total", "Failed backing store batches.", func(s wal.MetricsSnapshot) uint64 { return s.FlushErrors }),
			newCounter("dump_groups_total", "Sealed dump groups.", func(s wal.MetricsSnapshot) uint64 { return s.DumpGroups }),
			newCounter("dump_objects_total", "Records written in dump groups.", func(s wal.MetricsSnapshot) uint64 { return s.DumpObjects }),
			newCounter("dump_blocks_total", "Blocks written in dump groups.", func(s wal.MetricsSnapshot) uint64 { return s.DumpBlocks }),
			newCounter("replayed_records_total", "Records replayed during recovery.", func(s wal.MetricsSnapshot) uint64 { return s.Replayed }),
		},
		superblockDirty: desc("engine", "superblock_dirty", "1 while the superblock is marked dirty.", nil),
		flushState:      desc("zone", "flush_state", "Flush state machine position (0 done, 1 doing, 2 exit).", zone),
		items:           desc("buffer", "items", "Live items in the buffer map.", buffer),
		tombstones:      desc("buffer", "tombstones", "Tombstones in the buffer map.", buffer),
		bytesUsed:       desc("buffer", "bytes_used", "Bytes between the data start and curr_pos.", buffer),
		sequence:        desc("buffer", "sequence", "Buffer generation sequence.", buffer),
		batchTarget:     desc("zone", "batch_target", "Adaptive dump group object target.", zone),
		batchTimeout:    desc("zone", "batch_timeout_seconds", "Adaptive dump group timeout.", zone),
		queueOps:        desc("zone", "device_ops_total", "Device queue operations by outcome.", []string{"zone", "outcome"}),
		queueBytes:      desc("zone", "device_bytes_total", "Bytes moved by the device queue.", zone),
		requests:        desc("target", "requests_total", "Requests submitted to the pollers.", nil),
		retries:         desc("target", "retries_total", "Requests placed on a retry queue.", nil),
		writeMisses:     desc("target", "write_misses_total", "Writes sent straight to the backing store.", nil),
		readFallbacks:   desc("target", "read_fallbacks_total", "Reads answered by the backing store.", nil),
		queued:          desc("target", "queued_retries", "Requests waiting in retry queues.", nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, ctr := range c.counters {
		ch <- ctr.desc
	}
	for _, d := range []*prometheus.Desc{
		c.superblockDirty, c.flushState, c.items, c.tombstones, c.bytesUsed, c.sequence,
		c.batchTarget, c.batchTimeout, c.queueOps, c.queueBytes,
	} {
		ch <- d
	}
	if c.target != nil {
		for _, d := range []*prometheus.Desc{c.requests, c.retries, c.writeMisses, c.readFallbacks, c.queued} {
			ch <- d
		}
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.engine.Stats()
	for _, ctr := range c.counters {
		ch <- prometheus.MustNewConstMetric(ctr.desc, prometheus.CounterValue, float64(ctr.value(st.Metrics)))
	}
	dirty := 0.0
	if st.Status == wal.StatusDirty {
		dirty = 1
	}
	ch <- prometheus.MustNewConstMetric(c.superblockDirty, prometheus.GaugeValue, dirty)

	for _, z := range st.Zones {
		id := strconv.Itoa(z.ID)
		ch <- prometheus.MustNewConstMetric(c.flushState, prometheus.GaugeValue, float64(z.FlushState), id)
		ch <- prometheus.MustNewConstMetric(c.batchTarget, prometheus.GaugeValue, float64(z.BatchTarget), id)
		ch <- prometheus.MustNewConstMetric(c.batchTimeout, prometheus.GaugeValue, z.BatchTimeout.Seconds(), id)
		ch <- prometheus.MustNewConstMetric(c.queueOps, prometheus.CounterValue, float64(z.Queue.Completed), id, "completed")
		ch <- prometheus.MustNewConstMetric(c.queueOps, prometheus.CounterValue, float64(z.Queue.Failed), id, "failed")
		ch <- prometheus.MustNewConstMetric(c.queueBytes, prometheus.CounterValue, float64(z.Queue.Bytes), id)
		for _, b := range []wal.BufferStats{z.Log, z.Flush} {
			role := b.Role.String()
			ch <- prometheus.MustNewConstMetric(c.items, prometheus.GaugeValue, float64(b.Items), id, role)
			ch <- prometheus.MustNewConstMetric(c.tombstones, prometheus.GaugeValue, float64(b.Tombstones), id, role)
			ch <- prometheus.MustNewConstMetric(c.bytesUsed, prometheus.GaugeValue, float64(b.CurrPos-b.StartAddr), id, role)
			ch <- prometheus.MustNewConstMetric(c.sequence, prometheus.GaugeValue, float64(b.Sequence), id, role)
		}
	}

	if c.target == nil {
		return
	}
	ts := c.target.Stats()
	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(ts.Requests))
	ch <- prometheus.MustNewConstMetric(c.retries, prometheus.CounterValue, float64(ts.Retries))
	ch <- prometheus.MustNewConstMetric(c.writeMisses, prometheus.CounterValue, float64(ts.WriteMisses))
	ch <- prometheus.MustNewConstMetric(c.readFallbacks, prometheus.CounterValue, float64(ts.ReadFallbacks))
	ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(ts.QueuedRetries))
}

// NewRegistry returns a registry holding the collector plus the Go runtime
// and process collectors.
func NewRegistry(c *Collector) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	for _, col := range []prometheus.Collector{
		c,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Handler serves reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
