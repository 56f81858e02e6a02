// Package stats exposes the engine's internal counters — congestion rows,
// literal vs. referenced bytes, worker utilization — as Prometheus
// instrumentation. This is in-process observability of the dedup core, not
// the terminal progress reporting external collaborators build on top of it.
package stats

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector records engine activity. A nil *Collector is safe to call
// every method on, so callers never need nil-checks when metrics aren't
// wired up.
type Collector struct {
	congestionRows   *prometheus.CounterVec
	blockInserts     *prometheus.CounterVec
	literalBytes     prometheus.Counter
	referenceBytes   prometheus.Counter
	rawBytes         prometheus.Counter
	workerBusy       *prometheus.GaugeVec
	chunksHashed     prometheus.Counter
	hashtableRows    prometheus.Gauge
	duplicateOfFiles prometheus.Counter
	unchangedFiles   prometheus.Counter
}

// New registers a Collector's metrics against reg. Pass a fresh
// prometheus.NewRegistry() in tests to avoid collisions with the global
// default registry.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		congestionRows: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "duparc_hashindex_congestion_rows_total",
				Help: "Total number of inserts that found every slot in a row occupied by a non-matching key",
			},
			[]string{"table"}, // "small", "large"
		),
		blockInserts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "duparc_hashindex_inserts_total",
				Help: "Total number of hash index insert operations",
			},
			[]string{"table"},
		),
		literalBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "duparc_payload_literal_bytes_total",
			Help: "Total uncompressed bytes emitted as LITERAL packets",
		}),
		referenceBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "duparc_payload_reference_bytes_total",
			Help: "Total logical bytes satisfied by REFERENCE packets instead of being stored",
		}),
		rawBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "duparc_payload_raw_bytes_total",
			Help: "Total LITERAL bytes stored uncompressed after the compressibility probe rejected the block",
		}),
		workerBusy: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "duparc_pipeline_worker_busy",
				Help: "1 if the compressor worker slot is processing a chunk, 0 if idle",
			},
			[]string{"worker"},
		),
		chunksHashed: f.NewCounter(prometheus.CounterOpts{
			Name: "duparc_chunks_hashed_total",
			Help: "Total number of submitted chunks hashed into the hash index (entropy-flagged chunks are not hashed and not counted)",
		}),
		hashtableRows: f.NewGauge(prometheus.GaugeOpts{
			Name: "duparc_hashtable_rows_occupied",
			Help: "Number of hash index rows with at least one occupied slot",
		}),
		duplicateOfFiles: f.NewCounter(prometheus.CounterOpts{
			Name: "duparc_files_duplicate_of_total",
			Help: "Total number of files detected as bytewise-identical to an earlier file and skipped entirely",
		}),
		unchangedFiles: f.NewCounter(prometheus.CounterOpts{
			Name: "duparc_files_unchanged_total",
			Help: "Total number of files skipped by the differential-append unchanged-file fast path",
		}),
	}
}

// AddIndexCounters folds one session's hash index counters into the
// collector. The index keeps its own counters under its table mutex;
// bridging the totals once at session end is cheaper than taking a
// metrics hit on every insert.
func (c *Collector) AddIndexCounters(smallInserts, largeInserts, smallCongestion, largeCongestion uint64) {
	if c == nil {
		return
	}
	c.blockInserts.WithLabelValues(tableLabel(false)).Add(float64(smallInserts))
	c.blockInserts.WithLabelValues(tableLabel(true)).Add(float64(largeInserts))
	c.congestionRows.WithLabelValues(tableLabel(false)).Add(float64(smallCongestion))
	c.congestionRows.WithLabelValues(tableLabel(true)).Add(float64(largeCongestion))
}

func (c *Collector) AddLiteralBytes(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.literalBytes.Add(float64(n))
}

func (c *Collector) AddReferenceBytes(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.referenceBytes.Add(float64(n))
}

func (c *Collector) AddRawBytes(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.rawBytes.Add(float64(n))
}

func (c *Collector) SetWorkerBusy(worker int, busy bool) {
	if c == nil {
		return
	}
	v := 0.0
	if busy {
		v = 1.0
	}
	c.workerBusy.WithLabelValues(workerLabel(worker)).Set(v)
}

func (c *Collector) IncChunksHashed() {
	if c == nil {
		return
	}
	c.chunksHashed.Inc()
}

func (c *Collector) SetHashtableRowsOccupied(n int) {
	if c == nil {
		return
	}
	c.hashtableRows.Set(float64(n))
}

func (c *Collector) IncDuplicateOfFiles() {
	if c == nil {
		return
	}
	c.duplicateOfFiles.Inc()
}

func (c *Collector) IncUnchangedFiles() {
	if c == nil {
		return
	}
	c.unchangedFiles.Inc()
}

func tableLabel(large bool) string {
	if large {
		return "large"
	}
	return "small"
}

func workerLabel(worker int) string {
	return strconv.Itoa(worker)
}
