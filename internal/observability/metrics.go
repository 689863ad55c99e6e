// Package observability — metrics.go
//
// Prometheus metrics for quorumd.
//
// Endpoint: GET /metrics on 127.0.0.1:9092 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback by default; the address is taken as configured and is
// not restricted to loopback.
//
// Metric naming convention: quorumd_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - node_id labels are bounded by protocol.MaxNodes (16), never unbounded.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for quorumd.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Scanner ──────────────────────────────────────────────────────────

	// PeerMisses counts consecutive-miss streaks observed per peer node.
	// Labels: node_id
	PeerMisses *prometheus.GaugeVec

	// PeerSeen counts consecutive-seen streaks observed per peer node.
	// Labels: node_id
	PeerSeen *prometheus.GaugeVec

	// BlockReadFailuresTotal counts failed reads of a peer's status block.
	// Labels: node_id
	BlockReadFailuresTotal *prometheus.CounterVec

	// ─── Elector ──────────────────────────────────────────────────────────

	// BidsTotal counts bids sent by this node.
	BidsTotal prometheus.Counter

	// AcksTotal counts ACK messages sent by this node.
	AcksTotal prometheus.Counter

	// NacksTotal counts NACK messages observed targeting this node's bid.
	NacksTotal prometheus.Counter

	// MasterID is the node id this node currently believes is master, or 0
	// if none.
	MasterID prometheus.Gauge

	// AbdicationsTotal counts master-conflict abdications by this node.
	AbdicationsTotal prometheus.Counter

	// EvictionsTotal counts peers this node has transitioned to EVICT.
	EvictionsTotal prometheus.Counter

	// UndeadDetectionsTotal counts peers re-evicted after reappearing with
	// a stale incarnation (spec §4.2 "undead").
	UndeadDetectionsTotal prometheus.Counter

	// ─── Scoring ──────────────────────────────────────────────────────────

	// Score is this node's current heuristic score.
	Score prometheus.Gauge

	// ScoreReq is the score threshold currently in effect.
	ScoreReq prometheus.Gauge

	// ─── Paceloop ─────────────────────────────────────────────────────────

	// TickDuration records the wall-clock time spent in one tick.
	TickDuration prometheus.Histogram

	// DeadlineMissesTotal counts ticks whose elapsed time exceeded the
	// configured interval.
	DeadlineMissesTotal prometheus.Counter

	// ─── Audit ────────────────────────────────────────────────────────────

	// AuditWriteLatency records BoltDB write transaction latency.
	AuditWriteLatency prometheus.Histogram

	// AuditLedgerEntries is the current number of ledger entries.
	AuditLedgerEntries prometheus.Gauge

	// ─── Daemon ───────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the daemon started.
	UptimeSeconds prometheus.Gauge

	// startTime records when the daemon started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all quorumd Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		PeerMisses: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "quorumd",
			Subsystem: "scanner",
			Name:      "peer_misses",
			Help:      "Current consecutive-miss streak observed for a peer node.",
		}, []string{"node_id"}),

		PeerSeen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "quorumd",
			Subsystem: "scanner",
			Name:      "peer_seen",
			Help:      "Current consecutive-seen streak observed for a peer node.",
		}, []string{"node_id"}),

		BlockReadFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quorumd",
			Subsystem: "scanner",
			Name:      "block_read_failures_total",
			Help:      "Total failed reads of a peer's status block, by node_id.",
		}, []string{"node_id"}),

		BidsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorumd",
			Subsystem: "elector",
			Name:      "bids_total",
			Help:      "Total master bids sent by this node.",
		}),

		AcksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorumd",
			Subsystem: "elector",
			Name:      "acks_total",
			Help:      "Total ACK messages sent by this node.",
		}),

		NacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorumd",
			Subsystem: "elector",
			Name:      "nacks_total",
			Help:      "Total NACK messages observed targeting this node's bid.",
		}),

		MasterID: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quorumd",
			Subsystem: "elector",
			Name:      "master_id",
			Help:      "Node id this node currently believes is master, 0 if none.",
		}),

		AbdicationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorumd",
			Subsystem: "elector",
			Name:      "abdications_total",
			Help:      "Total master-conflict abdications by this node.",
		}),

		EvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorumd",
			Subsystem: "elector",
			Name:      "evictions_total",
			Help:      "Total peers this node has transitioned to EVICT.",
		}),

		UndeadDetectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorumd",
			Subsystem: "elector",
			Name:      "undead_detections_total",
			Help:      "Total peers re-evicted after reappearing with a stale incarnation.",
		}),

		Score: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quorumd",
			Subsystem: "scoring",
			Name:      "score",
			Help:      "This node's current heuristic score.",
		}),

		ScoreReq: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quorumd",
			Subsystem: "scoring",
			Name:      "score_req",
			Help:      "Score threshold currently in effect.",
		}),

		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quorumd",
			Subsystem: "paceloop",
			Name:      "tick_duration_seconds",
			Help:      "Wall-clock time spent in one tick (scan+transition+elect+write).",
			Buckets:   prometheus.DefBuckets,
		}),

		DeadlineMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorumd",
			Subsystem: "paceloop",
			Name:      "deadline_misses_total",
			Help:      "Total ticks whose elapsed time exceeded the configured interval.",
		}),

		AuditWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quorumd",
			Subsystem: "audit",
			Name:      "write_latency_seconds",
			Help:      "BoltDB write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		AuditLedgerEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quorumd",
			Subsystem: "audit",
			Name:      "ledger_entries",
			Help:      "Current number of election-event ledger entries in BoltDB.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quorumd",
			Subsystem: "daemon",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the daemon started.",
		}),
	}

	reg.MustRegister(
		m.PeerMisses,
		m.PeerSeen,
		m.BlockReadFailuresTotal,
		m.BidsTotal,
		m.AcksTotal,
		m.NacksTotal,
		m.MasterID,
		m.AbdicationsTotal,
		m.EvictionsTotal,
		m.UndeadDetectionsTotal,
		m.Score,
		m.ScoreReq,
		m.TickDuration,
		m.DeadlineMissesTotal,
		m.AuditWriteLatency,
		m.AuditLedgerEntries,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// SetPeerCounters records a peer's current miss/seen streaks. nodeID is
// formatted once per call for both gauges; cardinality is bounded by
// protocol.MaxNodes.
func (m *Metrics) SetPeerCounters(nodeID, misses, seen int) {
	label := strconv.Itoa(nodeID)
	m.PeerMisses.WithLabelValues(label).Set(float64(misses))
	m.PeerSeen.WithLabelValues(label).Set(float64(seen))
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the UptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
