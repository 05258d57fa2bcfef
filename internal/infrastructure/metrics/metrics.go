// Package metrics exposes Koda's Prometheus instruments.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "koda"

// Collector owns every instrument of the bot. It satisfies the recorder
// interfaces of the snapshot manager and the progression engine.
type Collector struct {
	checkins          *prometheus.CounterVec
	xpGranted         prometheus.Counter
	levelUps          prometheus.Counter
	verifications     *prometheus.HistogramVec
	commands          *prometheus.CounterVec
	snapshotSaves     *prometheus.CounterVec
	snapshotFailures  *prometheus.CounterVec
	snapshotBytes     *prometheus.GaugeVec
	snapshotDuration  *prometheus.HistogramVec
	snapshotLastSaved *prometheus.GaugeVec
	snapshotLoads     *prometheus.CounterVec
	jobRuns           *prometheus.CounterVec
	registeredUsers   prometheus.Gauge
	now               func() time.Time
}

// New creates the instruments and registers them on reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		checkins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "progression",
			Name:      "checkins_total",
			Help:      "Check-in attempts grouped by outcome.",
		}, []string{"outcome"}),
		xpGranted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "progression",
			Name:      "xp_granted_total",
			Help:      "Experience points granted to users.",
		}),
		levelUps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "progression",
			Name:      "level_ups_total",
			Help:      "Number of level increases.",
		}),
		verifications: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "github",
			Name:      "verification_duration_seconds",
			Help:      "Latency of contribution lookups grouped by result.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"result"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "commands_total",
			Help:      "Chat commands handled grouped by action.",
		}, []string{"action"}),
		snapshotSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "saves_total",
			Help:      "Successful snapshot writes grouped by kind.",
		}, []string{"kind"}),
		snapshotFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "failures_total",
			Help:      "Failed snapshot writes grouped by kind.",
		}, []string{"kind"}),
		snapshotBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "size_bytes",
			Help:      "Size of the most recent snapshot grouped by kind.",
		}, []string{"kind"}),
		snapshotDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "save_duration_seconds",
			Help:      "Time spent serializing and writing a snapshot.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		snapshotLastSaved: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "last_saved_timestamp_seconds",
			Help:      "Unix timestamp of the most recent successful snapshot per kind.",
		}, []string{"kind"}),
		snapshotLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "loads_total",
			Help:      "Startup loads grouped by whether a snapshot was found.",
		}, []string{"found"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Scheduled job executions grouped by job and result.",
		}, []string{"job", "result"}),
		registeredUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "progression",
			Name:      "known_users",
			Help:      "Users in the membership cache.",
		}),
		now: time.Now,
	}

	reg.MustRegister(
		c.checkins, c.xpGranted, c.levelUps, c.verifications, c.commands,
		c.snapshotSaves, c.snapshotFailures, c.snapshotBytes, c.snapshotDuration,
		c.snapshotLastSaved, c.snapshotLoads, c.jobRuns, c.registeredUsers,
	)
	return c
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESSION
// ══════════════════════════════════════════════════════════════════════════════

// CheckinObserved counts one check-in attempt.
func (c *Collector) CheckinObserved(outcome string) {
	c.checkins.WithLabelValues(outcome).Inc()
}

// VerificationObserved records the latency of one contribution lookup.
func (c *Collector) VerificationObserved(result string, took time.Duration) {
	c.verifications.WithLabelValues(result).Observe(took.Seconds())
}

// XPGranted counts granted experience and level-ups.
func (c *Collector) XPGranted(amount int, leveledUp bool) {
	if amount > 0 {
		c.xpGranted.Add(float64(amount))
	}
	if leveledUp {
		c.levelUps.Inc()
	}
}

// MembershipSize sets the number of cached users.
func (c *Collector) MembershipSize(n int) {
	c.registeredUsers.Set(float64(n))
}

// CommandHandled counts one routed chat command.
func (c *Collector) CommandHandled(action string) {
	c.commands.WithLabelValues(action).Inc()
}

// ══════════════════════════════════════════════════════════════════════════════
// SNAPSHOTS
// ══════════════════════════════════════════════════════════════════════════════

// SnapshotSaved records a successful write.
func (c *Collector) SnapshotSaved(kind string, size int, took time.Duration) {
	c.snapshotSaves.WithLabelValues(kind).Inc()
	c.snapshotBytes.WithLabelValues(kind).Set(float64(size))
	c.snapshotDuration.WithLabelValues(kind).Observe(took.Seconds())
	c.snapshotLastSaved.WithLabelValues(kind).Set(float64(c.now().Unix()))
}

// SnapshotFailed records a failed write.
func (c *Collector) SnapshotFailed(kind string) {
	c.snapshotFailures.WithLabelValues(kind).Inc()
}

// SnapshotLoaded records the startup load.
func (c *Collector) SnapshotLoaded(found bool) {
	c.snapshotLoads.WithLabelValues(strconv.FormatBool(found)).Inc()
}

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULER
// ══════════════════════════════════════════════════════════════════════════════

// JobCompleted records a scheduled job run.
func (c *Collector) JobCompleted(job string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.jobRuns.WithLabelValues(job, result).Inc()
}
