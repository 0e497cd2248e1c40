package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	NoteCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pingnote_notes_created_total",
		Help: "no. of notes created",
	}, []string{"backend"})
	NoteRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pingnote_notes_read_total",
		Help: "no. of successful note reads",
	}, []string{"mode"})
	NoteMiss = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pingnote_note_lookup_failures_total",
		Help: "no. of reads refused, by lifecycle code",
	}, []string{"code"})
	NoteDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pingnote_notes_deleted_total",
		Help: "no. of notes deleted",
	})
	IDCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pingnote_id_collisions_total",
		Help: "no. of token or short code collisions on create",
	})
	LiveUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pingnote_live_updates_total",
		Help: "no. of live content updates",
	})
	LiveDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pingnote_live_messages_delivered_total",
		Help: "no. of live messages handed to subscribers",
	})
	LiveDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pingnote_live_subscribers_dropped_total",
		Help: "no. of subscribers dropped for not keeping up",
	})
	LiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pingnote_live_subscribers",
		Help: "currently open live subscriptions",
	})
	SweepCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pingnote_sweep_cycles_total",
		Help: "no. of sweeper cycles",
	})
	SweptNotes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pingnote_swept_notes_total",
		Help: "no. of notes reclaimed by the sweeper",
	})
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pingnote_store_errors_total",
		Help: "no. of infrastructure errors by operation",
	}, []string{"op"})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pingnote_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)
