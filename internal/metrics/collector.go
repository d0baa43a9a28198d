package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// LiveStats provides the metrics collector access to pipeline state.
type LiveStats interface {
	ActiveRooms() int
	PendingChunks() int
	ConnectedClients() int
	SubscriberCount() int
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	pool  *pgxpool.Pool
	stats LiveStats

	activeRooms     *prometheus.Desc
	pendingChunks   *prometheus.Desc
	clients         *prometheus.Desc
	subscribers     *prometheus.Desc
	dbTotalConns    *prometheus.Desc
	dbAcquiredConns *prometheus.Desc
	dbIdleConns     *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// pool and stats may be nil; their gauges then report 0.
func NewCollector(pool *pgxpool.Pool, stats LiveStats) *Collector {
	return &Collector{
		pool:  pool,
		stats: stats,
		activeRooms: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "rooms_draining"),
			"Rooms with an active transcription drain worker.",
			nil, nil,
		),
		pendingChunks: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "chunks_pending"),
			"Audio chunks waiting in transcription queues.",
			nil, nil,
		),
		clients: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "clients_connected"),
			"Connected WebSocket clients.",
			nil, nil,
		),
		subscribers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "event_subscribers_active"),
			"Current number of room event subscribers.",
			nil, nil,
		),
		dbTotalConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "total_conns"),
			"Total database pool connections.",
			nil, nil,
		),
		dbAcquiredConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "acquired_conns"),
			"Database pool connections currently in use.",
			nil, nil,
		),
		dbIdleConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "idle_conns"),
			"Database pool idle connections.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeRooms
	ch <- c.pendingChunks
	ch <- c.clients
	ch <- c.subscribers
	ch <- c.dbTotalConns
	ch <- c.dbAcquiredConns
	ch <- c.dbIdleConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var rooms, pending, clients, subs float64
	if c.stats != nil {
		rooms = float64(c.stats.ActiveRooms())
		pending = float64(c.stats.PendingChunks())
		clients = float64(c.stats.ConnectedClients())
		subs = float64(c.stats.SubscriberCount())
	}
	ch <- prometheus.MustNewConstMetric(c.activeRooms, prometheus.GaugeValue, rooms)
	ch <- prometheus.MustNewConstMetric(c.pendingChunks, prometheus.GaugeValue, pending)
	ch <- prometheus.MustNewConstMetric(c.clients, prometheus.GaugeValue, clients)
	ch <- prometheus.MustNewConstMetric(c.subscribers, prometheus.GaugeValue, subs)

	if c.pool != nil {
		stat := c.pool.Stat()
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, float64(stat.TotalConns()))
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, float64(stat.AcquiredConns()))
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, float64(stat.IdleConns()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, 0)
	}
}
