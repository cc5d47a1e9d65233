package monitoring

import (
	"context"
	"time"

	"stagecast/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stat sources the sampler polls. Implemented by the room registry, media
// session manager, composition engine, and fan-out relay.
type RoomStats interface {
	SessionIDs() []domain.SessionID
	TotalParticipants() int
}

type MediaStats interface {
	OpenResourceCount(sessionID domain.SessionID) domain.ResourceCount
}

type ComposeStats interface {
	ActiveJobCount() int
}

type RelayStats interface {
	StatusCounts() map[domain.DestinationStatus]int
}

type PrometheusCollector struct {
	roomsActive       prometheus.Gauge
	participantsTotal prometheus.Gauge

	transportsOpen prometheus.Gauge
	producersOpen  prometheus.Gauge
	consumersOpen  prometheus.Gauge

	compositionJobsActive prometheus.Gauge
	destinationsByStatus  *prometheus.GaugeVec
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		roomsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "stagecast_rooms_active",
			Help: "Rooms with at least one participant",
		}),

		participantsTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "stagecast_participants_total",
			Help: "Participants across all rooms",
		}),

		transportsOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "stagecast_transports_open",
			Help: "Open media transports",
		}),

		producersOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "stagecast_producers_open",
			Help: "Open producers",
		}),

		consumersOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "stagecast_consumers_open",
			Help: "Open consumers",
		}),

		compositionJobsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "stagecast_composition_jobs_active",
			Help: "Composition jobs currently processing",
		}),

		destinationsByStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stagecast_destinations",
			Help: "Publish destination workers by status",
		}, []string{"status"}),
	}
}

// Sample takes one reading from every source.
func (p *PrometheusCollector) Sample(rooms RoomStats, media MediaStats, composer ComposeStats, relay RelayStats) {
	sessions := rooms.SessionIDs()
	p.roomsActive.Set(float64(len(sessions)))
	p.participantsTotal.Set(float64(rooms.TotalParticipants()))

	var total domain.ResourceCount
	for _, id := range sessions {
		count := media.OpenResourceCount(id)
		total.Transports += count.Transports
		total.Producers += count.Producers
		total.Consumers += count.Consumers
	}
	p.transportsOpen.Set(float64(total.Transports))
	p.producersOpen.Set(float64(total.Producers))
	p.consumersOpen.Set(float64(total.Consumers))

	p.compositionJobsActive.Set(float64(composer.ActiveJobCount()))

	counts := relay.StatusCounts()
	for _, status := range []domain.DestinationStatus{
		domain.DestinationConnected,
		domain.DestinationDisconnected,
		domain.DestinationError,
	} {
		// Absent statuses are written as zero so gauges for drained
		// states do not keep their last value.
		p.destinationsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// Run samples on a fixed interval until the context is cancelled.
func (p *PrometheusCollector) Run(ctx context.Context, interval time.Duration, rooms RoomStats, media MediaStats, composer ComposeStats, relay RelayStats) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sample(rooms, media, composer, relay)
		}
	}
}
