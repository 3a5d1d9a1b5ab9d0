package tracker

import (
	"context"
	"log/slog"
	"time"

	"github.com/danferreira/swarmwire/internal/peer"
	"github.com/danferreira/swarmwire/internal/piece"
)

// Announcer is anything that can hand out peers for a torrent. Tracker is
// the HTTP implementation.
type Announcer interface {
	Announce(ctx context.Context, e Event, snap piece.Snapshot) ([]peer.Peer, time.Duration, error)
}

type Option func(*Manager)

// WithRetryInterval sets the wait after a failed announce.
func WithRetryInterval(d time.Duration) Option {
	return func(m *Manager) { m.retryInterval = d }
}

// WithDefaultInterval sets the wait used when the response carries none.
func WithDefaultInterval(d time.Duration) Option {
	return func(m *Manager) { m.defaultInterval = d }
}

// Manager keeps announcing for the lifetime of a download and feeds every
// peer it learns about into a pool. Discovery failures are logged and
// retried; they never stop the download.
type Manager struct {
	announcer       Announcer
	retryInterval   time.Duration
	defaultInterval time.Duration
	completed       chan struct{}
}

func NewManager(a Announcer, opts ...Option) *Manager {
	m := &Manager{
		announcer:       a,
		retryInterval:   10 * time.Second,
		defaultInterval: 30 * time.Minute,
		completed:       make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Completed makes the next announce carry the completed event.
func (m *Manager) Completed() {
	select {
	case m.completed <- struct{}{}:
	default:
	}
}

func (m *Manager) Run(ctx context.Context, snapshotFn func() piece.Snapshot, pool *peer.Pool) {
	slog.Info("Starting announce worker")

	currentEvent := EventStarted
	for {
		peers, interval, err := m.announcer.Announce(ctx, currentEvent, snapshotFn())

		if err != nil {
			slog.Error("Error on tracker announce", "event", currentEvent, "error", err, "retry", m.retryInterval)
			interval = m.retryInterval
		} else {
			added := pool.PushMany(peers)
			slog.Info("Successfully announced to tracker", "event", currentEvent, "peers", len(peers), "new", added)
			currentEvent = EventUpdated
		}

		if interval <= 0 {
			interval = m.defaultInterval
		}

		timer := time.NewTimer(interval)

		select {
		case <-timer.C:
		case <-m.completed:
			timer.Stop()
			currentEvent = EventCompleted
		case <-ctx.Done():
			timer.Stop()
			m.stop(ctx, snapshotFn())
			return
		}
	}
}

func (m *Manager) stop(ctx context.Context, snap piece.Snapshot) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if _, _, err := m.announcer.Announce(ctx, EventStopped, snap); err != nil {
		slog.Error("Error on sending stop event to tracker", "error", err)
	}
}
