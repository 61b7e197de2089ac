package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
)

const defaultHeartbeatInterval = 30 * time.Second

// Announcer keeps an instance registered: it registers on Start, sends a
// heartbeat every interval and deregisters on Stop. A failed registration
// is retried on the next tick.
type Announcer struct {
	registry relay.ServiceRegistry
	interval time.Duration
	logger   zerolog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewAnnouncer creates an announcer for registry. A non-positive interval
// selects the 30s default.
func NewAnnouncer(registry relay.ServiceRegistry, interval time.Duration, logger zerolog.Logger) (*Announcer, error) {
	if registry == nil {
		return nil, fmt.Errorf("service registry cannot be nil")
	}
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	return &Announcer{
		registry: registry,
		interval: interval,
		logger:   logger.With().Str("component", "Announcer").Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the heartbeat loop in the background.
func (a *Announcer) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		go a.run(ctx)
	})
}

func (a *Announcer) run(ctx context.Context) {
	defer close(a.done)
	registered := a.tryRegister(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !registered {
				registered = a.tryRegister(ctx)
				continue
			}
			if err := a.registry.Heartbeat(ctx); err != nil {
				a.logger.Error().Err(err).Msg("Heartbeat failed.")
			}
		}
	}
}

// Stop ends the heartbeat loop and deregisters the instance. Calling Stop
// without Start only deregisters.
func (a *Announcer) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stop) })
	a.startOnce.Do(func() { close(a.done) })
	select {
	case <-a.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return a.registry.Deregister(ctx)
}

func (a *Announcer) tryRegister(ctx context.Context) bool {
	if err := a.registry.Register(ctx); err != nil {
		a.logger.Error().Err(err).Msg("Registration failed.")
		return false
	}
	return true
}
