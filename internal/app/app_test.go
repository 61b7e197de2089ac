package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-presence-relay/internal/app"
)

// recorder collects lifecycle calls across all fakes in order.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// fakeService blocks in Start until Shutdown, or fails immediately.
type fakeService struct {
	name     string
	rec      *recorder
	startErr error
	stopped  chan struct{}
	once     sync.Once
}

func newFakeService(name string, rec *recorder, startErr error) *fakeService {
	return &fakeService{name: name, rec: rec, startErr: startErr, stopped: make(chan struct{})}
}

func (s *fakeService) Start(_ context.Context) error {
	s.rec.add(s.name + ".start")
	if s.startErr != nil {
		return s.startErr
	}
	<-s.stopped
	return nil
}

func (s *fakeService) Shutdown(_ context.Context) error {
	s.rec.add(s.name + ".shutdown")
	s.once.Do(func() { close(s.stopped) })
	return nil
}

type fakeAnnouncer struct{ rec *recorder }

func (a *fakeAnnouncer) Start(_ context.Context) { a.rec.add("announcer.start") }

func (a *fakeAnnouncer) Stop(_ context.Context) error {
	a.rec.add("announcer.stop")
	return nil
}

func runInBackground(ctx context.Context, api, ws app.Service, announcer app.Announcer) chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		app.RunUntilDone(ctx, zerolog.Nop(), api, ws, announcer)
	}()
	return done
}

func TestRunUntilDone_ShutsDownOnCancel(t *testing.T) {
	// Arrange
	rec := &recorder{}
	api := newFakeService("api", rec, nil)
	ws := newFakeService("ws", rec, nil)
	ctx, cancel := context.WithCancel(context.Background())

	// Act
	done := runInBackground(ctx, api, ws, &fakeAnnouncer{rec: rec})
	require.Eventually(t, func() bool { return len(rec.list()) >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	// Assert
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	calls := rec.list()
	assert.ElementsMatch(t, []string{"api.start", "ws.start", "announcer.start"}, calls[:3])
	assert.Equal(t, []string{"announcer.stop", "ws.shutdown", "api.shutdown"}, calls[3:])
}

func TestRunUntilDone_ServiceFailureTriggersShutdown(t *testing.T) {
	rec := &recorder{}
	api := newFakeService("api", rec, errors.New("address in use"))
	ws := newFakeService("ws", rec, nil)

	done := runInBackground(context.Background(), api, ws, nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after a service failure")
	}
	assert.Contains(t, rec.list(), "ws.shutdown")
}
