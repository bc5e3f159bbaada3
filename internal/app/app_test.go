package app_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-session-manager/internal/app"
	"github.com/tinywideclouds/go-session-manager/internal/registry"
	"github.com/tinywideclouds/go-session-manager/internal/test/fakes"
	"github.com/tinywideclouds/go-session-manager/pkg/edge"
)

// --- Test doubles ---

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type stubMembership struct {
	log      *callLog
	setupErr error
}

func (m *stubMembership) SetupServer(_ context.Context, fm edge.FrontMachine) error {
	m.log.add("setup:" + fm.ID)
	return m.setupErr
}

func (m *stubMembership) ReleaseServer(_ context.Context) error {
	m.log.add("release")
	return nil
}

type stubGateway struct {
	log      *callLog
	started  chan struct{}
	stop     chan struct{}
	startErr error
}

func newStubGateway(log *callLog) *stubGateway {
	return &stubGateway{log: log, started: make(chan struct{}), stop: make(chan struct{})}
}

func (g *stubGateway) Start(_ context.Context) error {
	close(g.started)
	if g.startErr != nil {
		return g.startErr
	}
	<-g.stop
	return nil
}

func (g *stubGateway) Shutdown(_ context.Context) error {
	g.log.add("gateway-shutdown")
	select {
	case <-g.stop:
	default:
		close(g.stop)
	}
	return nil
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testFM = edge.FrontMachine{ID: "fm-1", IP: "127.0.0.1", Port: "9090"}

// --- Tests ---

func TestRun_ShutdownOrder(t *testing.T) {
	log := &callLog{}
	repo := fakes.NewRepository(newTestLogger())
	gateway := newStubGateway(log)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- app.Run(ctx, newTestLogger(), app.Service{
			FrontMachine: testFM,
			Membership:   &stubMembership{log: log},
			Repository:   repo,
			Gateway:      gateway,
			Closers:      []func() error{func() error { log.add("bus-close"); return nil }},
		})
	}()

	<-gateway.started
	record, err := repo.GetFMRegistration(context.Background(), "fm-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, testFM, *record)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	assert.Equal(t, []string{"setup:fm-1", "gateway-shutdown", "bus-close", "release"}, log.snapshot())
	record, err = repo.GetFMRegistration(context.Background(), "fm-1")
	require.NoError(t, err)
	assert.Nil(t, record, "front machine record should be deleted on shutdown")
}

func TestRun_BusLossTriggersShutdown(t *testing.T) {
	log := &callLog{}
	gateway := newStubGateway(log)
	busClosed := make(chan error, 1)

	done := make(chan error, 1)
	go func() {
		done <- app.Run(context.Background(), newTestLogger(), app.Service{
			FrontMachine: testFM,
			Membership:   &stubMembership{log: log},
			Repository:   fakes.NewRepository(newTestLogger()),
			Gateway:      gateway,
			BusClosed:    busClosed,
		})
	}()

	<-gateway.started
	busClosed <- errors.New("connection reset by peer")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after bus loss")
	}
	assert.Contains(t, log.snapshot(), "release")
}

func TestRun_GatewayFailureTriggersShutdown(t *testing.T) {
	log := &callLog{}
	gateway := newStubGateway(log)
	gateway.startErr = errors.New("address already in use")

	err := app.Run(context.Background(), newTestLogger(), app.Service{
		FrontMachine: testFM,
		Membership:   &stubMembership{log: log},
		Repository:   fakes.NewRepository(newTestLogger()),
		Gateway:      gateway,
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"setup:fm-1", "gateway-shutdown", "release"}, log.snapshot())
}

func TestRun_RegistrationFailures(t *testing.T) {
	t.Run("registry unavailable", func(t *testing.T) {
		log := &callLog{}
		gateway := newStubGateway(log)

		err := app.Run(context.Background(), newTestLogger(), app.Service{
			FrontMachine: testFM,
			Membership:   &stubMembership{log: log, setupErr: errors.New("redis down")},
			Repository:   fakes.NewRepository(newTestLogger()),
			Gateway:      gateway,
		})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to register front machine")
		assert.Equal(t, []string{"setup:fm-1"}, log.snapshot())
	})

	t.Run("record write fails releases the lease", func(t *testing.T) {
		log := &callLog{}
		repo := fakes.NewRepository(newTestLogger())
		repo.Err = edge.ErrStorage

		err := app.Run(context.Background(), newTestLogger(), app.Service{
			FrontMachine: testFM,
			Membership:   &stubMembership{log: log},
			Repository:   repo,
			Gateway:      newStubGateway(log),
		})

		require.ErrorIs(t, err, edge.ErrStorage)
		assert.Equal(t, []string{"setup:fm-1", "release"}, log.snapshot())
	})
}

func TestRun_StaleRecordOverwritten(t *testing.T) {
	log := &callLog{}
	repo := fakes.NewRepository(newTestLogger())
	require.NoError(t, repo.SetFMRegistration(context.Background(), edge.FrontMachine{ID: "fm-1", IP: "10.9.9.9", Port: "1"}))
	gateway := newStubGateway(log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- app.Run(ctx, newTestLogger(), app.Service{
			FrontMachine: testFM,
			Membership:   &stubMembership{log: log},
			Repository:   repo,
			Gateway:      gateway,
		})
	}()

	<-gateway.started
	record, err := repo.GetFMRegistration(context.Background(), "fm-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "127.0.0.1", record.IP)

	cancel()
	require.NoError(t, <-done)
}

func TestRun_WithRedisRegistry(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	reg, err := registry.New(rdb, registry.Config{Namespace: "mkm", Interval: 10 * time.Second, Latency: time.Second}, registry.Hooks{}, newTestLogger())
	require.NoError(t, err)

	log := &callLog{}
	gateway := newStubGateway(log)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- app.Run(ctx, newTestLogger(), app.Service{
			FrontMachine: testFM,
			Membership:   reg,
			Repository:   fakes.NewRepository(newTestLogger()),
			Gateway:      gateway,
		})
	}()

	<-gateway.started
	ok, err := mr.SIsMember("mkm:fms", "fm-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("mkm:fm-1:alive"))

	cancel()
	require.NoError(t, <-done)

	assert.False(t, mr.Exists("mkm:fm-1:alive"))
	assert.False(t, mr.Exists("mkm:fm:fm-1"))
	_, current := reg.Current()
	assert.False(t, current)
}
