/*
File: internal/registry/registry.go
Description: Lease-based front machine membership on Redis. Every live
instance refreshes its own lease and audits its peers, annihilating any
peer whose lease has expired.
*/

// Package registry maintains front machine liveness and connection counts in Redis.
package registry

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/tinywideclouds/go-session-manager/pkg/edge"
)

//go:embed annihilate.lua
var annihilateLua string

const maxConcurrentAudits = 16

// redisClient defines the interface we need from go-redis.
type redisClient interface {
	redis.Scripter
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Decr(ctx context.Context, key string) *redis.IntCmd
}

// Config holds the lease timing of the registry.
type Config struct {
	Namespace string
	// Interval is the lease time-to-live.
	Interval time.Duration
	// Latency is subtracted from Interval to get the refresh period, so a
	// refresh always lands before the lease expires.
	Latency time.Duration
}

// Hooks are lifecycle callbacks. Any of them may be nil. They can be invoked
// concurrently from the keep-alive loop.
type Hooks struct {
	OnRegistered   func(fmID string)
	OnUnregistered func(fmID string)
	OnError        func(err error)
}

// Registry implements edge.ConnectionTracker on top of a shared Redis.
type Registry struct {
	client     redisClient
	keys       keyspace
	annihilate *redis.Script
	interval   time.Duration
	period     time.Duration
	hooks      Hooks
	logger     *slog.Logger

	live atomic.Int64

	mu       sync.Mutex
	fm       *edge.FrontMachine
	stopLoop func()
}

// New is the constructor for the Registry.
func New(client redisClient, cfg Config, hooks Hooks, logger *slog.Logger) (*Registry, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if cfg.Namespace == "" {
		return nil, fmt.Errorf("registry namespace cannot be empty")
	}
	if cfg.Interval <= cfg.Latency || cfg.Latency < 0 {
		return nil, fmt.Errorf("registry interval (%s) must be greater than latency (%s)", cfg.Interval, cfg.Latency)
	}
	return &Registry{
		client:     client,
		keys:       keyspace{ns: cfg.Namespace},
		annihilate: redis.NewScript(annihilateLua),
		interval:   cfg.Interval,
		period:     cfg.Interval - cfg.Latency,
		hooks:      hooks,
		logger:     logger.With("component", "FrontMachineRegistry"),
	}, nil
}

// SetupServer registers fm: it wipes whatever a previous incarnation of the
// same id left behind, then sets the lease, counter, membership and record in
// one transaction and starts the keep-alive loop.
func (r *Registry) SetupServer(ctx context.Context, fm edge.FrontMachine) error {
	if fm.ID == "" {
		return fmt.Errorf("front machine id cannot be empty")
	}
	log := r.logger.With("fm_id", fm.ID)

	r.mu.Lock()
	previous := r.stopLoop
	r.stopLoop = nil
	r.mu.Unlock()
	if previous != nil {
		previous()
	}

	log.Debug("Cleaning up registration left by a previous incarnation")
	if _, err := r.Annihilate(ctx, fm.ID); err != nil {
		return err
	}

	log.Debug("Setting up registration")
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.keys.alive(fm.ID), time.Now().UnixMilli(), r.interval)
		pipe.Set(ctx, r.keys.count(fm.ID), 0, 0)
		pipe.SAdd(ctx, r.keys.fms(), fm.ID)
		pipe.HSet(ctx, r.keys.fm(fm.ID), "id", fm.ID, "ip", fm.IP, "port", fm.Port)
		return nil
	})
	if err != nil {
		log.Error("Failed to register front machine", "err", err)
		return fmt.Errorf("failed to register front machine %s: %w", fm.ID, err)
	}

	registered := fm
	r.live.Store(0)
	r.mu.Lock()
	r.fm = &registered
	r.mu.Unlock()

	log.Info("Front machine registered", "ip", fm.IP, "port", fm.Port)
	r.emitRegistered(fm.ID)

	stop := r.startKeepAlive(fm.ID)
	r.mu.Lock()
	r.stopLoop = stop
	r.mu.Unlock()
	return nil
}

// ReleaseServer stops the keep-alive loop and annihilates this front machine.
// It is a no-op when nothing is registered.
func (r *Registry) ReleaseServer(ctx context.Context) error {
	r.mu.Lock()
	fm := r.fm
	stop := r.stopLoop
	r.fm = nil
	r.stopLoop = nil
	r.mu.Unlock()

	if fm == nil {
		return nil
	}
	if stop != nil {
		stop()
	}

	r.logger.Debug("Releasing front machine", "fm_id", fm.ID)
	if _, err := r.Annihilate(ctx, fm.ID); err != nil {
		return err
	}
	r.logger.Info("Front machine unregistered", "fm_id", fm.ID)
	r.emitUnregistered(fm.ID)
	return nil
}

// Annihilate atomically deletes the lease, counter and record of id and
// removes it from the known set. Running it again is harmless. It reports
// whether id was still a member of the known set.
func (r *Registry) Annihilate(ctx context.Context, id string) (bool, error) {
	removed, err := r.annihilate.Run(ctx, r.client, []string{id}, r.keys.ns).Int64()
	if err != nil {
		r.logger.Error("Failed to annihilate front machine", "fm_id", id, "err", err)
		return false, fmt.Errorf("failed to annihilate front machine %s: %w", id, err)
	}
	return removed > 0, nil
}

// ListPeers returns the known front machine ids, excluding this one unless inclusive is set.
func (r *Registry) ListPeers(ctx context.Context, inclusive bool) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.keys.fms()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list front machines: %w", err)
	}
	self, registered := r.Current()
	if inclusive || !registered {
		return ids, nil
	}
	peers := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != self.ID {
			peers = append(peers, id)
		}
	}
	return peers, nil
}

// Current returns the front machine this registry is registered as.
func (r *Registry) Current() (edge.FrontMachine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fm == nil {
		return edge.FrontMachine{}, false
	}
	return *r.fm, true
}

// LiveConnections is the number of connections currently tracked by this process.
func (r *Registry) LiveConnections() int64 {
	return r.live.Load()
}

// SetupConnection counts an authorized connection.
func (r *Registry) SetupConnection(ctx context.Context, conn *edge.Connection) error {
	fm, ok := r.Current()
	if !ok {
		return edge.ErrNotRegistered
	}
	r.live.Add(1)
	if err := r.client.Incr(ctx, r.keys.count(fm.ID)).Err(); err != nil {
		// The caller treats the connection as untracked and never releases it.
		r.live.Add(-1)
		r.logger.Warn("Failed to increment connection counter", "conn_id", conn.ID, "err", err)
		return fmt.Errorf("failed to increment connection counter: %w", err)
	}
	r.logger.Debug("Connection set up", "conn_id", conn.ID)
	return nil
}

// ReleaseConnection uncounts a connection. Only connections that reached the
// authorized state were ever counted, so anything else is ignored.
func (r *Registry) ReleaseConnection(ctx context.Context, conn *edge.Connection) error {
	if conn.State() != edge.AuthAuthorized {
		return nil
	}
	fm, ok := r.Current()
	if !ok {
		return edge.ErrNotRegistered
	}
	for {
		n := r.live.Load()
		if n <= 0 || r.live.CompareAndSwap(n, n-1) {
			break
		}
	}
	if err := r.client.Decr(ctx, r.keys.count(fm.ID)).Err(); err != nil {
		r.logger.Warn("Failed to decrement connection counter", "conn_id", conn.ID, "err", err)
		return fmt.Errorf("failed to decrement connection counter: %w", err)
	}
	r.logger.Debug("Connection released", "conn_id", conn.ID)
	return nil
}

// startKeepAlive runs the refresh/audit loop every period until the returned stop func is called.
func (r *Registry) startKeepAlive(id string) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.period)
		defer ticker.Stop()
		r.logger.Debug("Keep-alive loop started", "fm_id", id, "period", r.period)
		for {
			select {
			case <-ctx.Done():
				r.logger.Debug("Keep-alive loop stopped", "fm_id", id)
				return
			case <-ticker.C:
				tickCtx, tickCancel := context.WithTimeout(ctx, r.period)
				r.tick(tickCtx, id)
				tickCancel()
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// tick refreshes our own lease and audits every peer.
// Failures are reported and left for the next tick.
func (r *Registry) tick(ctx context.Context, id string) {
	if err := r.refresh(ctx, id); err != nil {
		r.reportError(err)
	}
	if err := r.auditPeers(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
		r.reportError(err)
	}
}

// refresh renews the lease and resynchronizes the counter to the live count.
// Membership and the record hash are re-asserted too, so an instance that
// stalled past its lease and was annihilated by a peer becomes visible again.
func (r *Registry) refresh(ctx context.Context, id string) error {
	live := r.live.Load()
	fm, registered := r.Current()
	r.logger.Debug("Refreshing front machine lease", "fm_id", id, "live", live)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.keys.alive(id), time.Now().UnixMilli(), r.interval)
		pipe.Set(ctx, r.keys.count(id), live, 0)
		pipe.SAdd(ctx, r.keys.fms(), id)
		if registered && fm.ID == id {
			pipe.HSet(ctx, r.keys.fm(id), "id", fm.ID, "ip", fm.IP, "port", fm.Port)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to refresh lease of %s: %w", id, err)
	}
	return nil
}

// auditPeers annihilates every known peer whose lease is gone.
func (r *Registry) auditPeers(ctx context.Context, self string) error {
	ids, err := r.client.SMembers(ctx, r.keys.fms()).Result()
	if err != nil {
		return fmt.Errorf("failed to list front machines: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(maxConcurrentAudits)
	for _, peer := range ids {
		if peer == self {
			continue
		}
		peer := peer
		g.Go(func() error {
			exists, err := r.client.Exists(ctx, r.keys.alive(peer)).Result()
			if err != nil {
				err = fmt.Errorf("failed to check lease of %s: %w", peer, err)
				r.reportError(err)
				return err
			}
			if exists > 0 {
				return nil
			}
			r.logger.Info("Front machine lease expired, cleaning up", "fm_id", peer, "by", self)
			if _, err := r.Annihilate(ctx, peer); err != nil {
				r.reportError(err)
				return err
			}
			r.emitUnregistered(peer)
			return nil
		})
	}
	// Individual failures were already reported.
	_ = g.Wait()
	return nil
}

func (r *Registry) reportError(err error) {
	r.logger.Error("Registry background error", "err", err)
	if r.hooks.OnError != nil {
		r.hooks.OnError(err)
	}
}

func (r *Registry) emitRegistered(id string) {
	if r.hooks.OnRegistered != nil {
		r.hooks.OnRegistered(id)
	}
}

func (r *Registry) emitUnregistered(id string) {
	if r.hooks.OnUnregistered != nil {
		r.hooks.OnUnregistered(id)
	}
}
