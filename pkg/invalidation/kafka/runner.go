// Package kafka consumes tileset generation bumps published by other
// instances and applies them to the local generation mirror.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/geotile-cache/internal/core/observability"
	"github.com/mohammed-shakir/geotile-cache/internal/invalidation"
)

// Applier raises the generation of a tileset; tilecache.Cache implements it.
type Applier interface {
	ObserveGeneration(tilesetID string, gen int64) bool
}

// Forgetter drops cached tileset metadata; tiles.Service implements it.
type Forgetter interface {
	Forget(tilesetID string)
}

type Runner struct {
	log    *slog.Logger
	cfg    InvalidationConfig
	gens   Applier
	forget Forgetter
	origin string
	ms     *metricSet
	ver    *versionDedupe
	now    func() time.Time
	parts  partitionSet
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// partitionSet tracks the partitions of the current group generation. It
// is nil between sessions.
type partitionSet struct {
	mu  sync.RWMutex
	ids map[int32]struct{}
}

func (p *partitionSet) reset(claims map[string][]int32) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if claims == nil {
		p.ids = nil
		return 0
	}
	p.ids = map[int32]struct{}{}
	for _, ids := range claims {
		for _, id := range ids {
			p.ids[id] = struct{}{}
		}
	}
	return len(p.ids)
}

func (p *partitionSet) snapshot() ([]int32, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.ids == nil {
		return nil, false
	}
	out := make([]int32, 0, len(p.ids))
	for id := range p.ids {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, true
}

// Options carries the optional dependencies of a Runner.
type Options struct {
	Logger   *slog.Logger
	Register prometheus.Registerer
	Origin   string
	Forget   Forgetter
	Clock    func() time.Time
}

func New(cfg InvalidationConfig, gens Applier, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Runner{
		log:    opts.Logger,
		cfg:    cfg,
		gens:   gens,
		forget: opts.Forget,
		origin: opts.Origin,
		ms:     newMetricSet(opts.Register),
		ver:    newVersionDedupe(8192),
		now:    opts.Clock,
	}
}

func (r *Runner) Start(ctx context.Context) error {
	if !r.cfg.Active() {
		r.log.Info("invalidation runner disabled", "driver", r.cfg.Driver, "enabled", r.cfg.Enabled)
		return nil
	}
	if r.gens == nil {
		return errors.New("kafka runner: generation applier is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	group, err := sarama.NewConsumerGroup(r.cfg.Brokers, r.cfg.GroupID, r.cfg.consumerConfig())
	if err != nil {
		cancel()
		return fmt.Errorf("consumer group: %w", err)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				r.log.Error("kafka consumer group close", "err", err)
			}
		}()

		for {
			if err := group.Consume(ctx, []string{r.cfg.Topic}, r); err != nil {
				r.log.Error("kafka consume error", "err", err)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for err := range group.Errors() {
			r.log.Error("kafka group error", "err", err)
		}
	}()

	r.log.Info("kafka invalidation runner started",
		"topic", r.cfg.Topic, "group", r.cfg.GroupID, "brokers", r.cfg.Brokers)
	return nil
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info("kafka invalidation runner stopped")
}

// Readiness reports whether the group has assigned partitions to this
// instance. A disabled runner is always ready.
func (r *Runner) Readiness() (ready bool, partitions []int32) {
	if !r.cfg.Active() {
		return true, nil
	}
	parts, ok := r.parts.snapshot()
	return ok, parts
}

var _ sarama.ConsumerGroupHandler = (*Runner)(nil)

func (r *Runner) Setup(sess sarama.ConsumerGroupSession) error {
	n := r.parts.reset(sess.Claims())
	r.ms.assigned(n)
	r.log.Info("invalidation partitions assigned", "count", n, "generation", sess.GenerationID())
	return nil
}

func (r *Runner) Cleanup(sarama.ConsumerGroupSession) error {
	r.parts.reset(nil)
	r.ms.assigned(0)
	return nil
}

func (r *Runner) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := r.handleMessage(ctx, msg); err != nil {
				return err
			}
			sess.MarkMessage(msg, "")
		case <-ctx.Done():
			return nil
		}
	}
}

// handleMessage applies one event. Malformed events are counted and
// acknowledged; returning an error would stall the partition on a poison
// message.
func (r *Runner) handleMessage(_ context.Context, msg *sarama.ConsumerMessage) error {
	start := r.now()

	r.ms.observeAge(msg.Timestamp, start)

	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		r.ms.malformed()
		r.log.Warn("invalidation: undecodable message", "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if err := ev.Validate(); err != nil {
		r.ms.malformed()
		r.log.Warn("invalidation: invalid event", "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}

	r.apply(ev)
	r.ms.decoded(ev.Op, r.now().Sub(start))
	return nil
}

func (r *Runner) apply(ev invalidation.Event) {
	if r.origin != "" && ev.Origin == r.origin {
		r.ms.outcome(outcomeSkipSelf)
		return
	}
	if !r.ver.shouldApply(ev.TilesetID, ev.Generation) {
		r.ms.outcome(outcomeSkipVersion)
		return
	}
	if !r.gens.ObserveGeneration(ev.TilesetID, ev.Generation) {
		r.ms.outcome(outcomeSkipStale)
		return
	}
	if r.forget != nil {
		r.forget.Forget(ev.TilesetID)
	}
	r.ms.outcome(outcomeRaise)
	observability.IncInvalidation("remote")
	r.log.Debug("invalidation applied", "tileset", ev.TilesetID, "generation", ev.Generation, "origin", ev.Origin)
}
