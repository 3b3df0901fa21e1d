package replication

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"Constellation/internal/apex"
	"Constellation/internal/constellation"
	"Constellation/internal/logger"
	"Constellation/internal/metrics"
)

// ErrNotServing is returned by a push tick while the node is not ready.
var ErrNotServing = errors.New("node is not serving")

// Follower is a connected node that receives portions.
type Follower interface {
	// ID returns the follower's auditor id.
	ID() uint8

	// Push delivers a portion and returns the last apex the follower acknowledged.
	Push(ctx context.Context, stream apex.Stream, b *apex.Batch) (uint64, error)
}

// FollowerSet lists the currently connected followers.
type FollowerSet interface {
	Followers() []Follower
}

// PortionSource serves portions and the replication head.
type PortionSource interface {
	Portion(stream apex.Stream, cursor uint64, force bool) (*apex.Batch, error)
	Head(stream apex.Stream) uint64
}

// Majority exposes the quorum size used to judge cursors ahead of the head.
type Majority interface {
	RequiredMajority() int
}

// Pusher periodically sends each follower the portion that follows its cursor.
// Followers sharing a cursor are served from one portion.
type Pusher struct {
	cfg       Config
	source    PortionSource
	followers FollowerSet
	cursors   *CursorTable
	majority  Majority
	state     *constellation.State
	metrics   *metrics.Metrics
	log       *slog.Logger
	now       func() time.Time

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPusher creates a pusher. It only pushes while state is ready.
func NewPusher(cfg Config, source PortionSource, followers FollowerSet, cursors *CursorTable,
	majority Majority, state *constellation.State, m *metrics.Metrics) *Pusher {
	return &Pusher{
		cfg:       cfg,
		source:    source,
		followers: followers,
		cursors:   cursors,
		majority:  majority,
		state:     state,
		metrics:   m,
		log:       logger.With("component", "pusher"),
		now:       time.Now,
	}
}

// Start launches the push loop.
func (p *Pusher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop halts the push loop and waits for in-flight deliveries.
func (p *Pusher) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
	})
	p.wg.Wait()
}

// loop ticks until the context is cancelled.
func (p *Pusher) loop(ctx context.Context) {
	defer p.wg.Done()

	p.log.Debug("push loop started", "interval", p.cfg.PushInterval)
	defer p.log.Debug("push loop stopped")

	ticker := time.NewTicker(p.cfg.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.tick(ctx); err != nil && !errors.Is(err, ErrNotServing) {
				p.log.Warn("push tick", "error", err)
			}
		}
	}
}

// group is the set of followers sharing one cursor.
type group struct {
	cursor  uint64
	oldest  time.Time
	members []Follower
}

// tick serves every stream once.
func (p *Pusher) tick(ctx context.Context) error {
	if !p.state.IsReady() {
		return ErrNotServing
	}

	followers := p.followers.Followers()
	if len(followers) == 0 {
		return nil
	}

	for _, stream := range apex.Streams {
		p.serve(ctx, stream, followers)
	}

	return nil
}

// serve groups followers by cursor and pushes one portion per group.
func (p *Pusher) serve(ctx context.Context, stream apex.Stream, followers []Follower) {
	head := p.source.Head(stream)
	groups := make(map[uint64]*group)
	ahead := 0

	for _, f := range followers {
		c, ok := p.cursors.Get(f.ID(), stream)
		if !ok {
			continue
		}

		if c.Apex > head {
			ahead++
			continue
		}

		if c.Apex == head {
			continue
		}

		g, ok := groups[c.Apex]
		if !ok {
			g = &group{cursor: c.Apex, oldest: c.UpdatedAt}
			groups[c.Apex] = g
		}

		if c.UpdatedAt.Before(g.oldest) {
			g.oldest = c.UpdatedAt
		}
		g.members = append(g.members, f)
	}

	if ahead > 0 {
		if ahead > p.majority.RequiredMajority()-1 {
			p.log.Error("followers ahead of local head, local node is behind", "stream", stream, "head", head, "followers", ahead)
			return
		}
		p.log.Warn("follower cursor ahead of local head", "stream", stream, "head", head, "followers", ahead)
	}

	ordered := make([]*group, 0, len(groups))
	for _, g := range groups {
		ordered = append(ordered, g)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].cursor < ordered[j].cursor })

	now := p.now()

	for _, g := range ordered {
		force := now.Sub(g.oldest) >= p.cfg.ForceTimeout

		b, err := p.source.Portion(stream, g.cursor, force)
		if err != nil {
			p.log.Warn("fetch portion", "stream", stream, "cursor", g.cursor, "error", err)
			continue
		}

		if b == nil || b.LastApex <= g.cursor {
			continue
		}

		p.dispatch(ctx, stream, b, g.members)
	}
}

// dispatch delivers b to every member still behind it, concurrently. A failed
// delivery leaves the cursor unchanged so the next tick retries.
func (p *Pusher) dispatch(ctx context.Context, stream apex.Stream, b *apex.Batch, members []Follower) {
	var g errgroup.Group

	for _, f := range members {
		c, ok := p.cursors.Get(f.ID(), stream)
		if !ok || c.Apex >= b.LastApex {
			continue
		}

		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, p.cfg.PushTimeout)
			defer cancel()

			ack, err := f.Push(pctx, stream, b)
			if err != nil {
				p.metrics.PushFailures.WithLabelValues(stream.String()).Inc()
				p.log.Warn("push portion", "follower", f.ID(), "stream", stream, "last", b.LastApex, "error", err)
				return nil
			}

			if ack > b.LastApex {
				p.log.Warn("follower acknowledged past portion", "follower", f.ID(), "ack", ack, "last", b.LastApex)
				ack = b.LastApex
			}

			p.cursors.Advance(f.ID(), stream, ack)
			p.metrics.PushedPortions.WithLabelValues(stream.String()).Inc()

			return nil
		})
	}

	_ = g.Wait()
}
