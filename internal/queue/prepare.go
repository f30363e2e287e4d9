package queue

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/speakd/internal/observe"
)

// prepare resolves the audio, duration and envelope of it and reports them
// back under the scheduler mutex. It runs in its own goroutine, bounded by
// the preparation semaphore.
func (s *Scheduler) prepare(ctx context.Context, it *item) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.prepared(it, nil, 0, nil, err)
		return
	}
	defer s.sem.Release(1)

	start := time.Now()
	log := observe.Logger(ctx).With("id", it.id)

	data := it.preset
	if data == nil {
		var err error
		data, err = s.fetcher.Fetch(ctx, it.fetchRequest())
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Warn("queue: fetch failed", "err", err)
			}
			s.prepared(it, nil, 0, nil, err)
			return
		}
	}

	// A replay plays the bytes cached under the original id.
	if it.preset == nil {
		if err := s.cache.Store(it.id, data); err != nil {
			log.Warn("queue: cache store failed, replay unavailable", "err", err)
		}
	}

	var (
		duration time.Duration
		env      []float64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d, err := s.probe(data)
		if err != nil {
			log.Warn("queue: duration probe failed, playing open-ended", "err", err)
			return nil
		}
		duration = d
		return nil
	})
	g.Go(func() error {
		e, err := s.envelope.Extract(gctx, data)
		if err != nil {
			s.metrics.EnvelopeErrors.Add(ctx, 1)
			log.Warn("queue: envelope extraction failed, using empty envelope", "err", err)
			return nil
		}
		env = e
		return nil
	})
	g.Wait()

	if ctx.Err() != nil {
		s.prepared(it, nil, 0, nil, ctx.Err())
		return
	}
	s.metrics.PrepareDuration.Record(ctx, time.Since(start).Seconds())
	log.Debug("queue: prepared", "duration", duration, "envelope", len(env), "took", time.Since(start))
	s.prepared(it, data, duration, nonNil(env), nil)
}
