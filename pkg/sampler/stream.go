package sampler

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/soundprediction/lostpaw/pkg/types"
	"github.com/soundprediction/lostpaw/pkg/utils"
)

// ErrStreamClosed is returned by Stream.Next after Close.
var ErrStreamClosed = errors.New("batch stream closed")

type result struct {
	batch *types.PairBatch
	err   error
}

type job struct {
	seq uint64
	out chan result
}

// Stream prefetches batches on worker goroutines and hands them out in
// sequence order. At most depth batches are prepared ahead of the consumer.
type Stream struct {
	ordered <-chan chan result
	done    <-chan struct{}
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// Stream starts prefetching batches from sequence number from onwards.
// Batch contents do not depend on workers or depth.
func (s *Sampler) Stream(ctx context.Context, from uint64, workers, depth int) *Stream {
	if workers < 1 {
		workers = 1
	}
	if depth < 1 {
		depth = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	jobs := make(chan job)
	ordered := make(chan chan result, depth)

	g.Go(func() error {
		defer close(jobs)
		defer close(ordered)
		for seq := from; ; seq++ {
			out := make(chan result, 1)
			select {
			case ordered <- out:
			case <-gctx.Done():
				return nil
			}
			select {
			case jobs <- job{seq: seq, out: out}:
			case <-gctx.Done():
				return nil
			}
		}
	})

	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for j := range jobs {
				var r result
				r.err = utils.Guard(func() error {
					b, err := s.Batch(gctx, j.seq)
					r.batch = b
					return err
				})
				j.out <- r
			}
			return nil
		})
	}

	return &Stream{ordered: ordered, done: gctx.Done(), cancel: cancel, group: g}
}

// Next returns the next batch in sequence order.
func (st *Stream) Next(ctx context.Context) (*types.PairBatch, error) {
	var out chan result
	select {
	case o, ok := <-st.ordered:
		if !ok {
			return nil, ErrStreamClosed
		}
		out = o
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-out:
		return r.batch, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-st.done:
		// the job may have been handed out before cancellation
		select {
		case r := <-out:
			return r.batch, r.err
		default:
			return nil, ErrStreamClosed
		}
	}
}

// Close stops the workers and waits for them to exit.
func (st *Stream) Close() error {
	st.cancel()
	return st.group.Wait()
}
