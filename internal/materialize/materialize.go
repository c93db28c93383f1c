// Package materialize fetches full thread content for a batch of thread ids
// with bounded concurrency and partial-success semantics.
package materialize

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/wesm/mailsync/internal/provider"
)

// DefaultConcurrency bounds in-flight thread fetches per batch.
const DefaultConcurrency = 10

// Result is the outcome of one batch.
type Result struct {
	// Threads holds every thread that fetched successfully, in input order.
	Threads []*provider.ThreadData
	// Gone lists threads the provider no longer has.
	Gone []string
	// Failed maps thread ids whose fetch failed to the error. Failed
	// threads contribute nothing to MaxCheckpointSeen.
	Failed map[string]error
	// MaxCheckpointSeen is the largest history id among fetched threads
	// and their messages. Zero for providers without history ids.
	MaxCheckpointSeen uint64
}

// Materializer fans out FetchThread calls.
type Materializer struct {
	fetcher     provider.Fetcher
	concurrency int
	logger      *slog.Logger
}

// Option configures a Materializer.
type Option func(*Materializer)

// WithConcurrency sets the number of simultaneous fetches.
func WithConcurrency(n int) Option {
	return func(m *Materializer) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Materializer) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// New creates a Materializer over fetcher.
func New(fetcher provider.Fetcher, opts ...Option) *Materializer {
	m := &Materializer{
		fetcher:     fetcher,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Materialize fetches every id in format. A failing thread is logged and
// reported in Result.Failed without aborting its siblings. The only error
// returned is the context's, when the batch was cancelled; the partial
// result must then be discarded.
func (m *Materializer) Materialize(ctx context.Context, ids []string, format provider.Format) (*Result, error) {
	ids = dedupe(ids)
	fetched := make([]*provider.ThreadData, len(ids))
	errs := make([]error, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			if gctx.Err() != nil {
				errs[i] = gctx.Err()
				return nil
			}
			data, err := m.fetcher.FetchThread(gctx, id, format)
			if err != nil {
				errs[i] = err
				return nil
			}
			fetched[i] = data
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{Failed: make(map[string]error)}
	for i, id := range ids {
		switch err := errs[i]; {
		case err == nil && fetched[i] != nil:
			res.Threads = append(res.Threads, fetched[i])
			if h := fetched[i].MaxHistoryID(); h > res.MaxCheckpointSeen {
				res.MaxCheckpointSeen = h
			}
		case provider.IsNotFound(err):
			res.Gone = append(res.Gone, id)
		default:
			if err == nil {
				err = fmt.Errorf("thread %s: empty response", id)
			}
			res.Failed[id] = err
			m.logger.Warn("thread fetch failed", "thread", id, "error", err)
		}
	}
	return res, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
