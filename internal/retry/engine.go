// Package retry drives a token shard to convergence: deliver, collect the
// tokens the gateway rejected, retire them, back off and deliver the rest
// again until an attempt reports no invalid tokens.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattstrayer/bulkpush/internal/delivery"
	"github.com/mattstrayer/bulkpush/internal/diaglog"
	"github.com/mattstrayer/bulkpush/internal/metrics"
	"github.com/mattstrayer/bulkpush/internal/tokenfile"
)

// Invalidator durably records tokens that must never be pushed to again.
// Implementations must be idempotent.
type Invalidator interface {
	MarkInvalid(ctx context.Context, tokens []string) error
}

// Sinks fans MarkInvalid out to several invalidators in order.
type Sinks []Invalidator

// MarkInvalid ...
func (s Sinks) MarkInvalid(ctx context.Context, tokens []string) error {
	for _, sink := range s {
		if err := sink.MarkInvalid(ctx, tokens); err != nil {
			return err
		}
	}
	return nil
}

// Config ...
type Config struct {
	// Backoff is slept after every attempt that reported invalid tokens.
	Backoff time.Duration
	// TokenLength is used to estimate the tokens left in a shard.
	TokenLength int
	// PruneByResumeLine prunes by the resume line a parser reports instead
	// of by the last invalid token, when one is available.
	PruneByResumeLine bool
}

// Job is one shard to drive to convergence.
type Job struct {
	Shard       string
	Content     string
	LogFile     string
	Credentials delivery.Credentials
}

// Stats summarizes a finished shard.
type Stats struct {
	Attempts int
	Backoffs int
	Invalid  int
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Engine ...
type Engine struct {
	cfg       Config
	deliverer delivery.Deliverer
	parser    diaglog.Parser
	sink      Invalidator
	sleep     SleepFunc
	metrics   *metrics.Metrics
	log       *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger ...
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithSleep replaces the backoff sleep.
func WithSleep(sleep SleepFunc) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// WithMetrics ...
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New ...
func New(cfg Config, d delivery.Deliverer, p diaglog.Parser, sink Invalidator, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg,
		deliverer: d,
		parser:    p,
		sink:      sink,
		sleep:     sleepContext,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run delivers job until an attempt reports no invalid tokens. Any error is
// fatal for the shard; the shard file is left as it was after the last
// completed prune so the run can be resumed.
func (e *Engine) Run(ctx context.Context, job Job) (Stats, error) {
	var stats Stats
	log := e.log.With("shard", job.Shard)
	req := delivery.Request{
		Content:     job.Content,
		TokenFile:   job.Shard,
		LogFile:     job.LogFile,
		Credentials: job.Credentials,
	}

	for {
		e.observeRemaining(job.Shard)

		t := time.Now()
		out, err := e.deliverer.Deliver(ctx, req)
		if err != nil {
			return stats, fmt.Errorf("deliver %s: %w", job.Shard, err)
		}
		stats.Attempts++
		e.metrics.CountAttempt(job.Shard, time.Since(t))

		res := e.parser.Parse(diaglog.Lines(out))
		if len(res.Tokens) == 0 {
			e.metrics.CountConverged(job.Shard)
			e.observeRemaining(job.Shard)
			log.Info("Shard converged", "attempts", stats.Attempts, "invalid", stats.Invalid)
			return stats, nil
		}

		stats.Invalid += len(res.Tokens)
		e.metrics.CountInvalid(job.Shard, len(res.Tokens))
		log.Info("Invalid tokens reported", "count", len(res.Tokens), "last", res.Last(), "resume_line", res.ResumeLine)

		// Marked before the prune so a failed sink never loses tokens
		// that are already gone from the shard.
		if err := e.sink.MarkInvalid(ctx, res.Tokens); err != nil {
			return stats, fmt.Errorf("mark invalid %s: %w", job.Shard, err)
		}

		lineno := 0
		if e.cfg.PruneByResumeLine {
			lineno = res.ResumeLine
		}
		if err := tokenfile.Prune(job.Shard, lineno, res.Last()); err != nil {
			return stats, err
		}

		stats.Backoffs++
		e.metrics.CountBackoff(job.Shard)
		log.Debug("Backing off", "duration", e.cfg.Backoff)
		if err := e.sleep(ctx, e.cfg.Backoff); err != nil {
			return stats, err
		}
	}
}

func (e *Engine) observeRemaining(shard string) {
	if e.metrics == nil || e.cfg.TokenLength <= 0 {
		return
	}
	if n, err := tokenfile.EstimateLines(shard, e.cfg.TokenLength); err == nil {
		e.metrics.SetRemaining(shard, n)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
