// Package retrieval pages through the remote CVE catalog, pacing requests and
// checkpointing progress so an interrupted run resumes where it stopped.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ethanolivertroy/cvechain/internal/clients"
	"github.com/ethanolivertroy/cvechain/internal/faults"
	"github.com/ethanolivertroy/cvechain/internal/metrics"
	"github.com/ethanolivertroy/cvechain/internal/models"
	"github.com/ethanolivertroy/cvechain/internal/resilience"
)

const (
	resourceNVD = "nvd"

	// minThrottleDelay is the first 429 wait when the baseline delay is zero
	minThrottleDelay = time.Second
)

// PageFetcher fetches one catalog page
type PageFetcher interface {
	FetchPage(ctx context.Context, req clients.PageRequest) (*clients.CVEPage, error)
}

// Limiter gates outbound requests and learns from their outcome
type Limiter interface {
	Wait(ctx context.Context) error
	Record(err error)
}

// PageHandler consumes a non-empty page. The checkpoint only advances past a
// page once its handler has returned nil.
type PageHandler func(ctx context.Context, page *clients.CVEPage) error

// Config paces the loop
type Config struct {
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	ThrottleFactor   float64
	ThrottleStreak   int
	CheckpointEvery  int
	ProgressInterval time.Duration
}

// ConfigFrom maps the TOML section onto Config
func ConfigFrom(c models.RetrievalConfig) Config {
	return Config{
		BaseDelay:        c.BaseDelay,
		MaxDelay:         c.MaxDelay,
		ThrottleFactor:   c.ThrottleFactor,
		ThrottleStreak:   c.ThrottleStreak,
		CheckpointEvery:  c.CheckpointEvery,
		ProgressInterval: c.ProgressInterval,
	}
}

// Query selects what to retrieve
type Query struct {
	ResultsPerPage int
	PubStartDate   string
	PubEndDate     string
	// Restart discards any existing checkpoint, readable or not
	Restart bool
}

// Result summarizes a run
type Result struct {
	ResumedFrom      int
	NextIndex        int
	PagesFetched     int
	RecordsRetrieved int // this run only
	TotalRetrieved   int // including earlier runs of the same retrieval
	TotalResults     int
	Completed        bool
}

// Retriever runs the paginated retrieval loop
type Retriever struct {
	fetcher PageFetcher
	store   *CheckpointStore
	cfg     Config
	logger  *zap.Logger

	limiter Limiter
	guard   *resilience.Guard
	metrics *metrics.Metrics
	offset  func() int64
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
}

// Option configures a Retriever
type Option func(*Retriever)

// WithLimiter gates every page request, retries included, through l
func WithLimiter(l Limiter) Option {
	return func(r *Retriever) { r.limiter = l }
}

// WithGuard wraps every page request in g
func WithGuard(g *resilience.Guard) Option {
	return func(r *Retriever) { r.guard = g }
}

// WithSpoolOffset records offset() in every checkpoint. offset must report
// the size of the spool up to the last page the handler accepted.
func WithSpoolOffset(offset func() int64) Option {
	return func(r *Retriever) { r.offset = offset }
}

// WithMetrics reports progress to m
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Retriever) { r.metrics = m }
}

// NewRetriever creates a retriever. Without a guard each page gets a single
// attempt.
func NewRetriever(fetcher PageFetcher, store *CheckpointStore, cfg Config, logger *zap.Logger, opts ...Option) *Retriever {
	if cfg.ThrottleFactor <= 2 {
		cfg.ThrottleFactor = 2.5
	}
	if cfg.ThrottleStreak <= 0 {
		cfg.ThrottleStreak = 3
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = 5000
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}

	r := &Retriever{
		fetcher: fetcher,
		store:   store,
		cfg:     cfg,
		logger:  logger,
		guard:   resilience.NewGuard(nil, nil),
		sleep:   sleepCtx,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// session is the mutable state of one Run
type session struct {
	startIndex int
	total      int
	delay      time.Duration
	streak     int
}

// Run fetches pages from the checkpointed position until the catalog is
// exhausted. Every page goes to handle. The checkpoint is deleted on
// completion and saved when the loop stops early.
func (r *Retriever) Run(ctx context.Context, q Query, handle PageHandler) (Result, error) {
	s, err := r.resume(q)
	if err != nil {
		return Result{}, err
	}

	res := Result{ResumedFrom: s.startIndex, TotalRetrieved: s.total}
	progress := rate.Sometimes{Interval: r.cfg.ProgressInterval}
	if r.cfg.ProgressInterval <= 0 {
		progress.Every = 1
	}
	sinceCheckpoint := 0

	stop := func(err error) (Result, error) {
		res.NextIndex = s.startIndex
		res.TotalRetrieved = s.total
		if saveErr := r.save(s); saveErr != nil {
			r.logger.Error("Failed to save checkpoint", zap.Error(saveErr))
		} else {
			r.logger.Info("Checkpoint saved",
				zap.Int("last_index", s.startIndex),
				zap.Int("total_retrieved", s.total))
		}
		return res, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return stop(err)
		}

		req := clients.PageRequest{
			StartIndex:     s.startIndex,
			ResultsPerPage: q.ResultsPerPage,
			PubStartDate:   q.PubStartDate,
			PubEndDate:     q.PubEndDate,
		}
		page, err := r.fetch(ctx, req, s)
		if err != nil {
			r.logger.Error("Page request failed",
				zap.Int("start_index", s.startIndex),
				zap.Error(err))
			return stop(fmt.Errorf("failed to fetch page at %d: %w", s.startIndex, err))
		}

		n := len(page.Vulnerabilities)
		res.TotalResults = page.TotalResults
		if n > 0 {
			if err := handle(ctx, page); err != nil {
				return stop(fmt.Errorf("failed to handle page at %d: %w", s.startIndex, err))
			}
		}

		s.startIndex += n
		s.total += n
		res.PagesFetched++
		res.RecordsRetrieved += n
		if r.metrics != nil {
			r.metrics.PagesFetched.Inc()
			r.metrics.RecordsRetrieved.Add(float64(n))
		}

		progress.Do(func() {
			r.logger.Info("Retrieval progress",
				zap.Int("start_index", s.startIndex),
				zap.Int("total_results", page.TotalResults),
				zap.Int("retrieved", s.total),
				zap.Duration("delay", s.delay))
		})

		if n == 0 || n < q.ResultsPerPage {
			res.Completed = true
			res.NextIndex = s.startIndex
			res.TotalRetrieved = s.total
			if err := r.store.Delete(); err != nil {
				r.logger.Warn("Failed to delete checkpoint", zap.Error(err))
			}
			r.logger.Info("Retrieval complete",
				zap.Int("pages", res.PagesFetched),
				zap.Int("retrieved", s.total))
			return res, nil
		}

		sinceCheckpoint += n
		if sinceCheckpoint >= r.cfg.CheckpointEvery {
			sinceCheckpoint = 0
			if err := r.save(s); err != nil {
				r.logger.Warn("Failed to save checkpoint", zap.Error(err))
			}
		}

		if err := r.sleep(ctx, s.delay); err != nil {
			return stop(err)
		}
	}
}

// save writes the checkpoint for the current position
func (r *Retriever) save(s *session) error {
	cp := NewCheckpoint(s.startIndex, s.total, s.delay, r.now())
	if r.offset != nil {
		off := r.offset()
		cp.SpoolOffset = &off
	}
	return r.store.Save(cp)
}

// resume restores loop state from the checkpoint, creating one when none
// exists. An unreadable checkpoint is fatal unless the query asks for a
// restart.
func (r *Retriever) resume(q Query) (*session, error) {
	s := &session{delay: r.cfg.BaseDelay}

	var cp *Checkpoint
	if q.Restart {
		if err := r.store.Delete(); err != nil {
			return nil, err
		}
	} else {
		var err error
		if cp, err = r.store.Load(); err != nil {
			return nil, fmt.Errorf("cannot resume retrieval (use --restart to discard the checkpoint): %w", err)
		}
	}
	if cp == nil {
		if err := r.save(s); err != nil {
			return nil, fmt.Errorf("failed to create checkpoint: %w", err)
		}
		r.logger.Info("Starting fresh retrieval", zap.String("checkpoint", r.store.Path()))
		return s, nil
	}

	s.startIndex = cp.LastIndex
	s.total = cp.TotalRetrieved
	s.delay = min(max(cp.Delay(), r.cfg.BaseDelay), r.cfg.MaxDelay)
	r.logger.Info("Resuming retrieval from checkpoint",
		zap.Int("start_index", s.startIndex),
		zap.Int("total_retrieved", s.total),
		zap.Duration("delay", s.delay),
		zap.Time("saved_at", cp.Time()))
	return s, nil
}

// fetch issues one guarded page request. Every attempt waits on the limiter
// first. Each 429 inside the retry loop
// sleeps a throttle delay that grows by ThrottleFactor per response, on top
// of the retry manager's own backoff. A streak of ThrottleStreak 429s across
// requests doubles the baseline delay between pages.
func (r *Retriever) fetch(ctx context.Context, req clients.PageRequest, s *session) (*clients.CVEPage, error) {
	var page *clients.CVEPage
	throttle := max(s.delay, minThrottleDelay)

	err := r.guard.Do(ctx, "nvd.fetch_page", func(ctx context.Context) error {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		p, err := r.fetcher.FetchPage(ctx, req)
		if r.limiter != nil {
			r.limiter.Record(err)
		}
		if err == nil {
			s.streak = 0
			page = p
			return nil
		}
		if !faults.IsRateLimit(err) {
			return err
		}

		if r.metrics != nil {
			r.metrics.RateLimited.WithLabelValues(resourceNVD).Inc()
		}
		s.streak++
		if s.streak >= r.cfg.ThrottleStreak {
			s.streak = 0
			s.delay = min(doubleDelay(s.delay), r.cfg.MaxDelay)
			r.logger.Warn("Repeated rate limiting, slowing baseline pace",
				zap.Duration("delay", s.delay))
		}

		throttle = scaleDelay(throttle, r.cfg.ThrottleFactor, r.cfg.MaxDelay)
		wait := max(throttle, retryAfter(err))
		r.logger.Warn("Rate limited by catalog",
			zap.Int("start_index", req.StartIndex),
			zap.Duration("wait", wait))
		if sleepErr := r.sleep(ctx, wait); sleepErr != nil {
			return fmt.Errorf("%w: %w", sleepErr, err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

func scaleDelay(d time.Duration, factor float64, limit time.Duration) time.Duration {
	next := float64(d) * factor
	if next > float64(limit) || math.IsInf(next, 0) {
		return limit
	}
	return time.Duration(next)
}

func doubleDelay(d time.Duration) time.Duration {
	if d <= 0 {
		return minThrottleDelay
	}
	return d * 2
}

func retryAfter(err error) time.Duration {
	var fe *faults.Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
