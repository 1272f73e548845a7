// Package pipeline wires retrieval, correlation and output into a run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ethanolivertroy/cvechain/internal/batch"
	"github.com/ethanolivertroy/cvechain/internal/cache"
	"github.com/ethanolivertroy/cvechain/internal/clients"
	"github.com/ethanolivertroy/cvechain/internal/correlation"
	"github.com/ethanolivertroy/cvechain/internal/faults"
	"github.com/ethanolivertroy/cvechain/internal/metrics"
	"github.com/ethanolivertroy/cvechain/internal/models"
	"github.com/ethanolivertroy/cvechain/internal/parsers"
	"github.com/ethanolivertroy/cvechain/internal/ratelimit"
	"github.com/ethanolivertroy/cvechain/internal/reporter"
	"github.com/ethanolivertroy/cvechain/internal/resilience"
	"github.com/ethanolivertroy/cvechain/internal/retrieval"
	"github.com/ethanolivertroy/cvechain/internal/taxonomy"
)

// Resource names shared by the limiter and breaker registries
const (
	ResourceNVD    = "nvd"
	ResourceD3FEND = "d3fend"
)

// DefenseFetcher looks up the defensive techniques for one attack technique
type DefenseFetcher interface {
	FetchDefenses(ctx context.Context, technique string) ([]string, error)
}

// Pipeline orchestrates a run. The cache, limiters and breakers it owns are
// shared by every stage.
type Pipeline struct {
	config  *models.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	runID   string

	cache    *cache.Cache
	limiters *ratelimit.Registry
	breakers *resilience.BreakerRegistry
	retry    *resilience.RetryManager

	nvd    retrieval.PageFetcher
	d3fend DefenseFetcher
	now    func() time.Time
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithRunID tags the summary with id
func WithRunID(id string) Option {
	return func(p *Pipeline) { p.runID = id }
}

// WithNVDFetcher replaces the catalog client
func WithNVDFetcher(f retrieval.PageFetcher) Option {
	return func(p *Pipeline) { p.nvd = f }
}

// WithDefenseFetcher replaces the D3FEND client
func WithDefenseFetcher(f DefenseFetcher) Option {
	return func(p *Pipeline) { p.d3fend = f }
}

// New creates a pipeline from a validated config. m may be nil.
func New(config *models.Config, logger *zap.Logger, m *metrics.Metrics, opts ...Option) *Pipeline {
	if m == nil {
		m = metrics.New()
	}

	p := &Pipeline{
		config:  config,
		logger:  logger,
		metrics: m,
		cache: cache.New(config.Cache.MaxSize, config.Cache.DefaultTTL,
			cache.WithObserver(m.CacheObserver())),
		limiters: ratelimit.NewRegistry(config.RateLimit),
		breakers: resilience.NewBreakerRegistry(
			resilience.BreakerConfigFrom(config.CircuitBreaker),
			logger,
			resilience.MetricsObserver{M: m}),
		retry: resilience.NewRetryManager(
			resilience.RetryConfigFrom(config.Retry),
			logger,
			resilience.OnRetry(func(op string) { m.Retries.WithLabelValues(op).Inc() })),
		nvd:    clients.NewNVDClient(config.NVD.BaseURL, config.NVD.APIKey, config.NVD.Timeout),
		d3fend: clients.NewD3FENDClient(config.D3FEND.BaseURL, config.D3FEND.Timeout),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Metrics returns the run's instruments
func (p *Pipeline) Metrics() *metrics.Metrics {
	return p.metrics
}

// Breakers returns the breaker registry, for status reporting
func (p *Pipeline) Breakers() *resilience.BreakerRegistry {
	return p.breakers
}

func (p *Pipeline) guard(resource string) *resilience.Guard {
	return resilience.NewGuard(p.retry, p.breakers.Get(resource))
}

// Retrieve pages through the catalog into the spool file, resuming from the
// checkpoint unless restart is set
func (p *Pipeline) Retrieve(ctx context.Context, restart bool) (retrieval.Result, error) {
	cfg := p.config.Retrieval
	store := retrieval.NewCheckpointStore(cfg.CheckpointPath)

	// Step 1: Open the spool, keeping earlier pages when resuming
	cp, cpErr := store.Load()
	resuming := !restart && (cp != nil || cpErr != nil)
	spool, err := reporter.OpenLines(cfg.SpoolPath, resuming)
	if err != nil {
		return retrieval.Result{}, fmt.Errorf("failed to open spool: %w", err)
	}
	defer spool.Close()

	// Pages spooled after the last checkpoint are fetched again on resume
	if cp != nil && resuming {
		if off, ok := cp.Offset(); ok {
			if err := spool.TruncateTo(off); err != nil {
				return retrieval.Result{}, fmt.Errorf("spool does not match checkpoint (use --restart): %w", err)
			}
		}
	}

	// Step 2: Build the loop around the shared limiter and guard
	r := retrieval.NewRetriever(p.nvd, store, retrieval.ConfigFrom(cfg), p.logger,
		retrieval.WithLimiter(p.limiters.Get(ResourceNVD)),
		retrieval.WithGuard(p.guard(ResourceNVD)),
		retrieval.WithSpoolOffset(spool.Committed),
		retrieval.WithMetrics(p.metrics))

	// Step 3: Spool every page before the checkpoint moves past it
	query := retrieval.Query{
		ResultsPerPage: p.config.NVD.ResultsPerPage,
		PubStartDate:   p.config.NVD.PubStartDate,
		PubEndDate:     p.config.NVD.PubEndDate,
		Restart:        restart,
	}
	res, err := r.Run(ctx, query, func(_ context.Context, page *clients.CVEPage) error {
		records, convErr := parsers.RecordsFromNVD(page.Vulnerabilities)
		for _, e := range multierr.Errors(convErr) {
			p.logger.Warn("Skipping catalog entry", zap.Int("start_index", page.StartIndex), zap.Error(e))
		}
		for _, rec := range records {
			if err := spool.Write(rec); err != nil {
				return err
			}
		}
		return spool.Sync()
	})
	if err != nil {
		return res, err
	}

	p.logger.Info("Retrieved catalog",
		zap.Int("records", res.RecordsRetrieved),
		zap.Int("total", res.TotalRetrieved),
		zap.String("spool", spool.Path()))
	return res, nil
}

// Correlate enriches every record of the input file and writes the output
// stream. Invalid lines and degraded records are counted in the summary,
// not returned as errors.
func (p *Pipeline) Correlate(ctx context.Context, inputPath string) (models.Summary, error) {
	summary := models.Summary{RunID: p.runID, Started: p.now()}

	// Step 1: Load taxonomy tables
	tables, err := taxonomy.LoadTables(p.config.Taxonomy)
	if err != nil {
		return summary, fmt.Errorf("failed to load taxonomy tables: %w", err)
	}
	p.logger.Info("Loaded taxonomy tables",
		zap.Int("weaknesses", tables.Weaknesses.Len()),
		zap.Int("attack_patterns", tables.AttackPatterns.Len()),
		zap.Int("techniques", tables.Techniques.Len()),
		zap.Int("risk_categories", tables.RiskCategories.Len()))

	// Step 2: Parse input records, skipping malformed lines
	records, err := parsers.ParseFile(inputPath)
	invalid, err := p.splitInputErrors(err)
	if err != nil {
		return summary, fmt.Errorf("failed to read input: %w", err)
	}
	summary.InputRecords = len(records) + invalid
	summary.InvalidRecords = invalid

	// Step 3: Correlate in chunks on the worker pool
	engine := correlation.NewEngine(tables, p.cache, p.logger, correlation.Options{
		ParentHops: p.config.Processing.ParentHops,
		ParentTTL:  p.config.Cache.ParentTTL,
		Metrics:    p.metrics,
	})
	proc := batch.New[models.CVERecord, correlation.Result](
		p.config.Processing.BatchSize, p.config.Processing.MaxWorkers, p.logger, p.metrics)
	results, stats := proc.Run(ctx, records, func(ctx context.Context, chunk []models.CVERecord) ([]correlation.Result, error) {
		return engine.CorrelateAll(ctx, chunk), nil
	})
	summary.FailedChunks = stats.FailedChunks
	if err := ctx.Err(); err != nil {
		return summary, fmt.Errorf("correlation interrupted, output left unchanged: %w", err)
	}

	// Step 4: Sort and write the output stream
	out := make([]models.EnrichedRecord, 0, len(results))
	for _, r := range results {
		if r.Degraded() {
			summary.DegradedRecords++
		}
		out = append(out, r.Record)
	}
	slices.SortStableFunc(out, func(a, b models.EnrichedRecord) int {
		return strings.Compare(a.CVE, b.CVE)
	})
	if err := reporter.WriteRecords(p.config.Output.Path, out); err != nil {
		return summary, fmt.Errorf("failed to write output: %w", err)
	}
	summary.OutputRecords = len(out)
	summary.OutputFile = p.config.Output.Path

	cs := p.cache.Stats()
	summary.CacheHits = cs.Hits
	summary.CacheMisses = cs.Misses
	summary.CacheEvictions = cs.Evictions
	summary.Duration = p.now().Sub(summary.Started)

	p.logger.Info("Correlation complete",
		zap.Int("records", summary.OutputRecords),
		zap.Int("degraded", summary.DegradedRecords),
		zap.Int("failed_chunks", summary.FailedChunks),
		zap.Float64("cache_hit_rate", cs.HitRate()))
	return summary, nil
}

// splitInputErrors separates per-line validation failures, which are logged
// and counted, from errors that make the input unusable
func (p *Pipeline) splitInputErrors(err error) (int, error) {
	if err == nil {
		return 0, nil
	}

	warn := rate.Sometimes{First: 10}
	invalid := 0
	var fatal error
	for _, e := range multierr.Errors(err) {
		if !faults.IsValidation(e) {
			fatal = multierr.Append(fatal, e)
			continue
		}
		invalid++
		warn.Do(func() {
			p.logger.Warn("Skipping invalid input record", zap.Error(e))
		})
	}
	if invalid > 0 {
		p.logger.Warn("Invalid input records skipped", zap.Int("count", invalid))
	}
	return invalid, fatal
}

// Run retrieves the catalog and correlates the spooled records
func (p *Pipeline) Run(ctx context.Context, restart bool) (models.Summary, error) {
	started := p.now()

	res, err := p.Retrieve(ctx, restart)
	if err != nil {
		return models.Summary{RunID: p.runID, Started: started}, fmt.Errorf("retrieval failed: %w", err)
	}

	summary, err := p.Correlate(ctx, p.config.Retrieval.SpoolPath)
	summary.Started = started
	summary.PagesFetched = res.PagesFetched
	summary.RecordsRetrieved = res.RecordsRetrieved
	summary.ResumedFrom = res.ResumedFrom
	summary.Duration = p.now().Sub(started)
	if err != nil {
		return summary, fmt.Errorf("correlation failed: %w", err)
	}
	return summary, nil
}

// SyncResult summarizes a defend-sync
type SyncResult struct {
	Techniques int
	Mapped     int
	Failed     int
}

// SyncDefenses refreshes the defensive techniques of every entry in the
// technique table from D3FEND and writes the table back. A technique whose
// lookup fails keeps its previous list. An open circuit aborts the sync
// without writing.
func (p *Pipeline) SyncDefenses(ctx context.Context) (SyncResult, error) {
	cfg := p.config.Taxonomy
	if cfg.TechniquesFile == "" {
		return SyncResult{}, errors.New("taxonomy.techniques_file is not set")
	}

	// Step 1: Load the current technique table
	schemes := taxonomy.SchemesFrom(cfg)
	scheme := schemes.Technique
	table, err := taxonomy.LoadTable(cfg.TechniquesFile, scheme)
	if err != nil {
		return SyncResult{}, err
	}

	// Step 2: Query D3FEND for each technique through the shared limiter and guard
	limiter := p.limiters.Get(ResourceD3FEND)
	guard := p.guard(ResourceD3FEND)
	res := SyncResult{Techniques: table.Len()}
	related := make(map[string][]string)

	for _, key := range table.Keys() {
		if err := limiter.Wait(ctx); err != nil {
			return res, err
		}

		technique := scheme.Canonical(key)
		var defenses []string
		err := guard.Do(ctx, "d3fend.fetch_defenses", func(ctx context.Context) error {
			ids, err := p.d3fend.FetchDefenses(ctx, technique)
			limiter.Record(err)
			defenses = ids
			return err
		})
		switch {
		case err == nil:
			related[key] = schemes.Defensive.Canonicalize(defenses)
			if len(defenses) > 0 {
				res.Mapped++
			}
		case faults.IsCircuitOpen(err), ctx.Err() != nil:
			return res, fmt.Errorf("defend-sync aborted at %s: %w", technique, err)
		default:
			res.Failed++
			p.logger.Warn("Failed to fetch defensive techniques",
				zap.String("technique", technique),
				zap.Error(err))
		}
	}

	// Step 3: Write the updated table atomically
	if err := taxonomy.SaveTable(cfg.TechniquesFile, table.WithRelated(related)); err != nil {
		return res, fmt.Errorf("failed to save technique table: %w", err)
	}
	p.logger.Info("Defensive techniques synced",
		zap.Int("techniques", res.Techniques),
		zap.Int("mapped", res.Mapped),
		zap.Int("failed", res.Failed))
	return res, nil
}
