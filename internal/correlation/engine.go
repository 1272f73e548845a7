// Package correlation walks the taxonomy graph for each CVE:
// weakness -> attack pattern -> technique -> defensive technique, plus
// weakness -> risk category.
package correlation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ethanolivertroy/cvechain/internal/cache"
	"github.com/ethanolivertroy/cvechain/internal/faults"
	"github.com/ethanolivertroy/cvechain/internal/metrics"
	"github.com/ethanolivertroy/cvechain/internal/models"
	"github.com/ethanolivertroy/cvechain/internal/taxonomy"
)

// Tier names used in errors and logs
const (
	TierWeaknesses     = "weaknesses"
	TierAttackPatterns = "attack_patterns"
	TierTechniques     = "techniques"
	TierDefensive      = "defensive_techniques"
	TierRiskCategories = "risk_categories"
)

// Options tunes an Engine
type Options struct {
	ParentHops int           // direct-parent passes in the weakness closure
	ParentTTL  time.Duration // cache TTL of parent and technique lookups
	Metrics    *metrics.Metrics
}

// Result is the outcome for one CVE. Err is non-nil when Record is partial.
type Result struct {
	Record models.EnrichedRecord
	Err    error
}

// Degraded reports whether the record is a partial result
func (r Result) Degraded() bool {
	return r.Err != nil
}

// Engine correlates CVE records against read-only taxonomy tables.
// It is safe for concurrent use; the cache is shared between callers.
type Engine struct {
	tables *taxonomy.Tables
	cache  *cache.Cache
	logger *zap.Logger
	opts   Options
}

// NewEngine creates an engine. The tables must not be modified afterwards.
func NewEngine(tables *taxonomy.Tables, c *cache.Cache, logger *zap.Logger, opts Options) *Engine {
	if opts.ParentHops < 1 {
		opts.ParentHops = 1
	}
	if opts.ParentTTL <= 0 {
		opts.ParentTTL = cache.DefaultTTL
	}
	if c == nil {
		c = cache.New(cache.DefaultMaxSize, opts.ParentTTL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{tables: tables, cache: c, logger: logger, opts: opts}
}

// Correlate computes every tier for rec. A tier failure never escapes: the
// record keeps the tiers completed so far, the input weaknesses if the first
// tier failed, and empty sets for the rest.
func (e *Engine) Correlate(ctx context.Context, rec models.CVERecord) Result {
	schemes := e.tables.Schemes
	input := schemes.Weakness.Canonicalize(rec.WeaknessIDs)

	out := models.EnrichedRecord{
		CVE:                 rec.ID,
		Weaknesses:          models.NewIDSet(input...),
		AttackPatterns:      models.IDSet{},
		Techniques:          models.IDSet{},
		DefensiveTechniques: models.IDSet{},
		RiskCategories:      models.IDSet{},
	}
	e.count(func(m *metrics.Metrics) { m.CorrelatedRecords.Inc() })

	if err := ctx.Err(); err != nil {
		return e.degraded(out, "", err)
	}

	weaknesses, err := runTier(TierWeaknesses, func() (models.IDSet, error) {
		return e.weaknessClosure(input)
	})
	if err != nil {
		return e.degraded(out, TierWeaknesses, err)
	}
	out.Weaknesses = weaknesses

	attackPatterns, err := runTier(TierAttackPatterns, func() (models.IDSet, error) {
		return e.expand(weaknesses, e.tables.Weaknesses, schemes.AttackPattern), nil
	})
	if err != nil {
		return e.degraded(out, TierAttackPatterns, err)
	}
	out.AttackPatterns = attackPatterns

	techniques, err := runTier(TierTechniques, func() (models.IDSet, error) {
		return e.techniques(rec.ID, attackPatterns)
	})
	if err != nil {
		return e.degraded(out, TierTechniques, err)
	}
	out.Techniques = techniques

	defensive, err := runTier(TierDefensive, func() (models.IDSet, error) {
		return e.expand(techniques, e.tables.Techniques, schemes.Defensive), nil
	})
	if err != nil {
		return e.degraded(out, TierDefensive, err)
	}
	out.DefensiveTechniques = defensive

	// risk looks at the weakness closure, not the derived techniques
	risk, err := runTier(TierRiskCategories, func() (models.IDSet, error) {
		var ids []string
		for _, w := range weaknesses {
			ids = append(ids, e.tables.RiskCategoriesFor(w)...)
		}
		return models.NewIDSet(schemes.RiskCategory.Canonicalize(ids)...), nil
	})
	if err != nil {
		return e.degraded(out, TierRiskCategories, err)
	}
	out.RiskCategories = risk

	return Result{Record: out}
}

// CorrelateAll correlates records in order. Cancellation marks the
// remaining records degraded rather than dropping them.
func (e *Engine) CorrelateAll(ctx context.Context, records []models.CVERecord) []Result {
	results := make([]Result, len(records))
	for i, rec := range records {
		results[i] = e.Correlate(ctx, rec)
	}
	return results
}

// runTier runs fn, converting errors and panics into processing errors
func runTier(tier string, fn func() (models.IDSet, error)) (set models.IDSet, err error) {
	defer func() {
		if r := recover(); r != nil {
			set = nil
			err = faults.Processing("correlation."+tier, fmt.Errorf("panic: %v", r))
		}
	}()

	set, err = fn()
	if err != nil {
		return nil, faults.Processing("correlation."+tier, err)
	}
	return set, nil
}

func (e *Engine) degraded(out models.EnrichedRecord, tier string, err error) Result {
	e.logger.Warn("Correlation degraded to partial record",
		zap.String("cve", out.CVE),
		zap.String("tier", tier),
		zap.Error(err),
	)
	e.count(func(m *metrics.Metrics) { m.DegradedRecords.Inc() })
	return Result{Record: out, Err: err}
}

// weaknessClosure unions in direct parents, one hop per pass
func (e *Engine) weaknessClosure(input []string) (models.IDSet, error) {
	seen := make(map[string]bool, len(input))
	all := make([]string, 0, len(input))
	for _, id := range input {
		if !seen[id] {
			seen[id] = true
			all = append(all, id)
		}
	}

	frontier := all
	for hop := 0; hop < e.opts.ParentHops && len(frontier) > 0; hop++ {
		var next []string
		for _, id := range frontier {
			parents, err := e.parents(id)
			if err != nil {
				return nil, err
			}
			for _, p := range parents {
				if !seen[p] {
					seen[p] = true
					next = append(next, p)
				}
			}
		}
		all = append(all, next...)
		frontier = next
	}
	return models.NewIDSet(all...), nil
}

// parents returns the canonical direct parents of a weakness, memoized under
// its normalized id so every prefix form shares one entry
func (e *Engine) parents(id string) ([]string, error) {
	scheme := e.tables.Schemes.Weakness
	key := "parents:" + scheme.Normalize(id)

	v, err := e.cache.GetOrCompute(key, e.opts.ParentTTL, func() (any, error) {
		return scheme.Canonicalize(e.tables.Weaknesses.Parents(id)), nil
	})
	if err != nil {
		return nil, err
	}
	parents, ok := v.([]string)
	if !ok {
		return nil, fmt.Errorf("cache entry %s holds %T", key, v)
	}
	return parents, nil
}

// expand unions the Related ids of every member of ids in table
func (e *Engine) expand(ids models.IDSet, table *taxonomy.Table, target taxonomy.Scheme) models.IDSet {
	var out []string
	for _, id := range ids {
		out = append(out, target.Canonicalize(table.Related(id))...)
	}
	return models.NewIDSet(out...)
}

// techniques maps attack patterns to techniques from their annotation and
// Related list. Malformed annotation entries are skipped and logged once per
// cache lifetime.
func (e *Engine) techniques(cve string, attackPatterns models.IDSet) (models.IDSet, error) {
	apScheme := e.tables.Schemes.AttackPattern
	techScheme := e.tables.Schemes.Technique

	var out []string
	for _, ap := range attackPatterns {
		key := "techniques:" + apScheme.Normalize(ap)
		v, err := e.cache.GetOrCompute(key, e.opts.ParentTTL, func() (any, error) {
			rec, ok := e.tables.AttackPatterns.Lookup(ap)
			if !ok {
				return []string{}, nil
			}
			ids, perr := taxonomy.ParseTechniques(rec.Annotation, techScheme)
			if perr != nil {
				skipped := multierr.Errors(perr)
				e.logger.Warn("Skipped malformed technique annotation entries",
					zap.String("cve", cve),
					zap.String("attack_pattern", ap),
					zap.Int("skipped", len(skipped)),
					zap.Error(perr),
				)
				e.count(func(m *metrics.Metrics) { m.SkippedAnnotations.Add(float64(len(skipped))) })
			}
			return append(ids, techScheme.Canonicalize(rec.Related)...), nil
		})
		if err != nil {
			return nil, err
		}
		ids, ok := v.([]string)
		if !ok {
			return nil, fmt.Errorf("cache entry %s holds %T", key, v)
		}
		out = append(out, ids...)
	}
	return models.NewIDSet(out...), nil
}

func (e *Engine) count(fn func(m *metrics.Metrics)) {
	if e.opts.Metrics != nil {
		fn(e.opts.Metrics)
	}
}
