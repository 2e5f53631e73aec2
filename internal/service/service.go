package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"flight-deal-alerts/internal/alerting"
	"flight-deal-alerts/internal/auth"
	"flight-deal-alerts/internal/domain"
	"flight-deal-alerts/internal/fetcher"
	"flight-deal-alerts/internal/matcher"
	"flight-deal-alerts/internal/metrics"
	"flight-deal-alerts/internal/normalize"
	"flight-deal-alerts/internal/scheduler"
	"flight-deal-alerts/internal/storage"
)

// ErrCycleInProgress is returned when a cycle is requested while another one runs.
var ErrCycleInProgress = errors.New("monitoring cycle already in progress")

// ErrUnknownProvider marks alerts whose provider has no configured client.
var ErrUnknownProvider = errors.New("provider not configured")

const (
	outcomeInvalid    = "invalid"
	outcomeFailed     = "failed"
	outcomeUnmatched  = "unmatched"
	outcomeSuppressed = "suppressed"
	outcomeNotified   = "notified"
)

// Provider bundles the collaborators needed to query one fare provider.
type Provider struct {
	Name       string
	Tokens     auth.TokenSource
	Searcher   fetcher.Searcher
	Classifier matcher.Classifier
}

// Options tune a monitoring cycle.
type Options struct {
	BatchSize            int
	DueAfter             time.Duration
	Concurrency          int
	ProviderDelay        time.Duration
	MaxDealsPerAlert     int
	AdvisoryLockKey      int64
	CycleTimeout         time.Duration
	ObservationRetention time.Duration
	Retry                auth.RetryPolicy
	Now                  func() time.Time
}

// Deps are the orchestrator's collaborators. Observations, Locker and Metrics are optional.
type Deps struct {
	Alerts       storage.AlertRepository
	Providers    []Provider
	Normalizer   *normalize.Normalizer
	Gate         *alerting.Gate
	Sink         alerting.Sink
	Observations storage.ObservationStore
	Locker       storage.AdvisoryLocker
	Metrics      *metrics.Metrics
}

type providerRuntime struct {
	Provider
	matcher *matcher.Matcher
	limiter *rate.Limiter
}

// Orchestrator runs monitoring cycles over due alerts.
type Orchestrator struct {
	opts      Options
	alerts    storage.AlertRepository
	providers map[string]*providerRuntime
	normalize *normalize.Normalizer
	gate      *alerting.Gate
	sink      alerting.Sink
	observe   storage.ObservationStore
	locker    storage.AdvisoryLocker
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time

	running atomic.Bool
	mu      sync.RWMutex
	last    *domain.CycleReport
}

// New constructs the orchestrator.
func New(opts Options, deps Deps, logger zerolog.Logger) (*Orchestrator, error) {
	if deps.Alerts == nil {
		return nil, fmt.Errorf("alert repository is required")
	}
	if deps.Normalizer == nil || deps.Gate == nil || deps.Sink == nil {
		return nil, fmt.Errorf("normalizer, gate and sink are required")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = auth.DefaultRetryPolicy()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	o := &Orchestrator{
		opts:      opts,
		alerts:    deps.Alerts,
		providers: make(map[string]*providerRuntime, len(deps.Providers)),
		normalize: deps.Normalizer,
		gate:      deps.Gate,
		sink:      deps.Sink,
		observe:   deps.Observations,
		locker:    deps.Locker,
		metrics:   deps.Metrics,
		logger:    logger.With().Str("component", "orchestrator").Logger(),
		now:       now,
	}

	limit := rate.Inf
	if opts.ProviderDelay > 0 {
		limit = rate.Every(opts.ProviderDelay)
	}
	for _, p := range deps.Providers {
		if p.Name == "" || p.Tokens == nil || p.Searcher == nil || p.Classifier == nil {
			return nil, fmt.Errorf("provider %q is incomplete", p.Name)
		}
		if _, dup := o.providers[p.Name]; dup {
			return nil, fmt.Errorf("provider %q registered twice", p.Name)
		}
		o.providers[p.Name] = &providerRuntime{
			Provider: p,
			matcher:  matcher.New(p.Classifier, matcher.Options{Limit: opts.MaxDealsPerAlert, Now: now}),
			limiter:  rate.NewLimiter(limit, 1),
		}
	}
	return o, nil
}

// Run drives cycles from the scheduler until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, sched *scheduler.Scheduler) error {
	if sched == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return sched.Run(ctx, o.ProcessTick)
}

// ProcessTick 执行一次调度触发的监控周期。
// A cycle that has started is allowed to finish even if ctx is cancelled for shutdown.
func (o *Orchestrator) ProcessTick(ctx context.Context, tick time.Time) error {
	cycleCtx := context.WithoutCancel(ctx)
	if o.opts.CycleTimeout > 0 {
		var cancel context.CancelFunc
		cycleCtx, cancel = context.WithTimeout(cycleCtx, o.opts.CycleTimeout)
		defer cancel()
	}

	_, err := o.RunCycle(cycleCtx)
	if errors.Is(err, ErrCycleInProgress) {
		o.logger.Info().Time("tick", tick).Msg("skip tick because a cycle is still running")
		return nil
	}
	return err
}

// RunCycle checks every due alert once. Per-alert failures are counted in the
// report; only loading alerts or taking the lock can fail the cycle.
func (o *Orchestrator) RunCycle(ctx context.Context) (domain.CycleReport, error) {
	if !o.running.CompareAndSwap(false, true) {
		o.metrics.ObserveCycle(domain.CycleReport{}, "skipped")
		return domain.CycleReport{}, ErrCycleInProgress
	}
	defer o.running.Store(false)

	unlock, proceed, err := o.acquireLock(ctx)
	if err != nil {
		o.metrics.ObserveCycle(domain.CycleReport{}, "failed")
		return domain.CycleReport{}, err
	}
	if !proceed {
		o.metrics.ObserveCycle(domain.CycleReport{}, "skipped")
		return domain.CycleReport{}, fmt.Errorf("%w: advisory lock held elsewhere", ErrCycleInProgress)
	}
	if unlock != nil {
		defer unlock()
	}

	report := domain.CycleReport{StartedAt: o.now()}
	alerts, err := o.alerts.ListDueAlerts(ctx, report.StartedAt.Add(-o.opts.DueAfter), o.opts.BatchSize)
	if err != nil {
		o.metrics.ObserveCycle(report, "failed")
		return report, fmt.Errorf("list due alerts: %w", err)
	}

	t := &tally{}
	var partitions errgroup.Group
	for _, batch := range partitionByProvider(alerts) {
		batch := batch
		partitions.Go(func() error {
			o.runPartition(ctx, batch, t)
			return nil
		})
	}
	_ = partitions.Wait()

	t.fill(&report)
	report.FinishedAt = o.now()
	o.pruneObservations(ctx)

	o.mu.Lock()
	o.last = &report
	o.mu.Unlock()

	o.metrics.ObserveCycle(report, "completed")
	o.logger.Info().
		Int("checked", report.Checked).
		Int("matched", report.Matched).
		Int("notified", report.Notified).
		Int("suppressed", report.Suppressed).
		Int("failed", report.Failed).
		Int("invalid", report.Invalid).
		Dur("duration", report.Duration()).
		Msg("cycle finished")
	return report, nil
}

// LastReport returns the most recent completed cycle, if any.
func (o *Orchestrator) LastReport() (domain.CycleReport, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.last == nil {
		return domain.CycleReport{}, false
	}
	return *o.last, true
}

// InProgress reports whether a cycle is currently running.
func (o *Orchestrator) InProgress() bool {
	return o.running.Load()
}

func (o *Orchestrator) runPartition(ctx context.Context, batch partition, t *tally) {
	rt := o.providers[batch.provider]

	var g errgroup.Group
	g.SetLimit(o.opts.Concurrency)
	for _, alert := range batch.alerts {
		alert := alert
		g.Go(func() error {
			res := o.processAlert(ctx, rt, alert)
			o.markChecked(ctx, alert)
			t.add(res)
			o.metrics.ObserveAlert(alert.Provider, res.outcome)
			return nil
		})
	}
	_ = g.Wait()
}

type alertResult struct {
	outcome string
	matched bool
}

func (o *Orchestrator) processAlert(ctx context.Context, rt *providerRuntime, alert domain.Alert) alertResult {
	log := o.logger.With().Int64("alert_id", alert.ID).Str("provider", alert.Provider).Logger()

	if err := alert.Validate(); err != nil {
		log.Warn().Err(err).Str("error_kind", domain.Kind(err)).Msg("skip invalid alert")
		return alertResult{outcome: outcomeInvalid}
	}
	if rt == nil {
		log.Error().Err(ErrUnknownProvider).Str("error_kind", domain.Kind(ErrUnknownProvider)).Msg("alert check failed")
		return alertResult{outcome: outcomeFailed}
	}

	fail := func(err error, stage string) alertResult {
		log.Error().Err(err).Str("error_kind", domain.Kind(err)).Str("stage", stage).Msg("alert check failed")
		return alertResult{outcome: outcomeFailed}
	}

	req := fetcher.NewSearchRequest(alert, o.now())
	var raw fetcher.RawResponse
	err := o.opts.Retry.Do(ctx, rt.Tokens, func(ctx context.Context, token string) error {
		if err := rt.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: wait for provider slot: %w", domain.ErrNetwork, err)
		}
		var searchErr error
		raw, searchErr = rt.Searcher.Search(ctx, req, token)
		return searchErr
	})
	if err != nil {
		return fail(err, "search")
	}

	result, err := o.normalize.Normalize(raw)
	if err != nil {
		return fail(err, "normalize")
	}
	o.metrics.ObserveOffers(alert.Provider, len(result.Offers), result.Dropped)
	o.recordObservations(ctx, log, alert, rt, result.Offers)

	deals := rt.matcher.Match(alert, result.Offers)
	if len(deals) == 0 {
		log.Debug().Int("offers", len(result.Offers)).Msg("no matching offers")
		return alertResult{outcome: outcomeUnmatched}
	}

	notify, err := o.gate.Check(ctx, deals[0])
	if err != nil {
		res := fail(err, "gate")
		res.matched = true
		return res
	}
	if !notify {
		o.metrics.ObserveDecision(alert.Provider, outcomeSuppressed)
		log.Debug().Str("offer", deals[0].Offer.Fingerprint()).Msg("deal suppressed by cooldown")
		return alertResult{outcome: outcomeSuppressed, matched: true}
	}

	if err := o.sink.Deliver(ctx, alert.OwnerID, deals); err != nil {
		o.metrics.ObserveDecision(alert.Provider, "delivery_failed")
		res := fail(err, "deliver")
		res.matched = true
		return res
	}
	o.metrics.ObserveDecision(alert.Provider, outcomeNotified)

	// the message is already out; a lost record only risks one duplicate next cycle
	if err := o.gate.Record(ctx, deals[0]); err != nil {
		log.Error().Err(err).Msg("failed to record notification history")
	}

	log.Info().Int("deals", len(deals)).Str("offer", deals[0].Offer.Fingerprint()).Msg("deal notified")
	return alertResult{outcome: outcomeNotified, matched: true}
}

func (o *Orchestrator) recordObservations(ctx context.Context, log zerolog.Logger, alert domain.Alert, rt *providerRuntime, offers []domain.NormalizedOffer) {
	if o.observe == nil || len(offers) == 0 {
		return
	}
	at := o.now()
	observations := make([]storage.OfferObservation, 0, len(offers))
	for _, offer := range offers {
		observations = append(observations, storage.NewObservation(alert.ID, offer, rt.Classifier.IsPromo(offer), at))
	}
	if err := o.observe.InsertObservations(ctx, observations); err != nil {
		log.Warn().Err(err).Int("offers", len(observations)).Msg("failed to record offer observations")
	}
}

func (o *Orchestrator) markChecked(ctx context.Context, alert domain.Alert) {
	if err := o.alerts.MarkChecked(ctx, alert.ID, o.now()); err != nil {
		o.logger.Error().Err(err).Int64("alert_id", alert.ID).Str("provider", alert.Provider).Msg("failed to mark alert checked")
	}
}

func (o *Orchestrator) pruneObservations(ctx context.Context) {
	if o.observe == nil || o.opts.ObservationRetention <= 0 {
		return
	}
	removed, err := o.observe.DeleteObservationsBefore(ctx, o.now().Add(-o.opts.ObservationRetention))
	if err != nil {
		o.logger.Warn().Err(err).Msg("failed to prune offer observations")
		return
	}
	if removed > 0 {
		o.logger.Debug().Int64("removed", removed).Msg("pruned offer observations")
	}
}

func (o *Orchestrator) acquireLock(ctx context.Context) (func(), bool, error) {
	if o.opts.AdvisoryLockKey == 0 || o.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := o.locker.TryAdvisoryLock(ctx, o.opts.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

type partition struct {
	provider string
	alerts   []domain.Alert
}

// partitionByProvider keeps the repository order inside each provider.
func partitionByProvider(alerts []domain.Alert) []partition {
	index := make(map[string]int)
	var out []partition
	for _, a := range alerts {
		i, ok := index[a.Provider]
		if !ok {
			i = len(out)
			index[a.Provider] = i
			out = append(out, partition{provider: a.Provider})
		}
		out[i].alerts = append(out[i].alerts, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].provider < out[j].provider })
	return out
}

type tally struct {
	mu     sync.Mutex
	counts map[string]int
	match  int
}

func (t *tally) add(res alertResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.counts == nil {
		t.counts = make(map[string]int)
	}
	t.counts[res.outcome]++
	if res.matched {
		t.match++
	}
}

func (t *tally) fill(r *domain.CycleReport) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range t.counts {
		r.Checked += n
	}
	r.Matched = t.match
	r.Notified = t.counts[outcomeNotified]
	r.Suppressed = t.counts[outcomeSuppressed]
	r.Failed = t.counts[outcomeFailed]
	r.Invalid = t.counts[outcomeInvalid]
}
