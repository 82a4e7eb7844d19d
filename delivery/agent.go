package delivery

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"

	"github.com/perimetric/reporting/cache"
	"github.com/perimetric/reporting/clock"
	"github.com/perimetric/reporting/endpoint"
	"github.com/perimetric/reporting/observability"
	"github.com/perimetric/reporting/ratelimit"
	"github.com/perimetric/reporting/report"
)

// Config holds agent configuration, mapped from the service policy.
type Config struct {
	// Interval is the delivery tick period.
	Interval time.Duration

	// MaxReportAttempts is the number of failed uploads after which a
	// report is dropped.
	MaxReportAttempts int

	// BackoffInitial and BackoffMax bound the per-endpoint exponential
	// backoff applied after failures.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// MaxUploadRate is the per-endpoint upload quota in uploads per
	// second. 0 means unlimited.
	MaxUploadRate int

	// Metrics and Tracer are optional instrumentation.
	Metrics *observability.Metrics
	Tracer  *observability.Tracer

	// RandInt overrides the random source for weighted endpoint
	// selection. Tests inject a deterministic function; nil uses
	// math/rand.
	RandInt func(n int) int
}

// Agent sweeps the cache on a timer and drives uploads. At most one
// upload is in flight per endpoint group at any time.
type Agent struct {
	cache    *cache.Cache
	uploader Uploader
	clk      clock.Clock
	cfg      Config
	logger   *slog.Logger
	limiter  *ratelimit.Limiter
	backoff  *Backoff
	randInt  func(n int) int

	mu       sync.Mutex
	inflight map[endpoint.GroupKey]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAgent creates a delivery agent. The uploader may be nil, in which
// case ticks select nothing and reports stay queued.
func NewAgent(c *cache.Cache, uploader Uploader, cfg Config, clk clock.Clock, logger *slog.Logger) *Agent {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	randInt := cfg.RandInt
	if randInt == nil {
		randInt = rand.Intn
	}
	return &Agent{
		cache:    c,
		uploader: uploader,
		clk:      clk,
		cfg:      cfg,
		logger:   logger,
		limiter:  ratelimit.New(clk),
		backoff:  NewBackoff(cfg.BackoffInitial, cfg.BackoffMax),
		randInt:  randInt,
		inflight: make(map[endpoint.GroupKey]struct{}),
	}
}

// Start begins the delivery timer.
func (a *Agent) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	ticker := a.clk.NewTicker(a.cfg.Interval)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.Tick(ctx)
			}
		}
	}()
}

// Stop cancels the timer and abandons in-flight uploads; their reports
// remain pending and their completion callbacks are absorbed.
func (a *Agent) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

// Tick runs one delivery sweep: it partitions deliverable reports by
// endpoint group and commits an upload for each group that is idle, under
// quota, and past its backoff window.
func (a *Agent) Tick(ctx context.Context) {
	if a.uploader == nil {
		return
	}
	for _, batch := range a.cache.GetReportsToDeliver() {
		a.deliver(ctx, batch, false)
	}
}

// SendReportsForSource flushes all reports of a reporting source
// immediately, bypassing the delivery cadence, quotas, and backoff. The
// one-upload-per-group invariant still holds.
func (a *Agent) SendReportsForSource(ctx context.Context, source uuid.UUID) {
	if a.uploader == nil {
		return
	}
	for _, batch := range a.cache.GetReportsForSource(source) {
		a.deliver(ctx, batch, true)
	}
}

func (a *Agent) deliver(ctx context.Context, batch cache.Batch, force bool) {
	a.mu.Lock()
	if _, busy := a.inflight[batch.Key]; busy {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	eps := a.cache.EndpointsForDelivery(batch.Key)
	if len(eps) == 0 {
		return
	}

	now := a.clk.Now()
	ep := a.chooseEndpoint(eps, now, force)
	if ep == nil {
		return
	}
	if !force && !a.limiter.Allow(ep.URL, a.cfg.MaxUploadRate) {
		return
	}

	a.mu.Lock()
	if _, busy := a.inflight[batch.Key]; busy {
		a.mu.Unlock()
		return
	}
	a.inflight[batch.Key] = struct{}{}
	a.mu.Unlock()

	a.cache.MarkPending(batch.Reports)
	a.cache.IncrementAttempts(batch.Reports)
	a.cache.MarkEndpointUsed(batch.Key, ep.URL)

	payload, err := buildPayload(batch.Reports, now)
	if err != nil {
		a.mu.Lock()
		delete(a.inflight, batch.Key)
		a.mu.Unlock()
		a.cache.ClearPending(batch.Reports)
		a.logger.ErrorContext(ctx, "serialize payload failed",
			"group", batch.Key.String(), "error", err)
		return
	}

	a.cfg.Metrics.AddPending(len(batch.Reports))

	a.wg.Add(1)
	go a.upload(ctx, batch, ep.URL, payload)
}

func (a *Agent) upload(ctx context.Context, batch cache.Batch, endpointURL string, payload []byte) {
	defer a.wg.Done()

	var span trace.Span
	if a.cfg.Tracer != nil {
		ctx, span = a.cfg.Tracer.StartUploadSpan(ctx, endpointURL, batch.Key.String(), len(batch.Reports))
	}

	start := a.clk.Now()
	outcome := a.uploader.Upload(ctx, endpointURL, payload, batch.Partition)
	latency := a.clk.Now().Sub(start)

	if span != nil {
		a.cfg.Tracer.EndUploadSpan(span, outcome.String())
	}

	// Shutdown absorbs completions: the reports stay pending and no cache
	// or store state is touched.
	if ctx.Err() != nil {
		return
	}

	a.cfg.Metrics.RecordUpload(outcome.String(), latency.Seconds())
	a.cfg.Metrics.AddPending(-len(batch.Reports))

	a.onComplete(ctx, batch, endpointURL, outcome)
}

func (a *Agent) onComplete(ctx context.Context, batch cache.Batch, endpointURL string, outcome Outcome) {
	a.mu.Lock()
	delete(a.inflight, batch.Key)
	a.mu.Unlock()

	switch outcome {
	case OutcomeSuccess:
		a.backoff.RecordSuccess(endpointURL)
		a.cache.RecordUploadOutcome(batch.Key, endpointURL, true, len(batch.Reports))
		a.cache.RemoveReports(batch.Reports)
		a.logger.DebugContext(ctx, "batch delivered",
			"group", batch.Key.String(), "endpoint", endpointURL, "reports", len(batch.Reports))

	case OutcomeRemoveEndpoint:
		a.backoff.Forget(endpointURL)
		a.limiter.Reset(endpointURL)
		a.cache.RecordUploadOutcome(batch.Key, endpointURL, false, len(batch.Reports))
		a.cache.RemoveEndpoint(batch.Key, endpointURL)
		a.cache.ClearPending(batch.Reports)
		a.logger.DebugContext(ctx, "endpoint removed (410)",
			"group", batch.Key.String(), "endpoint", endpointURL)

	case OutcomeFailure:
		a.backoff.RecordFailure(endpointURL, a.clk.Now())
		a.cache.RecordUploadOutcome(batch.Key, endpointURL, false, len(batch.Reports))

		var exhausted, retry []*report.Report
		for _, r := range batch.Reports {
			if r.Attempts >= a.cfg.MaxReportAttempts {
				exhausted = append(exhausted, r)
			} else {
				retry = append(retry, r)
			}
		}
		if len(exhausted) > 0 {
			a.cache.RemoveReports(exhausted)
			a.logger.WarnContext(ctx, "reports dropped after max attempts",
				"group", batch.Key.String(), "endpoint", endpointURL, "reports", len(exhausted))
		}
		if len(retry) > 0 {
			a.cache.ClearPending(retry)
		}
	}
}

// chooseEndpoint picks an upload target: the lowest-priority-value band
// among endpoints whose backoff window has elapsed, then weighted random
// within the band.
func (a *Agent) chooseEndpoint(eps []*endpoint.Endpoint, now time.Time, force bool) *endpoint.Endpoint {
	var ready []*endpoint.Endpoint
	for _, ep := range eps {
		if force || a.backoff.Ready(ep.URL, now) {
			ready = append(ready, ep)
		}
	}
	if len(ready) == 0 {
		return nil
	}

	best := ready[0].Priority
	for _, ep := range ready[1:] {
		if ep.Priority < best {
			best = ep.Priority
		}
	}

	var band []*endpoint.Endpoint
	totalWeight := 0
	for _, ep := range ready {
		if ep.Priority == best {
			band = append(band, ep)
			totalWeight += ep.Weight
		}
	}
	if totalWeight <= 0 {
		return band[0]
	}

	pick := a.randInt(totalWeight)
	for _, ep := range band {
		pick -= ep.Weight
		if pick < 0 {
			return ep
		}
	}
	return band[len(band)-1]
}
