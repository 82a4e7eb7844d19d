package reporting

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/perimetric/reporting/cache"
	"github.com/perimetric/reporting/clock"
	"github.com/perimetric/reporting/delivery"
	"github.com/perimetric/reporting/endpoint"
	"github.com/perimetric/reporting/header"
	"github.com/perimetric/reporting/id"
	"github.com/perimetric/reporting/observability"
	"github.com/perimetric/reporting/partition"
	"github.com/perimetric/reporting/report"
	"github.com/perimetric/reporting/store"
)

// Delegate is the embedder policy consulted before a report is queued.
type Delegate interface {
	// CanQueueReport decides whether reports from the given origin are
	// accepted. A denial drops the report silently.
	CanQueueReport(origin string) bool
}

type allowAllDelegate struct{}

func (allowAllDelegate) CanQueueReport(string) bool { return true }

// Service is the public entry point of the reporting core.
//
// When a persistent store is configured, the first mutating call triggers
// an asynchronous load of the client snapshot; until the load completes,
// mutating operations are queued into a FIFO backlog and replayed in
// ingress order. Shutdown during the load discards the backlog.
type Service struct {
	policy              Policy
	respectPartitionKey bool
	logger              *slog.Logger
	clk                 clock.Clock
	st                  store.Store
	uploader            delivery.Uploader
	delegate            Delegate
	tracer              *observability.Tracer
	metrics             *observability.Metrics
	schemas             map[string]*jsonschema.Schema

	cache *cache.Cache
	agent *delivery.Agent

	mu             sync.Mutex
	shutDown       bool
	initialized    bool
	startedLoading bool
	backlog        []func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Service with the given options and starts its delivery
// and garbage-collection timers.
func New(opts ...Option) (*Service, error) {
	s := &Service{
		policy:              DefaultPolicy(),
		respectPartitionKey: true,
		logger:              slog.Default(),
		clk:                 clock.Real(),
		delegate:            allowAllDelegate{},
		schemas:             make(map[string]*jsonschema.Schema),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if err := s.policy.validate(); err != nil {
		return nil, err
	}
	if s.uploader == nil {
		s.uploader = delivery.NewHTTPUploader(30 * time.Second)
	}

	// Without persisted clients there is nothing to load: the service is
	// usable immediately.
	s.initialized = s.st == nil || !s.policy.PersistClientsAcrossRestarts

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wireComponents()
	s.agent.Start(s.ctx)
	s.startGarbageCollector()

	return s, nil
}

// wireComponents initializes the internal components after options have
// been applied.
func (s *Service) wireComponents() {
	s.cache = cache.New(cache.Config{
		MaxReportCount:        s.policy.MaxReportCount,
		MaxEndpointsPerOrigin: s.policy.MaxEndpointsPerOrigin,
		MaxEndpointCount:      s.policy.MaxEndpointCount,
		MaxReportAge:          s.policy.MaxReportAge,
		MaxReportAttempts:     s.policy.MaxReportAttempts,
		MaxGroupStaleness:     s.policy.MaxGroupStaleness,
		PersistClients:        s.policy.PersistClientsAcrossRestarts,
	}, s.clk, s.st, s.logger)

	s.agent = delivery.NewAgent(s.cache, s.uploader, delivery.Config{
		Interval:          s.policy.DeliveryInterval,
		MaxReportAttempts: s.policy.MaxReportAttempts,
		BackoffInitial:    s.policy.EndpointBackoffInitial,
		BackoffMax:        s.policy.EndpointBackoffMax,
		MaxUploadRate:     s.policy.MaxUploadRatePerEndpoint,
		Metrics:           s.metrics,
		Tracer:            s.tracer,
	}, s.clk, s.logger)
}

func (s *Service) startGarbageCollector() {
	ticker := s.clk.NewTicker(s.policy.GarbageCollectionInterval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.cache.CollectGarbage()
			}
		}
	}()
}

// QueueReport accepts a report for the given URL. The URL is reduced to
// its origin; reports the delegate rejects, reports with an invalid URL,
// and report bodies failing a registered schema are dropped silently. The
// queued-at tick is recorded before backlog gating so replay preserves
// chronological age.
func (s *Service) QueueReport(rawURL string, source uuid.UUID, key partition.Key, userAgent, group, reportType string, body any, depth int) {
	origin, sanitized, err := report.SanitizeURL(rawURL)
	if err != nil {
		return
	}
	if !s.delegate.CanQueueReport(origin) {
		return
	}
	if schema, ok := s.schemas[reportType]; ok {
		if err := schema.Validate(body); err != nil {
			s.logger.Debug("report body failed schema validation",
				"type", reportType, "origin", origin)
			return
		}
	}

	r := &report.Report{
		ID:        id.NewReportID(),
		Source:    source,
		Partition: s.fixKey(key),
		URL:       sanitized,
		UserAgent: userAgent,
		Group:     group,
		Type:      reportType,
		Body:      body,
		Depth:     depth,
		QueuedAt:  s.clk.Now(),
	}

	s.doOrBacklog(func() {
		s.cache.AddReport(r)
		s.metrics.RecordQueued()
	})
}

// ProcessReportToHeader ingests a Report-To header received for a URL.
// The value is size-limited and parsed up front — a header too large,
// syntactically invalid, or nested too deep never reaches the backlog.
func (s *Service) ProcessReportToHeader(rawURL string, key partition.Key, value string) {
	origin, _, err := report.SanitizeURL(rawURL)
	if err != nil {
		return
	}
	specs, ok := header.ParseReportTo(value)
	if !ok {
		return
	}

	fixed := s.fixKey(key)
	s.doOrBacklog(func() {
		header.ApplyReportTo(s.cache, fixed, origin, specs, s.clk.Now())
	})
}

// SetDocumentReportingEndpoints installs a document's Reporting-Endpoints
// (V1) configuration under its reporting source. An empty source is
// rejected silently.
func (s *Service) SetDocumentReportingEndpoints(source uuid.UUID, rawOrigin string, isolation endpoint.IsolationInfo, endpoints map[string]string) {
	if source == uuid.Nil {
		return
	}
	origin, _, err := report.SanitizeURL(rawOrigin)
	if err != nil {
		return
	}

	key := s.fixKey(isolation.PartitionKey())
	s.doOrBacklog(func() {
		header.ProcessReportingEndpoints(s.cache, source, isolation, key, origin, endpoints)
	})
}

// SendReportsAndRemoveSource flushes all reports of a reporting source
// immediately, bypassing the delivery cadence, and tombstones the source:
// no new deliveries are scheduled for it, and its clients are dropped
// once the remaining reports drain.
func (s *Service) SendReportsAndRemoveSource(source uuid.UUID) {
	if source == uuid.Nil {
		return
	}
	s.mu.Lock()
	if s.shutDown {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.agent.SendReportsForSource(s.ctx, source)
	s.cache.SetExpiredSource(source)
}

// RemoveBrowsingData deletes reports and/or clients whose origin matches
// the predicate, per the mask.
func (s *Service) RemoveBrowsingData(mask cache.DataType, originMatches func(origin string) bool) {
	s.doOrBacklog(func() {
		s.cache.RemoveBrowsingData(mask, originMatches)
	})
}

// RemoveAllBrowsingData deletes all reports and/or clients per the mask.
func (s *Service) RemoveAllBrowsingData(mask cache.DataType) {
	s.doOrBacklog(func() {
		s.cache.RemoveAllBrowsingData(mask)
	})
}

// OnNetworkChanged clears endpoint configuration unless the policy
// persists clients across network changes.
func (s *Service) OnNetworkChanged() {
	if s.policy.PersistClientsAcrossNetworkChanges {
		return
	}
	s.RemoveAllBrowsingData(cache.DataTypeClients)
}

// Flush writes dirty clients to the store.
func (s *Service) Flush() error {
	s.mu.Lock()
	if s.shutDown {
		s.mu.Unlock()
		return ErrShutDown
	}
	s.mu.Unlock()
	return s.cache.Flush(s.ctx)
}

// OnShutdown terminates the service: the backlog is discarded, in-flight
// uploads are abandoned with their reports left pending, and — when a
// store is configured and the load completed — dirty clients are flushed.
// Subsequent calls are no-ops.
func (s *Service) OnShutdown() {
	s.mu.Lock()
	if s.shutDown {
		s.mu.Unlock()
		return
	}
	s.shutDown = true
	s.backlog = nil
	flush := s.initialized && s.st != nil && s.policy.PersistClientsAcrossRestarts
	s.mu.Unlock()

	if flush {
		if err := s.cache.Flush(context.Background()); err != nil {
			s.logger.Error("flush on shutdown failed", "error", err)
		}
	}

	s.cancel()
	s.agent.Stop()
	s.wg.Wait()
}

// StatusAsValue returns a JSON-shaped snapshot of clients and reports for
// introspection.
func (s *Service) StatusAsValue() map[string]any {
	return map[string]any{
		"reportingEnabled": true,
		"clients":          s.cache.ClientsAsValue(),
		"reports":          s.cache.ReportsAsValue(),
	}
}

// GetReports returns all live reports, oldest first.
func (s *Service) GetReports() []*report.Report {
	return s.cache.GetReports()
}

// Policy returns the service policy.
func (s *Service) Policy() Policy { return s.policy }

// AddCacheObserver registers an observer for report and client updates.
func (s *Service) AddCacheObserver(o cache.Observer) { s.cache.AddObserver(o) }

// RemoveCacheObserver unregisters an observer.
func (s *Service) RemoveCacheObserver(o cache.Observer) { s.cache.RemoveObserver(o) }

// doOrBacklog runs a mutating operation, deferring it while the store
// snapshot is still loading and dropping it after shutdown.
func (s *Service) doOrBacklog(op func()) {
	s.mu.Lock()
	if s.shutDown {
		s.mu.Unlock()
		return
	}
	s.startLoadingLocked()
	if !s.initialized {
		s.backlog = append(s.backlog, op)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	op()
}

func (s *Service) startLoadingLocked() {
	if s.st == nil || !s.policy.PersistClientsAcrossRestarts || s.startedLoading {
		return
	}
	s.startedLoading = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		endpoints, groups, err := s.st.LoadClients(s.ctx)
		s.onClientsLoaded(endpoints, groups, err)
	}()
}

func (s *Service) onClientsLoaded(endpoints []*endpoint.Endpoint, groups []*endpoint.Group, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutDown {
		s.backlog = nil
		return
	}

	if err != nil {
		s.logger.Error("client store load failed", "error", err)
	} else {
		s.cache.AddClientsLoaded(endpoints, groups)
	}

	// Replay deferred operations in ingress order. The service lock is
	// held so operations racing in during the drain queue behind it.
	s.initialized = true
	for _, op := range s.backlog {
		op()
	}
	s.backlog = nil
}

// fixKey applies the partition-key policy to an inbound key.
func (s *Service) fixKey(key partition.Key) partition.Key {
	if s.respectPartitionKey {
		return key
	}
	return partition.EmptyKey
}
