package reporting

import (
	"log/slog"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/perimetric/reporting/clock"
	"github.com/perimetric/reporting/delivery"
	"github.com/perimetric/reporting/observability"
	"github.com/perimetric/reporting/store"
)

// Option configures a Service instance.
type Option func(*Service) error

// WithPolicy replaces the default policy.
func WithPolicy(p Policy) Option {
	return func(s *Service) error {
		s.policy = p
		return nil
	}
}

// WithStore sets the persistent client store. Without a store, endpoint
// configuration lives only in memory and the service initializes
// immediately.
func WithStore(st store.Store) Option {
	return func(s *Service) error {
		s.st = st
		return nil
	}
}

// WithUploader replaces the default HTTP uploader.
func WithUploader(u delivery.Uploader) Option {
	return func(s *Service) error {
		s.uploader = u
		return nil
	}
}

// WithDelegate sets the embedder policy consulted before queueing a
// report. The default allows every origin.
func WithDelegate(d Delegate) Option {
	return func(s *Service) error {
		s.delegate = d
		return nil
	}
}

// WithClock replaces the wall clock, for tests.
func WithClock(clk clock.Clock) Option {
	return func(s *Service) error {
		s.clk = clk
		return nil
	}
}

// WithLogger sets the structured logger for the Service instance.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) error {
		s.logger = logger
		return nil
	}
}

// WithTracer enables OpenTelemetry spans on uploads.
func WithTracer(t *observability.Tracer) Option {
	return func(s *Service) error {
		s.tracer = t
		return nil
	}
}

// WithMetrics enables Prometheus instruments.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) error {
		s.metrics = m
		return nil
	}
}

// WithRespectPartitionKey controls whether inbound partition keys are
// honored. When disabled, every public call substitutes the empty
// partition key, collapsing all state for an origin into one bucket.
// Enabled by default.
func WithRespectPartitionKey(respect bool) Option {
	return func(s *Service) error {
		s.respectPartitionKey = respect
		return nil
	}
}

// WithReportSchema registers a JSON Schema for a report type. Reports of
// that type whose body fails validation are dropped at QueueReport.
func WithReportSchema(reportType string, schema *jsonschema.Schema) Option {
	return func(s *Service) error {
		s.schemas[reportType] = schema
		return nil
	}
}
