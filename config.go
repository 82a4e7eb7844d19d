package reporting

import "time"

// Policy holds the immutable tunable limits of a reporting Service.
type Policy struct {
	// MaxReportCount caps the number of queued reports. Ingress past the
	// cap evicts the oldest report rather than rejecting.
	MaxReportCount int

	// MaxReportAge is how long an undelivered report survives before
	// garbage collection drops it.
	MaxReportAge time.Duration

	// MaxReportAttempts is the number of failed uploads after which a
	// report is dropped.
	MaxReportAttempts int

	// MaxEndpointsPerOrigin caps both the endpoints configured by one
	// origin and the endpoints of one group.
	MaxEndpointsPerOrigin int

	// MaxEndpointCount caps endpoints across the whole cache.
	MaxEndpointCount int

	// MaxGroupStaleness is how long an unused endpoint group survives
	// before garbage collection drops it.
	MaxGroupStaleness time.Duration

	// DeliveryInterval is the delivery tick period.
	DeliveryInterval time.Duration

	// GarbageCollectionInterval is the GC tick period.
	GarbageCollectionInterval time.Duration

	// EndpointBackoffInitial and EndpointBackoffMax bound the
	// per-endpoint exponential backoff applied after upload failures.
	EndpointBackoffInitial time.Duration
	EndpointBackoffMax     time.Duration

	// MaxUploadRatePerEndpoint is the per-endpoint upload quota in
	// uploads per second. 0 means unlimited.
	MaxUploadRatePerEndpoint int

	// PersistReportsAcrossRestarts is reserved for embedders that
	// persist report bodies themselves; the core never writes reports to
	// the store.
	PersistReportsAcrossRestarts bool

	// PersistClientsAcrossRestarts enables loading and flushing endpoint
	// configuration through the configured store.
	PersistClientsAcrossRestarts bool

	// PersistClientsAcrossNetworkChanges keeps endpoint configuration
	// when OnNetworkChanged fires; when unset, clients are cleared.
	PersistClientsAcrossNetworkChanges bool
}

// DefaultPolicy returns the standard limits.
func DefaultPolicy() Policy {
	return Policy{
		MaxReportCount:               100,
		MaxReportAge:                 15 * time.Minute,
		MaxReportAttempts:            5,
		MaxEndpointsPerOrigin:        40,
		MaxEndpointCount:             1000,
		MaxGroupStaleness:            7 * 24 * time.Hour,
		DeliveryInterval:             time.Minute,
		GarbageCollectionInterval:    5 * time.Minute,
		EndpointBackoffInitial:       time.Minute,
		EndpointBackoffMax:           time.Hour,
		MaxUploadRatePerEndpoint:     0,
		PersistClientsAcrossRestarts: true,
	}
}

func (p Policy) validate() error {
	switch {
	case p.MaxReportCount <= 0,
		p.MaxReportAttempts <= 0,
		p.MaxEndpointsPerOrigin <= 0,
		p.MaxEndpointCount <= 0,
		p.DeliveryInterval <= 0,
		p.GarbageCollectionInterval <= 0:
		return ErrInvalidPolicy
	}
	return nil
}
