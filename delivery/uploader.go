// Package delivery drives batched report uploads: it sweeps the cache on a
// timer, selects endpoints, and applies retry, backoff, and 410 removal.
package delivery

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/perimetric/reporting/partition"
)

// ContentType is the media type of report upload payloads.
const ContentType = "application/reports+json"

// Outcome classifies the result of one upload attempt.
type Outcome int

const (
	// OutcomeSuccess means the endpoint accepted the payload (2xx).
	OutcomeSuccess Outcome = iota

	// OutcomeRemoveEndpoint means the endpoint asked to be forgotten
	// (410 Gone).
	OutcomeRemoveEndpoint

	// OutcomeFailure covers everything else: network errors, timeouts,
	// and non-2xx responses other than 410.
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRemoveEndpoint:
		return "remove_endpoint"
	default:
		return "failure"
	}
}

// Uploader POSTs a serialized report payload to an endpoint URL within a
// network partition and classifies the outcome. Implementations own the
// payload buffer only for the duration of the request.
type Uploader interface {
	Upload(ctx context.Context, endpointURL string, payload []byte, key partition.Key) Outcome
}

// HTTPUploader delivers payloads over plain HTTP POST. It presents no
// credentials; any partition-scoped connection state is the transport's
// concern.
type HTTPUploader struct {
	client *http.Client
}

// NewHTTPUploader creates an uploader with the given per-attempt timeout.
// A zero timeout means no client-side timeout; the delivery agent then
// relies on context cancellation alone.
func NewHTTPUploader(timeout time.Duration) *HTTPUploader {
	return &HTTPUploader{
		client: &http.Client{Timeout: timeout},
	}
}

// Upload POSTs the payload and maps the response status to an outcome.
func (u *HTTPUploader) Upload(ctx context.Context, endpointURL string, payload []byte, _ partition.Key) Outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(payload))
	if err != nil {
		return OutcomeFailure
	}
	req.Header.Set("Content-Type", ContentType)

	resp, err := u.client.Do(req)
	if err != nil {
		return OutcomeFailure
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return OutcomeSuccess
	case resp.StatusCode == http.StatusGone:
		return OutcomeRemoveEndpoint
	default:
		return OutcomeFailure
	}
}
