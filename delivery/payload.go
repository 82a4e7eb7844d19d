package delivery

import (
	"encoding/json"
	"time"

	"github.com/perimetric/reporting/report"
)

// payloadItem is the wire form of one report in an upload body.
type payloadItem struct {
	Age       int64  `json:"age"`
	Type      string `json:"type"`
	URL       string `json:"url"`
	UserAgent string `json:"user_agent"`
	Body      any    `json:"body"`
}

// buildPayload serializes a batch into the upload body: a JSON array of
// report objects whose age is measured from queueing to now, in
// milliseconds.
func buildPayload(reports []*report.Report, now time.Time) ([]byte, error) {
	items := make([]payloadItem, 0, len(reports))
	for _, r := range reports {
		items = append(items, payloadItem{
			Age:       now.Sub(r.QueuedAt).Milliseconds(),
			Type:      r.Type,
			URL:       r.URL,
			UserAgent: r.UserAgent,
			Body:      r.Body,
		})
	}
	return json.Marshal(items)
}
