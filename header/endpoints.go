package header

import (
	"fmt"

	"github.com/dunglas/httpsfv"
	"github.com/google/uuid"

	"github.com/perimetric/reporting/cache"
	"github.com/perimetric/reporting/endpoint"
	"github.com/perimetric/reporting/partition"
)

// ParseReportingEndpoints parses a raw Reporting-Endpoints header value, a
// structured-fields dictionary of name="url" members. Members whose value
// is not a string item are skipped; a dictionary that does not parse at
// all is an error.
func ParseReportingEndpoints(value string) (map[string]string, error) {
	dict, err := httpsfv.UnmarshalDictionary([]string{value})
	if err != nil {
		return nil, fmt.Errorf("header: parse reporting-endpoints: %w", err)
	}

	out := make(map[string]string)
	for _, name := range dict.Names() {
		member, ok := dict.Get(name)
		if !ok {
			continue
		}
		item, ok := member.(httpsfv.Item)
		if !ok {
			continue
		}
		s, ok := item.Value.(string)
		if !ok {
			continue
		}
		out[name] = s
	}
	return out, nil
}

// ProcessReportingEndpoints validates a document's name→url endpoint map
// and installs it in the cache under the reporting source. Endpoints whose
// URL is not potentially trustworthy are dropped; an empty source or an
// empty surviving map installs nothing.
func ProcessReportingEndpoints(c *cache.Cache, source uuid.UUID, isolation endpoint.IsolationInfo, part partition.Key, origin string, endpoints map[string]string) {
	if source == uuid.Nil {
		return
	}

	valid := make(map[string]string, len(endpoints))
	for name, raw := range endpoints {
		if u, ok := parseEndpointURL(raw); ok {
			valid[name] = u
		}
	}
	if len(valid) == 0 {
		return
	}

	c.SetDocumentEndpoints(source, isolation, part, origin, valid)
}
