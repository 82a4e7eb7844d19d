// Package header turns the two endpoint-configuration wire formats — the
// legacy Report-To JSON header and the Reporting-Endpoints structured-
// fields header — into cache mutations.
//
// Parsing failures are silent drops throughout, per the protocol: a
// malformed group or endpoint disappears without affecting its siblings.
package header

import (
	"time"

	"github.com/tidwall/gjson"

	"github.com/perimetric/reporting/cache"
	"github.com/perimetric/reporting/endpoint"
	"github.com/perimetric/reporting/partition"
)

// Limits on the Report-To header, applied before any content is
// interpreted. The size limit covers the raw header value; the depth limit
// covers the bracket-wrapped document handed to the JSON parser.
const (
	MaxHeaderSize = 16 * 1024
	MaxJSONDepth  = 5
)

// EndpointSpec is one validated endpoint from a Report-To group object.
type EndpointSpec struct {
	URL      string
	Priority int
	Weight   int
}

// GroupSpec is one validated group object from a Report-To header. A spec
// with Delete set removes the named group instead of upserting it.
type GroupSpec struct {
	Name              string
	MaxAge            time.Duration
	Delete            bool
	IncludeSubdomains bool
	Endpoints         []EndpointSpec
}

// ParseReportTo validates a raw Report-To header value (a comma-joined
// JSON fragment) and extracts its group specs. The fragment is wrapped in
// brackets to form a JSON array before parsing. Returns ok=false when the
// header as a whole is unusable: too large, syntactically invalid, or
// nested too deep. Individually malformed groups and endpoints are
// dropped without failing the header.
func ParseReportTo(header string) ([]GroupSpec, bool) {
	if len(header) > MaxHeaderSize {
		return nil, false
	}

	wrapped := "[" + header + "]"
	if !gjson.Valid(wrapped) {
		return nil, false
	}
	if jsonDepth(wrapped) > MaxJSONDepth {
		return nil, false
	}

	var specs []GroupSpec
	gjson.Parse(wrapped).ForEach(func(_, el gjson.Result) bool {
		if spec, ok := parseGroup(el); ok {
			specs = append(specs, spec)
		}
		return true
	})
	return specs, true
}

// ApplyReportTo writes parsed group specs for an origin into the cache.
func ApplyReportTo(c *cache.Cache, part partition.Key, origin string, specs []GroupSpec, now time.Time) {
	for _, spec := range specs {
		if spec.Delete {
			c.RemoveEndpointGroup(origin, part, spec.Name)
			continue
		}
		eps := make([]endpoint.Endpoint, 0, len(spec.Endpoints))
		for _, es := range spec.Endpoints {
			eps = append(eps, endpoint.Endpoint{
				URL:      es.URL,
				Priority: es.Priority,
				Weight:   es.Weight,
			})
		}
		c.SetEndpointsForOrigin(origin, part, spec.Name, spec.IncludeSubdomains,
			now.Add(spec.MaxAge), eps)
	}
}

func parseGroup(el gjson.Result) (GroupSpec, bool) {
	if !el.IsObject() {
		return GroupSpec{}, false
	}

	spec := GroupSpec{Name: "default"}

	if name := el.Get("group"); name.Exists() {
		if name.Type != gjson.String {
			return GroupSpec{}, false
		}
		spec.Name = name.String()
	}

	if inc := el.Get("include_subdomains"); inc.Exists() {
		if inc.Type != gjson.True && inc.Type != gjson.False {
			return GroupSpec{}, false
		}
		spec.IncludeSubdomains = inc.Bool()
	}

	maxAge := el.Get("max_age")
	if !maxAge.Exists() || maxAge.Type != gjson.Number {
		return GroupSpec{}, false
	}
	seconds := maxAge.Int()
	if seconds < 0 || float64(seconds) != maxAge.Float() {
		return GroupSpec{}, false
	}
	if seconds == 0 {
		spec.Delete = true
		return spec, true
	}
	spec.MaxAge = time.Duration(seconds) * time.Second

	// A missing endpoints member is treated as an empty list; the group is
	// only deleted via max_age=0.
	if eps := el.Get("endpoints"); eps.Exists() {
		if !eps.IsArray() {
			return GroupSpec{}, false
		}
		eps.ForEach(func(_, epEl gjson.Result) bool {
			if es, ok := parseEndpoint(epEl); ok {
				spec.Endpoints = append(spec.Endpoints, es)
			}
			return true
		})
	}

	if len(spec.Endpoints) == 0 {
		return GroupSpec{}, false
	}
	return spec, true
}

func parseEndpoint(el gjson.Result) (EndpointSpec, bool) {
	if !el.IsObject() {
		return EndpointSpec{}, false
	}

	rawURL := el.Get("url")
	if rawURL.Type != gjson.String {
		return EndpointSpec{}, false
	}
	u, ok := parseEndpointURL(rawURL.String())
	if !ok {
		return EndpointSpec{}, false
	}

	es := EndpointSpec{
		URL:      u,
		Priority: endpoint.DefaultPriority,
		Weight:   endpoint.DefaultWeight,
	}

	if prio := el.Get("priority"); prio.Exists() {
		if prio.Type != gjson.Number || prio.Int() < 0 || float64(prio.Int()) != prio.Float() {
			return EndpointSpec{}, false
		}
		es.Priority = int(prio.Int())
	}

	if weight := el.Get("weight"); weight.Exists() {
		if weight.Type != gjson.Number || weight.Int() < 1 || float64(weight.Int()) != weight.Float() {
			return EndpointSpec{}, false
		}
		es.Weight = int(weight.Int())
	}

	return es, true
}

// jsonDepth returns the maximum container nesting of a JSON document,
// ignoring brackets inside strings.
func jsonDepth(s string) int {
	depth, maxDepth := 0, 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{', '[':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case '}', ']':
			depth--
		}
	}
	return maxDepth
}
