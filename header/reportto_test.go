package header_test

import (
	"strings"
	"testing"
	"time"

	"github.com/perimetric/reporting/cache"
	"github.com/perimetric/reporting/clock"
	"github.com/perimetric/reporting/header"
	"github.com/perimetric/reporting/partition"
)

const groupHeader = `{"group":"g","max_age":3600,"endpoints":[{"url":"https://r.test/r"}]}`

func testCache() (*cache.Cache, *clock.FakeClock) {
	clk := clock.NewFake()
	c := cache.New(cache.Config{
		MaxReportCount:        100,
		MaxEndpointsPerOrigin: 40,
		MaxEndpointCount:      1000,
	}, clk, nil, nil)
	return c, clk
}

func TestParseReportToBasic(t *testing.T) {
	specs, ok := header.ParseReportTo(groupHeader)
	if !ok {
		t.Fatal("ParseReportTo rejected a valid header")
	}
	if len(specs) != 1 {
		t.Fatalf("got %d specs, want 1", len(specs))
	}
	spec := specs[0]
	if spec.Name != "g" || spec.Delete || spec.MaxAge != time.Hour {
		t.Errorf("spec = %+v", spec)
	}
	if len(spec.Endpoints) != 1 || spec.Endpoints[0].URL != "https://r.test/r" {
		t.Fatalf("endpoints = %+v", spec.Endpoints)
	}
	if spec.Endpoints[0].Priority != 1 || spec.Endpoints[0].Weight != 1 {
		t.Errorf("defaults = %+v, want priority 1 weight 1", spec.Endpoints[0])
	}
}

func TestParseReportToDefaults(t *testing.T) {
	specs, ok := header.ParseReportTo(`{"max_age":10,"endpoints":[{"url":"https://r.test/r","priority":3,"weight":7}]}`)
	if !ok || len(specs) != 1 {
		t.Fatalf("specs = %v, ok = %v", specs, ok)
	}
	if specs[0].Name != "default" {
		t.Errorf("name = %q, want \"default\"", specs[0].Name)
	}
	if specs[0].Endpoints[0].Priority != 3 || specs[0].Endpoints[0].Weight != 7 {
		t.Errorf("endpoint = %+v", specs[0].Endpoints[0])
	}
}

func TestParseReportToCommaJoinedGroups(t *testing.T) {
	specs, ok := header.ParseReportTo(groupHeader + `,{"group":"h","max_age":60,"endpoints":[{"url":"https://r2.test/r"}]}`)
	if !ok || len(specs) != 2 {
		t.Fatalf("got %d specs (ok=%v), want 2", len(specs), ok)
	}
}

func TestParseReportToSizeBoundary(t *testing.T) {
	// Pad with trailing spaces: still valid JSON after bracket wrapping.
	padded := groupHeader + strings.Repeat(" ", header.MaxHeaderSize-len(groupHeader))
	if len(padded) != header.MaxHeaderSize {
		t.Fatalf("padded to %d bytes, want %d", len(padded), header.MaxHeaderSize)
	}

	if _, ok := header.ParseReportTo(padded); !ok {
		t.Error("header of exactly MaxHeaderSize rejected")
	}
	if _, ok := header.ParseReportTo(padded + " "); ok {
		t.Error("header of MaxHeaderSize+1 accepted")
	}
}

func TestParseReportToDepthBoundary(t *testing.T) {
	// Wrapped in brackets, the accepted header nests exactly
	// MaxJSONDepth containers; one more level is rejected.
	depth5 := `{"max_age":3600,"endpoints":[{"url":"https://r.test/r"}],"pad":{"a":{"b":{"c":1}}}}`
	if _, ok := header.ParseReportTo(depth5); !ok {
		t.Error("depth-5 header rejected")
	}

	depth6 := `{"max_age":3600,"endpoints":[{"url":"https://r.test/r"}],"pad":{"a":{"b":{"c":{"d":1}}}}}`
	if _, ok := header.ParseReportTo(depth6); ok {
		t.Error("depth-6 header accepted")
	}
}

func TestParseReportToMalformed(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		wantOK    bool
		wantSpecs int
	}{
		{name: "not json", in: `{{{{`, wantOK: false},
		{name: "missing max_age drops group", in: `{"group":"g","endpoints":[{"url":"https://r.test/r"}]}`, wantOK: true},
		{name: "negative max_age drops group", in: `{"group":"g","max_age":-1,"endpoints":[{"url":"https://r.test/r"}]}`, wantOK: true},
		{name: "non-object group skipped", in: `17`, wantOK: true},
		{name: "non-string group name drops group", in: `{"group":7,"max_age":60,"endpoints":[{"url":"https://r.test/r"}]}`, wantOK: true},
		{name: "non-bool include_subdomains drops group", in: `{"group":"g","max_age":60,"include_subdomains":"yes","endpoints":[{"url":"https://r.test/r"}]}`, wantOK: true},
		{name: "insecure endpoint dropped, empty group dropped", in: `{"group":"g","max_age":60,"endpoints":[{"url":"http://r.test/r"}]}`, wantOK: true},
		{
			name:      "insecure endpoint dropped, group survives with the rest",
			in:        `{"group":"g","max_age":60,"endpoints":[{"url":"http://r.test/r"},{"url":"https://r.test/r"}]}`,
			wantOK:    true,
			wantSpecs: 1,
		},
		{name: "missing endpoints is empty list, group dropped", in: `{"group":"g","max_age":60}`, wantOK: true},
		{name: "zero weight drops endpoint", in: `{"group":"g","max_age":60,"endpoints":[{"url":"https://r.test/r","weight":0}]}`, wantOK: true},
		{name: "negative priority drops endpoint", in: `{"group":"g","max_age":60,"endpoints":[{"url":"https://r.test/r","priority":-1}]}`, wantOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			specs, ok := header.ParseReportTo(tt.in)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if len(specs) != tt.wantSpecs {
				t.Errorf("got %d specs, want %d", len(specs), tt.wantSpecs)
			}
		})
	}
}

func TestApplyReportToUpsertsGroup(t *testing.T) {
	c, clk := testCache()
	specs, _ := header.ParseReportTo(groupHeader)

	header.ApplyReportTo(c, partition.EmptyKey, "https://a.test", specs, clk.Now())
	if c.GroupCount() != 1 || c.EndpointCount() != 1 {
		t.Fatalf("groups = %d endpoints = %d, want 1/1", c.GroupCount(), c.EndpointCount())
	}

	// Identical reapplication is idempotent.
	header.ApplyReportTo(c, partition.EmptyKey, "https://a.test", specs, clk.Now())
	if c.GroupCount() != 1 || c.EndpointCount() != 1 {
		t.Fatalf("after reapply: groups = %d endpoints = %d, want 1/1", c.GroupCount(), c.EndpointCount())
	}
}

func TestApplyReportToMaxAgeZeroDeletes(t *testing.T) {
	c, clk := testCache()

	specs, _ := header.ParseReportTo(groupHeader)
	header.ApplyReportTo(c, partition.EmptyKey, "https://a.test", specs, clk.Now())

	deleteSpecs, _ := header.ParseReportTo(`{"group":"g","max_age":0}`)
	header.ApplyReportTo(c, partition.EmptyKey, "https://a.test", deleteSpecs, clk.Now())
	if c.GroupCount() != 0 {
		t.Fatalf("groups = %d after max_age=0, want 0", c.GroupCount())
	}
}

func TestApplyReportToDeleteNonexistentIsNoop(t *testing.T) {
	c, clk := testCache()

	deleteSpecs, ok := header.ParseReportTo(`{"group":"nope","max_age":0}`)
	if !ok || len(deleteSpecs) != 1 || !deleteSpecs[0].Delete {
		t.Fatalf("specs = %+v, ok = %v", deleteSpecs, ok)
	}
	header.ApplyReportTo(c, partition.EmptyKey, "https://a.test", deleteSpecs, clk.Now())
	if c.GroupCount() != 0 {
		t.Fatalf("groups = %d, want 0", c.GroupCount())
	}
}
