package delivery_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/perimetric/reporting/cache"
	"github.com/perimetric/reporting/clock"
	"github.com/perimetric/reporting/delivery"
	"github.com/perimetric/reporting/endpoint"
	"github.com/perimetric/reporting/partition"
	"github.com/perimetric/reporting/report"
)

// stubUploader records uploads and returns scripted outcomes.
type stubUploader struct {
	mu       sync.Mutex
	uploads  []stubUpload
	outcomes []delivery.Outcome // consumed in order; last one repeats
	block    chan struct{}      // when set, Upload waits until closed
}

type stubUpload struct {
	url       string
	payload   []byte
	partition partition.Key
}

func (u *stubUploader) Upload(_ context.Context, endpointURL string, payload []byte, key partition.Key) delivery.Outcome {
	if u.block != nil {
		<-u.block
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.uploads = append(u.uploads, stubUpload{url: endpointURL, payload: payload, partition: key})
	if len(u.outcomes) == 0 {
		return delivery.OutcomeSuccess
	}
	out := u.outcomes[0]
	if len(u.outcomes) > 1 {
		u.outcomes = u.outcomes[1:]
	}
	return out
}

func (u *stubUploader) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.uploads)
}

func (u *stubUploader) upload(i int) stubUpload {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.uploads[i]
}

func setupAgent(t *testing.T, up delivery.Uploader, cfg delivery.Config) (*cache.Cache, *delivery.Agent, *clock.FakeClock) {
	t.Helper()

	clk := clock.NewFake()
	c := cache.New(cache.Config{
		MaxReportCount:        100,
		MaxEndpointsPerOrigin: 40,
		MaxEndpointCount:      1000,
	}, clk, nil, nil)

	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MaxReportAttempts == 0 {
		cfg.MaxReportAttempts = 3
	}
	if cfg.BackoffInitial == 0 {
		cfg.BackoffInitial = time.Minute
		cfg.BackoffMax = time.Hour
	}
	if cfg.RandInt == nil {
		cfg.RandInt = func(int) int { return 0 }
	}

	agent := delivery.NewAgent(c, up, cfg, clk, nil)
	return c, agent, clk
}

func queueFor(c *cache.Cache, clk *clock.FakeClock, origin, group string) *report.Report {
	r := &report.Report{
		URL:       origin + "/",
		UserAgent: "ua",
		Group:     group,
		Type:      "t",
		Body:      map[string]any{"k": "v"},
		QueuedAt:  clk.Now(),
	}
	c.AddReport(r)
	return r
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTickDeliversBatch(t *testing.T) {
	up := &stubUploader{}
	c, agent, clk := setupAgent(t, up, delivery.Config{})

	c.SetEndpointsForOrigin("https://a.test", partition.EmptyKey, "g", false,
		clk.Now().Add(time.Hour), []endpoint.Endpoint{{URL: "https://r.test/r", Priority: 1, Weight: 1}})
	queueFor(c, clk, "https://a.test", "g")
	clk.Advance(2 * time.Second)

	agent.Tick(context.Background())
	waitFor(t, func() bool { return up.count() == 1 })

	got := up.upload(0)
	if got.url != "https://r.test/r" {
		t.Errorf("uploaded to %q, want https://r.test/r", got.url)
	}

	var items []map[string]any
	if err := json.Unmarshal(got.payload, &items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("payload has %d items, want 1", len(items))
	}
	if items[0]["url"] != "https://a.test/" {
		t.Errorf("payload url = %v, want https://a.test/", items[0]["url"])
	}
	if items[0]["age"].(float64) != 2000 {
		t.Errorf("payload age = %v ms, want 2000", items[0]["age"])
	}
	if items[0]["user_agent"] != "ua" {
		t.Errorf("payload user_agent = %v", items[0]["user_agent"])
	}

	// Delivered reports are gone and are never uploaded again.
	waitFor(t, func() bool { return c.ReportCount() == 0 })
	agent.Tick(context.Background())
	time.Sleep(20 * time.Millisecond)
	if up.count() != 1 {
		t.Errorf("delivered report re-uploaded: %d uploads", up.count())
	}
}

func TestGoneRemovesEndpointAndFallsBack(t *testing.T) {
	up := &stubUploader{outcomes: []delivery.Outcome{delivery.OutcomeRemoveEndpoint, delivery.OutcomeSuccess}}
	c, agent, clk := setupAgent(t, up, delivery.Config{})

	c.SetEndpointsForOrigin("https://a.test", partition.EmptyKey, "g", false,
		clk.Now().Add(time.Hour), []endpoint.Endpoint{
			{URL: "https://e1.test/r", Priority: 1, Weight: 1},
			{URL: "https://e2.test/r", Priority: 2, Weight: 1},
		})
	queueFor(c, clk, "https://a.test", "g")

	// First tick prefers the priority-1 endpoint; it answers 410.
	agent.Tick(context.Background())
	waitFor(t, func() bool { return up.count() == 1 })
	if up.upload(0).url != "https://e1.test/r" {
		t.Fatalf("first upload to %q, want e1", up.upload(0).url)
	}
	waitFor(t, func() bool {
		eps := c.EndpointsForDelivery(endpoint.GroupKey{Origin: "https://a.test", Group: "g"})
		return len(eps) == 1 && eps[0].URL == "https://e2.test/r"
	})

	// The report went back to queued with its attempt count intact and
	// delivers through the surviving endpoint.
	agent.Tick(context.Background())
	waitFor(t, func() bool { return up.count() == 2 })
	if up.upload(1).url != "https://e2.test/r" {
		t.Errorf("second upload to %q, want e2", up.upload(1).url)
	}
	waitFor(t, func() bool { return c.ReportCount() == 0 })
}

func TestFailureRequeuesWithBackoff(t *testing.T) {
	up := &stubUploader{outcomes: []delivery.Outcome{delivery.OutcomeFailure, delivery.OutcomeSuccess}}
	c, agent, clk := setupAgent(t, up, delivery.Config{MaxReportAttempts: 3})

	c.SetEndpointsForOrigin("https://a.test", partition.EmptyKey, "g", false,
		clk.Now().Add(time.Hour), []endpoint.Endpoint{{URL: "https://r.test/r", Priority: 1, Weight: 1}})
	r := queueFor(c, clk, "https://a.test", "g")

	agent.Tick(context.Background())
	waitFor(t, func() bool { return up.count() == 1 })
	waitFor(t, func() bool { return r.Status == report.StatusQueued })
	if r.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", r.Attempts)
	}

	// Within the backoff window the endpoint is skipped.
	agent.Tick(context.Background())
	time.Sleep(20 * time.Millisecond)
	if up.count() != 1 {
		t.Fatalf("upload attempted during backoff window")
	}

	// Past the window the report delivers.
	clk.Advance(2 * time.Minute)
	agent.Tick(context.Background())
	waitFor(t, func() bool { return up.count() == 2 })
	waitFor(t, func() bool { return c.ReportCount() == 0 })
}

func TestMaxAttemptsDropsReport(t *testing.T) {
	up := &stubUploader{outcomes: []delivery.Outcome{delivery.OutcomeFailure}}
	c, agent, clk := setupAgent(t, up, delivery.Config{MaxReportAttempts: 2})

	c.SetEndpointsForOrigin("https://a.test", partition.EmptyKey, "g", false,
		clk.Now().Add(time.Hour), []endpoint.Endpoint{{URL: "https://r.test/r", Priority: 1, Weight: 1}})
	r := queueFor(c, clk, "https://a.test", "g")

	// First failure: one attempt left, the report stays.
	agent.Tick(context.Background())
	waitFor(t, func() bool { return up.count() == 1 })
	waitFor(t, func() bool { return r.Status == report.StatusQueued })
	if c.ReportCount() != 1 {
		t.Fatal("report dropped before max attempts")
	}

	// Second failure reaches MaxReportAttempts: the report is dropped.
	clk.Advance(2 * time.Minute)
	agent.Tick(context.Background())
	waitFor(t, func() bool { return up.count() == 2 })
	waitFor(t, func() bool { return c.ReportCount() == 0 })
}

func TestOneUploadPerGroupInFlight(t *testing.T) {
	up := &stubUploader{block: make(chan struct{})}
	c, agent, clk := setupAgent(t, up, delivery.Config{})

	c.SetEndpointsForOrigin("https://a.test", partition.EmptyKey, "g", false,
		clk.Now().Add(time.Hour), []endpoint.Endpoint{{URL: "https://r.test/r", Priority: 1, Weight: 1}})
	queueFor(c, clk, "https://a.test", "g")

	agent.Tick(context.Background())

	// A second sweep while the first upload is in flight must not start
	// another upload for the same group; the new report waits.
	queueFor(c, clk, "https://a.test", "g")
	agent.Tick(context.Background())

	close(up.block)
	waitFor(t, func() bool { return up.count() == 1 })
	time.Sleep(20 * time.Millisecond)
	if got := up.count(); got != 1 {
		t.Fatalf("%d uploads in flight for one group, want 1", got)
	}
}

func TestWeightedSelectionWithinPriorityBand(t *testing.T) {
	// RandInt returns 3: with weights 2 and 5 in the band, the pick lands
	// in the second endpoint's range.
	up := &stubUploader{}
	c, agent, clk := setupAgent(t, up, delivery.Config{RandInt: func(int) int { return 3 }})

	c.SetEndpointsForOrigin("https://a.test", partition.EmptyKey, "g", false,
		clk.Now().Add(time.Hour), []endpoint.Endpoint{
			{URL: "https://w2.test/r", Priority: 1, Weight: 2},
			{URL: "https://w5.test/r", Priority: 1, Weight: 5},
			{URL: "https://low.test/r", Priority: 9, Weight: 100}, // outside the band
		})
	queueFor(c, clk, "https://a.test", "g")

	agent.Tick(context.Background())
	waitFor(t, func() bool { return up.count() == 1 })
	if got := up.upload(0).url; got != "https://w5.test/r" {
		t.Errorf("selected %q, want the weight-5 endpoint", got)
	}
}

func TestUploadCarriesGroupPartition(t *testing.T) {
	up := &stubUploader{}
	c, agent, clk := setupAgent(t, up, delivery.Config{})

	c.SetEndpointsForOrigin("https://a.test", partition.Key("pk1"), "g", false,
		clk.Now().Add(time.Hour), []endpoint.Endpoint{{URL: "https://r.test/r", Priority: 1, Weight: 1}})
	r := &report.Report{
		URL:       "https://a.test/",
		UserAgent: "ua",
		Group:     "g",
		Type:      "t",
		Partition: partition.Key("pk1"),
		QueuedAt:  clk.Now(),
	}
	c.AddReport(r)

	agent.Tick(context.Background())
	waitFor(t, func() bool { return up.count() == 1 })
	if got := up.upload(0).partition; got != partition.Key("pk1") {
		t.Errorf("upload partition = %q, want pk1", got)
	}
}

// V1 deliveries run in the network partition of the document that
// configured the endpoints, even though source-keyed group keys carry no
// partition themselves.
func TestSourceUploadCarriesDocumentPartition(t *testing.T) {
	up := &stubUploader{}
	c, agent, clk := setupAgent(t, up, delivery.Config{})
	source := uuid.New()

	docPartition := partition.Key("https://top.test https://top.test")
	c.SetDocumentEndpoints(source, endpoint.IsolationInfo{TopFrameOrigin: "https://top.test", FrameOrigin: "https://top.test"},
		docPartition, "https://a.test", map[string]string{"g": "https://r.test/r"})

	r := &report.Report{
		Source:    source,
		URL:       "https://a.test/",
		UserAgent: "ua",
		Group:     "g",
		Type:      "t",
		QueuedAt:  clk.Now(),
	}
	c.AddReport(r)

	agent.Tick(context.Background())
	waitFor(t, func() bool { return up.count() == 1 })
	if got := up.upload(0).partition; got != docPartition {
		t.Errorf("upload partition = %q, want the document's partition %q", got, docPartition)
	}
}

func TestHTTPUploaderOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   delivery.Outcome
	}{
		{name: "200", status: http.StatusOK, want: delivery.OutcomeSuccess},
		{name: "204", status: http.StatusNoContent, want: delivery.OutcomeSuccess},
		{name: "410", status: http.StatusGone, want: delivery.OutcomeRemoveEndpoint},
		{name: "404", status: http.StatusNotFound, want: delivery.OutcomeFailure},
		{name: "500", status: http.StatusInternalServerError, want: delivery.OutcomeFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotContentType string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotContentType = r.Header.Get("Content-Type")
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			up := delivery.NewHTTPUploader(5 * time.Second)
			got := up.Upload(context.Background(), srv.URL, []byte(`[]`), partition.EmptyKey)
			if got != tt.want {
				t.Errorf("outcome = %v, want %v", got, tt.want)
			}
			if gotContentType != delivery.ContentType {
				t.Errorf("content type = %q, want %q", gotContentType, delivery.ContentType)
			}
		})
	}
}

func TestShutdownAbandonsInFlight(t *testing.T) {
	up := &stubUploader{block: make(chan struct{})}
	c, agent, clk := setupAgent(t, up, delivery.Config{Interval: time.Minute})

	c.SetEndpointsForOrigin("https://a.test", partition.EmptyKey, "g", false,
		clk.Now().Add(time.Hour), []endpoint.Endpoint{{URL: "https://r.test/r", Priority: 1, Weight: 1}})
	r := queueFor(c, clk, "https://a.test", "g")

	ctx, cancel := context.WithCancel(context.Background())
	agent.Tick(ctx)
	waitFor(t, func() bool { return r.Status == report.StatusPending })

	cancel()
	close(up.block)
	agent.Stop()

	// The completion was absorbed: the report stays pending and is not
	// removed or requeued.
	if r.Status != report.StatusPending {
		t.Errorf("status after shutdown = %q, want pending", r.Status)
	}
	if c.ReportCount() != 1 {
		t.Errorf("report count = %d, want 1", c.ReportCount())
	}
}
