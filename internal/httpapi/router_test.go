package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jcolano/hiveboard-sub000/internal/alerting"
	"github.com/jcolano/hiveboard-sub000/internal/auth"
	"github.com/jcolano/hiveboard-sub000/internal/config"
	"github.com/jcolano/hiveboard-sub000/internal/eventmodel"
	"github.com/jcolano/hiveboard-sub000/internal/httpapi"
	"github.com/jcolano/hiveboard-sub000/internal/ingestion"
	"github.com/jcolano/hiveboard-sub000/internal/pricing"
	"github.com/jcolano/hiveboard-sub000/internal/query"
	"github.com/jcolano/hiveboard-sub000/internal/storage"
	"github.com/jcolano/hiveboard-sub000/internal/streaming"
)

const (
	liveKey = "hb_live_0123456789abcdef0123456789abcdef"
	readKey = "hb_read_0123456789abcdef0123456789abcdef"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	log := zerolog.Nop()
	store := storage.NewMemStore(log, t.TempDir())

	ctx := context.Background()
	if err := store.CreateTenant(ctx, eventmodel.Tenant{TenantID: "t1", Name: "Test", Plan: eventmodel.PlanFree}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, k := range []struct {
		id   string
		raw  string
		typ  eventmodel.KeyType
	}{
		{"k-live", liveKey, eventmodel.KeyLive},
		{"k-read", readKey, eventmodel.KeyRead},
	} {
		err := store.CreateAPIKey(ctx, eventmodel.APIKey{
			KeyID:    k.id,
			TenantID: "t1",
			KeyHash:  storage.HashAPIKey(k.raw),
			Prefix:   k.raw[:12],
			Type:     k.typ,
			Active:   true,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	pricingEngine := pricing.NewEngine(log, t.TempDir())
	if err := pricingEngine.Initialize(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	streamingManager := streaming.NewManager(log)
	alertingEngine := alerting.New(log, store)

	router := httpapi.NewRouter(httpapi.Deps{
		Config:    &config.Config{MaxBodyBytes: 1 << 20},
		Logger:    log,
		Store:     store,
		Pricing:   pricingEngine,
		Query:     query.New(store, nil),
		Ingestion: ingestion.New(log, store, pricingEngine, streamingManager, alertingEngine),
		Alerting:  alertingEngine,
		Streaming: streamingManager,
		Auth:      auth.New(log, store, "Authorization", "", ""),
		RateLimit: auth.NewRateLimiter(log, 100, 30),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url, key, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestIngestRequiresAuth(t *testing.T) {
	srv := newTestServer(t)
	resp, body := doJSON(t, "POST", srv.URL+"/v1/ingest", "", `{"envelope":{"agent_id":"a1"},"events":[]}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if body["error"] != "missing_api_key" {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestReadKeyCannotWrite(t *testing.T) {
	srv := newTestServer(t)
	resp, body := doJSON(t, "POST", srv.URL+"/v1/ingest", readKey, `{"envelope":{"agent_id":"a1"},"events":[]}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if body["error"] != "read_only_key" {
		t.Fatalf("error = %v", body["error"])
	}

	// The same read key is fine on read endpoints.
	resp, _ = doJSON(t, "GET", srv.URL+"/v1/agents", readKey, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("read with read key = %d, want 200", resp.StatusCode)
	}
}

func TestIngestPartialBatchReturns207(t *testing.T) {
	srv := newTestServer(t)
	body := `{"envelope":{"agent_id":"a1"},"events":[
		{"event_id":"e1","timestamp":"2026-02-10T14:00:00Z","event_type":"heartbeat"},
		{"event_id":"e2","timestamp":"2026-02-10T14:00:01Z","event_type":"bogus"},
		{"event_id":"e3","timestamp":"2026-02-10T14:00:02Z","event_type":"task_started","task_id":"t1"}
	]}`
	resp, decoded := doJSON(t, "POST", srv.URL+"/v1/ingest", liveKey, body)
	if resp.StatusCode != http.StatusMultiStatus {
		t.Fatalf("status = %d, want 207", resp.StatusCode)
	}
	if decoded["accepted"].(float64) != 2 || decoded["rejected"].(float64) != 1 {
		t.Fatalf("accepted/rejected = %v/%v, want 2/1", decoded["accepted"], decoded["rejected"])
	}
	errs := decoded["errors"].([]interface{})
	first := errs[0].(map[string]interface{})
	if first["event_id"] != "e2" || first["error"] != "invalid_event_type" {
		t.Fatalf("errors[0] = %+v", first)
	}
}

func TestOutOfOrderBatchDerivesFromLatestEvent(t *testing.T) {
	srv := newTestServer(t)
	now := time.Now().UTC()
	body := `{"envelope":{"agent_id":"ord"},"events":[
		{"event_id":"later","timestamp":"` + now.Format(time.RFC3339Nano) + `","event_type":"task_started","task_id":"t1"},
		{"event_id":"earlier","timestamp":"` + now.Add(-5*time.Second).Format(time.RFC3339Nano) + `","event_type":"heartbeat"}
	]}`
	resp, _ := doJSON(t, "POST", srv.URL+"/v1/ingest", liveKey, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ingest status = %d, want 200", resp.StatusCode)
	}

	resp, agent := doJSON(t, "GET", srv.URL+"/v1/agents/ord", liveKey, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get agent status = %d, want 200", resp.StatusCode)
	}
	if agent["derived_status"] != "processing" {
		t.Fatalf("derived_status = %v, want processing (last event by timestamp, not arrival)", agent["derived_status"])
	}
}

func TestEventRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	body := `{"envelope":{"agent_id":"a1"},"events":[
		{"event_id":"rt1","timestamp":"2026-02-10T14:00:00Z","event_type":"task_started","task_id":"t1",
		 "payload":{"kind":"llm_call","summary":"reason","data":{"model":"claude-haiku-4-5","tokens_in":1000,"tokens_out":500}}}
	]}`
	resp, _ := doJSON(t, "POST", srv.URL+"/v1/ingest", liveKey, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ingest status = %d", resp.StatusCode)
	}

	resp, page := doJSON(t, "GET", srv.URL+"/v1/events?agent_id=a1", liveKey, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list events status = %d", resp.StatusCode)
	}
	data := page["data"].([]interface{})
	if len(data) != 1 {
		t.Fatalf("got %d events, want 1", len(data))
	}
	ev := data[0].(map[string]interface{})
	if ev["event_id"] != "rt1" || ev["event_type"] != "task_started" {
		t.Fatalf("round-trip identity lost: %+v", ev)
	}
	if ev["received_at"] == nil {
		t.Fatal("server did not stamp received_at")
	}
	payload := ev["payload"].(map[string]interface{})
	dataMap := payload["data"].(map[string]interface{})
	if dataMap["cost_source"] != "estimated" || dataMap["cost_model_matched"] == nil {
		t.Fatalf("pricing enrichment missing: %+v", dataMap)
	}
}

func TestNotFoundEnvelope(t *testing.T) {
	srv := newTestServer(t)
	resp, body := doJSON(t, "GET", srv.URL+"/v1/projects/nope", liveKey, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if body["error"] != "not_found" || body["status"].(float64) != 404 {
		t.Fatalf("error envelope = %+v", body)
	}
}

func TestRateLimitHeadersPresent(t *testing.T) {
	srv := newTestServer(t)
	resp, _ := doJSON(t, "GET", srv.URL+"/v1/agents", liveKey, "")
	if resp.Header.Get("X-RateLimit-Limit") == "" || resp.Header.Get("X-RateLimit-Remaining") == "" {
		t.Fatalf("rate limit headers missing: %+v", resp.Header)
	}
}
