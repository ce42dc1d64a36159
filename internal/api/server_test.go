package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"KDJScreener/internal/logger"
	"KDJScreener/internal/model"
	"KDJScreener/internal/proxy"
	"KDJScreener/internal/scheduler"
	"KDJScreener/internal/store"
)

func init() {
	logger.Discard()
	gin.SetMode(gin.TestMode)
}

type fakeTrigger struct {
	err   error
	calls int
}

func (f *fakeTrigger) TriggerAsync() error {
	f.calls++
	return f.err
}

func (f *fakeTrigger) Running() bool { return f.err != nil }

func seeded(t *testing.T) store.Store {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()
	day := time.Date(2024, 6, 21, 0, 0, 0, 0, time.UTC)
	if err := st.UpsertStocks(ctx, []model.Stock{{Code: "600519", Name: "Moutai"}, {Code: "000001", Name: "PAB"}}); err != nil {
		t.Fatal(err)
	}
	for sym, j := range map[string]float64{"600519": 5, "000001": -3, "300750": 40} {
		rec := model.OscillatorRecord{Date: day, K: 20, D: 20, J: j}
		if err := st.AppendOscillator(ctx, sym, model.Weekly, []model.OscillatorRecord{rec}); err != nil {
			t.Fatal(err)
		}
	}
	return st
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestSelectionEndpoint(t *testing.T) {
	srv := NewServer(":0", seeded(t), nil, nil, 20)
	h := srv.Router()

	w, body := do(t, h, http.MethodGet, "/api/v1/selection/weekly?top=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	data := body["data"].([]any)
	if len(data) != 2 {
		t.Fatalf("len(data) = %d, want 2", len(data))
	}
	first := data[0].(map[string]any)
	if first["symbol"] != "000001" || first["name"] != "PAB" {
		t.Errorf("first = %v, want 000001/PAB", first)
	}

	w, _ = do(t, h, http.MethodGet, "/api/v1/selection/hourly", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad timeframe status = %d", w.Code)
	}
	w, _ = do(t, h, http.MethodGet, "/api/v1/selection/weekly?top=x", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad top status = %d", w.Code)
	}
	w, body = do(t, h, http.MethodGet, "/api/v1/selection/daily", "")
	if w.Code != http.StatusOK || body["total"].(float64) != 0 {
		t.Errorf("empty timeframe: status %d body %v", w.Code, body)
	}
}

func TestLatestRecordEndpoint(t *testing.T) {
	h := NewServer(":0", seeded(t), nil, nil, 20).Router()

	w, body := do(t, h, http.MethodGet, "/api/v1/stocks/600519/weekly", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if j := body["data"].(map[string]any)["j"].(float64); j != 5 {
		t.Errorf("j = %v, want 5", j)
	}
	w, _ = do(t, h, http.MethodGet, "/api/v1/stocks/688001/weekly", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown symbol status = %d", w.Code)
	}
}

func TestProxyEndpoints(t *testing.T) {
	pool := proxy.NewPool([]string{"10.0.0.1:8080"}, proxy.Options{FailThreshold: 1})
	c := proxy.Choice{Address: "http://10.0.0.1:8080"}
	pool.Report(c, false)
	pool.Report(c, false)

	h := NewServer(":0", store.NewMemoryStore(), pool, nil, 20).Router()
	w, body := do(t, h, http.MethodGet, "/api/v1/proxies", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["degraded"] != true {
		t.Errorf("degraded = %v, want true", body["degraded"])
	}

	w, _ = do(t, h, http.MethodPost, "/api/v1/proxies/reinstate", `{"address":"10.0.0.1:8080"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("reinstate status = %d, body %s", w.Code, w.Body.String())
	}
	if pool.Degraded() {
		t.Error("pool still degraded after reinstate")
	}

	w, _ = do(t, h, http.MethodPost, "/api/v1/proxies/reinstate", `{"address":"10.9.9.9:1"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown proxy status = %d", w.Code)
	}
	w, _ = do(t, h, http.MethodPost, "/api/v1/proxies/reinstate", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing address status = %d", w.Code)
	}
}

func TestRunEndpoints(t *testing.T) {
	st := store.NewMemoryStore()
	trig := &fakeTrigger{}
	h := NewServer(":0", st, nil, trig, 20).Router()

	w, _ := do(t, h, http.MethodGet, "/api/v1/runs/last", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("no runs status = %d", w.Code)
	}
	sum := model.RunSummary{RunID: "abc", StartedAt: time.Now()}
	if err := st.RecordRun(context.Background(), sum); err != nil {
		t.Fatal(err)
	}
	w, body := do(t, h, http.MethodGet, "/api/v1/runs/last", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if id := body["data"].(map[string]any)["run_id"]; id != "abc" {
		t.Errorf("run_id = %v", id)
	}

	w, _ = do(t, h, http.MethodPost, "/api/v1/runs", "")
	if w.Code != http.StatusAccepted || trig.calls != 1 {
		t.Errorf("trigger status = %d calls = %d", w.Code, trig.calls)
	}
	trig.err = scheduler.ErrRunInProgress
	w, _ = do(t, h, http.MethodPost, "/api/v1/runs", "")
	if w.Code != http.StatusConflict {
		t.Errorf("overlap status = %d, want 409", w.Code)
	}
	w, body = do(t, h, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK || body["running"] != true {
		t.Errorf("healthz = %d %v", w.Code, body)
	}
}
