package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"simtrade/config"
	"simtrade/manager"
	"simtrade/runtimeflags"
)

const crossCSV = "time,open,high,low,close,volume,ema_fast,ema_slow,atr\n" +
	"2024-04-03T10:00:00Z,1899,1901,1898,1900,100,9,10,2\n" +
	"2024-04-03T10:05:00Z,1900,1902,1899,1901,100,11,10,2\n" +
	"2024-04-03T10:10:00Z,1901,1903,1900,1902,100,11.5,10.2,2\n" +
	"2024-04-03T10:15:00Z,1902,1904,1901,1903,100,12,10.4,2\n"

func newTestServer(t *testing.T, flags *runtimeflags.Flags) *Server {
	t.Helper()

	m := manager.NewRunManager(flags, nil)
	return NewServer(m, 0)
}

func doRequest(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	return rec
}

func postRunConfig(t *testing.T, srv *Server, name string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "bars.csv")
	if err := os.WriteFile(path, []byte(crossCSV), 0o600); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	cfg := config.RunConfig{
		Name: name,
		Data: config.DataConfig{
			Source:    "csv",
			File:      path,
			Symbol:    "XAUUSD",
			Timeframe: "M5",
		},
	}
	body, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal run config: %v", err)
	}

	rec := doRequest(srv, http.MethodPost, "/api/runs", string(body))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if resp.ID == "" {
		t.Fatal("expected a run id in the create response")
	}
	return resp.ID
}

func waitForDone(t *testing.T, srv *Server, id string) {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		rec := doRequest(srv, http.MethodGet, "/api/runs/"+id, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200 polling run, got %d", rec.Code)
		}
		var info manager.RunInfo
		if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
			t.Fatalf("decode run info: %v", err)
		}
		switch info.Status {
		case manager.StatusDone:
			return
		case manager.StatusFailed:
			t.Fatalf("run failed: %s", info.Error)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("run did not finish in time")
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doRequest(srv, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
}

func TestCreateRunAndFetchReport(t *testing.T) {
	srv := newTestServer(t, nil)

	id := postRunConfig(t, srv, "gold-m5")
	waitForDone(t, srv, id)

	rec := doRequest(srv, http.MethodGet, "/api/runs/"+id+"/report", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var report struct {
		RunID       string  `json:"run_id"`
		Symbol      string  `json:"symbol"`
		TotalTrades int     `json:"total_trades"`
		FinalBal    float64 `json:"final_balance"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Symbol != "XAUUSD" {
		t.Fatalf("expected symbol XAUUSD, got %q", report.Symbol)
	}
	if report.TotalTrades < 1 {
		t.Fatalf("expected at least one trade, got %d", report.TotalTrades)
	}
}

func TestListRunsIncludesCreatedRun(t *testing.T) {
	srv := newTestServer(t, nil)

	id := postRunConfig(t, srv, "gold-m5")

	rec := doRequest(srv, http.MethodGet, "/api/runs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp struct {
		Runs []manager.RunInfo `json:"runs"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(resp.Runs) != 1 {
		t.Fatalf("expected one run, got %d", len(resp.Runs))
	}
	if resp.Runs[0].ID != id || resp.Runs[0].Name != "gold-m5" {
		t.Fatalf("unexpected run snapshot: %+v", resp.Runs[0])
	}
}

func TestCreateRunRejectsInvalidConfig(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doRequest(srv, http.MethodPost, "/api/runs", `{"name":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
}

func TestCreateRunRejectsDuplicateName(t *testing.T) {
	srv := newTestServer(t, nil)

	postRunConfig(t, srv, "gold-m5")

	path := filepath.Join(t.TempDir(), "bars.csv")
	if err := os.WriteFile(path, []byte(crossCSV), 0o600); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	body := fmt.Sprintf(`{"name":"gold-m5","data":{"source":"csv","file":%q,"timeframe":"M5"}}`, path)

	rec := doRequest(srv, http.MethodPost, "/api/runs", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetUnknownRunReturns404(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doRequest(srv, http.MethodGet, "/api/runs/no-such-run", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}

	rec = doRequest(srv, http.MethodGet, "/api/runs/no-such-run/report", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}
}

func TestTradesEndpointExportsCSV(t *testing.T) {
	srv := newTestServer(t, nil)

	id := postRunConfig(t, srv, "gold-m5")
	waitForDone(t, srv, id)

	rec := doRequest(srv, http.MethodGet, "/api/runs/"+id+"/trades?format=csv", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("expected text/csv content type, got %q", ct)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected header plus at least one trade row, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "id,direction,entry_time") {
		t.Fatalf("unexpected CSV header: %s", lines[0])
	}
}

func TestRuntimeFlagsEmptyBodyReturnsSnapshot(t *testing.T) {
	flags := runtimeflags.New(runtimeflags.DefaultState())
	srv := newTestServer(t, flags)

	rec := doRequest(srv, http.MethodPost, "/admin/runtime-flags", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp runtimeFlagsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Flags != flags.State() {
		t.Fatalf("expected snapshot %+v, got %+v", flags.State(), resp.Flags)
	}
}

func TestRuntimeFlagsUpdateAppliesPatch(t *testing.T) {
	flags := runtimeflags.New(runtimeflags.State{
		EnforceRiskLimits: true,
		EnablePersistence: true,
		TradingEnabled:    true,
	})
	srv := newTestServer(t, flags)

	body := `{"enable_persistence":false,"trading_enabled":false}`
	rec := doRequest(srv, http.MethodPost, "/admin/runtime-flags", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp runtimeFlagsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Flags.EnablePersistence || resp.Flags.TradingEnabled {
		t.Fatalf("expected persistence and trading disabled in response, got %+v", resp.Flags)
	}
	if !resp.Flags.EnforceRiskLimits {
		t.Fatalf("risk enforcement should remain enabled: %+v", resp.Flags)
	}

	if flags.PersistenceEnabled() {
		t.Fatal("expected runtime persistence flag to be disabled")
	}
	if flags.TradingEnabled() {
		t.Fatal("expected runtime trading flag to be disabled")
	}
	if !flags.EnforceRiskLimits() {
		t.Fatal("risk enforcement flag should remain enabled")
	}

	rec2 := doRequest(srv, http.MethodGet, "/admin/runtime-flags", "")
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected status 200 fetching updated snapshot, got %d", rec2.Code)
	}
	var resp2 runtimeFlagsResponse
	if err := json.NewDecoder(rec2.Body).Decode(&resp2); err != nil {
		t.Fatalf("failed to decode snapshot response: %v", err)
	}
	if resp2.Flags != resp.Flags {
		t.Fatalf("expected persisted flags %+v, got %+v", resp.Flags, resp2.Flags)
	}
}
