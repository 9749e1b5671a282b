package router

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blakebauman/fleetd/internal/agent"
	"github.com/blakebauman/fleetd/internal/approval"
	"github.com/blakebauman/fleetd/internal/config"
	"github.com/blakebauman/fleetd/internal/fleet"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer builds a full server over a temp data dir.
func newTestServer(t *testing.T, dataDir string) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = dataDir
	cfg.Fleet.ApprovalWait = config.Duration(10 * time.Millisecond)
	// Caching off so tests observe every mutation immediately; the
	// cache has its own test.
	cfg.Fleet.StateCacheTTL = 0
	cfg.Fleet.InventoryCacheTTL = 0

	srv := NewServer(cfg, agent.Deps{
		Approver: approval.AutoApprover{Wait: time.Millisecond},
	}, quietLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv, ts
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func postJSON(t *testing.T, url string, body any, out any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func dialWS(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func wsReadUntil(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	for i := 0; i < 50; i++ {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		var f map[string]any
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read: %v", err)
		}
		if f["type"] == typ {
			return f
		}
	}
	t.Fatalf("no %q frame", typ)
	return nil
}

func wsSend(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatal(err)
	}
}

func TestCreateListDeleteAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	srv, ts := newTestServer(t, dir)

	conn := dialWS(t, ts, "/demo/ws")
	wsReadUntil(t, conn, "chatStats")
	wsSend(t, conn, map[string]any{"type": "createAgent", "name": "warehouse-ny"})
	f := wsReadUntil(t, conn, "agentCreated")
	if f["name"] != "warehouse-ny" {
		t.Fatalf("agentCreated = %v", f)
	}
	f = wsReadUntil(t, conn, "state")
	if agents, _ := f["agents"].([]any); len(agents) != 1 || agents[0] != "warehouse-ny" {
		t.Fatalf("state agents = %v", f["agents"])
	}
	conn.Close()

	// Restart the process: new server over the same data dir.
	ts.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	srv.Shutdown(ctx)
	cancel()

	_, ts2 := newTestServer(t, dir)
	conn2 := dialWS(t, ts2, "/demo/ws")
	f = wsReadUntil(t, conn2, "state")
	if agents, _ := f["agents"].([]any); len(agents) != 1 || agents[0] != "warehouse-ny" {
		t.Fatalf("state after restart = %v", f["agents"])
	}

	wsSend(t, conn2, map[string]any{"type": "deleteAgent", "name": "warehouse-ny"})
	wsReadUntil(t, conn2, "agentDeleted")
	f = wsReadUntil(t, conn2, "state")
	if agents, _ := f["agents"].([]any); len(agents) != 0 {
		t.Fatalf("state after delete = %v", f["agents"])
	}
}

func TestStockDecrementClampOverHTTP(t *testing.T) {
	_, ts := newTestServer(t, t.TempDir())
	base := ts.URL + "/demo/wh"

	var out map[string]any
	resp := postJSON(t, base+"/inventory/stock", map[string]any{
		"sku": "SKU-1", "quantity": 100, "operation": "set",
	}, &out)
	if resp.StatusCode != http.StatusOK || out["success"] != true {
		t.Fatalf("set: status %d body %v", resp.StatusCode, out)
	}

	postJSON(t, base+"/inventory/stock", map[string]any{
		"sku": "SKU-1", "quantity": 150, "operation": "decrement",
	}, &out)

	var snap struct {
		Inventory []struct {
			SKU          string `json:"sku"`
			CurrentStock int64  `json:"currentStock"`
		} `json:"inventory"`
		TotalItems int `json:"totalItems"`
	}
	getJSON(t, base+"/inventory/stock", &snap)
	if snap.TotalItems != 1 || snap.Inventory[0].CurrentStock != 0 {
		t.Errorf("snapshot = %+v, want SKU-1 at 0", snap)
	}
}

func TestBroadcastFanOut(t *testing.T) {
	_, ts := newTestServer(t, t.TempDir())

	org := dialWS(t, ts, "/demo/org/ws")
	wsReadUntil(t, org, "chatStats")
	for _, name := range []string{"a", "b"} {
		wsSend(t, org, map[string]any{"type": "createAgent", "name": name})
		wsReadUntil(t, org, "agentCreated")
	}

	childA := dialWS(t, ts, "/demo/org/a/ws")
	wsReadUntil(t, childA, "chatStats")
	childB := dialWS(t, ts, "/demo/org/b/ws")
	wsReadUntil(t, childB, "chatStats")

	wsSend(t, org, map[string]any{"type": "broadcast", "message": "hi"})

	for name, conn := range map[string]*websocket.Conn{"org": org, "a": childA, "b": childB} {
		f := wsReadUntil(t, conn, "message")
		if f["from"] != "📢 /org" || f["content"] != "hi" {
			t.Errorf("session %s got %v, want from '📢 /org' content hi", name, f)
		}
	}
}

func TestSubtreeDeletionCascades(t *testing.T) {
	_, ts := newTestServer(t, t.TempDir())

	// Build /a, /a/b, /a/b/c through parent-side child registration.
	root := dialWS(t, ts, "/demo/ws")
	wsReadUntil(t, root, "chatStats")
	wsSend(t, root, map[string]any{"type": "createAgent", "name": "a"})
	wsReadUntil(t, root, "agentCreated")

	a := dialWS(t, ts, "/demo/a/ws")
	wsReadUntil(t, a, "chatStats")
	wsSend(t, a, map[string]any{"type": "createAgent", "name": "b"})
	wsReadUntil(t, a, "agentCreated")

	b := dialWS(t, ts, "/demo/a/b/ws")
	wsReadUntil(t, b, "chatStats")
	wsSend(t, b, map[string]any{"type": "createAgent", "name": "c"})
	wsReadUntil(t, b, "agentCreated")

	// Give /a/b/c some persisted state to clear.
	var out map[string]any
	getJSON(t, ts.URL+"/demo/a/b/c/increment", &out)
	if out["counter"] != float64(1) {
		t.Fatalf("increment = %v", out)
	}

	// Delete child a from the root: the whole subtree goes.
	wsSend(t, root, map[string]any{"type": "deleteAgent", "name": "a"})
	wsReadUntil(t, root, "agentDeleted")

	// The child sessions close.
	for _, conn := range []*websocket.Conn{a, b} {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		closed := false
		for !closed {
			var f map[string]any
			if err := conn.ReadJSON(&f); err != nil {
				closed = true
			}
		}
	}

	// Fresh agents at the deleted paths come up empty.
	for _, p := range []string{"/demo/a", "/demo/a/b", "/demo/a/b/c"} {
		var view struct {
			Counter int64    `json:"counter"`
			Agents  []string `json:"agents"`
		}
		getJSON(t, ts.URL+p+"/state", &view)
		if view.Counter != 0 || len(view.Agents) != 0 {
			t.Errorf("state at %s = %+v, want empty", p, view)
		}
	}
}

func TestConcurrentIncrementsSerialize(t *testing.T) {
	_, ts := newTestServer(t, t.TempDir())
	const n = 30

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Get(ts.URL + "/demo/ctr/increment")
			if err != nil {
				t.Error(err)
				return
			}
			resp.Body.Close()
		}()
	}
	wg.Wait()

	var view struct {
		Counter int64 `json:"counter"`
	}
	getJSON(t, ts.URL+"/demo/ctr/state", &view)
	if view.Counter != n {
		t.Errorf("counter = %d, want %d", view.Counter, n)
	}
}

func TestTenantIsolation(t *testing.T) {
	_, ts := newTestServer(t, t.TempDir())

	var out map[string]any
	getJSON(t, ts.URL+"/acme/wh/increment", &out)
	getJSON(t, ts.URL+"/acme/wh/increment", &out)
	getJSON(t, ts.URL+"/globex/wh/increment", &out)

	var acme, globex struct {
		Counter int64 `json:"counter"`
	}
	getJSON(t, ts.URL+"/acme/wh/state", &acme)
	getJSON(t, ts.URL+"/globex/wh/state", &globex)
	if acme.Counter != 2 || globex.Counter != 1 {
		t.Errorf("acme=%d globex=%d, want 2 and 1", acme.Counter, globex.Counter)
	}
}

func TestErrorStatuses(t *testing.T) {
	_, ts := newTestServer(t, t.TempDir())

	resp := getJSON(t, ts.URL+"/demo/wh/inventory/query?sku=GHOST", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown sku status = %d, want 404", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/demo/wh/state", nil, nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /state status = %d, want 405", resp.StatusCode)
	}

	var frame struct {
		Code      string `json:"code"`
		Timestamp string `json:"timestamp"`
	}
	resp = postJSON(t, ts.URL+"/demo/wh/inventory/stock", map[string]any{
		"sku": "bad.sku", "quantity": 1, "operation": "set",
	}, &frame)
	if resp.StatusCode != http.StatusBadRequest || frame.Code != "VALIDATION_ERROR" || frame.Timestamp == "" {
		t.Errorf("validation frame = status %d %+v", resp.StatusCode, frame)
	}

	// Subscription endpoint without an upgrade.
	resp = getJSON(t, ts.URL+"/demo/wh/ws", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("plain GET on /ws status = %d, want 400", resp.StatusCode)
	}
}

func TestMessageEndpointAndHistory(t *testing.T) {
	_, ts := newTestServer(t, t.TempDir())
	base := ts.URL + "/demo/org"

	resp := postJSON(t, base+"/message", map[string]any{
		"from": "/", "content": "hello org", "type": "direct",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("post message status = %d", resp.StatusCode)
	}

	var page struct {
		Messages []struct {
			Content     string `json:"content"`
			MessageType string `json:"messageType"`
		} `json:"messages"`
		TotalCount int `json:"totalCount"`
	}
	getJSON(t, base+"/messages?limit=10", &page)
	if page.TotalCount != 1 || page.Messages[0].Content != "hello org" {
		t.Errorf("history = %+v", page)
	}

	resp = postJSON(t, base+"/message", map[string]any{"content": "no sender"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid message status = %d, want 400", resp.StatusCode)
	}
}

func TestDebugEndpoints(t *testing.T) {
	_, ts := newTestServer(t, t.TempDir())

	var out map[string]any
	getJSON(t, ts.URL+"/demo/org/increment", &out)

	var dump map[string]any
	getJSON(t, ts.URL+"/demo/org/debug/db", &dump)
	if dump["owner"] != "demo:/org" {
		t.Errorf("debug/db owner = %v", dump["owner"])
	}

	var locs struct {
		Count     int `json:"count"`
		Locations []struct {
			Tenant string `json:"tenant"`
			Path   string `json:"path"`
		} `json:"locations"`
	}
	getJSON(t, ts.URL+"/demo/debug/locations", &locs)
	if locs.Count != 1 || locs.Locations[0].Path != "/org" {
		t.Errorf("locations = %+v", locs)
	}
}

func TestAIEndpoints(t *testing.T) {
	_, ts := newTestServer(t, t.TempDir())
	base := ts.URL + "/demo/wh"

	postJSON(t, base+"/inventory/stock", map[string]any{
		"sku": "SKU-1", "quantity": 8, "operation": "set", "lowStockThreshold": 10,
	}, nil)

	var analyze map[string]any
	resp := getJSON(t, base+"/ai/analyze?sku=SKU-1", &analyze)
	if resp.StatusCode != http.StatusOK || analyze["insights"] == nil {
		t.Errorf("analyze = %d %v", resp.StatusCode, analyze)
	}

	var forecast struct {
		Forecasts []map[string]any `json:"forecasts"`
	}
	resp = postJSON(t, base+"/ai/forecast", map[string]any{"skus": []string{"SKU-1"}}, &forecast)
	if resp.StatusCode != http.StatusOK || len(forecast.Forecasts) == 0 {
		t.Errorf("forecast = %d %+v", resp.StatusCode, forecast)
	}

	var insights map[string]any
	getJSON(t, base+"/ai/insights", &insights)
	if insights["summary"] == nil {
		t.Errorf("insights = %v", insights)
	}
}

func TestStateCacheInvalidation(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.Fleet.StateCacheTTL = config.Duration(time.Minute)

	srv := NewServer(cfg, agent.Deps{}, quietLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	var view struct {
		Counter int64 `json:"counter"`
	}
	getJSON(t, ts.URL+"/demo/c/state", &view)
	if view.Counter != 0 {
		t.Fatalf("initial counter = %d", view.Counter)
	}

	getJSON(t, ts.URL+"/demo/c/increment", nil)

	// The write invalidated the cached entry before publishing.
	getJSON(t, ts.URL+"/demo/c/state", &view)
	if view.Counter != 1 {
		t.Errorf("counter after invalidation = %d, want 1", view.Counter)
	}
}

func TestRegistrySingleInstancePerKey(t *testing.T) {
	srv, _ := newTestServer(t, t.TempDir())
	reg := srv.Registry()

	p, err := fleet.ParsePath("/same")
	if err != nil {
		t.Fatal(err)
	}
	key := fleet.NewOwnerKey("demo", p)
	const n = 20
	agents := make([]*agent.Agent, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			agents[i] = reg.Get(key)
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if agents[i] != agents[0] {
			t.Fatalf("concurrent Get returned distinct agents at %d", i)
		}
	}
}

func TestStatusPage(t *testing.T) {
	_, ts := newTestServer(t, t.TempDir())
	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte("fleetd")) {
		t.Errorf("status page = %d %q", resp.StatusCode, body)
	}

	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", resp.StatusCode)
	}
}

func TestLowStockPropagatesToParent(t *testing.T) {
	_, ts := newTestServer(t, t.TempDir())

	parent := dialWS(t, ts, "/demo/org/ws")
	wsReadUntil(t, parent, "chatStats")

	// Child /org/store crosses its threshold; the parent both applies
	// the propagated update and stores the hierarchy traffic.
	base := ts.URL + "/demo/org/store"
	postJSON(t, base+"/inventory/stock", map[string]any{
		"sku": "SKU-1", "quantity": 12, "operation": "set", "lowStockThreshold": 10,
	}, nil)
	postJSON(t, base+"/inventory/stock", map[string]any{
		"sku": "SKU-1", "quantity": 5, "operation": "decrement",
	}, nil)

	// The parent's own inventory eventually reflects the propagation.
	deadline := time.Now().Add(3 * time.Second)
	for {
		var snap struct {
			TotalItems int `json:"totalItems"`
		}
		getJSON(t, ts.URL+"/demo/org/inventory/stock", &snap)
		if snap.TotalItems == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("propagated update never reached the parent")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
