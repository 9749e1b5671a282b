package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blakebauman/fleetd/internal/agent"
	"github.com/blakebauman/fleetd/internal/buildinfo"
	"github.com/blakebauman/fleetd/internal/config"
	"github.com/blakebauman/fleetd/internal/fleet"
	"github.com/blakebauman/fleetd/internal/store"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the fleetd HTTP front door.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	reg    *Registry
	fabric *Fabric
	cache  *ttlCache

	upgrader websocket.Upgrader
	server   *http.Server
}

// NewServer wires the registry, the fabric, and the read cache. deps
// carries the collaborator bindings shared by every agent; its Peers
// field is overwritten with the server's fabric.
func NewServer(cfg *config.Config, deps agent.Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger,
		cache:  newTTLCache(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Tenant isolation is by key, not by trust; origins are not
			// filtered here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	opts := agent.Options{
		RingSize:                cfg.Fleet.MessageRingSize,
		Retention:               cfg.Fleet.MessageRetention.Std(),
		PingInterval:            cfg.Fleet.PingInterval.Std(),
		IdleMax:                 cfg.Fleet.IdleMax.Std(),
		ApprovalAmountThreshold: int64(cfg.Fleet.ApprovalAmountThreshold),
		ApprovalWait:            cfg.Fleet.ApprovalWait.Std(),
		DefaultAgentType:        fleet.ParseAgentType(cfg.Fleet.DefaultAgentType),
		ModelName:               cfg.Model.Name,
		ModelTimeout:            cfg.Model.Timeout.Std(),
	}

	s.reg = NewRegistry(func(key fleet.OwnerKey) *agent.Agent {
		d := deps
		d.Peers = s.fabric
		d.Logger = logger
		a := agent.New(key, opts, d, func() (*store.Store, error) {
			return store.Open(cfg.DataDir, key)
		})
		a.SetCacheInvalidator(func(kind string) {
			s.cache.invalidate(kind + "|" + key.Registry())
		})
		return a
	}, logger)
	s.fabric = NewFabric(s.reg)

	return s
}

// Registry exposes the agent registry (tests and diagnostics).
func (s *Server) Registry() *Registry { return s.reg }

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.withLogging(http.HandlerFunc(s.route))
}

// Start begins serving HTTP requests and blocks until the listener
// fails or Shutdown runs.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.cfg.Listen.Address, s.cfg.Listen.Port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
	}

	s.logger.Info("starting fleet server", "address", s.server.Addr, "version", buildinfo.Version)
	return s.server.ListenAndServe()
}

// Shutdown stops the listener and drains every agent.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	s.reg.Shutdown(ctx)
	return err
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// route is the front-door dispatcher: derive (tenant, path, endpoint),
// stamp the forwarding headers, and hand off to the owning agent.
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/healthz":
		writeJSON(w, map[string]string{"status": "healthy", "version": buildinfo.Version}, s.logger)
		return
	case "/", "":
		if r.Method == http.MethodGet && !websocket.IsWebSocketUpgrade(r) {
			s.serveStatus(w)
			return
		}
	}

	key, endpoint, upgrade, err := Resolve(r.Host, r.URL.EscapedPath())
	if err != nil {
		s.writeError(w, &agent.Error{Code: agent.CodeValidation, Message: err.Error()})
		return
	}

	// Forwarding contract: every dispatched call carries these two
	// headers, and the dispatch below reads the key back from them.
	r.Header.Set(HeaderTenant, key.Tenant)
	r.Header.Set(HeaderPath, key.Path.String())

	if upgrade {
		s.handleUpgrade(w, r)
		return
	}

	if endpoint == "" {
		if r.Method == http.MethodGet {
			s.serveStatus(w)
			return
		}
		s.writeError(w, &agent.Error{Code: agent.CodeNotFound, Message: "unknown endpoint"})
		return
	}

	s.dispatch(w, r, endpoint)
}

// agentFor returns the owning agent for the forwarding headers. Headers
// win over URL parsing by construction.
func (s *Server) agentFor(r *http.Request) (*agent.Agent, *agent.Error) {
	tenant := r.Header.Get(HeaderTenant)
	path, err := fleet.ParsePath(r.Header.Get(HeaderPath))
	if err != nil {
		return nil, &agent.Error{Code: agent.CodeValidation, Message: err.Error()}
	}
	return s.reg.Get(fleet.NewOwnerKey(tenant, path)), nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		s.writeError(w, &agent.Error{Code: agent.CodeValidation, Message: "subscription endpoint requires a websocket upgrade"})
		return
	}
	a, aerr := s.agentFor(r)
	if aerr != nil {
		s.writeError(w, aerr)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	a.HandleWS(r.Context(), conn)
}

func (s *Server) writeError(w http.ResponseWriter, err *agent.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status())
	json.NewEncoder(w).Encode(err.Frame())
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	s.writeError(w, agent.AsError(err))
}

const methodNotAllowedMsg = "method not allowed for this endpoint"

// dispatch executes one classified API endpoint against its agent.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, endpoint string) {
	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	// The locations dump is fleet-wide and reads no single agent.
	if endpoint == "/debug/locations" {
		if r.Method != http.MethodGet {
			s.writeError(w, &agent.Error{Code: agent.CodeMethodNotAllowed, Message: methodNotAllowedMsg})
			return
		}
		infos, err := store.ListLocations(s.cfg.DataDir)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, map[string]any{"locations": infos, "count": len(infos)}, s.logger)
		return
	}

	a, aerr := s.agentFor(r)
	if aerr != nil {
		s.writeError(w, aerr)
		return
	}
	cacheKey := func(kind string) string { return kind + "|" + a.Key().Registry() }

	switch endpoint {
	case "/state":
		if r.Method != http.MethodGet {
			s.writeError(w, &agent.Error{Code: agent.CodeMethodNotAllowed, Message: methodNotAllowedMsg})
			return
		}
		if v, ok := s.cache.get(cacheKey("state")); ok {
			writeJSON(w, v, s.logger)
			return
		}
		view, err := a.GetState(ctx)
		if err != nil {
			s.fail(w, err)
			return
		}
		s.cache.set(cacheKey("state"), view, s.cfg.Fleet.StateCacheTTL.Std())
		writeJSON(w, view, s.logger)

	case "/increment":
		if r.Method != http.MethodGet {
			s.writeError(w, &agent.Error{Code: agent.CodeMethodNotAllowed, Message: methodNotAllowedMsg})
			return
		}
		counter, err := a.Increment(ctx)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, map[string]any{"counter": counter}, s.logger)

	case "/messages":
		if r.Method != http.MethodGet {
			s.writeError(w, &agent.Error{Code: agent.CodeMethodNotAllowed, Message: methodNotAllowedMsg})
			return
		}
		limit := queryInt(r, "limit", 50)
		offset := queryInt(r, "offset", 0)
		page, err := a.Messages(ctx, limit, offset)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, page, s.logger)

	case "/message":
		if r.Method != http.MethodPost {
			s.writeError(w, &agent.Error{Code: agent.CodeMethodNotAllowed, Message: methodNotAllowedMsg})
			return
		}
		var msg agent.InboundMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			s.writeError(w, &agent.Error{Code: agent.CodeValidation, Message: "invalid message body"})
			return
		}
		if err := a.ReceiveMessage(ctx, msg); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, map[string]any{"status": "accepted"}, s.logger)

	case "/delete-subtree":
		if r.Method != http.MethodPost {
			s.writeError(w, &agent.Error{Code: agent.CodeMethodNotAllowed, Message: methodNotAllowedMsg})
			return
		}
		err := a.DeleteSubtree(ctx)
		s.reg.Evict(a.Key(), a)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, map[string]any{"status": "deleted"}, s.logger)

	case "/inventory/stock":
		switch r.Method {
		case http.MethodGet:
			if v, ok := s.cache.get(cacheKey("inventory")); ok {
				writeJSON(w, v, s.logger)
				return
			}
			snap, err := a.Inventory(ctx)
			if err != nil {
				s.fail(w, err)
				return
			}
			s.cache.set(cacheKey("inventory"), snap, s.cfg.Fleet.InventoryCacheTTL.Std())
			writeJSON(w, snap, s.logger)
		case http.MethodPost:
			var upd agent.InventoryUpdate
			if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
				s.writeError(w, &agent.Error{Code: agent.CodeValidation, Message: "invalid stock update body"})
				return
			}
			result, err := a.StockUpdate(ctx, upd)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, map[string]any{"success": true, "update": result}, s.logger)
		default:
			s.writeError(w, &agent.Error{Code: agent.CodeMethodNotAllowed, Message: methodNotAllowedMsg})
		}

	case "/inventory/query":
		if r.Method != http.MethodGet {
			s.writeError(w, &agent.Error{Code: agent.CodeMethodNotAllowed, Message: methodNotAllowedMsg})
			return
		}
		item, err := a.StockQuery(ctx, r.URL.Query().Get("sku"))
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, map[string]any{
			"sku":          item.SKU,
			"currentStock": item.CurrentStock,
			"location":     a.Key().Path.String(),
		}, s.logger)

	case "/inventory/sync":
		if r.Method != http.MethodPost {
			s.writeError(w, &agent.Error{Code: agent.CodeMethodNotAllowed, Message: methodNotAllowedMsg})
			return
		}
		var body struct {
			Updates []agent.InventoryUpdate `json:"updates"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, &agent.Error{Code: agent.CodeValidation, Message: "invalid sync body"})
			return
		}
		result, err := a.InventorySync(ctx, body.Updates)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, result, s.logger)

	case "/inventory/alerts":
		if r.Method != http.MethodGet {
			s.writeError(w, &agent.Error{Code: agent.CodeMethodNotAllowed, Message: methodNotAllowedMsg})
			return
		}
		view, err := a.Alerts(ctx)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, view, s.logger)

	case "/ai/analyze":
		if r.Method != http.MethodGet {
			s.writeError(w, &agent.Error{Code: agent.CodeMethodNotAllowed, Message: methodNotAllowedMsg})
			return
		}
		insights, err := a.AnalyzeSKU(ctx, r.URL.Query().Get("sku"))
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, insights, s.logger)

	case "/ai/forecast":
		if r.Method != http.MethodPost {
			s.writeError(w, &agent.Error{Code: agent.CodeMethodNotAllowed, Message: methodNotAllowedMsg})
			return
		}
		var body struct {
			SKUs []string `json:"skus"`
		}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				s.writeError(w, &agent.Error{Code: agent.CodeValidation, Message: "invalid forecast body"})
				return
			}
		}
		forecasts, err := a.Forecast(ctx, body.SKUs)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, map[string]any{"forecasts": forecasts}, s.logger)

	case "/ai/insights":
		if r.Method != http.MethodGet {
			s.writeError(w, &agent.Error{Code: agent.CodeMethodNotAllowed, Message: methodNotAllowedMsg})
			return
		}
		insights, err := a.Insights(ctx)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, insights, s.logger)

	case "/debug/db":
		if r.Method != http.MethodGet {
			s.writeError(w, &agent.Error{Code: agent.CodeMethodNotAllowed, Message: methodNotAllowedMsg})
			return
		}
		dump, err := a.DebugDump(ctx)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, dump, s.logger)

	default:
		s.writeError(w, &agent.Error{Code: agent.CodeNotFound, Message: "unknown endpoint"})
	}
}

func queryInt(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

// serveStatus writes the minimal static status page.
func (s *Server) serveStatus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, statusPage, buildinfo.Version, s.reg.Len())
}

const statusPage = `<!DOCTYPE html>
<html>
<head><title>fleetd</title></head>
<body>
<h1>fleetd %s</h1>
<p>%d agents live. Open a subscription at <code>&lt;tenant&gt;/&lt;path&gt;/ws</code>
or query <code>&lt;tenant&gt;/&lt;path&gt;/state</code>.</p>
</body>
</html>
`
