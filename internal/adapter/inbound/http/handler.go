package http

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/mcptap/mcptap/internal/domain/session"
	"github.com/mcptap/mcptap/internal/service"
	"github.com/mcptap/mcptap/pkg/mcp"
)

// maxInboundBodySize caps an inbound JSON-RPC request body.
const maxInboundBodySize = 10 * 1024 * 1024 // 10MB

// Handler serves the proxy, codemode, gateway, and introspection routes.
type Handler struct {
	proxy    *service.ProxyService
	gateway  *service.GatewayService
	registry *service.RegistryService
	version  string
	started  time.Time
}

// NewHandler wires the route handlers.
func NewHandler(proxy *service.ProxyService, gateway *service.GatewayService, registry *service.RegistryService, version string) *Handler {
	return &Handler{
		proxy:    proxy,
		gateway:  gateway,
		registry: registry,
		version:  version,
		started:  time.Now(),
	}
}

// handleProxy serves POST /{server}/mcp and its aliases. Validation runs
// in a single pass: path parameter, envelope, session headers. Invalid
// input yields 400 with a JSON error naming the failing field; the
// resolved exchange then runs through the proxy engine.
func (h *Handler) handleProxy(codeMode bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serverName := r.PathValue("server")
		if serverName == "" {
			writeError(w, http.StatusBadRequest, `path parameter "server" is required`)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBodySize))
		if err != nil {
			writeError(w, http.StatusBadRequest, "request body could not be read")
			return
		}

		env, err := mcp.ParseEnvelope(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		sessionHeader := r.Header.Get(service.HeaderSessionID)
		sessionID := sessionHeader
		if sessionID == "" {
			sessionID = session.StatelessID
		}

		ex := &service.Exchange{
			ServerName:      serverName,
			Env:             env,
			SessionID:       sessionID,
			SessionHeader:   sessionHeader,
			ProtocolVersion: r.Header.Get(service.HeaderProtocolVersion),
			Accept:          r.Header.Get("Accept"),
			CodeMode:        codeMode,
		}
		h.proxy.Execute(r.Context(), w, ex)
	}
}

// handleGateway serves the management MCP surface under /gateway and /g.
func (h *Handler) handleGateway(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "gateway accepts POST only")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "request body could not be read")
		return
	}
	env, err := mcp.ParseEnvelope(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := h.gateway.Handle(r.Context(), env)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// handleRoot serves the static health payload on GET /.
func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "mcptap",
		"version": h.version,
		"servers": h.registry.Count(),
		"uptime":  int64(time.Since(h.started).Seconds()),
	})
}

// handleStatus serves the registry snapshot on GET /status.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	servers := h.registry.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"servers": servers,
		"count":   len(servers),
	})
}

// handleHealth serves the liveness endpoint.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"version": h.version,
	})
}

// writeJSON writes a JSON payload with the given status.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError writes a JSON error body describing the failing field.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
