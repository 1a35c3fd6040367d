package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mcptap/mcptap/internal/codemode"
	"github.com/mcptap/mcptap/internal/domain/capture"
	"github.com/mcptap/mcptap/internal/domain/event"
	"github.com/mcptap/mcptap/internal/domain/registry"
	"github.com/mcptap/mcptap/pkg/mcp"
)

// ExecuteCodeToolName mirrors the synthesized tool name for dispatch checks.
const ExecuteCodeToolName = codemode.ExecuteCodeToolName

// CodeModeService builds and caches code-mode surfaces per server. A
// surface is rebuilt when the server's tool list fingerprint or the bound
// session changes; otherwise the compiled type declarations and runtime
// client are reused.
type CodeModeService struct {
	registry *RegistryService
	client   *http.Client
	timeout  time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]*cachedSurface
}

type cachedSurface struct {
	fingerprint uint64
	sessionID   string
	cm          *codemode.CodeMode
}

// NewCodeModeService creates the surface cache. timeout bounds each script
// run; zero selects codemode.DefaultTimeout.
func NewCodeModeService(reg *RegistryService, client *http.Client, timeout time.Duration, logger *slog.Logger) *CodeModeService {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CodeModeService{
		registry: reg,
		client:   client,
		timeout:  timeout,
		logger:   logger,
		cache:    make(map[string]*cachedSurface),
	}
}

// SurfaceFor returns the compiled code-mode surface for a server and
// session, rebuilding it when the cached fingerprint is stale.
func (s *CodeModeService) SurfaceFor(srv *registry.Server, sessionID string) (*codemode.CodeMode, error) {
	fp := codemode.ToolsFingerprint(srv.Tools)

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cache[srv.Name]; ok && c.fingerprint == fp && c.sessionID == sessionID {
		return c.cm, nil
	}

	rpc := codemode.NewHTTPRPCHandler(s.client, sessionID, func(name string) (string, bool) {
		resolved, err := s.registry.Get(name)
		if err != nil {
			return "", false
		}
		return resolved.URL, true
	})
	cm, err := codemode.New(codemode.Options{
		Servers: []codemode.ServerDescriptor{{
			Name:  srv.Name,
			URL:   srv.URL,
			Tools: srv.Tools,
		}},
		SessionID: sessionID,
		Timeout:   s.timeout,
		RPC:       rpc.Dispatch,
		Logger:    s.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build code-mode surface for %s: %w", srv.Name, err)
	}

	s.cache[srv.Name] = &cachedSurface{fingerprint: fp, sessionID: sessionID, cm: cm}
	s.logger.Debug("code-mode surface built", "server", srv.Name, "tools", len(srv.Tools), "fingerprint", fp)
	return cm, nil
}

// Invalidate drops the cached surface for a server.
func (s *CodeModeService) Invalidate(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, name)
}

// executeCodeModeToolsList handles tools/list on a codemode endpoint: the
// real list is discovered once, cached on the server record, and the
// client is answered with the single synthesized execute_code tool.
func (p *ProxyService) executeCodeModeToolsList(ctx context.Context, w http.ResponseWriter, srv *registry.Server, ex *Exchange, st *exchangeState) {
	resp, err := p.forward(ctx, srv.URL, srv.Headers, ex)
	if err != nil {
		p.failExchange(ctx, w, ex, st, fmt.Errorf("forward to upstream: %w", err))
		return
	}
	defer func() { _ = resp.Body.Close() }()
	st.lastStatus = resp.StatusCode

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBodySize))
	if err != nil {
		p.failExchange(ctx, w, ex, st, fmt.Errorf("read upstream body: %w", err))
		return
	}
	p.sessionTransition(ctx, ex, st, resp.Header)

	env, decodeErr := mcp.DecodeEnvelope(body)
	if decodeErr != nil || env.Error != nil {
		// Upstream refused tools/list; pass its answer through unchanged.
		p.relayRawResponse(ctx, w, ex, st, resp.StatusCode, resp.Header, body)
		return
	}

	tools, err := mcp.ToolsFromResult(env.Result)
	if err != nil {
		p.failExchange(ctx, w, ex, st, fmt.Errorf("parse tools/list result: %w", err))
		return
	}
	if err := p.registry.CacheTools(ctx, srv.Name, tools); err != nil {
		p.logger.Error("tool cache update failed", "server", srv.Name, "error", err)
	}
	srv.Tools = tools

	cm, err := p.codeMode.SurfaceFor(srv, st.sessionID)
	if err != nil {
		p.failExchange(ctx, w, ex, st, err)
		return
	}

	synth, err := mcp.NewResultEnvelope(ex.Env.IDValue(), map[string]any{
		"tools": []mcp.Tool{cm.ExecuteCodeTool()},
	})
	if err != nil {
		p.failExchange(ctx, w, ex, st, err)
		return
	}

	encoded, err := json.Marshal(synth)
	if err != nil {
		p.failExchange(ctx, w, ex, st, err)
		return
	}
	p.relayRawResponse(ctx, w, ex, st, http.StatusOK, resp.Header, encoded)
}

// executeCodeModeCall handles tools/call for execute_code: nothing is
// forwarded; the script runs in the sandbox and the result is wrapped as a
// JSON-RPC success with a single text content block. Script failures still
// produce 200 OK.
func (p *ProxyService) executeCodeModeCall(ctx context.Context, w http.ResponseWriter, srv *registry.Server, ex *Exchange, st *exchangeState) {
	var params struct {
		Name      string `json:"name"`
		Arguments struct {
			Code string `json:"code"`
		} `json:"arguments"`
	}
	_ = json.Unmarshal(ex.Env.Params, &params)

	var result codemode.ExecutionResult
	if params.Arguments.Code == "" {
		result = codemode.ExecutionResult{Success: false, Error: "missing required argument: code"}
	} else {
		cm, err := p.codeMode.SurfaceFor(srv, st.sessionID)
		if err != nil {
			p.failExchange(ctx, w, ex, st, err)
			return
		}
		result = cm.ExecuteCode(ctx, params.Arguments.Code)
	}

	if p.metrics != nil {
		p.metrics.ObserveCodeExecution(srv.Name, result.Success)
	}
	if !result.Success {
		p.logger.Warn("code execution failed", "server", srv.Name, "error", result.Error)
	}

	text, err := json.Marshal(result)
	if err != nil {
		p.failExchange(ctx, w, ex, st, fmt.Errorf("serialize execution result: %w", err))
		return
	}
	synth, err := mcp.NewResultEnvelope(ex.Env.IDValue(), map[string]any{
		"content": []map[string]any{{"type": "text", "text": string(text)}},
	})
	if err != nil {
		p.failExchange(ctx, w, ex, st, err)
		return
	}
	encoded, err := json.Marshal(synth)
	if err != nil {
		p.failExchange(ctx, w, ex, st, err)
		return
	}

	st.lastStatus = http.StatusOK
	p.relayRawResponseWithError(ctx, w, ex, st, http.StatusOK, nil, encoded, result.Error)
}

// relayRawResponse captures, publishes, and writes a JSON body.
func (p *ProxyService) relayRawResponse(ctx context.Context, w http.ResponseWriter, ex *Exchange, st *exchangeState, status int, upstream http.Header, body []byte) {
	p.relayRawResponseWithError(ctx, w, ex, st, status, upstream, body, upstreamErrorMessage(body))
}

func (p *ProxyService) relayRawResponseWithError(ctx context.Context, w http.ResponseWriter, ex *Exchange, st *exchangeState, status int, upstream http.Header, body []byte, errMsg string) {
	duration := time.Since(st.start)

	if ex.Env.HasID() {
		rec := &capture.Record{
			Kind:       capture.KindResponse,
			ServerName: st.srvName,
			SessionID:  st.sessionID,
			Method:     ex.Env.Method,
			Direction:  mcp.Outbound,
			Timestamp:  time.Now().UTC(),
			Response:   opaqueOrJSON(body),
			Metadata: capture.Metadata{
				HTTPStatus: status,
				DurationMs: duration.Milliseconds(),
			},
		}
		if _, err := p.captures.Append(ctx, rec); err != nil {
			p.countCaptureFailure()
			p.logger.Error("response capture failed", "server", st.srvName, "error", err)
		}
		p.bus.PublishLog(event.LogEntry{
			CaptureID:    rec.CaptureID,
			ServerName:   st.srvName,
			SessionID:    st.sessionID,
			Method:       ex.Env.Method,
			Direction:    string(mcp.Outbound),
			Kind:         string(capture.KindResponse),
			HTTPStatus:   status,
			DurationMs:   duration.Milliseconds(),
			ErrorMessage: errMsg,
			Timestamp:    rec.Timestamp,
		})
	}

	if upstream != nil {
		copyResponseHeaders(w, upstream)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)

	p.bumpActivity(ctx, st.srvName)
	p.observe(st.srvName, ex.Env.Method, status, duration)
}
