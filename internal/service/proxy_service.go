package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mcptap/mcptap/internal/domain/capture"
	"github.com/mcptap/mcptap/internal/domain/event"
	"github.com/mcptap/mcptap/internal/domain/session"
	"github.com/mcptap/mcptap/pkg/mcp"
	"github.com/mcptap/mcptap/pkg/sse"
)

// Header names the proxy inspects or rewrites.
const (
	HeaderSessionID       = "Mcp-Session-Id"
	HeaderProtocolVersion = "MCP-Protocol-Version"
)

// maxUpstreamBodySize caps a plain JSON upstream response body.
// Prevents OOM from a malicious upstream sending unbounded responses.
const maxUpstreamBodySize = 10 * 1024 * 1024 // 10MB

// hostManagedHeaders are never forwarded in either direction; the HTTP
// stack owns them.
var hostManagedHeaders = []string{"Content-Length", "Transfer-Encoding", "Connection"}

// Exchange is one validated inbound request ready to be proxied.
type Exchange struct {
	// ServerName is the path parameter naming the upstream.
	ServerName string
	// Env is the validated JSON-RPC envelope.
	Env *mcp.Envelope
	// SessionID is the derived session id ("stateless" when absent).
	SessionID string
	// SessionHeader is the verbatim inbound Mcp-Session-Id value ("" when
	// absent); it is mirrored as-is to the upstream.
	SessionHeader string
	// ProtocolVersion is the inbound MCP-Protocol-Version header, if any.
	ProtocolVersion string
	// Accept is the inbound Accept header, mirrored to the upstream.
	Accept string
	// CodeMode selects the codemode variant of the proxy path.
	CodeMode bool
}

// ProxyService validates, forwards, tees, captures, logs, and returns
// upstream responses. It borrows the registry, capture store, session
// table, and event bus; it owns none of them.
type ProxyService struct {
	registry *RegistryService
	captures capture.Store
	sessions *session.Table
	bus      *event.Bus
	client   *http.Client
	logger   *slog.Logger
	metrics  *ProxyMetrics
	timeout  time.Duration
	codeMode *CodeModeService
}

// ProxyOption is a functional option for configuring ProxyService.
type ProxyOption func(*ProxyService)

// WithHTTPClient sets a custom HTTP client for upstream calls.
func WithHTTPClient(c *http.Client) ProxyOption {
	return func(p *ProxyService) { p.client = c }
}

// WithExchangeTimeout sets the global per-exchange deadline.
func WithExchangeTimeout(d time.Duration) ProxyOption {
	return func(p *ProxyService) { p.timeout = d }
}

// WithProxyMetrics attaches Prometheus metrics to the proxy.
func WithProxyMetrics(m *ProxyMetrics) ProxyOption {
	return func(p *ProxyService) { p.metrics = m }
}

// WithCodeMode attaches the code-mode dispatcher used by the codemode
// endpoint variant.
func WithCodeMode(cm *CodeModeService) ProxyOption {
	return func(p *ProxyService) { p.codeMode = cm }
}

// NewProxyService creates the proxy engine.
func NewProxyService(reg *RegistryService, captures capture.Store, sessions *session.Table, bus *event.Bus, logger *slog.Logger, opts ...ProxyOption) *ProxyService {
	if logger == nil {
		logger = slog.Default()
	}
	p := &ProxyService{
		registry: reg,
		captures: captures,
		sessions: sessions,
		bus:      bus,
		logger:   logger,
		timeout:  2 * time.Minute,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:          32,
				MaxIdleConnsPerHost:   8,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// exchangeState tracks per-exchange bookkeeping across the pipeline steps.
type exchangeState struct {
	srvName     string
	srvURL      string
	sessionID   string
	start       time.Time
	captureFile string
	lastStatus  int
}

// Execute runs one proxied exchange end to end and writes the outcome to w.
// The server is resolved against the registry; unknown names yield 404.
func (p *ProxyService) Execute(ctx context.Context, w http.ResponseWriter, ex *Exchange) {
	srv, err := p.registry.Get(ex.ServerName)
	if err != nil {
		writeHTTPError(w, http.StatusNotFound, fmt.Sprintf("unknown server %q", ex.ServerName))
		return
	}

	if p.timeout > 0 {
		// The upstream call must outlive a client disconnect so the SSE
		// capture pipeline can drain; only the exchange deadline cancels it.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()
	}

	env := ex.Env
	st := &exchangeState{
		srvName:   srv.Name,
		srvURL:    srv.URL,
		sessionID: ex.SessionID,
		start:     time.Now(),
	}

	// Capture the request before anything can fail downstream; the
	// filename anchors the session rename later.
	reqRec := &capture.Record{
		Kind:       capture.KindRequest,
		ServerName: srv.Name,
		SessionID:  st.sessionID,
		Method:     env.Method,
		Direction:  mcp.Inbound,
		Timestamp:  time.Now().UTC(),
		Request:    json.RawMessage(env.Encode()),
	}
	if name, err := p.captures.Append(ctx, reqRec); err != nil {
		// capture-io never aborts the exchange.
		p.countCaptureFailure()
		p.logger.Error("request capture failed", "server", srv.Name, "error", err)
	} else {
		st.captureFile = name
	}

	p.bus.PublishLog(event.LogEntry{
		CaptureID:  reqRec.CaptureID,
		ServerName: srv.Name,
		SessionID:  st.sessionID,
		Method:     env.Method,
		Direction:  string(mcp.Inbound),
		Kind:       string(capture.KindRequest),
		Timestamp:  reqRec.Timestamp,
	})

	if env.Method == mcp.MethodInitialize {
		if info, ok := mcp.ClientInfoFromParams(env.Params); ok {
			p.sessions.Store(st.sessionID, info)
		}
	}

	if ex.CodeMode && p.codeMode != nil {
		switch {
		case env.Method == mcp.MethodToolsList:
			p.executeCodeModeToolsList(ctx, w, srv, ex, st)
			return
		case env.Method == mcp.MethodToolsCall && toolCallName(env.Params) == ExecuteCodeToolName:
			p.executeCodeModeCall(ctx, w, srv, ex, st)
			return
		}
	}

	resp, err := p.forward(ctx, srv.URL, srv.Headers, ex)
	if err != nil {
		p.failExchange(ctx, w, ex, st, fmt.Errorf("forward to upstream: %w", err))
		return
	}
	defer func() { _ = resp.Body.Close() }()
	st.lastStatus = resp.StatusCode

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		p.relaySSE(ctx, w, ex, st, resp)
		return
	}
	p.relayJSON(ctx, w, ex, st, resp)
}

// forward POSTs the validated envelope to the upstream URL, mirroring the
// session and protocol headers and applying the server's configured headers.
func (p *ProxyService) forward(ctx context.Context, url string, serverHeaders map[string]string, ex *Exchange) (*http.Response, error) {
	body := ex.Env.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("create upstream request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if ex.ProtocolVersion != "" {
		req.Header.Set(HeaderProtocolVersion, ex.ProtocolVersion)
	} else {
		req.Header.Set(HeaderProtocolVersion, mcp.ProtocolVersion)
	}
	if ex.SessionHeader != "" {
		req.Header.Set(HeaderSessionID, ex.SessionHeader)
	}
	for k, v := range serverHeaders {
		if isHostManagedHeader(k) {
			continue
		}
		req.Header.Set(k, v)
	}
	if ex.Accept != "" {
		req.Header.Set("Accept", ex.Accept)
	}

	return p.client.Do(req)
}

// relayJSON handles a plain (non-streaming) upstream response: read fully,
// capture, log, and relay verbatim.
func (p *ProxyService) relayJSON(ctx context.Context, w http.ResponseWriter, ex *Exchange, st *exchangeState, resp *http.Response) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBodySize))
	if err != nil {
		p.failExchange(ctx, w, ex, st, fmt.Errorf("read upstream body: %w", err))
		return
	}
	duration := time.Since(st.start)

	p.sessionTransition(ctx, ex, st, resp.Header)

	// Only requests with an id expect a response capture; notifications
	// produce a request record only.
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
				HTTPStatus: resp.StatusCode,
				DurationMs: duration.Milliseconds(),
			},
		}
		errMsg := upstreamErrorMessage(body)
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
			HTTPStatus:   resp.StatusCode,
			DurationMs:   duration.Milliseconds(),
			ErrorMessage: errMsg,
			Timestamp:    rec.Timestamp,
		})
	}

	copyResponseHeaders(w, resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)

	p.bumpActivity(ctx, st.srvName)
	p.observe(st.srvName, ex.Env.Method, resp.StatusCode, duration)
}

// relaySSE streams an event-stream response to the client while a
// background pipeline frames, recognizes, and captures each event. Capture
// latency and capture errors never reach the client stream; if the client
// goes away the upstream is still drained so the durable capture stays
// consistent.
func (p *ProxyService) relaySSE(ctx context.Context, w http.ResponseWriter, ex *Exchange, st *exchangeState, resp *http.Response) {
	if resp.Body == nil {
		p.failExchange(ctx, w, ex, st, errors.New("upstream event-stream has no body"))
		return
	}

	// Activity is bumped up front: an SSE stream may outlive the exchange
	// accounting window.
	p.bumpActivity(ctx, st.srvName)
	p.sessionTransition(ctx, ex, st, resp.Header)

	copyResponseHeaders(w, resp.Header)
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)

	pr, pw := io.Pipe()
	captureDone := make(chan struct{})
	go func() {
		defer close(captureDone)
		p.captureSSEStream(ctx, ex, st, pr)
	}()

	tee := io.TeeReader(resp.Body, pw)
	buf := make([]byte, 32*1024)
	clientGone := false
	for {
		n, err := tee.Read(buf)
		if n > 0 && !clientGone {
			if _, werr := w.Write(buf[:n]); werr != nil {
				// Client disconnected; keep draining for the capture tee.
				clientGone = true
			} else if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err == io.EOF {
				_ = pw.Close()
			} else {
				_ = pw.CloseWithError(err)
			}
			break
		}
	}
	<-captureDone

	p.observe(st.srvName, ex.Env.Method, resp.StatusCode, time.Since(st.start))
}

// captureSSEStream drives the SSE scanner over the teed body, capturing
// recognized JSON-RPC payloads and raw events. A premature upstream close
// appends a final error capture; the partial trailing event is discarded
// by the scanner.
func (p *ProxyService) captureSSEStream(ctx context.Context, ex *Exchange, st *exchangeState, r io.Reader) {
	scanner := sse.NewScanner(r)
	for {
		ev, err := scanner.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.captureStreamError(ctx, ex, st, err)
			}
			return
		}
		p.captureSSEEvent(ctx, ex, st, ev)
	}
}

// captureSSEEvent records one framed event: recognized JSON-RPC payloads
// become request/response records, everything else a raw sse-event record.
func (p *ProxyService) captureSSEEvent(ctx context.Context, ex *Exchange, st *exchangeState, ev *sse.Event) {
	p.countSSEEvent()

	env, kind, ok := sse.DecodeJSONRPC(ev.Data)
	if !ok {
		rec := &capture.Record{
			Kind:       capture.KindSSEEvent,
			ServerName: st.srvName,
			SessionID:  st.sessionID,
			Method:     ex.Env.Method,
			Direction:  mcp.Outbound,
			Timestamp:  time.Now().UTC(),
			SSEEvent:   ev,
			Metadata:   capture.Metadata{HTTPStatus: st.lastStatus},
		}
		if _, err := p.captures.Append(ctx, rec); err != nil {
			p.countCaptureFailure()
			p.logger.Error("sse event capture failed", "server", st.srvName, "error", err)
		}
		return
	}

	duration := time.Since(st.start)
	rec := &capture.Record{
		ServerName: st.srvName,
		SessionID:  st.sessionID,
		Direction:  mcp.Outbound,
		Timestamp:  time.Now().UTC(),
		Metadata: capture.Metadata{
			HTTPStatus: st.lastStatus,
			DurationMs: duration.Milliseconds(),
		},
	}
	switch kind {
	case mcp.KindResponse:
		rec.Kind = capture.KindResponse
		rec.Method = ex.Env.Method
		rec.Response = json.RawMessage(env.Raw)
	default:
		// Server-initiated request or notification carried in the stream.
		rec.Kind = capture.KindRequest
		rec.Method = env.Method
		rec.Request = json.RawMessage(env.Raw)
	}
	if _, err := p.captures.Append(ctx, rec); err != nil {
		p.countCaptureFailure()
		p.logger.Error("sse json-rpc capture failed", "server", st.srvName, "error", err)
	}

	if kind == mcp.KindResponse {
		p.bus.PublishLog(event.LogEntry{
			CaptureID:    rec.CaptureID,
			ServerName:   st.srvName,
			SessionID:    st.sessionID,
			Method:       ex.Env.Method,
			Direction:    string(mcp.Outbound),
			Kind:         string(capture.KindResponse),
			HTTPStatus:   st.lastStatus,
			DurationMs:   duration.Milliseconds(),
			ErrorMessage: upstreamErrorMessage([]byte(ev.Data)),
			Timestamp:    rec.Timestamp,
		})
	}
}

// captureStreamError appends a final error capture when the upstream
// stream dies mid-flight.
func (p *ProxyService) captureStreamError(ctx context.Context, ex *Exchange, st *exchangeState, cause error) {
	rec := &capture.Record{
		Kind:         capture.KindError,
		ServerName:   st.srvName,
		SessionID:    st.sessionID,
		Method:       ex.Env.Method,
		Direction:    mcp.Outbound,
		Timestamp:    time.Now().UTC(),
		ErrorMessage: cause.Error(),
		Metadata:     capture.Metadata{HTTPStatus: st.lastStatus},
	}
	if _, err := p.captures.Append(ctx, rec); err != nil {
		p.countCaptureFailure()
		p.logger.Error("stream error capture failed", "server", st.srvName, "error", err)
	}
	p.bus.PublishLog(event.LogEntry{
		CaptureID:    rec.CaptureID,
		ServerName:   st.srvName,
		SessionID:    st.sessionID,
		Method:       ex.Env.Method,
		Direction:    string(mcp.Outbound),
		Kind:         string(capture.KindError),
		HTTPStatus:   st.lastStatus,
		ErrorMessage: cause.Error(),
		Timestamp:    rec.Timestamp,
	})
}

// sessionTransition handles the initialize -> session-id transition: when a
// stateless initialize is answered with an Mcp-Session-Id header, the
// client info is copied under the new id first, then the in-progress
// capture file is renamed. Rename failure is logged but non-fatal.
func (p *ProxyService) sessionTransition(ctx context.Context, ex *Exchange, st *exchangeState, upstream http.Header) {
	if ex.Env.Method != mcp.MethodInitialize || ex.SessionID != session.StatelessID {
		return
	}
	newID := upstream.Get(HeaderSessionID)
	if newID == "" {
		return
	}

	p.sessions.Adopt(newID)

	if st.captureFile != "" {
		newName, err := p.captures.RenameSessionFile(ctx, st.srvName, st.captureFile, newID)
		if err != nil {
			p.logger.Error("session capture rename failed",
				"server", st.srvName, "file", st.captureFile, "session", newID, "error", err)
		} else {
			st.captureFile = newName
		}
	}
	st.sessionID = newID
}

// failExchange synthesizes a JSON-RPC error envelope, captures it as an
// error record, publishes it, and answers the client. Notifications get the
// capture and the log entry but no envelope.
func (p *ProxyService) failExchange(ctx context.Context, w http.ResponseWriter, ex *Exchange, st *exchangeState, cause error) {
	p.logger.Error("exchange failed", "server", st.srvName, "method", ex.Env.Method, "error", cause)

	rec := &capture.Record{
		Kind:         capture.KindError,
		ServerName:   st.srvName,
		SessionID:    st.sessionID,
		Method:       ex.Env.Method,
		Direction:    mcp.Outbound,
		Timestamp:    time.Now().UTC(),
		ErrorMessage: cause.Error(),
		Metadata: capture.Metadata{
			HTTPStatus: st.lastStatus,
			DurationMs: time.Since(st.start).Milliseconds(),
		},
	}
	if _, err := p.captures.Append(ctx, rec); err != nil {
		p.countCaptureFailure()
		p.logger.Error("error capture failed", "server", st.srvName, "error", err)
	}
	p.bus.PublishLog(event.LogEntry{
		CaptureID:    rec.CaptureID,
		ServerName:   st.srvName,
		SessionID:    st.sessionID,
		Method:       ex.Env.Method,
		Direction:    string(mcp.Outbound),
		Kind:         string(capture.KindError),
		HTTPStatus:   st.lastStatus,
		DurationMs:   rec.Metadata.DurationMs,
		ErrorMessage: cause.Error(),
		Timestamp:    rec.Timestamp,
	})

	p.observe(st.srvName, ex.Env.Method, http.StatusOK, time.Since(st.start))

	if !ex.Env.HasID() {
		// No id to answer: the error is captured and logged only.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	envlp := mcp.NewErrorEnvelope(ex.Env.IDValue(), mcp.InternalError, cause.Error())
	writeEnvelope(w, envlp)
}

// bumpActivity serializes activity accounting per server; failures are
// logged and dropped so an exchange never fails on registry persistence.
func (p *ProxyService) bumpActivity(ctx context.Context, name string) {
	if err := p.registry.BumpActivity(ctx, name); err != nil {
		p.logger.Error("activity update failed", "server", name, "error", err)
	}
}

func (p *ProxyService) observe(server, method string, status int, d time.Duration) {
	if p.metrics != nil {
		p.metrics.ObserveExchange(server, method, status, d)
	}
}

func (p *ProxyService) countSSEEvent() {
	if p.metrics != nil {
		p.metrics.SSEEvents.Inc()
	}
}

func (p *ProxyService) countCaptureFailure() {
	if p.metrics != nil {
		p.metrics.CaptureFailures.Inc()
	}
}

// opaqueOrJSON preserves a valid JSON body verbatim; anything else is
// retained as an opaque JSON string.
func opaqueOrJSON(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	quoted, _ := json.Marshal(string(body))
	return json.RawMessage(quoted)
}

// upstreamErrorMessage extracts a human-readable message when an upstream
// body is a JSON-RPC error envelope (e.g. "JSON-RPC -32602: bad").
func upstreamErrorMessage(body []byte) string {
	env, err := mcp.DecodeEnvelope(body)
	if err != nil || env.Error == nil {
		return ""
	}
	return env.Error.Error()
}

// toolCallName extracts params.name from tools/call params.
func toolCallName(params json.RawMessage) string {
	var p struct {
		Name string `json:"name"`
	}
	_ = json.Unmarshal(params, &p)
	return p.Name
}

// isHostManagedHeader reports whether the header is owned by the HTTP
// stack and must not be forwarded.
func isHostManagedHeader(name string) bool {
	for _, h := range hostManagedHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

// copyResponseHeaders relays upstream headers minus the host-managed set.
func copyResponseHeaders(w http.ResponseWriter, src http.Header) {
	for k, values := range src {
		if isHostManagedHeader(k) {
			continue
		}
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
}

// writeEnvelope writes a synthesized JSON-RPC envelope as 200 OK.
func writeEnvelope(w http.ResponseWriter, env *mcp.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(env)
}

// httpError is the JSON body for 4xx routing/validation failures.
type httpError struct {
	Error string `json:"error"`
}

// writeHTTPError writes a JSON error body with the given status.
func writeHTTPError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(httpError{Error: msg})
}
