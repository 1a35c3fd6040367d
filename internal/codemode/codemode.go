package codemode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dop251/goja"

	"github.com/mcptap/mcptap/pkg/mcp"
)

// ExecuteCodeToolName is the fixed name of the single synthesized tool a
// codemode endpoint exposes.
const ExecuteCodeToolName = "execute_code"

// DefaultTimeout bounds script execution when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// RPCHandler dispatches one inner tool invocation back to an upstream. It
// receives the ORIGINAL (non-canonicalized) server and tool names and the
// script-supplied arguments, and returns the decoded tool result.
type RPCHandler func(ctx context.Context, serverName, toolName string, args json.RawMessage) (json.RawMessage, error)

// ServerDescriptor names one upstream and its discovered tools.
type ServerDescriptor struct {
	Name  string
	URL   string
	Tools []mcp.Tool
}

// Options configures a CodeMode surface.
type Options struct {
	Servers []ServerDescriptor
	// SessionID is echoed on inner RPC calls ("stateless" when empty).
	SessionID string
	// Timeout bounds each ExecuteCode run; DefaultTimeout when zero.
	Timeout time.Duration
	// RPC dispatches inner tool calls. Required.
	RPC    RPCHandler
	Logger *slog.Logger
}

// ExecutionResult is the outcome of one script run.
type ExecutionResult struct {
	Output      string `json:"output"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
	Stack       string `json:"stack,omitempty"`
	ReturnValue any    `json:"returnValue,omitempty"`
}

// CodeMode is a compiled tool surface for one or more servers: generated
// type declarations, a generated runtime client, and a script executor.
// A CodeMode is immutable once created; rebuild it when the upstream tool
// list changes.
type CodeMode struct {
	servers   []compiledServer
	byName    map[string]*compiledServer
	typeDefs  string
	runtime   string
	sessionID string
	timeout   time.Duration
	rpc       RPCHandler
	logger    *slog.Logger
}

// New compiles the tool surface for the given servers.
func New(opts Options) (*CodeMode, error) {
	if opts.RPC == nil {
		return nil, errors.New("codemode: RPC handler is required")
	}
	if len(opts.Servers) == 0 {
		return nil, errors.New("codemode: at least one server descriptor is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = "stateless"
	}

	c := &CodeMode{
		byName:    make(map[string]*compiledServer, len(opts.Servers)),
		sessionID: sessionID,
		timeout:   timeout,
		rpc:       opts.RPC,
		logger:    logger,
	}

	var typeBlocks []string
	for _, desc := range opts.Servers {
		names := newIdentifierTable()
		cs := compiledServer{
			originalName: desc.Name,
			canonName:    camelIdentifier(desc.Name),
			url:          desc.URL,
			names:        names,
		}
		for _, tool := range desc.Tools {
			canon := names.put(tool.Name, camelIdentifier(tool.Name))
			cs.tools = append(cs.tools, compiledTool{originalName: tool.Name, canonName: canon})
		}
		typeBlocks = append(typeBlocks, generateTypeDefinitions(desc.Name, desc.Tools, names))
		c.servers = append(c.servers, cs)
	}
	for i := range c.servers {
		c.byName[c.servers[i].originalName] = &c.servers[i]
	}
	c.typeDefs = strings.Join(typeBlocks, "\n")
	c.runtime = generateRuntimeClient(c.servers)
	return c, nil
}

// TypeDefinitions returns the generated type declarations for all servers.
func (c *CodeMode) TypeDefinitions() string { return c.typeDefs }

// RuntimeAPI returns the generated runtime client module source.
func (c *CodeMode) RuntimeAPI() string { return c.runtime }

// SessionID returns the session the surface is bound to.
func (c *CodeMode) SessionID() string { return c.sessionID }

// ExecuteCodeTool returns the single synthesized tool descriptor whose
// description embeds the generated type declarations.
func (c *CodeMode) ExecuteCodeTool() mcp.Tool {
	desc := "Execute a JavaScript snippet against this server's tools. " +
		"Call tools through the client object `M` and return the final value, e.g. " +
		"`return await M.srv.someTool({...});`. Available tools:\n\n" + c.typeDefs
	return mcp.Tool{
		Name:        ExecuteCodeToolName,
		Description: desc,
		InputSchema: json.RawMessage(`{"type":"object","properties":{"code":{"type":"string","description":"JavaScript source to execute. The last returned value becomes the tool result."}},"required":["code"]}`),
	}
}

// errExecutionTimeout interrupts the VM when the deadline fires.
var errExecutionTimeout = errors.New("execution timeout")

// ExecuteCode evaluates userCode in a fresh VM with the runtime client, a
// captured console, and the __rpcCall binding. The script runs as an async
// unit raced against the configured deadline. Script failures and timeouts
// are reported inside the result, never as a Go error.
func (c *CodeMode) ExecuteCode(ctx context.Context, userCode string) ExecutionResult {
	deadline := time.Now().Add(c.timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	vm := goja.New()
	if err := vm.Set("__rpcCall", c.rpcCallBinding(ctx, vm)); err != nil {
		return ExecutionResult{Success: false, Error: fmt.Sprintf("prepare sandbox: %v", err)}
	}

	timer := time.AfterFunc(c.timeout, func() { vm.Interrupt(errExecutionTimeout) })
	defer timer.Stop()

	program := sanitizePrelude + "\n" + c.runtime + "\n" +
		"(async () => {\n" +
		"const __ret = await (async () => {\n" + userCode + "\n})();\n" +
		"return __sanitize(__ret);\n" +
		"})()\n"

	value, err := vm.RunString(program)
	output := consoleOutput(vm)
	if err != nil {
		if isInterrupt(err) {
			return c.timeoutResult(output)
		}
		msg, stack := exceptionDetails(err)
		return ExecutionResult{Output: output, Success: false, Error: msg, Stack: stack}
	}

	promise, ok := value.Export().(*goja.Promise)
	if !ok {
		// Not reachable with the async wrapper, but fail soft.
		return ExecutionResult{Output: output, Success: true, ReturnValue: value.Export()}
	}

	switch promise.State() {
	case goja.PromiseStateFulfilled:
		return ExecutionResult{Output: output, Success: true, ReturnValue: promise.Result().Export()}
	case goja.PromiseStateRejected:
		msg, stack := rejectionDetails(promise.Result())
		return ExecutionResult{Output: output, Success: false, Error: msg, Stack: stack}
	default:
		// The script awaits something that can never settle (the sandbox
		// has no timers or I/O beyond __rpcCall, which is synchronous).
		// Honor the deadline before reporting the timeout.
		if wait := time.Until(deadline); wait > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
		}
		return c.timeoutResult(consoleOutput(vm))
	}
}

func (c *CodeMode) timeoutResult(output string) ExecutionResult {
	return ExecutionResult{
		Output:  output,
		Success: false,
		Error:   fmt.Sprintf("Execution timeout after %dms", c.timeout.Milliseconds()),
	}
}

// rpcCallBinding is the host function behind every generated client leaf.
// It blocks the VM goroutine for the duration of the upstream call; script
// errors surface as thrown JS exceptions.
func (c *CodeMode) rpcCallBinding(ctx context.Context, vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		serverName := call.Argument(0).String()
		toolName := call.Argument(1).String()

		args := json.RawMessage(`{}`)
		if arg := call.Argument(2); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
			encoded, err := json.Marshal(arg.Export())
			if err != nil {
				panic(vm.NewGoError(fmt.Errorf("encode tool arguments: %w", err)))
			}
			args = encoded
		}

		if _, ok := c.byName[serverName]; !ok {
			panic(vm.NewGoError(fmt.Errorf("unknown server %q", serverName)))
		}

		raw, err := c.rpc(ctx, serverName, toolName, args)
		if err != nil {
			panic(vm.NewGoError(err))
		}

		var result any
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &result); err != nil {
				panic(vm.NewGoError(fmt.Errorf("decode tool result: %w", err)))
			}
		}
		return vm.ToValue(result)
	}
}

// consoleOutput drains the captured console lines from the VM.
func consoleOutput(vm *goja.Runtime) string {
	v := vm.Get("__consoleLines")
	if v == nil {
		return ""
	}
	lines, ok := v.Export().([]any)
	if !ok {
		return ""
	}
	parts := make([]string, 0, len(lines))
	for _, l := range lines {
		if s, ok := l.(string); ok {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

// isInterrupt reports whether err is the deadline interrupt.
func isInterrupt(err error) bool {
	var ie *goja.InterruptedError
	return errors.As(err, &ie)
}

// exceptionDetails extracts message and stack from a goja evaluation error.
func exceptionDetails(err error) (msg, stack string) {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return rejectionDetails(exc.Value())
	}
	return err.Error(), ""
}

// rejectionDetails extracts message and stack from a rejected promise value.
func rejectionDetails(v goja.Value) (msg, stack string) {
	if v == nil {
		return "unknown error", ""
	}
	if obj, ok := v.(*goja.Object); ok {
		if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
			msg = m.String()
		}
		if s := obj.Get("stack"); s != nil && !goja.IsUndefined(s) {
			stack = s.String()
		}
	}
	if msg == "" {
		msg = v.String()
	}
	return msg, stack
}

// ToolsFingerprint hashes a tool list so cached CodeMode surfaces can be
// invalidated when the upstream's tools/list changes.
func ToolsFingerprint(tools []mcp.Tool) uint64 {
	sorted := append([]mcp.Tool(nil), tools...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	h := xxhash.New()
	for _, t := range sorted {
		_, _ = h.WriteString(t.Name)
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(t.Description)
		_, _ = h.WriteString("\x00")
		_, _ = h.Write(t.InputSchema)
		_, _ = h.Write(t.OutputSchema)
		_, _ = h.WriteString("\x1e")
	}
	return h.Sum64()
}
