// Package controlplane implements the JSON-RPC tool-call surface and the
// SSE notification fan-out: one dispatch table keyed by tool name, and one
// broadcast of every store change / tunnel supervisor state transition to
// every registered stream.
package controlplane

import (
	"encoding/json"
	"fmt"
	"sync"

	"webhookbroker/internal/store"
	"webhookbroker/internal/tunnel"
)

// JSON-RPC 2.0 reserved error codes, plus the custom rate-limit code the
// ingress server returns on POST /mcp when the caller has been throttled.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeRateLimited    = -32000
)

// RPCError is the `error` member of a JSON-RPC 2.0 response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

func errf(code int, format string, args ...any) *RPCError {
	return &RPCError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Request is an incoming JSON-RPC 2.0 envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is the envelope IngressServer writes back.
type Response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolHandler is the uniform shape every registered tool implements (spec
// §9's "dynamic dispatch... registry keyed by tool name").
type ToolHandler func(arguments json.RawMessage) (any, *RPCError)

// PublicURLFunc resolves the broker's current externally-reachable base
// URL, so get_public_webhook_url and create_subscription's returned
// webhook_url can be formed without ControlPlane reaching into config
// directly.
type PublicURLFunc func() string

// ControlPlane owns the tool registry and the SSE subscriber set.
type ControlPlane struct {
	store     store.Store
	tunnel    *tunnel.Supervisor
	publicURL PublicURLFunc
	tools     map[string]ToolHandler

	mu      sync.Mutex
	streams map[int]chan []byte
	nextID  int

	storeCancel func()
}

// New wires the tool registry and starts relaying Store/Supervisor activity
// to registered SSE streams. Callers must call Close when the process
// shuts down to stop that relay.
func New(st store.Store, sup *tunnel.Supervisor, publicURL PublicURLFunc) *ControlPlane {
	cp := &ControlPlane{
		store:     st,
		tunnel:    sup,
		publicURL: publicURL,
		streams:   make(map[int]chan []byte),
	}
	cp.tools = map[string]ToolHandler{
		"create_subscription":    cp.createSubscription,
		"list_subscriptions":     cp.listSubscriptions,
		"update_subscription":    cp.updateSubscription,
		"delete_subscription":    cp.deleteSubscription,
		"get_event_payload":      cp.getEventPayload,
		"get_public_webhook_url": cp.getPublicWebhookURL,
		"start_tunnel":           cp.startTunnel,
		"stop_tunnel":            cp.stopTunnel,
		"start_quick_tunnel":     cp.startQuickTunnel,
		"get_tunnel_status":      cp.getTunnelStatus,
	}

	changes, cancel := st.SubscribeToChanges()
	go func() {
		for range changes {
			cp.broadcast("subscriptions_changed", map[string]any{})
		}
	}()
	cp.storeCancel = cancel

	if sup != nil {
		sup.OnStateChange(func(state tunnel.State, url string) {
			payload := map[string]any{"status": string(state)}
			if url != "" {
				payload["public_url"] = url
			}
			cp.broadcast("tunnel_state", payload)
		})
	}

	return cp
}

// Close unregisters the Store change subscription, so later store changes
// are no longer relayed to SSE streams.
func (cp *ControlPlane) Close() {
	if cp.storeCancel != nil {
		cp.storeCancel()
	}
}

// Dispatch routes one JSON-RPC request to its tool handler. The only method
// this control plane recognizes is "tools/call"; anything else is
// CodeMethodNotFound.
func (cp *ControlPlane) Dispatch(req Request) Response {
	resp := Response{JSONRPC: "2.0", ID: req.ID}

	if req.Method != "tools/call" {
		resp.Error = errf(CodeMethodNotFound, "unknown method %q", req.Method)
		return resp
	}

	var call toolCallParams
	if err := json.Unmarshal(req.Params, &call); err != nil {
		resp.Error = errf(CodeInvalidParams, "invalid params: %v", err)
		return resp
	}

	handler, ok := cp.tools[call.Name]
	if !ok {
		resp.Error = errf(CodeMethodNotFound, "unknown tool %q", call.Name)
		return resp
	}

	result, rpcErr := handler(call.Arguments)
	if rpcErr != nil {
		resp.Error = rpcErr
		return resp
	}
	resp.Result = result
	return resp
}

// Register adds a new SSE stream to the broadcast set and returns its
// receive channel plus an id to pass to Unregister.
func (cp *ControlPlane) Register() (int, <-chan []byte) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	id := cp.nextID
	cp.nextID++
	ch := make(chan []byte, 16)
	cp.streams[id] = ch
	return id, ch
}

// Unregister removes a stream, e.g. after a failed write or client
// disconnect.
func (cp *ControlPlane) Unregister(id int) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if ch, ok := cp.streams[id]; ok {
		close(ch)
		delete(cp.streams, id)
	}
}

// broadcast frames one event and pushes it to every live stream. A full
// channel buffer drops the frame for that subscriber rather than blocking
// the broadcaster; the notification stream is best-effort.
func (cp *ControlPlane) broadcast(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	frame := fmt.Appendf(nil, "event: %s\ndata: %s\n\n", event, data)

	cp.mu.Lock()
	defer cp.mu.Unlock()
	for _, ch := range cp.streams {
		select {
		case ch <- frame:
		default:
		}
	}
}
