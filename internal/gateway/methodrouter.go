package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/agentgw/internal/providers"
	"github.com/nextlevelbuilder/agentgw/internal/sessions"
	"github.com/nextlevelbuilder/agentgw/pkg/protocol"
)

// MethodHandler handles one RPC method, returning a JSON-serializable
// result or an error to report back to the caller.
type MethodHandler func(ctx context.Context, s *Server, c *Client, params json.RawMessage) (interface{}, error)

// MethodRouter dispatches incoming rpcRequests by method name.
type MethodRouter struct {
	server   *Server
	handlers map[string]MethodHandler
}

// NewMethodRouter builds the router and registers the gateway's built-in
// RPC surface against s.
func NewMethodRouter(s *Server) *MethodRouter {
	r := &MethodRouter{server: s, handlers: make(map[string]MethodHandler)}
	r.handlers[protocol.MethodConnect] = handleConnect
	r.handlers[protocol.MethodHealth] = handleHealth
	r.handlers[protocol.MethodStatus] = handleStatus
	r.handlers[protocol.MethodAgentsList] = handleAgentsList
	r.handlers[protocol.MethodAgentWait] = handleAgentWait
	r.handlers[protocol.MethodConfigGet] = handleConfigGet
	r.handlers[protocol.MethodSessionsList] = handleSessionsList
	r.handlers[protocol.MethodSessionsReset] = handleSessionsReset
	r.handlers[protocol.MethodSessionsDelete] = handleSessionsDelete
	r.handlers[protocol.MethodChatSend] = handleChatSend
	r.handlers[protocol.MethodChatHistory] = handleChatHistory
	r.handlers[protocol.MethodChannelsList] = handleChannelsList
	r.handlers[protocol.MethodChannelsStatus] = handleChannelsStatus
	return r
}

// Register adds or overrides a method handler.
func (r *MethodRouter) Register(method string, h MethodHandler) {
	r.handlers[method] = h
}

// Dispatch runs the handler registered for req.Method, if any, against the
// router's server and the calling client.
func (r *MethodRouter) Dispatch(ctx context.Context, c *Client, req rpcRequest) rpcResponse {
	h, ok := r.handlers[req.Method]
	if !ok {
		return rpcResponse{ID: req.ID, Error: fmt.Sprintf("unknown method %q", req.Method)}
	}
	result, err := h(ctx, r.server, c, req.Params)
	if err != nil {
		return rpcResponse{ID: req.ID, Error: err.Error()}
	}
	return rpcResponse{ID: req.ID, Result: result}
}

func handleConnect(_ context.Context, s *Server, _ *Client, _ json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"protocolVersion": protocol.ProtocolVersion,
		"agents":          len(s.registry.ListAgents()),
	}, nil
}

func handleHealth(_ context.Context, s *Server, _ *Client, _ json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"status":   "ok",
		"protocol": protocol.ProtocolVersion,
		"active":   s.manager.ListActiveAgents(),
	}, nil
}

func handleStatus(_ context.Context, s *Server, _ *Client, _ json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"agents":   s.registry.ListAgents(),
		"bindings": s.registry.ListBindings(),
		"active":   s.manager.ListActiveAgents(),
		"channels": s.channels.GetStatus(),
	}, nil
}

func handleAgentsList(_ context.Context, s *Server, _ *Client, _ json.RawMessage) (interface{}, error) {
	return s.registry.ListAgents(), nil
}

type agentWaitParams struct {
	Name string `json:"name"`
}

func handleAgentWait(_ context.Context, s *Server, _ *Client, raw json.RawMessage) (interface{}, error) {
	var p agentWaitParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	inst, err := s.manager.GetLoopForName(p.Name)
	if err != nil {
		return nil, err
	}
	return map[string]string{"name": inst.Name, "workspace": inst.Workspace}, nil
}

func handleConfigGet(_ context.Context, s *Server, _ *Client, _ json.RawMessage) (interface{}, error) {
	return s.registry.Config().Agents, nil
}

type agentIDParams struct {
	AgentID string `json:"agentID"`
}

func handleSessionsList(_ context.Context, s *Server, _ *Client, raw json.RawMessage) (interface{}, error) {
	var p agentIDParams
	json.Unmarshal(raw, &p)
	return s.sessions.List(p.AgentID), nil
}

type sessionKeyParams struct {
	Key string `json:"key"`
}

func handleSessionsReset(_ context.Context, s *Server, _ *Client, raw json.RawMessage) (interface{}, error) {
	var p sessionKeyParams
	if err := json.Unmarshal(raw, &p); err != nil || p.Key == "" {
		return nil, fmt.Errorf("invalid params: missing key")
	}
	s.sessions.Reset(p.Key)
	return map[string]bool{"ok": true}, nil
}

func handleSessionsDelete(_ context.Context, s *Server, _ *Client, raw json.RawMessage) (interface{}, error) {
	var p sessionKeyParams
	if err := json.Unmarshal(raw, &p); err != nil || p.Key == "" {
		return nil, fmt.Errorf("invalid params: missing key")
	}
	if err := s.sessions.Delete(p.Key); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

type chatSendParams struct {
	Agent   string `json:"agent"`
	Session string `json:"session"`
	Message string `json:"message"`
}

func handleChatSend(ctx context.Context, s *Server, _ *Client, raw json.RawMessage) (interface{}, error) {
	var p chatSendParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.Agent == "" {
		p.Agent = "main"
	}
	inst, err := s.manager.GetLoopForName(p.Agent)
	if err != nil {
		return nil, err
	}
	sessionKey := p.Session
	if sessionKey == "" {
		sessionKey = sessions.BuildSessionKey(inst.Name, "gateway", sessions.PeerDirect, "ws")
	}

	s.sessions.AddMessage(sessionKey, providers.Message{Role: "user", Content: p.Message})
	history := s.sessions.GetHistory(sessionKey)

	runID, end := inst.BeginRun()
	resp, err := inst.Provider.Chat(ctx, providers.ChatRequest{Messages: history, Model: inst.Def.Model})
	end(err)
	if err != nil {
		return nil, err
	}

	s.sessions.AddMessage(sessionKey, providers.Message{Role: "assistant", Content: resp.Content})
	return map[string]interface{}{
		"runID":   runID,
		"session": sessionKey,
		"content": resp.Content,
	}, nil
}

func handleChatHistory(_ context.Context, s *Server, _ *Client, raw json.RawMessage) (interface{}, error) {
	var p sessionKeyParams
	if err := json.Unmarshal(raw, &p); err != nil || p.Key == "" {
		return nil, fmt.Errorf("invalid params: missing key")
	}
	return s.sessions.GetHistory(p.Key), nil
}

func handleChannelsList(_ context.Context, s *Server, _ *Client, _ json.RawMessage) (interface{}, error) {
	return s.channels.GetEnabledChannels(), nil
}

func handleChannelsStatus(_ context.Context, s *Server, _ *Client, _ json.RawMessage) (interface{}, error) {
	return s.channels.GetStatus(), nil
}
