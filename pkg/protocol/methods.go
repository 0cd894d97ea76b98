package protocol

// RPC method name constants for the gateway's WebSocket control surface.

const (
	// Agent
	MethodAgent            = "agent"
	MethodAgentWait        = "agent.wait"
	MethodAgentIdentityGet = "agent.identity.get"

	// Chat
	MethodChatSend    = "chat.send"
	MethodChatHistory = "chat.history"

	// Agents management
	MethodAgentsList   = "agents.list"
	MethodAgentsCreate = "agents.create"
	MethodAgentsUpdate = "agents.update"
	MethodAgentsDelete = "agents.delete"

	// Config
	MethodConfigGet   = "config.get"
	MethodConfigApply = "config.apply"

	// Sessions
	MethodSessionsList   = "sessions.list"
	MethodSessionsReset  = "sessions.reset"
	MethodSessionsDelete = "sessions.delete"

	// System
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"

	MethodChannelsList   = "channels.list"
	MethodChannelsStatus = "channels.status"
)
