package protocol

// Tool name constants for the canonical tool surface.
const (
	// Memory
	ToolStoreMemory          = "store_memory"
	ToolRetrieveMemory       = "retrieve_memory"
	ToolSearchMemories       = "search_memories"
	ToolDeleteMemory         = "delete_memory"
	ToolBulkDeleteMemories   = "bulk_delete_memories"
	ToolGetFormatGuide       = "get_format_guide"
	ToolGetMemoryAccessStats = "get_memory_access_stats"

	// Directory
	ToolRegisterAgent  = "register_agent"
	ToolHeartbeat      = "heartbeat"
	ToolListAgents     = "list_agents"
	ToolGetAgentStatus = "get_agent_status"

	// Coordination
	ToolBroadcastDiscovery = "broadcast_discovery"
	ToolDelegateTask       = "delegate_task"
	ToolCancelDelegation   = "cancel_delegation"
	ToolAcknowledgeMessage = "acknowledge_message"
	ToolListInbox          = "list_inbox"
	ToolQueryCollective    = "query_collective"

	// Sync
	ToolSyncStatus = "sync_status"
	ToolForceSync  = "force_sync"

	// Transport-level (handled before rule evaluation)
	ToolOpenSession    = "open_session"
	ToolRecoverSession = "recover_session"
	ToolPing           = "ping"
)
