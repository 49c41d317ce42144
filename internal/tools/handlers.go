package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/nextlevelbuilder/hivemind/internal/coord"
	"github.com/nextlevelbuilder/hivemind/internal/directory"
	"github.com/nextlevelbuilder/hivemind/internal/memory"
	"github.com/nextlevelbuilder/hivemind/internal/store"
	"github.com/nextlevelbuilder/hivemind/internal/syncer"
	"github.com/nextlevelbuilder/hivemind/pkg/protocol"
)

// Deps carries the services the canonical tool set binds to.
type Deps struct {
	Memory    *memory.Service
	Directory *directory.Directory
	Coord     *coord.Service
	Syncer    *syncer.Syncer
}

// RegisterAll installs the canonical tool surface.
func RegisterAll(r *Registry, d Deps) {
	r.Register(&Tool{Name: protocol.ToolStoreMemory, Description: "Store a memory item", Handler: d.storeMemory})
	r.Register(&Tool{Name: protocol.ToolRetrieveMemory, Description: "Fetch one memory by id", Handler: d.retrieveMemory})
	r.Register(&Tool{Name: protocol.ToolSearchMemories, Description: "Hybrid keyword+vector search", Handler: d.searchMemories})
	r.Register(&Tool{Name: protocol.ToolDeleteMemory, Description: "Tombstone one memory", Handler: d.deleteMemory})
	r.Register(&Tool{Name: protocol.ToolBulkDeleteMemories, Description: "Tombstone many memories", Handler: d.bulkDelete})
	r.Register(&Tool{Name: protocol.ToolGetFormatGuide, Description: "Describe categories, scopes and content conventions", Handler: d.formatGuide})
	r.Register(&Tool{Name: protocol.ToolGetMemoryAccessStats, Description: "Per-operation access counters", Handler: d.accessStats})

	r.Register(&Tool{Name: protocol.ToolRegisterAgent, Description: "Join the agent directory", Handler: d.registerAgent})
	r.Register(&Tool{Name: protocol.ToolHeartbeat, Description: "Refresh directory liveness", Handler: d.heartbeat})
	r.Register(&Tool{Name: protocol.ToolListAgents, Description: "List directory entries", Handler: d.listAgents})
	r.Register(&Tool{Name: protocol.ToolGetAgentStatus, Description: "Fetch one agent's record", Handler: d.agentStatus})

	r.Register(&Tool{Name: protocol.ToolBroadcastDiscovery, Description: "Broadcast a discovery to the fleet", Handler: d.broadcast})
	r.Register(&Tool{Name: protocol.ToolDelegateTask, Description: "Delegate a task to a capable agent", Handler: d.delegate})
	r.Register(&Tool{Name: protocol.ToolCancelDelegation, Description: "Withdraw a delegation", Handler: d.cancelDelegation})
	r.Register(&Tool{Name: protocol.ToolAcknowledgeMessage, Description: "Acknowledge an inbox message", Handler: d.acknowledge})
	r.Register(&Tool{Name: protocol.ToolListInbox, Description: "List unacknowledged inbox messages", Handler: d.listInbox})
	r.Register(&Tool{Name: protocol.ToolQueryCollective, Description: "Ask the fleet and collect responses", Handler: d.queryCollective})

	r.Register(&Tool{Name: protocol.ToolSyncStatus, Description: "Sync fabric state per peer", Handler: d.syncStatus})
	r.Register(&Tool{Name: protocol.ToolForceSync, Description: "Trigger an immediate sync round", Handler: d.forceSync})
}

func decode[T any](call *Call) (*T, error) {
	var params T
	if len(call.Params) > 0 {
		if err := json.Unmarshal(call.Params, &params); err != nil {
			return nil, protocol.Errf(protocol.KindInvalidParameters, "bad parameters: %v", err)
		}
	}
	return &params, nil
}

func (d Deps) storeMemory(ctx context.Context, call *Call) (any, error) {
	params, err := decode[struct {
		Content       string   `json:"content"`
		ContentBase64 string   `json:"content_base64,omitempty"`
		Category      string   `json:"category"`
		Tags          []string `json:"tags,omitempty"`
		Context       string   `json:"context,omitempty"`
		Scope         string   `json:"scope,omitempty"`
	}](call)
	if err != nil {
		return nil, err
	}
	content := []byte(params.Content)
	if params.ContentBase64 != "" {
		content, err = base64.StdEncoding.DecodeString(params.ContentBase64)
		if err != nil {
			return nil, protocol.Errf(protocol.KindInvalidParameters, "content_base64 undecodable: %v", err)
		}
	}
	return d.Memory.Store(ctx, memory.StoreRequest{
		Content:  content,
		Category: store.Category(params.Category),
		Tags:     params.Tags,
		Context:  params.Context,
		Scope:    store.Scope(params.Scope),
		Agent:    call.AgentID,
	})
}

func (d Deps) retrieveMemory(ctx context.Context, call *Call) (any, error) {
	params, err := decode[struct {
		ID string `json:"id"`
	}](call)
	if err != nil {
		return nil, err
	}
	return d.Memory.Retrieve(ctx, params.ID)
}

func (d Deps) searchMemories(ctx context.Context, call *Call) (any, error) {
	params, err := decode[struct {
		Query    string   `json:"query"`
		Category string   `json:"category,omitempty"`
		Tags     []string `json:"tags,omitempty"`
		Scope    string   `json:"scope,omitempty"`
		Limit    int      `json:"limit,omitempty"`
	}](call)
	if err != nil {
		return nil, err
	}
	if params.Limit == 0 {
		params.Limit = 10
	}
	return d.Memory.Search(ctx, memory.SearchRequest{
		Query:    params.Query,
		Category: store.Category(params.Category),
		Tags:     params.Tags,
		Scope:    store.Scope(params.Scope),
		Limit:    params.Limit,
	})
}

func (d Deps) deleteMemory(ctx context.Context, call *Call) (any, error) {
	params, err := decode[struct {
		ID     string `json:"id"`
		Reason string `json:"reason,omitempty"`
	}](call)
	if err != nil {
		return nil, err
	}
	if err := d.Memory.Delete(ctx, params.ID, params.Reason); err != nil {
		return nil, err
	}
	return map[string]bool{"deleted": true}, nil
}

func (d Deps) bulkDelete(ctx context.Context, call *Call) (any, error) {
	params, err := decode[struct {
		IDs    []string `json:"ids"`
		Reason string   `json:"reason,omitempty"`
	}](call)
	if err != nil {
		return nil, err
	}
	return d.Memory.BulkDelete(ctx, params.IDs, params.Reason), nil
}

func (d Deps) formatGuide(_ context.Context, _ *Call) (any, error) {
	return map[string]any{
		"categories": store.Categories,
		"scopes": []store.Scope{
			store.ScopeLocal, store.ScopeMachine, store.ScopeProject, store.ScopeNetworkShared,
		},
		"severities":     []store.Severity{store.SeverityInfo, store.SeverityWarning, store.SeverityCritical},
		"content":        "UTF-8 text, size-bounded per category; binary content goes in content_base64",
		"format_version": 1,
		"notes": map[string]string{
			string(store.CategoryIncidents): "always network-shared",
			string(store.CategoryRuleAudit): "append-only, never deduplicated",
		},
	}, nil
}

func (d Deps) accessStats(ctx context.Context, _ *Call) (any, error) {
	stats, err := d.Memory.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"categories": stats.Categories,
		"index": map[string]any{
			"vectors":        stats.IndexedVecs,
			"vector_pending": stats.VectorPending,
		},
		"access": d.Memory.AccessStats(),
	}, nil
}

func (d Deps) registerAgent(_ context.Context, call *Call) (any, error) {
	params, err := decode[struct {
		AgentID      string   `json:"agent_id"`
		MachineID    string   `json:"machine_id"`
		Roles        []string `json:"roles,omitempty"`
		Capabilities []string `json:"capabilities,omitempty"`
	}](call)
	if err != nil {
		return nil, err
	}
	if params.AgentID == "" {
		params.AgentID = call.AgentID
	}
	return d.Directory.Register(params.AgentID, params.MachineID, params.Roles, params.Capabilities), nil
}

func (d Deps) heartbeat(_ context.Context, call *Call) (any, error) {
	params, err := decode[struct {
		AgentID string `json:"agent_id"`
		Health  string `json:"health,omitempty"`
	}](call)
	if err != nil {
		return nil, err
	}
	if params.AgentID == "" {
		params.AgentID = call.AgentID
	}
	if err := d.Directory.Heartbeat(params.AgentID, params.Health); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (d Deps) listAgents(_ context.Context, call *Call) (any, error) {
	params, err := decode[struct {
		State      string `json:"state,omitempty"`
		MachineID  string `json:"machine_id,omitempty"`
		Capability string `json:"capability,omitempty"`
		Role       string `json:"role,omitempty"`
	}](call)
	if err != nil {
		return nil, err
	}
	return d.Directory.List(store.AgentFilter{
		State:      store.AgentState(params.State),
		MachineID:  params.MachineID,
		Capability: params.Capability,
		Role:       params.Role,
	}), nil
}

func (d Deps) agentStatus(_ context.Context, call *Call) (any, error) {
	params, err := decode[struct {
		AgentID string `json:"agent_id"`
	}](call)
	if err != nil {
		return nil, err
	}
	return d.Directory.Status(params.AgentID)
}

func (d Deps) broadcast(ctx context.Context, call *Call) (any, error) {
	params, err := decode[struct {
		Payload  json.RawMessage `json:"payload"`
		Category string          `json:"category,omitempty"`
		Severity string          `json:"severity,omitempty"`
		Targets  []string        `json:"target_selector,omitempty"`
	}](call)
	if err != nil {
		return nil, err
	}
	cat := store.Category(params.Category)
	if cat == "" {
		cat = store.CategoryAgent
	}
	if !cat.Valid() {
		return nil, protocol.Errf(protocol.KindInvalidCategory, "unknown category %q", cat)
	}
	msg, err := d.Coord.Broadcast(ctx, coord.BroadcastRequest{
		OriginAgent: call.AgentID,
		Payload:     params.Payload,
		Category:    cat,
		Severity:    store.ParseSeverity(params.Severity),
		Targets:     params.Targets,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"message_id": msg.MessageID, "targets": len(msg.Targets)}, nil
}

func (d Deps) delegate(ctx context.Context, call *Call) (any, error) {
	params, err := decode[struct {
		Task         string   `json:"task_description"`
		Capabilities []string `json:"required_capabilities,omitempty"`
		Priority     string   `json:"priority,omitempty"`
		DeadlineMS   int64    `json:"deadline_ms,omitempty"`
	}](call)
	if err != nil {
		return nil, err
	}
	var deadline time.Time
	if params.DeadlineMS > 0 {
		deadline = time.UnixMilli(params.DeadlineMS).UTC()
	}
	return d.Coord.Delegate(ctx, coord.DelegateRequest{
		CreatorAgent: call.AgentID,
		Task:         params.Task,
		Capabilities: params.Capabilities,
		Priority:     store.ParseSeverity(params.Priority),
		Deadline:     deadline,
	})
}

func (d Deps) cancelDelegation(ctx context.Context, call *Call) (any, error) {
	params, err := decode[struct {
		DelegationID string `json:"delegation_id"`
	}](call)
	if err != nil {
		return nil, err
	}
	return d.Coord.Cancel(ctx, params.DelegationID, call.AgentID)
}

func (d Deps) acknowledge(ctx context.Context, call *Call) (any, error) {
	params, err := decode[struct {
		MessageID string          `json:"message_id"`
		Response  json.RawMessage `json:"response,omitempty"`
	}](call)
	if err != nil {
		return nil, err
	}
	return d.Coord.Acknowledge(ctx, call.AgentID, params.MessageID, params.Response)
}

func (d Deps) listInbox(_ context.Context, call *Call) (any, error) {
	params, err := decode[struct {
		Limit int `json:"limit,omitempty"`
	}](call)
	if err != nil {
		return nil, err
	}
	msgs := d.Coord.ListInbox(call.AgentID, params.Limit)
	return map[string]any{"messages": msgs, "depth": d.Coord.InboxDepth(call.AgentID)}, nil
}

func (d Deps) queryCollective(ctx context.Context, call *Call) (any, error) {
	params, err := decode[struct {
		Question string `json:"question"`
		Category string `json:"category,omitempty"`
		Scope    string `json:"scope,omitempty"`
		WindowS  int    `json:"window_s,omitempty"`
	}](call)
	if err != nil {
		return nil, err
	}
	return d.Coord.Query(ctx, coord.QueryRequest{
		OriginAgent: call.AgentID,
		Question:    params.Question,
		Category:    store.Category(params.Category),
		Scope:       store.Scope(params.Scope),
		Window:      time.Duration(params.WindowS) * time.Second,
	})
}

func (d Deps) syncStatus(ctx context.Context, _ *Call) (any, error) {
	return d.Syncer.Status(ctx), nil
}

func (d Deps) forceSync(_ context.Context, _ *Call) (any, error) {
	d.Syncer.Kick()
	return map[string]bool{"triggered": true}, nil
}
