package memory

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/hivemind/internal/store"
)

// Recorder adapts the service to the audit and incident sink
// interfaces consumed by the rule engine, the coordination bus, and
// the tool registry. Sink writes are best-effort: a failed audit never
// fails the call it describes.
type Recorder struct {
	svc *Service
}

// NewRecorder wraps the service.
func NewRecorder(svc *Service) *Recorder {
	return &Recorder{svc: svc}
}

// EmitRuleAudit stores a rule-audit decision trace.
func (r *Recorder) EmitRuleAudit(ctx context.Context, content []byte, tags []string) {
	r.emit(ctx, content, store.CategoryRuleAudit, store.ScopeMachine, tags)
}

// EmitCallAudit stores a per-tool-call audit record.
func (r *Recorder) EmitCallAudit(ctx context.Context, content []byte, tags []string) {
	r.emit(ctx, content, store.CategoryAgent, store.ScopeMachine, tags)
}

// EmitIncident stores an operational incident; incidents always
// replicate network-wide.
func (r *Recorder) EmitIncident(ctx context.Context, content []byte, tags []string) {
	r.emit(ctx, content, store.CategoryIncidents, store.ScopeNetworkShared, tags)
}

func (r *Recorder) emit(ctx context.Context, content []byte, cat store.Category, scope store.Scope, tags []string) {
	_, err := r.svc.Store(ctx, StoreRequest{
		Content:  content,
		Category: cat,
		Tags:     tags,
		Scope:    scope,
		Agent:    "system",
	})
	if err != nil {
		slog.Warn("audit memory write failed", "category", cat, "error", err)
	}
}
