// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package recovery

import (
	"context"
	"encoding/json"
	"log/slog"

	"codeberg.org/oliverandrich/recovery-service/internal/models"
)

// audit writes best-effort; failures never change the outcome.
func (s *Service) audit(ctx context.Context, e models.AuditEntry) {
	if s.deps.Audit == nil {
		return
	}
	e.CreatedAt = s.clock()
	if err := s.deps.Audit.AppendAudit(context.WithoutCancel(ctx), &e); err != nil {
		slog.Warn("audit write failed", "action", e.Action, "error", err)
	}
}

// metadata encodes key/value pairs for the audit log.
func metadata(kv ...any) string {
	m := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			m[k] = kv[i+1]
		}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}
