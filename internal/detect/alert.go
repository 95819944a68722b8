package detect

import (
	"time"

	"github.com/google/uuid"

	"argus-siem/internal/schema"
)

// Alert is a detection alert. It is immutable once emitted; the engine
// hands it to storage and never touches it again.
type Alert struct {
	ID       uuid.UUID       `json:"id"`
	RuleID   string          `json:"rule_id"`
	RuleName string          `json:"rule_name"`
	// Key is the grouping attribute the rule aggregated over, typically
	// a source IP. Immediate rules carry the offending event's source.
	Key       string          `json:"key,omitempty"`
	Severity  schema.Severity `json:"severity"`
	Message   string          `json:"message"`
	CreatedAt time.Time       `json:"created_at"`
	// TriggeringEventIDs is a bounded sample of contributing events, not
	// the full set, to cap memory.
	TriggeringEventIDs []uuid.UUID `json:"triggering_event_ids,omitempty"`
}
