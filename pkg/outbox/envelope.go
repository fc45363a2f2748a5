package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EnvelopeVersion is stamped on events that do not set their own version.
const EnvelopeVersion = 1

// ActorRef identifies who caused the event. At most one id is set; a nil
// ActorRef means the system acted on its own, e.g. hold expiry.
type ActorRef struct {
	UserID  *uuid.UUID `json:"user_id,omitempty"`
	AgentID *uuid.UUID `json:"agent_id,omitempty"`
	AdminID *uuid.UUID `json:"admin_id,omitempty"`
}

// PayloadEnvelope is the JSON document stored in outbox_events.payload and
// published verbatim. Data holds the event specific body.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"event_id"`
	BusinessID uuid.UUID       `json:"business_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Actor      *ActorRef       `json:"actor,omitempty"`
	Data       json.RawMessage `json:"data"`
}
