package models

import "time"

// TransportClass tags which binding produced a fragment. Diagnostic only.
type TransportClass string

const (
	TransportPush TransportClass = "push"
	TransportPoll TransportClass = "poll"
)

// SessionFragment is one incremental unit of captured encounter data: a
// transcript line or an uploaded media reference.
type SessionFragment struct {
	Seq             int64          `json:"seq"`
	Payload         string         `json:"payload"`
	OriginDevice    string         `json:"origin_device"`
	SourceTransport TransportClass `json:"source_transport,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// SessionRecord is the ephemeral per-encounter accumulator stored in Redis.
// Fragments holds at most the retention cap of newest fragments; TotalAppended
// keeps the sequence monotonic across ring-buffer eviction.
type SessionRecord struct {
	EncounterID   string            `json:"encounter_id"`
	OwnerID       string            `json:"owner_id"`
	Fragments     []SessionFragment `json:"fragments"`
	TotalAppended int64             `json:"total_appended"`
	CreatedAt     time.Time         `json:"created_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
}

// RecordFragmentRequest is the body of POST /api/sessions/:encounterId/fragments.
type RecordFragmentRequest struct {
	Payload      string `json:"payload"`
	OriginDevice string `json:"origin_device"`

	// Set by the receiving binding, never from the request body.
	SourceTransport TransportClass `json:"-"`
}

// RecordFragmentResponse carries the checkpoint assigned to the new fragment.
type RecordFragmentResponse struct {
	Checkpoint int64 `json:"checkpoint"`
}

// FetchSinceResponse is the catch-up payload for GET .../fragments?since=N.
type FetchSinceResponse struct {
	Fragments  []SessionFragment `json:"fragments"`
	Checkpoint int64             `json:"checkpoint"`
	HasMore    bool              `json:"has_more"`
}
