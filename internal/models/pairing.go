package models

import "time"

// PairingToken binds a physical device to a clinician's account and,
// optionally, to the encounter currently open on their desktop. At most one
// active token exists per owner; issuing a new one supersedes the rest.
type PairingToken struct {
	Token         string    `json:"token"`
	OwnerID       string    `json:"owner_id"`
	EncounterHint string    `json:"encounter_hint,omitempty"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	LastUsedAt    time.Time `json:"last_used_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// PairRequest is the body of POST /api/pair.
type PairRequest struct {
	EncounterID string `json:"encounter_id,omitempty"`
	ForceRotate bool   `json:"force_rotate,omitempty"`
}

// PairResponse is returned to the primary device; PairingURL is what gets
// rendered as a QR code for the phone to scan.
type PairResponse struct {
	Token      string    `json:"token"`
	PairingURL string    `json:"pairing_url"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// UnpairRequest is the body of DELETE /api/pair.
type UnpairRequest struct {
	Token string `json:"token"`
}
