// Package contracts holds the entities exchanged between the payment core's
// components and exposed unmodified on its query surface.
package contracts

import "time"

// PartyType distinguishes natural persons from organizations.
type PartyType string

const (
	PartyIndividual   PartyType = "individual"
	PartyOrganization PartyType = "organization"
)

// Party owns funds and grants consents. Issued by the identity service.
type Party struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      PartyType `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

// IdentityMode is how an agent authenticates.
type IdentityMode string

const (
	IdentityDID   IdentityMode = "did"
	IdentityOAuth IdentityMode = "oauth"
)

// Agent acts on behalf of exactly one owning party.
type Agent struct {
	ID           string       `json:"id"`
	DisplayName  string       `json:"display_name"`
	OwnerPartyID string       `json:"owner_party_id"`
	IdentityMode IdentityMode `json:"identity_mode"`
	CreatedAt    time.Time    `json:"created_at"`
}
