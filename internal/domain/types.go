// Package domain holds the engine's core entities and the message job
// state machine. It has no dependencies on storage or transport.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

type (
	TenantID   = string
	SenderID   = string
	LeadID     = string
	CampaignID = string
	StepID     = string
	JobID      = string
	EventID    = string
)

// GlobalTenant marks suppression entries that apply to every tenant.
const GlobalTenant TenantID = "*"

type TenantStatus string

const (
	TenantActive TenantStatus = "active"
	TenantPaused TenantStatus = "paused"
)

// Tenant is an isolated customer workspace. Every other entity references
// exactly one tenant; nothing is visible across tenants.
type Tenant struct {
	ID     TenantID
	Name   string
	Status TenantStatus

	// Per-tenant quota override, sends per minute. 0 means engine default.
	QuotaPerMinute int
}

type SenderHealth string

const (
	SenderActive   SenderHealth = "active"
	SenderDegraded SenderHealth = "degraded"
	SenderBlocked  SenderHealth = "blocked"
)

// SenderIdentity is a sending address usable for delivery.
//
// Reputation is in [0,1] and is mutated only by the feedback processor.
// A sender with empty TenantID belongs to the shared pool.
type SenderIdentity struct {
	ID          SenderID
	TenantID    TenantID
	Address     string
	Domain      string
	Reputation  float64
	WarmupStage int
	Health      SenderHealth
}

// Lead is a recipient.
type Lead struct {
	ID         LeadID
	TenantID   TenantID
	Address    string
	Suppressed bool
}

// CampaignStep is one stage of a multi-touch sequence, ordered by Offset
// from the campaign start.
type CampaignStep struct {
	ID         StepID
	TemplateID string
	Offset     time.Duration
}

type CampaignStatus string

const (
	CampaignDraft    CampaignStatus = "draft"
	CampaignActive   CampaignStatus = "active"
	CampaignPausedSt CampaignStatus = "paused"
	CampaignDone     CampaignStatus = "done"
)

type Campaign struct {
	ID       CampaignID
	TenantID TenantID
	Name     string
	Status   CampaignStatus
	StartAt  time.Time
	Steps    []CampaignStep
}

// SuppressionEntry is a permanent do-not-send record. Append-only: normal
// flow never deletes one.
type SuppressionEntry struct {
	TenantID  TenantID // GlobalTenant for global entries
	Address   string
	Reason    string
	CreatedAt time.Time
}

type EventType string

const (
	EventSent      EventType = "sent"
	EventDelivered EventType = "delivered"
	EventBounce    EventType = "bounce"
	EventComplaint EventType = "complaint"
	EventDeferred  EventType = "deferred"
)

// DeliveryEvent is provider feedback about a sent message. Immutable once
// recorded; several events may reference the same provider message over time.
type DeliveryEvent struct {
	ID         EventID
	MessageID  string // provider message id returned by the delivery port
	Type       EventType
	At         time.Time
	PayloadRef string // opaque pointer into the provider's payload store
}

// IdempotencyKey derives the unique send key for one (tenant, lead, step)
// triple. Replanning a campaign wave produces the same keys, which is what
// makes planning safe to repeat.
func IdempotencyKey(tenant TenantID, lead LeadID, step StepID) string {
	h := sha256.Sum256([]byte(tenant + "\x1f" + lead + "\x1f" + step))
	return hex.EncodeToString(h[:])
}

// AddressDomain returns the receiving domain of an address, lowercased.
// Empty when the address has no "@".
func AddressDomain(address string) string {
	i := strings.LastIndexByte(address, '@')
	if i < 0 || i == len(address)-1 {
		return ""
	}
	return strings.ToLower(address[i+1:])
}
