// Package permitrenewal renews regulatory permits with a five-step saga:
// validate, submit, pay the fee, pass agency review, approve.
package permitrenewal

import (
	"errors"
	"fmt"
	"time"

	"github.com/fortressi/saga/uow"
)

// AggregateType is the storage type of Permit.
const AggregateType = "permit"

// Event names raised by Permit.
const (
	EventRenewalRequested = "permit.renewal_requested"
	EventRenewalApproved  = "permit.renewal_approved"
	EventRenewalReverted  = "permit.renewal_reverted"
	EventRenewalWithdrawn = "permit.renewal_withdrawn"
)

// Status is the lifecycle state of a permit.
type Status string

const (
	StatusActive           Status = "active"
	StatusRenewalRequested Status = "renewal_requested"
	StatusRenewed          Status = "renewed"
	StatusExpired          Status = "expired"
	StatusRevoked          Status = "revoked"
)

// ErrInvalidTransition is returned when a permit cannot move to the
// requested status.
var ErrInvalidTransition = errors.New("invalid permit status transition")

// Snapshot is the part of a permit a renewal may change.
type Snapshot struct {
	Status    Status    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Permit is a regulatory permit held by an organization.
type Permit struct {
	ID               string     `json:"id"`
	OrgID            string     `json:"organization_id"`
	Number           string     `json:"number"`
	Status           Status     `json:"status"`
	ExpiresAt        time.Time  `json:"expires_at"`
	PendingExpiresAt *time.Time `json:"pending_expires_at,omitempty"`

	events []uow.Event
}

func (p *Permit) AggregateID() string    { return p.ID }
func (p *Permit) OrganizationID() string { return p.OrgID }
func (p *Permit) AggregateType() string  { return AggregateType }

// PullEvents returns the pending events and clears them.
func (p *Permit) PullEvents() []uow.Event {
	events := p.events
	p.events = nil
	return events
}

func (p *Permit) raise(name string, payload map[string]any) {
	p.events = append(p.events, uow.NewEvent(name, p.ID, p.OrgID, payload))
}

// Snapshot captures the renewable state.
func (p *Permit) Snapshot() Snapshot {
	return Snapshot{Status: p.Status, ExpiresAt: p.ExpiresAt}
}

// Renewable reports whether a renewal may be requested at now given the
// window around the expiry date.
func (p *Permit) Renewable(now time.Time, before, after time.Duration) error {
	switch p.Status {
	case StatusRevoked:
		return fmt.Errorf("permit %s is revoked", p.Number)
	case StatusRenewalRequested:
		return fmt.Errorf("permit %s already has a renewal pending", p.Number)
	}
	opens := p.ExpiresAt.Add(-before)
	closes := p.ExpiresAt.Add(after)
	if now.Before(opens) {
		return fmt.Errorf("renewal window for permit %s opens %s", p.Number, opens.Format(time.DateOnly))
	}
	if now.After(closes) {
		return fmt.Errorf("renewal window for permit %s closed %s", p.Number, closes.Format(time.DateOnly))
	}
	return nil
}

// RequestRenewal marks the permit as awaiting renewal to newExpiry.
func (p *Permit) RequestRenewal(newExpiry time.Time, requestedBy string) error {
	if p.Status != StatusActive && p.Status != StatusExpired && p.Status != StatusRenewed {
		return fmt.Errorf("%w: request renewal from %s", ErrInvalidTransition, p.Status)
	}
	p.Status = StatusRenewalRequested
	p.PendingExpiresAt = &newExpiry
	p.raise(EventRenewalRequested, map[string]any{
		"number":       p.Number,
		"requested_by": requestedBy,
		"new_expiry":   newExpiry.Format(time.RFC3339),
	})
	return nil
}

// WithdrawRenewal drops a pending renewal and restores original.
func (p *Permit) WithdrawRenewal(original Snapshot, reason string) error {
	if p.Status != StatusRenewalRequested {
		return fmt.Errorf("%w: withdraw renewal from %s", ErrInvalidTransition, p.Status)
	}
	p.Status = original.Status
	p.ExpiresAt = original.ExpiresAt
	p.PendingExpiresAt = nil
	p.raise(EventRenewalWithdrawn, map[string]any{"number": p.Number, "reason": reason})
	return nil
}

// ApproveRenewal applies the pending expiry date.
func (p *Permit) ApproveRenewal() error {
	if p.Status != StatusRenewalRequested || p.PendingExpiresAt == nil {
		return fmt.Errorf("%w: approve renewal from %s", ErrInvalidTransition, p.Status)
	}
	p.ExpiresAt = *p.PendingExpiresAt
	p.PendingExpiresAt = nil
	p.Status = StatusRenewed
	p.raise(EventRenewalApproved, map[string]any{
		"number":     p.Number,
		"expires_at": p.ExpiresAt.Format(time.RFC3339),
	})
	return nil
}

// RevertTo restores the permit to a snapshot taken before the renewal.
func (p *Permit) RevertTo(original Snapshot) {
	p.Status = original.Status
	p.ExpiresAt = original.ExpiresAt
	p.PendingExpiresAt = nil
	p.raise(EventRenewalReverted, map[string]any{
		"number":     p.Number,
		"status":     string(original.Status),
		"expires_at": original.ExpiresAt.Format(time.RFC3339),
	})
}
