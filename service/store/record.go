// Package store keeps a user's transaction records and reconciles them with
// history fetched from the ledger.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrSignatureImmutable = errors.New("signature already set")
	ErrNotEditable        = errors.New("ledger records are read-only")
	ErrCorruptBlob        = errors.New("corrupt persisted data")
)

// Status is the settlement state of a record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFinalized Status = "finalized"
	StatusFailed    Status = "failed"
)

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusConfirmed: 1,
	StatusFinalized: 2,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusFinalized, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s accepts no further transitions.
func (s Status) Terminal() bool {
	return s == StatusFinalized || s == StatusFailed
}

// CanTransitionTo reports whether a record in status s may move to next.
// Staying put is always allowed.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	if !next.Valid() || s.Terminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	return statusRank[next] > statusRank[s]
}

// Type is the direction of a transfer relative to the store's owner.
type Type string

const (
	TypeIncoming Type = "incoming"
	TypeOutgoing Type = "outgoing"
)

// Origin says where a record came from.
type Origin string

const (
	// OriginLocal records were created by this application, possibly before
	// the ledger saw them.
	OriginLocal Origin = "local"
	// OriginLedger records were fetched from ledger history.
	OriginLedger Origin = "ledger"
)

// Record is one transfer.
type Record struct {
	ID          string           `json:"id"`
	Signature   string           `json:"signature,omitempty"`
	Amount      decimal.Decimal  `json:"amount"`
	FromAddress string           `json:"from_address,omitempty"`
	ToAddress   string           `json:"to_address,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
	Status      Status           `json:"status"`
	Type        Type             `json:"type"`
	Category    string           `json:"category,omitempty"`
	Description string           `json:"description,omitempty"`
	Fees        *decimal.Decimal `json:"fees,omitempty"`
	Origin      Origin           `json:"origin"`
}

// Editable reports whether the record may be patched or deleted locally.
func (r Record) Editable() bool {
	switch r.Origin {
	case OriginLocal:
		return true
	case OriginLedger:
		return false
	default:
		return false
	}
}

// OtherParty returns the counterparty address from the owner's perspective.
func (r Record) OtherParty() string {
	switch r.Type {
	case TypeIncoming:
		return r.FromAddress
	default:
		return r.ToAddress
	}
}

// NewRecord is the caller-supplied part of a record; the store assigns the ID.
type NewRecord struct {
	Signature   string           `json:"signature,omitempty"`
	Amount      decimal.Decimal  `json:"amount"`
	FromAddress string           `json:"from_address,omitempty"`
	ToAddress   string           `json:"to_address,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
	Status      Status           `json:"status"`
	Type        Type             `json:"type"`
	Category    string           `json:"category,omitempty"`
	Description string           `json:"description,omitempty"`
	Fees        *decimal.Decimal `json:"fees,omitempty"`
}

func (n NewRecord) validate() error {
	if n.Status != "" && !n.Status.Valid() {
		return fmt.Errorf("unknown status %q", n.Status)
	}
	if n.Type != "" && n.Type != TypeIncoming && n.Type != TypeOutgoing {
		return fmt.Errorf("unknown type %q", n.Type)
	}
	return nil
}

// Patch holds the fields to change in Update. Nil fields are left alone.
type Patch struct {
	Signature   *string          `json:"signature,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	Status      *Status          `json:"status,omitempty"`
	Category    *string          `json:"category,omitempty"`
	Description *string          `json:"description,omitempty"`
	Fees        *decimal.Decimal `json:"fees,omitempty"`
}

// apply merges p into r, enforcing the status and signature invariants.
func (p Patch) apply(r *Record) error {
	if p.Status != nil && !r.Status.CanTransitionTo(*p.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, *p.Status)
	}
	if p.Signature != nil && r.Signature != "" && *p.Signature != r.Signature {
		return fmt.Errorf("%w: record %s", ErrSignatureImmutable, r.ID)
	}

	if p.Signature != nil {
		r.Signature = *p.Signature
	}
	if p.Amount != nil {
		r.Amount = *p.Amount
	}
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.Category != nil {
		r.Category = *p.Category
	}
	if p.Description != nil {
		r.Description = *p.Description
	}
	if p.Fees != nil {
		fees := *p.Fees
		r.Fees = &fees
	}
	return nil
}
