// Package events is the in-process payment notification bus. Emitting an event
// also leaves a durable refresh flag behind so views that were not listening
// can catch up later.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	apperrors "github.com/kimhsiao/feesync/internal/errors"
)

// Type identifies an event variant.
type Type string

const (
	FullPaymentCompleted        Type = "payment:full_completed"
	PartialPaymentCompleted     Type = "payment:partial_completed"
	InstallmentPaymentCompleted Type = "payment:installment_completed"
	BatchPaymentCompleted       Type = "payment:batch_completed"
	PaymentFailed               Type = "payment:failed"
	PaymentSyncCompleted        Type = "payment:sync_completed"

	// All subscribes to every variant.
	All Type = "all"
)

// Types lists the concrete variants.
var Types = []Type{
	FullPaymentCompleted,
	PartialPaymentCompleted,
	InstallmentPaymentCompleted,
	BatchPaymentCompleted,
	PaymentFailed,
	PaymentSyncCompleted,
}

// Valid reports whether t is a concrete variant or All.
func (t Type) Valid() bool {
	if t == All {
		return true
	}
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Base carries the fields every variant has.
type Base struct {
	Timestamp int64  `json:"timestamp"` // unix milliseconds
	SchoolID  string `json:"schoolId,omitempty"`
}

func (b Base) Meta() Base { return b }

// Event is one of the payment variants below. The set is closed.
type Event interface {
	EventType() Type
	Meta() Base
	withMeta(Base) Event
}

type FullPayment struct {
	Base
	FeeID            string          `json:"feeId"`
	StudentID        string          `json:"studentId"`
	AmountPaid       decimal.Decimal `json:"amountPaid"`
	RemainingBalance decimal.Decimal `json:"remainingBalance"`
}

type PartialPayment struct {
	Base
	FeeID            string          `json:"feeId"`
	StudentID        string          `json:"studentId"`
	AmountPaid       decimal.Decimal `json:"amountPaid"`
	RemainingBalance decimal.Decimal `json:"remainingBalance"`
	InstallmentsPaid []string        `json:"installmentsPaid,omitempty"`
}

type InstallmentPayment struct {
	Base
	InstallmentID string          `json:"installmentId"`
	FeeID         string          `json:"feeId"`
	StudentID     string          `json:"studentId"`
	AmountPaid    decimal.Decimal `json:"amountPaid"`
}

type BatchPayment struct {
	Base
	FeeIDs                 []string        `json:"feeIds"`
	TotalAmountPaid        decimal.Decimal `json:"totalAmountPaid"`
	AffectedInstallmentIDs []string        `json:"affectedInstallmentIds,omitempty"`
}

type PaymentFailure struct {
	Base
	FeeID string `json:"feeId,omitempty"`
	Error string `json:"error"`
}

// SyncCompleted is emitted after a drain cycle pushed fee or installment changes.
type SyncCompleted struct {
	Base
	SyncedCount int `json:"syncedCount"`
}

func (FullPayment) EventType() Type        { return FullPaymentCompleted }
func (PartialPayment) EventType() Type     { return PartialPaymentCompleted }
func (InstallmentPayment) EventType() Type { return InstallmentPaymentCompleted }
func (BatchPayment) EventType() Type       { return BatchPaymentCompleted }
func (PaymentFailure) EventType() Type     { return PaymentFailed }
func (SyncCompleted) EventType() Type      { return PaymentSyncCompleted }

func (e FullPayment) withMeta(b Base) Event        { e.Base = b; return e }
func (e PartialPayment) withMeta(b Base) Event     { e.Base = b; return e }
func (e InstallmentPayment) withMeta(b Base) Event { e.Base = b; return e }
func (e BatchPayment) withMeta(b Base) Event       { e.Base = b; return e }
func (e PaymentFailure) withMeta(b Base) Event     { e.Base = b; return e }
func (e SyncCompleted) withMeta(b Base) Event      { e.Base = b; return e }

// Marshal encodes e with its "type" tag.
func Marshal(e Event) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	tag, _ := json.Marshal(e.EventType())
	fields["type"] = tag
	return json.Marshal(fields)
}

// Decode parses a tagged event as produced by Marshal.
func Decode(data []byte) (Event, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "decode event", err)
	}

	var e Event
	var err error
	switch head.Type {
	case FullPaymentCompleted:
		e, err = decodeAs[FullPayment](data)
	case PartialPaymentCompleted:
		e, err = decodeAs[PartialPayment](data)
	case InstallmentPaymentCompleted:
		e, err = decodeAs[InstallmentPayment](data)
	case BatchPaymentCompleted:
		e, err = decodeAs[BatchPayment](data)
	case PaymentFailed:
		e, err = decodeAs[PaymentFailure](data)
	case PaymentSyncCompleted:
		e, err = decodeAs[SyncCompleted](data)
	default:
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown event type %q", head.Type))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "decode "+string(head.Type), err)
	}
	return e, nil
}

func decodeAs[T Event](data []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// staleCategories returns the data categories an event makes stale. A payment
// recorded against fees leaves installments stale and vice versa.
func staleCategories(t Type) []Category {
	switch t {
	case FullPaymentCompleted, PartialPaymentCompleted, BatchPaymentCompleted:
		return []Category{CategoryInstallments}
	case InstallmentPaymentCompleted:
		return []Category{CategoryFees}
	}
	return nil
}

// triggersRefresh reports whether listeners should reload after t.
func triggersRefresh(t Type) bool {
	switch t {
	case FullPaymentCompleted, PartialPaymentCompleted, InstallmentPaymentCompleted,
		BatchPaymentCompleted, PaymentSyncCompleted:
		return true
	}
	return false
}
