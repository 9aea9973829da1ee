package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/shiftsync/internal/syncer"
	"github.com/shopspring/decimal"
)

// PaymentStatus tracks whether a payment was received.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
)

var (
	// ErrInvalidAmount indicates a payment amount that is not positive.
	ErrInvalidAmount = errors.New("repository: payment amount must be positive")
	// ErrInvalidPaymentStatus indicates an unknown payment status.
	ErrInvalidPaymentStatus = errors.New("repository: invalid payment status")
)

// Payment is money owed or received for shifts.
type Payment struct {
	ID           string          `gorm:"column:id;primaryKey;size:190;not null"`
	UserID       string          `gorm:"column:user_id;size:190;not null;index"`
	ShiftID      string          `gorm:"column:shift_id;size:190;not null;default:''"`
	Amount       decimal.Decimal `gorm:"column:amount;type:text;not null"`
	Status       PaymentStatus   `gorm:"column:status;size:16;not null;default:'pending'"`
	PaidAtMillis *int64          `gorm:"column:paid_at_ms"`
	Notes        string          `gorm:"column:notes;type:text;not null;default:''"`
	SyncState
}

// TableName provides the explicit table binding for GORM.
func (Payment) TableName() string {
	return "payments"
}

func (p *Payment) primaryKey() string {
	return p.ID
}

func (p *Payment) owner() string {
	return p.UserID
}

func (p *Payment) payload() syncer.Payload {
	payload := syncer.Payload{
		syncer.FieldID:     p.ID,
		syncer.FieldUserID: p.UserID,
		"shift_id":         p.ShiftID,
		"amount":           p.Amount.String(),
		"status":           string(p.Status),
		"paid_at":          optionalInt64(p.PaidAtMillis),
		"notes":            p.Notes,
	}
	p.SyncState.fill(payload)
	return payload
}

func (p *Payment) absorb(remote syncer.Payload) error {
	p.ID = remote.ID()
	if err := absorbString(remote, syncer.FieldUserID, &p.UserID); err != nil {
		return err
	}
	if err := absorbString(remote, "shift_id", &p.ShiftID); err != nil {
		return err
	}
	if err := absorbString(remote, "notes", &p.Notes); err != nil {
		return err
	}
	status := string(p.Status)
	if err := absorbString(remote, "status", &status); err != nil {
		return err
	}
	p.Status = PaymentStatus(status)
	if err := absorbDecimal(remote, "amount", &p.Amount); err != nil {
		return err
	}
	if err := absorbOptionalInt64(remote, "paid_at", &p.PaidAtMillis); err != nil {
		return err
	}
	p.absorbTimes(remote)
	return nil
}

// PaymentInput carries the fields of a new payment.
type PaymentInput struct {
	UserID       string
	ShiftID      string
	Amount       decimal.Decimal
	Status       PaymentStatus
	PaidAtMillis *int64
	Notes        string
}

// PaymentPatch carries the fields to change; nil fields are left alone.
type PaymentPatch struct {
	Amount       *decimal.Decimal
	Status       *PaymentStatus
	PaidAtMillis *int64
	ClearPaidAt  bool
	Notes        *string
}

// PaymentRepository stores payments.
type PaymentRepository struct {
	*table[Payment, *Payment]
}

// NewPaymentRepository constructs a PaymentRepository.
func NewPaymentRepository(cfg Config) (*PaymentRepository, error) {
	base, err := newTable[Payment, *Payment](syncer.EntityPayment, "user_id", cfg)
	if err != nil {
		return nil, err
	}
	return &PaymentRepository{table: base}, nil
}

// Create stores a new payment and queues it. An empty status means pending.
func (r *PaymentRepository) Create(ctx context.Context, input PaymentInput) (Payment, error) {
	userID, err := requireOwner(input.UserID)
	if err != nil {
		return Payment{}, err
	}
	status := input.Status
	if status == "" {
		status = PaymentPending
	}
	payment := Payment{
		UserID:       userID,
		ShiftID:      strings.TrimSpace(input.ShiftID),
		Amount:       input.Amount,
		Status:       status,
		PaidAtMillis: input.PaidAtMillis,
		Notes:        strings.TrimSpace(input.Notes),
	}
	if err := validatePayment(payment); err != nil {
		return Payment{}, err
	}
	if payment.ID, err = r.newID(); err != nil {
		return Payment{}, err
	}
	return r.insert(ctx, &payment)
}

// Update applies patch and queues the changed fields.
func (r *PaymentRepository) Update(ctx context.Context, id string, patch PaymentPatch) (Payment, error) {
	return r.update(ctx, id, func(payment *Payment) (syncer.Payload, error) {
		changes := syncer.Payload{}
		if patch.Amount != nil && !patch.Amount.Equal(payment.Amount) {
			payment.Amount = *patch.Amount
			changes["amount"] = payment.Amount.String()
		}
		if patch.Status != nil && *patch.Status != payment.Status {
			payment.Status = *patch.Status
			changes["status"] = string(payment.Status)
		}
		paidAt := payment.PaidAtMillis
		if patch.ClearPaidAt {
			paidAt = nil
		} else if patch.PaidAtMillis != nil {
			paidAt = patch.PaidAtMillis
		}
		if !equalOptionalInt64(paidAt, payment.PaidAtMillis) {
			payment.PaidAtMillis = paidAt
			changes["paid_at"] = optionalInt64(paidAt)
		}
		if patch.Notes != nil {
			if notes := strings.TrimSpace(*patch.Notes); notes != payment.Notes {
				payment.Notes = notes
				changes["notes"] = notes
			}
		}
		if err := validatePayment(*payment); err != nil {
			return nil, err
		}
		return changes, nil
	})
}

func validatePayment(payment Payment) error {
	if !payment.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	switch payment.Status {
	case PaymentPending, PaymentPaid:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPaymentStatus, payment.Status)
	}
}
