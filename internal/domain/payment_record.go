package domain

import (
	"time"

	"github.com/kevin07696/refund-reconciler/pkg/timeutil"
)

// PaymentStatus is derived from the captured and refunded totals.
type PaymentStatus string

const (
	PaymentStatusCaptured          PaymentStatus = "captured"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentStatusFullyRefunded     PaymentStatus = "fully_refunded"
)

// PaymentRecord tracks a captured payment and how much of it has been refunded.
// Amounts are integer minor currency units.
type PaymentRecord struct {
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	DeviceToken    *string       `json:"-"`
	ExternalID     string        `json:"external_id"`
	Currency       string        `json:"currency"`
	Status         PaymentStatus `json:"status"`
	CapturedAmount int64         `json:"captured_amount"`
	RefundedAmount int64         `json:"refunded_amount"`
	Version        int64         `json:"version"`
}

// NewPaymentRecord creates a record for a freshly captured payment.
func NewPaymentRecord(externalID string, capturedAmount int64, currency string, deviceToken *string) (*PaymentRecord, error) {
	if externalID == "" {
		return nil, ErrValidationMissingField.WithDetail("field", "external_id")
	}
	if capturedAmount <= 0 {
		return nil, NewDomainError(ErrorCodeValidationFailed, "captured amount must be positive")
	}
	now := timeutil.Now()
	return &PaymentRecord{
		ExternalID:     externalID,
		CapturedAmount: capturedAmount,
		Currency:       currency,
		DeviceToken:    deviceToken,
		Status:         PaymentStatusCaptured,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// RemainingAmount is what may still be refunded.
func (p *PaymentRecord) RemainingAmount() int64 {
	return p.CapturedAmount - p.RefundedAmount
}

// CanRefund reports whether amount fits in the remaining balance.
func (p *PaymentRecord) CanRefund(amount int64) bool {
	return amount > 0 && amount <= p.RemainingAmount()
}

// ApplyRefund adds a settled refund to the record and recomputes its status.
// The record is left untouched when the amount does not fit.
func (p *PaymentRecord) ApplyRefund(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if amount > p.RemainingAmount() {
		return ErrInsufficientBalance.
			WithDetail("requested", amount).
			WithDetail("remaining", p.RemainingAmount())
	}
	p.RefundedAmount += amount
	p.Status = DeriveStatus(p.CapturedAmount, p.RefundedAmount)
	p.UpdatedAt = timeutil.Now()
	return nil
}

// DeriveStatus maps totals onto a PaymentStatus.
func DeriveStatus(captured, refunded int64) PaymentStatus {
	switch {
	case refunded <= 0:
		return PaymentStatusCaptured
	case refunded >= captured:
		return PaymentStatusFullyRefunded
	default:
		return PaymentStatusPartiallyRefunded
	}
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (p *PaymentRecord) Clone() *PaymentRecord {
	if p == nil {
		return nil
	}
	c := *p
	if p.DeviceToken != nil {
		token := *p.DeviceToken
		c.DeviceToken = &token
	}
	return &c
}

// currencyExponents lists ISO-4217 codes whose minor unit is not 1/100.
var currencyExponents = map[string]int32{
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "ISK": 0, "JPY": 0, "KMF": 0, "KRW": 0,
	"PYG": 0, "RWF": 0, "UGX": 0, "VND": 0, "VUV": 0, "XAF": 0, "XOF": 0, "XPF": 0,
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
}

// CurrencyExponent returns the number of minor-unit digits for a currency code.
func CurrencyExponent(currency string) int32 {
	if exp, ok := currencyExponents[currency]; ok {
		return exp
	}
	return 2
}
