package invoicing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mofresh/mofresh-erp/internal/shared"
)

// GenerateRequest is the optional body of the generate and reissue endpoints.
type GenerateRequest struct {
	DueDate *time.Time `json:"due_date,omitempty"`
}

// VoidRequest represents a request to void an invoice.
type VoidRequest struct {
	Reason string `json:"reason" validate:"required,min=3,max=500"`
}

// ManualPaymentRequest records a staff collected payment.
type ManualPaymentRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// InitiatePaymentRequest starts a mobile-money collection.
type InitiatePaymentRequest struct {
	PhoneNumber string `json:"phone_number" validate:"required,min=9,max=16"`
}

// ListResponse is the paginated invoice listing.
type ListResponse struct {
	Invoices   []Invoice         `json:"invoices"`
	Pagination shared.Pagination `json:"pagination"`
}
