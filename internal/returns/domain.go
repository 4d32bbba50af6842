package returns

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReturnType discriminates who initiated the return.
type ReturnType string

const (
	// TypeSelfReturn is a physical return the issuing company records on the
	// counterparty's behalf.
	TypeSelfReturn ReturnType = "self_return"
	// TypePartyReturn is a return the counterparty initiated.
	TypePartyReturn ReturnType = "party_return"
)

// LedgerStatus classifies a source line for reporting. Computed, never
// stored.
type LedgerStatus string

const (
	LedgerPending           LedgerStatus = "pending"
	LedgerPartiallyReturned LedgerStatus = "partially_returned"
	LedgerFullyReturned     LedgerStatus = "fully_returned"
	LedgerMarginAccepted    LedgerStatus = "margin_accepted"
)

// DeriveLedgerStatus ranks margin acceptance above physical return state: an
// item with an accepted margin is closed regardless of how much actually
// came back.
func DeriveLedgerStatus(quantity, returnedQty float64, marginAccepted bool) LedgerStatus {
	switch {
	case marginAccepted:
		return LedgerMarginAccepted
	case returnedQty >= quantity:
		return LedgerFullyReturned
	case returnedQty > 0:
		return LedgerPartiallyReturned
	default:
		return LedgerPending
	}
}

// Line is one returned quantity with back-pointers into the source challan.
// A single return document may aggregate lines from several challans of the
// same issuer.
type Line struct {
	ID                int64           `json:"id"`
	ReturnID          int64           `json:"return_id"`
	OriginalChallanID int64           `json:"original_challan_id"`
	OriginalItemID    string          `json:"original_item_id"`
	Name              string          `json:"name"`
	Unit              string          `json:"unit"`
	Quantity          float64         `json:"quantity"`
	Rate              decimal.Decimal `json:"rate"`
	TaxRate           decimal.Decimal `json:"tax_rate"`
	Amount            decimal.Decimal `json:"amount"`
	TaxAmount         decimal.Decimal `json:"tax_amount"`
	StockItemID       *int64          `json:"stock_item_id,omitempty"`
	Position          int             `json:"position"`
}

// Document is an immutable counter-document. It lives under the original
// issuer's company whoever initiated it, so there is one ledger of record.
// Once it has mutated a source line's returned quantity it is never deleted.
type Document struct {
	ID         int64           `json:"id"`
	CompanyID  int64           `json:"company_id"`
	Number     string          `json:"number"`
	Sequence   int64           `json:"sequence"`
	Type       ReturnType      `json:"type"`
	Subtotal   decimal.Decimal `json:"subtotal"`
	TaxTotal   decimal.Decimal `json:"tax_total"`
	GrandTotal decimal.Decimal `json:"grand_total"`
	Notes      string          `json:"notes,omitempty"`
	CreatedBy  int64           `json:"created_by"`
	CreatedAt  time.Time       `json:"created_at"`
	Lines      []Line          `json:"lines"`
}

// LineRequest asks to return qty units of one source line.
type LineRequest struct {
	ChallanID  int64   `json:"challan_id" validate:"required,gt=0"`
	LineItemID string  `json:"line_item_id" validate:"required,uuid4"`
	Quantity   float64 `json:"quantity" validate:"required,gt=0"`
}

// CreateReturnRequest creates a return document. All lines validate before
// any commits; one failing line rejects the whole request.
type CreateReturnRequest struct {
	Lines       []LineRequest `json:"lines" validate:"required,min=1,dive"`
	WarehouseID int64         `json:"warehouse_id" validate:"gte=0"`
	Notes       string        `json:"notes,omitempty" validate:"max=1000"`
}

// AcceptMarginRequest writes off a source line's remaining balance.
type AcceptMarginRequest struct {
	ChallanID  int64  `json:"challan_id" validate:"required,gt=0"`
	LineItemID string `json:"line_item_id" validate:"required,uuid4"`
	Comment    string `json:"comment,omitempty" validate:"max=500"`
}

// ListFilter filters the return listing.
type ListFilter struct {
	Type      ReturnType
	ChallanID int64
	Page      int
	PerPage   int
}

// LineLedgerView is the reporting row for one source line.
type LineLedgerView struct {
	ChallanID   int64        `json:"challan_id"`
	LineItemID  string       `json:"line_item_id"`
	Name        string       `json:"name"`
	Quantity    float64      `json:"quantity"`
	ReturnedQty float64      `json:"returned_qty"`
	Balance     float64      `json:"balance"`
	Status      LedgerStatus `json:"status"`
}
