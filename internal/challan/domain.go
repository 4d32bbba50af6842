// Package challan owns the goods-movement document lifecycle: draft, send,
// party response, routing trail and the status derivation driven by returns.
package challan

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/challanflow/challanflow/internal/shared"
)

// ============================================================================
// STATUS
// ============================================================================

// Status represents the lifecycle of a challan.
type Status string

const (
	StatusDraft                  Status = "draft"
	StatusCreated                Status = "created"
	StatusSent                   Status = "sent"
	StatusRejected               Status = "rejected"
	StatusAccepted               Status = "accepted"
	StatusSelfAccepted           Status = "self_accepted"
	StatusReturned               Status = "returned"
	StatusPartiallyReturned      Status = "partially_returned"
	StatusSelfReturned           Status = "self_returned"
	StatusPartiallySelfReturned  Status = "partially_self_returned"
	StatusCancelled              Status = "cancelled"
)

// IsValid checks the status is a known one.
func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusCreated, StatusSent, StatusRejected, StatusAccepted,
		StatusSelfAccepted, StatusReturned, StatusPartiallyReturned,
		StatusSelfReturned, StatusPartiallySelfReturned, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanEdit reports whether direct edits are allowed; everything past sent is
// immutable.
func (s Status) CanEdit() bool {
	return s == StatusDraft || s == StatusCreated || s == StatusRejected
}

// CanSend reports whether the challan can transition to sent.
func (s Status) CanSend() bool {
	return s == StatusDraft || s == StatusCreated || s == StatusRejected
}

// CanCancel reports whether the challan is still internally routable.
func (s Status) CanCancel() bool {
	return s == StatusDraft || s == StatusCreated
}

// InAcceptedFamily reports whether returns may be raised against the challan.
func (s Status) InAcceptedFamily() bool {
	switch s {
	case StatusAccepted, StatusSelfAccepted, StatusPartiallyReturned, StatusPartiallySelfReturned:
		return true
	default:
		return false
	}
}

// ============================================================================
// RETURN ORIGIN & STATUS DERIVATION
// ============================================================================

// ReturnOrigin distinguishes who recorded a return against the challan.
type ReturnOrigin string

const (
	// OriginSelf means the issuing company recorded the return on the
	// counterparty's behalf.
	OriginSelf ReturnOrigin = "self"
	// OriginParty means the counterparty initiated it.
	OriginParty ReturnOrigin = "party"
)

// ClassifyReturnOrigin is the single place the self/external split is
// computed; both the state machine and the reconciliation engine consume it.
func ClassifyReturnOrigin(c *Challan, actor shared.Identity) ReturnOrigin {
	if actor.CompanyID == c.CompanyID {
		return OriginSelf
	}
	return OriginParty
}

// DeriveReturnStatus recomputes the parent status from the aggregate returned
// quantity. totalReturned >= totalQty closes the document fully; any positive
// amount below that is partial. Zero keeps the current status.
func DeriveReturnStatus(current Status, totalQty, totalReturned float64, origin ReturnOrigin) Status {
	if totalReturned <= 0 {
		return current
	}
	if totalReturned >= totalQty {
		if origin == OriginSelf {
			return StatusSelfReturned
		}
		return StatusReturned
	}
	if origin == OriginSelf {
		return StatusPartiallySelfReturned
	}
	return StatusPartiallyReturned
}

// ============================================================================
// ENTITIES
// ============================================================================

// MarginAcceptance permanently closes a line item's remaining balance without
// a physical return. There is no reversal path.
type MarginAcceptance struct {
	Accepted   bool      `json:"accepted"`
	AcceptedAt time.Time `json:"accepted_at"`
	AcceptedBy int64     `json:"accepted_by"`
	BalanceQty float64   `json:"balance_qty"`
	Comment    string    `json:"comment,omitempty"`
}

// LineItem is one challan line. It is addressed by a stable generated ID, not
// a positional index. ReturnedQty never exceeds Quantity.
type LineItem struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Unit        string            `json:"unit"`
	Quantity    float64           `json:"quantity"`
	Rate        decimal.Decimal   `json:"rate"`
	TaxRate     decimal.Decimal   `json:"tax_rate"`
	Amount      decimal.Decimal   `json:"amount"`
	TaxAmount   decimal.Decimal   `json:"tax_amount"`
	ReturnedQty float64           `json:"returned_qty"`
	StockItemID *int64            `json:"stock_item_id,omitempty"`
	Margin      *MarginAcceptance `json:"margin,omitempty"`
	Position    int               `json:"position"`
}

// AvailableQty is the balance still open for returns.
func (li LineItem) AvailableQty() float64 {
	return li.Quantity - li.ReturnedQty
}

// PartyResponse captures the accept/reject decision on a sent challan.
type PartyResponse struct {
	Action      string    `json:"action"` // "accepted" or "rejected"
	RespondedAt time.Time `json:"responded_at"`
	Via         string    `json:"via"` // "public" or "internal"
	ActorID     *int64    `json:"actor_id,omitempty"`
	Note        string    `json:"note,omitempty"`
}

// TrailEntry is an immutable record of the internal routing and mutation
// history of a challan.
type TrailEntry struct {
	ID         int64     `json:"id"`
	ChallanID  int64     `json:"challan_id"`
	ActorID    int64     `json:"actor_id"`
	Action     string    `json:"action"`
	AssignedTo *int64    `json:"assigned_to,omitempty"`
	Note       string    `json:"note,omitempty"`
	At         time.Time `json:"at"`
}

// Trail actions.
const (
	TrailCreated   = "created"
	TrailEdited    = "edited"
	TrailFinalized = "finalized"
	TrailSent      = "sent"
	TrailForwarded = "forwarded"
	TrailResponded = "responded"
	TrailNoted     = "noted"
	TrailCancelled = "cancelled"
)

// SFP ("send for processing") states of the internal routing side-channel.
const (
	SfpNone     = "none"
	SfpAssigned = "assigned"
)

// Challan is a goods-movement document issued by one company to a
// counterparty. Exclusively owned by its issuing company; external actors
// only touch it through the public token/OTP path.
type Challan struct {
	ID             int64           `json:"id"`
	CompanyID      int64           `json:"company_id"`
	PartyID        int64           `json:"party_id"`
	PartyCompanyID *int64          `json:"party_company_id,omitempty"`
	Number         string          `json:"number"`
	Sequence       int64           `json:"sequence"`
	Status         Status          `json:"status"`
	Items          []LineItem      `json:"items"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	TaxTotal       decimal.Decimal `json:"tax_total"`
	GrandTotal     decimal.Decimal `json:"grand_total"`
	Notes          string          `json:"notes,omitempty"`
	PublicToken    *string         `json:"-"`
	ResendCount    int             `json:"resend_count"`
	PartyResponse  *PartyResponse  `json:"party_response,omitempty"`
	SfpStatus      string          `json:"sfp_status"`
	SfpAssignedTo  *int64          `json:"sfp_assigned_to,omitempty"`
	WarehouseID    int64           `json:"warehouse_id,omitempty"`
	CreatedBy      int64           `json:"created_by"`
	SentBy         *int64          `json:"sent_by,omitempty"`
	SentAt         *time.Time      `json:"sent_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Trail          []TrailEntry    `json:"trail,omitempty"`
}

// TotalQty sums line quantities.
func (c *Challan) TotalQty() float64 {
	var total float64
	for _, li := range c.Items {
		total += li.Quantity
	}
	return total
}

// TotalReturnedQty sums reconciled return quantities.
func (c *Challan) TotalReturnedQty() float64 {
	var total float64
	for _, li := range c.Items {
		total += li.ReturnedQty
	}
	return total
}

// ItemByID finds a line item by its stable ID.
func (c *Challan) ItemByID(itemID string) *LineItem {
	for i := range c.Items {
		if c.Items[i].ID == itemID {
			return &c.Items[i]
		}
	}
	return nil
}

// EditableBy applies the editability rule: only the creator or the actor the
// challan is currently routed to, and only while the status allows edits.
func (c *Challan) EditableBy(actorID int64) bool {
	if !c.Status.CanEdit() {
		return false
	}
	if c.CreatedBy == actorID {
		return true
	}
	return c.SfpAssignedTo != nil && *c.SfpAssignedTo == actorID
}

// ComputeLineAmounts fills Amount and TaxAmount from quantity, rate and tax
// rate: amount = qty x rate, tax = amount x taxRate / 100.
func ComputeLineAmounts(li *LineItem) {
	li.Amount = decimal.NewFromFloat(li.Quantity).Mul(li.Rate)
	li.TaxAmount = li.Amount.Mul(li.TaxRate).Div(decimal.NewFromInt(100))
}

// RecomputeTotals recomputes the aggregate totals from the lines. Called on
// every mutation so the totals never drift from the items.
func (c *Challan) RecomputeTotals() {
	subtotal := decimal.Zero
	taxTotal := decimal.Zero
	for i := range c.Items {
		ComputeLineAmounts(&c.Items[i])
		subtotal = subtotal.Add(c.Items[i].Amount)
		taxTotal = taxTotal.Add(c.Items[i].TaxAmount)
	}
	c.Subtotal = subtotal
	c.TaxTotal = taxTotal
	c.GrandTotal = subtotal.Add(taxTotal)
}

// ============================================================================
// REQUEST DTOs
// ============================================================================

// LineItemRequest is one line in a create/update request.
type LineItemRequest struct {
	Name        string  `json:"name" validate:"required,max=200"`
	Unit        string  `json:"unit" validate:"required,max=20"`
	Quantity    float64 `json:"quantity" validate:"required,gt=0"`
	Rate        float64 `json:"rate" validate:"gte=0"`
	TaxRate     float64 `json:"tax_rate" validate:"gte=0,lte=100"`
	StockItemID *int64  `json:"stock_item_id,omitempty"`
}

// CreateChallanRequest creates a draft challan.
type CreateChallanRequest struct {
	PartyID        int64             `json:"party_id" validate:"required,gt=0"`
	PartyCompanyID *int64            `json:"party_company_id,omitempty"`
	WarehouseID    int64             `json:"warehouse_id" validate:"gte=0"`
	Notes          string            `json:"notes,omitempty"`
	Items          []LineItemRequest `json:"items" validate:"required,min=1,dive"`
}

// UpdateChallanRequest edits an editable challan. Lines replace the existing
// set when provided.
type UpdateChallanRequest struct {
	PartyID     *int64             `json:"party_id,omitempty" validate:"omitempty,gt=0"`
	WarehouseID *int64             `json:"warehouse_id,omitempty"`
	Notes       *string            `json:"notes,omitempty"`
	Items       *[]LineItemRequest `json:"items,omitempty" validate:"omitempty,min=1,dive"`
}

// ForwardRequest routes a challan to another internal actor.
type ForwardRequest struct {
	AssigneeID int64  `json:"assignee_id" validate:"required,gt=0"`
	Note       string `json:"note,omitempty" validate:"max=500"`
}

// InternalResponseRequest records an internal accept/reject on the
// counterparty's behalf.
type InternalResponseRequest struct {
	Accept bool   `json:"accept"`
	Note   string `json:"note,omitempty" validate:"max=500"`
}

// PublicResponseRequest is the unauthenticated response: a valid token/OTP
// pair flips sent to accepted or rejected exactly once.
type PublicResponseRequest struct {
	OTP    string `json:"otp" validate:"required,len=6,numeric"`
	Accept bool   `json:"accept"`
	Note   string `json:"note,omitempty" validate:"max=500"`
}

// NoteRequest adds a trail note.
type NoteRequest struct {
	Note string `json:"note" validate:"required,max=1000"`
}

// ListFilter filters the challan listing.
type ListFilter struct {
	Status  Status
	PartyID int64
	Page    int
	PerPage int
}
