// Package stock owns per-item, per-warehouse, per-location quantities and the
// append-only movement history behind them.
package stock

import (
	"time"
)

// Direction of a stock movement.
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// Reason enumerates why stock moved.
type Reason string

const (
	ReasonPurchase       Reason = "purchase"
	ReasonChallanSent    Reason = "challan_sent"
	ReasonReturnReceived Reason = "return_received"
	ReasonTransferIn     Reason = "transfer_in"
	ReasonTransferOut    Reason = "transfer_out"
	ReasonOpeningStock   Reason = "opening_stock"
	ReasonAdjustment     Reason = "manual_adjustment"
)

// IsValid checks the reason is a known one.
func (r Reason) IsValid() bool {
	switch r {
	case ReasonPurchase, ReasonChallanSent, ReasonReturnReceived,
		ReasonTransferIn, ReasonTransferOut, ReasonOpeningStock, ReasonAdjustment:
		return true
	default:
		return false
	}
}

// Warehouse groups locations under a company. Exactly one warehouse per
// company carries IsDefault; it is lazily created when first needed.
type Warehouse struct {
	ID        int64     `json:"id"`
	CompanyID int64     `json:"company_id"`
	Name      string    `json:"name"`
	Address   *string   `json:"address,omitempty"`
	IsDefault bool      `json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Location is a named spot inside one warehouse, e.g. a rack.
type Location struct {
	ID          int64     `json:"id"`
	WarehouseID int64     `json:"warehouse_id"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
}

// LocationStock is one entry of an item's per-location breakdown. A nil
// LocationID means warehouse-level, unlocated stock. Entries keep their list
// order (Position) so spillover deduction stays deterministic.
type LocationStock struct {
	WarehouseID  int64   `json:"warehouse_id"`
	LocationID   *int64  `json:"location_id,omitempty"`
	CurrentStock float64 `json:"current_stock"`
	Position     int     `json:"position"`
}

// Item is an inventory item. CurrentStock is denormalized and must always
// equal the sum of the location breakdown; every mutation path updates both
// in the same transaction.
type Item struct {
	ID               int64           `json:"id"`
	CompanyID        int64           `json:"company_id"`
	SKU              string          `json:"sku"`
	Barcode          string          `json:"barcode"`
	Name             string          `json:"name"`
	Unit             string          `json:"unit"`
	CurrentStock     float64         `json:"current_stock"`
	AvgPurchasePrice float64         `json:"avg_purchase_price"`
	Locations        []LocationStock `json:"locations"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// LocationTotal sums the breakdown. Used by tests and integrity checks
// against CurrentStock.
func (i *Item) LocationTotal() float64 {
	var total float64
	for _, ls := range i.Locations {
		total += ls.CurrentStock
	}
	return total
}

// WarehouseStock sums the breakdown entries of one warehouse.
func (i *Item) WarehouseStock(warehouseID int64) float64 {
	var total float64
	for _, ls := range i.Locations {
		if ls.WarehouseID == warehouseID {
			total += ls.CurrentStock
		}
	}
	return total
}

// Movement is one append-only audit row. BeforeQty and AfterQty capture the
// item's total stock around this movement; AfterQty-BeforeQty always equals
// the signed quantity.
type Movement struct {
	ID          int64     `json:"id"`
	CompanyID   int64     `json:"company_id"`
	ItemID      int64     `json:"item_id"`
	WarehouseID int64     `json:"warehouse_id"`
	LocationID  *int64    `json:"location_id,omitempty"`
	Direction   Direction `json:"direction"`
	Reason      Reason    `json:"reason"`
	Qty         float64   `json:"qty"`
	BeforeQty   float64   `json:"before_qty"`
	AfterQty    float64   `json:"after_qty"`
	UnitPrice   float64   `json:"unit_price"`
	TotalValue  float64   `json:"total_value"`
	RefDocType  *string   `json:"ref_doc_type,omitempty"`
	RefDocID    *int64    `json:"ref_doc_id,omitempty"`
	ActorID     int64     `json:"actor_id"`
	Note        string    `json:"note"`
	CreatedAt   time.Time `json:"created_at"`
}

// DispatchPolicy controls the challan dispatch hook. It is threaded into the
// hook explicitly so both branches can be exercised deterministically.
type DispatchPolicy struct {
	// AutoDeduct gates the hook entirely: when false, sending a challan moves
	// no stock.
	AutoDeduct bool `json:"auto_deduct"`
	// StrictValidation aborts the whole send on the first short item; when
	// false, short items are skipped and the send proceeds.
	StrictValidation bool `json:"strict_validation"`
	// Spillover lets a deduction drain multiple location entries of the
	// warehouse in list order.
	Spillover bool `json:"spillover"`
}

// ============================================================================
// INPUTS
// ============================================================================

// CreateWarehouseInput describes a new warehouse.
type CreateWarehouseInput struct {
	Name      string  `json:"name" validate:"required,max=200"`
	Address   *string `json:"address,omitempty" validate:"omitempty,max=500"`
	IsDefault bool    `json:"is_default"`
}

// CreateLocationInput describes a new location inside a warehouse.
type CreateLocationInput struct {
	WarehouseID int64  `json:"warehouse_id" validate:"required,gt=0"`
	Name        string `json:"name" validate:"required,max=200"`
}

// CreateItemInput describes a new inventory item. SKU is generated when
// empty; opening stock, when positive, posts an opening_stock movement.
type CreateItemInput struct {
	Name         string  `json:"name" validate:"required,max=200"`
	Unit         string  `json:"unit" validate:"required,max=20"`
	SKU          string  `json:"sku" validate:"omitempty,max=50"`
	SKUPrefix    string  `json:"sku_prefix" validate:"omitempty,max=10"`
	OpeningStock float64 `json:"opening_stock" validate:"gte=0"`
	UnitPrice    float64 `json:"unit_price" validate:"gte=0"`
	WarehouseID  int64   `json:"warehouse_id" validate:"gte=0"`
	LocationID   *int64  `json:"location_id,omitempty"`
}

// AddInput credits stock at a location.
type AddInput struct {
	ItemID      int64   `json:"item_id" validate:"required,gt=0"`
	WarehouseID int64   `json:"warehouse_id" validate:"required,gt=0"`
	LocationID  *int64  `json:"location_id,omitempty"`
	Qty         float64 `json:"qty" validate:"required,gt=0"`
	Reason      Reason  `json:"reason" validate:"required"`
	UnitPrice   float64 `json:"unit_price" validate:"gte=0"`
	Note        string  `json:"note"`
	// IdempotencyKey dedupes retried requests; blank skips the check.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// DeductInput debits stock at a location.
type DeductInput struct {
	ItemID      int64   `json:"item_id" validate:"required,gt=0"`
	WarehouseID int64   `json:"warehouse_id" validate:"required,gt=0"`
	LocationID  *int64  `json:"location_id,omitempty"`
	Qty         float64 `json:"qty" validate:"required,gt=0"`
	Reason      Reason  `json:"reason" validate:"required"`
	Note        string  `json:"note"`
	// Spillover allows draining further location entries of the warehouse in
	// list order when the targeted entry is short.
	Spillover      bool   `json:"spillover"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// TransferInput moves stock between two warehouse/location pairs.
type TransferInput struct {
	ItemID          int64   `json:"item_id" validate:"required,gt=0"`
	FromWarehouseID int64   `json:"from_warehouse_id" validate:"required,gt=0"`
	FromLocationID  *int64  `json:"from_location_id,omitempty"`
	ToWarehouseID   int64   `json:"to_warehouse_id" validate:"required,gt=0"`
	ToLocationID    *int64  `json:"to_location_id,omitempty"`
	Qty             float64 `json:"qty" validate:"required,gt=0"`
	Note            string  `json:"note"`
	IdempotencyKey  string  `json:"idempotency_key,omitempty"`
}

// AdjustInput is a generic manual IN/OUT correction.
type AdjustInput struct {
	ItemID         int64     `json:"item_id" validate:"required,gt=0"`
	WarehouseID    int64     `json:"warehouse_id" validate:"required,gt=0"`
	LocationID     *int64    `json:"location_id,omitempty"`
	Direction      Direction `json:"direction" validate:"required,oneof=IN OUT"`
	Qty            float64   `json:"qty" validate:"required,gt=0"`
	Reason         Reason    `json:"reason" validate:"required"`
	UnitPrice      float64   `json:"unit_price" validate:"gte=0"`
	Note           string    `json:"note"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// DispatchLine is one challan line with an inventory link.
type DispatchLine struct {
	ItemID int64
	Qty    float64
}

// DispatchRequest asks the ledger to deduct shipped quantities when a challan
// transitions to sent. It runs inside the caller's transaction.
type DispatchRequest struct {
	CompanyID   int64
	WarehouseID int64
	ChallanID   int64
	ActorID     int64
	Lines       []DispatchLine
	Policy      DispatchPolicy
}

// CreditLine is one returned line with an inventory link.
type CreditLine struct {
	ItemID int64
	Qty    float64
}

// CreditRequest restocks returned quantities. It runs inside the caller's
// transaction.
type CreditRequest struct {
	CompanyID   int64
	WarehouseID int64
	ReturnID    int64
	ActorID     int64
	Lines       []CreditLine
}

// MovementFilter filters the movement listing.
type MovementFilter struct {
	ItemID      int64
	WarehouseID int64
	Reason      Reason
	From        time.Time
	To          time.Time
	Page        int
	PerPage     int
}
