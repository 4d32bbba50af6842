package stock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/challanflow/challanflow/internal/shared"
)

// RepositoryPort abstracts persistence for the service.
type RepositoryPort interface {
	InTx(ctx context.Context, fn func(context.Context) error) error

	GetItem(ctx context.Context, companyID, itemID int64) (*Item, error)
	GetItemForUpdate(ctx context.Context, companyID, itemID int64) (*Item, error)
	CreateItem(ctx context.Context, item *Item) error
	SaveItemStock(ctx context.Context, item *Item) error
	ListItems(ctx context.Context, companyID int64, page, perPage int) ([]Item, int, error)
	MaxSKUSuffix(ctx context.Context, companyID int64, prefix string) (int, error)

	InsertMovement(ctx context.Context, m *Movement) error
	ListMovements(ctx context.Context, companyID int64, filter MovementFilter) ([]Movement, int, error)

	GetWarehouse(ctx context.Context, companyID, warehouseID int64) (*Warehouse, error)
	GetDefaultWarehouse(ctx context.Context, companyID int64) (*Warehouse, error)
	ClearDefaultWarehouse(ctx context.Context, companyID int64) error
	CreateWarehouse(ctx context.Context, wh *Warehouse) error
	ListWarehouses(ctx context.Context, companyID int64) ([]Warehouse, error)
	CreateLocation(ctx context.Context, loc *Location) error
	ListLocations(ctx context.Context, warehouseID int64) ([]Location, error)

	GetDispatchSettings(ctx context.Context, companyID int64) (DispatchPolicy, bool, error)
	UpsertDispatchSettings(ctx context.Context, companyID int64, policy DispatchPolicy) error
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort dedupes retried mutations by client-supplied key.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Service coordinates ledger operations.
type Service struct {
	repo  RepositoryPort
	audit AuditPort
	idem  IdempotencyPort

	policyGroup singleflight.Group
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, idem IdempotencyPort) *Service {
	return &Service{repo: repo, audit: audit, idem: idem}
}

// ============================================================================
// WAREHOUSES & LOCATIONS
// ============================================================================

// EnsureDefaultWarehouse returns the company's default warehouse, creating it
// lazily when none exists.
func (s *Service) EnsureDefaultWarehouse(ctx context.Context, companyID int64) (*Warehouse, error) {
	wh, err := s.repo.GetDefaultWarehouse(ctx, companyID)
	if err == nil {
		return wh, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return nil, err
	}
	wh = &Warehouse{CompanyID: companyID, Name: "Main Warehouse", IsDefault: true}
	if err := s.repo.CreateWarehouse(ctx, wh); err != nil {
		return nil, err
	}
	return wh, nil
}

// CreateWarehouse creates a warehouse. Marking it default clears the previous
// default so at most one remains.
func (s *Service) CreateWarehouse(ctx context.Context, id shared.Identity, in CreateWarehouseInput) (*Warehouse, error) {
	if in.Name == "" {
		return nil, &shared.ValidationError{Field: "name", Reason: "required"}
	}
	wh := &Warehouse{CompanyID: id.CompanyID, Name: in.Name, Address: in.Address, IsDefault: in.IsDefault}
	err := s.repo.InTx(ctx, func(ctx context.Context) error {
		if in.IsDefault {
			if err := s.repo.ClearDefaultWarehouse(ctx, id.CompanyID); err != nil {
				return err
			}
		}
		return s.repo.CreateWarehouse(ctx, wh)
	})
	if err != nil {
		return nil, err
	}
	return wh, nil
}

// CreateLocation creates a location inside a company warehouse.
func (s *Service) CreateLocation(ctx context.Context, id shared.Identity, in CreateLocationInput) (*Location, error) {
	if _, err := s.repo.GetWarehouse(ctx, id.CompanyID, in.WarehouseID); err != nil {
		return nil, err
	}
	loc := &Location{WarehouseID: in.WarehouseID, Name: in.Name}
	if err := s.repo.CreateLocation(ctx, loc); err != nil {
		return nil, err
	}
	return loc, nil
}

// ListWarehouses lists the company's warehouses.
func (s *Service) ListWarehouses(ctx context.Context, id shared.Identity) ([]Warehouse, error) {
	return s.repo.ListWarehouses(ctx, id.CompanyID)
}

// ListLocations lists locations of a company warehouse.
func (s *Service) ListLocations(ctx context.Context, id shared.Identity, warehouseID int64) ([]Location, error) {
	if _, err := s.repo.GetWarehouse(ctx, id.CompanyID, warehouseID); err != nil {
		return nil, err
	}
	return s.repo.ListLocations(ctx, warehouseID)
}

// ============================================================================
// ITEMS
// ============================================================================

// CreateItem registers an inventory item. SKU is generated when empty and the
// barcode is always derived from company + SKU. A positive opening stock
// posts an opening_stock movement at the given (or default) warehouse.
func (s *Service) CreateItem(ctx context.Context, id shared.Identity, in CreateItemInput) (*Item, error) {
	if in.Name == "" {
		return nil, &shared.ValidationError{Field: "name", Reason: "required"}
	}
	sku := in.SKU
	if sku == "" {
		var err error
		sku, err = s.NextSKU(ctx, id.CompanyID, in.SKUPrefix)
		if err != nil {
			return nil, err
		}
	}
	item := &Item{
		CompanyID: id.CompanyID,
		SKU:       sku,
		Barcode:   DeriveBarcode(id.CompanyID, sku),
		Name:      in.Name,
		Unit:      in.Unit,
	}
	if err := s.repo.CreateItem(ctx, item); err != nil {
		return nil, err
	}
	if in.OpeningStock > 0 {
		warehouseID := in.WarehouseID
		if warehouseID == 0 {
			wh, err := s.EnsureDefaultWarehouse(ctx, id.CompanyID)
			if err != nil {
				return nil, err
			}
			warehouseID = wh.ID
		}
		if _, err := s.AddToLocation(ctx, id, AddInput{
			ItemID:      item.ID,
			WarehouseID: warehouseID,
			LocationID:  in.LocationID,
			Qty:         in.OpeningStock,
			Reason:      ReasonOpeningStock,
			UnitPrice:   in.UnitPrice,
			Note:        "opening stock",
		}); err != nil {
			return nil, err
		}
	}
	return s.repo.GetItem(ctx, id.CompanyID, item.ID)
}

// GetItem fetches one item with its location breakdown.
func (s *Service) GetItem(ctx context.Context, id shared.Identity, itemID int64) (*Item, error) {
	return s.repo.GetItem(ctx, id.CompanyID, itemID)
}

// ListItems lists items of the company.
func (s *Service) ListItems(ctx context.Context, id shared.Identity, page, perPage int) ([]Item, int, error) {
	return s.repo.ListItems(ctx, id.CompanyID, page, perPage)
}

// ListMovements lists the movement history.
func (s *Service) ListMovements(ctx context.Context, id shared.Identity, filter MovementFilter) ([]Movement, int, error) {
	return s.repo.ListMovements(ctx, id.CompanyID, filter)
}

// ============================================================================
// LEDGER MUTATIONS
// ============================================================================

// AddToLocation credits stock at a warehouse/location entry, creating the
// entry when missing. Adding cannot violate non-negativity so it never fails
// on quantity.
func (s *Service) AddToLocation(ctx context.Context, id shared.Identity, in AddInput) (*Movement, error) {
	if in.Qty <= 0 {
		return nil, &shared.ValidationError{Field: "qty", Reason: "must be positive"}
	}
	reason := in.Reason
	if reason == "" {
		reason = ReasonPurchase
	}
	if !reason.IsValid() {
		return nil, &shared.ValidationError{Field: "reason", Reason: "unknown"}
	}
	return s.postMovement(ctx, movementParams{
		companyID:   id.CompanyID,
		itemID:      in.ItemID,
		warehouseID: in.WarehouseID,
		locationID:  in.LocationID,
		direction:   DirectionIn,
		reason:      reason,
		qty:         in.Qty,
		unitPrice:   in.UnitPrice,
		actorID:     id.ActorID,
		note:        in.Note,
		idemKey:     in.IdempotencyKey,
	})
}

// DeductFromLocation debits stock at a warehouse/location entry. Without
// spillover the targeted entry must cover the quantity; with spillover the
// warehouse's entries are drained in list order.
func (s *Service) DeductFromLocation(ctx context.Context, id shared.Identity, in DeductInput) (*Movement, error) {
	if in.Qty <= 0 {
		return nil, &shared.ValidationError{Field: "qty", Reason: "must be positive"}
	}
	reason := in.Reason
	if reason == "" {
		reason = ReasonAdjustment
	}
	if !reason.IsValid() {
		return nil, &shared.ValidationError{Field: "reason", Reason: "unknown"}
	}
	return s.postMovement(ctx, movementParams{
		companyID:   id.CompanyID,
		itemID:      in.ItemID,
		warehouseID: in.WarehouseID,
		locationID:  in.LocationID,
		direction:   DirectionOut,
		reason:      reason,
		qty:         in.Qty,
		actorID:     id.ActorID,
		note:        in.Note,
		spillover:   in.Spillover,
		idemKey:     in.IdempotencyKey,
	})
}

// Transfer moves quantity between two warehouse/location pairs, recording an
// OUT and an IN movement that share note and quantity. A short source fails
// the whole transfer; no movement rows survive.
func (s *Service) Transfer(ctx context.Context, id shared.Identity, in TransferInput) (*Movement, *Movement, error) {
	if in.Qty <= 0 {
		return nil, nil, &shared.ValidationError{Field: "qty", Reason: "must be positive"}
	}
	if in.FromWarehouseID == in.ToWarehouseID && equalLocation(in.FromLocationID, in.ToLocationID) {
		return nil, nil, &shared.ValidationError{Field: "to_location_id", Reason: "source and destination must differ"}
	}
	claimed, err := s.claimIdempotencyKey(ctx, in.IdempotencyKey)
	if err != nil {
		return nil, nil, err
	}
	var outMove, inMove *Movement
	err = s.repo.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.repo.GetWarehouse(ctx, id.CompanyID, in.FromWarehouseID); err != nil {
			return err
		}
		if _, err := s.repo.GetWarehouse(ctx, id.CompanyID, in.ToWarehouseID); err != nil {
			return err
		}
		item, err := s.repo.GetItemForUpdate(ctx, id.CompanyID, in.ItemID)
		if err != nil {
			return err
		}
		outBefore := item.CurrentStock
		if err := applyDebit(item, in.FromWarehouseID, in.FromLocationID, in.Qty, false); err != nil {
			return err
		}
		applyCredit(item, in.ToWarehouseID, in.ToLocationID, in.Qty, 0)
		if err := s.repo.SaveItemStock(ctx, item); err != nil {
			return err
		}
		now := time.Now().UTC()
		outMove = &Movement{
			CompanyID:   id.CompanyID,
			ItemID:      item.ID,
			WarehouseID: in.FromWarehouseID,
			LocationID:  in.FromLocationID,
			Direction:   DirectionOut,
			Reason:      ReasonTransferOut,
			Qty:         in.Qty,
			BeforeQty:   outBefore,
			AfterQty:    outBefore - in.Qty,
			UnitPrice:   item.AvgPurchasePrice,
			TotalValue:  item.AvgPurchasePrice * in.Qty,
			ActorID:     id.ActorID,
			Note:        in.Note,
			CreatedAt:   now,
		}
		inMove = &Movement{
			CompanyID:   id.CompanyID,
			ItemID:      item.ID,
			WarehouseID: in.ToWarehouseID,
			LocationID:  in.ToLocationID,
			Direction:   DirectionIn,
			Reason:      ReasonTransferIn,
			Qty:         in.Qty,
			BeforeQty:   outBefore - in.Qty,
			AfterQty:    outBefore,
			UnitPrice:   item.AvgPurchasePrice,
			TotalValue:  item.AvgPurchasePrice * in.Qty,
			ActorID:     id.ActorID,
			Note:        in.Note,
			CreatedAt:   now,
		}
		if err := s.repo.InsertMovement(ctx, outMove); err != nil {
			return err
		}
		return s.repo.InsertMovement(ctx, inMove)
	})
	if err != nil {
		if claimed {
			s.releaseIdempotencyKey(ctx, in.IdempotencyKey)
		}
		return nil, nil, err
	}
	s.recordAudit(ctx, id.CompanyID, id.ActorID, "stock:transfer", in.ItemID, map[string]any{
		"qty":            in.Qty,
		"from_warehouse": in.FromWarehouseID,
		"to_warehouse":   in.ToWarehouseID,
	})
	return outMove, inMove, nil
}

// Adjust posts a manual IN/OUT correction.
func (s *Service) Adjust(ctx context.Context, id shared.Identity, in AdjustInput) (*Movement, error) {
	if in.Qty <= 0 {
		return nil, &shared.ValidationError{Field: "qty", Reason: "must be positive"}
	}
	if in.Direction != DirectionIn && in.Direction != DirectionOut {
		return nil, &shared.ValidationError{Field: "direction", Reason: "must be IN or OUT"}
	}
	reason := in.Reason
	if reason == "" {
		reason = ReasonAdjustment
	}
	if !reason.IsValid() {
		return nil, &shared.ValidationError{Field: "reason", Reason: "unknown"}
	}
	return s.postMovement(ctx, movementParams{
		companyID:   id.CompanyID,
		itemID:      in.ItemID,
		warehouseID: in.WarehouseID,
		locationID:  in.LocationID,
		direction:   in.Direction,
		reason:      reason,
		qty:         in.Qty,
		unitPrice:   in.UnitPrice,
		actorID:     id.ActorID,
		note:        in.Note,
		idemKey:     in.IdempotencyKey,
	})
}

// ============================================================================
// DISPATCH HOOK & RETURN CREDIT
// ============================================================================

// DispatchPolicy resolves the company's dispatch settings. Companies without
// a settings row keep auto-deduction off. Concurrent sends for the same
// company collapse to a single settings query.
func (s *Service) DispatchPolicy(ctx context.Context, companyID int64) (DispatchPolicy, error) {
	v, err, _ := s.policyGroup.Do(strconv.FormatInt(companyID, 10), func() (any, error) {
		policy, found, err := s.repo.GetDispatchSettings(ctx, companyID)
		if err != nil {
			return DispatchPolicy{}, err
		}
		if !found {
			return DispatchPolicy{}, nil
		}
		return policy, nil
	})
	if err != nil {
		return DispatchPolicy{}, err
	}
	return v.(DispatchPolicy), nil
}

// SetDispatchPolicy stores the company's dispatch settings.
func (s *Service) SetDispatchPolicy(ctx context.Context, id shared.Identity, policy DispatchPolicy) error {
	return s.repo.UpsertDispatchSettings(ctx, id.CompanyID, policy)
}

// DeductForChallan deducts shipped quantities when a challan transitions to
// sent. It joins the caller's transaction, so aborting here also rolls the
// status flip back. Strict policy fails on the first short item; lenient
// policy skips short items and lets the send proceed.
func (s *Service) DeductForChallan(ctx context.Context, req DispatchRequest) ([]*Movement, error) {
	if !req.Policy.AutoDeduct || len(req.Lines) == 0 {
		return nil, nil
	}
	warehouseID := req.WarehouseID
	if warehouseID == 0 {
		wh, err := s.EnsureDefaultWarehouse(ctx, req.CompanyID)
		if err != nil {
			return nil, err
		}
		warehouseID = wh.ID
	}
	refType := "challan"
	var movements []*Movement
	for _, line := range req.Lines {
		if line.ItemID == 0 || line.Qty <= 0 {
			continue
		}
		mv, err := s.postMovement(ctx, movementParams{
			companyID:   req.CompanyID,
			itemID:      line.ItemID,
			warehouseID: warehouseID,
			direction:   DirectionOut,
			reason:      ReasonChallanSent,
			qty:         line.Qty,
			refDocType:  refType,
			refDocID:    req.ChallanID,
			actorID:     req.ActorID,
			note:        fmt.Sprintf("challan #%d dispatched", req.ChallanID),
			spillover:   req.Policy.Spillover,
		})
		if err != nil {
			if !req.Policy.StrictValidation && isInsufficient(err) {
				continue
			}
			return nil, err
		}
		movements = append(movements, mv)
	}
	return movements, nil
}

// CreditForReturn restocks returned quantities with reason return_received.
// It joins the caller's transaction.
func (s *Service) CreditForReturn(ctx context.Context, req CreditRequest) ([]*Movement, error) {
	if len(req.Lines) == 0 {
		return nil, nil
	}
	warehouseID := req.WarehouseID
	if warehouseID == 0 {
		wh, err := s.EnsureDefaultWarehouse(ctx, req.CompanyID)
		if err != nil {
			return nil, err
		}
		warehouseID = wh.ID
	}
	refType := "return"
	var movements []*Movement
	for _, line := range req.Lines {
		if line.ItemID == 0 || line.Qty <= 0 {
			continue
		}
		mv, err := s.postMovement(ctx, movementParams{
			companyID:   req.CompanyID,
			itemID:      line.ItemID,
			warehouseID: warehouseID,
			direction:   DirectionIn,
			reason:      ReasonReturnReceived,
			qty:         line.Qty,
			refDocType:  refType,
			refDocID:    req.ReturnID,
			actorID:     req.ActorID,
			note:        fmt.Sprintf("return #%d received", req.ReturnID),
		})
		if err != nil {
			return nil, err
		}
		movements = append(movements, mv)
	}
	return movements, nil
}

// ============================================================================
// MOVEMENT POSTING
// ============================================================================

type movementParams struct {
	companyID   int64
	itemID      int64
	warehouseID int64
	locationID  *int64
	direction   Direction
	reason      Reason
	qty         float64
	unitPrice   float64
	refDocType  string
	refDocID    int64
	actorID     int64
	note        string
	spillover   bool
	idemKey     string
}

// claimIdempotencyKey reserves a client-supplied key before the transaction.
// The caller must release it when the transaction fails so a retry of the
// same request is not treated as a duplicate.
func (s *Service) claimIdempotencyKey(ctx context.Context, key string) (bool, error) {
	if s.idem == nil || key == "" {
		return false, nil
	}
	if err := s.idem.CheckAndInsert(ctx, key, "stock"); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) releaseIdempotencyKey(ctx context.Context, key string) {
	_ = s.idem.Delete(ctx, key)
}

func (s *Service) postMovement(ctx context.Context, p movementParams) (*Movement, error) {
	if p.itemID == 0 || p.warehouseID == 0 {
		return nil, &shared.ValidationError{Field: "item_id", Reason: "item and warehouse required"}
	}
	claimed, err := s.claimIdempotencyKey(ctx, p.idemKey)
	if err != nil {
		return nil, err
	}
	var mv *Movement
	err = s.repo.InTx(ctx, func(ctx context.Context) error {
		// Warehouse ownership gates every write path, including credits a
		// counterparty triggers through a return.
		if _, err := s.repo.GetWarehouse(ctx, p.companyID, p.warehouseID); err != nil {
			return err
		}
		item, err := s.repo.GetItemForUpdate(ctx, p.companyID, p.itemID)
		if err != nil {
			return err
		}
		before := item.CurrentStock
		unitPrice := p.unitPrice
		switch p.direction {
		case DirectionIn:
			applyCredit(item, p.warehouseID, p.locationID, p.qty, p.unitPrice)
		case DirectionOut:
			if err := applyDebit(item, p.warehouseID, p.locationID, p.qty, p.spillover); err != nil {
				return err
			}
			if unitPrice == 0 {
				unitPrice = item.AvgPurchasePrice
			}
		default:
			return &shared.ValidationError{Field: "direction", Reason: "must be IN or OUT"}
		}
		if err := s.repo.SaveItemStock(ctx, item); err != nil {
			return err
		}
		mv = &Movement{
			CompanyID:   p.companyID,
			ItemID:      item.ID,
			WarehouseID: p.warehouseID,
			LocationID:  p.locationID,
			Direction:   p.direction,
			Reason:      p.reason,
			Qty:         p.qty,
			BeforeQty:   before,
			AfterQty:    item.CurrentStock,
			UnitPrice:   unitPrice,
			TotalValue:  unitPrice * p.qty,
			ActorID:     p.actorID,
			Note:        p.note,
			CreatedAt:   time.Now().UTC(),
		}
		if p.refDocType != "" {
			mv.RefDocType = &p.refDocType
			mv.RefDocID = &p.refDocID
		}
		return s.repo.InsertMovement(ctx, mv)
	})
	if err != nil {
		if claimed {
			s.releaseIdempotencyKey(ctx, p.idemKey)
		}
		return nil, err
	}
	s.recordAudit(ctx, p.companyID, p.actorID, fmt.Sprintf("stock:%s", p.direction), p.itemID, map[string]any{
		"warehouse_id": p.warehouseID,
		"reason":       string(p.reason),
		"qty":          p.qty,
	})
	return mv, nil
}

func (s *Service) recordAudit(ctx context.Context, companyID, actorID int64, action string, itemID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		CompanyID: companyID,
		ActorID:   actorID,
		Action:    action,
		Entity:    "stock_item",
		EntityID:  fmt.Sprintf("%d", itemID),
		Meta:      meta,
	})
}

// applyCredit increments the matching breakdown entry (creating it when
// missing), the denormalized total, and the weighted average purchase price
// when a unit price is given.
func applyCredit(item *Item, warehouseID int64, locationID *int64, qty, unitPrice float64) {
	entry := findEntry(item, warehouseID, locationID)
	if entry == nil {
		item.Locations = append(item.Locations, LocationStock{
			WarehouseID: warehouseID,
			LocationID:  locationID,
			Position:    len(item.Locations),
		})
		entry = &item.Locations[len(item.Locations)-1]
	}
	before := item.CurrentStock
	entry.CurrentStock += qty
	item.CurrentStock += qty
	if unitPrice > 0 {
		if item.CurrentStock == 0 {
			item.AvgPurchasePrice = unitPrice
		} else {
			item.AvgPurchasePrice = (before*item.AvgPurchasePrice + qty*unitPrice) / item.CurrentStock
		}
	}
}

// applyDebit decrements stock. Without spillover the targeted entry must
// cover the quantity; with spillover the warehouse's entries are drained in
// list order, targeted entry first.
func applyDebit(item *Item, warehouseID int64, locationID *int64, qty float64, spillover bool) error {
	if !spillover {
		entry := findEntry(item, warehouseID, locationID)
		var available float64
		if entry != nil {
			available = entry.CurrentStock
		}
		if available < qty {
			return &shared.InsufficientStockError{
				ItemID:      item.ID,
				WarehouseID: warehouseID,
				Requested:   qty,
				Available:   available,
			}
		}
		entry.CurrentStock -= qty
		item.CurrentStock -= qty
		return nil
	}

	available := item.WarehouseStock(warehouseID)
	if available < qty {
		return &shared.InsufficientStockError{
			ItemID:      item.ID,
			WarehouseID: warehouseID,
			Requested:   qty,
			Available:   available,
		}
	}
	remaining := qty
	if target := findEntry(item, warehouseID, locationID); target != nil {
		take := minFloat(target.CurrentStock, remaining)
		target.CurrentStock -= take
		remaining -= take
	}
	for i := range item.Locations {
		if remaining <= 0 {
			break
		}
		entry := &item.Locations[i]
		if entry.WarehouseID != warehouseID || entry.CurrentStock <= 0 {
			continue
		}
		if equalLocation(entry.LocationID, locationID) {
			continue
		}
		take := minFloat(entry.CurrentStock, remaining)
		entry.CurrentStock -= take
		remaining -= take
	}
	item.CurrentStock -= qty
	return nil
}

func findEntry(item *Item, warehouseID int64, locationID *int64) *LocationStock {
	for i := range item.Locations {
		entry := &item.Locations[i]
		if entry.WarehouseID == warehouseID && equalLocation(entry.LocationID, locationID) {
			return entry
		}
	}
	return nil
}

func equalLocation(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func isInsufficient(err error) bool {
	return errors.Is(err, shared.ErrInsufficientStock)
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
