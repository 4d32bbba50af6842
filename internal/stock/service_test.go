package stock

import (
	"context"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/challanflow/challanflow/internal/shared"
)

type memoryRepo struct {
	items      map[int64]*Item
	movements  []Movement
	warehouses map[int64]*Warehouse
	locations  map[int64]*Location
	settings   map[int64]DispatchPolicy
	nextID     int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		items:      make(map[int64]*Item),
		warehouses: make(map[int64]*Warehouse),
		locations:  make(map[int64]*Location),
		settings:   make(map[int64]DispatchPolicy),
	}
}

func (r *memoryRepo) id() int64 {
	r.nextID++
	return r.nextID
}

func (r *memoryRepo) InTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func cloneItem(it *Item) *Item {
	cp := *it
	cp.Locations = append([]LocationStock(nil), it.Locations...)
	return &cp
}

func (r *memoryRepo) GetItem(ctx context.Context, companyID, itemID int64) (*Item, error) {
	it, ok := r.items[itemID]
	if !ok || it.CompanyID != companyID {
		return nil, shared.ErrNotFound
	}
	return cloneItem(it), nil
}

func (r *memoryRepo) GetItemForUpdate(ctx context.Context, companyID, itemID int64) (*Item, error) {
	return r.GetItem(ctx, companyID, itemID)
}

func (r *memoryRepo) CreateItem(ctx context.Context, item *Item) error {
	for _, it := range r.items {
		if it.CompanyID == item.CompanyID && it.SKU == item.SKU {
			return &shared.ValidationError{Field: "sku", Reason: "already exists"}
		}
	}
	item.ID = r.id()
	r.items[item.ID] = cloneItem(item)
	return nil
}

func (r *memoryRepo) SaveItemStock(ctx context.Context, item *Item) error {
	if _, ok := r.items[item.ID]; !ok {
		return shared.ErrNotFound
	}
	r.items[item.ID] = cloneItem(item)
	return nil
}

func (r *memoryRepo) ListItems(ctx context.Context, companyID int64, page, perPage int) ([]Item, int, error) {
	var out []Item
	for _, it := range r.items {
		if it.CompanyID == companyID {
			out = append(out, *cloneItem(it))
		}
	}
	return out, len(out), nil
}

func (r *memoryRepo) MaxSKUSuffix(ctx context.Context, companyID int64, prefix string) (int, error) {
	max := 0
	for _, it := range r.items {
		if it.CompanyID != companyID || !strings.HasPrefix(it.SKU, prefix+"-") {
			continue
		}
		if n, err := strconv.Atoi(it.SKU[len(prefix)+1:]); err == nil && n > max {
			max = n
		}
	}
	return max, nil
}

func (r *memoryRepo) InsertMovement(ctx context.Context, m *Movement) error {
	m.ID = r.id()
	r.movements = append(r.movements, *m)
	return nil
}

func (r *memoryRepo) ListMovements(ctx context.Context, companyID int64, filter MovementFilter) ([]Movement, int, error) {
	var out []Movement
	for _, m := range r.movements {
		if m.CompanyID != companyID {
			continue
		}
		if filter.ItemID > 0 && m.ItemID != filter.ItemID {
			continue
		}
		if filter.Reason != "" && m.Reason != filter.Reason {
			continue
		}
		out = append(out, m)
	}
	return out, len(out), nil
}

func (r *memoryRepo) GetWarehouse(ctx context.Context, companyID, warehouseID int64) (*Warehouse, error) {
	wh, ok := r.warehouses[warehouseID]
	if !ok || wh.CompanyID != companyID {
		return nil, shared.ErrNotFound
	}
	cp := *wh
	return &cp, nil
}

func (r *memoryRepo) GetDefaultWarehouse(ctx context.Context, companyID int64) (*Warehouse, error) {
	for _, wh := range r.warehouses {
		if wh.CompanyID == companyID && wh.IsDefault {
			cp := *wh
			return &cp, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (r *memoryRepo) ClearDefaultWarehouse(ctx context.Context, companyID int64) error {
	for _, wh := range r.warehouses {
		if wh.CompanyID == companyID {
			wh.IsDefault = false
		}
	}
	return nil
}

func (r *memoryRepo) CreateWarehouse(ctx context.Context, wh *Warehouse) error {
	wh.ID = r.id()
	cp := *wh
	r.warehouses[wh.ID] = &cp
	return nil
}

func (r *memoryRepo) ListWarehouses(ctx context.Context, companyID int64) ([]Warehouse, error) {
	var out []Warehouse
	for _, wh := range r.warehouses {
		if wh.CompanyID == companyID {
			out = append(out, *wh)
		}
	}
	return out, nil
}

func (r *memoryRepo) CreateLocation(ctx context.Context, loc *Location) error {
	loc.ID = r.id()
	cp := *loc
	r.locations[loc.ID] = &cp
	return nil
}

func (r *memoryRepo) ListLocations(ctx context.Context, warehouseID int64) ([]Location, error) {
	var out []Location
	for _, loc := range r.locations {
		if loc.WarehouseID == warehouseID {
			out = append(out, *loc)
		}
	}
	return out, nil
}

func (r *memoryRepo) GetDispatchSettings(ctx context.Context, companyID int64) (DispatchPolicy, bool, error) {
	policy, ok := r.settings[companyID]
	return policy, ok, nil
}

func (r *memoryRepo) UpsertDispatchSettings(ctx context.Context, companyID int64, policy DispatchPolicy) error {
	r.settings[companyID] = policy
	return nil
}

func manager() shared.Identity {
	return shared.Identity{
		CompanyID: 1,
		ActorID:   10,
		Permissions: map[string]bool{
			shared.PermStockView:     true,
			shared.PermStockManage:   true,
			shared.PermStockAdjust:   true,
			shared.PermStockTransfer: true,
		},
	}
}

// seedItem creates an item with stock spread over warehouse 1 in two location
// entries (nil location and location 5).
func seedItem(t *testing.T, repo *memoryRepo, svc *Service) *Item {
	t.Helper()
	id := manager()
	ctx := context.Background()
	wh := &Warehouse{CompanyID: 1, Name: "Main", IsDefault: true}
	require.NoError(t, repo.CreateWarehouse(ctx, wh))

	item, err := svc.CreateItem(ctx, id, CreateItemInput{Name: "Bolt", Unit: "pcs"})
	require.NoError(t, err)

	_, err = svc.AddToLocation(ctx, id, AddInput{
		ItemID: item.ID, WarehouseID: wh.ID, Qty: 10, Reason: ReasonPurchase, UnitPrice: 100,
	})
	require.NoError(t, err)
	loc := int64(5)
	_, err = svc.AddToLocation(ctx, id, AddInput{
		ItemID: item.ID, WarehouseID: wh.ID, LocationID: &loc, Qty: 10, Reason: ReasonPurchase, UnitPrice: 100,
	})
	require.NoError(t, err)

	got, err := svc.GetItem(ctx, id, item.ID)
	require.NoError(t, err)
	return got
}

func TestAddTracksBeforeAfter(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	item := seedItem(t, repo, svc)

	require.InDelta(t, 20, item.CurrentStock, 0.0001)
	require.Len(t, repo.movements, 2)
	require.InDelta(t, 0, repo.movements[0].BeforeQty, 0.0001)
	require.InDelta(t, 10, repo.movements[0].AfterQty, 0.0001)
	require.InDelta(t, 10, repo.movements[1].BeforeQty, 0.0001)
	require.InDelta(t, 20, repo.movements[1].AfterQty, 0.0001)
}

func TestDeductStrictAtLocation(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	item := seedItem(t, repo, svc)
	id := manager()
	ctx := context.Background()

	// Scenario: item has 10 at the nil-location entry; deducting 12 without
	// spillover fails even though the warehouse holds 20 in aggregate.
	_, err := svc.DeductFromLocation(ctx, id, DeductInput{
		ItemID: item.ID, WarehouseID: 1, Qty: 12, Reason: ReasonAdjustment,
	})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
	var ise *shared.InsufficientStockError
	require.ErrorAs(t, err, &ise)
	require.InDelta(t, 10, ise.Available, 0.0001)

	// nothing changed
	got, err := svc.GetItem(ctx, id, item.ID)
	require.NoError(t, err)
	require.InDelta(t, 20, got.CurrentStock, 0.0001)
}

func TestDeductSpilloverDrainsInListOrder(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	item := seedItem(t, repo, svc)
	id := manager()
	ctx := context.Background()

	mv, err := svc.DeductFromLocation(ctx, id, DeductInput{
		ItemID: item.ID, WarehouseID: 1, Qty: 12, Reason: ReasonAdjustment, Spillover: true,
	})
	require.NoError(t, err)
	// one movement row for the whole spillover deduction
	require.InDelta(t, 20, mv.BeforeQty, 0.0001)
	require.InDelta(t, 8, mv.AfterQty, 0.0001)

	got, err := svc.GetItem(ctx, id, item.ID)
	require.NoError(t, err)
	// targeted (nil-location) entry drained first, remainder from location 5
	require.InDelta(t, 0, got.Locations[0].CurrentStock, 0.0001)
	require.InDelta(t, 8, got.Locations[1].CurrentStock, 0.0001)
	require.InDelta(t, 8, got.CurrentStock, 0.0001)
}

func TestSpilloverNeverCrossesWarehouses(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	item := seedItem(t, repo, svc)
	id := manager()
	ctx := context.Background()

	wh2 := &Warehouse{CompanyID: 1, Name: "Overflow"}
	require.NoError(t, repo.CreateWarehouse(ctx, wh2))
	_, err := svc.AddToLocation(ctx, id, AddInput{
		ItemID: item.ID, WarehouseID: wh2.ID, Qty: 50, Reason: ReasonPurchase,
	})
	require.NoError(t, err)

	// warehouse 1 holds 20; 25 must fail despite 50 sitting in warehouse 2
	_, err = svc.DeductFromLocation(ctx, id, DeductInput{
		ItemID: item.ID, WarehouseID: 1, Qty: 25, Reason: ReasonAdjustment, Spillover: true,
	})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
}

func TestTransferEmitsTwoMovements(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	item := seedItem(t, repo, svc)
	id := manager()
	ctx := context.Background()

	wh2 := &Warehouse{CompanyID: 1, Name: "Second"}
	require.NoError(t, repo.CreateWarehouse(ctx, wh2))

	out, in, err := svc.Transfer(ctx, id, TransferInput{
		ItemID: item.ID, FromWarehouseID: 1, ToWarehouseID: wh2.ID, Qty: 10,
	})
	require.NoError(t, err)
	require.Equal(t, DirectionOut, out.Direction)
	require.Equal(t, ReasonTransferOut, out.Reason)
	require.Equal(t, DirectionIn, in.Direction)
	require.Equal(t, ReasonTransferIn, in.Reason)
	// the pair reads as sequential steps over the item total
	require.InDelta(t, 20, out.BeforeQty, 0.0001)
	require.InDelta(t, 10, out.AfterQty, 0.0001)
	require.InDelta(t, 10, in.BeforeQty, 0.0001)
	require.InDelta(t, 20, in.AfterQty, 0.0001)

	got, err := svc.GetItem(ctx, id, item.ID)
	require.NoError(t, err)
	// conservation: total unchanged, split moved
	require.InDelta(t, 20, got.CurrentStock, 0.0001)
	require.InDelta(t, 10, got.WarehouseStock(1), 0.0001)
	require.InDelta(t, 10, got.WarehouseStock(wh2.ID), 0.0001)
}

func TestTransferShortSourceLeavesNothing(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	item := seedItem(t, repo, svc)
	id := manager()
	ctx := context.Background()

	wh2 := &Warehouse{CompanyID: 1, Name: "Second"}
	require.NoError(t, repo.CreateWarehouse(ctx, wh2))

	before := len(repo.movements)
	_, _, err := svc.Transfer(ctx, id, TransferInput{
		ItemID: item.ID, FromWarehouseID: 1, ToWarehouseID: wh2.ID, Qty: 15,
	})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
	require.Len(t, repo.movements, before)

	got, err := svc.GetItem(ctx, id, item.ID)
	require.NoError(t, err)
	require.InDelta(t, 20, got.CurrentStock, 0.0001)
}

func TestTransferRejectsSamePair(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	item := seedItem(t, repo, svc)

	_, _, err := svc.Transfer(context.Background(), manager(), TransferInput{
		ItemID: item.ID, FromWarehouseID: 1, ToWarehouseID: 1, Qty: 1,
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestWeightedAverageCost(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	id := manager()
	ctx := context.Background()

	wh := &Warehouse{CompanyID: 1, Name: "Main", IsDefault: true}
	require.NoError(t, repo.CreateWarehouse(ctx, wh))
	item, err := svc.CreateItem(ctx, id, CreateItemInput{Name: "Nut", Unit: "pcs"})
	require.NoError(t, err)

	_, err = svc.AddToLocation(ctx, id, AddInput{
		ItemID: item.ID, WarehouseID: wh.ID, Qty: 10, Reason: ReasonPurchase, UnitPrice: 100,
	})
	require.NoError(t, err)
	_, err = svc.AddToLocation(ctx, id, AddInput{
		ItemID: item.ID, WarehouseID: wh.ID, Qty: 10, Reason: ReasonPurchase, UnitPrice: 200,
	})
	require.NoError(t, err)

	got, err := svc.GetItem(ctx, id, item.ID)
	require.NoError(t, err)
	require.InDelta(t, 150, got.AvgPurchasePrice, 0.0001)

	// deductions price at the running average and leave it untouched
	mv, err := svc.DeductFromLocation(ctx, id, DeductInput{
		ItemID: item.ID, WarehouseID: wh.ID, Qty: 5, Reason: ReasonAdjustment,
	})
	require.NoError(t, err)
	require.InDelta(t, 150, mv.UnitPrice, 0.0001)
	require.InDelta(t, 750, mv.TotalValue, 0.0001)

	got, err = svc.GetItem(ctx, id, item.ID)
	require.NoError(t, err)
	require.InDelta(t, 150, got.AvgPurchasePrice, 0.0001)
}

func TestDispatchStrictAbortsOnShortItem(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	item := seedItem(t, repo, svc)
	ctx := context.Background()

	_, err := svc.DeductForChallan(ctx, DispatchRequest{
		CompanyID: 1, WarehouseID: 1, ChallanID: 7, ActorID: 10,
		Lines:  []DispatchLine{{ItemID: item.ID, Qty: 100}},
		Policy: DispatchPolicy{AutoDeduct: true, StrictValidation: true},
	})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
}

func TestDispatchLenientSkipsShortItem(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	item := seedItem(t, repo, svc)
	id := manager()
	ctx := context.Background()

	item2, err := svc.CreateItem(ctx, id, CreateItemInput{Name: "Washer", Unit: "pcs", OpeningStock: 50, WarehouseID: 1})
	require.NoError(t, err)

	movements, err := svc.DeductForChallan(ctx, DispatchRequest{
		CompanyID: 1, WarehouseID: 1, ChallanID: 7, ActorID: 10,
		Lines: []DispatchLine{
			{ItemID: item.ID, Qty: 100},
			{ItemID: item2.ID, Qty: 5},
		},
		Policy: DispatchPolicy{AutoDeduct: true},
	})
	require.NoError(t, err)
	require.Len(t, movements, 1)
	require.Equal(t, item2.ID, movements[0].ItemID)
	require.Equal(t, ReasonChallanSent, movements[0].Reason)
	require.NotNil(t, movements[0].RefDocID)
	require.Equal(t, int64(7), *movements[0].RefDocID)

	// the short item is untouched
	got, err := svc.GetItem(ctx, id, item.ID)
	require.NoError(t, err)
	require.InDelta(t, 20, got.CurrentStock, 0.0001)
}

func TestDispatchDisabledMovesNothing(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	item := seedItem(t, repo, svc)

	movements, err := svc.DeductForChallan(context.Background(), DispatchRequest{
		CompanyID: 1, WarehouseID: 1, ChallanID: 7,
		Lines:  []DispatchLine{{ItemID: item.ID, Qty: 5}},
		Policy: DispatchPolicy{},
	})
	require.NoError(t, err)
	require.Empty(t, movements)
	require.Empty(t, repo.settings)
}

func TestCreditForReturnRestocks(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	item := seedItem(t, repo, svc)
	id := manager()
	ctx := context.Background()

	movements, err := svc.CreditForReturn(ctx, CreditRequest{
		CompanyID: 1, WarehouseID: 1, ReturnID: 3, ActorID: 10,
		Lines: []CreditLine{{ItemID: item.ID, Qty: 4}},
	})
	require.NoError(t, err)
	require.Len(t, movements, 1)
	require.Equal(t, ReasonReturnReceived, movements[0].Reason)
	require.Equal(t, DirectionIn, movements[0].Direction)

	got, err := svc.GetItem(ctx, id, item.ID)
	require.NoError(t, err)
	require.InDelta(t, 24, got.CurrentStock, 0.0001)
}

func TestDispatchPolicyDefaultsOff(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	policy, err := svc.DispatchPolicy(ctx, 1)
	require.NoError(t, err)
	require.False(t, policy.AutoDeduct)

	require.NoError(t, svc.SetDispatchPolicy(ctx, manager(), DispatchPolicy{AutoDeduct: true, Spillover: true}))
	policy, err = svc.DispatchPolicy(ctx, 1)
	require.NoError(t, err)
	require.True(t, policy.AutoDeduct)
	require.True(t, policy.Spillover)
}

func TestOpeningStockPostsMovement(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	id := manager()
	ctx := context.Background()

	item, err := svc.CreateItem(ctx, id, CreateItemInput{
		Name: "Screw", Unit: "pcs", OpeningStock: 30, UnitPrice: 2,
	})
	require.NoError(t, err)
	require.InDelta(t, 30, item.CurrentStock, 0.0001)

	movements, _, err := svc.ListMovements(ctx, id, MovementFilter{ItemID: item.ID, Reason: ReasonOpeningStock})
	require.NoError(t, err)
	require.Len(t, movements, 1)
	require.InDelta(t, 30, movements[0].Qty, 0.0001)

	// a default warehouse was created lazily
	wh, err := repo.GetDefaultWarehouse(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "Main Warehouse", wh.Name)
}

type memoryIdem struct {
	keys map[string]string
}

func newMemoryIdem() *memoryIdem {
	return &memoryIdem{keys: make(map[string]string)}
}

func (s *memoryIdem) CheckAndInsert(ctx context.Context, key, module string) error {
	if _, ok := s.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	s.keys[key] = module
	return nil
}

func (s *memoryIdem) Delete(ctx context.Context, key string) error {
	delete(s.keys, key)
	return nil
}

func TestIdempotencyKeyBlocksDuplicate(t *testing.T) {
	repo := newMemoryRepo()
	idem := newMemoryIdem()
	svc := NewService(repo, nil, idem)
	item := seedItem(t, repo, svc)
	id := manager()
	ctx := context.Background()

	before := len(repo.movements)
	in := AddInput{
		ItemID: item.ID, WarehouseID: 1, Qty: 5, Reason: ReasonPurchase,
		IdempotencyKey: "add-5f2b",
	}
	_, err := svc.AddToLocation(ctx, id, in)
	require.NoError(t, err)

	// a retried request carrying the same key posts nothing
	_, err = svc.AddToLocation(ctx, id, in)
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	require.Len(t, repo.movements, before+1)

	got, err := svc.GetItem(ctx, id, item.ID)
	require.NoError(t, err)
	require.InDelta(t, 25, got.CurrentStock, 0.0001)
}

func TestIdempotencyKeyReleasedOnFailure(t *testing.T) {
	repo := newMemoryRepo()
	idem := newMemoryIdem()
	svc := NewService(repo, nil, idem)
	item := seedItem(t, repo, svc)
	id := manager()
	ctx := context.Background()

	in := DeductInput{
		ItemID: item.ID, WarehouseID: 1, Qty: 100, Reason: ReasonAdjustment,
		IdempotencyKey: "deduct-91ac",
	}
	_, err := svc.DeductFromLocation(ctx, id, in)
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
	require.Empty(t, idem.keys)

	// the failed attempt did not burn the key; a corrected retry goes through
	in.Qty = 5
	in.Spillover = true
	_, err = svc.DeductFromLocation(ctx, id, in)
	require.NoError(t, err)
}

func TestTransferIdempotencyKey(t *testing.T) {
	repo := newMemoryRepo()
	idem := newMemoryIdem()
	svc := NewService(repo, nil, idem)
	item := seedItem(t, repo, svc)
	id := manager()
	ctx := context.Background()

	wh2 := &Warehouse{CompanyID: 1, Name: "Second"}
	require.NoError(t, repo.CreateWarehouse(ctx, wh2))

	in := TransferInput{
		ItemID: item.ID, FromWarehouseID: 1, ToWarehouseID: wh2.ID, Qty: 5,
		IdempotencyKey: "xfer-33d0",
	}
	before := len(repo.movements)
	_, _, err := svc.Transfer(ctx, id, in)
	require.NoError(t, err)
	require.Len(t, repo.movements, before+2)

	_, _, err = svc.Transfer(ctx, id, in)
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	require.Len(t, repo.movements, before+2)
}

func TestBlankIdempotencyKeySkipsCheck(t *testing.T) {
	repo := newMemoryRepo()
	idem := newMemoryIdem()
	svc := NewService(repo, nil, idem)
	item := seedItem(t, repo, svc)
	id := manager()
	ctx := context.Background()

	in := AddInput{ItemID: item.ID, WarehouseID: 1, Qty: 3, Reason: ReasonPurchase}
	_, err := svc.AddToLocation(ctx, id, in)
	require.NoError(t, err)
	_, err = svc.AddToLocation(ctx, id, in)
	require.NoError(t, err)
	require.Empty(t, idem.keys)
}

func TestMovementRejectsForeignWarehouse(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	item := seedItem(t, repo, svc)
	id := manager()
	ctx := context.Background()

	foreign := &Warehouse{CompanyID: 2, Name: "Rival"}
	require.NoError(t, repo.CreateWarehouse(ctx, foreign))

	before := len(repo.movements)
	_, err := svc.AddToLocation(ctx, id, AddInput{
		ItemID: item.ID, WarehouseID: foreign.ID, Qty: 5, Reason: ReasonPurchase,
	})
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.Len(t, repo.movements, before)

	got, err := svc.GetItem(ctx, id, item.ID)
	require.NoError(t, err)
	require.InDelta(t, 20, got.CurrentStock, 0.0001)
}

func TestTransferRejectsForeignWarehouse(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	item := seedItem(t, repo, svc)
	id := manager()
	ctx := context.Background()

	foreign := &Warehouse{CompanyID: 2, Name: "Rival"}
	require.NoError(t, repo.CreateWarehouse(ctx, foreign))

	before := len(repo.movements)
	_, _, err := svc.Transfer(ctx, id, TransferInput{
		ItemID: item.ID, FromWarehouseID: 1, ToWarehouseID: foreign.ID, Qty: 5,
	})
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.Len(t, repo.movements, before)
}

func TestCreditForReturnRejectsForeignWarehouse(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	item := seedItem(t, repo, svc)
	id := manager()
	ctx := context.Background()

	foreign := &Warehouse{CompanyID: 2, Name: "Rival"}
	require.NoError(t, repo.CreateWarehouse(ctx, foreign))

	// a counterparty-supplied warehouse id must still belong to the company
	_, err := svc.CreditForReturn(ctx, CreditRequest{
		CompanyID: 1, WarehouseID: foreign.ID, ReturnID: 3, ActorID: 10,
		Lines: []CreditLine{{ItemID: item.ID, Qty: 4}},
	})
	require.ErrorIs(t, err, shared.ErrNotFound)

	got, err := svc.GetItem(ctx, id, item.ID)
	require.NoError(t, err)
	require.InDelta(t, 20, got.CurrentStock, 0.0001)
}

func TestConservationAcrossMixedOperations(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	item := seedItem(t, repo, svc)
	id := manager()
	ctx := context.Background()

	wh2 := &Warehouse{CompanyID: 1, Name: "Second"}
	require.NoError(t, repo.CreateWarehouse(ctx, wh2))

	_, _, err := svc.Transfer(ctx, id, TransferInput{ItemID: item.ID, FromWarehouseID: 1, ToWarehouseID: wh2.ID, Qty: 5})
	require.NoError(t, err)
	_, err = svc.DeductFromLocation(ctx, id, DeductInput{ItemID: item.ID, WarehouseID: wh2.ID, Qty: 2, Reason: ReasonAdjustment})
	require.NoError(t, err)
	_, err = svc.AddToLocation(ctx, id, AddInput{ItemID: item.ID, WarehouseID: 1, Qty: 7, Reason: ReasonPurchase})
	require.NoError(t, err)

	got, err := svc.GetItem(ctx, id, item.ID)
	require.NoError(t, err)
	// total equals the sum over all entries
	var sum float64
	for _, e := range got.Locations {
		sum += e.CurrentStock
	}
	require.InDelta(t, got.CurrentStock, sum, 0.0001)
	require.InDelta(t, 25, got.CurrentStock, 0.0001)
}
