package stock

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/challanflow/challanflow/internal/platform/db"
	"github.com/challanflow/challanflow/internal/shared"
)

// Repository persists the stock ledger in PostgreSQL. All methods resolve
// their querier through the context so they join any open transaction.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InTx runs fn inside a repeatable-read transaction, joining the caller's
// transaction when one is already open.
func (r *Repository) InTx(ctx context.Context, fn func(context.Context) error) error {
	return db.WithTx(ctx, r.pool, fn)
}

func (r *Repository) q(ctx context.Context) db.Querier {
	return db.Runner(ctx, r.pool)
}

// ============================================================================
// ITEMS
// ============================================================================

const itemColumns = `id, company_id, sku, barcode, name, unit, current_stock, avg_purchase_price, created_at, updated_at`

func (r *Repository) scanItem(row pgx.Row) (*Item, error) {
	var it Item
	err := row.Scan(&it.ID, &it.CompanyID, &it.SKU, &it.Barcode, &it.Name, &it.Unit,
		&it.CurrentStock, &it.AvgPurchasePrice, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &it, nil
}

func (r *Repository) loadLocations(ctx context.Context, item *Item) error {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT warehouse_id, location_id, current_stock, position
		FROM item_locations
		WHERE item_id = $1
		ORDER BY position`, item.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var ls LocationStock
		if err := rows.Scan(&ls.WarehouseID, &ls.LocationID, &ls.CurrentStock, &ls.Position); err != nil {
			return err
		}
		item.Locations = append(item.Locations, ls)
	}
	return rows.Err()
}

// GetItem fetches an item with its location breakdown, scoped to the company.
func (r *Repository) GetItem(ctx context.Context, companyID, itemID int64) (*Item, error) {
	item, err := r.scanItem(r.q(ctx).QueryRow(ctx,
		`SELECT `+itemColumns+` FROM items WHERE company_id = $1 AND id = $2`, companyID, itemID))
	if err != nil {
		return nil, err
	}
	if err := r.loadLocations(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// GetItemForUpdate locks the item row for the current transaction so
// concurrent mutations of the same item serialize.
func (r *Repository) GetItemForUpdate(ctx context.Context, companyID, itemID int64) (*Item, error) {
	item, err := r.scanItem(r.q(ctx).QueryRow(ctx,
		`SELECT `+itemColumns+` FROM items WHERE company_id = $1 AND id = $2 FOR UPDATE`, companyID, itemID))
	if err != nil {
		return nil, err
	}
	if err := r.loadLocations(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// CreateItem inserts the item row.
func (r *Repository) CreateItem(ctx context.Context, item *Item) error {
	err := r.q(ctx).QueryRow(ctx, `
		INSERT INTO items (company_id, sku, barcode, name, unit, current_stock, avg_purchase_price)
		VALUES ($1, $2, $3, $4, $5, 0, 0)
		RETURNING id, created_at, updated_at`,
		item.CompanyID, item.SKU, item.Barcode, item.Name, item.Unit,
	).Scan(&item.ID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return &shared.ValidationError{Field: "sku", Reason: "already exists for company"}
		}
		return err
	}
	return nil
}

// SaveItemStock writes the denormalized total, average price and the full
// location breakdown in one shot. Callers hold the item row lock.
func (r *Repository) SaveItemStock(ctx context.Context, item *Item) error {
	q := r.q(ctx)
	tag, err := q.Exec(ctx, `
		UPDATE items SET current_stock = $1, avg_purchase_price = $2, updated_at = NOW()
		WHERE id = $3`, item.CurrentStock, item.AvgPurchasePrice, item.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	if _, err := q.Exec(ctx, `DELETE FROM item_locations WHERE item_id = $1`, item.ID); err != nil {
		return err
	}
	for i, ls := range item.Locations {
		if _, err := q.Exec(ctx, `
			INSERT INTO item_locations (item_id, warehouse_id, location_id, current_stock, position)
			VALUES ($1, $2, $3, $4, $5)`,
			item.ID, ls.WarehouseID, ls.LocationID, ls.CurrentStock, i); err != nil {
			return err
		}
	}
	return nil
}

// ListItems pages through the company's items.
func (r *Repository) ListItems(ctx context.Context, companyID int64, page, perPage int) ([]Item, int, error) {
	p := shared.NewPagination(page, perPage, 0)
	var total int
	if err := r.q(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM items WHERE company_id = $1`, companyID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.q(ctx).Query(ctx, `
		SELECT `+itemColumns+` FROM items
		WHERE company_id = $1
		ORDER BY id
		LIMIT $2 OFFSET $3`, companyID, p.PerPage, p.Offset())
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.CompanyID, &it.SKU, &it.Barcode, &it.Name, &it.Unit,
			&it.CurrentStock, &it.AvgPurchasePrice, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for i := range items {
		if err := r.loadLocations(ctx, &items[i]); err != nil {
			return nil, 0, err
		}
	}
	return items, total, nil
}

// MaxSKUSuffix finds the highest numeric suffix among SKUs of the form
// "<base>-NNNN" for the company.
func (r *Repository) MaxSKUSuffix(ctx context.Context, companyID int64, base string) (int, error) {
	var max int
	err := r.q(ctx).QueryRow(ctx, `
		SELECT COALESCE(MAX((regexp_replace(sku, '^.*-', ''))::int), 0)
		FROM items
		WHERE company_id = $1 AND sku LIKE $2 || '-%' AND sku ~ ('^' || $2 || '-[0-9]+$')`,
		companyID, base).Scan(&max)
	return max, err
}

// ============================================================================
// MOVEMENTS
// ============================================================================

// InsertMovement appends one audit row. Movements are never updated or
// deleted.
func (r *Repository) InsertMovement(ctx context.Context, m *Movement) error {
	return r.q(ctx).QueryRow(ctx, `
		INSERT INTO stock_movements
			(company_id, item_id, warehouse_id, location_id, direction, reason,
			 qty, before_qty, after_qty, unit_price, total_value,
			 ref_doc_type, ref_doc_id, actor_id, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id`,
		m.CompanyID, m.ItemID, m.WarehouseID, m.LocationID, m.Direction, m.Reason,
		m.Qty, m.BeforeQty, m.AfterQty, m.UnitPrice, m.TotalValue,
		m.RefDocType, m.RefDocID, m.ActorID, m.Note, m.CreatedAt,
	).Scan(&m.ID)
}

// ListMovements pages through the movement history.
func (r *Repository) ListMovements(ctx context.Context, companyID int64, filter MovementFilter) ([]Movement, int, error) {
	where := "company_id = $1"
	args := []any{companyID}
	if filter.ItemID != 0 {
		args = append(args, filter.ItemID)
		where += fmt.Sprintf(" AND item_id = $%d", len(args))
	}
	if filter.WarehouseID != 0 {
		args = append(args, filter.WarehouseID)
		where += fmt.Sprintf(" AND warehouse_id = $%d", len(args))
	}
	if filter.Reason != "" {
		args = append(args, filter.Reason)
		where += fmt.Sprintf(" AND reason = $%d", len(args))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		where += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		where += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}

	var total int
	if err := r.q(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM stock_movements WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	p := shared.NewPagination(filter.Page, filter.PerPage, total)
	args = append(args, p.PerPage, p.Offset())
	rows, err := r.q(ctx).Query(ctx, fmt.Sprintf(`
		SELECT id, company_id, item_id, warehouse_id, location_id, direction, reason,
		       qty, before_qty, after_qty, unit_price, total_value,
		       ref_doc_type, ref_doc_id, actor_id, note, created_at
		FROM stock_movements
		WHERE %s
		ORDER BY id DESC
		LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var movements []Movement
	for rows.Next() {
		var m Movement
		if err := rows.Scan(&m.ID, &m.CompanyID, &m.ItemID, &m.WarehouseID, &m.LocationID,
			&m.Direction, &m.Reason, &m.Qty, &m.BeforeQty, &m.AfterQty, &m.UnitPrice,
			&m.TotalValue, &m.RefDocType, &m.RefDocID, &m.ActorID, &m.Note, &m.CreatedAt); err != nil {
			return nil, 0, err
		}
		movements = append(movements, m)
	}
	return movements, total, rows.Err()
}

// ============================================================================
// WAREHOUSES & LOCATIONS
// ============================================================================

const warehouseColumns = `id, company_id, name, address, is_default, created_at, updated_at`

func scanWarehouse(row pgx.Row) (*Warehouse, error) {
	var wh Warehouse
	err := row.Scan(&wh.ID, &wh.CompanyID, &wh.Name, &wh.Address, &wh.IsDefault, &wh.CreatedAt, &wh.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &wh, nil
}

// GetWarehouse fetches a company warehouse.
func (r *Repository) GetWarehouse(ctx context.Context, companyID, warehouseID int64) (*Warehouse, error) {
	return scanWarehouse(r.q(ctx).QueryRow(ctx,
		`SELECT `+warehouseColumns+` FROM warehouses WHERE company_id = $1 AND id = $2`, companyID, warehouseID))
}

// GetDefaultWarehouse fetches the company's default warehouse.
func (r *Repository) GetDefaultWarehouse(ctx context.Context, companyID int64) (*Warehouse, error) {
	return scanWarehouse(r.q(ctx).QueryRow(ctx,
		`SELECT `+warehouseColumns+` FROM warehouses WHERE company_id = $1 AND is_default`, companyID))
}

// ClearDefaultWarehouse unsets the default flag for the company.
func (r *Repository) ClearDefaultWarehouse(ctx context.Context, companyID int64) error {
	_, err := r.q(ctx).Exec(ctx,
		`UPDATE warehouses SET is_default = FALSE, updated_at = NOW() WHERE company_id = $1 AND is_default`, companyID)
	return err
}

// CreateWarehouse inserts a warehouse.
func (r *Repository) CreateWarehouse(ctx context.Context, wh *Warehouse) error {
	return r.q(ctx).QueryRow(ctx, `
		INSERT INTO warehouses (company_id, name, address, is_default)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`,
		wh.CompanyID, wh.Name, wh.Address, wh.IsDefault,
	).Scan(&wh.ID, &wh.CreatedAt, &wh.UpdatedAt)
}

// ListWarehouses lists a company's warehouses.
func (r *Repository) ListWarehouses(ctx context.Context, companyID int64) ([]Warehouse, error) {
	rows, err := r.q(ctx).Query(ctx,
		`SELECT `+warehouseColumns+` FROM warehouses WHERE company_id = $1 ORDER BY id`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var warehouses []Warehouse
	for rows.Next() {
		var wh Warehouse
		if err := rows.Scan(&wh.ID, &wh.CompanyID, &wh.Name, &wh.Address, &wh.IsDefault, &wh.CreatedAt, &wh.UpdatedAt); err != nil {
			return nil, err
		}
		warehouses = append(warehouses, wh)
	}
	return warehouses, rows.Err()
}

// CreateLocation inserts a location.
func (r *Repository) CreateLocation(ctx context.Context, loc *Location) error {
	return r.q(ctx).QueryRow(ctx, `
		INSERT INTO locations (warehouse_id, name)
		VALUES ($1, $2)
		RETURNING id, created_at`,
		loc.WarehouseID, loc.Name,
	).Scan(&loc.ID, &loc.CreatedAt)
}

// ListLocations lists locations of a warehouse.
func (r *Repository) ListLocations(ctx context.Context, warehouseID int64) ([]Location, error) {
	rows, err := r.q(ctx).Query(ctx,
		`SELECT id, warehouse_id, name, created_at FROM locations WHERE warehouse_id = $1 ORDER BY id`, warehouseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var locations []Location
	for rows.Next() {
		var loc Location
		if err := rows.Scan(&loc.ID, &loc.WarehouseID, &loc.Name, &loc.CreatedAt); err != nil {
			return nil, err
		}
		locations = append(locations, loc)
	}
	return locations, rows.Err()
}

// ============================================================================
// DISPATCH SETTINGS
// ============================================================================

// GetDispatchSettings reads the company's dispatch policy. found is false
// when no row exists.
func (r *Repository) GetDispatchSettings(ctx context.Context, companyID int64) (DispatchPolicy, bool, error) {
	var policy DispatchPolicy
	err := r.q(ctx).QueryRow(ctx, `
		SELECT auto_deduct, strict_validation, spillover
		FROM company_inventory_settings
		WHERE company_id = $1`, companyID,
	).Scan(&policy.AutoDeduct, &policy.StrictValidation, &policy.Spillover)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DispatchPolicy{}, false, nil
		}
		return DispatchPolicy{}, false, err
	}
	return policy, true, nil
}

// UpsertDispatchSettings stores the company's dispatch policy.
func (r *Repository) UpsertDispatchSettings(ctx context.Context, companyID int64, policy DispatchPolicy) error {
	_, err := r.q(ctx).Exec(ctx, `
		INSERT INTO company_inventory_settings (company_id, auto_deduct, strict_validation, spillover, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (company_id)
		DO UPDATE SET auto_deduct = $2, strict_validation = $3, spillover = $4, updated_at = NOW()`,
		companyID, policy.AutoDeduct, policy.StrictValidation, policy.Spillover)
	return err
}
