package challan

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/challanflow/challanflow/internal/platform/db"
	"github.com/challanflow/challanflow/internal/shared"
)

// Repository persists challans in PostgreSQL. Line items live in their own
// table keyed by a stable generated ID; the trail is append-only.
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

const challanColumns = `id, company_id, party_id, party_company_id, number, sequence, status,
	subtotal, tax_total, grand_total, notes, public_token, resend_count, party_response,
	sfp_status, sfp_assigned_to, warehouse_id, created_by, sent_by, sent_at, created_at, updated_at`

func (r *Repository) scanChallan(row pgx.Row) (*Challan, error) {
	var c Challan
	err := row.Scan(&c.ID, &c.CompanyID, &c.PartyID, &c.PartyCompanyID, &c.Number, &c.Sequence, &c.Status,
		&c.Subtotal, &c.TaxTotal, &c.GrandTotal, &c.Notes, &c.PublicToken, &c.ResendCount, &c.PartyResponse,
		&c.SfpStatus, &c.SfpAssignedTo, &c.WarehouseID, &c.CreatedBy, &c.SentBy, &c.SentAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (r *Repository) loadItems(ctx context.Context, c *Challan) error {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT id, name, unit, quantity, rate, tax_rate, amount, tax_amount,
		       returned_qty, stock_item_id, margin, position
		FROM challan_items
		WHERE challan_id = $1
		ORDER BY position`, c.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var li LineItem
		if err := rows.Scan(&li.ID, &li.Name, &li.Unit, &li.Quantity, &li.Rate, &li.TaxRate,
			&li.Amount, &li.TaxAmount, &li.ReturnedQty, &li.StockItemID, &li.Margin, &li.Position); err != nil {
			return err
		}
		c.Items = append(c.Items, li)
	}
	return rows.Err()
}

func (r *Repository) loadTrail(ctx context.Context, c *Challan) error {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT id, challan_id, actor_id, action, assigned_to, note, at
		FROM challan_trail
		WHERE challan_id = $1
		ORDER BY at, id`, c.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var e TrailEntry
		if err := rows.Scan(&e.ID, &e.ChallanID, &e.ActorID, &e.Action, &e.AssignedTo, &e.Note, &e.At); err != nil {
			return err
		}
		c.Trail = append(c.Trail, e)
	}
	return rows.Err()
}

// Create inserts the challan header and its line items.
func (r *Repository) Create(ctx context.Context, c *Challan) error {
	err := r.q(ctx).QueryRow(ctx, `
		INSERT INTO challans (company_id, party_id, party_company_id, number, sequence, status,
			subtotal, tax_total, grand_total, notes, resend_count, sfp_status, warehouse_id, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11, $12, $13)
		RETURNING id, created_at, updated_at`,
		c.CompanyID, c.PartyID, c.PartyCompanyID, c.Number, c.Sequence, c.Status,
		c.Subtotal, c.TaxTotal, c.GrandTotal, c.Notes, c.SfpStatus, c.WarehouseID, c.CreatedBy,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return err
	}
	return r.insertItems(ctx, c.ID, c.Items)
}

func (r *Repository) insertItems(ctx context.Context, challanID int64, items []LineItem) error {
	for _, li := range items {
		_, err := r.q(ctx).Exec(ctx, `
			INSERT INTO challan_items (id, challan_id, name, unit, quantity, rate, tax_rate,
				amount, tax_amount, returned_qty, stock_item_id, margin, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			li.ID, challanID, li.Name, li.Unit, li.Quantity, li.Rate, li.TaxRate,
			li.Amount, li.TaxAmount, li.ReturnedQty, li.StockItemID, li.Margin, li.Position)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) get(ctx context.Context, query string, args ...any) (*Challan, error) {
	c, err := r.scanChallan(r.q(ctx).QueryRow(ctx, query, args...))
	if err != nil {
		return nil, err
	}
	if err := r.loadItems(ctx, c); err != nil {
		return nil, err
	}
	if err := r.loadTrail(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Get fetches one challan with items and trail, scoped to the company.
func (r *Repository) Get(ctx context.Context, companyID, challanID int64) (*Challan, error) {
	return r.get(ctx, `SELECT `+challanColumns+` FROM challans WHERE id = $1 AND company_id = $2`,
		challanID, companyID)
}

// GetForUpdate locks the challan row for the duration of the transaction.
func (r *Repository) GetForUpdate(ctx context.Context, companyID, challanID int64) (*Challan, error) {
	return r.get(ctx, `SELECT `+challanColumns+` FROM challans WHERE id = $1 AND company_id = $2 FOR UPDATE`,
		challanID, companyID)
}

// GetAnyForUpdate locks the challan without a company filter. Callers must
// enforce access themselves; the reconciliation engine needs it for returns
// filed by the counterparty company.
func (r *Repository) GetAnyForUpdate(ctx context.Context, challanID int64) (*Challan, error) {
	return r.get(ctx, `SELECT `+challanColumns+` FROM challans WHERE id = $1 FOR UPDATE`, challanID)
}

// GetByToken resolves the public response token.
func (r *Repository) GetByToken(ctx context.Context, token string) (*Challan, error) {
	return r.get(ctx, `SELECT `+challanColumns+` FROM challans WHERE public_token = $1`, token)
}

// Save updates the header only when the stored status is one of expect, so a
// concurrent transition makes the late writer fail instead of clobbering.
func (r *Repository) Save(ctx context.Context, c *Challan, expect []Status) error {
	states := make([]string, len(expect))
	for i, st := range expect {
		states[i] = string(st)
	}
	tag, err := r.q(ctx).Exec(ctx, `
		UPDATE challans SET
			party_id = $1, party_company_id = $2, status = $3,
			subtotal = $4, tax_total = $5, grand_total = $6, notes = $7,
			public_token = $8, resend_count = $9, party_response = $10,
			sfp_status = $11, sfp_assigned_to = $12, warehouse_id = $13,
			sent_by = $14, sent_at = $15, updated_at = now()
		WHERE id = $16 AND company_id = $17 AND status = ANY($18)`,
		c.PartyID, c.PartyCompanyID, c.Status,
		c.Subtotal, c.TaxTotal, c.GrandTotal, c.Notes,
		c.PublicToken, c.ResendCount, c.PartyResponse,
		c.SfpStatus, c.SfpAssignedTo, c.WarehouseID,
		c.SentBy, c.SentAt, c.ID, c.CompanyID, states)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("challan %d: concurrent transition: %w", c.ID, shared.ErrInvalidState)
	}
	return nil
}

// ReplaceItems swaps the full line set of an editable challan.
func (r *Repository) ReplaceItems(ctx context.Context, challanID int64, items []LineItem) error {
	if _, err := r.q(ctx).Exec(ctx, `DELETE FROM challan_items WHERE challan_id = $1`, challanID); err != nil {
		return err
	}
	return r.insertItems(ctx, challanID, items)
}

// IncrementReturnedQty adds qty to a line's reconciled total. The statement
// refuses to push returned_qty past quantity, so the over-return check holds
// under concurrency without a separate read.
func (r *Repository) IncrementReturnedQty(ctx context.Context, challanID int64, lineItemID string, qty float64) error {
	tag, err := r.q(ctx).Exec(ctx, `
		UPDATE challan_items
		SET returned_qty = returned_qty + $1
		WHERE id = $2 AND challan_id = $3 AND returned_qty + $1 <= quantity`,
		qty, lineItemID, challanID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var quantity, returned float64
	err = r.q(ctx).QueryRow(ctx, `
		SELECT quantity, returned_qty FROM challan_items WHERE id = $1 AND challan_id = $2`,
		lineItemID, challanID).Scan(&quantity, &returned)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return shared.ErrNotFound
		}
		return err
	}
	return &shared.QuantityExceededError{
		ChallanID:  challanID,
		LineItemID: lineItemID,
		Requested:  qty,
		Available:  quantity - returned,
	}
}

// SetItemMargin stamps a line's margin acceptance record.
func (r *Repository) SetItemMargin(ctx context.Context, challanID int64, lineItemID string, margin *MarginAcceptance) error {
	tag, err := r.q(ctx).Exec(ctx, `
		UPDATE challan_items SET margin = $1 WHERE id = $2 AND challan_id = $3`,
		margin, lineItemID, challanID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// Delete removes a never-sent challan with its lines and trail.
func (r *Repository) Delete(ctx context.Context, companyID, challanID int64) error {
	if _, err := r.q(ctx).Exec(ctx, `DELETE FROM challan_items WHERE challan_id = $1`, challanID); err != nil {
		return err
	}
	if _, err := r.q(ctx).Exec(ctx, `DELETE FROM challan_trail WHERE challan_id = $1`, challanID); err != nil {
		return err
	}
	tag, err := r.q(ctx).Exec(ctx, `DELETE FROM challans WHERE id = $1 AND company_id = $2`, challanID, companyID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// List pages through the company's challans, newest first. Items and trail
// are not loaded; listings only need the headers.
func (r *Repository) List(ctx context.Context, companyID int64, filter ListFilter) ([]Challan, int, error) {
	where := `WHERE company_id = $1`
	args := []any{companyID}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if filter.PartyID > 0 {
		args = append(args, filter.PartyID)
		where += fmt.Sprintf(` AND party_id = $%d`, len(args))
	}

	var total int
	if err := r.q(ctx).QueryRow(ctx, `SELECT count(*) FROM challans `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page := shared.NewPagination(filter.Page, filter.PerPage, total)
	args = append(args, page.PerPage, page.Offset())
	rows, err := r.q(ctx).Query(ctx, `
		SELECT `+challanColumns+` FROM challans `+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT $`+fmt.Sprint(len(args)-1)+` OFFSET $`+fmt.Sprint(len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Challan
	for rows.Next() {
		c, err := r.scanChallan(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *c)
	}
	return out, total, rows.Err()
}

// AppendTrail records one immutable trail entry.
func (r *Repository) AppendTrail(ctx context.Context, entry *TrailEntry) error {
	return r.q(ctx).QueryRow(ctx, `
		INSERT INTO challan_trail (challan_id, actor_id, action, assigned_to, note, at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		entry.ChallanID, entry.ActorID, entry.Action, entry.AssignedTo, entry.Note, entry.At,
	).Scan(&entry.ID)
}
