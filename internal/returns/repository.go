package returns

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/challanflow/challanflow/internal/platform/db"
	"github.com/challanflow/challanflow/internal/shared"
)

// Repository persists return documents in PostgreSQL. Documents are
// insert-only; there is no update or delete path.
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

const documentColumns = `id, company_id, number, sequence, type, subtotal, tax_total, grand_total, notes, created_by, created_at`

func (r *Repository) scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.CompanyID, &d.Number, &d.Sequence, &d.Type,
		&d.Subtotal, &d.TaxTotal, &d.GrandTotal, &d.Notes, &d.CreatedBy, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// CreateDocument inserts the document and its lines.
func (r *Repository) CreateDocument(ctx context.Context, doc *Document) error {
	err := r.q(ctx).QueryRow(ctx, `
		INSERT INTO return_documents (company_id, number, sequence, type, subtotal, tax_total, grand_total, notes, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`,
		doc.CompanyID, doc.Number, doc.Sequence, doc.Type,
		doc.Subtotal, doc.TaxTotal, doc.GrandTotal, doc.Notes, doc.CreatedBy,
	).Scan(&doc.ID, &doc.CreatedAt)
	if err != nil {
		return err
	}
	for i := range doc.Lines {
		l := &doc.Lines[i]
		l.ReturnID = doc.ID
		err := r.q(ctx).QueryRow(ctx, `
			INSERT INTO return_lines (return_id, original_challan_id, original_item_id, name, unit,
				quantity, rate, tax_rate, amount, tax_amount, stock_item_id, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING id`,
			l.ReturnID, l.OriginalChallanID, l.OriginalItemID, l.Name, l.Unit,
			l.Quantity, l.Rate, l.TaxRate, l.Amount, l.TaxAmount, l.StockItemID, l.Position,
		).Scan(&l.ID)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) loadLines(ctx context.Context, doc *Document) error {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT id, return_id, original_challan_id, original_item_id, name, unit,
		       quantity, rate, tax_rate, amount, tax_amount, stock_item_id, position
		FROM return_lines
		WHERE return_id = $1
		ORDER BY position`, doc.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.ReturnID, &l.OriginalChallanID, &l.OriginalItemID, &l.Name, &l.Unit,
			&l.Quantity, &l.Rate, &l.TaxRate, &l.Amount, &l.TaxAmount, &l.StockItemID, &l.Position); err != nil {
			return err
		}
		doc.Lines = append(doc.Lines, l)
	}
	return rows.Err()
}

// GetDocument fetches one return document with its lines.
func (r *Repository) GetDocument(ctx context.Context, companyID, returnID int64) (*Document, error) {
	doc, err := r.scanDocument(r.q(ctx).QueryRow(ctx,
		`SELECT `+documentColumns+` FROM return_documents WHERE id = $1 AND company_id = $2`,
		returnID, companyID))
	if err != nil {
		return nil, err
	}
	if err := r.loadLines(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// ListDocuments pages through the company's return documents, newest first.
func (r *Repository) ListDocuments(ctx context.Context, companyID int64, filter ListFilter) ([]Document, int, error) {
	where := `WHERE company_id = $1`
	args := []any{companyID}
	if filter.Type != "" {
		args = append(args, filter.Type)
		where += fmt.Sprintf(` AND type = $%d`, len(args))
	}
	if filter.ChallanID > 0 {
		args = append(args, filter.ChallanID)
		where += fmt.Sprintf(` AND id IN (SELECT return_id FROM return_lines WHERE original_challan_id = $%d)`, len(args))
	}

	var total int
	if err := r.q(ctx).QueryRow(ctx, `SELECT count(*) FROM return_documents `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page := shared.NewPagination(filter.Page, filter.PerPage, total)
	args = append(args, page.PerPage, page.Offset())
	rows, err := r.q(ctx).Query(ctx, `
		SELECT `+documentColumns+` FROM return_documents `+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT $`+fmt.Sprint(len(args)-1)+` OFFSET $`+fmt.Sprint(len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		d, err := r.scanDocument(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *d)
	}
	return out, total, rows.Err()
}
