package returns

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/challanflow/challanflow/internal/challan"
	"github.com/challanflow/challanflow/internal/notify"
	"github.com/challanflow/challanflow/internal/shared"
	"github.com/challanflow/challanflow/internal/stock"
)

// RepositoryPort abstracts return-document persistence.
type RepositoryPort interface {
	InTx(ctx context.Context, fn func(context.Context) error) error
	CreateDocument(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, companyID, returnID int64) (*Document, error)
	ListDocuments(ctx context.Context, companyID int64, filter ListFilter) ([]Document, int, error)
}

// ChallanPort is the reconciliation engine's view of the state machine. It
// deliberately reaches across tenants: party-initiated returns mutate the
// issuer's challan, so the access check lives here, not in the repository.
type ChallanPort interface {
	GetAnyForUpdate(ctx context.Context, challanID int64) (*challan.Challan, error)
	IncrementReturnedQty(ctx context.Context, challanID int64, lineItemID string, qty float64) error
	SetItemMargin(ctx context.Context, challanID int64, lineItemID string, margin *challan.MarginAcceptance) error
	Save(ctx context.Context, c *challan.Challan, expect []challan.Status) error
	Get(ctx context.Context, companyID, challanID int64) (*challan.Challan, error)
}

// StockPort triggers the restock credit inside the return transaction.
type StockPort interface {
	CreditForReturn(ctx context.Context, req stock.CreditRequest) ([]*stock.Movement, error)
}

// SequencePort hands out the issuer's return-document numbers.
type SequencePort interface {
	Next(ctx context.Context, companyID int64, kind string) (int64, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service is the return and reconciliation engine.
type Service struct {
	repo     RepositoryPort
	challans ChallanPort
	seq      SequencePort
	stock    StockPort
	notifier notify.Notifier
	audit    AuditPort
}

// NewService builds Service. A nil notifier falls back to notify.Nop.
func NewService(repo RepositoryPort, challans ChallanPort, seq SequencePort, stockSvc StockPort, notifier notify.Notifier, audit AuditPort) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{repo: repo, challans: challans, seq: seq, stock: stockSvc, notifier: notifier, audit: audit}
}

// CreateReturn validates every requested line against its remaining balance,
// then commits the whole return or nothing: the document, the source-line
// increments, the parent status recomputes and the stock credit share one
// transaction. The document always lands under the issuer's company so
// party-initiated returns join the same ledger of record.
func (s *Service) CreateReturn(ctx context.Context, id shared.Identity, req CreateReturnRequest) (*Document, error) {
	if !id.Can(shared.PermReturnCreate) {
		return nil, shared.ErrPermissionDenied
	}
	if len(req.Lines) == 0 {
		return nil, &shared.ValidationError{Field: "lines", Reason: "at least one line required"}
	}

	var doc *Document
	err := s.repo.InTx(ctx, func(ctx context.Context) error {
		// Lock source challans in ID order so concurrent returns against
		// overlapping documents cannot deadlock.
		challanIDs := uniqueChallanIDs(req.Lines)
		sources := make(map[int64]*challan.Challan, len(challanIDs))
		for _, cid := range challanIDs {
			c, err := s.challans.GetAnyForUpdate(ctx, cid)
			if err != nil {
				return err
			}
			sources[cid] = c
		}

		issuerID, origin, err := classifySources(sources, id)
		if err != nil {
			return err
		}

		// Validate all lines before committing any.
		requested := make(map[int64]map[string]float64)
		for _, lr := range req.Lines {
			c := sources[lr.ChallanID]
			if !c.Status.InAcceptedFamily() {
				return &shared.InvalidStateError{Entity: "challan", Current: string(c.Status), Attempted: "return"}
			}
			li := c.ItemByID(lr.LineItemID)
			if li == nil {
				return shared.ErrNotFound
			}
			if requested[lr.ChallanID] == nil {
				requested[lr.ChallanID] = make(map[string]float64)
			}
			requested[lr.ChallanID][lr.LineItemID] += lr.Quantity
			if requested[lr.ChallanID][lr.LineItemID] > li.AvailableQty() {
				return &shared.QuantityExceededError{
					ChallanID:  lr.ChallanID,
					LineItemID: lr.LineItemID,
					Requested:  requested[lr.ChallanID][lr.LineItemID],
					Available:  li.AvailableQty(),
				}
			}
		}

		seq, err := s.seq.Next(ctx, issuerID, shared.SequenceReturn)
		if err != nil {
			return fmt.Errorf("return number: %w", err)
		}
		doc = buildDocument(issuerID, seq, origin, id.ActorID, req, sources)
		if err := s.repo.CreateDocument(ctx, doc); err != nil {
			return err
		}

		// Apply increments and recompute each parent's status.
		for _, lr := range req.Lines {
			if err := s.challans.IncrementReturnedQty(ctx, lr.ChallanID, lr.LineItemID, lr.Quantity); err != nil {
				return err
			}
			c := sources[lr.ChallanID]
			li := c.ItemByID(lr.LineItemID)
			li.ReturnedQty += lr.Quantity
		}
		for _, cid := range challanIDs {
			c := sources[cid]
			expect := []challan.Status{c.Status}
			next := challan.DeriveReturnStatus(c.Status, c.TotalQty(), c.TotalReturnedQty(), challan.ClassifyReturnOrigin(c, id))
			if next == c.Status {
				continue
			}
			c.Status = next
			if err := s.challans.Save(ctx, c, expect); err != nil {
				return err
			}
		}

		if _, err := s.stock.CreditForReturn(ctx, stock.CreditRequest{
			CompanyID:   issuerID,
			WarehouseID: req.WarehouseID,
			ReturnID:    doc.ID,
			ActorID:     id.ActorID,
			Lines:       creditLines(doc.Lines),
		}); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifier.ReturnCreated(ctx, notify.ReturnCreatedEvent{
		CompanyID:  doc.CompanyID,
		ReturnID:   doc.ID,
		Number:     doc.Number,
		ReturnType: string(doc.Type),
		GrandTotal: doc.GrandTotal.StringFixed(2),
	})
	s.recordAudit(ctx, id, "return:create", doc.ID, map[string]any{
		"number": doc.Number,
		"type":   string(doc.Type),
	})
	return doc, nil
}

// AcceptMargin writes off a source line's remaining balance without stock
// motion. It records the balance at acceptance time and is irreversible; it
// does not touch returned quantities, so later physical returns still
// validate against the unchanged balance.
func (s *Service) AcceptMargin(ctx context.Context, id shared.Identity, req AcceptMarginRequest) (*challan.MarginAcceptance, error) {
	if !id.Can(shared.PermMarginAccept) {
		return nil, shared.ErrPermissionDenied
	}
	var margin *challan.MarginAcceptance
	err := s.repo.InTx(ctx, func(ctx context.Context) error {
		c, err := s.challans.GetAnyForUpdate(ctx, req.ChallanID)
		if err != nil {
			return err
		}
		if c.CompanyID != id.CompanyID {
			return shared.ErrNotFound
		}
		li := c.ItemByID(req.LineItemID)
		if li == nil {
			return shared.ErrNotFound
		}
		if li.Margin != nil && li.Margin.Accepted {
			return &shared.ValidationError{Field: "margin", Reason: "already accepted"}
		}
		available := li.AvailableQty()
		if available <= 0 {
			return &shared.QuantityExceededError{
				ChallanID:  req.ChallanID,
				LineItemID: req.LineItemID,
				Requested:  0,
				Available:  0,
			}
		}
		margin = &challan.MarginAcceptance{
			Accepted:   true,
			AcceptedAt: time.Now().UTC(),
			AcceptedBy: id.ActorID,
			BalanceQty: available,
			Comment:    req.Comment,
		}
		return s.challans.SetItemMargin(ctx, req.ChallanID, req.LineItemID, margin)
	})
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, id, "return:accept_margin", req.ChallanID, map[string]any{
		"line_item_id": req.LineItemID,
		"balance_qty":  margin.BalanceQty,
	})
	return margin, nil
}

// Get fetches one return document.
func (s *Service) Get(ctx context.Context, id shared.Identity, returnID int64) (*Document, error) {
	return s.repo.GetDocument(ctx, id.CompanyID, returnID)
}

// List pages through the company's return documents.
func (s *Service) List(ctx context.Context, id shared.Identity, filter ListFilter) ([]Document, int, error) {
	return s.repo.ListDocuments(ctx, id.CompanyID, filter)
}

// ChallanLedger reports the per-line reconciliation state of one challan.
func (s *Service) ChallanLedger(ctx context.Context, id shared.Identity, challanID int64) ([]LineLedgerView, error) {
	if !id.Can(shared.PermReturnView) {
		return nil, shared.ErrPermissionDenied
	}
	c, err := s.challans.Get(ctx, id.CompanyID, challanID)
	if err != nil {
		return nil, err
	}
	views := make([]LineLedgerView, 0, len(c.Items))
	for _, li := range c.Items {
		accepted := li.Margin != nil && li.Margin.Accepted
		views = append(views, LineLedgerView{
			ChallanID:   c.ID,
			LineItemID:  li.ID,
			Name:        li.Name,
			Quantity:    li.Quantity,
			ReturnedQty: li.ReturnedQty,
			Balance:     li.AvailableQty(),
			Status:      DeriveLedgerStatus(li.Quantity, li.ReturnedQty, accepted),
		})
	}
	return views, nil
}

// ============================================================================
// HELPERS
// ============================================================================

func uniqueChallanIDs(lines []LineRequest) []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for _, lr := range lines {
		if !seen[lr.ChallanID] {
			seen[lr.ChallanID] = true
			ids = append(ids, lr.ChallanID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// classifySources checks that all source challans share one issuer and that
// the actor is either that issuer or the named counterparty company. The
// self/party split itself comes from challan.ClassifyReturnOrigin.
func classifySources(sources map[int64]*challan.Challan, id shared.Identity) (int64, ReturnType, error) {
	var issuerID int64
	var first *challan.Challan
	for _, c := range sources {
		if issuerID == 0 {
			issuerID = c.CompanyID
			first = c
		} else if issuerID != c.CompanyID {
			return 0, "", &shared.ValidationError{Field: "lines", Reason: "lines span documents of different issuers"}
		}
	}
	if challan.ClassifyReturnOrigin(first, id) == challan.OriginSelf {
		return issuerID, TypeSelfReturn, nil
	}
	for _, c := range sources {
		if c.PartyCompanyID == nil || *c.PartyCompanyID != id.CompanyID {
			return 0, "", shared.ErrNotFound
		}
	}
	return issuerID, TypePartyReturn, nil
}

func buildDocument(issuerID, seq int64, t ReturnType, actorID int64, req CreateReturnRequest, sources map[int64]*challan.Challan) *Document {
	doc := &Document{
		CompanyID: issuerID,
		Number:    fmt.Sprintf("RET-%05d", seq),
		Sequence:  seq,
		Type:      t,
		Notes:     req.Notes,
		CreatedBy: actorID,
	}
	subtotal := decimal.Zero
	taxTotal := decimal.Zero
	for i, lr := range req.Lines {
		src := sources[lr.ChallanID].ItemByID(lr.LineItemID)
		amount := decimal.NewFromFloat(lr.Quantity).Mul(src.Rate)
		taxAmount := amount.Mul(src.TaxRate).Div(decimal.NewFromInt(100))
		doc.Lines = append(doc.Lines, Line{
			OriginalChallanID: lr.ChallanID,
			OriginalItemID:    lr.LineItemID,
			Name:              src.Name,
			Unit:              src.Unit,
			Quantity:          lr.Quantity,
			Rate:              src.Rate,
			TaxRate:           src.TaxRate,
			Amount:            amount,
			TaxAmount:         taxAmount,
			StockItemID:       src.StockItemID,
			Position:          i,
		})
		subtotal = subtotal.Add(amount)
		taxTotal = taxTotal.Add(taxAmount)
	}
	doc.Subtotal = subtotal
	doc.TaxTotal = taxTotal
	doc.GrandTotal = subtotal.Add(taxTotal)
	return doc
}

func creditLines(lines []Line) []stock.CreditLine {
	var out []stock.CreditLine
	for _, l := range lines {
		if l.StockItemID == nil {
			continue
		}
		out = append(out, stock.CreditLine{ItemID: *l.StockItemID, Qty: l.Quantity})
	}
	return out
}

func (s *Service) recordAudit(ctx context.Context, id shared.Identity, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		CompanyID: id.CompanyID,
		ActorID:   id.ActorID,
		Action:    action,
		Entity:    "return",
		EntityID:  fmt.Sprintf("%d", entityID),
		Meta:      meta,
	})
}
