package returns

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/challanflow/challanflow/internal/challan"
	"github.com/challanflow/challanflow/internal/shared"
	"github.com/challanflow/challanflow/internal/stock"
)

type memoryRepo struct {
	docs   map[int64]*Document
	nextID int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{docs: make(map[int64]*Document)}
}

func (r *memoryRepo) InTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func (r *memoryRepo) CreateDocument(ctx context.Context, doc *Document) error {
	r.nextID++
	doc.ID = r.nextID
	for i := range doc.Lines {
		doc.Lines[i].ID = int64(i + 1)
		doc.Lines[i].ReturnID = doc.ID
	}
	cp := *doc
	r.docs[doc.ID] = &cp
	return nil
}

func (r *memoryRepo) GetDocument(ctx context.Context, companyID, returnID int64) (*Document, error) {
	d, ok := r.docs[returnID]
	if !ok || d.CompanyID != companyID {
		return nil, shared.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *memoryRepo) ListDocuments(ctx context.Context, companyID int64, filter ListFilter) ([]Document, int, error) {
	var out []Document
	for _, d := range r.docs {
		if d.CompanyID != companyID {
			continue
		}
		if filter.Type != "" && d.Type != filter.Type {
			continue
		}
		out = append(out, *d)
	}
	return out, len(out), nil
}

type memoryChallans struct {
	challans map[int64]*challan.Challan
}

func newMemoryChallans(cs ...*challan.Challan) *memoryChallans {
	m := &memoryChallans{challans: make(map[int64]*challan.Challan)}
	for _, c := range cs {
		m.challans[c.ID] = c
	}
	return m
}

func (m *memoryChallans) clone(c *challan.Challan) *challan.Challan {
	cp := *c
	cp.Items = append([]challan.LineItem(nil), c.Items...)
	return &cp
}

func (m *memoryChallans) GetAnyForUpdate(ctx context.Context, challanID int64) (*challan.Challan, error) {
	c, ok := m.challans[challanID]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return m.clone(c), nil
}

func (m *memoryChallans) Get(ctx context.Context, companyID, challanID int64) (*challan.Challan, error) {
	c, ok := m.challans[challanID]
	if !ok || c.CompanyID != companyID {
		return nil, shared.ErrNotFound
	}
	return m.clone(c), nil
}

func (m *memoryChallans) IncrementReturnedQty(ctx context.Context, challanID int64, lineItemID string, qty float64) error {
	c, ok := m.challans[challanID]
	if !ok {
		return shared.ErrNotFound
	}
	for i := range c.Items {
		if c.Items[i].ID == lineItemID {
			if c.Items[i].ReturnedQty+qty > c.Items[i].Quantity {
				return &shared.QuantityExceededError{
					ChallanID:  challanID,
					LineItemID: lineItemID,
					Requested:  qty,
					Available:  c.Items[i].AvailableQty(),
				}
			}
			c.Items[i].ReturnedQty += qty
			return nil
		}
	}
	return shared.ErrNotFound
}

func (m *memoryChallans) SetItemMargin(ctx context.Context, challanID int64, lineItemID string, margin *challan.MarginAcceptance) error {
	c, ok := m.challans[challanID]
	if !ok {
		return shared.ErrNotFound
	}
	for i := range c.Items {
		if c.Items[i].ID == lineItemID {
			c.Items[i].Margin = margin
			return nil
		}
	}
	return shared.ErrNotFound
}

func (m *memoryChallans) Save(ctx context.Context, c *challan.Challan, expect []challan.Status) error {
	stored, ok := m.challans[c.ID]
	if !ok {
		return shared.ErrNotFound
	}
	allowed := false
	for _, st := range expect {
		if stored.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("challan %d: concurrent transition: %w", c.ID, shared.ErrInvalidState)
	}
	stored.Status = c.Status
	return nil
}

type memorySeq struct {
	counters map[string]int64
}

func (s *memorySeq) Next(ctx context.Context, companyID int64, kind string) (int64, error) {
	if s.counters == nil {
		s.counters = make(map[string]int64)
	}
	key := fmt.Sprintf("%d:%s", companyID, kind)
	s.counters[key]++
	return s.counters[key], nil
}

type memoryStock struct {
	credits []stock.CreditRequest
}

func (s *memoryStock) CreditForReturn(ctx context.Context, req stock.CreditRequest) ([]*stock.Movement, error) {
	s.credits = append(s.credits, req)
	return nil, nil
}

func issuerIdentity() shared.Identity {
	return shared.Identity{
		CompanyID: 1,
		ActorID:   10,
		Permissions: map[string]bool{
			shared.PermReturnCreate: true,
			shared.PermReturnView:   true,
			shared.PermMarginAccept: true,
		},
	}
}

func partyIdentity() shared.Identity {
	id := issuerIdentity()
	id.CompanyID = 2
	id.ActorID = 20
	return id
}

// acceptedChallan builds an accepted challan with two lines: qty 10 and qty 5.
func acceptedChallan(id int64) *challan.Challan {
	partyCo := int64(2)
	stockA := int64(100)
	c := &challan.Challan{
		ID:             id,
		CompanyID:      1,
		PartyID:        42,
		PartyCompanyID: &partyCo,
		Number:         fmt.Sprintf("CH-%05d", id),
		Status:         challan.StatusAccepted,
		Items: []challan.LineItem{
			{ID: "11111111-1111-4111-8111-111111111111", Name: "Widget", Unit: "pcs", Quantity: 10,
				Rate: decimal.NewFromInt(100), TaxRate: decimal.NewFromInt(18), StockItemID: &stockA},
			{ID: "22222222-2222-4222-8222-222222222222", Name: "Gadget", Unit: "pcs", Quantity: 5,
				Rate: decimal.NewFromInt(200), TaxRate: decimal.NewFromInt(18)},
		},
	}
	c.RecomputeTotals()
	return c
}

func newTestService(chals *memoryChallans, st *memoryStock) (*Service, *memoryRepo) {
	repo := newMemoryRepo()
	if st == nil {
		st = &memoryStock{}
	}
	return NewService(repo, chals, &memorySeq{}, st, nil, nil), repo
}

func TestFullSelfReturn(t *testing.T) {
	src := acceptedChallan(1)
	chals := newMemoryChallans(src)
	st := &memoryStock{}
	svc, _ := newTestService(chals, st)

	doc, err := svc.CreateReturn(context.Background(), issuerIdentity(), CreateReturnRequest{
		Lines: []LineRequest{
			{ChallanID: 1, LineItemID: src.Items[0].ID, Quantity: 10},
			{ChallanID: 1, LineItemID: src.Items[1].ID, Quantity: 5},
		},
	})
	require.NoError(t, err)
	require.Equal(t, TypeSelfReturn, doc.Type)
	require.Equal(t, "RET-00001", doc.Number)

	stored := chals.challans[1]
	require.Equal(t, challan.StatusSelfReturned, stored.Status)
	require.InDelta(t, 10, stored.Items[0].ReturnedQty, 0.0001)
	require.InDelta(t, 5, stored.Items[1].ReturnedQty, 0.0001)

	// only the stock-linked line triggers a credit
	require.Len(t, st.credits, 1)
	require.Len(t, st.credits[0].Lines, 1)
	require.Equal(t, int64(100), st.credits[0].Lines[0].ItemID)
	require.InDelta(t, 10, st.credits[0].Lines[0].Qty, 0.0001)
}

func TestPartialReturnThenQuantityExceeded(t *testing.T) {
	src := acceptedChallan(1)
	chals := newMemoryChallans(src)
	svc, _ := newTestService(chals, nil)
	id := issuerIdentity()

	_, err := svc.CreateReturn(context.Background(), id, CreateReturnRequest{
		Lines: []LineRequest{{ChallanID: 1, LineItemID: src.Items[0].ID, Quantity: 4}},
	})
	require.NoError(t, err)
	require.Equal(t, challan.StatusPartiallySelfReturned, chals.challans[1].Status)

	// available is 6, asking for 7 rejects the whole request with the balance
	_, err = svc.CreateReturn(context.Background(), id, CreateReturnRequest{
		Lines: []LineRequest{{ChallanID: 1, LineItemID: src.Items[0].ID, Quantity: 7}},
	})
	require.ErrorIs(t, err, shared.ErrQuantityExceeded)
	var qe *shared.QuantityExceededError
	require.ErrorAs(t, err, &qe)
	require.InDelta(t, 6, qe.Available, 0.0001)
	// nothing committed
	require.InDelta(t, 4, chals.challans[1].Items[0].ReturnedQty, 0.0001)
}

func TestAllOrNothingAcrossLines(t *testing.T) {
	src := acceptedChallan(1)
	chals := newMemoryChallans(src)
	st := &memoryStock{}
	svc, repo := newTestService(chals, st)

	// first line is fine, second exceeds; neither may commit
	_, err := svc.CreateReturn(context.Background(), issuerIdentity(), CreateReturnRequest{
		Lines: []LineRequest{
			{ChallanID: 1, LineItemID: src.Items[0].ID, Quantity: 2},
			{ChallanID: 1, LineItemID: src.Items[1].ID, Quantity: 9},
		},
	})
	require.ErrorIs(t, err, shared.ErrQuantityExceeded)
	require.InDelta(t, 0, chals.challans[1].Items[0].ReturnedQty, 0.0001)
	require.Empty(t, repo.docs)
	require.Empty(t, st.credits)
}

func TestDuplicateLinesValidateAgainstSum(t *testing.T) {
	src := acceptedChallan(1)
	chals := newMemoryChallans(src)
	svc, _ := newTestService(chals, nil)

	// 6 + 6 = 12 on a qty-10 line must fail even though each alone fits
	_, err := svc.CreateReturn(context.Background(), issuerIdentity(), CreateReturnRequest{
		Lines: []LineRequest{
			{ChallanID: 1, LineItemID: src.Items[0].ID, Quantity: 6},
			{ChallanID: 1, LineItemID: src.Items[0].ID, Quantity: 6},
		},
	})
	require.ErrorIs(t, err, shared.ErrQuantityExceeded)
}

func TestPartyReturnClassification(t *testing.T) {
	src := acceptedChallan(1)
	chals := newMemoryChallans(src)
	svc, _ := newTestService(chals, nil)

	doc, err := svc.CreateReturn(context.Background(), partyIdentity(), CreateReturnRequest{
		Lines: []LineRequest{{ChallanID: 1, LineItemID: src.Items[0].ID, Quantity: 3}},
	})
	require.NoError(t, err)
	require.Equal(t, TypePartyReturn, doc.Type)
	// the document lands under the issuer's company, not the party's
	require.Equal(t, int64(1), doc.CompanyID)
	require.Equal(t, challan.StatusPartiallyReturned, chals.challans[1].Status)
}

func TestFullPartyReturnStatus(t *testing.T) {
	src := acceptedChallan(1)
	chals := newMemoryChallans(src)
	svc, _ := newTestService(chals, nil)

	// a counterparty returning everything closes the challan as returned,
	// never self_returned
	doc, err := svc.CreateReturn(context.Background(), partyIdentity(), CreateReturnRequest{
		Lines: []LineRequest{
			{ChallanID: 1, LineItemID: src.Items[0].ID, Quantity: 10},
			{ChallanID: 1, LineItemID: src.Items[1].ID, Quantity: 5},
		},
	})
	require.NoError(t, err)
	require.Equal(t, TypePartyReturn, doc.Type)
	require.Equal(t, challan.StatusReturned, chals.challans[1].Status)
}

func TestStrangerCompanyGetsNotFound(t *testing.T) {
	src := acceptedChallan(1)
	chals := newMemoryChallans(src)
	svc, _ := newTestService(chals, nil)

	stranger := issuerIdentity()
	stranger.CompanyID = 9
	_, err := svc.CreateReturn(context.Background(), stranger, CreateReturnRequest{
		Lines: []LineRequest{{ChallanID: 1, LineItemID: src.Items[0].ID, Quantity: 1}},
	})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestReturnAggregatesMultipleChallans(t *testing.T) {
	src1 := acceptedChallan(1)
	src2 := acceptedChallan(2)
	chals := newMemoryChallans(src1, src2)
	svc, _ := newTestService(chals, nil)

	doc, err := svc.CreateReturn(context.Background(), issuerIdentity(), CreateReturnRequest{
		Lines: []LineRequest{
			{ChallanID: 1, LineItemID: src1.Items[0].ID, Quantity: 10},
			{ChallanID: 1, LineItemID: src1.Items[1].ID, Quantity: 5},
			{ChallanID: 2, LineItemID: src2.Items[0].ID, Quantity: 2},
		},
	})
	require.NoError(t, err)
	require.Len(t, doc.Lines, 3)
	// one sequence number per document, not per line
	require.Equal(t, int64(1), doc.Sequence)
	require.Equal(t, challan.StatusSelfReturned, chals.challans[1].Status)
	require.Equal(t, challan.StatusPartiallySelfReturned, chals.challans[2].Status)
}

func TestReturnRejectsMixedIssuers(t *testing.T) {
	src1 := acceptedChallan(1)
	src2 := acceptedChallan(2)
	src2.CompanyID = 5
	chals := newMemoryChallans(src1, src2)
	svc, _ := newTestService(chals, nil)

	_, err := svc.CreateReturn(context.Background(), issuerIdentity(), CreateReturnRequest{
		Lines: []LineRequest{
			{ChallanID: 1, LineItemID: src1.Items[0].ID, Quantity: 1},
			{ChallanID: 2, LineItemID: src2.Items[0].ID, Quantity: 1},
		},
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestReturnRequiresAcceptedFamily(t *testing.T) {
	src := acceptedChallan(1)
	src.Status = challan.StatusSent
	chals := newMemoryChallans(src)
	svc, _ := newTestService(chals, nil)

	_, err := svc.CreateReturn(context.Background(), issuerIdentity(), CreateReturnRequest{
		Lines: []LineRequest{{ChallanID: 1, LineItemID: src.Items[0].ID, Quantity: 1}},
	})
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestReturnTotals(t *testing.T) {
	src := acceptedChallan(1)
	chals := newMemoryChallans(src)
	svc, _ := newTestService(chals, nil)

	doc, err := svc.CreateReturn(context.Background(), issuerIdentity(), CreateReturnRequest{
		Lines: []LineRequest{{ChallanID: 1, LineItemID: src.Items[0].ID, Quantity: 4}},
	})
	require.NoError(t, err)
	// 4 * 100 = 400, tax 18% = 72
	require.Equal(t, "400", doc.Subtotal.String())
	require.Equal(t, "72", doc.TaxTotal.String())
	require.Equal(t, "472", doc.GrandTotal.String())
}

func TestAcceptMarginRecordsBalance(t *testing.T) {
	src := acceptedChallan(1)
	chals := newMemoryChallans(src)
	svc, _ := newTestService(chals, nil)
	id := issuerIdentity()

	// return 3 of 10 first
	_, err := svc.CreateReturn(context.Background(), id, CreateReturnRequest{
		Lines: []LineRequest{{ChallanID: 1, LineItemID: src.Items[0].ID, Quantity: 3}},
	})
	require.NoError(t, err)

	margin, err := svc.AcceptMargin(context.Background(), id, AcceptMarginRequest{
		ChallanID: 1, LineItemID: src.Items[0].ID, Comment: "written off",
	})
	require.NoError(t, err)
	require.True(t, margin.Accepted)
	require.InDelta(t, 7, margin.BalanceQty, 0.0001)
	require.Equal(t, id.ActorID, margin.AcceptedBy)

	// margin does not block a later physical return
	_, err = svc.CreateReturn(context.Background(), id, CreateReturnRequest{
		Lines: []LineRequest{{ChallanID: 1, LineItemID: src.Items[0].ID, Quantity: 2}},
	})
	require.NoError(t, err)

	// but reporting classifies the line as margin_accepted
	views, err := svc.ChallanLedger(context.Background(), id, 1)
	require.NoError(t, err)
	require.Equal(t, LedgerMarginAccepted, views[0].Status)

	// no second acceptance
	_, err = svc.AcceptMargin(context.Background(), id, AcceptMarginRequest{
		ChallanID: 1, LineItemID: src.Items[0].ID,
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestAcceptMarginNeedsOpenBalance(t *testing.T) {
	src := acceptedChallan(1)
	chals := newMemoryChallans(src)
	svc, _ := newTestService(chals, nil)
	id := issuerIdentity()

	_, err := svc.CreateReturn(context.Background(), id, CreateReturnRequest{
		Lines: []LineRequest{{ChallanID: 1, LineItemID: src.Items[1].ID, Quantity: 5}},
	})
	require.NoError(t, err)

	_, err = svc.AcceptMargin(context.Background(), id, AcceptMarginRequest{
		ChallanID: 1, LineItemID: src.Items[1].ID,
	})
	require.ErrorIs(t, err, shared.ErrQuantityExceeded)
}

func TestAcceptMarginIssuerOnly(t *testing.T) {
	src := acceptedChallan(1)
	chals := newMemoryChallans(src)
	svc, _ := newTestService(chals, nil)

	_, err := svc.AcceptMargin(context.Background(), partyIdentity(), AcceptMarginRequest{
		ChallanID: 1, LineItemID: src.Items[0].ID,
	})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestDeriveLedgerStatus(t *testing.T) {
	require.Equal(t, LedgerPending, DeriveLedgerStatus(10, 0, false))
	require.Equal(t, LedgerPartiallyReturned, DeriveLedgerStatus(10, 4, false))
	require.Equal(t, LedgerFullyReturned, DeriveLedgerStatus(10, 10, false))
	require.Equal(t, LedgerMarginAccepted, DeriveLedgerStatus(10, 4, true))
	require.Equal(t, LedgerMarginAccepted, DeriveLedgerStatus(10, 10, true))
}
