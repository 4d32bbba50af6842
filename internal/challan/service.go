package challan

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/challanflow/challanflow/internal/notify"
	"github.com/challanflow/challanflow/internal/shared"
	"github.com/challanflow/challanflow/internal/stock"
)

// RepositoryPort abstracts challan persistence.
type RepositoryPort interface {
	InTx(ctx context.Context, fn func(context.Context) error) error

	Create(ctx context.Context, c *Challan) error
	Get(ctx context.Context, companyID, challanID int64) (*Challan, error)
	GetForUpdate(ctx context.Context, companyID, challanID int64) (*Challan, error)
	GetByToken(ctx context.Context, token string) (*Challan, error)
	// Save persists the header conditionally on the current status; zero rows
	// updated surfaces as an invalid-state error so racing transitions lose
	// cleanly instead of overwriting each other.
	Save(ctx context.Context, c *Challan, expect []Status) error
	ReplaceItems(ctx context.Context, challanID int64, items []LineItem) error
	Delete(ctx context.Context, companyID, challanID int64) error
	List(ctx context.Context, companyID int64, filter ListFilter) ([]Challan, int, error)
	AppendTrail(ctx context.Context, entry *TrailEntry) error
}

// SequencePort hands out per-company document numbers.
type SequencePort interface {
	Next(ctx context.Context, companyID int64, kind string) (int64, error)
}

// StockDispatcher is the ledger-facing side of the dispatch hook.
// *stock.Service satisfies it.
type StockDispatcher interface {
	DispatchPolicy(ctx context.Context, companyID int64) (stock.DispatchPolicy, error)
	DeductForChallan(ctx context.Context, req stock.DispatchRequest) ([]*stock.Movement, error)
}

// OTPPort issues and consumes the public-response challenge.
type OTPPort interface {
	Issue(ctx context.Context, token string) (string, error)
	Consume(ctx context.Context, token, code string) error
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service drives the challan state machine.
type Service struct {
	repo     RepositoryPort
	seq      SequencePort
	stock    StockDispatcher
	otp      OTPPort
	notifier notify.Notifier
	audit    AuditPort
}

// NewService builds Service. A nil notifier falls back to notify.Nop.
func NewService(repo RepositoryPort, seq SequencePort, stockSvc StockDispatcher, otp OTPPort, notifier notify.Notifier, audit AuditPort) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{repo: repo, seq: seq, stock: stockSvc, otp: otp, notifier: notifier, audit: audit}
}

// ============================================================================
// CREATE / EDIT
// ============================================================================

// Create opens a draft challan with a fresh company-scoped number.
func (s *Service) Create(ctx context.Context, id shared.Identity, req CreateChallanRequest) (*Challan, error) {
	if !id.Can(shared.PermChallanCreate) {
		return nil, shared.ErrPermissionDenied
	}
	if len(req.Items) == 0 {
		return nil, &shared.ValidationError{Field: "items", Reason: "at least one line required"}
	}
	seq, err := s.seq.Next(ctx, id.CompanyID, shared.SequenceChallan)
	if err != nil {
		return nil, fmt.Errorf("challan number: %w", err)
	}
	c := &Challan{
		CompanyID:      id.CompanyID,
		PartyID:        req.PartyID,
		PartyCompanyID: req.PartyCompanyID,
		Number:         fmt.Sprintf("CH-%05d", seq),
		Sequence:       seq,
		Status:         StatusDraft,
		Notes:          req.Notes,
		SfpStatus:      SfpNone,
		WarehouseID:    req.WarehouseID,
		CreatedBy:      id.ActorID,
		Items:          buildItems(req.Items),
	}
	c.RecomputeTotals()

	err = s.repo.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, c); err != nil {
			return err
		}
		return s.repo.AppendTrail(ctx, &TrailEntry{
			ChallanID: c.ID,
			ActorID:   id.ActorID,
			Action:    TrailCreated,
			At:        time.Now().UTC(),
		})
	})
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, id, "challan:create", c.ID, map[string]any{"number": c.Number})
	return c, nil
}

// Update edits an editable challan. Only the creator or the routed-to actor
// may edit, and only in draft, created or rejected.
func (s *Service) Update(ctx context.Context, id shared.Identity, challanID int64, req UpdateChallanRequest) (*Challan, error) {
	if !id.Can(shared.PermChallanEdit) {
		return nil, shared.ErrPermissionDenied
	}
	var updated *Challan
	err := s.repo.InTx(ctx, func(ctx context.Context) error {
		c, err := s.repo.GetForUpdate(ctx, id.CompanyID, challanID)
		if err != nil {
			return err
		}
		if !c.Status.CanEdit() {
			return &shared.InvalidStateError{Entity: "challan", Current: string(c.Status), Attempted: "edit"}
		}
		if !c.EditableBy(id.ActorID) {
			return shared.ErrPermissionDenied
		}
		if req.PartyID != nil {
			c.PartyID = *req.PartyID
		}
		if req.WarehouseID != nil {
			c.WarehouseID = *req.WarehouseID
		}
		if req.Notes != nil {
			c.Notes = *req.Notes
		}
		if req.Items != nil {
			if len(*req.Items) == 0 {
				return &shared.ValidationError{Field: "items", Reason: "at least one line required"}
			}
			c.Items = buildItems(*req.Items)
		}
		c.RecomputeTotals()
		if err := s.repo.Save(ctx, c, []Status{c.Status}); err != nil {
			return err
		}
		if req.Items != nil {
			if err := s.repo.ReplaceItems(ctx, c.ID, c.Items); err != nil {
				return err
			}
		}
		updated = c
		return s.repo.AppendTrail(ctx, &TrailEntry{
			ChallanID: c.ID,
			ActorID:   id.ActorID,
			Action:    TrailEdited,
			At:        time.Now().UTC(),
		})
	})
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, id, "challan:edit", challanID, nil)
	return updated, nil
}

// Finalize flips a draft to created, signalling the document is complete and
// ready for routing or dispatch. Created documents stay editable and sendable.
func (s *Service) Finalize(ctx context.Context, id shared.Identity, challanID int64) (*Challan, error) {
	if !id.Can(shared.PermChallanEdit) {
		return nil, shared.ErrPermissionDenied
	}
	var finalized *Challan
	err := s.repo.InTx(ctx, func(ctx context.Context) error {
		c, err := s.repo.GetForUpdate(ctx, id.CompanyID, challanID)
		if err != nil {
			return err
		}
		if c.Status != StatusDraft {
			return &shared.InvalidStateError{Entity: "challan", Current: string(c.Status), Attempted: "finalize"}
		}
		if !c.EditableBy(id.ActorID) {
			return shared.ErrPermissionDenied
		}
		c.Status = StatusCreated
		if err := s.repo.Save(ctx, c, []Status{StatusDraft}); err != nil {
			return err
		}
		finalized = c
		return s.repo.AppendTrail(ctx, &TrailEntry{
			ChallanID: c.ID,
			ActorID:   id.ActorID,
			Action:    TrailFinalized,
			At:        time.Now().UTC(),
		})
	})
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, id, "challan:finalize", challanID, nil)
	return finalized, nil
}

// ============================================================================
// SEND & DISPATCH HOOK
// ============================================================================

// Send transitions the challan to sent: regenerates the public token, stamps
// the send time and, when the company's dispatch policy enables it, deducts
// shipped stock inside the same transaction. Resending from rejected reuses
// the document number, bumps the resend counter and clears the prior party
// response. In strict validation mode an insufficient item aborts the whole
// send; the status never flips without the deduction.
func (s *Service) Send(ctx context.Context, id shared.Identity, challanID int64) (*Challan, error) {
	if !id.Can(shared.PermChallanSend) {
		return nil, shared.ErrPermissionDenied
	}
	policy, err := s.stock.DispatchPolicy(ctx, id.CompanyID)
	if err != nil {
		return nil, fmt.Errorf("dispatch policy: %w", err)
	}

	var sent *Challan
	var resend bool
	err = s.repo.InTx(ctx, func(ctx context.Context) error {
		c, err := s.repo.GetForUpdate(ctx, id.CompanyID, challanID)
		if err != nil {
			return err
		}
		if !c.Status.CanSend() {
			return &shared.InvalidStateError{Entity: "challan", Current: string(c.Status), Attempted: "send"}
		}
		expect := []Status{c.Status}
		if c.Status == StatusRejected {
			resend = true
			c.ResendCount++
			c.PartyResponse = nil
		}
		token := NewPublicToken()
		now := time.Now().UTC()
		c.PublicToken = &token
		c.SentAt = &now
		c.SentBy = &id.ActorID
		c.Status = StatusSent

		if _, err := s.stock.DeductForChallan(ctx, stock.DispatchRequest{
			CompanyID:   c.CompanyID,
			WarehouseID: c.WarehouseID,
			ChallanID:   c.ID,
			ActorID:     id.ActorID,
			Lines:       dispatchLines(c.Items),
			Policy:      policy,
		}); err != nil {
			return err
		}

		if err := s.repo.Save(ctx, c, expect); err != nil {
			return err
		}
		sent = c
		return s.repo.AppendTrail(ctx, &TrailEntry{
			ChallanID: c.ID,
			ActorID:   id.ActorID,
			Action:    TrailSent,
			At:        now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.notifier.ChallanSent(ctx, notify.ChallanSentEvent{
		CompanyID:   sent.CompanyID,
		ChallanID:   sent.ID,
		Number:      sent.Number,
		PartyID:     sent.PartyID,
		GrandTotal:  sent.GrandTotal.StringFixed(2),
		PublicToken: *sent.PublicToken,
		Resend:      resend,
	})
	s.recordAudit(ctx, id, "challan:send", sent.ID, map[string]any{
		"number": sent.Number,
		"resend": resend,
	})
	return sent, nil
}

// ============================================================================
// RESPONSES
// ============================================================================

// RequestOTP issues a fresh OTP for the public token and hands it to the
// notification channel. The code never appears in the HTTP response.
func (s *Service) RequestOTP(ctx context.Context, token string) error {
	c, err := s.repo.GetByToken(ctx, token)
	if err != nil {
		return err
	}
	if c.Status != StatusSent {
		return &shared.InvalidStateError{Entity: "challan", Current: string(c.Status), Attempted: "respond"}
	}
	code, err := s.otp.Issue(ctx, token)
	if err != nil {
		return err
	}
	s.notifier.OTPIssued(ctx, notify.OTPIssuedEvent{
		CompanyID: c.CompanyID,
		ChallanID: c.ID,
		Number:    c.Number,
		PartyID:   c.PartyID,
		OTP:       code,
	})
	return nil
}

// RespondPublic lets an unauthenticated caller holding a valid token/OTP pair
// flip sent to accepted or rejected exactly once. The OTP is single-use.
func (s *Service) RespondPublic(ctx context.Context, token string, req PublicResponseRequest) (*Challan, error) {
	c, err := s.repo.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusSent {
		return nil, &shared.InvalidStateError{Entity: "challan", Current: string(c.Status), Attempted: "respond"}
	}
	if err := s.otp.Consume(ctx, token, req.OTP); err != nil {
		return nil, err
	}
	return s.applyResponse(ctx, c.CompanyID, c.ID, responseParams{
		accept: req.Accept,
		via:    "public",
		note:   req.Note,
	})
}

// RespondInternal records an accept/reject on the counterparty's behalf by an
// authorized internal actor. Accepting this way lands in self_accepted.
func (s *Service) RespondInternal(ctx context.Context, id shared.Identity, challanID int64, req InternalResponseRequest) (*Challan, error) {
	if !id.Can(shared.PermChallanRespond) {
		return nil, shared.ErrPermissionDenied
	}
	return s.applyResponse(ctx, id.CompanyID, challanID, responseParams{
		accept:  req.Accept,
		via:     "internal",
		note:    req.Note,
		actorID: &id.ActorID,
	})
}

type responseParams struct {
	accept  bool
	via     string
	note    string
	actorID *int64
}

func (s *Service) applyResponse(ctx context.Context, companyID, challanID int64, p responseParams) (*Challan, error) {
	var responded *Challan
	err := s.repo.InTx(ctx, func(ctx context.Context) error {
		c, err := s.repo.GetForUpdate(ctx, companyID, challanID)
		if err != nil {
			return err
		}
		if c.Status != StatusSent {
			return &shared.InvalidStateError{Entity: "challan", Current: string(c.Status), Attempted: "respond"}
		}
		now := time.Now().UTC()
		action := "rejected"
		next := StatusRejected
		if p.accept {
			action = "accepted"
			next = StatusAccepted
			if p.via == "internal" {
				next = StatusSelfAccepted
			}
		}
		c.PartyResponse = &PartyResponse{
			Action:      action,
			RespondedAt: now,
			Via:         p.via,
			ActorID:     p.actorID,
			Note:        p.note,
		}
		c.Status = next
		if err := s.repo.Save(ctx, c, []Status{StatusSent}); err != nil {
			return err
		}
		responded = c
		actorID := int64(0)
		if p.actorID != nil {
			actorID = *p.actorID
		}
		return s.repo.AppendTrail(ctx, &TrailEntry{
			ChallanID: c.ID,
			ActorID:   actorID,
			Action:    TrailResponded,
			Note:      action,
			At:        now,
		})
	})
	if err != nil {
		return nil, err
	}
	s.notifier.ChallanResponded(ctx, notify.ChallanRespondedEvent{
		CompanyID: responded.CompanyID,
		ChallanID: responded.ID,
		Number:    responded.Number,
		Action:    responded.PartyResponse.Action,
		Via:       p.via,
	})
	return responded, nil
}

// ============================================================================
// ROUTING, NOTES, CANCEL
// ============================================================================

// Forward routes a draft/created challan to another internal actor with a
// note. The trail records it; status is untouched.
func (s *Service) Forward(ctx context.Context, id shared.Identity, challanID int64, req ForwardRequest) (*Challan, error) {
	if !id.Can(shared.PermChallanForward) {
		return nil, shared.ErrPermissionDenied
	}
	var forwarded *Challan
	err := s.repo.InTx(ctx, func(ctx context.Context) error {
		c, err := s.repo.GetForUpdate(ctx, id.CompanyID, challanID)
		if err != nil {
			return err
		}
		if c.Status != StatusDraft && c.Status != StatusCreated {
			return &shared.InvalidStateError{Entity: "challan", Current: string(c.Status), Attempted: "forward"}
		}
		c.SfpStatus = SfpAssigned
		c.SfpAssignedTo = &req.AssigneeID
		if err := s.repo.Save(ctx, c, []Status{c.Status}); err != nil {
			return err
		}
		forwarded = c
		return s.repo.AppendTrail(ctx, &TrailEntry{
			ChallanID:  c.ID,
			ActorID:    id.ActorID,
			Action:     TrailForwarded,
			AssignedTo: &req.AssigneeID,
			Note:       req.Note,
			At:         time.Now().UTC(),
		})
	})
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, id, "challan:forward", challanID, map[string]any{"assignee": req.AssigneeID})
	return forwarded, nil
}

// AddNote appends a trail note and fans out the note notification. Anyone who
// can view the document can annotate it.
func (s *Service) AddNote(ctx context.Context, id shared.Identity, challanID int64, req NoteRequest) error {
	if !id.Can(shared.PermChallanView) {
		return shared.ErrPermissionDenied
	}
	c, err := s.repo.Get(ctx, id.CompanyID, challanID)
	if err != nil {
		return err
	}
	if err := s.repo.AppendTrail(ctx, &TrailEntry{
		ChallanID: c.ID,
		ActorID:   id.ActorID,
		Action:    TrailNoted,
		Note:      req.Note,
		At:        time.Now().UTC(),
	}); err != nil {
		return err
	}
	s.notifier.NoteAdded(ctx, notify.NoteAddedEvent{
		CompanyID: c.CompanyID,
		ChallanID: c.ID,
		Number:    c.Number,
		Note:      req.Note,
	})
	return nil
}

// Cancel terminates a challan that has not been sent yet.
func (s *Service) Cancel(ctx context.Context, id shared.Identity, challanID int64) (*Challan, error) {
	if !id.Can(shared.PermChallanCancel) {
		return nil, shared.ErrPermissionDenied
	}
	var cancelled *Challan
	err := s.repo.InTx(ctx, func(ctx context.Context) error {
		c, err := s.repo.GetForUpdate(ctx, id.CompanyID, challanID)
		if err != nil {
			return err
		}
		if !c.Status.CanCancel() {
			return &shared.InvalidStateError{Entity: "challan", Current: string(c.Status), Attempted: "cancel"}
		}
		expect := []Status{c.Status}
		c.Status = StatusCancelled
		if err := s.repo.Save(ctx, c, expect); err != nil {
			return err
		}
		cancelled = c
		return s.repo.AppendTrail(ctx, &TrailEntry{
			ChallanID: c.ID,
			ActorID:   id.ActorID,
			Action:    TrailCancelled,
			At:        time.Now().UTC(),
		})
	})
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, id, "challan:cancel", challanID, nil)
	return cancelled, nil
}

// Delete removes a challan that was never sent. Sent documents are part of
// the ledger of record and can only be cancelled beforehand, never erased.
func (s *Service) Delete(ctx context.Context, id shared.Identity, challanID int64) error {
	if !id.Can(shared.PermChallanCancel) {
		return shared.ErrPermissionDenied
	}
	return s.repo.InTx(ctx, func(ctx context.Context) error {
		c, err := s.repo.GetForUpdate(ctx, id.CompanyID, challanID)
		if err != nil {
			return err
		}
		if !c.Status.CanCancel() {
			return &shared.InvalidStateError{Entity: "challan", Current: string(c.Status), Attempted: "delete"}
		}
		return s.repo.Delete(ctx, id.CompanyID, challanID)
	})
}

// ============================================================================
// QUERIES
// ============================================================================

// Get fetches one challan with items and trail.
func (s *Service) Get(ctx context.Context, id shared.Identity, challanID int64) (*Challan, error) {
	return s.repo.Get(ctx, id.CompanyID, challanID)
}

// List pages through the company's challans.
func (s *Service) List(ctx context.Context, id shared.Identity, filter ListFilter) ([]Challan, int, error) {
	return s.repo.List(ctx, id.CompanyID, filter)
}

// ============================================================================
// HELPERS
// ============================================================================

func buildItems(reqs []LineItemRequest) []LineItem {
	items := make([]LineItem, 0, len(reqs))
	for i, r := range reqs {
		li := LineItem{
			ID:          uuid.NewString(),
			Name:        r.Name,
			Unit:        r.Unit,
			Quantity:    r.Quantity,
			Rate:        decimal.NewFromFloat(r.Rate),
			TaxRate:     decimal.NewFromFloat(r.TaxRate),
			StockItemID: r.StockItemID,
			Position:    i,
		}
		ComputeLineAmounts(&li)
		items = append(items, li)
	}
	return items
}

func dispatchLines(items []LineItem) []stock.DispatchLine {
	var lines []stock.DispatchLine
	for _, li := range items {
		if li.StockItemID == nil {
			continue
		}
		lines = append(lines, stock.DispatchLine{ItemID: *li.StockItemID, Qty: li.Quantity})
	}
	return lines
}

func (s *Service) recordAudit(ctx context.Context, id shared.Identity, action string, challanID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		CompanyID: id.CompanyID,
		ActorID:   id.ActorID,
		Action:    action,
		Entity:    "challan",
		EntityID:  fmt.Sprintf("%d", challanID),
		Meta:      meta,
	})
}
