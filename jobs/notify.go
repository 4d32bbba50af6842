package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/challanflow/challanflow/internal/notify"
)

// Deliverer sends a rendered notification to the counterparty channel (mail,
// SMS, webhook). The worker stays agnostic of the transport.
type Deliverer interface {
	Deliver(ctx context.Context, partyID int64, subject, body string) error
}

// LogDeliverer writes notifications to the log. Default until a real channel
// is configured.
type LogDeliverer struct {
	Logger *slog.Logger
}

// Deliver implements Deliverer.
func (d LogDeliverer) Deliver(ctx context.Context, partyID int64, subject, body string) error {
	d.Logger.Info("notification", "party_id", partyID, "subject", subject, "body", body)
	return nil
}

// NotifyHandlers consumes the notification tasks the core enqueues.
type NotifyHandlers struct {
	logger    *slog.Logger
	deliverer Deliverer
	printer   *message.Printer
}

// NewNotifyHandlers constructs NotifyHandlers. A nil deliverer logs instead
// of sending.
func NewNotifyHandlers(logger *slog.Logger, deliverer Deliverer) *NotifyHandlers {
	if deliverer == nil {
		deliverer = LogDeliverer{Logger: logger}
	}
	return &NotifyHandlers{
		logger:    logger,
		deliverer: deliverer,
		printer:   message.NewPrinter(language.English),
	}
}

// Register attaches the notification handlers to the mux.
func (h *NotifyHandlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(notify.TaskChallanSent, h.handleChallanSent)
	mux.HandleFunc(notify.TaskOTPIssued, h.handleOTPIssued)
	mux.HandleFunc(notify.TaskChallanResponded, h.handleChallanResponded)
	mux.HandleFunc(notify.TaskReturnCreated, h.handleReturnCreated)
	mux.HandleFunc(notify.TaskNoteAdded, h.handleNoteAdded)
}

func (h *NotifyHandlers) handleChallanSent(ctx context.Context, t *asynq.Task) error {
	var ev notify.ChallanSentEvent
	if err := json.Unmarshal(t.Payload(), &ev); err != nil {
		return asynq.SkipRetry
	}
	subject := h.printer.Sprintf("Challan %s received", ev.Number)
	if ev.Resend {
		subject = h.printer.Sprintf("Challan %s resent", ev.Number)
	}
	body := h.printer.Sprintf(
		"Challan %s for %s has been dispatched to you. Review and respond at /public/challans/%s.",
		ev.Number, ev.GrandTotal, ev.PublicToken)
	return h.deliverer.Deliver(ctx, ev.PartyID, subject, body)
}

func (h *NotifyHandlers) handleOTPIssued(ctx context.Context, t *asynq.Task) error {
	var ev notify.OTPIssuedEvent
	if err := json.Unmarshal(t.Payload(), &ev); err != nil {
		return asynq.SkipRetry
	}
	subject := h.printer.Sprintf("Verification code for challan %s", ev.Number)
	body := h.printer.Sprintf("Your one-time code is %s. It expires in 10 minutes.", ev.OTP)
	return h.deliverer.Deliver(ctx, ev.PartyID, subject, body)
}

func (h *NotifyHandlers) handleChallanResponded(ctx context.Context, t *asynq.Task) error {
	var ev notify.ChallanRespondedEvent
	if err := json.Unmarshal(t.Payload(), &ev); err != nil {
		return asynq.SkipRetry
	}
	h.logger.Info("challan responded",
		"challan_id", ev.ChallanID, "number", ev.Number, "action", ev.Action, "via", ev.Via)
	return nil
}

func (h *NotifyHandlers) handleReturnCreated(ctx context.Context, t *asynq.Task) error {
	var ev notify.ReturnCreatedEvent
	if err := json.Unmarshal(t.Payload(), &ev); err != nil {
		return asynq.SkipRetry
	}
	h.logger.Info("return created",
		"return_id", ev.ReturnID, "number", ev.Number, "type", ev.ReturnType, "total", ev.GrandTotal)
	return nil
}

func (h *NotifyHandlers) handleNoteAdded(ctx context.Context, t *asynq.Task) error {
	var ev notify.NoteAddedEvent
	if err := json.Unmarshal(t.Payload(), &ev); err != nil {
		return asynq.SkipRetry
	}
	h.logger.Info("note added", "challan_id", ev.ChallanID, "number", ev.Number)
	return nil
}
