// Package notify publishes collaborator notifications. Delivery is
// fire-and-forget: enqueue failures are logged and never fail the primary
// operation.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
)

// Task types consumed by the worker.
const (
	TaskChallanSent      = "notify:challan_sent"
	TaskOTPIssued        = "notify:otp_issued"
	TaskChallanResponded = "notify:challan_responded"
	TaskReturnCreated    = "notify:return_created"
	TaskNoteAdded        = "notify:note_added"
)

// ChallanSentEvent announces a dispatched challan to the counterparty.
type ChallanSentEvent struct {
	CompanyID   int64  `json:"company_id"`
	ChallanID   int64  `json:"challan_id"`
	Number      string `json:"number"`
	PartyID     int64  `json:"party_id"`
	GrandTotal  string `json:"grand_total"`
	PublicToken string `json:"public_token"`
	Resend      bool   `json:"resend"`
}

// OTPIssuedEvent carries a fresh OTP for the public response channel.
type OTPIssuedEvent struct {
	CompanyID int64  `json:"company_id"`
	ChallanID int64  `json:"challan_id"`
	Number    string `json:"number"`
	PartyID   int64  `json:"party_id"`
	OTP       string `json:"otp"`
}

// ChallanRespondedEvent announces an accept/reject decision.
type ChallanRespondedEvent struct {
	CompanyID int64  `json:"company_id"`
	ChallanID int64  `json:"challan_id"`
	Number    string `json:"number"`
	Action    string `json:"action"`
	Via       string `json:"via"`
}

// ReturnCreatedEvent announces a new return document.
type ReturnCreatedEvent struct {
	CompanyID  int64  `json:"company_id"`
	ReturnID   int64  `json:"return_id"`
	Number     string `json:"number"`
	ReturnType string `json:"return_type"`
	GrandTotal string `json:"grand_total"`
}

// NoteAddedEvent announces a note on a challan.
type NoteAddedEvent struct {
	CompanyID int64  `json:"company_id"`
	ChallanID int64  `json:"challan_id"`
	Number    string `json:"number"`
	Note      string `json:"note"`
}

// Notifier is the collaborator contract the core calls out on.
type Notifier interface {
	ChallanSent(ctx context.Context, ev ChallanSentEvent)
	OTPIssued(ctx context.Context, ev OTPIssuedEvent)
	ChallanResponded(ctx context.Context, ev ChallanRespondedEvent)
	ReturnCreated(ctx context.Context, ev ReturnCreatedEvent)
	NoteAdded(ctx context.Context, ev NoteAddedEvent)
}

// Publisher enqueues notification tasks on the asynq broker.
type Publisher struct {
	client *asynq.Client
	logger *slog.Logger
}

// NewPublisher constructs Publisher.
func NewPublisher(client *asynq.Client, logger *slog.Logger) *Publisher {
	return &Publisher{client: client, logger: logger}
}

func (p *Publisher) publish(ctx context.Context, taskType string, payload any) {
	if p == nil || p.client == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn("notify: marshal payload", slog.String("task", taskType), slog.Any("error", err))
		return
	}
	if _, err := p.client.EnqueueContext(ctx, asynq.NewTask(taskType, body), asynq.MaxRetry(5)); err != nil {
		p.logger.Warn("notify: enqueue failed", slog.String("task", taskType), slog.Any("error", err))
	}
}

// ChallanSent implements Notifier.
func (p *Publisher) ChallanSent(ctx context.Context, ev ChallanSentEvent) {
	p.publish(ctx, TaskChallanSent, ev)
}

// OTPIssued implements Notifier.
func (p *Publisher) OTPIssued(ctx context.Context, ev OTPIssuedEvent) {
	p.publish(ctx, TaskOTPIssued, ev)
}

// ChallanResponded implements Notifier.
func (p *Publisher) ChallanResponded(ctx context.Context, ev ChallanRespondedEvent) {
	p.publish(ctx, TaskChallanResponded, ev)
}

// ReturnCreated implements Notifier.
func (p *Publisher) ReturnCreated(ctx context.Context, ev ReturnCreatedEvent) {
	p.publish(ctx, TaskReturnCreated, ev)
}

// NoteAdded implements Notifier.
func (p *Publisher) NoteAdded(ctx context.Context, ev NoteAddedEvent) {
	p.publish(ctx, TaskNoteAdded, ev)
}

// Nop is a Notifier that drops every event. Used in tests and when the
// broker is not configured.
type Nop struct{}

func (Nop) ChallanSent(context.Context, ChallanSentEvent)           {}
func (Nop) OTPIssued(context.Context, OTPIssuedEvent)               {}
func (Nop) ChallanResponded(context.Context, ChallanRespondedEvent) {}
func (Nop) ReturnCreated(context.Context, ReturnCreatedEvent)       {}
func (Nop) NoteAdded(context.Context, NoteAddedEvent)               {}
