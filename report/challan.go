package report

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/challanflow/challanflow/internal/challan"
	"github.com/challanflow/challanflow/internal/platform/httpx"
	"github.com/challanflow/challanflow/internal/shared"
)

var challanTmpl = template.Must(template.New("challan").Funcs(template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Number}}</title>
<style>
body { font-family: sans-serif; font-size: 13px; color: #222; }
h1 { font-size: 20px; margin-bottom: 0; }
.meta { color: #666; margin-bottom: 24px; }
table { width: 100%; border-collapse: collapse; margin-top: 12px; }
th, td { border: 1px solid #ccc; padding: 6px 8px; text-align: left; }
th { background: #f4f4f4; }
td.num, th.num { text-align: right; }
.totals { margin-top: 16px; width: 40%; margin-left: auto; }
.totals td { border: none; padding: 3px 8px; }
.notes { margin-top: 24px; font-size: 12px; color: #555; }
</style>
</head>
<body>
<h1>Delivery Challan {{.Number}}</h1>
<div class="meta">
Status: {{.Status}}{{if .SentAt}} &middot; Sent: {{.SentAt.Format "02 Jan 2006 15:04"}}{{end}}
&middot; Created: {{.CreatedAt.Format "02 Jan 2006"}}
</div>
<table>
<tr><th>#</th><th>Item</th><th>Unit</th><th class="num">Qty</th><th class="num">Rate</th><th class="num">Amount</th><th class="num">Tax</th></tr>
{{range $i, $li := .Items}}
<tr>
<td>{{inc $i}}</td>
<td>{{$li.Name}}</td>
<td>{{$li.Unit}}</td>
<td class="num">{{$li.Quantity}}</td>
<td class="num">{{$li.Rate}}</td>
<td class="num">{{$li.Amount}}</td>
<td class="num">{{$li.TaxAmount}}</td>
</tr>
{{end}}
</table>
<table class="totals">
<tr><td>Subtotal</td><td class="num">{{.Subtotal}}</td></tr>
<tr><td>Tax</td><td class="num">{{.TaxTotal}}</td></tr>
<tr><td><strong>Grand Total</strong></td><td class="num"><strong>{{.GrandTotal}}</strong></td></tr>
</table>
{{if .Notes}}<div class="notes">{{.Notes}}</div>{{end}}
</body>
</html>`))

// ChallanSource fetches documents for rendering. Satisfied by
// challan.Service.
type ChallanSource interface {
	Get(ctx context.Context, id shared.Identity, challanID int64) (*challan.Challan, error)
}

// RenderChallan produces the delivery-note HTML for a challan.
func RenderChallan(c *challan.Challan) (string, error) {
	var buf bytes.Buffer
	if err := challanTmpl.Execute(&buf, c); err != nil {
		return "", fmt.Errorf("report: render challan %d: %w", c.ID, err)
	}
	return buf.String(), nil
}

// Handler serves PDF exports of challans.
type Handler struct {
	client   *Client
	challans ChallanSource
	logger   *slog.Logger
}

// NewHandler creates a report handler.
func NewHandler(client *Client, challans ChallanSource, logger *slog.Logger) *Handler {
	return &Handler{client: client, challans: challans, logger: logger}
}

// MountRoutes registers report routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/ping", h.ping)
	r.Get("/challans/{challanID}", h.challanPDF)
}

func (h *Handler) ping(w http.ResponseWriter, r *http.Request) {
	if err := h.client.Ping(r.Context()); err != nil {
		h.logger.Warn("gotenberg ping failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "renderer unreachable")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) challanPDF(w http.ResponseWriter, r *http.Request) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing identity")
		return
	}
	challanID, err := strconv.ParseInt(chi.URLParam(r, "challanID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "challan id must be numeric")
		return
	}

	c, err := h.challans.Get(r.Context(), id, challanID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	html, err := RenderChallan(c)
	if err != nil {
		h.logger.Error("render challan html", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "could not render document")
		return
	}
	pdf, err := h.client.RenderHTML(r.Context(), html)
	if err != nil {
		h.logger.Error("render challan pdf", slog.Int64("challan_id", challanID), slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "Bad Gateway", "pdf renderer failed")
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%s.pdf", c.Number))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf)
}
