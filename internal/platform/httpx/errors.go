package httpx

import (
	"errors"
	"net/http"

	"github.com/challanflow/challanflow/internal/shared"
)

// RespondError maps core errors to HTTP responses using RFC7807. Quantity
// errors carry the available balance so the caller can decide the next action.
func RespondError(w http.ResponseWriter, err error) {
	var qtyErr *shared.QuantityExceededError
	if errors.As(err, &qtyErr) {
		ProblemWith(w, http.StatusConflict, "Quantity Exceeded", qtyErr.Error(), map[string]any{
			"challan_id": qtyErr.ChallanID,
			"item_id":    qtyErr.LineItemID,
			"requested":  qtyErr.Requested,
			"available":  qtyErr.Available,
		})
		return
	}
	var stockErr *shared.InsufficientStockError
	if errors.As(err, &stockErr) {
		ProblemWith(w, http.StatusConflict, "Insufficient Stock", stockErr.Error(), map[string]any{
			"item_id":      stockErr.ItemID,
			"warehouse_id": stockErr.WarehouseID,
			"requested":    stockErr.Requested,
			"available":    stockErr.Available,
		})
		return
	}

	switch {
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrInvalidState):
		Problem(w, http.StatusConflict, "Invalid State", err.Error())
	case errors.Is(err, shared.ErrInsufficientStock):
		Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, shared.ErrQuantityExceeded):
		Problem(w, http.StatusConflict, "Quantity Exceeded", err.Error())
	case errors.Is(err, shared.ErrPermissionDenied):
		Problem(w, http.StatusForbidden, "Permission Denied", err.Error())
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
