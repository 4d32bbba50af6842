package shared

import "context"

// Permission names understood by the core. Authentication and role resolution
// happen outside; the core only checks capability strings it receives.
const (
	PermChallanView    = "challan.view"
	PermChallanCreate  = "challan.create"
	PermChallanEdit    = "challan.edit"
	PermChallanSend    = "challan.send"
	PermChallanForward = "challan.forward"
	PermChallanRespond = "challan.respond"
	PermChallanCancel  = "challan.cancel"
	PermReturnView     = "return.view"
	PermReturnCreate   = "return.create"
	PermMarginAccept   = "return.margin_accept"
	PermStockView      = "stock.view"
	PermStockManage    = "stock.manage"
	PermStockAdjust    = "stock.adjust"
	PermStockTransfer  = "stock.transfer"
)

// Identity is the trusted request context every core operation receives:
// which company the actor acts for and what they are allowed to do.
type Identity struct {
	CompanyID   int64
	ActorID     int64
	Permissions map[string]bool
}

// Can reports whether the identity holds the given permission.
func (id Identity) Can(perm string) bool {
	return id.Permissions[perm]
}

type identityContextKey struct{}

// ContextWithIdentity stores the identity in context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext extracts the identity from context. The second return
// is false for unauthenticated (public channel) requests.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	return id, ok
}
