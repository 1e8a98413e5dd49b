package browserprocess

import (
	"context"
)

type ctxKey int

const (
	ctxKeyOwnerID ctxKey = iota
)

// WithOwnerID tags the browser processes launched with ctx as belonging to
// ownerID, e.g. a CLI invocation or a server instance.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ctxKeyOwnerID, ownerID)
}

// GetOwnerID returns the owner ID saved in ctx.
func GetOwnerID(ctx context.Context) string {
	oID, _ := ctx.Value(ctxKeyOwnerID).(string)
	return oID
}
