package cdp

import (
	"context"

	"github.com/chromedp/cdproto/target"
)

type ctxKey int

const (
	ctxKeySessionID ctxKey = iota
)

// WithSessionID returns a context that routes every command executed with it
// to the given session. Without a session commands go to the browser target.
func WithSessionID(ctx context.Context, sessionID target.SessionID) context.Context {
	return context.WithValue(ctx, ctxKeySessionID, sessionID)
}

// GetSessionID returns the session ID stored in ctx, if any.
func GetSessionID(ctx context.Context) target.SessionID {
	v := ctx.Value(ctxKeySessionID)
	if sid, ok := v.(target.SessionID); ok {
		return sid
	}
	return ""
}
