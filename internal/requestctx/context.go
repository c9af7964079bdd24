// Package requestctx provides request-scoped values set by middleware.
package requestctx

import "context"

type contextKey struct{ name string }

var (
	channelIDKey  = &contextKey{"channel_id"}
	callerNameKey = &contextKey{"caller_name"}
)

// SetChannelID stores the resolved channel id in the context.
func SetChannelID(ctx context.Context, channelID string) context.Context {
	return context.WithValue(ctx, channelIDKey, channelID)
}

// ChannelID returns the channel id from context, or "" if not set.
func ChannelID(ctx context.Context) string {
	v, _ := ctx.Value(channelIDKey).(string)
	return v
}

// SetCallerName stores the authenticated caller name in the context.
func SetCallerName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, callerNameKey, name)
}

// CallerName returns the caller name from context, or "" if not set.
func CallerName(ctx context.Context) string {
	v, _ := ctx.Value(callerNameKey).(string)
	return v
}
