package authcore

import "context"

type clientIPContextKey struct{}
type userAgentContextKey struct{}
type deviceContextKey struct{}
type actorContextKey struct{}

// WithClientIP attaches the caller's IP address to ctx. The engine uses it
// for risk scoring, grant IP restrictions, rate limiting, and audit logging.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// WithUserAgent attaches the HTTP User-Agent string to ctx. Used by the risk
// engine's automated-client heuristic and recorded on sessions.
func WithUserAgent(ctx context.Context, userAgent string) context.Context {
	return context.WithValue(ctx, userAgentContextKey{}, userAgent)
}

// WithDeviceFingerprint attaches an opaque device fingerprint to ctx.
// Optional; recorded on sessions and fed to the risk engine when present.
func WithDeviceFingerprint(ctx context.Context, fingerprint string) context.Context {
	return context.WithValue(ctx, deviceContextKey{}, fingerprint)
}

// WithActor attaches the acting user's ID to ctx for audit attribution on
// administrative operations (grant management, account changes).
func WithActor(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, actorContextKey{}, userID)
}

func clientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}

func userAgentFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	ua, _ := ctx.Value(userAgentContextKey{}).(string)
	return ua
}

func deviceFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	device, _ := ctx.Value(deviceContextKey{}).(string)
	return device
}

func actorFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	actor, _ := ctx.Value(actorContextKey{}).(string)
	return actor
}
