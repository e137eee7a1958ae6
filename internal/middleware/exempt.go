package middleware

import "context"

type exemptKey struct{}

// MarkExempt flags the request as exempt from the remaining gates.
// The policy stage sets it on an allowlist hit so reputation and rate
// limiting do no work for explicitly trusted clients.
func MarkExempt(ctx context.Context) context.Context {
	return context.WithValue(ctx, exemptKey{}, true)
}

// Exempt reports whether an earlier stage exempted this request.
func Exempt(ctx context.Context) bool {
	v, _ := ctx.Value(exemptKey{}).(bool)
	return v
}
