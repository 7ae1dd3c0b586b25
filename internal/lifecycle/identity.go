package lifecycle

import "context"

type identityKey struct{}

// WithIdentity attaches the acting identity to the context. The versioning
// service records it as the author of merges performed on behalf of that
// caller; the sweep uses it for its dedicated service identity.
func WithIdentity(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, identityKey{}, name)
}

// Identity returns the acting identity on the context, or the empty string.
func Identity(ctx context.Context) string {
	name, _ := ctx.Value(identityKey{}).(string)
	return name
}
