package bus

import "context"

type originKey struct{}

// WithOrigin marks a context so writes performed under it broadcast
// events with the given origin. The replicator uses this to tag applied
// remote writes, which keeps them from being re-published.
func WithOrigin(ctx context.Context, o Origin) context.Context {
	return context.WithValue(ctx, originKey{}, o)
}

// OriginFrom reports the origin carried by the context, defaulting to
// OriginLocal.
func OriginFrom(ctx context.Context) Origin {
	if o, ok := ctx.Value(originKey{}).(Origin); ok {
		return o
	}
	return OriginLocal
}
