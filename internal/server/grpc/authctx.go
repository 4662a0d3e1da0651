package grpcserver

import (
	"context"
	"strings"

	"google.golang.org/grpc/metadata"

	"github.com/and161185/authbridge/internal/model"
)

type ctxKey string

const identityKey ctxKey = "ab.identity"

// APIKeyHeader is the metadata key carrying the caller's API key.
const APIKeyHeader = "x-api-key"

// WithIdentity stores the authenticated caller in context.
func WithIdentity(ctx context.Context, id model.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromCtx fetches the caller from context.
func IdentityFromCtx(ctx context.Context) (model.Identity, bool) {
	id, ok := ctx.Value(identityKey).(model.Identity)
	return id, ok
}

func apiKeyFromMD(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get(APIKeyHeader) {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
