package server

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/triage-ai/palisade/services/tool_runner/internal/auth"
)

type contextKey int

const principalCtxKey contextKey = iota

// PrincipalFromContext returns the caller attached by AuthInterceptor.
func PrincipalFromContext(ctx context.Context) (*auth.Principal, bool) {
	p, ok := ctx.Value(principalCtxKey).(*auth.Principal)
	return p, ok && p != nil
}

// AuthInterceptor authenticates every unary call except health checks and
// reflection.
func AuthInterceptor(authenticator auth.Authenticator, logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if skipAuth(info.FullMethod) {
			return handler(ctx, req)
		}
		principal, err := authenticator.Authenticate(ctx)
		if err != nil {
			logger.Debug("authentication failed",
				zap.String("method", info.FullMethod),
				zap.Error(err),
			)
			return nil, status.Errorf(codes.Unauthenticated, "authentication failed: %v", err)
		}
		return handler(context.WithValue(ctx, principalCtxKey, principal), req)
	}
}

func skipAuth(method string) bool {
	return strings.HasPrefix(method, "/grpc.health.v1.Health/") ||
		strings.HasPrefix(method, "/grpc.reflection.")
}
