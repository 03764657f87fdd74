package streaming

import (
	"context"
	"strings"

	"github.com/KevinKickass/iotdserver/internal/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func credential(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if values := md.Get("authorization"); len(values) > 0 {
		parts := strings.SplitN(values[0], " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if values := md.Get("x-api-key"); len(values) > 0 {
		return values[0]
	}
	return ""
}

func authorize(ctx context.Context, a *auth.Authenticator, required auth.Permission) error {
	principal, err := a.Authenticate(credential(ctx))
	if err != nil {
		return status.Error(codes.Unauthenticated, err.Error())
	}
	if !principal.Has(required) {
		return status.Errorf(codes.PermissionDenied, "requires %s permission", required)
	}
	return nil
}

// UnaryAuthInterceptor requires operator permission on unary calls.
func UnaryAuthInterceptor(a *auth.Authenticator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if err := authorize(ctx, a, auth.PermOperator); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuthInterceptor requires viewer permission on streams.
func StreamAuthInterceptor(a *auth.Authenticator) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := authorize(ss.Context(), a, auth.PermViewer); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}
