package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"procodus.dev/sensor-hub/internal/auth"
)

// ReaderOptions returns server options that require a reader token in the
// "authorization: Bearer <token>" metadata on every call. A nil verifier
// returns no options.
func ReaderOptions(v *auth.ReaderVerifier) []grpc.ServerOption {
	if v == nil {
		return nil
	}

	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
			if err := verifyReader(ctx, v); err != nil {
				return nil, err
			}
			return handler(ctx, req)
		}),
		grpc.ChainStreamInterceptor(func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
			if err := verifyReader(ss.Context(), v); err != nil {
				return err
			}
			return handler(srv, ss)
		}),
	}
}

func verifyReader(ctx context.Context, v *auth.ReaderVerifier) error {
	md, _ := metadata.FromIncomingContext(ctx)
	var token string
	if values := md.Get("authorization"); len(values) > 0 {
		token = auth.BearerToken(values[0])
	}
	if _, err := v.Verify(token); err != nil {
		return status.Error(codes.Unauthenticated, "invalid or missing reader token")
	}
	return nil
}

// ReaderToken attaches a reader token to outgoing calls.
func ReaderToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}
