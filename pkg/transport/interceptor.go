package transport

import (
	"crypto/subtle"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// AuthInterceptor rejects streams whose authorization metadata does not
// carry the shared cluster token. An empty token disables the check.
func AuthInterceptor(token string) grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if token == "" {
			return handler(srv, ss)
		}

		md, _ := metadata.FromIncomingContext(ss.Context())
		if !hasToken(md.Get(AuthKey), token) {
			return status.Errorf(codes.Unauthenticated, "missing or invalid cluster token for %s", info.FullMethod)
		}
		return handler(srv, ss)
	}
}

// hasToken checks "Bearer <token>" values in constant time
func hasToken(values []string, token string) bool {
	for _, v := range values {
		got := strings.TrimPrefix(v, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1 {
			return true
		}
	}
	return false
}
