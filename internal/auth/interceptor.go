package auth

import (
	"context"
	"strings"

	"github.com/triage-ai/gatekeeper/internal/admission"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Recorder receives the outcome of every authentication attempt.
type Recorder interface {
	RecordAuth(ctx context.Context, callerID *int64, ok bool, reason string)
}

const healthServicePrefix = "/grpc.health.v1.Health/"

// UnaryServerInterceptor rejects calls without a valid bearer token in the
// authorization metadata. Chain it before the admission interceptor so an
// unauthenticated client cannot spend another caller's tokens. Health checks
// bypass it.
func UnaryServerInterceptor(v *Verifier, rec Recorder, logger *zap.Logger) grpc.UnaryServerInterceptor {
	if !v.Configured() {
		logger.Warn("no token hash configured, gRPC calls will be rejected")
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, healthServicePrefix) {
			return handler(ctx, req)
		}

		// The caller id is only used to attribute the audit row here;
		// admission enforces that it is present and well formed.
		var caller *int64
		if id, err := admission.CallerFromMetadata(ctx); err == nil {
			caller = &id
		}

		token, err := BearerFromMetadata(ctx)
		if err == nil {
			err = v.Verify(token)
		}
		if err != nil {
			rec.RecordAuth(ctx, caller, false, Reason(err))
			return nil, status.Error(codes.Unauthenticated, "authentication failed")
		}

		rec.RecordAuth(ctx, caller, true, "")
		return handler(ctx, req)
	}
}
