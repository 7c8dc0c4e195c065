package admission

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// CallerMetadataKey carries the caller identity on gRPC requests.
const CallerMetadataKey = "x-caller-id"

// RetryAfterMetadataKey is set on the response header of rejected calls.
const RetryAfterMetadataKey = "retry-after"

const healthServicePrefix = "/grpc.health.v1.Health/"

type callerCtxKey struct{}

// CallerFromContext returns the caller id the interceptor admitted.
func CallerFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(callerCtxKey{}).(int64)
	return id, ok
}

// UnaryServerInterceptor admits each unary call through c before the handler runs.
// Health checks bypass admission.
func UnaryServerInterceptor(c *Controller, logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, healthServicePrefix) {
			return handler(ctx, req)
		}

		caller, err := CallerFromMetadata(ctx)
		if err != nil {
			return nil, err
		}

		d := c.TryAdmit(ctx, caller)
		if d.Allowed {
			return handler(context.WithValue(ctx, callerCtxKey{}, caller), req)
		}

		if err := grpc.SetHeader(ctx, metadata.Pairs(RetryAfterMetadataKey, d.RetryAfterHeader())); err != nil {
			logger.Debug("failed to set retry-after header", zap.Error(err))
		}
		return nil, status.Errorf(codes.ResourceExhausted,
			"rate limit exceeded, retry in %d seconds", d.RetryAfterSeconds)
	}
}

// CallerFromMetadata parses the x-caller-id metadata value. Errors are gRPC
// status errors.
func CallerFromMetadata(ctx context.Context) (int64, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return 0, status.Error(codes.Unauthenticated, "missing metadata")
	}
	vals := md.Get(CallerMetadataKey)
	if len(vals) == 0 || vals[0] == "" {
		return 0, status.Error(codes.Unauthenticated, "missing caller id")
	}
	caller, err := strconv.ParseInt(strings.TrimSpace(vals[0]), 10, 64)
	if err != nil {
		return 0, status.Error(codes.InvalidArgument, "invalid caller id")
	}
	return caller, nil
}
