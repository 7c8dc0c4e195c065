// Package server exposes message checks over gRPC. Messages are
// google.protobuf.Struct values so clients need no generated stubs:
//
//	request:  {"text": "<message>"}
//	response: {"sanitized": "<text>", "request_id": "<uuid>"}
//
// Calls carry the service bearer token in the authorization metadata key and
// the caller id in x-caller-id. The auth interceptor runs first, then the
// admission interceptor, then the handler.
package server

import (
	"context"
	"errors"
	"strconv"

	"github.com/google/uuid"
	"github.com/triage-ai/gatekeeper/internal/admission"
	"github.com/triage-ai/gatekeeper/internal/pipeline"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "gatekeeper.v1.Guard"
	// CheckMessageMethod is the full method name of CheckMessage.
	CheckMessageMethod = "/" + ServiceName + "/CheckMessage"
)

// MessageValidator validates messages from callers that are already admitted.
type MessageValidator interface {
	ValidateMessage(ctx context.Context, callerID int64, text string) (string, error)
}

// GuardServer implements the gatekeeper.v1.Guard gRPC service.
type GuardServer struct {
	guard  MessageValidator
	logger *zap.Logger
}

// NewGuardServer creates a GuardServer.
func NewGuardServer(guard MessageValidator, logger *zap.Logger) *GuardServer {
	return &GuardServer{guard: guard, logger: logger}
}

// CheckMessage implements the Guard.CheckMessage RPC.
func (s *GuardServer) CheckMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	caller, ok := admission.CallerFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "caller was not admitted")
	}

	text := req.GetFields()["text"].GetStringValue()
	sanitized, err := s.guard.ValidateMessage(ctx, caller, text)
	if err != nil {
		var ve *pipeline.ValidationError
		if errors.As(err, &ve) {
			return nil, status.Error(codes.InvalidArgument, pipeline.UserMessage(err))
		}
		s.logger.Error("message check failed", zap.Int64("caller_id", caller), zap.Error(err))
		return nil, status.Error(codes.Internal, "check failed")
	}

	return structpb.NewStruct(map[string]any{
		"sanitized":  sanitized,
		"request_id": uuid.New().String(),
	})
}

// Register adds the Guard service to s.
func Register(s grpc.ServiceRegistrar, srv *GuardServer) {
	s.RegisterService(&guardServiceDesc, srv)
}

type guardService interface {
	CheckMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var guardServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*guardService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CheckMessage", Handler: checkMessageHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gatekeeper/v1/guard.proto",
}

func checkMessageHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(guardService).CheckMessage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CheckMessageMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(guardService).CheckMessage(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// CheckMessage calls Guard.CheckMessage on cc as callerID and returns the
// sanitized text. Response header metadata, including retry-after on
// rejection, is copied into header when it is non-nil.
func CheckMessage(ctx context.Context, cc grpc.ClientConnInterface, callerID int64, text string, header *metadata.MD) (string, error) {
	req, err := structpb.NewStruct(map[string]any{"text": text})
	if err != nil {
		return "", err
	}
	ctx = metadata.AppendToOutgoingContext(ctx, admission.CallerMetadataKey, strconv.FormatInt(callerID, 10))

	var opts []grpc.CallOption
	if header != nil {
		opts = append(opts, grpc.Header(header))
	}
	resp := new(structpb.Struct)
	if err := cc.Invoke(ctx, CheckMessageMethod, req, resp, opts...); err != nil {
		return "", err
	}
	return resp.GetFields()["sanitized"].GetStringValue(), nil
}
