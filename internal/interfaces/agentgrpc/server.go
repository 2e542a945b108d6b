package agentgrpc

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/stocksage/stocksage/gateway/internal/domain/entity"
	"github.com/stocksage/stocksage/gateway/internal/domain/service"
	"github.com/stocksage/stocksage/gateway/internal/domain/tool"
	apperrors "github.com/stocksage/stocksage/gateway/pkg/errors"
	"github.com/stocksage/stocksage/gateway/pkg/safego"
)

// TurnRunner runs chat turns. The orchestrator implements it.
type TurnRunner interface {
	ExecuteTurn(ctx context.Context, req *service.TurnRequest) (*service.TurnResult, <-chan entity.ChatEvent, error)
}

// ToolLister exposes tool definitions. The registry implements it.
type ToolLister interface {
	Describe(names []string) []tool.Definition
}

// Server exposes the chat service over gRPC for IDE extensions and other
// machine clients. The service logic and event conversion are complete;
// wire registration is connected once the proto stubs are generated.
type Server struct {
	turns  TurnRunner
	tools  ToolLister
	logger *zap.Logger
	server *grpc.Server
	port   int
}

func NewServer(turns TurnRunner, tools ToolLister, port int, logger *zap.Logger) *Server {
	return &Server{
		turns:  turns,
		tools:  tools,
		logger: logger.With(zap.String("component", "chat-grpc")),
		port:   port,
	}
}

// Start opens the listener and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("listen port %d: %w", s.port, err)
	}

	s.server = grpc.NewServer()
	// Registration happens here once the proto stubs exist:
	// pb.RegisterChatServiceServer(s.server, s)

	s.logger.Info("Starting gRPC chat server", zap.Int("port", s.port))

	safego.Go(s.logger, "grpc-serve", func() {
		if err := s.server.Serve(lis); err != nil {
			s.logger.Error("gRPC server failed", zap.Error(err))
		}
	})

	return nil
}

// Stop drains in-flight RPCs and shuts the server down.
func (s *Server) Stop() {
	if s.server != nil {
		s.server.GracefulStop()
		s.logger.Info("gRPC chat server stopped")
	}
}

// ChatRequest is the inbound message for the ExecuteChat RPC.
type ChatRequest struct {
	Prompt         string
	Deployment     string
	ConversationID string
	SystemPrompt   string
	UserID         string
}

// ChatEvent is the streamed response message. Structured payloads cross the
// wire as structpb values so the proto needs no per-tool message types.
type ChatEvent struct {
	Type           string
	RequestID      string
	ConversationID string
	Delta          string
	ToolName       string
	ToolStatus     string
	Round          int32
	Tools          *structpb.ListValue
	Error          string
	Model          string
	Usage          *structpb.Struct
	Cached         bool
}

// ToolDescriptor is one entry of the ListTools response.
type ToolDescriptor struct {
	Name        string
	Description string
	Parameters  *structpb.Struct
}

// ExecuteChat runs one turn and streams its events through send. It is the
// body of the server-streaming RPC; the generated stub will call it with
// send bound to the stream.
func (s *Server) ExecuteChat(ctx context.Context, req *ChatRequest, send func(*ChatEvent) error) error {
	if req.Prompt == "" {
		return status.Error(codes.InvalidArgument, "prompt is required")
	}

	s.logger.Info("gRPC ExecuteChat",
		zap.String("conversation_id", req.ConversationID),
		zap.String("deployment", req.Deployment),
	)

	_, events, err := s.turns.ExecuteTurn(ctx, &service.TurnRequest{
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		Prompt:         req.Prompt,
		Model:          req.Deployment,
		SystemPrompt:   req.SystemPrompt,
	})
	if err != nil {
		return statusFromError(err)
	}

	for ev := range events {
		if err := send(convertEvent(ev)); err != nil {
			return err
		}
	}
	return nil
}

// ListTools returns the registered tool definitions with their JSON schemas
// as proto structs.
func (s *Server) ListTools() []ToolDescriptor {
	defs := s.tools.Describe(nil)
	out := make([]ToolDescriptor, 0, len(defs))
	for _, d := range defs {
		params, err := structpb.NewStruct(d.Parameters)
		if err != nil {
			s.logger.Warn("Tool schema not proto-representable",
				zap.String("tool", d.Name),
				zap.Error(err),
			)
			params = nil
		}
		out = append(out, ToolDescriptor{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  params,
		})
	}
	return out
}

func convertEvent(ev entity.ChatEvent) *ChatEvent {
	out := &ChatEvent{
		Type:           string(ev.Type),
		RequestID:      ev.RequestID,
		ConversationID: ev.ConversationID,
		Delta:          ev.Delta,
		ToolName:       ev.Name,
		ToolStatus:     string(ev.Status),
		Round:          int32(ev.Round),
		Error:          ev.Error,
		Model:          ev.Model,
	}

	if ev.Usage != nil {
		usage, err := structpb.NewStruct(map[string]interface{}{
			"prompt_tokens":     ev.Usage.PromptTokens,
			"completion_tokens": ev.Usage.CompletionTokens,
			"total_tokens":      ev.Usage.TotalTokens,
		})
		if err == nil {
			out.Usage = usage
		}
	}
	if ev.Cached != nil {
		out.Cached = *ev.Cached
	}
	if len(ev.Tools) > 0 {
		vals := make([]*structpb.Value, 0, len(ev.Tools))
		for _, t := range ev.Tools {
			v, err := structpb.NewValue(map[string]interface{}{
				"name":        t.Name,
				"status":      string(t.Status),
				"duration_ms": t.DurationMs,
			})
			if err != nil {
				continue
			}
			vals = append(vals, v)
		}
		out.Tools = &structpb.ListValue{Values: vals}
	}

	return out
}

// statusFromError maps the error taxonomy onto gRPC codes.
func statusFromError(err error) error {
	switch apperrors.KindOf(err) {
	case apperrors.KindInvalidRequest, apperrors.KindInvalidModel, apperrors.KindToolArgInvalid:
		return status.Error(codes.InvalidArgument, apperrors.SafeMessage(err))
	case apperrors.KindNotFound:
		return status.Error(codes.NotFound, apperrors.SafeMessage(err))
	case apperrors.KindRateLimited:
		return status.Error(codes.ResourceExhausted, apperrors.SafeMessage(err))
	case apperrors.KindUpstreamUnavailable, apperrors.KindModelUnavailable:
		return status.Error(codes.Unavailable, apperrors.SafeMessage(err))
	case apperrors.KindTimeout:
		return status.Error(codes.DeadlineExceeded, apperrors.SafeMessage(err))
	default:
		return status.Error(codes.Internal, apperrors.SafeMessage(err))
	}
}
