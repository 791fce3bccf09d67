// Package rpc is the daemon's local control API: one gRPC service whose
// messages are protobuf well-known types, described by hand.
package rpc

import (
	"context"
	"errors"
	stdstrings "strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/msync/internal/backend"
	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/messaging"
	"github.com/matheus3301/msync/internal/model"
	"github.com/matheus3301/msync/internal/status"
	"github.com/matheus3301/msync/internal/store"
	intsync "github.com/matheus3301/msync/internal/sync"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "msync.v1.SyncService"

// Method names.
const (
	MethodGetStatus      = "GetStatus"
	MethodListGroups     = "ListGroups"
	MethodCreateGroup    = "CreateGroup"
	MethodSelectGroup    = "SelectGroup"
	MethodListMessages   = "ListMessages"
	MethodSendMessage    = "SendMessage"
	MethodEditMessage    = "EditMessage"
	MethodDeleteMessage  = "DeleteMessage"
	MethodRetryMessage   = "RetryMessage"
	MethodDiscardMessage = "DiscardMessage"
	MethodSendTyping     = "SendTyping"
	MethodSetNetwork     = "SetNetwork"
	MethodReconnect      = "Reconnect"
	MethodFlush          = "Flush"
	MethodSearchMessages = "SearchMessages"
	StreamWatchEvents    = "WatchEvents"
)

// Messaging is the facade surface the service drives.
type Messaging interface {
	LoadGroups(ctx context.Context) ([]model.Group, error)
	SelectGroup(ctx context.Context, groupID int64) ([]model.Message, error)
	SelectedGroup() (int64, bool)
	Messages() []model.Message
	TypingUsers() []string
	SendMessage(ctx context.Context, content string, opts intsync.SendOptions) (model.Message, error)
	EditMessage(ctx context.Context, id int64, content string) (model.Message, error)
	DeleteMessage(ctx context.Context, id int64) error
	RetryMessage(ctx context.Context, id int64) error
	DiscardMessage(id int64) error
	SendTypingIndicator(ctx context.Context, typing bool) error
	ConnectionStatus() status.ConnectionStatus
}

// Syncer is the part of the engine not exposed through the facade.
type Syncer interface {
	Flush(ctx context.Context) intsync.FlushResult
	Search(query string, groupID int64, limit int) ([]store.SearchResult, error)
	CreateGroup(ctx context.Context, name, description string, memberIDs []string) (model.Group, error)
}

// Network forces or releases the online signal.
type Network interface {
	Set(online bool)
	Release()
	Held() bool
	Online() bool
}

// Prober triggers an explicit connection attempt.
type Prober interface {
	Probe(ctx context.Context) bool
}

// SyncServer is the server API of msync.v1.SyncService.
type SyncServer interface {
	GetStatus(context.Context, *structpb.Struct) (proto.Message, error)
	ListGroups(context.Context, *structpb.Struct) (proto.Message, error)
	CreateGroup(context.Context, *structpb.Struct) (proto.Message, error)
	SelectGroup(context.Context, *structpb.Struct) (proto.Message, error)
	ListMessages(context.Context, *structpb.Struct) (proto.Message, error)
	SendMessage(context.Context, *structpb.Struct) (proto.Message, error)
	EditMessage(context.Context, *structpb.Struct) (proto.Message, error)
	DeleteMessage(context.Context, *structpb.Struct) (proto.Message, error)
	RetryMessage(context.Context, *structpb.Struct) (proto.Message, error)
	DiscardMessage(context.Context, *structpb.Struct) (proto.Message, error)
	SendTyping(context.Context, *structpb.Struct) (proto.Message, error)
	SetNetwork(context.Context, *structpb.Struct) (proto.Message, error)
	Reconnect(context.Context, *structpb.Struct) (proto.Message, error)
	Flush(context.Context, *structpb.Struct) (proto.Message, error)
	SearchMessages(context.Context, *structpb.Struct) (proto.Message, error)
	WatchEvents(*structpb.Struct, grpc.ServerStream) error
}

func unary(name string, call func(SyncServer, context.Context, *structpb.Struct) (proto.Message, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SyncServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(SyncServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes msync.v1.SyncService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SyncServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodGetStatus, SyncServer.GetStatus),
		unary(MethodListGroups, SyncServer.ListGroups),
		unary(MethodCreateGroup, SyncServer.CreateGroup),
		unary(MethodSelectGroup, SyncServer.SelectGroup),
		unary(MethodListMessages, SyncServer.ListMessages),
		unary(MethodSendMessage, SyncServer.SendMessage),
		unary(MethodEditMessage, SyncServer.EditMessage),
		unary(MethodDeleteMessage, SyncServer.DeleteMessage),
		unary(MethodRetryMessage, SyncServer.RetryMessage),
		unary(MethodDiscardMessage, SyncServer.DiscardMessage),
		unary(MethodSendTyping, SyncServer.SendTyping),
		unary(MethodSetNetwork, SyncServer.SetNetwork),
		unary(MethodReconnect, SyncServer.Reconnect),
		unary(MethodFlush, SyncServer.Flush),
		unary(MethodSearchMessages, SyncServer.SearchMessages),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    StreamWatchEvents,
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(SyncServer).WatchEvents(in, stream)
			},
		},
	},
	Metadata: "msync/v1/sync.proto",
}

// Register adds the service to s.
func Register(s *grpc.Server, srv SyncServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Service implements SyncServer.
type Service struct {
	profile string
	msg     Messaging
	sync    Syncer
	net     Network
	prober  Prober
	bus     *bus.Bus
	logger  *zap.Logger
}

// Deps are the service's collaborators. Network and Prober may be nil.
type Deps struct {
	Profile   string
	Messaging Messaging
	Syncer    Syncer
	Network   Network
	Prober    Prober
	Bus       *bus.Bus
	Logger    *zap.Logger
}

func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Service{
		profile: d.Profile,
		msg:     d.Messaging,
		sync:    d.Syncer,
		net:     d.Network,
		prober:  d.Prober,
		bus:     d.Bus,
		logger:  d.Logger,
	}
}

// toStatus maps domain errors onto gRPC codes.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, messaging.ErrNoGroupSelected):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, messaging.ErrEmptyContent):
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, messaging.ErrShutdown):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	case errors.Is(err, intsync.ErrNotFound), backend.IsNotFound(err):
		return grpcstatus.Error(codes.NotFound, err.Error())
	}
	var be *backend.Error
	if errors.As(err, &be) {
		if backend.IsPermanent(err) {
			return grpcstatus.Error(codes.FailedPrecondition, err.Error())
		}
		return grpcstatus.Error(codes.Unavailable, err.Error())
	}
	return grpcstatus.Error(codes.Internal, err.Error())
}

func requireID(req *structpb.Struct, key string) (int64, error) {
	id, ok, err := Int64Field(req, key)
	if err != nil {
		return 0, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	if !ok {
		return 0, grpcstatus.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	return id, nil
}

func (s *Service) GetStatus(_ context.Context, _ *structpb.Struct) (proto.Message, error) {
	v := map[string]any{
		"profile":    s.profile,
		"connection": statusValue(s.msg.ConnectionStatus()),
	}
	if id, ok := s.msg.SelectedGroup(); ok {
		v["selected_group"] = idString(id)
	}
	if s.net != nil {
		v["network"] = map[string]any{"online": s.net.Online(), "forced": s.net.Held()}
	}
	return newStruct(v)
}

func (s *Service) ListGroups(ctx context.Context, _ *structpb.Struct) (proto.Message, error) {
	groups, err := s.msg.LoadGroups(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{"groups": groupList(groups)})
}

func (s *Service) CreateGroup(ctx context.Context, req *structpb.Struct) (proto.Message, error) {
	name := stdstrings.TrimSpace(stringField(req, "name"))
	if name == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "name is required")
	}
	g, err := s.sync.CreateGroup(ctx, name, stringField(req, "description"), stringList(req, "member_ids"))
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{"group": groupValue(g)})
}

func (s *Service) SelectGroup(ctx context.Context, req *structpb.Struct) (proto.Message, error) {
	id, err := requireID(req, "group_id")
	if err != nil {
		return nil, err
	}
	msgs, err := s.msg.SelectGroup(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{"group_id": idString(id), "messages": messageList(msgs)})
}

func (s *Service) ListMessages(_ context.Context, _ *structpb.Struct) (proto.Message, error) {
	id, ok := s.msg.SelectedGroup()
	if !ok {
		return nil, toStatus(messaging.ErrNoGroupSelected)
	}
	return newStruct(map[string]any{
		"group_id": idString(id),
		"messages": messageList(s.msg.Messages()),
		"typing":   stringValues(s.msg.TypingUsers()),
	})
}

func (s *Service) SendMessage(ctx context.Context, req *structpb.Struct) (proto.Message, error) {
	opts := intsync.SendOptions{MessageType: model.MessageType(stringField(req, "message_type"))}
	replyTo, ok, err := Int64Field(req, "reply_to_id")
	if err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	if ok {
		opts.ReplyToID = &replyTo
	}
	m, err := s.msg.SendMessage(ctx, stringField(req, "content"), opts)
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{"message": messageValue(m)})
}

func (s *Service) EditMessage(ctx context.Context, req *structpb.Struct) (proto.Message, error) {
	id, err := requireID(req, "id")
	if err != nil {
		return nil, err
	}
	m, err := s.msg.EditMessage(ctx, id, stringField(req, "content"))
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{"message": messageValue(m)})
}

func (s *Service) DeleteMessage(ctx context.Context, req *structpb.Struct) (proto.Message, error) {
	id, err := requireID(req, "id")
	if err != nil {
		return nil, err
	}
	if err := s.msg.DeleteMessage(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) RetryMessage(ctx context.Context, req *structpb.Struct) (proto.Message, error) {
	id, err := requireID(req, "id")
	if err != nil {
		return nil, err
	}
	if err := s.msg.RetryMessage(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) DiscardMessage(_ context.Context, req *structpb.Struct) (proto.Message, error) {
	id, err := requireID(req, "id")
	if err != nil {
		return nil, err
	}
	if err := s.msg.DiscardMessage(id); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) SendTyping(ctx context.Context, req *structpb.Struct) (proto.Message, error) {
	typing, _ := boolField(req, "typing")
	if err := s.msg.SendTypingIndicator(ctx, typing); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// SetNetwork forces the online signal with {online: bool}, or hands it back
// to the watcher with {auto: true}.
func (s *Service) SetNetwork(_ context.Context, req *structpb.Struct) (proto.Message, error) {
	if s.net == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "network watcher not configured")
	}
	if auto, _ := boolField(req, "auto"); auto {
		s.net.Release()
		return &emptypb.Empty{}, nil
	}
	online, ok := boolField(req, "online")
	if !ok {
		return nil, grpcstatus.Error(codes.InvalidArgument, "online or auto is required")
	}
	s.net.Set(online)
	return &emptypb.Empty{}, nil
}

func (s *Service) Reconnect(ctx context.Context, _ *structpb.Struct) (proto.Message, error) {
	if s.prober == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "connection not configured")
	}
	ran := s.prober.Probe(ctx)
	return newStruct(map[string]any{"probed": ran, "connection": statusValue(s.msg.ConnectionStatus())})
}

func (s *Service) Flush(ctx context.Context, _ *structpb.Struct) (proto.Message, error) {
	res := s.sync.Flush(ctx)
	return newStruct(map[string]any{
		"sent":    float64(res.Sent),
		"failed":  float64(res.Failed),
		"retried": float64(res.Retried),
		"skipped": float64(res.Skipped),
	})
}

func (s *Service) SearchMessages(_ context.Context, req *structpb.Struct) (proto.Message, error) {
	query := stringField(req, "query")
	if stdstrings.TrimSpace(query) == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "query is required")
	}
	groupID, _, err := Int64Field(req, "group_id")
	if err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	limit := int(req.GetFields()["limit"].GetNumberValue())
	results, err := s.sync.Search(query, groupID, limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{"results": searchList(results)})
}

// WatchEvents streams bus events whose kind starts with one of the
// requested prefixes, or every event when none are given.
func (s *Service) WatchEvents(req *structpb.Struct, stream grpc.ServerStream) error {
	prefixes := stringList(req, "kinds")
	sub := s.bus.Subscribe("", 256)
	defer sub.Close()

	for {
		select {
		case evt := <-sub.C:
			if !matches(evt.Kind, prefixes) {
				continue
			}
			env, err := newStruct(map[string]any{
				"event_id":       uuid.NewString(),
				"profile":        s.profile,
				"kind":           evt.Kind,
				"occurred_at_ms": millis(evt.Timestamp),
				"payload":        eventValue(evt),
			})
			if err != nil {
				s.logger.Error("failed to encode event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(env); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func matches(kind string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if stdstrings.HasPrefix(kind, p) {
			return true
		}
	}
	return false
}
