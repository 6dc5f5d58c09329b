package rpc

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"FlowWarden/internal/binding"
	"FlowWarden/internal/bridge"
	"FlowWarden/internal/decision"
	"FlowWarden/internal/flowtable"
	"FlowWarden/internal/logger"
	"FlowWarden/internal/model"
	"FlowWarden/internal/sink"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "flowwarden.v1.FlowService"

// FlowServiceServer is the control plane of a running engine. Requests and
// responses other than HealthCheck are protobuf Structs:
//
//	Snapshot        {view, limit}          -> {flows: [...]}
//	ResolveDeferred {id, allow}            -> {id, allow}
//	Lookup          {address}              -> {address, hostname, source}
//	History         {since, until, hostname, decision, limit} -> {flows: [...]}
type FlowServiceServer interface {
	HealthCheck(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)
	Snapshot(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResolveDeferred(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Lookup(context.Context, *structpb.Struct) (*structpb.Struct, error)
	History(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes FlowService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FlowServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		method("HealthCheck", func() *emptypb.Empty { return new(emptypb.Empty) },
			func(s FlowServiceServer, ctx context.Context, in *emptypb.Empty) (proto.Message, error) {
				return s.HealthCheck(ctx, in)
			}),
		structMethod("Snapshot", FlowServiceServer.Snapshot),
		structMethod("ResolveDeferred", FlowServiceServer.ResolveDeferred),
		structMethod("Lookup", FlowServiceServer.Lookup),
		structMethod("History", FlowServiceServer.History),
	},
	Metadata: "flowwarden/v1/flow_service.proto",
}

// RegisterFlowServiceServer registers srv on s.
func RegisterFlowServiceServer(s grpc.ServiceRegistrar, srv FlowServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func structMethod(name string, call func(FlowServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return method(name, func() *structpb.Struct { return new(structpb.Struct) },
		func(s FlowServiceServer, ctx context.Context, in *structpb.Struct) (proto.Message, error) {
			return call(s, ctx, in)
		})
}

func method[Req proto.Message](name string, newReq func() Req, call func(FlowServiceServer, context.Context, Req) (proto.Message, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(FlowServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(FlowServiceServer), ctx, req.(Req))
			})
		},
	}
}

// FlowReader is the read side of the flow table.
type FlowReader interface {
	Snapshot(pred func(model.Flow) bool) []model.Flow
}

// VerdictResolver answers deferred flows.
type VerdictResolver interface {
	ResolveDeferred(id uuid.UUID, allow bool) error
}

// BindingReader looks up address bindings.
type BindingReader interface {
	Record(addr netip.Addr) (binding.Record, bool)
}

// Options wires the service to the engine components. History may be nil.
type Options struct {
	Flows        FlowReader
	Verdicts     VerdictResolver
	Bindings     BindingReader
	History      sink.Querier
	DefaultLimit int
	Logger       logger.Logger
}

// Service implements FlowServiceServer on top of the engine components.
type Service struct {
	opts Options
	log  logger.Logger
}

func NewService(opts Options) *Service {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 100
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Service{opts: opts, log: log}
}

func (s *Service) HealthCheck(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error) {
	return wrapperspb.String("ok"), nil
}

func (s *Service) Snapshot(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	pred, err := flowtable.View(in.GetFields()["view"].GetStringValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return flowsResponse(flowtable.Newest(s.opts.Flows.Snapshot(pred), s.limit(in)))
}

func (s *Service) ResolveDeferred(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	fields := in.GetFields()
	id, err := uuid.Parse(fields["id"].GetStringValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid flow id: %v", err)
	}
	allow, ok := fields["allow"].GetKind().(*structpb.Value_BoolValue)
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "missing allow field")
	}

	if err := s.opts.Verdicts.ResolveDeferred(id, allow.BoolValue); err != nil {
		if errors.Is(err, decision.ErrUnknownFlow) {
			return nil, status.Error(codes.NotFound, err.Error())
		}
		return nil, status.Errorf(codes.Internal, "failed to resolve flow: %v", err)
	}
	s.log.Infof("deferred flow %s resolved over rpc, allow=%t", id, allow.BoolValue)
	return structpb.NewStruct(map[string]any{"id": id.String(), "allow": allow.BoolValue})
}

func (s *Service) Lookup(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	addr, err := netip.ParseAddr(in.GetFields()["address"].GetStringValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid address: %v", err)
	}
	rec, ok := s.opts.Bindings.Record(addr)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no binding for %s", addr)
	}
	return structpb.NewStruct(map[string]any{
		"address":  addr.Unmap().String(),
		"hostname": rec.Name,
		"source":   rec.Type.String(),
	})
}

func (s *Service) History(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.opts.History == nil {
		return nil, status.Error(codes.Unavailable, "flow history is not configured")
	}
	fields := in.GetFields()
	hq := sink.HistoryQuery{
		Hostname: fields["hostname"].GetStringValue(),
		Decision: fields["decision"].GetStringValue(),
		Limit:    s.limit(in),
	}
	var err error
	if hq.Since, err = parseTime(fields["since"].GetStringValue()); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid since: %v", err)
	}
	if hq.Until, err = parseTime(fields["until"].GetStringValue()); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid until: %v", err)
	}

	flows, err := s.opts.History.History(ctx, hq)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to query flows: %v", err)
	}
	return flowsResponse(flows)
}

func (s *Service) limit(in *structpb.Struct) int {
	if n := int(in.GetFields()["limit"].GetNumberValue()); n > 0 {
		return n
	}
	return s.opts.DefaultLimit
}

func flowsResponse(flows []model.Flow) (*structpb.Struct, error) {
	list := make([]*structpb.Value, 0, len(flows))
	for _, f := range flows {
		st, err := bridge.FlowStruct(f)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "failed to encode flow %s: %v", f.ID, err)
		}
		list = append(list, structpb.NewStructValue(st))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"flows": structpb.NewListValue(&structpb.ListValue{Values: list}),
	}}, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
