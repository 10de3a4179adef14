package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection/grpc_reflection_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/sark-gateway/sark/internal/domain/authz"
	"github.com/sark-gateway/sark/internal/domain/tool"
)

// GRPCConfig configures one reflected gRPC backend.
type GRPCConfig struct {
	// Name identifies the resource in discovery results.
	Name   string
	Limits Limits
}

// grpcMethod is one reflected RPC.
type grpcMethod struct {
	service   string
	method    string
	input     protoreflect.MessageDescriptor
	output    protoreflect.MessageDescriptor
	streaming bool
}

// GRPCAdapter discovers services through the reflection API and invokes
// unary methods with dynamic messages. The caller owns the connection.
type GRPCAdapter struct {
	cfg  GRPCConfig
	conn *grpc.ClientConn

	mu      sync.RWMutex
	methods map[string]grpcMethod // "pkg.Service/Method"
}

// NewGRPCAdapter wraps an established client connection.
func NewGRPCAdapter(conn *grpc.ClientConn, cfg GRPCConfig) *GRPCAdapter {
	cfg.Limits = cfg.Limits.withDefaults()
	return &GRPCAdapter{cfg: cfg, conn: conn}
}

func (a *GRPCAdapter) ProtocolName() string    { return "grpc" }
func (a *GRPCAdapter) ProtocolVersion() string { return "h2" }

// DiscoverResources lists services via reflection and loads their file
// descriptors transitively.
func (a *GRPCAdapter) DiscoverResources(ctx context.Context) ([]ResourceSchema, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Limits.CallTimeout)
	defer cancel()

	stream, err := grpc_reflection_v1.NewServerReflectionClient(a.conn).ServerReflectionInfo(ctx)
	if err != nil {
		return nil, authz.NewError(authz.KindDownstreamUnavailable, err.Error())
	}
	defer func() { _ = stream.CloseSend() }()

	services, err := listServices(stream)
	if err != nil {
		return nil, err
	}
	files, err := fileClosure(stream, services)
	if err != nil {
		return nil, err
	}
	methods, err := enumerateMethods(files, services)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.methods = methods
	a.mu.Unlock()

	resources := make([]ResourceSchema, 0, len(services))
	for _, svc := range services {
		resources = append(resources, ResourceSchema{
			Name:     svc,
			Protocol: a.ProtocolName(),
			Endpoint: a.conn.Target(),
		})
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i].Name < resources[j].Name })
	return resources, nil
}

// GetCapabilities returns one capability per method of the named service.
func (a *GRPCAdapter) GetCapabilities(ctx context.Context, resource string) ([]CapabilitySchema, error) {
	methods, err := a.methodTable(ctx)
	if err != nil {
		return nil, err
	}
	var caps []CapabilitySchema
	for name, m := range methods {
		if m.service != resource {
			continue
		}
		caps = append(caps, CapabilitySchema{
			Name:            name,
			Description:     fmt.Sprintf("RPC %s on %s", m.method, m.service),
			InputSchema:     messageSchema(m.input),
			SensitivityHint: grpcSensitivity(m.method),
			Metadata: map[string]any{
				"input_type":  string(m.input.FullName()),
				"output_type": string(m.output.FullName()),
				"streaming":   m.streaming,
			},
		})
	}
	if len(caps) == 0 {
		return nil, authz.NewError(authz.KindNotFound, fmt.Sprintf("unknown service %q", resource))
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i].Name < caps[j].Name })
	return caps, nil
}

// ValidateRequest checks the method exists and is unary.
func (a *GRPCAdapter) ValidateRequest(inv Invocation) error {
	a.mu.RLock()
	m, ok := a.methods[inv.Capability]
	a.mu.RUnlock()
	if !ok {
		return authz.NewError(authz.KindNotFound, fmt.Sprintf("unknown method %q", inv.Capability))
	}
	if m.streaming {
		return authz.NewError(authz.KindValidation,
			fmt.Sprintf("method %q streams; only unary calls are supported", inv.Capability))
	}
	return nil
}

// Invoke performs one unary call with a dynamically constructed message.
func (a *GRPCAdapter) Invoke(ctx context.Context, inv Invocation) (InvocationResult, error) {
	start := time.Now()
	if err := a.ValidateRequest(inv); err != nil {
		return InvocationResult{}, err
	}
	payload, err := checkPayloadSize(inv.Parameters, a.cfg.Limits.MaxPayloadBytes)
	if err != nil {
		return InvocationResult{}, err
	}
	a.mu.RLock()
	m := a.methods[inv.Capability]
	a.mu.RUnlock()

	in := dynamicpb.NewMessage(m.input)
	if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(payload, in); err != nil {
		return InvocationResult{}, authz.NewError(authz.KindValidation,
			fmt.Sprintf("parameters do not match %s: %v", m.input.FullName(), err))
	}
	out := dynamicpb.NewMessage(m.output)

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Limits.CallTimeout)
	defer cancel()

	err = a.conn.Invoke(ctx, "/"+m.service+"/"+m.method, in, out)
	duration := time.Since(start)
	if err != nil {
		st, _ := status.FromError(err)
		return InvocationResult{
			Success:  false,
			Error:    st.Message(),
			Duration: duration,
			Metadata: map[string]any{"grpc_code": st.Code().String()},
		}, nil
	}

	rendered, err := protojson.Marshal(out)
	if err != nil {
		return InvocationResult{}, fmt.Errorf("render response: %w", err)
	}
	var result map[string]any
	_ = json.Unmarshal(rendered, &result)
	return InvocationResult{
		Success:  true,
		Result:   result,
		Duration: duration,
		Metadata: map[string]any{"grpc_code": codes.OK.String()},
	}, nil
}

// HealthCheck uses the standard health service, treating Unimplemented as
// healthy as long as reflection answers.
func (a *GRPCAdapter) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Limits.CallTimeout)
	defer cancel()
	resp, err := grpc_health_v1.NewHealthClient(a.conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		if status.Code(err) == codes.Unimplemented {
			_, err := a.DiscoverResources(ctx)
			return err
		}
		return authz.NewError(authz.KindDownstreamUnavailable, err.Error())
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return authz.NewError(authz.KindDownstreamError,
			fmt.Sprintf("health status %s", resp.GetStatus()))
	}
	return nil
}

func (a *GRPCAdapter) Close() error { return a.conn.Close() }

func (a *GRPCAdapter) methodTable(ctx context.Context) (map[string]grpcMethod, error) {
	a.mu.RLock()
	methods := a.methods
	a.mu.RUnlock()
	if methods != nil {
		return methods, nil
	}
	if _, err := a.DiscoverResources(ctx); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.methods, nil
}

type reflectionStream = grpc.BidiStreamingClient[grpc_reflection_v1.ServerReflectionRequest, grpc_reflection_v1.ServerReflectionResponse]

// listServices asks the reflection stream for service names, dropping the
// reflection and health services themselves.
func listServices(stream reflectionStream) ([]string, error) {
	resp, err := reflectionRoundTrip(stream, &grpc_reflection_v1.ServerReflectionRequest{
		MessageRequest: &grpc_reflection_v1.ServerReflectionRequest_ListServices{ListServices: ""},
	})
	if err != nil {
		return nil, err
	}
	var services []string
	for _, svc := range resp.GetListServicesResponse().GetService() {
		name := svc.GetName()
		if strings.HasPrefix(name, "grpc.reflection.") || strings.HasPrefix(name, "grpc.health.") {
			continue
		}
		services = append(services, name)
	}
	return services, nil
}

// fileClosure fetches the file descriptors for each service plus every
// transitive dependency, then links them.
func fileClosure(stream reflectionStream, services []string) (*protoregistry.Files, error) {
	protos := map[string]*descriptorpb.FileDescriptorProto{}

	collect := func(raw [][]byte) error {
		for _, b := range raw {
			fd := &descriptorpb.FileDescriptorProto{}
			if err := proto.Unmarshal(b, fd); err != nil {
				return fmt.Errorf("parse descriptor: %w", err)
			}
			protos[fd.GetName()] = fd
		}
		return nil
	}

	for _, svc := range services {
		resp, err := reflectionRoundTrip(stream, &grpc_reflection_v1.ServerReflectionRequest{
			MessageRequest: &grpc_reflection_v1.ServerReflectionRequest_FileContainingSymbol{
				FileContainingSymbol: svc,
			},
		})
		if err != nil {
			return nil, err
		}
		if err := collect(resp.GetFileDescriptorResponse().GetFileDescriptorProto()); err != nil {
			return nil, err
		}
	}

	// Chase missing imports until the set is closed.
	for {
		var missing []string
		for _, fd := range protos {
			for _, dep := range fd.GetDependency() {
				if _, ok := protos[dep]; !ok {
					missing = append(missing, dep)
				}
			}
		}
		if len(missing) == 0 {
			break
		}
		for _, dep := range missing {
			resp, err := reflectionRoundTrip(stream, &grpc_reflection_v1.ServerReflectionRequest{
				MessageRequest: &grpc_reflection_v1.ServerReflectionRequest_FileByFilename{
					FileByFilename: dep,
				},
			})
			if err != nil {
				return nil, err
			}
			if err := collect(resp.GetFileDescriptorResponse().GetFileDescriptorProto()); err != nil {
				return nil, err
			}
			if _, ok := protos[dep]; !ok {
				// Server cannot supply it; record a stub so the loop ends and
				// linking reports the gap.
				protos[dep] = &descriptorpb.FileDescriptorProto{Name: proto.String(dep)}
			}
		}
	}

	set := &descriptorpb.FileDescriptorSet{}
	for _, fd := range protos {
		set.File = append(set.File, fd)
	}
	files, err := protodesc.FileOptions{AllowUnresolvable: true}.NewFiles(set)
	if err != nil {
		return nil, fmt.Errorf("link descriptors: %w", err)
	}
	return files, nil
}

func reflectionRoundTrip(stream reflectionStream, req *grpc_reflection_v1.ServerReflectionRequest) (*grpc_reflection_v1.ServerReflectionResponse, error) {
	if err := stream.Send(req); err != nil {
		return nil, authz.NewError(authz.KindDownstreamUnavailable, err.Error())
	}
	resp, err := stream.Recv()
	if err == io.EOF {
		return nil, authz.NewError(authz.KindDownstreamUnavailable, "reflection stream closed")
	}
	if err != nil {
		return nil, authz.NewError(authz.KindDownstreamUnavailable, err.Error())
	}
	if e := resp.GetErrorResponse(); e != nil {
		return nil, authz.NewError(authz.KindDownstreamError,
			fmt.Sprintf("reflection error %d: %s", e.GetErrorCode(), e.GetErrorMessage()))
	}
	return resp, nil
}

// enumerateMethods walks the linked files and indexes every method of the
// requested services.
func enumerateMethods(files *protoregistry.Files, services []string) (map[string]grpcMethod, error) {
	want := map[string]bool{}
	for _, svc := range services {
		want[svc] = true
	}
	methods := map[string]grpcMethod{}
	files.RangeFiles(func(fd protoreflect.FileDescriptor) bool {
		svcs := fd.Services()
		for i := 0; i < svcs.Len(); i++ {
			svc := svcs.Get(i)
			if !want[string(svc.FullName())] {
				continue
			}
			ms := svc.Methods()
			for j := 0; j < ms.Len(); j++ {
				m := ms.Get(j)
				key := string(svc.FullName()) + "/" + string(m.Name())
				methods[key] = grpcMethod{
					service:   string(svc.FullName()),
					method:    string(m.Name()),
					input:     m.Input(),
					output:    m.Output(),
					streaming: m.IsStreamingClient() || m.IsStreamingServer(),
				}
			}
		}
		return true
	})
	if len(methods) == 0 {
		return nil, authz.NewError(authz.KindDownstreamError, "reflection returned no methods")
	}
	return methods, nil
}

// messageSchema renders a flat JSON-schema-ish view of a message's fields.
func messageSchema(md protoreflect.MessageDescriptor) map[string]any {
	props := map[string]any{}
	fields := md.Fields()
	for i := 0; i < fields.Len(); i++ {
		f := fields.Get(i)
		entry := map[string]any{"type": f.Kind().String()}
		if f.IsList() {
			entry["repeated"] = true
		}
		if f.Kind() == protoreflect.MessageKind && !f.IsMap() {
			entry["message"] = string(f.Message().FullName())
		}
		props[string(f.Name())] = entry
	}
	return map[string]any{"type": "object", "properties": props}
}

// grpcSensitivity hints from the method name keywords.
func grpcSensitivity(method string) authz.Sensitivity {
	return tool.Detect(method, "", nil)
}

var _ Adapter = (*GRPCAdapter)(nil)
