package protocol

import (
	"testing"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/sark-gateway/sark/internal/domain/authz"
)

// vaultFileSet describes a small service the way a reflection endpoint
// would: one file, one service, unary and streaming methods.
func vaultFileSet() *descriptorpb.FileDescriptorSet {
	msg := func(name string) *descriptorpb.DescriptorProto {
		return &descriptorpb.DescriptorProto{
			Name: proto.String(name),
			Field: []*descriptorpb.FieldDescriptorProto{
				{
					Name:   proto.String("name"),
					Number: proto.Int32(1),
					Type:   descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(),
					Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
				},
				{
					Name:   proto.String("tags"),
					Number: proto.Int32(2),
					Type:   descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(),
					Label:  descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum(),
				},
			},
		}
	}
	return &descriptorpb.FileDescriptorSet{
		File: []*descriptorpb.FileDescriptorProto{{
			Name:    proto.String("vault/v1/vault.proto"),
			Package: proto.String("vault.v1"),
			Syntax:  proto.String("proto3"),
			MessageType: []*descriptorpb.DescriptorProto{
				msg("GetItemRequest"), msg("GetItemResponse"),
				msg("WatchRequest"), msg("WatchResponse"),
				msg("DeleteItemRequest"), msg("DeleteItemResponse"),
			},
			Service: []*descriptorpb.ServiceDescriptorProto{{
				Name: proto.String("VaultService"),
				Method: []*descriptorpb.MethodDescriptorProto{
					{
						Name:       proto.String("GetItem"),
						InputType:  proto.String(".vault.v1.GetItemRequest"),
						OutputType: proto.String(".vault.v1.GetItemResponse"),
					},
					{
						Name:            proto.String("Watch"),
						InputType:       proto.String(".vault.v1.WatchRequest"),
						OutputType:      proto.String(".vault.v1.WatchResponse"),
						ServerStreaming: proto.Bool(true),
					},
					{
						Name:       proto.String("DeleteItem"),
						InputType:  proto.String(".vault.v1.DeleteItemRequest"),
						OutputType: proto.String(".vault.v1.DeleteItemResponse"),
					},
				},
			}},
		}},
	}
}

func TestEnumerateMethods(t *testing.T) {
	files, err := protodesc.NewFiles(vaultFileSet())
	if err != nil {
		t.Fatalf("link: %v", err)
	}

	methods, err := enumerateMethods(files, []string{"vault.v1.VaultService"})
	if err != nil {
		t.Fatal(err)
	}
	if len(methods) != 3 {
		t.Fatalf("methods = %d, want 3", len(methods))
	}

	get, ok := methods["vault.v1.VaultService/GetItem"]
	if !ok {
		t.Fatalf("GetItem missing: %v", methods)
	}
	if get.streaming {
		t.Error("GetItem marked streaming")
	}
	if string(get.input.FullName()) != "vault.v1.GetItemRequest" {
		t.Errorf("input = %s", get.input.FullName())
	}

	if !methods["vault.v1.VaultService/Watch"].streaming {
		t.Error("Watch not marked streaming")
	}

	// Services not asked for are excluded.
	if _, err := enumerateMethods(files, []string{"other.Service"}); err == nil {
		t.Error("expected error for unknown service")
	}
}

func TestMessageSchema(t *testing.T) {
	files, err := protodesc.NewFiles(vaultFileSet())
	if err != nil {
		t.Fatal(err)
	}
	methods, err := enumerateMethods(files, []string{"vault.v1.VaultService"})
	if err != nil {
		t.Fatal(err)
	}

	schema := messageSchema(methods["vault.v1.VaultService/GetItem"].input)
	props := schema["properties"].(map[string]any)
	if props["name"].(map[string]any)["type"] != "string" {
		t.Errorf("name field = %+v", props["name"])
	}
	if props["tags"].(map[string]any)["repeated"] != true {
		t.Errorf("tags field = %+v", props["tags"])
	}
}

func TestGRPCAdapter_ValidateRequest(t *testing.T) {
	files, err := protodesc.NewFiles(vaultFileSet())
	if err != nil {
		t.Fatal(err)
	}
	methods, err := enumerateMethods(files, []string{"vault.v1.VaultService"})
	if err != nil {
		t.Fatal(err)
	}
	a := &GRPCAdapter{cfg: GRPCConfig{Limits: Limits{}.withDefaults()}, methods: methods}

	if err := a.ValidateRequest(Invocation{Capability: "vault.v1.VaultService/GetItem"}); err != nil {
		t.Errorf("unary method rejected: %v", err)
	}
	err = a.ValidateRequest(Invocation{Capability: "vault.v1.VaultService/Watch"})
	if authz.KindOf(err) != authz.KindValidation {
		t.Errorf("streaming method err = %v", err)
	}
	err = a.ValidateRequest(Invocation{Capability: "vault.v1.VaultService/Nope"})
	if authz.KindOf(err) != authz.KindNotFound {
		t.Errorf("unknown method err = %v", err)
	}
}

func TestGRPCSensitivity(t *testing.T) {
	tests := []struct {
		method string
		want   authz.Sensitivity
	}{
		{"GetItem", authz.SensitivityLow},
		{"DeleteItem", authz.SensitivityHigh},
		{"RotateToken", authz.SensitivityCritical},
		{"UpdateItem", authz.SensitivityMedium},
	}
	for _, tt := range tests {
		if got := grpcSensitivity(tt.method); got != tt.want {
			t.Errorf("grpcSensitivity(%s) = %s, want %s", tt.method, got, tt.want)
		}
	}
}
