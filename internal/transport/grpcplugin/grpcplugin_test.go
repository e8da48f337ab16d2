package grpcplugin

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"

	"github.com/flowcore/runtime/internal/domain"
	"github.com/flowcore/runtime/internal/transport"
)

// fakeServer implements the hand-rolled "flowcore.Runtime/Invoke" method
// directly against grpc.Server, standing in for a real peer runtime.
type fakeServer struct {
	reply *wireResponse
}

func (s *fakeServer) invoke(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	var req wireRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	return s.reply, nil
}

func startFakeGRPCServer(t *testing.T, reply *wireResponse) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	impl := &fakeServer{reply: reply}
	desc := &grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Invoke", Handler: impl.invoke},
		},
	}

	gs := grpc.NewServer()
	gs.RegisterService(desc, impl)
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	return lis.Addr().String()
}

func TestClientServerInvokeRoundTrip(t *testing.T) {
	addr := startFakeGRPCServer(t, &wireResponse{
		Response: &domain.InvokeResponse{RequestID: "req-1", Output: []byte(`{"ok":true}`)},
	})

	plugin := Plugin{}
	client, err := plugin.Dial(context.Background(), transport.ClientConfig{
		Endpoint: addr, Insecure: true, Timeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	resp, err := client.Invoke(context.Background(), "Multiply", &domain.Envelope{Kind: domain.KindJSON})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.RequestID != "req-1" {
		t.Fatalf("expected request id req-1, got %q", resp.RequestID)
	}
}

func TestClientInvokeAgainstUnreachableEndpointFails(t *testing.T) {
	plugin := Plugin{}
	client, err := plugin.Dial(context.Background(), transport.ClientConfig{
		Endpoint: "127.0.0.1:1", Insecure: true, Timeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if _, err := client.Invoke(ctx, "Multiply", &domain.Envelope{}); err == nil {
		t.Fatal("expected an error invoking against an unreachable endpoint")
	}
}

func TestPluginName(t *testing.T) {
	if (Plugin{}).Name() != "grpc" {
		t.Fatalf("expected plugin name %q, got %q", "grpc", (Plugin{}).Name())
	}
}

func TestValidateConfigAcceptsAnyExtraConfig(t *testing.T) {
	if err := (Plugin{}).ValidateConfig(transport.ClientConfig{}); err != nil {
		t.Fatalf("expected no error for empty config, got %v", err)
	}
	if err := (Plugin{}).ValidateConfig(transport.ClientConfig{ExtraConfig: []byte(`{"anything":true}`)}); err != nil {
		t.Fatalf("expected no error for arbitrary extra_config, got %v", err)
	}
}

func TestHealthCheckReportsHealthyAgainstLiveServer(t *testing.T) {
	addr := startFakeGRPCServer(t, &wireResponse{Response: &domain.InvokeResponse{RequestID: "req-1"}})

	plugin := Plugin{}
	client, err := plugin.Dial(context.Background(), transport.ClientConfig{Endpoint: addr, Insecure: true})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	status, err := client.HealthCheck(ctx)
	if err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if !status.Healthy {
		t.Fatalf("expected healthy status against a live server, got reason %q", status.Reason)
	}
}

func TestHealthCheckReportsUnhealthyForUnreachableEndpoint(t *testing.T) {
	plugin := Plugin{}
	client, err := plugin.Dial(context.Background(), transport.ClientConfig{
		Endpoint: "127.0.0.1:1", Insecure: true,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	status, err := client.HealthCheck(ctx)
	if err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if status.Healthy {
		t.Fatal("expected an unreachable endpoint to report unhealthy once its connection attempt settles")
	}
	if status.Reason == "" {
		t.Fatal("expected a non-empty reason for an unhealthy report")
	}
}

func TestJSONCodecRoundTrip(t *testing.T) {
	c := jsonCodec{}
	req := wireRequest{NodeType: "Multiply", Envelope: &domain.Envelope{Kind: domain.KindJSON, Sequence: 7}}
	data, err := c.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got wireRequest
	if err := c.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.NodeType != "Multiply" || got.Envelope.Sequence != 7 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if c.Name() != codecName {
		t.Fatalf("expected codec name %q, got %q", codecName, c.Name())
	}
}
