package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	grpcserver "github.com/and161185/authbridge/internal/server/grpc"
)

func Test_readBody(t *testing.T) {
	t.Parallel()

	b, err := readBody("", nil)
	if err != nil || string(b) != "{}" {
		t.Fatalf("empty: %q %v", b, err)
	}
	b, err = readBody("-", strings.NewReader(`{"a":1}`))
	if err != nil || string(b) != `{"a":1}` {
		t.Fatalf("stdin: %q %v", b, err)
	}
	p := filepath.Join(t.TempDir(), "body.json")
	if err := os.WriteFile(p, []byte(`{"f":true}`), 0o600); err != nil {
		t.Fatal(err)
	}
	b, err = readBody("@"+p, nil)
	if err != nil || string(b) != `{"f":true}` {
		t.Fatalf("file: %q %v", b, err)
	}
	if _, err := readBody("@"+p+".missing", nil); err == nil {
		t.Fatalf("want error on missing file")
	}
}

func Test_parseBody(t *testing.T) {
	t.Parallel()

	in, err := parseBody([]byte(`{"id":"svc-a","info":{"n":2}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if in.AsMap()["id"] != "svc-a" {
		t.Fatalf("mismatch: %v", in.AsMap())
	}
	for _, bad := range []string{`[1,2]`, `not-json`, `"str"`} {
		if _, err := parseBody([]byte(bad)); err == nil {
			t.Fatalf("want error on %s", bad)
		}
	}
}

func Test_describeError(t *testing.T) {
	t.Parallel()

	st, _ := status.New(codes.PermissionDenied, "no link").WithDetails(&errdetails.ErrorInfo{Reason: "FORBIDDEN", Domain: grpcserver.ErrorDomain})
	if got := describeError(st.Err()); got != "PermissionDenied (FORBIDDEN): no link" {
		t.Fatalf("got %q", got)
	}
	if got := describeError(status.Error(codes.Unavailable, "down")); got != "Unavailable: down" {
		t.Fatalf("got %q", got)
	}
}

// echoDesc answers Echo with the request plus the x-api-key it saw.
var echoDesc = grpc.ServiceDesc{
	ServiceName: grpcserver.ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Echo",
		Handler: func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			md, _ := metadata.FromIncomingContext(ctx)
			in.Fields["seen_key"] = structpb.NewStringValue(strings.Join(md.Get(grpcserver.APIKeyHeader), ","))
			return in, nil
		},
	}},
}

func Test_call_OverBufconn(t *testing.T) {
	t.Parallel()

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	gs.RegisterService(&echoDesc, struct{}{})
	go func() { _ = gs.Serve(lis) }()
	defer gs.Stop()

	ctx := context.Background()
	cc, err := dial(ctx, dialOptions{addr: "bufnet", plaintext: true, apiKey: "k-123"},
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cc.Close()

	in, _ := parseBody([]byte(`{"id":"svc-a"}`))
	out, err := call(ctx, cc, "Echo", in)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	m := out.AsMap()
	if m["id"] != "svc-a" || m["seen_key"] != "k-123" {
		t.Fatalf("echo mismatch: %v", m)
	}
	if !strings.Contains(render(out), "k-123") {
		t.Fatalf("render: %s", render(out))
	}

	_, err = call(ctx, cc, "Missing", in)
	if status.Code(err) != codes.Unimplemented {
		t.Fatalf("want Unimplemented, got %v", err)
	}
}

func Test_run_VersionAndUsage(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	if code := run([]string{"version"}, nil, &out); code != 0 || !strings.HasPrefix(out.String(), "abctl ") {
		t.Fatalf("version: %d %q", code, out.String())
	}
	if code := run(nil, nil, &out); code != 2 {
		t.Fatalf("no args must exit 2, got %d", code)
	}
	if code := run([]string{"Heartbeat", "[1]"}, nil, &out); code != 2 {
		t.Fatalf("bad body must exit 2, got %d", code)
	}
}
