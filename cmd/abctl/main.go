// Command abctl invokes authbridge RPCs with JSON bodies.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	grpcserver "github.com/and161185/authbridge/internal/server/grpc"
)

// ---- grpc dial ----

type apiKeyCreds struct {
	key    string
	secure bool
}

func (c apiKeyCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{grpcserver.APIKeyHeader: c.key}, nil
}
func (c apiKeyCreds) RequireTransportSecurity() bool { return c.secure }

type dialOptions struct {
	addr      string
	caPath    string
	insecure  bool
	plaintext bool
	apiKey    string
}

func loadTLS(o dialOptions) (credentials.TransportCredentials, error) {
	if o.plaintext {
		return insecure.NewCredentials(), nil
	}
	if o.insecure {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil //nolint:gosec // dev only
	}
	if o.caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(o.caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

func dial(ctx context.Context, o dialOptions, extra ...grpc.DialOption) (*grpc.ClientConn, error) {
	creds, err := loadTLS(o)
	if err != nil {
		return nil, err
	}
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, extra...)
	if o.apiKey != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(apiKeyCreds{key: o.apiKey, secure: !o.plaintext}))
	}
	//nolint:staticcheck // DialContext is supported through 1.x; migrate when grpc.NewClient is stable
	return grpc.DialContext(ctx, o.addr, opts...)
}

// ---- request/response ----

// readBody resolves the request argument: empty for none, "-" for stdin,
// "@path" for a file, anything else is literal JSON.
func readBody(arg string, stdin io.Reader) ([]byte, error) {
	switch {
	case arg == "":
		return []byte("{}"), nil
	case arg == "-":
		return io.ReadAll(stdin)
	case strings.HasPrefix(arg, "@"):
		return os.ReadFile(arg[1:])
	default:
		return []byte(arg), nil
	}
}

func parseBody(raw []byte) (*structpb.Struct, error) {
	in := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, in); err != nil {
		return nil, fmt.Errorf("request body must be a JSON object: %w", err)
	}
	return in, nil
}

func call(ctx context.Context, cc grpc.ClientConnInterface, method string, in *structpb.Struct) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, grpcserver.FullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func render(out *structpb.Struct) string {
	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(out)
	if err != nil {
		return out.String()
	}
	return string(b)
}

// describeError prints the status code and, when present, the authbridge reason.
func describeError(err error) string {
	st, ok := status.FromError(err)
	if !ok {
		return err.Error()
	}
	if r := grpcserver.Reason(err); r != "" {
		return fmt.Sprintf("%s (%s): %s", st.Code(), r, st.Message())
	}
	return fmt.Sprintf("%s: %s", st.Code(), st.Message())
}

func usage(fs *pflag.FlagSet) func() {
	return func() {
		fmt.Fprintf(os.Stderr, `abctl CLI
Usage:
  abctl [flags] <Method> [JSON | @file | -]

Examples:
  abctl Heartbeat
  abctl -k $ADMIN_KEY CreateService '{"id":"svc-a","name":"A","type":"ai"}'
  abctl -k $ADMIN_KEY LinkService '{"workspace_id":"ws1","issuer_id":"svc-a","audience_id":"svc-b"}'
  abctl -k $SVC_A_KEY IssueToken @issue.json

Flags:
%s`, fs.FlagUsages())
	}
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

func run(args []string, stdin io.Reader, stdout io.Writer) int {
	var o dialOptions
	var timeout time.Duration
	fs := pflag.NewFlagSet("abctl", pflag.ContinueOnError)
	fs.StringVar(&o.addr, "addr", "localhost:8443", "server addr")
	fs.StringVarP(&o.apiKey, "api-key", "k", os.Getenv("AUTHBRIDGE_API_KEY"), "API key sent as x-api-key")
	fs.StringVar(&o.caPath, "cacert", "", "CA cert (PEM)")
	fs.BoolVar(&o.insecure, "insecure", false, "skip cert verify (dev)")
	fs.BoolVar(&o.plaintext, "plaintext", false, "no TLS (dev)")
	fs.DurationVar(&timeout, "timeout", 30*time.Second, "call timeout")
	fs.Usage = usage(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		fs.Usage()
		return 2
	}
	method := fs.Arg(0)
	if method == "version" {
		fmt.Fprintf(stdout, "abctl %s (%s)\n", version, buildDate)
		return 0
	}

	raw, err := readBody(fs.Arg(1), stdin)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read body:", err)
		return 2
	}
	in, err := parseBody(raw)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	cc, err := dial(ctx, o)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dial:", err)
		return 1
	}
	defer cc.Close()

	out, err := call(ctx, cc, method, in)
	if err != nil {
		fmt.Fprintln(os.Stderr, describeError(err))
		return 1
	}
	fmt.Fprintln(stdout, render(out))
	return 0
}

func main() { os.Exit(run(os.Args[1:], os.Stdin, os.Stdout)) }
