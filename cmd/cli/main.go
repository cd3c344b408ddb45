// Command cipherlog is a CLI client for the cipherlog sync service. All
// encryption happens here; the server stores ciphertext only.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/and161185/cipherlog/internal/rpc"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// conn holds the global connection flags.
type conn struct {
	addr      string
	caPath    string
	insecure  bool
	plaintext bool
	timeout   time.Duration
}

var global = conn{addr: "localhost:8443", timeout: 30 * time.Second}

// ---- config/token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "cipherlog")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "cipherlog")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tok string, exp time.Time) error {
	_ = os.MkdirAll(cfgDir(), 0o700)
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenFile{AccessToken: tok, ExpiresAt: exp})
}

func loadToken() (string, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return "", errors.New("no valid token (login required)")
	}
	return tf.AccessToken, nil
}

func dekPath() string { return filepath.Join(cfgDir(), "dek.bin") }

func saveDEK(dek []byte) error {
	_ = os.MkdirAll(cfgDir(), 0o700)
	return os.WriteFile(dekPath(), dek, 0o600)
}
func loadDEK() ([]byte, error) {
	return os.ReadFile(dekPath())
}

func saveUserID(uid string) error {
	_ = os.MkdirAll(cfgDir(), 0o700)
	return os.WriteFile(filepath.Join(cfgDir(), "user_id"), []byte(strings.TrimSpace(uid)), 0o600)
}
func loadUserID() (string, error) {
	b, err := os.ReadFile(filepath.Join(cfgDir(), "user_id"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// keyPairFile holds the X25519 pair that receives shared database keys.
// It is created by register and never leaves this machine.
type keyPairFile struct {
	Public  []byte `json:"public"`
	Private []byte `json:"private"`
}

func keyPairPath(username string) string {
	return filepath.Join(cfgDir(), "keys", strings.ToLower(strings.TrimSpace(username))+".json")
}

func saveKeyPair(username string, public, private *[32]byte) error {
	p := keyPairPath(username)
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return err
	}
	b, err := json.Marshal(keyPairFile{Public: public[:], Private: private[:]})
	if err != nil {
		return err
	}
	return os.WriteFile(p, b, 0o600)
}

func loadKeyPair(username string) (public, private *[32]byte, err error) {
	b, err := os.ReadFile(keyPairPath(username))
	if err != nil {
		return nil, nil, err
	}
	var kp keyPairFile
	if err := json.Unmarshal(b, &kp); err != nil {
		return nil, nil, err
	}
	if len(kp.Public) != 32 || len(kp.Private) != 32 {
		return nil, nil, errors.New("corrupt key pair file")
	}
	public, private = new([32]byte), new([32]byte)
	copy(public[:], kp.Public)
	copy(private[:], kp.Private)
	return public, private, nil
}

func usernamePath() string { return filepath.Join(cfgDir(), "username") }

// ---- grpc dial ----

type bearerCreds struct {
	token  string
	secure bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return b.secure }

func loadTLS(caPath string, insecure bool) (credentials.TransportCredentials, error) {
	if insecure {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

func dial(ctx context.Context, c conn, bearer string) (*grpc.ClientConn, *rpc.Client, error) {
	var creds credentials.TransportCredentials
	if c.plaintext {
		creds = insecure.NewCredentials()
	} else {
		var err error
		if creds, err = loadTLS(c.caPath, c.insecure); err != nil {
			return nil, nil, err
		}
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(17<<20), grpc.MaxCallSendMsgSize(17<<20)),
	}
	if bearer != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerCreds{token: bearer, secure: !c.plaintext}))
	}
	//nolint:staticcheck // DialContext is supported through 1.x; migrate when grpc.NewClient is stable
	cc, err := grpc.DialContext(ctx, c.addr, opts...)
	if err != nil {
		return nil, nil, err
	}
	return cc, rpc.NewClient(cc), nil
}

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func tsString(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}

// rpcError turns a status into "Name: message (code)".
func rpcError(err error) error {
	if s, ok := status.FromError(err); ok {
		return fmt.Errorf("%s (%s)", s.Message(), s.Code())
	}
	return err
}

func withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), global.timeout)
}

// ---- main ----

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cipherlog",
		Short:         "End-to-end encrypted sync client",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(fmt.Sprintf("cipherlog %s (%s)\n", version, buildDate))

	pf := root.PersistentFlags()
	pf.StringVar(&global.addr, "addr", global.addr, "server addr")
	pf.StringVar(&global.caPath, "cacert", "", "CA cert (PEM)")
	pf.BoolVar(&global.insecure, "insecure", false, "skip cert verify (dev)")
	pf.BoolVar(&global.plaintext, "plaintext", false, "connect without TLS (dev)")
	pf.DurationVar(&global.timeout, "timeout", global.timeout, "per-command timeout")

	root.AddCommand(
		newRegisterCmd(),
		newLoginCmd(),
		newPubkeyCmd(),
		newVerifyCmd(),
		newDBCmd(),
		newPutCmd(),
		newRmCmd(),
		newListCmd(),
		newWatchCmd(),
		newUploadCmd(),
		newDownloadCmd(),
		newAddLoginCmd(),
		newAddTextCmd(),
		newAddCardCmd(),
		newAddOTPCmd(),
		newShowCmd(),
	)
	return root
}

// main dispatches subcommands and configures TLS/auth for RPC calls.
func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", rpcError(err))
		os.Exit(1)
	}
}
