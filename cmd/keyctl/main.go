package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"e2ee-keys/internal/cryptocore"
	"e2ee-keys/internal/dto"

	"github.com/google/uuid"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "keypair":
		err = runKeypair(args)
	case "selftest":
		err = runSelftest(args)
	case "register":
		err = runRegister(args)
	case "rotate":
		err = runRotate(args)
	default:
		usage()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [options]\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  keypair    Generate a device RSA key pair locally")
	fmt.Fprintln(os.Stderr, "  selftest   Run the key service self test")
	fmt.Fprintln(os.Stderr, "  register   Register a device public key")
	fmt.Fprintln(os.Stderr, "  rotate     Rotate a conversation key")
	os.Exit(2)
}

func runKeypair(args []string) error {
	fs := flag.NewFlagSet("keypair", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	bits := fs.Int("bits", cryptocore.DefaultKeyBits, "RSA modulus size")
	out := fs.String("out", "", "directory to write device.pem and device.pub.pem (prints JSON when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	kp, err := cryptocore.GenerateKeyPair(*bits)
	if err != nil {
		return err
	}
	fp, err := cryptocore.Fingerprint(kp.PublicKeyPEM)
	if err != nil {
		return err
	}

	if *out == "" {
		return printJSON(map[string]any{
			"publicKey":   kp.PublicKeyPEM,
			"privateKey":  kp.PrivateKeyPEM,
			"fingerprint": fp,
			"bits":        kp.Bits,
		})
	}
	if err := os.MkdirAll(*out, 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(*out, "device.pem"), []byte(kp.PrivateKeyPEM), 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(*out, "device.pub.pem"), []byte(kp.PublicKeyPEM), 0o644); err != nil {
		return err
	}
	return printJSON(map[string]any{"dir": *out, "fingerprint": fp, "bits": kp.Bits})
}

func runSelftest(args []string) error {
	fs := flag.NewFlagSet("selftest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	baseURL := fs.String("base-url", getenv("KEYCTL_BASE_URL", "http://localhost:8085"), "key service base URL")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Get(strings.TrimRight(*baseURL, "/") + "/v1/selftest")
	if err != nil {
		return err
	}
	defer closeBody(resp)

	var report json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return err
	}
	if err := printJSON(report); err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("self test failed: %s", resp.Status)
	}
	return nil
}

type registerOpts struct {
	baseURL      string
	userID       string
	name         string
	platform     string
	publicKey    string
	capabilities string
	security     string
}

func runRegister(args []string) error {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var o registerOpts
	fs.StringVar(&o.baseURL, "base-url", getenv("KEYCTL_BASE_URL", "http://localhost:8085"), "key service base URL")
	fs.StringVar(&o.userID, "user", "", "user UUID (optional; generated if empty)")
	fs.StringVar(&o.name, "name", "keyctl", "device name")
	fs.StringVar(&o.platform, "platform", "cli", "device platform")
	fs.StringVar(&o.publicKey, "public-key", "", "path to a PEM public key (required)")
	fs.StringVar(&o.capabilities, "capabilities", "encryption", "comma separated capabilities")
	fs.StringVar(&o.security, "security-level", "", "low, medium, high or maximum")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if o.publicKey == "" {
		return fmt.Errorf("public-key is required (see keyctl keypair)")
	}
	pem, err := os.ReadFile(o.publicKey)
	if err != nil {
		return err
	}

	payload := dto.RegisterDeviceRequest{
		UserID:        strings.TrimSpace(o.userID),
		Name:          o.name,
		Platform:      o.platform,
		PublicKey:     string(pem),
		Capabilities:  strings.Split(o.capabilities, ","),
		SecurityLevel: o.security,
	}
	if payload.UserID == "" {
		payload.UserID = uuid.NewString()
	}

	var device json.RawMessage
	if err := postJSON(strings.TrimRight(o.baseURL, "/")+"/v1/devices", payload, &device); err != nil {
		return fmt.Errorf("register request failed: %w", err)
	}
	return printJSON(device)
}

func runRotate(args []string) error {
	fs := flag.NewFlagSet("rotate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	baseURL := fs.String("base-url", getenv("KEYCTL_BASE_URL", "http://localhost:8085"), "key service base URL")
	conversation := fs.String("conversation", "", "conversation UUID")
	reason := fs.String("reason", "admin", "rotation reason")
	initiator := fs.String("initiator", "", "initiating device UUID (optional)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := uuid.Parse(*conversation); err != nil {
		return fmt.Errorf("conversation must be a UUID")
	}

	payload := dto.RotateRequest{Reason: *reason, InitiatorDeviceID: *initiator}
	var result json.RawMessage
	endpoint := fmt.Sprintf("%s/v1/conversations/%s/rotate", strings.TrimRight(*baseURL, "/"), *conversation)
	if err := postJSON(endpoint, payload, &result); err != nil {
		return fmt.Errorf("rotate request failed: %w", err)
	}
	return printJSON(result)
}

// postJSON sends payload and decodes a 2xx response into out.
func postJSON(url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 30 * time.Second}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp)

	if resp.StatusCode >= 400 {
		var e dto.ErrorResponse
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		if len(data) == 0 {
			data = []byte(resp.Status)
		}
		return fmt.Errorf("%s", strings.TrimSpace(string(data)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func closeBody(resp *http.Response) {
	if cerr := resp.Body.Close(); cerr != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to close response body: %v\n", cerr)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
