// Package main provides a CI-friendly smoke test against a live relay endpoint.
//
// It validates:
//   - channel handshake + readiness announcement
//   - session set -> get roundtrip
//   - session delete reports prior existence
//   - setting set -> get -> delete roundtrip
//   - resource fetch (optional, skipped when -resource is empty)
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"atrium/internal/logging"
	"atrium/relay"
)

func main() {
	var (
		relayURL = flag.String("url", "ws://127.0.0.1:8080/relay", "Relay WebSocket URL")
		origin   = flag.String("origin", "http://localhost", "Allowed origin for inbound messages")
		setting  = flag.String("setting", "smoke-setting", "Setting key to roundtrip")
		resource = flag.String("resource", "", "Resource name to fetch (empty = skip)")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	level := "warn"
	if *verbose {
		level = "debug"
	}
	log := logging.NewLogger(level, "pretty")

	cfg := relay.DefaultConfig()
	cfg.RelayURL = strings.TrimSpace(*relayURL)
	cfg.AllowedOrigins = []string{strings.TrimSpace(*origin)}
	cfg.RequestTimeout = *timeout
	cfg.ResourceTimeout = *timeout
	if err := cfg.Validate(); err != nil {
		fatalf("invalid flags: %v", err)
	}

	root := context.Background()

	ch := relay.NewWSChannel(cfg, log)
	t, err := relay.NewTransport(cfg, ch, log, nil)
	if err != nil {
		fatalf("transport: %v", err)
	}

	client := relay.NewClient(t)
	if err := client.Start(root); err != nil {
		fatalf("connect: %v", err)
	}
	defer client.Stop()

	session := json.RawMessage(fmt.Sprintf(
		`{"token":"smoke-token-%d","token_expiration":%d,"user":{"id":"smoke-user"},"account":{"id":"smoke-account"}}`,
		time.Now().UnixNano(), time.Now().Add(time.Hour).Unix(),
	))

	mustSetSession(root, client, session, *timeout)
	mustGetSessionEquals(root, client, session, *timeout)
	mustDeleteSession(root, client, true, *timeout)
	mustGetSessionAbsent(root, client, *timeout)

	value := json.RawMessage(fmt.Sprintf(`{"n":%d}`, time.Now().UnixNano()))
	mustSetSetting(root, client, *setting, value, *timeout)
	mustGetSettingEquals(root, client, *setting, value, *timeout)
	mustDeleteSetting(root, client, *setting, *timeout)

	if strings.TrimSpace(*resource) != "" {
		mustGetResource(root, client, *resource, *timeout)
	}

	fmt.Printf("OK: url=%s setting=%s\n", cfg.RelayURL, *setting)
}

func mustSetSession(parent context.Context, c *relay.Client, session json.RawMessage, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	if err := c.SetSession(ctx, session); err != nil {
		fatalf("session.set: %v", err)
	}
}

func mustGetSessionEquals(parent context.Context, c *relay.Client, want json.RawMessage, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	got, err := c.GetSession(ctx)
	if err != nil {
		fatalf("session.get: %v", err)
	}
	if got == nil {
		fatalf("session.get: expected stored session, got none")
	}
	if !jsonEqual(got, want) {
		fatalf("session.get mismatch: got=%s want=%s", got, want)
	}
}

func mustGetSessionAbsent(parent context.Context, c *relay.Client, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	got, err := c.GetSession(ctx)
	if err != nil {
		fatalf("session.get after delete: %v", err)
	}
	if got != nil {
		fatalf("session.get after delete: expected none, got=%s", got)
	}
}

func mustDeleteSession(parent context.Context, c *relay.Client, wantExisted bool, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	existed, err := c.DeleteSession(ctx)
	if err != nil {
		fatalf("session.delete: %v", err)
	}
	if existed != wantExisted {
		fatalf("session.delete existed mismatch: got=%v want=%v", existed, wantExisted)
	}
}

func mustSetSetting(parent context.Context, c *relay.Client, key string, value json.RawMessage, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	if err := c.SetGlobalSetting(ctx, key, value); err != nil {
		fatalf("setting.set %q: %v", key, err)
	}
}

func mustGetSettingEquals(parent context.Context, c *relay.Client, key string, want json.RawMessage, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	got, err := c.GlobalSetting(ctx, key)
	if err != nil {
		fatalf("setting.get %q: %v", key, err)
	}
	if !jsonEqual(got, want) {
		fatalf("setting.get %q mismatch: got=%s want=%s", key, got, want)
	}
}

func mustDeleteSetting(parent context.Context, c *relay.Client, key string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	existed, err := c.DeleteGlobalSetting(ctx, key)
	if err != nil {
		fatalf("setting.delete %q: %v", key, err)
	}
	if !existed {
		fatalf("setting.delete %q: expected existed=true", key)
	}
}

func mustGetResource(parent context.Context, c *relay.Client, name string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	res, err := c.GlobalResource(ctx, name, time.Minute)
	if err != nil {
		fatalf("resource.get %q: %v", name, err)
	}
	if len(res) == 0 {
		fatalf("resource.get %q: empty resource", name)
	}
}

// jsonEqual compares two JSON documents structurally, ignoring key order
// and whitespace.
func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	ab, _ := json.Marshal(av)
	bb, _ := json.Marshal(bv)
	return bytes.Equal(ab, bb)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
