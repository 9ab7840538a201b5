package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type client struct {
	base string
	http *http.Client
}

func (c *client) call(ctx context.Context, method, path, session, csrfToken string, body, out any) (int, error) {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, payload)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if session != "" {
		req.Header.Set("Authorization", "Session "+session)
	}
	if csrfToken != "" {
		req.Header.Set("X-CSRF-Token", csrfToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

// checkGRPCHealth asks the gRPC health service for the overall status.
func checkGRPCHealth(ctx context.Context, target string) error {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("status %s", resp.GetStatus())
	}
	return nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	c := &client{
		base: env("ROSTERLINE_SMOKE_URL", "http://localhost:8080"),
		http: &http.Client{Timeout: 5 * time.Second},
	}
	email := os.Getenv("ROSTERLINE_SMOKE_EMAIL")
	password := os.Getenv("ROSTERLINE_SMOKE_PASSWORD")
	if email == "" || password == "" {
		log.Fatal("ROSTERLINE_SMOKE_EMAIL and ROSTERLINE_SMOKE_PASSWORD are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if code, err := c.call(ctx, http.MethodGet, "/readyz", "", "", nil, nil); err != nil || code != http.StatusOK {
		log.Fatalf("readyz: status=%d err=%v", code, err)
	}

	// "-" skips the gRPC probe.
	if target := env("ROSTERLINE_SMOKE_GRPC_ADDR", "localhost:9090"); target != "-" {
		if err := checkGRPCHealth(ctx, target); err != nil {
			log.Fatalf("grpc health at %s: %v", target, err)
		}
	}

	var login struct {
		Session string `json:"session"`
		Handle  string `json:"handle"`
	}
	code, err := c.call(ctx, http.MethodPost, "/v1/auth/login", "", "", map[string]string{"email": email, "password": password}, &login)
	if err != nil || code != http.StatusOK {
		log.Fatalf("login: status=%d err=%v", code, err)
	}

	var sessions struct {
		Items []struct {
			Handle  string `json:"handle"`
			Current bool   `json:"current"`
		} `json:"items"`
	}
	if code, err := c.call(ctx, http.MethodGet, "/v1/auth/sessions", login.Session, "", nil, &sessions); err != nil || code != http.StatusOK {
		log.Fatalf("list sessions: status=%d err=%v", code, err)
	}
	found := false
	for _, s := range sessions.Items {
		if s.Handle == login.Handle && s.Current {
			found = true
		}
	}
	if !found {
		log.Fatalf("session %s missing from listing", login.Handle)
	}

	// State-changing calls without a token must be refused.
	if code, _ := c.call(ctx, http.MethodPost, "/v1/auth/logout", login.Session, "", nil, nil); code != http.StatusForbidden {
		log.Fatalf("logout without csrf token: expected 403, got %d", code)
	}

	var tok struct {
		Token string `json:"token"`
	}
	if code, err := c.call(ctx, http.MethodGet, "/v1/csrf-token", login.Session, "", nil, &tok); err != nil || code != http.StatusOK {
		log.Fatalf("csrf token: status=%d err=%v", code, err)
	}
	if code, err := c.call(ctx, http.MethodPost, "/v1/auth/logout", login.Session, tok.Token, nil, nil); err != nil || code != http.StatusNoContent {
		log.Fatalf("logout: status=%d err=%v", code, err)
	}
	if code, _ := c.call(ctx, http.MethodGet, "/v1/auth/sessions", login.Session, "", nil, nil); code != http.StatusUnauthorized {
		log.Fatalf("session still usable after logout: status=%d", code)
	}

	fmt.Printf("✅ rosterline smoke test passed: session handle=%s\n", login.Handle)
}
