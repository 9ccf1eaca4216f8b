// ABOUTME: Operator subcommands for coven-relay: init, health, presence, and token
// ABOUTME: Talk to a running relay over HTTP or act on the local config file

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/gateway"
)

const requestTimeout = 10 * time.Second

// tokenPath is where `token --save` stores the operator token.
func tokenPath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "token")
}

// baseURL derives the relay's HTTP address from the config.
func baseURL(cfg *config.Config) string {
	if cfg.Tailscale.Enabled {
		return "http://" + cfg.Tailscale.Hostname
	}
	host, port, err := net.SplitHostPort(cfg.Server.HTTPAddr)
	if err != nil {
		return "http://" + cfg.Server.HTTPAddr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// resolveBaseURL returns --url when given, otherwise the address from the config.
func resolveBaseURL(urlFlag, configFlag string) (string, error) {
	if urlFlag != "" {
		return strings.TrimSuffix(urlFlag, "/"), nil
	}
	cfg, err := loadConfig(getConfigPath(configFlag), configFlag != "")
	if err != nil {
		return "", err
	}
	return baseURL(cfg), nil
}

func runInit(args []string, stdout io.Writer) error {
	flags := pflag.NewFlagSet("init", pflag.ContinueOnError)
	configFlag := flags.StringP("config", "c", "", "path to write the config file")
	force := flags.Bool("force", false, "overwrite an existing config file")
	if err := flags.Parse(args); err != nil {
		return err
	}

	configPath := getConfigPath(*configFlag)
	if _, err := os.Stat(configPath); err == nil && !*force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", configPath)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}

	cfg := config.Default()
	cfg.Auth.JWTSecret = base64.StdEncoding.EncodeToString(secret)

	if err := config.Write(configPath, cfg); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Fprintf(stdout, "  ✓ Created config: %s\n", configPath)
	fmt.Fprintf(stdout, "  Database: %s\n", cfg.Database.Path)
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "To start the server:")
	fmt.Fprintln(stdout, "  coven-relay serve")
	return nil
}

func runHealth(ctx context.Context, args []string, stdout io.Writer) error {
	flags := pflag.NewFlagSet("health", pflag.ContinueOnError)
	configFlag := flags.StringP("config", "c", "", "path to config file")
	urlFlag := flags.String("url", "", "relay base URL (default: derived from config)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	base, err := resolveBaseURL(*urlFlag, *configFlag)
	if err != nil {
		return err
	}

	body, status, err := httpGet(ctx, base+"/health/ready", "")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("not ready: status %d: %s", status, strings.TrimSpace(string(body)))
	}

	fmt.Fprintln(stdout, strings.TrimSpace(string(body)))
	return nil
}

func runPresence(ctx context.Context, args []string, stdout io.Writer) error {
	flags := pflag.NewFlagSet("presence", pflag.ContinueOnError)
	configFlag := flags.StringP("config", "c", "", "path to config file")
	urlFlag := flags.String("url", "", "relay base URL (default: derived from config)")
	token := flags.String("token", "", "operator token (default: COVEN_RELAY_TOKEN or the saved token file)")
	role := flags.String("role", "", "only list sessions with this role (host or guest)")
	asJSON := flags.Bool("json", false, "print the raw JSON response")
	if err := flags.Parse(args); err != nil {
		return err
	}

	base, err := resolveBaseURL(*urlFlag, *configFlag)
	if err != nil {
		return err
	}

	bearer := *token
	if bearer == "" {
		bearer = os.Getenv("COVEN_RELAY_TOKEN")
	}
	if bearer == "" {
		if data, err := os.ReadFile(tokenPath(getConfigPath(*configFlag))); err == nil {
			bearer = strings.TrimSpace(string(data))
		}
	}

	endpoint := base + "/api/presence"
	if *role != "" {
		endpoint += "?role=" + *role
	}

	body, status, err := httpGet(ctx, endpoint, bearer)
	if err != nil {
		return fmt.Errorf("presence request failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("presence request failed: status %d: %s", status, strings.TrimSpace(string(body)))
	}

	if *asJSON {
		_, err := stdout.Write(body)
		return err
	}

	var resp gateway.PresenceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decoding presence response: %w", err)
	}
	printPresence(stdout, resp)
	return nil
}

func printPresence(w io.Writer, resp gateway.PresenceResponse) {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	cyan.Fprintf(w, "%d host(s), %d guest(s) online\n", resp.Hosts, resp.Guests)
	for _, s := range resp.Sessions {
		fmt.Fprintf(w, "  %-6s %-24s", s.Role, s.Identity)
		gray.Fprintf(w, " since %s\n", s.ConnectedAt.Local().Format(time.DateTime))
	}
}

func runToken(args []string, stdout io.Writer) error {
	flags := pflag.NewFlagSet("token", pflag.ContinueOnError)
	configFlag := flags.StringP("config", "c", "", "path to config file")
	subject := flags.String("subject", "operator", "token subject")
	ttl := flags.Duration("ttl", 30*24*time.Hour, "token lifetime")
	save := flags.Bool("save", false, "also write the token next to the config file")
	if err := flags.Parse(args); err != nil {
		return err
	}

	configPath := getConfigPath(*configFlag)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured in %s", configPath)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(*subject, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	if *save {
		path := tokenPath(configPath)
		if err := os.WriteFile(path, []byte(token), 0600); err != nil {
			return fmt.Errorf("writing token file: %w", err)
		}
		color.New(color.FgGreen).Fprintf(os.Stderr, "  ✓ Saved token: %s\n", path)
	}

	fmt.Fprintln(stdout, token)
	return nil
}

func httpGet(ctx context.Context, url, bearer string) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	return body, resp.StatusCode, nil
}
