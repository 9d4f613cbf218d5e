package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/philsphicas/c8ylp/internal/metrics"
	"github.com/philsphicas/c8ylp/internal/resolver"
	"github.com/philsphicas/c8ylp/internal/tunnel"
)

// secondsToDuration converts a seconds value (0 = disabled) to a
// time.Duration, preserving the "0 disables" convention through to
// supervisor.Config's IdleTimeout/PingInterval.
func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

// addCoreFlags adds the options shared by every subcommand that resolves a
// tunnel (§6's CLI surface table).
func addCoreFlags(cmd *cobra.Command) {
	cmd.Flags().String("host", "", "base URL of the remote-access cloud (required)")
	cmd.Flags().String("tenant", "", "tenant id; discovered automatically when absent")
	cmd.Flags().String("user", "", "login user (interactive login)")
	cmd.Flags().String("password", "", "login password (interactive login)")
	cmd.Flags().String("tfa-code", "", "two-factor authentication code (interactive login)")
	cmd.Flags().String("token", "", "bearer token; bypasses login")
	cmd.Flags().String("external-type", resolver.DefaultExternalType, "identity namespace for device lookup")
	cmd.Flags().String("config", resolver.DefaultConfiguration, "remote-access configuration name")
	cmd.Flags().Int("port", 0, "local bind port (0 = ephemeral)")
	cmd.Flags().Int("ping-interval", 0, "WS keepalive interval in seconds (0 = disabled)")
	cmd.Flags().Int("tcp-size", 4096, "uplink read chunk size in bytes (1024..8290304)")
	cmd.Flags().Int("tcp-timeout", 0, "idle deadline in seconds (0 = disabled)")
	cmd.Flags().Bool("ignore-ssl-validate", false, "disable TLS peer verification")
	cmd.Flags().Bool("verbose", false, "raise log verbosity to debug")
}

// coreConfig is the parsed, validated form of addCoreFlags' options plus the
// positional device identity every subcommand also requires.
type coreConfig struct {
	resolveReq    resolver.Request
	localEndpoint tunnel.LocalEndpoint
	mode          tunnel.Mode
	chunkSize     int
	idleTimeout   int // seconds; 0 disables
	pingInterval  int // seconds; 0 disables
	logger        *slog.Logger
}

func resolveCoreConfig(cmd *cobra.Command, deviceIdentity string) (*coreConfig, error) {
	host, err := resolveRequiredString(cmd, "host", "C8Y_HOST", "C8YLP_HOST")
	if err != nil {
		return nil, newUsageError("%w", err)
	}

	tenant := resolveString(cmd, "tenant", "C8Y_TENANT")
	user := resolveString(cmd, "user", "C8Y_USER")
	password := resolveString(cmd, "password", "C8Y_PASSWORD")
	tfaCode := resolveString(cmd, "tfa-code", "C8Y_TFA_CODE")
	token := resolveString(cmd, "token", "C8Y_TOKEN")
	externalType := resolveString(cmd, "external-type", "C8YLP_EXTERNAL_TYPE")
	configName := resolveString(cmd, "config", "C8YLP_CONFIG")

	port, err := resolveIntFlag(cmd, "port", "C8YLP_PORT")
	if err != nil {
		return nil, newUsageError("--port: %w", err)
	}
	if port < 0 || port > 65535 {
		return nil, newUsageError("--port must be in 0..65535, got %d", port)
	}

	tcpSize, err := resolveIntFlag(cmd, "tcp-size", "C8YLP_TCP_SIZE")
	if err != nil {
		return nil, newUsageError("--tcp-size: %w", err)
	}
	if tcpSize < 1024 || tcpSize > 8290304 {
		return nil, newUsageError("--tcp-size must be in 1024..8290304, got %d", tcpSize)
	}

	tcpTimeout, err := resolveIntFlag(cmd, "tcp-timeout", "C8YLP_TCP_TIMEOUT")
	if err != nil {
		return nil, newUsageError("--tcp-timeout: %w", err)
	}
	pingInterval, err := resolveIntFlag(cmd, "ping-interval", "C8YLP_PING_INTERVAL")
	if err != nil {
		return nil, newUsageError("--ping-interval: %w", err)
	}

	ignoreSSL := resolveBoolFlag(cmd, "ignore-ssl-validate", "C8YLP_IGNORE_SSL_VALIDATE")
	verbose := resolveBoolFlag(cmd, "verbose", "C8YLP_VERBOSE")

	logLevel, _ := cmd.Flags().GetString("log-level")
	if verbose {
		logLevel = "debug"
	}

	return &coreConfig{
		resolveReq: resolver.Request{
			Host:   host,
			Tenant: tenant,
			Credentials: resolver.Credentials{
				Token:    token,
				Tenant:   tenant,
				User:     user,
				Password: password,
				TFACode:  tfaCode,
			},
			ExternalIdentity:     deviceIdentity,
			ExternalIdentityType: externalType,
			Configuration:        configName,
			InsecureSkipVerify:   ignoreSSL,
		},
		localEndpoint: tunnel.LocalEndpoint{BindAddress: "127.0.0.1", Port: port},
		chunkSize:     tcpSize,
		idleTimeout:   tcpTimeout,
		pingInterval:  pingInterval,
		logger:        newLogger(logLevel),
	}, nil
}

// resolveString returns the flag value if explicitly set, else the first
// non-empty environment variable in envNames, else the flag's default.
// Flags win over env (§6).
func resolveString(cmd *cobra.Command, flag string, envNames ...string) string {
	if cmd.Flags().Changed(flag) {
		v, _ := cmd.Flags().GetString(flag)
		return v
	}
	for _, name := range envNames {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	v, _ := cmd.Flags().GetString(flag)
	return v
}

func resolveRequiredString(cmd *cobra.Command, flag string, envNames ...string) (string, error) {
	v := resolveString(cmd, flag, envNames...)
	if v == "" {
		return "", fmt.Errorf("--%s is required (or set %s)", flag, envNames[0])
	}
	return v, nil
}

// resolveIntFlag returns the flag value if explicitly set, else the first
// set environment variable among envNames parsed as an integer, else the
// flag's default.
func resolveIntFlag(cmd *cobra.Command, flag string, envNames ...string) (int, error) {
	if cmd.Flags().Changed(flag) {
		return cmd.Flags().GetInt(flag)
	}
	for _, name := range envNames {
		if v := os.Getenv(name); v != "" {
			var n int
			if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
				return 0, fmt.Errorf("invalid integer in %s: %q", name, v)
			}
			return n, nil
		}
	}
	return cmd.Flags().GetInt(flag)
}

func resolveBoolFlag(cmd *cobra.Command, flag string, envNames ...string) bool {
	if cmd.Flags().Changed(flag) {
		v, _ := cmd.Flags().GetBool(flag)
		return v
	}
	for _, name := range envNames {
		if v := os.Getenv(name); v != "" {
			return v == "1" || v == "true" || v == "TRUE"
		}
	}
	v, _ := cmd.Flags().GetBool(flag)
	return v
}

// resolveMetrics creates a Metrics instance and starts the HTTP server if
// --metrics-addr or C8YLP_METRICS_ADDR is set. Returns nil if metrics are
// disabled. Grounded on the teacher's resolveMetrics in cmd/aztunnel/main.go.
func resolveMetrics(ctx context.Context, cmd *cobra.Command, logger *slog.Logger) (*metrics.Metrics, error) {
	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		addr = os.Getenv("C8YLP_METRICS_ADDR")
	}
	if addr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen on %s: %w", addr, err)
	}
	m := metrics.New()
	maxDevices, _ := cmd.Flags().GetInt("metrics-max-devices")
	if maxDevices < 0 {
		return nil, fmt.Errorf("--metrics-max-devices must be >= 0, got %d", maxDevices)
	}
	m.MaxDevices = maxDevices
	go func() {
		if err := m.Serve(ctx, ln, logger); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return m, nil
}
