// Command c8ylp bridges native TCP clients (ssh, scp, vnc, rdp, …) to a
// device reachable only through the Cumulocity remote-access cloud gateway.
// Grounded on the teacher's cmd/aztunnel package: same cobra root command,
// --log-level/--metrics-addr plumbing, and newLogger/automemlimit wiring,
// generalized from Azure Relay verbs to server/connect/login (§6).
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	// Automatically set GOMEMLIMIT based on cgroup memory limits (container
	// or systemd MemoryMax=). If no cgroup limit is detected, GOMEMLIMIT is
	// left at the Go default.
	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/spf13/cobra"

	"github.com/philsphicas/c8ylp/internal/supervisor"
)

var version = "dev"

func init() {
	_, _ = memlimit.SetGoMemLimitWithOpts(memlimit.WithLogger(nil))
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "c8ylp",
		Short:        "Cumulocity remote-access local proxy",
		Long:         "Bridge native TCP clients to a device through the Cumulocity remote-access cloud gateway.",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("metrics-addr", "", "address for Prometheus metrics server (e.g. :9090); disabled if empty")
	rootCmd.PersistentFlags().Int("metrics-max-devices", 500, "max unique device labels in metrics (0 = unlimited)")

	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(connectCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

// usageError marks a configuration problem detected before any network
// call — maps to exit code 2 (§6), distinct from a runtime failure.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func newUsageError(format string, a ...any) error {
	return &usageError{err: fmt.Errorf(format, a...)}
}

// statusError carries a resolved supervisor.ExitStatus out of RunE so main
// can map it to the exact exit code table in §6.
type statusError struct {
	status supervisor.ExitStatus
}

func (e *statusError) Error() string { return string(e.status) }

func exitCodeFor(err error) int {
	var usage *usageError
	if errors.As(err, &usage) {
		return 2
	}
	var se *statusError
	if errors.As(err, &se) {
		switch se.status {
		case supervisor.StatusOK:
			return 0
		case supervisor.StatusAuthFailed:
			return 3
		case supervisor.StatusDeviceNotFound:
			return 4
		case supervisor.StatusPortInUse:
			return 5
		case supervisor.StatusTunnelUnavailable:
			return 6
		case supervisor.StatusCancelled:
			return 130
		default:
			return 1
		}
	}
	return 1
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
