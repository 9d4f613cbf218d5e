package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/philsphicas/c8ylp/internal/supervisor"
	"github.com/philsphicas/c8ylp/internal/tunnel"
)

// serverCmd implements the long-lived persistent-mode proxy: bind once,
// accept connections until interrupted (§4.5 persistent mode, §6 "server").
func serverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server <device>",
		Short: "Run a persistent local proxy for a device",
		Args:  cobra.ExactArgs(1),
		RunE:  runServer,
	}
	addCoreFlags(cmd)
	return cmd
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := resolveCoreConfig(cmd, args[0])
	if err != nil {
		return err
	}
	cfg.mode = tunnel.ModePersistent

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	m, err := resolveMetrics(ctx, cmd, cfg.logger)
	if err != nil {
		return newUsageError("%w", err)
	}

	status := supervisor.Run(ctx, supervisor.Config{
		Resolver:      cfg.resolveReq,
		LocalEndpoint: cfg.localEndpoint,
		Mode:          cfg.mode,
		ChunkSize:     cfg.chunkSize,
		IdleTimeout:   secondsToDuration(cfg.idleTimeout),
		PingInterval:  secondsToDuration(cfg.pingInterval),
		Metrics:       m,
		Logger:        cfg.logger,
		OnPortBound: func(port int) {
			fmt.Fprintf(os.Stdout, "listening on 127.0.0.1:%d\n", port)
		},
	})
	if status == supervisor.StatusOK {
		return nil
	}
	return &statusError{status: status}
}
