package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"

	"github.com/spf13/cobra"

	"github.com/philsphicas/c8ylp/internal/supervisor"
	"github.com/philsphicas/c8ylp/internal/tunnel"
)

// connectCmd implements one-shot mode: bind an ephemeral port, wait for it
// to be announced, spawn the native client against it, and exit once the
// client exits (§6 "connect ssh", §8 scenario S2).
func connectCmd() *cobra.Command {
	var sshUser string
	var sshArgs []string

	cmd := &cobra.Command{
		Use:                "connect ssh <device>",
		Short:              "Open a one-shot proxy and exec a native client against it",
		Args:               cobra.ExactArgs(1),
		DisableFlagParsing: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd, args[0], sshUser, sshArgs)
		},
	}
	addCoreFlags(cmd)
	cmd.Flags().StringVar(&sshUser, "ssh-user", "", "remote user passed to the native ssh client")
	cmd.Flags().StringArrayVar(&sshArgs, "ssh-arg", nil, "additional argument forwarded to the native ssh client (repeatable)")
	return cmd
}

func runConnect(cmd *cobra.Command, device, sshUser string, extraArgs []string) error {
	cfg, err := resolveCoreConfig(cmd, device)
	if err != nil {
		return err
	}
	cfg.mode = tunnel.ModeOneShot

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	m, err := resolveMetrics(ctx, cmd, cfg.logger)
	if err != nil {
		return newUsageError("%w", err)
	}

	var portOnce sync.Once
	portCh := make(chan int, 1)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var supervisorDone sync.WaitGroup
	supervisorDone.Add(1)
	supervisorExited := make(chan struct{})
	var status supervisor.ExitStatus
	go func() {
		defer supervisorDone.Done()
		defer close(supervisorExited)
		status = supervisor.Run(runCtx, supervisor.Config{
			Resolver:      cfg.resolveReq,
			LocalEndpoint: cfg.localEndpoint,
			Mode:          cfg.mode,
			ChunkSize:     cfg.chunkSize,
			IdleTimeout:   secondsToDuration(cfg.idleTimeout),
			PingInterval:  secondsToDuration(cfg.pingInterval),
			Metrics:       m,
			Logger:        cfg.logger,
			OnPortBound: func(port int) {
				portOnce.Do(func() { portCh <- port })
			},
		})
	}()

	var port int
	select {
	case port = <-portCh:
	case <-supervisorExited:
		supervisorDone.Wait()
		if status == supervisor.StatusOK {
			return nil
		}
		return &statusError{status: status}
	}

	clientArgs := buildSSHArgs(sshUser, port, extraArgs)
	cfg.logger.Info("spawning native client", "command", "ssh", "args", clientArgs)

	client := exec.CommandContext(runCtx, "ssh", clientArgs...)
	client.Stdin = os.Stdin
	client.Stdout = os.Stdout
	client.Stderr = os.Stderr
	clientErr := client.Run()

	cancelRun()
	supervisorDone.Wait()

	if clientErr != nil {
		return fmt.Errorf("native client: %w", clientErr)
	}
	if status != supervisor.StatusOK && status != "" {
		return &statusError{status: status}
	}
	return nil
}

func buildSSHArgs(user string, port int, extra []string) []string {
	target := "127.0.0.1"
	if user != "" {
		target = user + "@" + target
	}
	args := []string{"-p", strconv.Itoa(port), target}
	return append(args, extra...)
}
