// Command relay runs the TUN-to-socket relay engine standalone.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tunrelay/internal/conf"
	"tunrelay/internal/engine"
	"tunrelay/internal/flog"
)

var confPath string

func main() {
	root := &cobra.Command{
		Use:   "relay",
		Short: "Userspace TUN-to-socket relay",
	}
	root.AddCommand(runCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the relay engine against a TUN device",
		RunE:  runRelay,
	}
	cmd.Flags().StringVarP(&confPath, "config", "c", "relay.yaml", "path to the relay's YAML config")
	return cmd
}

func runRelay(cmd *cobra.Command, args []string) error {
	c, err := conf.LoadFromFile(confPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	flog.SetLevel(int(c.Log.FlogLevel()))
	defer flog.Close()

	dev, name, err := createTUN(c.TUN.Name, c.TUN.MTU)
	if err != nil {
		return fmt.Errorf("create TUN device: %w", err)
	}
	flog.Infof("relay: TUN device %s ready (MTU %d)", name, c.TUN.MTU)

	eng := engine.New(dev, protectSocket, engine.Options{
		QueueCapacity: c.Queue.Capacity,
		DialTimeout:   c.Timeout.Dial,
		IdleTimeout:   c.Timeout.Idle,
	})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	flog.Infof("relay: engine started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	flog.Infof("relay: shutting down")
	cancel()
	dev.Close()
	eng.Stop()
	return nil
}
