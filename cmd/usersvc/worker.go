package main

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/usersvc/internal/api"
	"github.com/dreamware/usersvc/internal/config"
	"github.com/dreamware/usersvc/internal/users"
)

func newWorkerCmd() *cobra.Command {
	var (
		index int
		host  string
		port  int
	)

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Serve the users API as a worker of a clustered primary",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, nil)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			return runWorker(cmd.Context(), index, host, port, cfg, log)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&index, "index", 0, "Worker index assigned by the primary")
	flags.StringVar(&host, "host", "127.0.0.1", "Listen host")
	flags.IntVar(&port, "port", 0, "Listen port")
	_ = cmd.MarkFlagRequired("index")
	_ = cmd.MarkFlagRequired("port")
	return cmd
}

// runWorker serves an isolated record store on host:port.
func runWorker(ctx context.Context, index int, host string, port int, cfg config.Config, log *zap.SugaredLogger) error {
	log = log.With("worker", index, "port", port)

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("worker %d listen %s: %w", index, addr, err)
	}

	h := api.NewHandler(users.NewMemoryStore(), log, cfg.MaxBodyBytes)
	return serveListener(ctx, ln, h, log)
}
