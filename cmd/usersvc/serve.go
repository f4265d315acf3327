package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dreamware/usersvc/internal/api"
	"github.com/dreamware/usersvc/internal/balancer"
	"github.com/dreamware/usersvc/internal/cluster"
	"github.com/dreamware/usersvc/internal/config"
	"github.com/dreamware/usersvc/internal/metrics"
	"github.com/dreamware/usersvc/internal/supervisor"
	"github.com/dreamware/usersvc/internal/users"
)

type serveFlags struct {
	cluster        bool
	host           string
	port           int
	workerBasePort int
	workers        int
	proxyTimeout   time.Duration
	restartPolicy  string
	metricsAddr    string
}

func newServeCmd() *cobra.Command {
	var f serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the users API, optionally as a clustered primary",
		Long: `Serve the users API.

Without --cluster the API is served by this process on --port.
With --cluster this process becomes the primary: it forks --workers worker
processes on --worker-base-port+n and balances requests across them.

Example:
  usersvc serve --port 4000
  usersvc serve --cluster --workers 4 --metrics-addr :9090
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f.apply(cmd))
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ln, err := net.Listen("tcp", cfg.Addr())
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.Addr(), err)
			}

			if !cfg.Cluster {
				return runSingle(cmd.Context(), ln, cfg, log)
			}

			spawner, err := supervisor.NewExecSpawner(workerArgs(cmd, cfg)...)
			if err != nil {
				ln.Close()
				return err
			}
			if cfg.Log.Dev {
				spawner.Env = append(spawner.Env, "LOG_DEV=true")
			}
			return runCluster(cmd.Context(), ln, cfg, spawner, log)
		},
	}

	f.register(cmd.Flags())
	return cmd
}

func (f *serveFlags) register(flags *pflag.FlagSet) {
	flags.BoolVar(&f.cluster, "cluster", false, "Run as a primary over a pool of worker processes")
	flags.StringVar(&f.host, "host", "", "Listen host")
	flags.IntVarP(&f.port, "port", "p", 4000, "Listen port")
	flags.IntVar(&f.workerBasePort, "worker-base-port", 3000, "Worker n listens on this port plus n")
	flags.IntVarP(&f.workers, "workers", "w", 0, "Worker pool size (default: number of CPUs)")
	flags.DurationVar(&f.proxyTimeout, "proxy-timeout", 10*time.Second, "Timeout for a proxied request")
	flags.StringVar(&f.restartPolicy, "restart-policy", config.PolicyAlways, "Worker restart policy (always, throttled)")
	flags.StringVar(&f.metricsAddr, "metrics-addr", "", "Address for the Prometheus /metrics listener")
}

// apply returns a func copying the flags set on cmd into a config.
func (f *serveFlags) apply(cmd *cobra.Command) func(*config.Config) {
	return func(cfg *config.Config) {
		flags := cmd.Flags()
		if flags.Changed("cluster") {
			cfg.Cluster = f.cluster
		}
		if flags.Changed("host") {
			cfg.Host = f.host
		}
		if flags.Changed("port") {
			cfg.Port = f.port
		}
		if flags.Changed("worker-base-port") {
			cfg.WorkerBasePort = f.workerBasePort
		}
		if flags.Changed("workers") {
			cfg.Workers = f.workers
		}
		if flags.Changed("proxy-timeout") {
			cfg.ProxyTimeout = f.proxyTimeout
		}
		if flags.Changed("restart-policy") {
			cfg.Restart.Policy = f.restartPolicy
		}
		if flags.Changed("metrics-addr") {
			cfg.MetricsAddr = f.metricsAddr
		}
	}
}

// workerArgs are the arguments a forked worker is started with, ahead of
// the per-worker --index, --port and --host.
func workerArgs(cmd *cobra.Command, cfg config.Config) []string {
	args := []string{"worker", "--log-level", cfg.Log.Level}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		args = append(args, "--config", path)
	}
	return args
}

// runSingle serves the API from this process.
func runSingle(ctx context.Context, ln net.Listener, cfg config.Config, log *zap.SugaredLogger) error {
	h := api.NewHandler(users.NewMemoryStore(), log, cfg.MaxBodyBytes)
	log.Infow("serving users api", "mode", "single", "addr", ln.Addr().String())
	return serveListener(ctx, ln, h, log)
}

// runCluster forks the worker pool and balances requests arriving on ln
// across it until ctx is canceled.
func runCluster(ctx context.Context, ln net.Listener, cfg config.Config, spawner supervisor.Spawner, log *zap.SugaredLogger) error {
	var collector metrics.Collector = metrics.NewNoopCollector()
	if cfg.MetricsAddr != "" {
		pc := metrics.NewPrometheusCollector("usersvc")
		if err := startMetrics(ctx, cfg.MetricsAddr, pc, log); err != nil {
			ln.Close()
			return err
		}
		collector = pc
	}

	registry := cluster.NewRegistry()
	sup := supervisor.New(registry, spawner, log.With("component", "supervisor"), cfg.WorkerBasePort,
		supervisor.WithPolicy(restartPolicy(cfg.Restart)),
		supervisor.WithMetrics(collector),
		supervisor.WithHost(cfg.WorkerHost),
		supervisor.WithReadyTimeout(cfg.ReadyTimeout),
	)
	sup.OnWorkerExit(func(ev supervisor.ExitEvent) {
		log.Infow("worker died", "pid", ev.PID, "worker", ev.WorkerID, "cause", ev.Cause())
	})

	if err := sup.Start(cfg.Workers); err != nil {
		ln.Close()
		return fmt.Errorf("start workers: %w", err)
	}

	if cfg.Health.Interval > 0 {
		hm := supervisor.NewHealthMonitor(registry, log.With("component", "health"), cfg.Health.Interval, cfg.Health.MaxFailures)
		hm.SetOnUnhealthy(func(w cluster.WorkerHandle) {
			if err := sup.Kill(w.ID); err != nil {
				log.Warnw("failed to kill unhealthy worker", "worker", w.ID, "error", err)
			}
		})
		go hm.Run(ctx)
	}

	bal := balancer.New(registry, log.With("component", "balancer"),
		balancer.WithTimeout(cfg.ProxyTimeout),
		balancer.WithMaxBodyBytes(cfg.MaxBodyBytes),
		balancer.WithMetrics(collector),
	)

	log.Infow("serving users api", "mode", "cluster", "addr", ln.Addr().String(), "workers", cfg.Workers)
	serveErr := serveListener(ctx, ln, bal, log)

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sup.Stop(stopCtx); err != nil {
		log.Warnw("worker pool did not stop cleanly", "error", err)
	}
	return serveErr
}

// restartPolicy maps configuration to a supervisor policy.
func restartPolicy(rc config.RestartConfig) supervisor.RestartPolicy {
	if rc.Policy == config.PolicyThrottled {
		return supervisor.NewThrottledRestart(rate.Limit(rc.Rate), rc.Burst, rc.Max)
	}
	return supervisor.AlwaysRestart{}
}

// startMetrics binds the admin listener and serves /metrics and /health
// on it in the background.
func startMetrics(ctx context.Context, addr string, pc *metrics.PrometheusCollector, log *zap.SugaredLogger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen metrics %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", pc.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mlog := log.With("component", "metrics")
	go func() {
		if err := serveListener(ctx, ln, mux, mlog); err != nil {
			mlog.Errorw("metrics listener failed", "error", err)
		}
	}()
	return nil
}
