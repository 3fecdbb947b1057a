package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"turnip/internal/config"
	"turnip/internal/metrics"
	"turnip/internal/server"
)

const serviceName = "turnip"

var (
	cfgFile   string
	bindAddr  string
	timeout   int
	adminAddr string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "turnip-server",
	Short: "UDP rendezvous server for NAT hole punching",
	Long: `turnip-server keeps track of clients that announce themselves with
PING and, when another client sends a REQUEST naming one of them, tells
every known external port of that client to punch toward the requester.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&cfgFile, "config", "c", "", "path to YAML configuration file")
	flags.StringVarP(&bindAddr, "bind", "b", "", "UDP address to listen on (default "+config.DefaultBind+")")
	flags.IntVarP(&timeout, "timeout", "t", 0, "seconds without a PING before a client expires (default "+strconv.Itoa(config.DefaultTimeout)+")")
	flags.StringVar(&adminAddr, "admin", "", "enable the HTTP admin server on this address")
	flags.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}

	logger, closeLog := newLogger(cfg.Logging)
	defer closeLog()

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("bind", cfg.Server.Bind),
		slog.Int("timeout", cfg.Registry.Timeout),
		slog.Duration("sweep_interval", server.SweepInterval),
		slog.Bool("admin", cfg.Admin.Enabled),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg)

	srv := server.New(cfg, logger, m, nil)
	if err := srv.Listen(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ctx)
	})
	if cfg.Admin.Enabled {
		admin := server.NewAdminServer(cfg.Admin.Address, srv, reg, logger)
		g.Go(func() error {
			return admin.Run(ctx)
		})
	}

	err = g.Wait()
	logger.Info("Service stopped")
	return err
}

// loadConfig reads the file and environment, then applies flags.
func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	if flags.Changed("bind") {
		cfg.Server.Bind = bindAddr
	}
	if flags.Changed("timeout") {
		cfg.Registry.Timeout = timeout
	}
	if flags.Changed("admin") {
		cfg.Admin.Enabled = true
		cfg.Admin.Address = adminAddr
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}
