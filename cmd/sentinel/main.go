package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"

	"github.com/dotX12/nginx-sentinel/internal/logger"
	"github.com/dotX12/nginx-sentinel/internal/metrics"
	"github.com/dotX12/nginx-sentinel/internal/service"
)

// version is set at build time via -ldflags.
var version = "dev"

// envConfig binds the two environment knobs spec §6 names, the way
// olegiv-ocms-go's Config binds settings via caarlos0/env struct tags.
type envConfig struct {
	ConfigPath string `env:"SENTINEL_CONFIG"`
	LogLevel   string `env:"SENTINEL_LOG_LEVEL" envDefault:"info"`
}

func main() {
	var envCfg envConfig
	if err := env.Parse(&envCfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := logger.NewWithLevel(envCfg.LogLevel)
	logger.SetGlobalLogger(log)

	rootCmd := &cobra.Command{
		Use:     "sentinel",
		Short:   "Nginx access-log intrusion detection and enforcement daemon",
		Version: version,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the daemon: tail the access log, score violations, enforce bans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(envCfg, log)
		},
	}
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(envCfg envConfig, log *logger.Logger) error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("this program must be run as root (needed for ipset/iptables)")
	}

	cfg, err := service.Load(envCfg.ConfigPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		return err
	}

	store := service.NewConfigStore(cfg)
	runner := service.NewRunner(log.Logger, 0)
	firewall := service.NewFirewallActuator(log.Logger, runner)
	scores := service.NewScoreTable(log.Logger, store)
	parser := service.NewLogParser()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr)

	orch := service.NewOrchestrator(log.Logger, store, firewall, scores, parser, metricsSrv, envCfg.ConfigPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orch.Run(ctx); err != nil {
		log.Error().Err(err).Msg("daemon exited with error")
		return err
	}
	return nil
}
