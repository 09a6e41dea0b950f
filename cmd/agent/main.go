// Command agent is the edge device agent: it provisions the device, then
// runs the reconciler, API binder, shadow engine, log pipeline, and
// loopback device API until told to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/zemfyre/edge-agent/infrastructure/logging"
	"github.com/zemfyre/edge-agent/internal/agentctx"
	"github.com/zemfyre/edge-agent/internal/store"
	"github.com/zemfyre/edge-agent/internal/supervisor"
)

// Exit codes per spec.md §6.
const (
	exitClean             = 0
	exitProvisioningFatal = 1
	exitStoreCorrupt      = 2
	exitRuntimeUnreachable = 3
)

func main() {
	storePathFlag := flag.String("store", "", "path to the local SQLite store (overrides STORE_PATH)")
	yamlPath := flag.String("config", "", "optional YAML file supplying deviceName/deviceType defaults")
	reset := flag.Bool("reset", false, "factory reset: clear persisted device identity and state, then exit")
	flag.Parse()

	cfg, err := loadAgentConfig(*yamlPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(exitStoreCorrupt)
	}
	if *storePathFlag != "" {
		cfg.StorePath = *storePathFlag
	}

	logger := logging.New("agent", cfg.LogLevel, cfg.LogFormat)

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		logger.WithError(err).Error("open local store")
		os.Exit(exitStoreCorrupt)
	}
	defer st.Close()

	// Re-resolve credential fields now that the local store is open: a
	// value persisted by a prior provisioning round takes precedence over
	// whatever the environment carries on this boot.
	if cfg, err = loadAgentConfig(*yamlPath, st); err != nil {
		logger.WithError(err).Error("reload config with secret store")
		os.Exit(exitStoreCorrupt)
	}
	if *storePathFlag != "" {
		cfg.StorePath = *storePathFlag
	}

	if *reset {
		if err := st.Reset(); err != nil {
			logger.WithError(err).Error("factory reset")
			os.Exit(exitStoreCorrupt)
		}
		logger.Logger.Info("factory reset complete")
		os.Exit(exitClean)
	}

	agent := agentctx.New(nil, logger)

	sup, err := supervisor.New(cfg.toSupervisorConfig(), st, agent)
	if err != nil {
		logger.WithError(err).Error("initialize supervisor")
		os.Exit(exitCodeForInitError(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.WithField("device_api_port", cfg.DeviceAPIPort).Info("edge-agent starting")

	if err := sup.Run(ctx); err != nil {
		logger.WithError(err).Error("supervisor exited with error")
		os.Exit(exitProvisioningFatal)
	}

	logger.Logger.Info("edge-agent stopped")
	os.Exit(exitClean)
}

// exitCodeForInitError maps supervisor.New's two failure sources (runtime
// adapter connect, local log backend open) to the exit codes spec.md §6
// assigns them.
func exitCodeForInitError(err error) int {
	if strings.Contains(err.Error(), "connect container runtime") {
		return exitRuntimeUnreachable
	}
	return exitStoreCorrupt
}
