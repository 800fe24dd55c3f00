// meshdb is a peer-to-peer clustered database node.
package main

import (
	"bufio"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/meshdb/meshdb/internal/api"
	"github.com/meshdb/meshdb/internal/chunk"
	"github.com/meshdb/meshdb/internal/config"
	"github.com/meshdb/meshdb/internal/election"
	"github.com/meshdb/meshdb/internal/ring"
	"github.com/meshdb/meshdb/internal/telemetry"
	"github.com/meshdb/meshdb/internal/transport"
	"github.com/meshdb/meshdb/pkg"
)

var (
	flagPort        int
	flagNodes       string
	flagWebIface    bool
	flagLogLocation string
	flagLogLevel    string
	flagDatabase    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "meshdb",
		Short:        "Clustered peer-to-peer database node",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	flags := rootCmd.Flags()
	flags.IntVarP(&flagPort, "port", "p", 5000, "TCP port to listen on")
	flags.StringVarP(&flagNodes, "nodes", "n", "", "Comma-separated peer list (host:port,...)")
	flags.BoolVarP(&flagWebIface, "enablewebinterface", "w", false, "Serve the status page on port+1")
	flags.StringVarP(&flagLogLocation, "loglocation", "l", "", "Path for rotated log file output")
	flags.StringVar(&flagLogLevel, "loglevel", "info", "Log level (debug, info, warning, error)")
	flags.BoolVar(&flagDatabase, "database", false, "Run as a database node (no vote in leader election)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg := config.DefaultConfig()
	cfg.Port = flagPort
	cfg.Controller = !flagDatabase
	cfg.EnableWebInterface = flagWebIface
	cfg.LogLocation = flagLogLocation
	cfg.LogLevel = flagLogLevel
	if flagNodes != "" {
		cfg.Nodes = strings.Split(flagNodes, ",")
	}

	// A bad level falls back to the default; a bad port is rejected.
	if _, err := pkg.ParseLevel(cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: unknown log level %q, using info\n", cfg.LogLevel)
		cfg.LogLevel = "info"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logConfig := pkg.DefaultLogConfig()
	logConfig.Level = cfg.LogLevel
	if cfg.LogLocation != "" {
		logConfig.File.Enable = true
		logConfig.File.Path = cfg.LogLocation
	}

	logger, err := pkg.NewLogger(logConfig)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	peers := make([]transport.NodeID, 0, len(cfg.Nodes))
	for _, raw := range cfg.Nodes {
		id, err := transport.ParseNodeID(strings.TrimSpace(raw))
		if err != nil {
			logger.Warn().Err(err).Str("node", raw).Msg("Skipping bad peer address")
			continue
		}
		peers = append(peers, id)
	}

	metrics := telemetry.New()
	network := transport.NewNetwork(cfg, logger, metrics)

	logger.Info().
		Str("self", network.Self().String()).
		Int("port", cfg.Port).
		Int("peers", len(peers)).
		Bool("controller", cfg.Controller).
		Msg("Starting meshdb node")

	if err := network.Start(); err != nil {
		return fmt.Errorf("failed to start network: %w", err)
	}

	var chunks *chunk.Table
	if cfg.Controller {
		chunks = chunk.NewFullRange(network.Self())
	}

	elector := election.New(network, cfg, peers, chunks, logger, metrics)
	ringNode := ring.New(network, cfg, rand.Uint32(), logger, metrics)

	var statusServer *api.Server
	if cfg.EnableWebInterface {
		statusServer = api.NewServer(network, metrics, logger)
		if err := statusServer.Start(cfg.WebPort()); err != nil {
			logger.Error().Err(err).Msg("Failed to start status page")
			network.Shutdown()
			return err
		}
		network.SetBroadcaster(statusServer.Hub())
		elector.SetBroadcaster(statusServer.Hub())
	}

	for _, p := range peers {
		network.Connect(p)
	}

	elector.Start()
	ringNode.Start()
	go ringNode.Join(peers)

	logger.Info().Msg("meshdb node is ready")

	waitForExit(logger)

	logger.Info().Msg("Shutting down")
	if statusServer != nil {
		if err := statusServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping status page")
		}
	}
	ringNode.Stop()
	elector.Stop()
	network.Shutdown()

	logger.Info().Msg("Shutdown complete")
	return nil
}

// waitForExit blocks until SIGINT/SIGTERM or the literal line "exit" on
// stdin.
func waitForExit(logger *pkg.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	stdinCh := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if strings.TrimSpace(scanner.Text()) == "exit" {
				close(stdinCh)
				return
			}
		}
	}()

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case <-stdinCh:
		logger.Info().Msg("Received exit command")
	}
}
