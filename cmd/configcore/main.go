// Command configcore runs the runtime configuration core as a standalone
// process for local testing and operator inspection: it boots a Core wired
// from environment-supplied defaults, starts the background refresh loop,
// and serves Prometheus metrics until interrupted.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/configcore/pkg/log"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "configcore",
	Short:   "Runtime configuration core server",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("configcore version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(inspectCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the refresh loop and serve metrics until interrupted",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address to serve /metrics on")
	serveCmd.Flags().String("app", "", "Static application name for this process (CONFIGCORE_APP env var also honored)")
	serveCmd.Flags().String("host", "", "Static host identifier for this process (CONFIGCORE_HOST env var also honored)")
}

func runServe(cmd *cobra.Command, args []string) error {
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	core, err := buildCoreFromEnvironment(cmd)
	if err != nil {
		return fmt.Errorf("building core: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	core.Start(ctx)
	defer core.Stop()

	go func() {
		mux := http.NewServeMux()
		registerMetricsHandlers(mux)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Logger.Error().Err(err).Msg("metrics server exited")
		}
	}()
	fmt.Printf("configcore serving; metrics at http://%s/metrics\n", metricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	fmt.Println("shutting down...")
	return nil
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Dump the static identity and current entry-store snapshot as YAML",
	RunE:  runInspect,
}

func init() {
	inspectCmd.Flags().String("app", "", "Static application name for this process (CONFIGCORE_APP env var also honored)")
	inspectCmd.Flags().String("host", "", "Static host identifier for this process (CONFIGCORE_HOST env var also honored)")
}

func runInspect(cmd *cobra.Command, args []string) error {
	core, err := buildCoreFromEnvironment(cmd)
	if err != nil {
		return fmt.Errorf("building core: %w", err)
	}
	if err := core.RefreshOnce(context.Background()); err != nil {
		return fmt.Errorf("initial refresh: %w", err)
	}
	return dumpInspectYAML(os.Stdout, core)
}
