// Webserv is a configuration-driven HTTP/1.x server.
//
// It serves static files, directory listings, uploads, deletes, redirects
// and CGI scripts for any number of virtual hosts, all from a single
// event loop.
//
// Usage:
//
//	webserv [flags] <config-file>
//
// See 'webserv --help' for available options.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/muurk/webserv/internal/config"
	"github.com/muurk/webserv/internal/discovery"
	"github.com/muurk/webserv/internal/logging"
	"github.com/muurk/webserv/internal/server"
	"github.com/muurk/webserv/internal/ui"
	"github.com/muurk/webserv/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var (
	logLevel  string
	checkOnly bool
	announce  bool
	noBanner  bool
)

var rootCmd = &cobra.Command{
	Use:   "webserv [flags] <config-file>",
	Short: "Configuration-driven HTTP/1.x server",
	Long: `A single-threaded HTTP/1.0 and HTTP/1.1 server driven by a YAML
configuration file.

Each server block declares a listen address, virtual host names, a document
root and per-location rules: allowed methods, body size limits, error pages,
redirects, directory listings, aliases and CGI interpreters.

SIGINT or SIGTERM stops the server gracefully: listeners and connections are
closed at once, running CGI scripts get a short grace period.`,
	Example: `  # Serve the sites described in site.yaml
  webserv site.yaml

  # Validate a configuration without binding any socket
  webserv --check site.yaml

  # Verbose logging and mDNS advertisement of every virtual host
  webserv --log-level debug --announce site.yaml`,
	Version:       version.Version,
	Args:          cobra.ExactArgs(1),
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("webserv %s\n", version.Full()))

	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); defaults to $"+logging.LogLevelEnvVar+" or info")
	rootCmd.Flags().BoolVar(&checkOnly, "check", false, "Load and validate the configuration, then exit")
	rootCmd.Flags().BoolVar(&announce, "announce", false, "Advertise every virtual host over mDNS as "+discovery.ServiceType)
	rootCmd.Flags().BoolVar(&noBanner, "no-banner", false, "Do not print the startup banner")

	rootCmd.AddCommand(discoverCmd)
}

// resolveLevel picks the flag value, then the environment, then info.
func resolveLevel(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv(logging.LogLevelEnvVar); env != "" {
		return env
	}
	return "info"
}

func runServe(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	if err := logging.Initialize(resolveLevel(logLevel)); err != nil {
		return err
	}
	defer logging.Sync()

	path := args[0]
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if checkOnly {
		printCheck(cfg, path)
		return nil
	}

	cluster, err := server.New(cfg, server.DefaultOptions())
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	if !noBanner && ui.IsTerminal(os.Stdout) {
		fmt.Println(startupBanner(cluster.Listeners(), path, ui.GetTerminalWidth(os.Stdout)).Render())
	}

	if announce {
		announcer, err := discovery.Announce(discovery.Advertisements(cfg, boundPorts(cluster.Listeners())))
		if err != nil {
			logging.Warn("mDNS advertisement disabled", zap.Error(err))
		}
		defer announcer.Shutdown()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case sig := <-sigs:
			logging.Info("Received signal, shutting down", zap.String("signal", sig.String()))
			cluster.RequestStop()
		case <-done:
		}
	}()

	if err := cluster.Run(); err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}

	stats := cluster.Stats()
	logging.Info("Server stopped",
		zap.Int64("connections", stats.Accepted),
		zap.Int64("requests", stats.Requests),
		zap.Int64("timeouts", stats.Timeouts),
	)
	return nil
}

func printCheck(cfg *config.Config, path string) {
	sockets := cfg.Sockets()
	if !ui.IsTerminal(os.Stdout) {
		fmt.Printf("%s: configuration OK (%d servers, %d listeners)\n", path, len(cfg.Servers), len(sockets))
		return
	}
	fmt.Println(ui.NewSuccessResult("configuration valid", ui.GetTerminalWidth(os.Stdout),
		ui.Field{Key: "File", Value: path},
		ui.Field{Key: "Servers", Value: fmt.Sprint(len(cfg.Servers))},
		ui.Field{Key: "Listeners", Value: fmt.Sprint(len(sockets))},
	).Render())
}

// boundPorts maps each configured socket to the port it actually bound.
func boundPorts(listeners []*server.Listener) map[string]int {
	ports := make(map[string]int, len(listeners))
	for _, ln := range listeners {
		hosts := ln.Hosts()
		if len(hosts) == 0 {
			continue
		}
		ports[discovery.ListenKey(hosts[0].Address, hosts[0].Port)] = ln.Port()
	}
	return ports
}
