package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/muurk/webserv/internal/discovery"
	"github.com/muurk/webserv/internal/logging"
	"github.com/muurk/webserv/internal/server"
	"github.com/muurk/webserv/internal/ui"
	"github.com/muurk/webserv/internal/version"
)

var discoverTimeout time.Duration

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List webserv instances advertised on the local network",
	Long: `Browse mDNS for virtual hosts published by servers started with
--announce and print one line per instance.`,
	Example: `  webserv discover --timeout 3s`,
	Args:    cobra.NoArgs,
	RunE:    runDiscover,
}

func init() {
	discoverCmd.Flags().DurationVar(&discoverTimeout, "timeout", discovery.DefaultScanTimeout, "How long to wait for responses")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	if err := logging.Initialize(logLevel); err != nil {
		return err
	}
	defer logging.Sync()

	scanner := discovery.NewScanner()
	scanner.Timeout = discoverTimeout

	found, err := scanner.ScanWithContext(cmd.Context())
	if err != nil {
		return fmt.Errorf("discovery failed: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(found) == 0 {
		fmt.Fprintln(out, "No webserv instances found")
		return nil
	}
	for _, inst := range found {
		fmt.Fprintf(out, "%-30s %-24s %s\n", inst.Name, inst.GetMetadata("version"), inst.BaseURL())
	}
	return nil
}

// startupBanner summarizes the bound listeners and their virtual hosts.
func startupBanner(listeners []*server.Listener, path string, width int) *ui.Banner {
	b := ui.NewBanner("webserv", version.Version+" · "+filepath.Base(path), width)
	for _, ln := range listeners {
		var names []string
		for _, vh := range ln.Hosts() {
			if len(vh.ServerName) > 0 {
				names = append(names, vh.ServerName[0])
			}
		}
		hosts := "(default)"
		if len(names) > 0 {
			hosts = strings.Join(names, ", ")
		}
		b.Add("Listen", ln.Addr()+"  "+hosts)
	}
	b.Add("Stop", "Ctrl+C")
	return b
}
