// Package ui renders the terminal output of the webserv command: a startup
// banner summarizing listeners and virtual hosts, and result boxes for
// configuration checks and fatal startup errors.
//
// Output is styled with Lipgloss. The command only prints these components
// when stdout is a terminal; log output goes through zap on stderr and is
// silent unless WEBSERV_LOG_LEVEL (or --log-level) enables it.
//
// Example:
//
//	banner := ui.NewBanner("webserv", "v1.2.0 · site.yaml", ui.GetTerminalWidth(os.Stdout))
//	banner.Add("Listen", "0.0.0.0:8080").Add("Hosts", "docs.example")
//	fmt.Println(banner.Render())
package ui
