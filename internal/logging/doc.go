// Package logging provides structured logging for the webserv engine.
//
// This package wraps a zap logger with convenience functions for the logging
// patterns used by the reactor: connection lifecycle, request heads, queued
// responses and CGI process events.
//
// # Log Levels
//
//   - Debug: connection accept/close events, raw request bytes
//   - Info: requests, responses, CGI spawn/exit, listener startup
//   - Warn: timeouts, dropped accepts, recoverable I/O failures
//   - Error: startup failures and unexpected conditions
//
// # Usage
//
//	if err := logging.Initialize("info"); err != nil {
//	    return err
//	}
//	defer logging.Sync()
//
//	logging.LogRequest(connID, "GET", "/index.html", "example.com")
//
// An empty level falls back to the WEBSERV_LOG_LEVEL environment variable;
// when that is unset too, logging is silent.
package logging
