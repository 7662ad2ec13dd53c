// Package logging provides a structured logging system for mcphub with unified
// log handling and flexible output formatting.
//
// This package implements a logging system built on Go's standard slog package,
// providing consistent logging behavior with structured output and level filtering.
//
// # Log Levels
//   - **Debug**: Detailed information for debugging and development
//   - **Info**: General informational messages about application operation
//   - **Warn**: Warning messages that indicate potential issues
//   - **Error**: Error messages for failures and exceptional conditions
//
// # Structured Logging
//
// All log entries include:
//   - Timestamp with nanosecond precision
//   - Log level (Debug, Info, Warn, Error)
//   - Subsystem identifier for categorization
//   - Message content with optional formatting
//   - Optional error information
//
// # Usage
//
//	import "mcphub/pkg/logging"
//
//	// Initialize with Info level text logging to stdout
//	logging.Init(logging.LevelInfo, false, os.Stdout)
//
//	// Log messages
//	logging.Info("Serve", "Hub starting up on port %d", port)
//	logging.Debug("Settings", "Loaded settings from %s", path)
//	logging.Warn("Connector", "Keep-alive failure %d/%d", n, max)
//	logging.Error("Pool", err, "Failed to initialize connector %s", name)
//
// # Subsystem Organization
//
// Logs are organized by subsystem to enable filtering and categorization:
//
//   - **Serve**: Process bootstrap and shutdown
//   - **Settings**: Settings document loading, saving, and watching
//   - **Connector**: Upstream connection lifecycle per server
//   - **Pool**: Connector pool boot and reconciliation
//   - **Registry**: Merged tool/prompt/resource views
//   - **SmartRouting**: Vector index refresh and search
//   - **Dispatcher**: Request routing and deadlines
//   - **Gateway**: Downstream MCP sessions and ingress
//   - **Admin**: REST management API
//   - **Auth**: Token issuance and verification
//
// # Thread Safety
//
// The logging system is fully thread-safe: safe concurrent logging from
// multiple goroutines with level filtering at the handler level, so
// filtered-out messages cost no allocation.
package logging
