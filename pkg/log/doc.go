/*
Package log provides structured logging for Drover using zerolog.

The log package wraps the zerolog library to provide JSON-structured
logging with component-specific loggers, configurable log levels, and
helper functions for common logging patterns. All logs include
timestamps and support filtering by severity level.

# Usage

Initialize once at process start:

	log.Init(log.Config{
	    Level:      log.InfoLevel,
	    JSONOutput: true,
	})

Components derive child loggers carrying stable identity fields:

	logger := log.WithComponent("budget")
	logger.Info().Str("tenant_id", id).Float64("estimate", est).Msg("Run admitted")

WithTenantID, WithRunID, WithWorkerID and WithTaskID attach the
corresponding correlation fields so log lines from one run or one
worker can be filtered together across components.

Console output (JSONOutput: false) is for interactive use; servers and
workers log JSON.
*/
package log
