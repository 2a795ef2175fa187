/*
Package log provides structured logging for entityrag using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Simple logging:

	log.Info("store initialized")
	log.Error("embedding request failed")

Structured logging:

	log.Logger.Info().
		Str("entity_id", "acme").
		Int("chunks", 12).
		Msg("document indexed")

Component loggers:

	kvLog := log.WithComponent("kvstore")
	kvLog.Warn().Str("file", path).Msg("corrupt collection file, treating as empty")

Context helpers add the field every call site would otherwise repeat:

	taskLog := log.WithTaskID(task.TaskID)
	taskLog.Info().Msg("upload started")

# Integration Points

  - pkg/kvstore: file read/write failures
  - pkg/vectorstore: ingest, rebuild, and search events
  - pkg/workerpool: scaling decisions
  - pkg/manager: entity/session/task lifecycle
  - pkg/agent: tool-call dispatch and turn completion
  - pkg/api: request errors
*/
package log
