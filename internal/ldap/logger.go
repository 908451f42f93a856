package ldap

import (
	"context"
	"errors"
	"maps"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Slow operation thresholds for LogPerformance.
const (
	slowOperation     = 1 * time.Second
	verySlowOperation = 5 * time.Second
)

// LogOperation runs fn, logging its start and outcome with timing.
func LogOperation(ctx context.Context, subsystem, operation string, fields map[string]any, fn func() error) error {
	start := time.Now()
	fields = withFields(fields, map[string]any{"operation": operation})

	tflog.SubsystemDebug(ctx, subsystem, "Starting operation", SanitizeFields(fields))

	err := fn()

	fields["duration_ms"] = time.Since(start).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		tflog.SubsystemError(ctx, subsystem, "Operation failed", SanitizeFields(fields))
		return err
	}

	tflog.SubsystemDebug(ctx, subsystem, "Operation completed successfully", SanitizeFields(fields))
	return nil
}

// LogPerformance logs the duration of an operation, raising the level
// for slow ones.
func LogPerformance(ctx context.Context, subsystem, operation string, duration time.Duration, fields map[string]any) {
	fields = withFields(fields, map[string]any{
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
	})

	switch {
	case duration > verySlowOperation:
		logAt(ctx, subsystem, hclog.Warn, "Slow operation detected", fields)
	case duration > slowOperation:
		logAt(ctx, subsystem, hclog.Info, "Operation performance", fields)
	default:
		logAt(ctx, subsystem, hclog.Debug, "Operation performance", fields)
	}
}

// LogLDAPError logs a failed operation with its error category and,
// for server results, the result code and diagnostic message.
func LogLDAPError(ctx context.Context, subsystem string, operation string, err error, fields map[string]any) {
	fields = withFields(fields, map[string]any{
		"operation": operation,
		"error":     err.Error(),
		"category":  string(GetErrorCategory(err)),
	})

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		fields["ldap_result_code"] = resultErr.ResultCode
		if resultErr.MatchedDN != "" {
			fields["ldap_matched_dn"] = resultErr.MatchedDN
		}
		if resultErr.Err != nil {
			fields["ldap_diagnostic_message"] = resultErr.Err.Error()
		}
	}

	tflog.SubsystemError(ctx, subsystem, "LDAP operation failed", SanitizeFields(fields))
}

// eventLog logs named events of one subsystem at per-event levels.
type eventLog struct {
	subsystem string
	message   string
	fallback  hclog.Level
	levels    map[string]hclog.Level
}

var (
	connectionEvents = eventLog{
		subsystem: "ldap",
		message:   "Connection event",
		fallback:  hclog.Debug,
		levels: map[string]hclog.Level{
			"connection_established": hclog.Info,
			"authentication_success": hclog.Info,
			"connection_failed":      hclog.Error,
			"authentication_failed":  hclog.Error,
			"connection_lost":        hclog.Error,
		},
	}

	kerberosEvents = eventLog{
		subsystem: "kerberos",
		message:   "Kerberos event",
		fallback:  hclog.Trace,
		levels: map[string]hclog.Level{
			"keytab_loaded":             hclog.Info,
			"credentials_cached":        hclog.Info,
			"principal_resolved":        hclog.Debug,
			"ticket_acquisition_failed": hclog.Error,
			"keytab_load_failed":        hclog.Error,
			"authentication_failed":     hclog.Error,
		},
	}

	poolEvents = eventLog{
		subsystem: "pool",
		message:   "Pool event",
		fallback:  hclog.Trace,
		levels: map[string]hclog.Level{
			"pool_initialized":       hclog.Debug,
			"pool_closed":            hclog.Debug,
			"dedicated_connection":   hclog.Debug,
			"connection_failed":      hclog.Warn,
			"pool_creation_failed":   hclog.Error,
			"all_connections_failed": hclog.Error,
		},
	}
)

func (l eventLog) log(ctx context.Context, event string, fields map[string]any) {
	level, ok := l.levels[event]
	if !ok {
		level = l.fallback
	}
	logAt(ctx, l.subsystem, level, l.message, withFields(fields, map[string]any{"event": event}))
}

// LogConnectionEvent logs a server connection or bind event.
func LogConnectionEvent(ctx context.Context, event string, fields map[string]any) {
	connectionEvents.log(ctx, event, fields)
}

// LogKerberosEvent logs a GSSAPI credential or bind event.
func LogKerberosEvent(ctx context.Context, event string, fields map[string]any) {
	kerberosEvents.log(ctx, event, fields)
}

// LogPoolEvent logs a connection pool event.
func LogPoolEvent(ctx context.Context, event string, fields map[string]any) {
	poolEvents.log(ctx, event, fields)
}

func logAt(ctx context.Context, subsystem string, level hclog.Level, msg string, fields map[string]any) {
	fields = SanitizeFields(fields)
	switch level {
	case hclog.Error:
		tflog.SubsystemError(ctx, subsystem, msg, fields)
	case hclog.Warn:
		tflog.SubsystemWarn(ctx, subsystem, msg, fields)
	case hclog.Info:
		tflog.SubsystemInfo(ctx, subsystem, msg, fields)
	case hclog.Debug:
		tflog.SubsystemDebug(ctx, subsystem, msg, fields)
	default:
		tflog.SubsystemTrace(ctx, subsystem, msg, fields)
	}
}

// withFields returns a copy of fields with extra added.
func withFields(fields, extra map[string]any) map[string]any {
	merged := make(map[string]any, len(fields)+len(extra))
	maps.Copy(merged, fields)
	maps.Copy(merged, extra)
	return merged
}

// sensitiveKeys are field names whose values are never logged. Sync
// cookies are included as they can be replayed against the server.
var sensitiveKeys = map[string]bool{
	"password":    true,
	"passwd":      true,
	"secret":      true,
	"token":       true,
	"key":         true,
	"private_key": true,
	"credential":  true,
	"credentials": true,
	"keytab_data": true,
	"cookie":      true,
}

// sensitivePatterns mark string values that embed a secret.
var sensitivePatterns = []string{
	"password=",
	"passwd=",
	"secret=",
	"token=",
	"userpassword:",
}

// SanitizeFields returns a copy of fields with sensitive values
// replaced by [REDACTED].
func SanitizeFields(fields map[string]any) map[string]any {
	sanitized := make(map[string]any, len(fields))
	for k, v := range fields {
		if sensitiveKeys[strings.ToLower(k)] || isSensitiveValue(v) {
			sanitized[k] = "[REDACTED]"
			continue
		}
		sanitized[k] = v
	}
	return sanitized
}

func isSensitiveValue(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	lower := strings.ToLower(s)
	for _, pattern := range sensitivePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
