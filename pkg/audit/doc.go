// Package audit records the audit trail of the federation engine.
//
// # Overview
//
// Every provisioning mutation (account creation, field sync, flag changes,
// group membership changes) produces one Event carrying old and new values.
// These records are a contractual output of the engine, not incidental
// logging.
//
// # Sinks
//
// LogRecorder: structured log lines on the audit channel
// DBRecorder: rows in the audit_events table
// MultiRecorder: fan-out to several sinks
//
// # Usage Example
//
//	recorder := audit.NewMultiRecorder(
//		audit.NewLogRecorder(logger),
//		dbRecorder,
//	)
//	recorder.Record(ctx, &audit.Event{
//		EventType: audit.EventTypeFieldSet,
//		UserID:    user.ID,
//		Field:     "email",
//		OldValue:  old,
//		NewValue:  value,
//	})
//
// # Related Packages
//
//   - pkg/federation: produces the events
package audit
