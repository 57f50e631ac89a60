// Package observability provides structured logging and Prometheus metrics.
//
// Logging is JSON over stdlib slog with contextual fields (WithField,
// WithError) and request-scoped loggers carried through context. Metrics
// cover the HTTP surface and the login pipeline: logins by outcome, rejected
// assertions, provisioned users, lost link races and provisioning mutations.
package observability
