// Package telemetry provides observability for the corral daemon:
// structured logging with zerolog, Prometheus metrics for cycles and
// change items, and OpenTelemetry tracing.
//
// The startup path assembles a Config (usually from DefaultConfig plus
// the daemon configuration file), validates it, and builds the logger,
// metrics collector, and tracer from its sub-configs. All three are safe
// no-ops when their config disables them.
package telemetry
