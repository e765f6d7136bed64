// Package observability instruments the crisis core without exporting
// anything itself. It provides three pieces:
//
//   - Metrics: OpenTelemetry counters and histograms for observations,
//     transitions, and dispatch outcomes. The host application decides
//     whether and where to export; the core only records against the
//     provided MeterProvider.
//   - BudgetTracker: windowed latency and success budgets for the two
//     paths with product guarantees, resource rendering and detector
//     evaluation.
//   - Timeline: a read model over a session's transition log for
//     reviewing a crisis episode after the fact.
//
// Nothing in this package touches user content. Metric attributes carry
// states, causes, rule identifiers, and channels only.
package observability
