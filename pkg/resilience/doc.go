// Package resilience is the reliability control plane sitting between
// application code and external integrations (databases, AI providers,
// market-data feeds, caches, third-party APIs).
//
// Every governed call flows through bulkhead admission, a per-integration
// circuit breaker, and a classifying retry loop. Outcomes feed a health
// monitor whose rolling statistics drive the degradation controller, the
// self-healing coordinator, and the reliability dashboard.
//
// Components are explicit dependency-injected objects with no package-level
// state; construct a ControlPlane per process (or per test) and pass it
// around.
package resilience
