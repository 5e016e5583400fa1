// Package authcore is the multi-tenant authorization core of a managed
// security service platform. It decides who may authenticate, under what risk
// posture, with what session lifetime, and — for technician actors — which
// customer organizations they may touch, with what permissions, for how long,
// and from which networks.
//
// The package is designed for concurrent server workloads: Engine methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// authcore is the public surface. It exposes [Engine], [Builder], [Config],
// and value types (LoginResult, AuthorizationContext, RiskAssessment, etc.).
// Durable state lives behind the [Store] interface; high-frequency counters
// and short-lived challenge state live in Redis. Generic primitives are
// public subpackages (jwt, password, totp, permission); coordination
// internals live under internal/ and are never exported.
//
// # What this package must NOT do
//
//   - Render reports, dashboards, or any UI; those layers call into the
//     engine through its exported methods only.
//   - Implement IP geolocation or threat intelligence; both are consumed as
//     pluggable lookups that degrade to neutral when absent.
//   - Cache durable entity state beyond a single request, except for the
//     access-token validation fast path, which is bounded by the access
//     token's own expiry.
//
// # Performance contract
//
// ValidateAccess is the hot path. It must complete without a Store or Redis
// round-trip: signature, expiry, and issuer checks only. Login, Refresh, and
// grant checks are allowed bounded Store/Redis round-trips, each capped by
// the configured dependency timeouts.
package authcore
