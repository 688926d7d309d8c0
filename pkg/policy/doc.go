// Package policy evaluates traffic-engineering policies against runtime
// facts and dispatches their actions through a pluggable handler registry.
//
// Conditions use a closed operator set and never raise: a missing field or an
// operator applied to incompatible types makes the condition false. Actions
// run in declared order and stop at the first failure within a policy.
// Policies are visited in priority order (higher first, stable for ties).
//
// The package also owns the PolicyCache consumed by the controller and the
// OPA-backed RegoGuard registered as the "rego" action type.
package policy
