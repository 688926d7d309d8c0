// Package domain defines the core types and interfaces for the network
// optimization control loop.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. All types in this package are:
//
// - Independent of infrastructure (no database, HTTP, controller REST clients, etc.)
// - Shared by the policy, topology, monitor, controller and flow packages
// - Testable in isolation without mocks
//
// Other packages (storage, policy, topology, controller, etc.) implement the
// interfaces defined here and depend on these types. The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
