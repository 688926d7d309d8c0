// Package telemetry wires OpenTelemetry exporters and meters for netopt.
//
// It centralises trace provider setup and exposes the control-loop metric
// instruments (controller ticks, intent outcomes, installer attempts, probe
// failures) plus span helpers that attach admission decisions to the tick
// trace so operators can correlate flow changes with the policies that
// shaped them.
package telemetry
