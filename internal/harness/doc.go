// Package harness runs YAML scenarios against a real engine and records a
// deterministic trace of everything observable: each step, every cache
// change, every request sent to the (scripted) server, and every drained
// batch.
//
// A scenario runs in a fresh database with a recording transport, a
// switchable connectivity probe, a stepping clock and a fixed id sequence,
// so the same scenario always produces the same trace. Drains happen only
// in explicit drain steps; the debounced background drain is parked behind
// an hour-long quiet window.
//
// Traces are compared against golden files with goldie:
//
//	go test ./internal/harness -update
//
// regenerates testdata/golden/*.golden.
package harness
