// Package record defines the durable records shared by every offsync layer.
//
// Two record types cross package boundaries:
//   - StoredObject: a cached, keyed, typed copy of a server entity
//   - QueuedRequest: a pending outbound mutation awaiting replay
//
// Payloads are held as canonical JSON (see Canonicalize): object keys in
// UTF-16 code unit order, strings byte for byte, no HTML escaping, numbers
// kept as their original literal. Canonical bytes are always freshly
// allocated, so a stored payload never aliases caller memory.
//
// The package also owns the error taxonomy (Error, ErrorCode) so that the
// stores, the drain scheduler and the facades classify failures the same way.
package record
