// Package syncer provides the per-kind Sync Facades that callers use to read
// and mutate entities while offline.
//
// Reads are served from the Local Object Store. Mutations are applied
// optimistically to the store, appended to the Request Queue as REST
// requests, and followed by a drain trigger. Forced hydration pulls the
// server's copy into the store before a read.
package syncer
