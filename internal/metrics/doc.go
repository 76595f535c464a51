// Package metrics provides lock-free counters for authgate observability.
//
// Counters are stored in cache-line-padded uint64 slots and incremented
// atomically. The package performs no I/O and imports no sibling package;
// export happens by reading Snapshot values at the gateway.
package metrics
