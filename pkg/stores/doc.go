// Package stores provides the persistent manifest for egaboot builds.
// It includes a SQLite-based store with WAL mode and embedded migrations
// holding per-artifact fingerprints, run summaries and CA serial counters.
package stores
