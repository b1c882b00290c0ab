// Package storage persists the expansion pool and the run metadata.
//
// Two drivers are available:
//   - "sqlite": the expansions/info tables used by the original bot database
//   - "file": a single JSON snapshot, rewritten atomically on every mutation
//
// Both implement the least-used selection rule: among records with the
// minimal usage count, one is picked uniformly at random.
package storage
