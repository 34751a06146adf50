// Package store defines the local persistence port of the sync engine and
// its in-memory implementation.
//
// A DataStore keeps, per set, an ordered collection of Items: the entity
// key, its mapping state, and its raw payload. Insertion order is
// preserved (seq) so unordered reads are deterministic.
//
// # Implementations
//
//   - MemoryStore: map-backed, for tests and ephemeral contexts
//   - store/sqlite: SQLite with WAL, JSON payload column, filter push-down
//   - store/badger: BadgerDB key-value store
//
// Query-aware reads honour $select and $expand. Expansion needs relation
// metadata, which the owning context injects through a Resolver.
package store
