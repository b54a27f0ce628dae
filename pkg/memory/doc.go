// Package memory persists episodic memory: question/answer exchanges extracted
// from assistant conversation logs, stored in a single SQLite file with an
// optional sqlite-vec nearest-neighbour index.
//
// Invariants:
// - One row per exchange id; Insert is an upsert.
// - Every vec_exchanges id references an existing exchange. Violations are
//   orphans, found and removed by Repair.
// - Schema versions in schema_migrations only ever grow.
// - When the vector capability is unavailable the store runs text-only.
//
// Usage:
//
//	store, _ := memory.NewStore(memory.Config{DBPath: "/data/conversations.db", Logger: logger})
//	defer store.Close()
//	_ = store.Open(ctx)
//	results := store.Search(ctx, "sqlite locking", memory.SearchOptions{Limit: 10})
//	_ = results
package memory
