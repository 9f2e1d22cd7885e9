// Package ledger implements the hash-chained block log that records every
// creation, update and deletion of a tracked item.
//
// The chain begins with a genesis block (index 0, no data, PreviousHash "0").
// Every later block stores the hash of its predecessor and a hash computed over
// its own index, serialized data and previous hash, making any tampering
// detectable via Verify.
//
// The Ledger keeps the chain and the pending-transaction buffer in memory and
// treats its Store as the source of truth: every seal persists the whole chain
// and reloads it. Three Store implementations are provided:
//   - MemoryStore: in-process, for testing and development.
//   - PostgresStore: durable, for production use.
//   - BadgerStore: embedded, for single-process deployments without Postgres.
package ledger
