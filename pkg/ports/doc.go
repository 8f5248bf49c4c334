/*
Package ports defines the driven ports (interfaces) of the batch engine.

These interfaces decouple the engine from databases, admission control and
route handlers, so adapters can be swapped (SQLite or Postgres, in-memory or
Redis gate) without touching the core.

# Key Interfaces

  - Database / Tx: transactional storage with nested transactions and deferred constraints.
  - Gate: admission control bounding total batch concurrency.
  - Handler / Hook: the contract of route handlers and their post-processing hooks.
  - Phaser: the handle through which handlers order their database work.
*/
package ports
