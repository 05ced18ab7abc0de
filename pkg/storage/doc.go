/*
Package storage provides BoltDB-backed state persistence for Drover's
platform data.

The storage package implements the Store interface using BoltDB as the
underlying database, providing ACID transactions for tenants, runs, the
transition audit log, the per-tenant cost ledger and admission rejection
records. All data is serialized as JSON and stored in separate buckets.

# Architecture

Drover uses BoltDB (bbolt) for embedded, transactional storage with
zero external dependencies:

	┌──────────────────── BOLTDB STORAGE ─────────────────────┐
	│                                                          │
	│  ┌───────────────────────────────────────────┐          │
	│  │            BoltStore                       │          │
	│  │  - File: <dataDir>/drover.db               │          │
	│  │  - Format: B+tree with MVCC                │          │
	│  │  - Transactions: ACID with fsync           │          │
	│  └──────────────────┬────────────────────────┘          │
	│                     │                                    │
	│  ┌──────────────────▼────────────────────────┐          │
	│  │              Bucket Structure              │          │
	│  │  ┌─────────────────────────────────────┐  │          │
	│  │  │ tenants      key: tenant ID         │  │          │
	│  │  │ runs         key: run ULID          │  │          │
	│  │  │ transitions  key: runID/nanos       │  │          │
	│  │  │ ledger       key: tenant/nanos/uuid │  │          │
	│  │  │ rejections   key: tenant/nanos/uuid │  │          │
	│  │  └─────────────────────────────────────┘  │          │
	│  └──────────────────┬────────────────────────┘          │
	│                     │                                    │
	│  ┌──────────────────▼────────────────────────┐          │
	│  │        Transaction Management              │          │
	│  │  - Read:  db.View()   concurrent reads    │          │
	│  │  - Write: db.Update() serialized writes   │          │
	│  │  - Rollback: automatic on error            │          │
	│  │  - Commit: automatic on success + fsync    │          │
	│  └───────────────────────────────────────────┘          │
	│                                                          │
	└──────────────────────────────────────────────────────────┘

# Key Layout

Entities keyed by their own ID (tenants, runs) support point lookups.
Append-only streams (transitions, ledger, rejections) use composite
keys with a fixed-width nanosecond timestamp so a cursor prefix scan
returns one owner's records in time order:

	01JF8YKQ.../             transitions for one run
	tenant-a/                ledger entries for one tenant

Run ULIDs sort by creation time, so full scans of the runs bucket also
come back in submission order.

# Error Mapping

Missing entities return categorized faults (fault.CodeRunNotFound,
fault.CodeTenantUnknown) so callers and the API surface a stable code
without translating storage errors themselves.

# Usage

	store, err := storage.NewBoltStore("/var/lib/drover")
	if err != nil {
	    return err
	}
	defer store.Close()

	run := &types.Run{ID: types.NewRunID(), TenantID: "tenant-a", State: types.RunStateIdle}
	if err := store.CreateRun(run); err != nil {
	    return err
	}

Update operations are upserts: callers own read-modify-write ordering.
The state manager serializes run mutations through per-run locks; the
budget controller serializes ledger appends per tenant. The store
itself only guarantees transaction atomicity.

# What Is Not Here

Task queue state lives with the queue implementations (snapshot file or
redis), and artifact bundles are plain files managed by pkg/artifact.
This package holds only the control-plane state that must survive a
restart and be queryable.
*/
package storage
