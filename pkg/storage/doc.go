/*
Package storage provides BoltDB-backed persistence for StorageHub runtime
state.

The Store interface covers every record the pallets read and write: the
governance parameter table, accounts, buckets, storage requests (with an
expiry index keyed by tick for the per-tick sweep), provider records, fixed
and dynamic payment streams, the global price index, pending stop-storing
and deletion requests, the bounded checkpoint challenge queue, the per-tick
challenge seeds, and the emitted checkpoint challenge sets. All
values are serialized as JSON into per-entity buckets.

	┌─────────────────── RUNTIME STATE ───────────────────┐
	│  params                  (fixed key)                │
	│  accounts                (AccountID)                │
	│  buckets                 (BucketID)                 │
	│  storage_requests        (FileKey)                  │
	│  storage_request_expiry  (Tick ∥ FileKey → FileKey) │
	│  providers               (ProviderID)               │
	│  fixed_streams           (ProviderID ∥ AccountID)   │
	│  dynamic_streams         (ProviderID ∥ AccountID)   │
	│  price_index             (fixed key)                │
	│  stop_storing_requests   (ProviderID ∥ FileKey)     │
	│  pending_deletions       (FileKey)                  │
	│  checkpoint_queue        (sequence)                 │
	│  seeds                   (Tick)                     │
	│  checkpoint_sets         (Tick)                     │
	└─────────────────────────────────────────────────────┘

The runtime dispatcher is the only writer; one extrinsic executes at a time,
so no additional locking sits above Bolt's own transactions.
*/
package storage
