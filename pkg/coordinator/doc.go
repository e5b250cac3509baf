/*
Package coordinator implements the off-chain provider client: the single-
writer, event-driven process that keeps a provider honest on the network.

	┌────────────────────── COORDINATOR ──────────────────────┐
	│                                                          │
	│  block imports ──┐                                       │
	│  finality ───────┤                                       │
	│  tx outcomes ────┼──► run loop (single writer)           │
	│  transfers ──────┘        │                              │
	│                           ├─ local forest mirror         │
	│                           ├─ per-block root journal      │
	│                           ├─ volunteer / confirm queues  │
	│                           └─ proof + charging duties     │
	└──────────────────────────────────────────────────────────┘

Only best-block imports mutate the forest mirror; non-best imports park
until a reorg promotes them, at which point the journal rewinds the mirror
to the fork point and replays the new branch. After every block that
touches this provider the mirror is checked against the on-chain root.

MSP flow: a storage request for one of our buckets triggers a chunk
download from the user's peers, fingerprint verification, and a batched
accept carrying the recomputed bucket root. BSP flow: the earliest
volunteer tick is computed from issuance-tick state, the volunteer goes out
when it opens, chunks are fetched, and a confirm is built against the
mirror's root. A confirm that raced a same-block deletion fails with a
forest-proof error and is rebuilt once the mirror absorbs the new root,
bounded by a retry cap.

Challenges are answered from the mirror and the chunk store; checkpoint
remove mutations are applied to a scratch trie for the submitted new root
and to the mirror only when the mutation event lands. Payment charging
runs against finalized ticks only, so a rolled-back size change can never
have been charged. On restart, recovery reconciles the forest against the
chunk store and re-fetches missing files from indexer-known replicas,
reporting recovered/failed/panicked/total; an unavailable indexer skips the
pass with a diagnostic.
*/
package coordinator
