/*
Package chain defines the boundary between provider clients and the runtime
host, and ships an embedded single-node devnet implementation of it.

The Client interface is everything the off-chain coordinator consumes:
extrinsic submission with per-hash status streams, account nonces, chain
head queries, the per-tick randomness beacon, state reads, and block
import/finality notifications. Production deployments implement Client
against a full node's RPC; tests and local development use the Devnet.

# Devnet

The devnet orders blocks through a raft log (single voter, BoltDB-backed log
and stable stores) whose FSM drives the runtime:

	pool ──collect──► blockCommand ──raft.Apply──► chainFSM
	                                                 │ OnTick(tick)
	                                                 │ runtime.Apply(ext)…
	                                                 ▼
	                                      Block{events, results}

Applying through the log is what makes block replay deterministic: a restart
replays the raft log and the FSM skips entries the persisted chain has
already absorbed, so replaying a block yields identical state transitions
and events. The pool orders extrinsics by tip within a block and enforces
per-account nonce sequencing; a same-nonce submission with a higher tip
usurps the in-pool transaction, notifying the old hash.

Finality lags one block: producing height H finalizes H-1.
*/
package chain
