/*
Package txmgr submits and tracks a provider's extrinsics with durable
per-(account, nonce) state in BoltDB.

	Submitted → Ready → Broadcast → InBlock → Finalized → <cleared>
	                                   │
	                                   └─ (reorg) → Retracted → resubmitted
	Submitted → Invalid (nonce gap / outdated)
	Submitted → Usurped (replaced by a higher-tip tx at the same nonce)

Every transition persists before the next step, so a crash between build
and submit cannot lose a transaction: the restart path resubmits anything
recorded as Submitted and resumes watching the rest. Nonces are assigned
locally in order; nonce n+1 is never submitted before nonce n is at least
in the pool.

A transaction idling in the pool past the retry timeout is resubmitted with
a doubled tip at the same nonce, which surfaces as a Usurped event for the
older hash. Escalation is bounded; past the ceiling the transaction is
surfaced as fatal. When a nonce is invalidated, queued later transactions
are reassigned onto the vacated nonce in order (gap fill). Finalized
records are deleted only once a later finalized state shows a higher
account nonce, proving no reorg can revive them.
*/
package txmgr
