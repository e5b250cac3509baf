/*
Package runtime implements the StorageHub pallets: file-system (storage
request lifecycle), providers (sign-up, capacity, stake, slashing),
proofs-dealer (challenge verification and deadlines), and payment-streams
(fixed and dynamic rate accrual).

The Runtime executes inside a single-threaded deterministic host: Apply runs
one extrinsic at a time against the state store and returns the events it
emitted; OnTick runs the per-tick duties (seed recording, price index
accrual, expiry sweep, checkpoint emission, slashing) before the tick's
extrinsics. Block production, consensus, and fee handling live outside this
package; the devnet in pkg/chain drives Apply/OnTick through a raft log,
which is what makes replaying a block yield identical transitions.

Forest roots are the bridge between pallets and providers: a BSP confirm or
delete carries a proof against the provider's previous root plus the claimed
new root, and the runtime recomputes the mutation over its own copy of the
trie before accepting the claim. A root moved earlier in the same block (a
concurrent deletion) makes the stale proof fail with
ErrForestProofVerificationFailed; the provider client rebuilds against the
new root and resubmits.
*/
package runtime
