/*
Package challenge implements the deterministic challenge engine: per-tick
seeds, seed-to-file-key derivation, stake-based challenge periods, the
volunteer threshold function, the ordered deadline ledger, and the block
fullness tracker that pauses deadlines under sustained spam.

Everything here is a pure function of chain state: seeds derive from the
host randomness beacon, challenged keys from (seed, provider, index), and a
BSP's earliest volunteer tick from (provider, file key, seed at issuance,
reputation weight). Producing extra blocks changes none of the inputs, so it
cannot open a volunteer window early.

The DeadlineLedger is an in-memory btree index over (deadline, provider)
mirroring the persisted provider records; the per-tick sweep pops providers
whose deadline plus tolerance has passed, capped at
MaxSlashableProvidersPerTick.
*/
package challenge
