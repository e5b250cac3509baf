/*
Package forest implements the per-provider Merkle-Patricia trie that
materializes what a provider stores, and the compact proofs the protocol
verifies against its root.

# Structure

The trie is a compressed binary Patricia trie over the 256 bits of a file
key. A branch node splits on a single bit position; positions strictly
increase from the root down, so an in-order walk yields keys in ascending
numeric order. Nodes are content-addressed (stored under the hash of their
encoding), which gives persistence for free: mutations write new nodes and
move the root, every historical root stays readable, and rolling back to a
pre-reorg root is a single root swap.

	┌──────────────────── FOREST ──────────────────────┐
	│                                                   │
	│   root ──► branch(bit 0)                          │
	│              ├── left  ──► branch(bit 3)          │
	│              │               ├── leaf k1 → v1     │
	│              │               └── leaf k2 → v2     │
	│              └── right ──► leaf k3 → v3           │
	│                                                   │
	│   NodeStore: hash → encoded node (Bolt or memory) │
	└───────────────────────────────────────────────────┘

An MSP holds one sub-forest per bucket alongside its provider forest; all of
them share one NodeStore.

# Proofs

Prove answers each challenge key with one of three witnesses: an exact
inclusion path, a gap witness exhibiting the challenge's nearest neighbours
(predecessor and successor under the trie ordering) with their paths, or an
empty-forest assertion. Verify accepts iff every path Merkle-authenticates
against the root, every step direction matches the leaf's own key bits, and
gap neighbours are genuinely adjacent: they must meet at a common divergence
node with the predecessor the rightmost leaf of its left subtree and the
successor the leftmost leaf of its right. Verification time is linear in the
number of challenge keys times proof depth.
*/
package forest
