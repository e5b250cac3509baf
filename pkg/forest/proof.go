package forest

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/storagehub-net/storagehub/pkg/types"
)

// WitnessKind classifies what a witness asserts about its challenge key.
type WitnessKind string

const (
	// WitnessExact proves the challenge key itself is in the forest.
	WitnessExact WitnessKind = "exact"
	// WitnessGap proves the challenge key is absent by exhibiting its
	// nearest neighbours under the trie ordering.
	WitnessGap WitnessKind = "gap"
	// WitnessEmpty asserts the forest holds no keys at all.
	WitnessEmpty WitnessKind = "empty"
)

// ProofStep is one level of a leaf's authentication path, ordered leaf to
// root. Dir is the side the authenticated node sits on (0 = left child).
type ProofStep struct {
	BitPos  uint16     `json:"bit_pos"`
	Dir     byte       `json:"dir"`
	Sibling types.Hash `json:"sibling"`
}

// LeafWitness authenticates one leaf against the forest root.
type LeafWitness struct {
	Key   types.Hash  `json:"key"`
	Value types.Hash  `json:"value"`
	Steps []ProofStep `json:"steps"`
}

// Witness answers a single challenge key.
type Witness struct {
	Challenge types.FileKey `json:"challenge"`
	Kind      WitnessKind   `json:"kind"`
	Leaf      *LeafWitness  `json:"leaf,omitempty"`
	Pred      *LeafWitness  `json:"pred,omitempty"`
	Succ      *LeafWitness  `json:"succ,omitempty"`
}

// Proof is a compact key-inclusion/exclusion proof for a set of challenge
// keys against one forest root.
type Proof struct {
	Witnesses []Witness `json:"witnesses"`
}

// ProvenKeys lists the forest keys a verified proof touches: exact matches
// and exhibited neighbours. These are the keys the provider must answer
// chunk challenges for.
func (p *Proof) ProvenKeys() []types.FileKey {
	seen := make(map[types.Hash]struct{})
	var out []types.FileKey
	add := func(lw *LeafWitness) {
		if lw == nil {
			return
		}
		if _, ok := seen[lw.Key]; ok {
			return
		}
		seen[lw.Key] = struct{}{}
		out = append(out, types.FileKey(lw.Key))
	}
	for i := range p.Witnesses {
		add(p.Witnesses[i].Leaf)
		add(p.Witnesses[i].Pred)
		add(p.Witnesses[i].Succ)
	}
	return out
}

// ExactKeys lists the challenge keys the proof shows as present.
func (p *Proof) ExactKeys() []types.FileKey {
	var out []types.FileKey
	for i := range p.Witnesses {
		if p.Witnesses[i].Kind == WitnessExact {
			out = append(out, p.Witnesses[i].Challenge)
		}
	}
	return out
}

// provePresent builds a leaf witness for a key known to be in the forest.
func (f *Forest) provePresent(key types.Hash) (*LeafWitness, error) {
	leaf, stack, err := f.walk(key)
	if err != nil {
		return nil, err
	}
	if leaf == nil || leaf.key != key {
		return nil, ErrKeyNotFound
	}
	w := &LeafWitness{Key: leaf.key, Value: leaf.value}
	// The walk stack runs root to leaf; steps run leaf to root.
	for i := len(stack) - 1; i >= 0; i-- {
		e := stack[i]
		sibling := e.n.right
		if e.dir == 1 {
			sibling = e.n.left
		}
		w.Steps = append(w.Steps, ProofStep{BitPos: e.n.bitPos, Dir: e.dir, Sibling: sibling})
	}
	return w, nil
}

// Prove answers the challenge keys with exact or nearest-neighbour
// witnesses against the current root.
func (f *Forest) Prove(challenges []types.FileKey) (*Proof, error) {
	proof := &Proof{}
	if f.root == EmptyRoot {
		for _, c := range challenges {
			proof.Witnesses = append(proof.Witnesses, Witness{Challenge: c, Kind: WitnessEmpty})
		}
		return proof, nil
	}

	keys, err := f.Keys()
	if err != nil {
		return nil, err
	}

	for _, c := range challenges {
		ch := types.Hash(c)
		// Position of the first key >= challenge.
		pos := sort.Search(len(keys), func(i int) bool {
			return bytes.Compare(keys[i][:], ch[:]) >= 0
		})
		if pos < len(keys) && keys[pos] == c {
			lw, err := f.provePresent(ch)
			if err != nil {
				return nil, err
			}
			proof.Witnesses = append(proof.Witnesses, Witness{Challenge: c, Kind: WitnessExact, Leaf: lw})
			continue
		}
		w := Witness{Challenge: c, Kind: WitnessGap}
		if pos > 0 {
			if w.Pred, err = f.provePresent(types.Hash(keys[pos-1])); err != nil {
				return nil, err
			}
		}
		if pos < len(keys) {
			if w.Succ, err = f.provePresent(types.Hash(keys[pos])); err != nil {
				return nil, err
			}
		}
		proof.Witnesses = append(proof.Witnesses, w)
	}
	return proof, nil
}

// pathHashes recomputes the node hash at every level of a leaf witness,
// checking bit consistency as it goes. hashes[0] is the leaf hash,
// hashes[len(steps)] the root. The step directions must match the leaf
// key's own bits and bit positions must strictly decrease toward the root.
func pathHashes(lw *LeafWitness) ([]types.Hash, error) {
	leaf := &node{leaf: true, key: lw.Key, value: lw.Value}
	hashes := []types.Hash{leaf.hash()}
	prevBit := int32(keyBits)
	for _, s := range lw.Steps {
		if int32(s.BitPos) >= prevBit {
			return nil, fmt.Errorf("bit positions not decreasing toward root")
		}
		if s.Dir != bitAt(lw.Key, s.BitPos) {
			return nil, fmt.Errorf("step direction contradicts leaf key bit %d", s.BitPos)
		}
		b := &node{bitPos: s.BitPos}
		cur := hashes[len(hashes)-1]
		if s.Dir == 0 {
			b.left, b.right = cur, s.Sibling
		} else {
			b.left, b.right = s.Sibling, cur
		}
		hashes = append(hashes, b.hash())
		prevBit = int32(s.BitPos)
	}
	return hashes, nil
}

// verifyLeaf authenticates a leaf witness against the root.
func verifyLeaf(root types.Root, lw *LeafWitness) ([]types.Hash, error) {
	hashes, err := pathHashes(lw)
	if err != nil {
		return nil, err
	}
	if types.Root(hashes[len(hashes)-1]) != root {
		return nil, fmt.Errorf("leaf path does not authenticate against root")
	}
	return hashes, nil
}

// leadingDirs counts the steps (from the leaf up) that all take the given
// direction, stopping at the first that does not.
func leadingDirs(lw *LeafWitness, dir byte) int {
	n := 0
	for _, s := range lw.Steps {
		if s.Dir != dir {
			break
		}
		n++
	}
	return n
}

// Verify checks the proof against the root for the given challenge set. It
// accepts iff every challenge key has a witness, every witness Merkle-
// authenticates, and every gap witness's neighbours are genuinely adjacent
// in the trie and bracket the challenge.
func Verify(root types.Root, challenges []types.FileKey, proof *Proof) error {
	if proof == nil {
		return types.ErrForestProofVerificationFailed
	}
	byChallenge := make(map[types.FileKey]*Witness, len(proof.Witnesses))
	for i := range proof.Witnesses {
		byChallenge[proof.Witnesses[i].Challenge] = &proof.Witnesses[i]
	}
	for _, c := range challenges {
		w, ok := byChallenge[c]
		if !ok {
			return fmt.Errorf("%w: no witness for %s", types.ErrForestProofVerificationFailed, types.Hash(c).HexString())
		}
		if err := verifyWitness(root, w); err != nil {
			return fmt.Errorf("%w: %s: %v", types.ErrForestProofVerificationFailed, types.Hash(c).HexString(), err)
		}
	}
	return nil
}

func verifyWitness(root types.Root, w *Witness) error {
	ch := types.Hash(w.Challenge)
	switch w.Kind {
	case WitnessEmpty:
		if root != EmptyRoot {
			return fmt.Errorf("empty witness against non-empty root")
		}
		return nil

	case WitnessExact:
		if w.Leaf == nil {
			return fmt.Errorf("exact witness without leaf")
		}
		if w.Leaf.Key != ch {
			return fmt.Errorf("exact witness for a different key")
		}
		_, err := verifyLeaf(root, w.Leaf)
		return err

	case WitnessGap:
		if w.Pred == nil && w.Succ == nil {
			return fmt.Errorf("gap witness with no neighbours")
		}
		var predHashes, succHashes []types.Hash
		var err error
		if w.Pred != nil {
			if bytes.Compare(w.Pred.Key[:], ch[:]) >= 0 {
				return fmt.Errorf("predecessor does not precede challenge")
			}
			if predHashes, err = verifyLeaf(root, w.Pred); err != nil {
				return err
			}
		}
		if w.Succ != nil {
			if bytes.Compare(w.Succ.Key[:], ch[:]) <= 0 {
				return fmt.Errorf("successor does not follow challenge")
			}
			if succHashes, err = verifyLeaf(root, w.Succ); err != nil {
				return err
			}
		}
		switch {
		case w.Pred == nil:
			// Challenge below the minimum: the successor must be the
			// leftmost leaf of the whole trie.
			if leadingDirs(w.Succ, 0) != len(w.Succ.Steps) {
				return fmt.Errorf("successor is not the minimum key")
			}
		case w.Succ == nil:
			// Challenge above the maximum: the predecessor must be the
			// rightmost leaf of the whole trie.
			if leadingDirs(w.Pred, 1) != len(w.Pred.Steps) {
				return fmt.Errorf("predecessor is not the maximum key")
			}
		default:
			// Adjacency: both neighbours meet at their lowest common
			// branch; the predecessor is the rightmost leaf of its left
			// subtree, the successor the leftmost leaf of its right.
			p := leadingDirs(w.Pred, 1)
			q := leadingDirs(w.Succ, 0)
			if p >= len(w.Pred.Steps) || q >= len(w.Succ.Steps) {
				return fmt.Errorf("neighbour paths never diverge")
			}
			if w.Pred.Steps[p].Dir != 0 || w.Succ.Steps[q].Dir != 1 {
				return fmt.Errorf("neighbours on wrong sides of divergence")
			}
			if predHashes[p+1] != succHashes[q+1] {
				return fmt.Errorf("neighbours do not share a divergence node")
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown witness kind %q", w.Kind)
	}
}
