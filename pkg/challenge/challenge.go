package challenge

import (
	"encoding/binary"
	"math/big"

	"github.com/storagehub-net/storagehub/pkg/types"
)

// SeedAt derives the challenge seed for a tick from the host-supplied
// entropy: seed(t) = H("seed:" ∥ entropy(t) ∥ t).
func SeedAt(entropy [32]byte, tick types.Tick) types.Seed {
	buf := make([]byte, 0, 5+32+8)
	buf = append(buf, []byte("seed:")...)
	buf = append(buf, entropy[:]...)
	var t [8]byte
	binary.BigEndian.PutUint64(t[:], uint64(tick))
	buf = append(buf, t[:]...)
	return types.Seed(types.Hashed(buf))
}

// DeriveKey maps (seed, provider, i) to the i-th challenged file key for
// that provider's proof of the seed's tick.
func DeriveKey(seed types.Seed, provider types.ProviderID, i uint32) types.FileKey {
	buf := make([]byte, 0, 10+32+32+4)
	buf = append(buf, []byte("challenge:")...)
	buf = append(buf, seed[:]...)
	buf = append(buf, provider[:]...)
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], i)
	buf = append(buf, idx[:]...)
	return types.FileKey(types.Hashed(buf))
}

// KeysFor derives the full random challenge set for one provider and tick.
func KeysFor(seed types.Seed, provider types.ProviderID, count uint32) []types.FileKey {
	keys := make([]types.FileKey, count)
	for i := uint32(0); i < count; i++ {
		keys[i] = DeriveKey(seed, provider, i)
	}
	return keys
}

// ChunkIndices selects which chunks of a stored file must be proven for a
// challenge. Indices derive from (seed, fileKey, i) and are deduplicated, so
// small files may yield fewer than count indices.
func ChunkIndices(seed types.Seed, fileKey types.FileKey, chunkCount uint64, count uint32) []uint64 {
	if chunkCount == 0 {
		return nil
	}
	seen := make(map[uint64]struct{})
	var out []uint64
	for i := uint32(0); i < count; i++ {
		buf := make([]byte, 0, 6+32+32+4)
		buf = append(buf, []byte("chunk:")...)
		buf = append(buf, seed[:]...)
		buf = append(buf, fileKey[:]...)
		var idx [4]byte
		binary.BigEndian.PutUint32(idx[:], i)
		buf = append(buf, idx[:]...)
		h := types.Hashed(buf)
		index := binary.BigEndian.Uint64(h[:8]) % chunkCount
		if _, ok := seen[index]; ok {
			continue
		}
		seen[index] = struct{}{}
		out = append(out, index)
	}
	return out
}

// PeriodFor computes a provider's challenge period from its stake:
// max(MinChallengePeriod, StakeToChallengePeriod / stake). A change in stake
// applies from the next proof boundary; in-flight deadlines are honoured by
// the caller keeping the already-computed deadline.
func PeriodFor(params *types.Params, stake types.Balance) types.Tick {
	if stake == 0 {
		return params.MinChallengePeriod
	}
	period := types.Tick(uint64(params.StakeToChallengePeriod) / uint64(stake))
	if period < params.MinChallengePeriod {
		period = params.MinChallengePeriod
	}
	return period
}

var two64 = new(big.Int).Lsh(big.NewInt(1), 64)

// EarliestVolunteerTick computes the first tick at which a BSP may volunteer
// for a file. It is a pure function of (provider, fileKey, the seed at the
// request's issuance tick, reputation weight); producing blocks cannot
// accelerate it. The offset distance is drawn from the top-bit-forced hash
// so that a provider with at least twice another's weight always opens no
// later; over TickRangeToMaxThreshold ticks the threshold relaxes to every
// provider being eligible.
func EarliestVolunteerTick(params *types.Params, provider types.ProviderID, fileKey types.FileKey, issuanceSeed types.Seed, reputationWeight uint32, issuedAt types.Tick) types.Tick {
	if reputationWeight == 0 {
		reputationWeight = 1
	}
	buf := make([]byte, 0, 10+32+32+32)
	buf = append(buf, []byte("volunteer:")...)
	buf = append(buf, provider[:]...)
	buf = append(buf, fileKey[:]...)
	buf = append(buf, issuanceSeed[:]...)
	h := types.Hashed(buf)

	// Force the top bit so the draw lands in [2^63, 2^64): the offset for
	// weight w is then confined to [range/2w, range/w].
	d := binary.BigEndian.Uint64(h[:8]) | (1 << 63)

	// offset = range * d / (2^64 * w)
	num := new(big.Int).SetUint64(uint64(params.TickRangeToMaxThreshold))
	num.Mul(num, new(big.Int).SetUint64(d))
	den := new(big.Int).SetUint64(uint64(reputationWeight))
	den.Mul(den, two64)
	offset := num.Div(num, den).Uint64()

	if offset > uint64(params.TickRangeToMaxThreshold) {
		offset = uint64(params.TickRangeToMaxThreshold)
	}
	return issuedAt + types.Tick(offset)
}

// CheckpointTick reports whether checkpoint challenges are emitted at tick.
func CheckpointTick(params *types.Params, tick types.Tick) bool {
	if params.CheckpointChallengePeriod == 0 {
		return false
	}
	return uint64(tick)%uint64(params.CheckpointChallengePeriod) == 0
}
