package challenge

import (
	"testing"

	"github.com/storagehub-net/storagehub/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pid(s string) types.ProviderID {
	return types.ProviderID(types.Hashed([]byte(s)))
}

func TestSeedDeterministic(t *testing.T) {
	var entropy [32]byte
	entropy[0] = 0xaa

	s1 := SeedAt(entropy, 10)
	s2 := SeedAt(entropy, 10)
	assert.Equal(t, s1, s2)

	s3 := SeedAt(entropy, 11)
	assert.NotEqual(t, s1, s3, "seed must bind the tick")
}

func TestDeriveKeysDistinct(t *testing.T) {
	var entropy [32]byte
	seed := SeedAt(entropy, 5)

	keys := KeysFor(seed, pid("bsp-1"), 4)
	require.Len(t, keys, 4)
	seen := make(map[types.FileKey]bool)
	for _, k := range keys {
		assert.False(t, seen[k], "derived keys must be distinct")
		seen[k] = true
	}

	other := KeysFor(seed, pid("bsp-2"), 4)
	assert.NotEqual(t, keys[0], other[0], "keys must bind the provider")
}

func TestPeriodFor(t *testing.T) {
	params := types.DefaultParams() // MinChallengePeriod=4, StakeToChallengePeriod=100_000

	tests := []struct {
		name  string
		stake types.Balance
		want  types.Tick
	}{
		{"zero stake floors at min", 0, 4},
		{"small stake", 1000, 100},
		{"large stake clamps to min", 50_000, 4},
		{"mid stake", 10_000, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PeriodFor(params, tt.stake))
		})
	}
}

func TestVolunteerThresholdOrdering(t *testing.T) {
	// Three BSPs with very different reputations competing for one file:
	// higher weight must open strictly earlier, and the ordering must be
	// stable across runs of the same seed.
	params := types.DefaultParams()
	params.TickRangeToMaxThreshold = 9001

	var entropy [32]byte
	entropy[3] = 0x42
	seed := SeedAt(entropy, 100)
	fileKey := types.FileKey(types.Hashed([]byte("file")))
	issued := types.Tick(100)

	heavy := EarliestVolunteerTick(params, pid("bsp-heavy"), fileKey, seed, 800_000, issued)
	mid := EarliestVolunteerTick(params, pid("bsp-mid"), fileKey, seed, 100, issued)
	light := EarliestVolunteerTick(params, pid("bsp-light"), fileKey, seed, 1, issued)

	assert.Less(t, uint64(heavy), uint64(mid))
	assert.Less(t, uint64(mid), uint64(light))

	// Stable across recomputation.
	assert.Equal(t, heavy, EarliestVolunteerTick(params, pid("bsp-heavy"), fileKey, seed, 800_000, issued))
	assert.Equal(t, mid, EarliestVolunteerTick(params, pid("bsp-mid"), fileKey, seed, 100, issued))
	assert.Equal(t, light, EarliestVolunteerTick(params, pid("bsp-light"), fileKey, seed, 1, issued))
}

func TestVolunteerThresholdBounds(t *testing.T) {
	params := types.DefaultParams()
	params.TickRangeToMaxThreshold = 50
	issued := types.Tick(10)
	seed := SeedAt([32]byte{1}, issued)

	// Whatever the draw, the threshold opens within the relaxation range.
	for i := 0; i < 32; i++ {
		tick := EarliestVolunteerTick(params, pid(string(rune('a'+i))), types.FileKey(types.Hashed([]byte{byte(i)})), seed, 1, issued)
		assert.GreaterOrEqual(t, uint64(tick), uint64(issued))
		assert.LessOrEqual(t, uint64(tick), uint64(issued)+50)
	}
}

func TestVolunteerThresholdPureFunction(t *testing.T) {
	// The earliest tick depends only on its four inputs; in particular it
	// does not depend on any notion of the current tick, so producing
	// blocks cannot accelerate eligibility.
	params := types.DefaultParams()
	seed := SeedAt([32]byte{9}, 77)
	fileKey := types.FileKey(types.Hashed([]byte("f")))

	before := EarliestVolunteerTick(params, pid("p"), fileKey, seed, 10, 77)
	// Simulated chain growth: nothing in the inputs changes.
	after := EarliestVolunteerTick(params, pid("p"), fileKey, seed, 10, 77)
	assert.Equal(t, before, after)
}

func TestDeadlineLedger(t *testing.T) {
	l := NewDeadlineLedger()
	l.Set(pid("a"), 10)
	l.Set(pid("b"), 20)
	l.Set(pid("c"), 15)

	// tolerance 2: at tick 13, only a (10+2 < 13) is due.
	due := l.Due(13, 2, 10)
	assert.Equal(t, []types.ProviderID{pid("a")}, due)

	// Rolling a forward clears it from the due set; at tick 19 only c
	// (15+2 < 19) is due.
	l.Set(pid("a"), 30)
	due = l.Due(19, 2, 10)
	assert.Equal(t, []types.ProviderID{pid("c")}, due)

	// All overdue, capped at max.
	due = l.Due(100, 2, 2)
	assert.Len(t, due, 2)

	l.Remove(pid("b"))
	_, ok := l.Deadline(pid("b"))
	assert.False(t, ok)
	assert.Equal(t, 2, l.Len())
}

func TestFullnessTracker(t *testing.T) {
	tr := NewFullnessTracker(4)

	// Unfilled window never pauses.
	tr.Observe(false)
	assert.False(t, tr.Paused(0.5))

	tr.Observe(false)
	tr.Observe(false)
	tr.Observe(true)
	// 1/4 not-full < 0.5 → paused.
	assert.True(t, tr.Paused(0.5))

	// Window slides: three more not-full blocks recover.
	tr.Observe(true)
	tr.Observe(true)
	tr.Observe(true)
	assert.False(t, tr.Paused(0.5))
}

func TestCheckpointTick(t *testing.T) {
	params := types.DefaultParams() // CheckpointChallengePeriod = 20
	assert.True(t, CheckpointTick(params, 20))
	assert.True(t, CheckpointTick(params, 40))
	assert.False(t, CheckpointTick(params, 21))
}
