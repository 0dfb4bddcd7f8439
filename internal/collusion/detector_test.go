package collusion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	ownerA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	ownerB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func hire(hirer, hiree uint64, price int64) Hire {
	return Hire{
		HirerID: hirer, HirerName: "coordinator", HirerOwner: ownerA,
		HireeID: hiree, HireeName: "worker", HireeOwner: ownerB,
		Capability: "research", Price: price,
	}
}

func TestCheckHireIsPure(t *testing.T) {
	d := NewDetector(nil)
	ctx := context.Background()
	h := hire(1, 2, 100)

	first, err := d.CheckHire(ctx, h)
	require.NoError(t, err)
	second, err := d.CheckHire(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	hist, err := d.History(ctx, h)
	require.NoError(t, err)
	assert.Zero(t, hist.PairCount)
}

func TestSelfHireBlocked(t *testing.T) {
	d := NewDetector(nil)
	dec, err := d.CheckHire(context.Background(), hire(7, 7, 1))
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, RuleSelfHire, dec.Rule)
}

func TestPairFrequencyBlocksAfterThreshold(t *testing.T) {
	d := NewDetector(nil, WithThresholds(Thresholds{MaxPairHires: 2}))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		dec, err := d.CheckAndRecord(ctx, hire(1, 2, 100))
		require.NoError(t, err)
		require.True(t, dec.Allowed)
	}
	dec, err := d.CheckAndRecord(ctx, hire(1, 2, 100))
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, RulePairFrequency, dec.Rule)

	hist, _ := d.History(ctx, hire(1, 2, 100))
	assert.Equal(t, 2, hist.PairCount, "blocked hires are not recorded")
}

func TestSameOwnerFrequency(t *testing.T) {
	d := NewDetector(nil, WithThresholds(Thresholds{MaxSameOwnerHires: 1}))
	ctx := context.Background()
	h := hire(1, 2, 100)
	h.HireeOwner = ownerA

	dec, err := d.CheckAndRecord(ctx, h)
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	h.HireeID = 3
	dec, err = d.CheckAndRecord(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, RuleSameOwnerFrequency, dec.Rule)
}

func TestPriceEscalation(t *testing.T) {
	d := NewDetector(nil, WithThresholds(Thresholds{MinPriceSamples: 2, EscalationFactor: 1.5}))
	ctx := context.Background()
	require.NoError(t, d.RecordHire(ctx, hire(1, 2, 100)))
	require.NoError(t, d.RecordHire(ctx, hire(3, 2, 100)))

	dec, err := d.CheckHire(ctx, hire(4, 2, 149))
	require.NoError(t, err)
	assert.True(t, dec.Allowed)

	dec, err = d.CheckHire(ctx, hire(4, 2, 151))
	require.NoError(t, err)
	assert.Equal(t, RulePriceEscalation, dec.Rule)
}

func TestCheckAndRecordIsAtomicPerPair(t *testing.T) {
	d := NewDetector(nil, WithThresholds(Thresholds{MaxPairHires: 5}))
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dec, err := d.CheckAndRecord(ctx, hire(1, 2, 100))
			if err == nil && dec.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, allowed)
}

// slowStore 在读取历史后停顿，放大检查与记录之间的窗口。
type slowStore struct {
	Store
	delay time.Duration
}

func (s slowStore) Snapshot(ctx context.Context, h Hire) (History, error) {
	hist, err := s.Store.Snapshot(ctx, h)
	time.Sleep(s.delay)
	return hist, err
}

func TestCheckAndRecordIsAtomicPerOwnerPair(t *testing.T) {
	d := NewDetector(slowStore{Store: NewMemoryStore(0), delay: 20 * time.Millisecond},
		WithThresholds(Thresholds{MaxSameOwnerHires: 1}))
	ctx := context.Background()

	var wg sync.WaitGroup
	allowed := make([]bool, 2)
	for i, hiree := range []uint64{10, 11} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := hire(1, hiree, 100)
			h.HireeOwner = ownerA
			dec, err := d.CheckAndRecord(ctx, h)
			assert.NoError(t, err)
			allowed[i] = dec.Allowed
		}()
	}
	wg.Wait()

	assert.ElementsMatch(t, []bool{true, false}, allowed)
	h := hire(1, 10, 100)
	h.HireeOwner = ownerA
	hist, err := d.History(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, 1, hist.OwnerPairCount)
}

func TestMemoryStorePriceWindow(t *testing.T) {
	s := NewMemoryStore(2)
	ctx := context.Background()
	for _, p := range []int64{1, 2, 3} {
		require.NoError(t, s.Append(ctx, hire(1, 2, p), ctxTime()))
	}
	hist, err := s.Snapshot(ctx, hire(1, 2, 0))
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, hist.RecentPrices)
	assert.Equal(t, []string{"research"}, hist.Capabilities)
	assert.Equal(t, int64(6), hist.PairTotalPaid)
}

func ctxTime() time.Time { return time.Unix(1700000000, 0) }
