package activity

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestComputeEligibilityS1 exercises spec.md section 8's S1 scenario:
// livenessPeriod=86400, livenessRatio≈1 req/day, tsCheckpoint=now-1000,
// baseline=0, current=0 → requestsNeeded=2 (1 required + 1 safety margin).
func TestComputeEligibilityS1(t *testing.T) {
	now := int64(2_000_000)
	status := &Status{
		LivenessPeriod:       big.NewInt(86400),
		TsCheckpoint:         big.NewInt(now - 1000),
		LivenessRatio:        big.NewInt(11574074074074),
		CurrentRequestCount:  big.NewInt(0),
		BaselineRequestCount: big.NewInt(0),
	}

	computeEligibility(status, now)

	assert.Equal(t, big.NewInt(86400), status.EffectivePeriod, "elapsed (1000s) is below livenessPeriod, so effectivePeriod is livenessPeriod")
	assert.Equal(t, big.NewInt(2), status.RequestsNeeded)
	assert.False(t, status.IsEligibleForRewards)
}

// TestComputeEligibilityFormula is spec.md section 8 property 2, checked
// directly against the formula it states.
func TestComputeEligibilityFormula(t *testing.T) {
	type tc struct {
		name                                                       string
		livenessPeriod, tsCheckpoint, livenessRatio, current, base, now int64
	}
	cases := []tc{
		{"exactly at threshold", 100, 0, 1e18, 101, 0, 100},
		{"one below threshold", 100, 0, 1e18, 100, 0, 100},
		{"elapsed exceeds livenessPeriod", 100, 0, 1e18, 1000, 0, 900},
		{"zero ratio always eligible after margin", 100, 0, 0, 1, 0, 100},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status := &Status{
				LivenessPeriod:       big.NewInt(tc.livenessPeriod),
				TsCheckpoint:         big.NewInt(tc.tsCheckpoint),
				LivenessRatio:        big.NewInt(tc.livenessRatio),
				CurrentRequestCount:  big.NewInt(tc.current),
				BaselineRequestCount: big.NewInt(tc.base),
			}
			computeEligibility(status, tc.now)

			effectivePeriod := maxBig(big.NewInt(tc.livenessPeriod), big.NewInt(tc.now-tc.tsCheckpoint))
			product := new(big.Int).Mul(effectivePeriod, big.NewInt(tc.livenessRatio))
			required := ceilDiv(product, oneE18)
			required.Add(required, big.NewInt(SafetyMargin))
			eligible := tc.current - tc.base
			wantEligible := eligible >= required.Int64()

			assert.Equal(t, wantEligible, status.IsEligibleForRewards)
		})
	}
}

func TestCeilDivRoundsUp(t *testing.T) {
	assert.Equal(t, big.NewInt(3), ceilDiv(big.NewInt(10), big.NewInt(4)))
	assert.Equal(t, big.NewInt(2), ceilDiv(big.NewInt(8), big.NewInt(4)))
	assert.Equal(t, big.NewInt(0), ceilDiv(big.NewInt(10), big.NewInt(0)))
}

func TestMaxBig(t *testing.T) {
	assert.Equal(t, big.NewInt(5), maxBig(big.NewInt(5), big.NewInt(3)))
	assert.Equal(t, big.NewInt(7), maxBig(big.NewInt(5), big.NewInt(7)))
}

func TestRequestsNeededNeverNegative(t *testing.T) {
	status := &Status{
		LivenessPeriod:       big.NewInt(100),
		TsCheckpoint:         big.NewInt(0),
		LivenessRatio:        big.NewInt(0),
		CurrentRequestCount:  big.NewInt(50),
		BaselineRequestCount: big.NewInt(0),
	}
	computeEligibility(status, 100)
	assert.Equal(t, big.NewInt(0), status.RequestsNeeded)
	assert.True(t, status.IsEligibleForRewards)
}
