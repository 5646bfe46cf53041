// Package activity implements the on-chain eligibility math spec.md section
// 4.1 describes: three caches of different lifetimes layered over
// pkg/chain's staking/activity-checker reads, with singleflight coalescing
// so N services sharing one staking contract only trigger one fetch per
// cache key, following golang.org/x/sync/singleflight's own documented use
// case, which is exactly "many callers, one in-flight fetch per key."
package activity

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"

	"github.com/ridgeline-labs/mechworker/pkg/chain"
	"github.com/ridgeline-labs/mechworker/pkg/registry"
)

// SafetyMargin is the constant additive term in requiredRequests (spec 3).
const SafetyMargin = 1

// contractFacts are the permanent, per-staking-contract reads (spec 4.1).
type contractFacts struct {
	livenessPeriod         *big.Int
	activityCheckerAddress common.Address
	livenessRatio          *big.Int
	rewardsPerSecond       *big.Int
}

type checkpointEntry struct {
	value     *big.Int
	fetchedAt time.Time
}

// Status is spec.md section 3's ActivityStatus, computed per service per
// poll cycle.
type Status struct {
	ServiceConfigID      string
	LivenessPeriod       *big.Int
	TsCheckpoint         *big.Int
	LivenessRatio        *big.Int
	CurrentRequestCount  *big.Int
	BaselineRequestCount *big.Int
	EffectivePeriod      *big.Int
	RequiredRequests     *big.Int
	EligibleRequests     *big.Int
	IsEligibleForRewards bool
	RequestsNeeded       *big.Int
	Error                error
}

// Monitor caches contract/checkpoint/dashboard facts per staking contract
// and computes Status for every service on each Check call.
type Monitor struct {
	client *chain.Client
	now    func() time.Time

	checkpointTTL time.Duration

	mu          sync.RWMutex
	contracts   map[common.Address]contractFacts
	dashboards  map[common.Address]DashboardFacts
	checkpoints map[common.Address]checkpointEntry

	group singleflight.Group
}

// NewMonitor builds a Monitor. checkpointTTL defaults to 60s per spec 4.1
// when zero.
func NewMonitor(client *chain.Client, checkpointTTL time.Duration) *Monitor {
	if checkpointTTL <= 0 {
		checkpointTTL = 60 * time.Second
	}
	return &Monitor{
		client:        client,
		now:           time.Now,
		checkpointTTL: checkpointTTL,
		contracts:     make(map[common.Address]contractFacts),
		dashboards:    make(map[common.Address]DashboardFacts),
		checkpoints:   make(map[common.Address]checkpointEntry),
	}
}

// Check computes ActivityStatus for every staked service. Services without
// a staking contract are omitted — callers treat them as "always active"
// per spec 4.2 step 1.
func (m *Monitor) Check(ctx context.Context, services []registry.Service) []Status {
	out := make([]Status, 0, len(services))
	for _, svc := range services {
		if !svc.HasStake() {
			continue
		}
		out = append(out, m.checkOne(ctx, svc))
	}
	return out
}

func (m *Monitor) checkOne(ctx context.Context, svc registry.Service) Status {
	status := Status{ServiceConfigID: svc.ServiceConfigID}

	facts, err := m.contractFacts(ctx, svc.StakingContract)
	if err != nil {
		status.Error = fmt.Errorf("activity: contract facts: %w", err)
		return status
	}

	tsCheckpoint, err := m.checkpoint(ctx, svc.StakingContract)
	if err != nil {
		status.Error = fmt.Errorf("activity: checkpoint: %w", err)
		return status
	}

	info, err := m.client.GetServiceInfo(ctx, svc.StakingContract, svc.ServiceID)
	if err != nil {
		status.Error = fmt.Errorf("activity: service info: %w", err)
		return status
	}
	if len(info.Nonces) < 1 {
		status.Error = fmt.Errorf("activity: service info has no baseline nonce")
		return status
	}
	baseline := info.Nonces[0]

	activityChecker := facts.activityCheckerAddress
	nonces, err := m.client.GetMultisigNonces(ctx, activityChecker, info.Multisig)
	if err != nil {
		status.Error = fmt.Errorf("activity: multisig nonces: %w", err)
		return status
	}
	current := nonces[1]

	status.LivenessPeriod = facts.livenessPeriod
	status.TsCheckpoint = tsCheckpoint
	status.LivenessRatio = facts.livenessRatio
	status.CurrentRequestCount = current
	status.BaselineRequestCount = baseline

	computeEligibility(&status, m.now().Unix())

	return status
}

var oneE18 = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// computeEligibility fills in Status's derived fields per spec.md section 3's
// formulas (and section 8 property 2): effectivePeriod, requiredRequests,
// eligibleRequests, isEligibleForRewards, requestsNeeded. Pulled out of
// checkOne so it can be exercised without a chain client.
func computeEligibility(status *Status, nowUnix int64) {
	now := big.NewInt(nowUnix)
	elapsed := new(big.Int).Sub(now, status.TsCheckpoint)
	status.EffectivePeriod = maxBig(status.LivenessPeriod, elapsed)

	// requiredRequests = ceil(effectivePeriod * livenessRatio / 1e18) + SafetyMargin
	product := new(big.Int).Mul(status.EffectivePeriod, status.LivenessRatio)
	required := ceilDiv(product, oneE18)
	status.RequiredRequests = new(big.Int).Add(required, big.NewInt(SafetyMargin))

	status.EligibleRequests = new(big.Int).Sub(status.CurrentRequestCount, status.BaselineRequestCount)
	status.IsEligibleForRewards = status.EligibleRequests.Cmp(status.RequiredRequests) >= 0

	needed := new(big.Int).Sub(status.RequiredRequests, status.EligibleRequests)
	if needed.Sign() < 0 {
		needed = big.NewInt(0)
	}
	status.RequestsNeeded = needed
}

func ceilDiv(a, b *big.Int) *big.Int {
	if b.Sign() == 0 {
		return big.NewInt(0)
	}
	q, r := new(big.Int).QuoRem(a, b, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

func maxBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// contractFacts returns the cached permanent facts for staking, fetching
// once per address with singleflight coalescing across concurrent callers.
func (m *Monitor) contractFacts(ctx context.Context, staking common.Address) (contractFacts, error) {
	m.mu.RLock()
	f, ok := m.contracts[staking]
	m.mu.RUnlock()
	if ok {
		return f, nil
	}

	v, err, _ := m.group.Do("contract:"+staking.Hex(), func() (interface{}, error) {
		return m.fetchContractFacts(ctx, staking)
	})
	if err != nil {
		return contractFacts{}, err
	}
	return v.(contractFacts), nil
}

func (m *Monitor) fetchContractFacts(ctx context.Context, staking common.Address) (contractFacts, error) {
	livenessPeriod, err := m.client.LivenessPeriod(ctx, staking)
	if err != nil {
		return contractFacts{}, err
	}
	activityChecker, err := m.client.ActivityCheckerAddress(ctx, staking)
	if err != nil {
		return contractFacts{}, err
	}
	livenessRatio, err := m.client.LivenessRatio(ctx, activityChecker)
	if err != nil {
		return contractFacts{}, err
	}
	rewardsPerSecond, err := m.client.RewardsPerSecond(ctx, staking)
	if err != nil {
		return contractFacts{}, err
	}

	facts := contractFacts{
		livenessPeriod:         livenessPeriod,
		activityCheckerAddress: activityChecker,
		livenessRatio:          livenessRatio,
		rewardsPerSecond:       rewardsPerSecond,
	}

	m.mu.Lock()
	m.contracts[staking] = facts
	m.mu.Unlock()

	return facts, nil
}

// checkpoint returns tsCheckpoint, refetching when the cached value is
// older than checkpointTTL.
func (m *Monitor) checkpoint(ctx context.Context, staking common.Address) (*big.Int, error) {
	m.mu.RLock()
	entry, ok := m.checkpoints[staking]
	m.mu.RUnlock()
	if ok && m.now().Sub(entry.fetchedAt) < m.checkpointTTL {
		return entry.value, nil
	}

	v, err, _ := m.group.Do("checkpoint:"+staking.Hex(), func() (interface{}, error) {
		return m.fetchCheckpoint(ctx, staking)
	})
	if err != nil {
		return nil, err
	}
	return v.(*big.Int), nil
}

func (m *Monitor) fetchCheckpoint(ctx context.Context, staking common.Address) (*big.Int, error) {
	ts, err := m.client.TsCheckpoint(ctx, staking)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.checkpoints[staking] = checkpointEntry{value: ts, fetchedAt: m.now()}
	m.mu.Unlock()
	return ts, nil
}

// DashboardFacts are the extended immutable reads the dashboard projection
// displays alongside a Status snapshot (spec.md section 4.1's "dashboard
// cache (permanent)").
type DashboardFacts struct {
	MinStakingDeposit   *big.Int
	MaxNumServices      *big.Int
	MaxInactivityPeriod *big.Int
}

// Dashboard returns the cached dashboard-only facts for staking, fetching
// once per contract address.
func (m *Monitor) Dashboard(ctx context.Context, staking common.Address) (DashboardFacts, error) {
	m.mu.RLock()
	f, ok := m.dashboards[staking]
	m.mu.RUnlock()
	if ok {
		return f, nil
	}

	v, err, _ := m.group.Do("dashboard:"+staking.Hex(), func() (interface{}, error) {
		return m.fetchDashboard(ctx, staking)
	})
	if err != nil {
		return DashboardFacts{}, err
	}
	return v.(DashboardFacts), nil
}

func (m *Monitor) fetchDashboard(ctx context.Context, staking common.Address) (DashboardFacts, error) {
	minDeposit, err := m.client.MinStakingDeposit(ctx, staking)
	if err != nil {
		return DashboardFacts{}, err
	}
	maxServices, err := m.client.MaxNumServices(ctx, staking)
	if err != nil {
		return DashboardFacts{}, err
	}
	maxInactivity, err := m.client.MaxNumInactivityPeriods(ctx, staking)
	if err != nil {
		return DashboardFacts{}, err
	}

	f := DashboardFacts{
		MinStakingDeposit:   minDeposit,
		MaxNumServices:      maxServices,
		MaxInactivityPeriod: maxInactivity,
	}
	m.mu.Lock()
	m.dashboards[staking] = f
	m.mu.Unlock()

	return f, nil
}
