package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ServiceInfo mirrors StakingContract.getServiceInfo's return tuple
// (spec.md section 6).
type ServiceInfo struct {
	Multisig   common.Address
	Owner      common.Address
	Nonces     []*big.Int
	TsStart    *big.Int
	Reward     *big.Int
	Inactivity *big.Int
}

// LivenessPeriod calls StakingContract.livenessPeriod().
func (c *Client) LivenessPeriod(ctx context.Context, staking common.Address) (*big.Int, error) {
	var out *big.Int
	if err := c.call(ctx, c.abis.Staking, staking, "livenessPeriod", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TsCheckpoint calls StakingContract.tsCheckpoint().
func (c *Client) TsCheckpoint(ctx context.Context, staking common.Address) (*big.Int, error) {
	var out *big.Int
	if err := c.call(ctx, c.abis.Staking, staking, "tsCheckpoint", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ActivityCheckerAddress calls StakingContract.activityChecker().
func (c *Client) ActivityCheckerAddress(ctx context.Context, staking common.Address) (common.Address, error) {
	var out common.Address
	if err := c.call(ctx, c.abis.Staking, staking, "activityChecker", &out); err != nil {
		return common.Address{}, err
	}
	return out, nil
}

// RewardsPerSecond calls StakingContract.rewardsPerSecond().
func (c *Client) RewardsPerSecond(ctx context.Context, staking common.Address) (*big.Int, error) {
	var out *big.Int
	if err := c.call(ctx, c.abis.Staking, staking, "rewardsPerSecond", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MinStakingDeposit calls StakingContract.minStakingDeposit() — one of the
// extended immutable reads the optional dashboard projection consumes
// (spec.md section 4.1's "dashboard cache").
func (c *Client) MinStakingDeposit(ctx context.Context, staking common.Address) (*big.Int, error) {
	var out *big.Int
	if err := c.call(ctx, c.abis.Staking, staking, "minStakingDeposit", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MaxNumServices calls StakingContract.maxNumServices().
func (c *Client) MaxNumServices(ctx context.Context, staking common.Address) (*big.Int, error) {
	var out *big.Int
	if err := c.call(ctx, c.abis.Staking, staking, "maxNumServices", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MaxNumInactivityPeriods calls StakingContract.maxNumInactivityPeriods().
func (c *Client) MaxNumInactivityPeriods(ctx context.Context, staking common.Address) (*big.Int, error) {
	var out *big.Int
	if err := c.call(ctx, c.abis.Staking, staking, "maxNumInactivityPeriods", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetServiceInfo calls StakingContract.getServiceInfo(serviceId).
func (c *Client) GetServiceInfo(ctx context.Context, staking common.Address, serviceID int64) (ServiceInfo, error) {
	var out ServiceInfo
	err := c.call(ctx, c.abis.Staking, staking, "getServiceInfo", &out, big.NewInt(serviceID))
	if err != nil {
		return ServiceInfo{}, fmt.Errorf("chain: getServiceInfo(%d): %w", serviceID, err)
	}
	return out, nil
}

// LivenessRatio calls ActivityChecker.livenessRatio() — a fixed-point 1e18
// value per spec.md section 3.
func (c *Client) LivenessRatio(ctx context.Context, activityChecker common.Address) (*big.Int, error) {
	var out *big.Int
	if err := c.call(ctx, c.abis.ActivityChecker, activityChecker, "livenessRatio", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetMultisigNonces calls ActivityChecker.getMultisigNonces(multisig),
// returning [safeNonce, requestCount] per spec.md section 3.
func (c *Client) GetMultisigNonces(ctx context.Context, activityChecker, multisig common.Address) ([]*big.Int, error) {
	var out []*big.Int
	if err := c.call(ctx, c.abis.ActivityChecker, activityChecker, "getMultisigNonces", &out, multisig); err != nil {
		return nil, err
	}
	if len(out) < 2 {
		return nil, fmt.Errorf("chain: getMultisigNonces returned %d values, want 2", len(out))
	}
	return out, nil
}

// GetUndeliveredRequestIds calls AgentMech.getUndeliveredRequestIds(limit, offset).
func (c *Client) GetUndeliveredRequestIds(ctx context.Context, mech common.Address, limit, offset int64) ([]*big.Int, error) {
	var out []*big.Int
	err := c.call(ctx, c.abis.AgentMech, mech, "getUndeliveredRequestIds", &out, big.NewInt(limit), big.NewInt(offset))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PackDeliverToMarketplace packs AgentMech.deliverToMarketplace(requestId, digest)
// calldata — the inner call a Safe execTransaction routes through (spec.md
// section 4.6.4).
func (c *Client) PackDeliverToMarketplace(requestID *big.Int, digest []byte) ([]byte, error) {
	return c.abis.AgentMech.Pack("deliverToMarketplace", requestID, digest)
}

// RevokeRequestTopic returns the event signature hash for AgentMech's
// RevokeRequest(uint256) event, used to scan receipt logs (spec.md section
// 4.6.5).
func (c *Client) RevokeRequestTopic() common.Hash {
	return c.abis.AgentMech.Events["RevokeRequest"].ID
}

// UnpackRevokeRequest decodes a RevokeRequest log's data field into the
// reverted request id.
func (c *Client) UnpackRevokeRequest(data []byte) (*big.Int, error) {
	vals, err := c.abis.AgentMech.Events["RevokeRequest"].Inputs.Unpack(data)
	if err != nil {
		return nil, err
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("chain: unexpected RevokeRequest arity %d", len(vals))
	}
	id, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: RevokeRequest payload is not uint256")
	}
	return id, nil
}

// MarketplaceRequestInput bundles MechMarketplace.request's arguments
// (spec.md section 6).
type MarketplaceRequestInput struct {
	Data            []byte
	MaxDeliveryRate *big.Int
	PaymentType     [32]byte
	PriorityMech    common.Address
	ResponseTimeout *big.Int
	PaymentData     []byte
}

// PackMarketplaceRequest packs MechMarketplace.request(...) calldata — the
// inner call the signing proxy's /dispatch endpoint routes through the
// service Safe (spec.md section 4.4).
func (c *Client) PackMarketplaceRequest(in MarketplaceRequestInput) ([]byte, error) {
	return c.abis.MechMarketplace.Pack("request",
		in.Data, zero(in.MaxDeliveryRate), in.PaymentType, in.PriorityMech,
		zero(in.ResponseTimeout), in.PaymentData,
	)
}

// MarketplaceRequestTopic returns MechMarketplace's MarketplaceRequest
// event signature hash, used to recover the assigned request id from a
// dispatch transaction's receipt logs.
func (c *Client) MarketplaceRequestTopic() common.Hash {
	return c.abis.MechMarketplace.Events["MarketplaceRequest"].ID
}

// UnpackMarketplaceRequestID reads the indexed requestId topic (topics[1])
// from a MarketplaceRequest log.
func (c *Client) UnpackMarketplaceRequestID(topics []common.Hash) (common.Hash, error) {
	if len(topics) < 2 {
		return common.Hash{}, fmt.Errorf("chain: MarketplaceRequest log missing requestId topic")
	}
	return topics[1], nil
}

// SafeNonce calls GnosisSafe.nonce().
func (c *Client) SafeNonce(ctx context.Context, safe common.Address) (*big.Int, error) {
	var out *big.Int
	if err := c.call(ctx, c.abis.GnosisSafe, safe, "nonce", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SafeTxParams are the execTransaction/getTransactionHash arguments shared
// by the hash computation and the final submission (spec.md section 4.6.4).
type SafeTxParams struct {
	To             common.Address
	Value          *big.Int
	Data           []byte
	Operation      uint8
	SafeTxGas      *big.Int
	BaseGas        *big.Int
	GasPrice       *big.Int
	GasToken       common.Address
	RefundReceiver common.Address
	Nonce          *big.Int
}

// zero returns a *big.Int(0) when v is nil, for ergonomic zero-valued params.
func zero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

// GetSafeTransactionHash calls GnosisSafe.getTransactionHash(...) to obtain
// the digest the Safe owner must sign.
func (c *Client) GetSafeTransactionHash(ctx context.Context, safe common.Address, p SafeTxParams) (common.Hash, error) {
	var out [32]byte
	err := c.call(ctx, c.abis.GnosisSafe, safe, "getTransactionHash", &out,
		p.To, zero(p.Value), p.Data, p.Operation,
		zero(p.SafeTxGas), zero(p.BaseGas), zero(p.GasPrice),
		p.GasToken, p.RefundReceiver, zero(p.Nonce),
	)
	if err != nil {
		return common.Hash{}, err
	}
	return out, nil
}

// PackExecTransaction packs GnosisSafe.execTransaction(...) calldata with
// the supplied packed signature bytes.
func (c *Client) PackExecTransaction(p SafeTxParams, signature []byte) ([]byte, error) {
	return c.abis.GnosisSafe.Pack("execTransaction",
		p.To, zero(p.Value), p.Data, p.Operation,
		zero(p.SafeTxGas), zero(p.BaseGas), zero(p.GasPrice),
		p.GasToken, p.RefundReceiver, signature,
	)
}
