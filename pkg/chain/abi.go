// Package chain is the worker's on-chain plumbing: RPC calls, ABI
// packing/unpacking, key custody and the EVM-level signature formats the
// delivery pipeline and signing proxy need. It is grounded on
// ethereum-go-ethereum's accounts/abi, accounts/abi/bind, crypto and
// ethclient packages, and on slowdrip-network-slowdrip-miner's
// internal/wallet/keystore.go for key-loading idiom.
package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Minimal ABI fragments for the contracts spec.md section 6 names. Only the
// methods and events the worker actually calls are declared — this is a
// worker, not a general-purpose contract binding generator.
const (
	stakingContractABIJSON = `[
		{"type":"function","name":"livenessPeriod","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
		{"type":"function","name":"tsCheckpoint","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
		{"type":"function","name":"activityChecker","stateMutability":"view","inputs":[],"outputs":[{"type":"address"}]},
		{"type":"function","name":"rewardsPerSecond","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
		{"type":"function","name":"minStakingDeposit","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
		{"type":"function","name":"maxNumServices","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
		{"type":"function","name":"maxNumInactivityPeriods","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
		{"type":"function","name":"getServiceInfo","stateMutability":"view","inputs":[{"type":"uint256","name":"serviceId"}],
		 "outputs":[
			{"type":"address","name":"multisig"},
			{"type":"address","name":"owner"},
			{"type":"uint256[]","name":"nonces"},
			{"type":"uint256","name":"tsStart"},
			{"type":"uint256","name":"reward"},
			{"type":"uint256","name":"inactivity"}
		 ]}
	]`

	activityCheckerABIJSON = `[
		{"type":"function","name":"livenessRatio","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
		{"type":"function","name":"getMultisigNonces","stateMutability":"view","inputs":[{"type":"address","name":"multisig"}],"outputs":[{"type":"uint256[]"}]}
	]`

	agentMechABIJSON = `[
		{"type":"function","name":"getUndeliveredRequestIds","stateMutability":"view","inputs":[{"type":"uint256","name":"limit"},{"type":"uint256","name":"offset"}],"outputs":[{"type":"uint256[]"}]},
		{"type":"function","name":"deliverToMarketplace","stateMutability":"nonpayable","inputs":[{"type":"uint256","name":"requestId"},{"type":"bytes","name":"data"}],"outputs":[]},
		{"type":"event","name":"RevokeRequest","inputs":[{"type":"uint256","name":"requestId","indexed":false}],"anonymous":false}
	]`

	gnosisSafeABIJSON = `[
		{"type":"function","name":"nonce","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
		{"type":"function","name":"getTransactionHash","stateMutability":"view","inputs":[
			{"type":"address","name":"to"},
			{"type":"uint256","name":"value"},
			{"type":"bytes","name":"data"},
			{"type":"uint8","name":"operation"},
			{"type":"uint256","name":"safeTxGas"},
			{"type":"uint256","name":"baseGas"},
			{"type":"uint256","name":"gasPrice"},
			{"type":"address","name":"gasToken"},
			{"type":"address","name":"refundReceiver"},
			{"type":"uint256","name":"_nonce"}
		],"outputs":[{"type":"bytes32"}]},
		{"type":"function","name":"execTransaction","stateMutability":"nonpayable","inputs":[
			{"type":"address","name":"to"},
			{"type":"uint256","name":"value"},
			{"type":"bytes","name":"data"},
			{"type":"uint8","name":"operation"},
			{"type":"uint256","name":"safeTxGas"},
			{"type":"uint256","name":"baseGas"},
			{"type":"uint256","name":"gasPrice"},
			{"type":"address","name":"gasToken"},
			{"type":"address","name":"refundReceiver"},
			{"type":"bytes","name":"signatures"}
		],"outputs":[{"type":"bool"}]}
	]`

	mechMarketplaceABIJSON = `[
		{"type":"function","name":"minResponseTimeout","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
		{"type":"function","name":"maxResponseTimeout","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
		{"type":"function","name":"request","stateMutability":"nonpayable","inputs":[
			{"type":"bytes","name":"data"},
			{"type":"uint256","name":"maxDeliveryRate"},
			{"type":"bytes32","name":"paymentType"},
			{"type":"address","name":"priorityMech"},
			{"type":"uint256","name":"responseTimeout"},
			{"type":"bytes","name":"paymentData"}
		],"outputs":[]},
		{"type":"event","name":"MarketplaceRequest","inputs":[
			{"type":"bytes32","name":"requestId","indexed":true},
			{"type":"address","name":"requester","indexed":true},
			{"type":"address","name":"priorityMech","indexed":false}
		],"anonymous":false}
	]`
)

// ABIs bundles the parsed contract ABIs the worker needs. Parsing happens
// once at process startup via MustParseABIs.
type ABIs struct {
	Staking         abi.ABI
	ActivityChecker abi.ABI
	AgentMech       abi.ABI
	GnosisSafe      abi.ABI
	MechMarketplace abi.ABI
}

// MustParseABIs parses the bundled ABI fragments. Panics on error since a
// parse failure here means the binary was built with a corrupt constant —
// a programmer error, not a runtime condition.
func MustParseABIs() ABIs {
	return ABIs{
		Staking:         mustParseABI(stakingContractABIJSON),
		ActivityChecker: mustParseABI(activityCheckerABIJSON),
		AgentMech:       mustParseABI(agentMechABIJSON),
		GnosisSafe:      mustParseABI(gnosisSafeABIJSON),
		MechMarketplace: mustParseABI(mechMarketplaceABIJSON),
	}
}

func mustParseABI(json string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(json))
	if err != nil {
		panic("chain: invalid embedded ABI: " + err.Error())
	}
	return parsed
}
