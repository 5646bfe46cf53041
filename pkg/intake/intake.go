// Package intake implements RequestIntake (spec.md section 4.3): the poll
// loop that discovers unclaimed requests addressed to any mech this worker
// operates, filters them by capability, prioritizes trusted-operator work,
// applies the cross-mech response-timeout gate, and leases at most one
// request per cycle. Follows the usual poll-loop idiom of errors.Is
// classified control flow instead of exceptions, applied to a
// claim-one-at-a-time source instead of a database query.
package intake

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ridgeline-labs/mechworker/pkg/capability"
)

// Request is spec.md section 3's Request, as surfaced by the intake source.
type Request struct {
	RequestID       string
	Mech            common.Address
	ResponseTimeout int64 // epoch seconds
	EnabledTools    []string
	Blueprint       string
	JobDefinitionID string
}

// Sentinel errors for claim outcomes spec.md section 4.3 names.
var (
	ErrClaimLost  = errors.New("intake: claim lost to another worker")
	ErrIneligible = errors.New("intake: request ineligible for this worker's capabilities")
	ErrNoRequests = errors.New("intake: no claimable requests available")
)

// LeaseToken identifies a successful claim; opaque to callers beyond log
// context.
type LeaseToken struct {
	RequestID string
	WorkerID  string
}

// Source is the intake backend contract spec.md section 4.3 requires:
// discovers unclaimed requests for the given mechs and leases one.
// Implementations may be backed by an on-chain view call or an external
// indexer — intake only requires the two guarantees §4.3 lists.
type Source interface {
	ListUnclaimed(ctx context.Context, forMechs []common.Address) ([]Request, error)
	Claim(ctx context.Context, req Request, workerID string) (LeaseToken, error)
}

// CapabilityFilter reports whether a profile satisfies a request's tool
// requirements (spec 4.3, section 8 property 8).
type CapabilityFilter struct {
	Tools ToolCredentials
}

// ToolCredentials is the subset of capability.ToolCredentialMap the filter
// needs, plus the operator-capability requirement spec.md section 4.3
// names alongside it.
type ToolCredentials interface {
	RequiredCredentials(enabledTools []string) []string
}

// OperatorCapabilityRequirer maps enabledTools to the local operator
// capabilities the filter must also check (spec 4.3's second clause). A
// worker with no such requirements can pass a nil requirer.
type OperatorCapabilityRequirer interface {
	RequiredOperatorCapabilities(enabledTools []string) []string
}

// staticOperatorRequirer is the zero-dependency default: no enabledTool
// requires an operator-local capability unless the caller configures one.
type staticOperatorRequirer map[string][]string

func (m staticOperatorRequirer) RequiredOperatorCapabilities(enabledTools []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range enabledTools {
		for _, capName := range m[t] {
			if !seen[capName] {
				seen[capName] = true
				out = append(out, capName)
			}
		}
	}
	return out
}

// NewStaticOperatorRequirer builds an OperatorCapabilityRequirer from a
// static tool→[]capability map.
func NewStaticOperatorRequirer(m map[string][]string) OperatorCapabilityRequirer {
	return staticOperatorRequirer(m)
}

// Eligible implements spec.md section 4.3's capability filter: every
// required credential provider must be granted, and every required
// operator capability must be locally live.
func (f CapabilityFilter) Eligible(req Request, profile capability.Profile, operatorReq OperatorCapabilityRequirer) bool {
	for _, provider := range f.Tools.RequiredCredentials(req.EnabledTools) {
		if !profile.HasProvider(provider) {
			return false
		}
	}
	if operatorReq != nil {
		for _, capName := range operatorReq.RequiredOperatorCapabilities(req.EnabledTools) {
			if !profile.HasOperatorCapability(capName) {
				return false
			}
		}
	}
	return true
}

// trusted reports whether req's tools require any credential the worker
// holds — spec.md section 4.3's "trusted-operator prioritization" signal.
func (f CapabilityFilter) trusted(req Request, profile capability.Profile) bool {
	for _, provider := range f.Tools.RequiredCredentials(req.EnabledTools) {
		if profile.HasProvider(provider) {
			return true
		}
	}
	return false
}

// Intake runs spec.md section 4.3's poll-once contract: list, filter,
// prioritize, claim.
type Intake struct {
	source   Source
	filter   CapabilityFilter
	operator OperatorCapabilityRequirer
	workerID string
	now      func() time.Time
}

// New builds an Intake. operatorReq may be nil when no tool requires a
// local operator capability.
func New(source Source, filter CapabilityFilter, operatorReq OperatorCapabilityRequirer, workerID string) *Intake {
	return &Intake{
		source:   source,
		filter:   filter,
		operator: operatorReq,
		workerID: workerID,
		now:      time.Now,
	}
}

// Poll runs one intake cycle: list unclaimed requests addressed to
// ourMechs, apply the cross-mech gate (spec 4.3, section 8 property 4) and
// capability filter, prioritize trusted-operator requests first, and claim
// the first eligible candidate. Returns ErrNoRequests if nothing is
// claimable, ErrClaimLost if a race is lost, or the claimed Request.
func (in *Intake) Poll(ctx context.Context, ourMechs []common.Address, ourMech common.Address, profile capability.Profile) (Request, LeaseToken, error) {
	requests, err := in.source.ListUnclaimed(ctx, ourMechs)
	if err != nil {
		return Request{}, LeaseToken{}, fmt.Errorf("intake: list unclaimed: %w", err)
	}

	candidates := in.filterAndOrder(requests, ourMech, profile)
	if len(candidates) == 0 {
		return Request{}, LeaseToken{}, ErrNoRequests
	}

	for _, req := range candidates {
		lease, err := in.source.Claim(ctx, req, in.workerID)
		if err == nil {
			return req, lease, nil
		}
		if errors.Is(err, ErrClaimLost) {
			continue // another worker won this one; try the next candidate
		}
		return Request{}, LeaseToken{}, fmt.Errorf("intake: claim %s: %w", req.RequestID, err)
	}

	return Request{}, LeaseToken{}, ErrClaimLost
}

// filterAndOrder applies the cross-mech gate and capability filter, then
// sorts trusted-operator requests first (spec 4.3's claim priority
// ordering), preserving listing order within each priority tier.
func (in *Intake) filterAndOrder(requests []Request, ourMech common.Address, profile capability.Profile) []Request {
	now := in.now().Unix()

	var eligible []Request
	for _, req := range requests {
		if req.Mech != ourMech && now <= req.ResponseTimeout {
			// Cross-mech priority window hasn't expired — not deliverable
			// by us yet, so not even surfaced (spec 4.3).
			continue
		}
		if !in.filter.Eligible(req, profile, in.operator) {
			continue
		}
		eligible = append(eligible, req)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		ti, tj := in.filter.trusted(eligible[i], profile), in.filter.trusted(eligible[j], profile)
		if ti == tj {
			return false
		}
		return ti // trusted (true) sorts before untrusted (false)
	})

	return eligible
}
