// Package registry enumerates the services a worker process operates from
// its on-disk profile directory and loads each service's signing key, per
// spec.md section 3's Service data model and section 2's ServiceRegistry
// responsibility. Follows the usual config-resolution style
// (pkg/config.Initialize) generalized from "one config file" to "one
// directory of service profiles."
package registry

import (
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ridgeline-labs/mechworker/pkg/chain"
	"github.com/ridgeline-labs/mechworker/pkg/config"
)

// Service is the immutable-per-process-lifetime tuple spec.md section 3
// names: mech, Safe, agent EOA key, chain, and optional staking contract.
type Service struct {
	ServiceConfigID string
	ServiceID       int64
	MechAddress     common.Address
	SafeAddress     common.Address
	AgentAddress    common.Address
	Chain           string

	// StakingContract is the zero address when the service has no stake —
	// ServiceRotator treats such services as "always active" per spec 4.2.
	StakingContract common.Address
	// ActivityCheckerAddress is derived from StakingContract by pkg/activity
	// on first read, not stored statically in the profile unless overridden.
	ActivityCheckerAddress common.Address

	// Wallet holds the agent private key. The signing proxy, the delivery
	// engine, and the credential bridge and marketplace clients sign with it.
	Wallet *chain.Wallet
}

// HasStake reports whether this service has a staking contract configured.
func (s Service) HasStake() bool {
	return s.StakingContract != (common.Address{})
}

// Registry holds every valid Service this worker process operates.
type Registry struct {
	services []Service
}

// Load reads every profile in dir, decrypts each service's agent keystore
// with password, and excludes profiles that fail spec.md section 3's
// validity invariant: missing safeAddress, missing/undecryptable agent key,
// or serviceId == -1.
func Load(dir, password string) (*Registry, error) {
	profiles, err := config.LoadServiceProfiles(dir)
	if err != nil {
		return nil, err
	}

	r := &Registry{}
	for _, p := range profiles {
		svc, err := buildService(p, password)
		if err != nil {
			slog.Warn("excluding service from rotation", "service_config_id", p.ServiceConfigID, "error", err)
			continue
		}
		r.services = append(r.services, svc)
	}
	return r, nil
}

func buildService(p config.ServiceProfile, password string) (Service, error) {
	if p.ServiceID == -1 {
		return Service{}, fmt.Errorf("registry: serviceId is -1")
	}
	if p.SafeAddress == "" {
		return Service{}, fmt.Errorf("registry: missing safeAddress")
	}
	if p.AgentKeystorePath == "" {
		return Service{}, fmt.Errorf("registry: missing agentKeystorePath")
	}

	wallet, err := chain.LoadAgentKeystore(p.AgentKeystorePath, password)
	if err != nil {
		return Service{}, fmt.Errorf("registry: load agent key: %w", err)
	}

	svc := Service{
		ServiceConfigID: p.ServiceConfigID,
		ServiceID:       p.ServiceID,
		MechAddress:     common.HexToAddress(p.MechAddress),
		SafeAddress:     common.HexToAddress(p.SafeAddress),
		AgentAddress:    wallet.Address(),
		Chain:           p.Chain,
		Wallet:          wallet,
	}
	if p.StakingContract != "" {
		svc.StakingContract = common.HexToAddress(p.StakingContract)
	}
	if p.ActivityCheckerAddress != "" {
		svc.ActivityCheckerAddress = common.HexToAddress(p.ActivityCheckerAddress)
	}

	if p.AgentAddress != "" {
		declared := common.HexToAddress(p.AgentAddress)
		if declared != wallet.Address() {
			return Service{}, fmt.Errorf("registry: agentAddress %s does not match keystore address %s", declared, wallet.Address())
		}
	}

	return svc, nil
}

// Services returns all valid services in profile load order.
func (r *Registry) Services() []Service {
	return r.services
}

// ByConfigID looks up a service by its stable id.
func (r *Registry) ByConfigID(id string) (Service, bool) {
	for _, s := range r.services {
		if s.ServiceConfigID == id {
			return s, true
		}
	}
	return Service{}, false
}

// ByMech looks up the service this worker operates for the given mech
// address, used by DeliveryEngine's cross-mech routing decision (spec 4.6.3).
func (r *Registry) ByMech(mech common.Address) (Service, bool) {
	for _, s := range r.services {
		if s.MechAddress == mech {
			return s, true
		}
	}
	return Service{}, false
}

// Close releases every service's wallet key material.
func (r *Registry) Close() {
	for _, s := range r.services {
		if s.Wallet != nil {
			s.Wallet.Close()
		}
	}
}
