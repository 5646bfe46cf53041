// Package rotation implements ServiceRotator and the process-wide
// ActiveService slot spec.md sections 3 and 4.2 describe. Follows the usual
// single-track poll-loop idiom: one decision per cycle, rate-limited,
// never switching mid-job.
package rotation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ridgeline-labs/mechworker/pkg/activity"
	"github.com/ridgeline-labs/mechworker/pkg/events"
	"github.com/ridgeline-labs/mechworker/pkg/registry"
)

// Decision is the outcome of one rotation evaluation (spec 4.2).
type Decision struct {
	Service registry.Service
	Reason  string
	Changed bool
}

// ActiveService is the single process-wide slot naming the currently
// selected service (spec.md section 3). Reads take a read lock and return a
// copy; writes only happen from Rotator.
type ActiveService struct {
	mu  sync.RWMutex
	svc registry.Service
	set bool
}

// Get returns the current active service and whether one has been set yet.
func (a *ActiveService) Get() (registry.Service, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.svc, a.set
}

func (a *ActiveService) set_(svc registry.Service) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.svc = svc
	a.set = true
}

// ActivityChecker is the subset of *activity.Monitor the Rotator depends on,
// so rotation logic can be tested without a live chain client.
type ActivityChecker interface {
	Check(ctx context.Context, services []registry.Service) []activity.Status
}

// ServiceSource is the subset of *registry.Registry the Rotator depends on.
type ServiceSource interface {
	Services() []registry.Service
}

// Rotator implements spec.md section 4.2's algorithm: pick the staked
// service needing the most requests to reach eligibility, never switching
// mid-job, rate-limited by pollInterval.
type Rotator struct {
	registry ServiceSource
	monitor  ActivityChecker
	active   *ActiveService
	emitter  *events.Emitter

	pollInterval time.Duration

	mu           sync.Mutex
	lastDecision *Decision
	lastEval     time.Time
	rotations    int
	now          func() time.Time
}

// NewRotator builds a Rotator. pollInterval defaults to 60s per spec 4.2
// when zero.
func NewRotator(reg ServiceSource, monitor ActivityChecker, active *ActiveService, emitter *events.Emitter, pollInterval time.Duration) *Rotator {
	if pollInterval <= 0 {
		pollInterval = 60 * time.Second
	}
	if emitter == nil {
		emitter = events.NewEmitter()
	}
	return &Rotator{
		registry:     reg,
		monitor:      monitor,
		active:       active,
		emitter:      emitter,
		pollInterval: pollInterval,
		now:          time.Now,
	}
}

// Initialize performs the first rotation decision. Equivalent to Reevaluate
// except it always runs regardless of the rate limit (there is no prior
// decision to rate-limit against).
func (r *Rotator) Initialize(ctx context.Context) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evaluate(ctx)
}

// Reevaluate re-runs the rotation algorithm, rate-limited by pollInterval:
// if called sooner than pollInterval since the last evaluation, it returns
// the unchanged current decision (spec 4.2).
func (r *Rotator) Reevaluate(ctx context.Context) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lastDecision != nil && r.now().Sub(r.lastEval) < r.pollInterval {
		d := *r.lastDecision
		d.Changed = false
		return d
	}
	return r.evaluate(ctx)
}

func (r *Rotator) evaluate(ctx context.Context) Decision {
	r.lastEval = r.now()

	services := r.registry.Services()
	var staked []registry.Service
	for _, s := range services {
		if s.HasStake() {
			staked = append(staked, s)
		}
	}

	// Step 1: no staked services at all → pick the first valid service.
	if len(staked) == 0 {
		if len(services) == 0 {
			return r.finish(Decision{Reason: "no valid services configured"})
		}
		return r.finish(Decision{Service: services[0], Reason: "no staked services"})
	}

	statuses := r.monitor.Check(ctx, staked)

	byConfigID := make(map[string]activity.Status, len(statuses))
	for _, st := range statuses {
		byConfigID[st.ServiceConfigID] = st
	}

	var ineligible []registry.Service
	for _, s := range staked {
		st, ok := byConfigID[s.ServiceConfigID]
		if !ok || st.Error != nil {
			continue // errored services are ignored by rotation, per spec 4.1
		}
		if !st.IsEligibleForRewards {
			ineligible = append(ineligible, s)
		}
	}

	if len(ineligible) > 0 {
		sort.SliceStable(ineligible, func(i, j int) bool {
			si := byConfigID[ineligible[i].ServiceConfigID]
			sj := byConfigID[ineligible[j].ServiceConfigID]
			cmp := si.RequestsNeeded.Cmp(sj.RequestsNeeded)
			if cmp != 0 {
				return cmp > 0 // descending by requestsNeeded
			}
			return ineligible[i].ServiceConfigID < ineligible[j].ServiceConfigID // stable tie-break
		})
		chosen := ineligible[0]
		needed := byConfigID[chosen.ServiceConfigID].RequestsNeeded
		return r.finish(Decision{
			Service: chosen,
			Reason:  "service " + chosen.ServiceConfigID + " needs " + needed.String() + " more requests",
		})
	}

	// All staked services eligible: stay on current, or pick the first if
	// nothing is active yet.
	if current, ok := r.active.Get(); ok {
		return r.finish(Decision{Service: current, Reason: "all services eligible for epoch"})
	}
	return r.finish(Decision{Service: staked[0], Reason: "all services eligible for epoch"})
}

func (r *Rotator) finish(d Decision) Decision {
	current, hasCurrent := r.active.Get()
	changed := !hasCurrent || current.ServiceConfigID != d.Service.ServiceConfigID
	d.Changed = changed

	if changed && d.Service.ServiceConfigID != "" {
		r.active.set_(d.Service)
		r.rotations++
		r.emitter.Rotation(events.RotationPayload{
			Type:            events.TypeRotationSwitched,
			ServiceConfigID: d.Service.ServiceConfigID,
			Reason:          d.Reason,
			Timestamp:       r.now(),
		})
	} else {
		r.emitter.Rotation(events.RotationPayload{
			Type:            events.TypeRotationHeld,
			ServiceConfigID: d.Service.ServiceConfigID,
			Reason:          d.Reason,
			Timestamp:       r.now(),
		})
	}

	r.lastDecision = &d
	return d
}

// Rotations returns the number of times the active service has changed.
func (r *Rotator) Rotations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotations
}
