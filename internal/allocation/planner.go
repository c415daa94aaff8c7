package allocation

import (
	"fmt"
	"sort"

	"github.com/ariefcatur/go-fulfillment.git/internal/capacity"
	"github.com/ariefcatur/go-fulfillment.git/internal/inventory"
)

// Policy carries the tuning knobs. All of them are configuration, not
// constants: the threshold and the penalty band edges in particular.
type Policy struct {
	CostWeight  float64
	SpeedWeight float64

	// SingleLocationThreshold is the fractional score savings a split must
	// beat before it is preferred over a satisfying single location
	// (0.25 = the split has to be at least 25% cheaper).
	SingleLocationThreshold float64

	MaxSplitLegs int

	// Utilization penalty bands. Below LowUtilization the shipping cost is
	// taken as-is; between LowUtilization and 1.0 the multiplier climbs
	// linearly to NearCapacityPenalty; past 1.0 it keeps climbing at
	// OverCapacitySlope per unit of overshoot. Monotonic by construction,
	// so busy locations are discouraged but never forbidden.
	LowUtilization      float64
	NearCapacityPenalty float64
	OverCapacitySlope   float64
}

// Candidate is one location as the planner sees it: a stock availability
// snapshot plus today's utilization.
type Candidate struct {
	Location    inventory.Location
	Available   int
	Utilization float64
}

type Leg struct {
	LocationID string
	Quantity   int
	Score      float64
}

type Plan struct {
	ProductID string
	Quantity  int
	Legs      []Leg
	// Score is the quantity-weighted mean of the leg scores, comparable
	// between single and split plans.
	Score float64
}

func (p Plan) Split() bool { return len(p.Legs) > 1 }

type Request struct {
	ProductID   string
	Quantity    int
	Destination Coordinates

	// StrictCapacity excludes locations at or past 100% utilization; if that
	// leaves nothing, the request fails with capacity.ErrExceeded instead of
	// an out-of-stock error, so the caller can choose to wait.
	StrictCapacity bool
}

type Planner struct {
	policy Policy
}

func NewPlanner(policy Policy) *Planner {
	if policy.MaxSplitLegs < 1 {
		policy.MaxSplitLegs = 3
	}
	return &Planner{policy: policy}
}

func (p *Planner) penalty(utilization float64) float64 {
	pol := p.policy
	switch {
	case utilization < pol.LowUtilization:
		return 1.0
	case utilization < 1.0:
		span := 1.0 - pol.LowUtilization
		if span <= 0 {
			return pol.NearCapacityPenalty
		}
		return 1.0 + (pol.NearCapacityPenalty-1.0)*(utilization-pol.LowUtilization)/span
	default:
		return pol.NearCapacityPenalty + pol.OverCapacitySlope*(utilization-1.0)
	}
}

func (p *Planner) score(c Candidate, dest Coordinates) float64 {
	adjustedCost := float64(c.Location.BaseShippingCents) * p.penalty(c.Utilization)
	distance := HaversineKm(dest, Coordinates{Latitude: c.Location.Latitude, Longitude: c.Location.Longitude})
	return p.policy.CostWeight*adjustedCost + p.policy.SpeedWeight*distance
}

type scored struct {
	Candidate
	score float64
}

// Plan ranks the candidates and picks single-location or split fulfillment.
// A plan is all-or-nothing: any shortfall fails the whole request.
func (p *Planner) Plan(req Request, candidates []Candidate) (Plan, error) {
	if req.Quantity <= 0 {
		return Plan{}, fmt.Errorf("plan %s: quantity must be positive", req.ProductID)
	}

	usable := make([]scored, 0, len(candidates))
	hadStock := false
	for _, c := range candidates {
		if c.Location.Status != inventory.LocationActive || c.Available <= 0 {
			continue
		}
		hadStock = true
		if req.StrictCapacity && c.Utilization >= 1.0 {
			continue
		}
		usable = append(usable, scored{Candidate: c, score: p.score(c, req.Destination)})
	}
	if len(usable) == 0 {
		if req.StrictCapacity && hadStock {
			return Plan{}, fmt.Errorf("plan %s: %w", req.ProductID, capacity.ErrExceeded)
		}
		return Plan{}, fmt.Errorf("plan %s qty=%d: no usable location: %w", req.ProductID, req.Quantity, inventory.ErrInsufficientStock)
	}

	// Deterministic order: score, then location priority, then id.
	sort.Slice(usable, func(i, j int) bool {
		if usable[i].score != usable[j].score {
			return usable[i].score < usable[j].score
		}
		if usable[i].Location.Priority != usable[j].Location.Priority {
			return usable[i].Location.Priority < usable[j].Location.Priority
		}
		return usable[i].Location.ID < usable[j].Location.ID
	})

	// Best location that can carry the whole quantity alone. It is not
	// necessarily ranked first: cheaper locations with partial stock sort
	// above it, and those are exactly what a split would use.
	var single *Plan
	for _, c := range usable {
		if c.Available < req.Quantity {
			continue
		}
		single = &Plan{
			ProductID: req.ProductID,
			Quantity:  req.Quantity,
			Legs:      []Leg{{LocationID: c.Location.ID, Quantity: req.Quantity, Score: c.score}},
			Score:     c.score,
		}
		break
	}

	split, splitOK := p.greedySplit(req, usable)

	if single != nil {
		// The split has to beat the single location by the configured
		// margin; a marginal saving is not worth two shipments.
		if splitOK && split.Split() && single.Score > 0 {
			savings := (single.Score - split.Score) / single.Score
			if savings >= p.policy.SingleLocationThreshold {
				return split, nil
			}
		}
		return *single, nil
	}
	if !splitOK {
		return Plan{}, fmt.Errorf("plan %s qty=%d: candidates exhausted: %w", req.ProductID, req.Quantity, inventory.ErrInsufficientStock)
	}
	return split, nil
}

// greedySplit consumes ranked candidates in order until the quantity is
// satisfied, capped at MaxSplitLegs. ok=false means infeasible.
func (p *Planner) greedySplit(req Request, ranked []scored) (Plan, bool) {
	remaining := req.Quantity
	plan := Plan{ProductID: req.ProductID, Quantity: req.Quantity}
	weighted := 0.0
	for _, c := range ranked {
		if remaining == 0 || len(plan.Legs) == p.policy.MaxSplitLegs {
			break
		}
		take := c.Available
		if take > remaining {
			take = remaining
		}
		plan.Legs = append(plan.Legs, Leg{LocationID: c.Location.ID, Quantity: take, Score: c.score})
		weighted += c.score * float64(take)
		remaining -= take
	}
	if remaining > 0 || len(plan.Legs) == 0 {
		return Plan{}, false
	}
	plan.Score = weighted / float64(req.Quantity)
	return plan, true
}
