// Package simulator produces deterministic, internally consistent business
// metric snapshots for a (merchant, scenario) pair. The same inputs always
// yield the same snapshot, so a conversational agent can query consistent data
// across many tool calls in one session. The simulator is pure and stateless:
// it never touches durable storage and is safe for concurrent use.
package simulator

import (
	"hash/fnv"
	"math"
	"math/rand"

	"github.com/pulsedesk/session-engine/internal/domain"
)

// MaxDay is the last simulated day offset. The source material never models
// past one year.
const MaxDay = 365

// Snapshot is a read-only projection of a merchant's business metrics on a
// given day of a scenario. Derived views must never contradict it.
type Snapshot struct {
	MerchantID string `json:"merchant_id"`
	Scenario   string `json:"scenario"`
	Day        int    `json:"day"`

	MRR               float64 `json:"mrr"`
	ARRProjected      float64 `json:"arr_projected"`
	Subscribers       int     `json:"subscribers"`
	NewSubscribers    int     `json:"new_subscribers"`
	ChurnRatePct      float64 `json:"churn_rate_pct"`
	AtRiskCustomers   int     `json:"at_risk_customers"`
	TicketsToday      int     `json:"tickets_today"`
	TicketsCumulative int     `json:"tickets_cumulative"`
	AvgResponseHours  float64 `json:"avg_response_hours"`

	Segments []Segment `json:"segments"`
}

// Segment is one customer cohort within a snapshot. Segment customer counts
// always sum to the snapshot's subscriber count.
type Segment struct {
	Name         string  `json:"name"`
	Customers    int     `json:"customers"`
	MRRShare     float64 `json:"mrr_share"`
	ChurnRatePct float64 `json:"churn_rate_pct"`
}

// elevatedChurnPct is the threshold above which a merchant is considered to
// have a retention problem; crisis and segment views key off it.
const elevatedChurnPct = 4.0

// scenarioDef anchors a scenario's baselines and day-dependent modifiers. All
// modifiers are pure functions of day, never independent random draws.
type scenarioDef struct {
	baseMRR       float64
	baseSubs      int
	baseChurnPct  float64
	ticketsPerDay float64
	dailyGrowth   float64
	churnMult     func(day int) float64
	ticketMult    func(day int) float64
	responseHours float64
}

func flat(day int) float64 { return 1.0 }

var scenarios = map[string]scenarioDef{
	"steady_state": {
		baseMRR:       32000,
		baseSubs:      940,
		baseChurnPct:  2.8,
		ticketsPerDay: 9,
		dailyGrowth:   0.0008,
		churnMult:     flat,
		ticketMult:    flat,
		responseHours: 3.5,
	},
	"growth_stall": {
		baseMRR:       45000,
		baseSubs:      1290,
		baseChurnPct:  5.5,
		ticketsPerDay: 14,
		dailyGrowth:   0.0001,
		churnMult:     flat,
		ticketMult:    flat,
		responseHours: 5.0,
	},
	"churn_spike": {
		baseMRR:       38000,
		baseSubs:      1100,
		baseChurnPct:  3.2,
		ticketsPerDay: 22,
		dailyGrowth:   -0.0004,
		// Churn ramps to 2.5x over the first two weeks and stays there.
		churnMult: func(day int) float64 {
			ramp := math.Min(float64(day), 14) / 14
			return 1 + 1.5*ramp
		},
		ticketMult: func(day int) float64 {
			ramp := math.Min(float64(day), 14) / 14
			return 1 + ramp
		},
		responseHours: 9.0,
	},
	"onboarding_surge": {
		baseMRR:       18000,
		baseSubs:      520,
		baseChurnPct:  2.2,
		ticketsPerDay: 30,
		dailyGrowth:   0.004,
		churnMult:     flat,
		// Launch-week ticket load decays toward half over a month.
		ticketMult: func(day int) float64 {
			decay := math.Min(float64(day), 30) / 30
			return 1 - 0.5*decay
		},
		responseHours: 6.5,
	},
}

// Scenarios returns the known scenario tags in unspecified order.
func Scenarios() []string {
	tags := make([]string, 0, len(scenarios))
	for tag := range scenarios {
		tags = append(tags, tag)
	}
	return tags
}

// Simulator produces snapshots. The zero value is not usable; use New.
type Simulator struct {
	maxDay int
}

// New creates a simulator with the default day range.
func New() *Simulator {
	return &Simulator{maxDay: MaxDay}
}

// Snapshot computes the metrics snapshot for a merchant and scenario on the
// given day offset. Two calls with identical inputs return identical values.
func (s *Simulator) Snapshot(merchantID, scenario string, day int) (*Snapshot, error) {
	def, ok := scenarios[scenario]
	if !ok {
		return nil, domain.ErrUnknownScenario(scenario)
	}
	if day < 0 || day > s.maxDay {
		return nil, domain.ErrInvalidDay(day, s.maxDay)
	}

	// The per-pair jitter is drawn once from a seed derived from the pair, so
	// recomputing the baseline for the same pair always yields the same values.
	rng := rand.New(rand.NewSource(pairSeed(merchantID, scenario)))
	mrrJitter := jitter(rng, 0.01)
	subsJitter := jitter(rng, 0.01)
	churnJitter := jitter(rng, 0.01)
	ticketJitter := jitter(rng, 0.05)

	growth := math.Pow(1+def.dailyGrowth, float64(day))
	mrr := round2(def.baseMRR * mrrJitter * growth)
	subs := int(math.Round(float64(def.baseSubs) * subsJitter * growth))
	if subs < 0 {
		subs = 0
	}
	prevSubs := int(math.Round(float64(def.baseSubs) * subsJitter * math.Pow(1+def.dailyGrowth, float64(day-1))))
	newSubs := subs - prevSubs
	if day == 0 || newSubs < 0 {
		newSubs = 0
	}

	churn := round2(def.baseChurnPct * churnJitter * def.churnMult(day))

	// Cumulative tickets are a sum of non-negative per-day counts, so they can
	// never decrease from one day to the next.
	ticketsToday := 0
	ticketsCum := 0
	for d := 0; d <= day; d++ {
		n := int(math.Round(def.ticketsPerDay * ticketJitter * def.ticketMult(d)))
		if n < 0 {
			n = 0
		}
		ticketsCum += n
		if d == day {
			ticketsToday = n
		}
	}

	atRisk := 0
	if churn > elevatedChurnPct {
		atRisk = int(math.Round(float64(subs) * (churn - elevatedChurnPct + 1) / 100 * 3))
		if atRisk < 1 {
			atRisk = 1
		}
	}

	responseHours := round2(def.responseHours * def.ticketMult(day))

	return &Snapshot{
		MerchantID:        merchantID,
		Scenario:          scenario,
		Day:               day,
		MRR:               mrr,
		ARRProjected:      round2(mrr * 12),
		Subscribers:       subs,
		NewSubscribers:    newSubs,
		ChurnRatePct:      churn,
		AtRiskCustomers:   atRisk,
		TicketsToday:      ticketsToday,
		TicketsCumulative: ticketsCum,
		AvgResponseHours:  responseHours,
		Segments:          buildSegments(subs, mrr, churn),
	}, nil
}

// buildSegments splits subscribers into fixed cohorts. The starter cohort
// absorbs rounding so the counts always sum exactly to the subscriber total.
func buildSegments(subs int, mrr, churn float64) []Segment {
	enterprise := int(math.Round(float64(subs) * 0.08))
	growthTier := int(math.Round(float64(subs) * 0.27))
	starter := subs - enterprise - growthTier

	return []Segment{
		{Name: "enterprise", Customers: enterprise, MRRShare: 0.38, ChurnRatePct: round2(churn * 0.3)},
		{Name: "growth", Customers: growthTier, MRRShare: 0.34, ChurnRatePct: round2(churn * 0.8)},
		{Name: "starter", Customers: starter, MRRShare: 0.28, ChurnRatePct: round2(churn * 1.4)},
	}
}

// pairSeed derives the deterministic seed for a (merchant, scenario) pair.
func pairSeed(merchantID, scenario string) int64 {
	h := fnv.New64a()
	h.Write([]byte(merchantID))
	h.Write([]byte{0})
	h.Write([]byte(scenario))
	return int64(h.Sum64())
}

// jitter returns a factor in [1-spread, 1+spread].
func jitter(rng *rand.Rand, spread float64) float64 {
	return 1 + (rng.Float64()*2-1)*spread
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
