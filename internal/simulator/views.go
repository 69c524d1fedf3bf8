package simulator

import (
	"fmt"
	"strings"

	"github.com/pulsedesk/session-engine/internal/domain"
)

// Views are pure projections of a single snapshot. No view introduces a number
// that contradicts another view computed from the same snapshot.

// BriefingView is the daily-briefing projection of a snapshot.
type BriefingView struct {
	Day               int     `json:"day"`
	MRR               float64 `json:"mrr"`
	ARRProjected      float64 `json:"arr_projected"`
	Subscribers       int     `json:"subscribers"`
	NewSubscribers    int     `json:"new_subscribers"`
	ChurnRatePct      float64 `json:"churn_rate_pct"`
	TicketsToday      int     `json:"tickets_today"`
	TicketsCumulative int     `json:"tickets_cumulative"`
}

// DailyBriefing projects the metrics a merchant reviews each morning.
func DailyBriefing(snap *Snapshot) BriefingView {
	return BriefingView{
		Day:               snap.Day,
		MRR:               snap.MRR,
		ARRProjected:      snap.ARRProjected,
		Subscribers:       snap.Subscribers,
		NewSubscribers:    snap.NewSubscribers,
		ChurnRatePct:      snap.ChurnRatePct,
		TicketsToday:      snap.TicketsToday,
		TicketsCumulative: snap.TicketsCumulative,
	}
}

// Summary renders the briefing as conversational text.
func (v BriefingView) Summary() string {
	return fmt.Sprintf(
		"Day %d briefing: MRR $%.2f (projected ARR $%.2f), %d subscribers (%d new today), churn %.2f%%, %d support tickets today (%d total).",
		v.Day, v.MRR, v.ARRProjected, v.Subscribers, v.NewSubscribers, v.ChurnRatePct, v.TicketsToday, v.TicketsCumulative)
}

// CrisisView surfaces the retention and support-load picture when something is
// going wrong.
type CrisisView struct {
	Day              int     `json:"day"`
	ChurnRatePct     float64 `json:"churn_rate_pct"`
	ChurnElevated    bool    `json:"churn_elevated"`
	AtRiskCustomers  int     `json:"at_risk_customers"`
	MRRAtRisk        float64 `json:"mrr_at_risk"`
	TicketsToday     int     `json:"tickets_today"`
	AvgResponseHours float64 `json:"avg_response_hours"`
}

// Crisis projects the snapshot's risk figures. MRR at risk is derived from the
// same subscriber and revenue numbers the briefing reports.
func Crisis(snap *Snapshot) CrisisView {
	var mrrAtRisk float64
	if snap.Subscribers > 0 {
		mrrAtRisk = round2(snap.MRR * float64(snap.AtRiskCustomers) / float64(snap.Subscribers))
	}
	return CrisisView{
		Day:              snap.Day,
		ChurnRatePct:     snap.ChurnRatePct,
		ChurnElevated:    snap.ChurnRatePct > elevatedChurnPct,
		AtRiskCustomers:  snap.AtRiskCustomers,
		MRRAtRisk:        mrrAtRisk,
		TicketsToday:     snap.TicketsToday,
		AvgResponseHours: snap.AvgResponseHours,
	}
}

// Summary renders the crisis picture as conversational text.
func (v CrisisView) Summary() string {
	if !v.ChurnElevated {
		return fmt.Sprintf(
			"Day %d: no active crisis. Churn is %.2f%%, %d tickets today, average first response %.1fh.",
			v.Day, v.ChurnRatePct, v.TicketsToday, v.AvgResponseHours)
	}
	return fmt.Sprintf(
		"Day %d: churn is elevated at %.2f%%. %d customers are at risk (about $%.2f MRR). %d tickets today, average first response %.1fh.",
		v.Day, v.ChurnRatePct, v.AtRiskCustomers, v.MRRAtRisk, v.TicketsToday, v.AvgResponseHours)
}

// SegmentView breaks the subscriber base into cohorts, optionally narrowed to
// one segment.
type SegmentView struct {
	Day              int       `json:"day"`
	TotalSubscribers int       `json:"total_subscribers"`
	AtRiskCustomers  int       `json:"at_risk_customers"`
	Segments         []Segment `json:"segments"`
}

// CustomerSegments projects cohort metrics. An empty segment name returns all
// cohorts; an unknown name is a client error.
func CustomerSegments(snap *Snapshot, segment string) (SegmentView, error) {
	view := SegmentView{
		Day:              snap.Day,
		TotalSubscribers: snap.Subscribers,
		AtRiskCustomers:  snap.AtRiskCustomers,
	}
	if segment == "" {
		view.Segments = append(view.Segments, snap.Segments...)
		return view, nil
	}
	for _, s := range snap.Segments {
		if s.Name == segment {
			view.Segments = []Segment{s}
			return view, nil
		}
	}
	known := make([]string, 0, len(snap.Segments))
	for _, s := range snap.Segments {
		known = append(known, s.Name)
	}
	return SegmentView{}, domain.ErrInvalidRequest(
		fmt.Sprintf("unknown customer segment %q (known: %s)", segment, strings.Join(known, ", ")))
}

// Summary renders the segment breakdown as conversational text.
func (v SegmentView) Summary() string {
	parts := make([]string, 0, len(v.Segments))
	for _, s := range v.Segments {
		parts = append(parts, fmt.Sprintf("%s: %d customers, %.0f%% of MRR, %.2f%% churn",
			s.Name, s.Customers, s.MRRShare*100, s.ChurnRatePct))
	}
	summary := fmt.Sprintf("Day %d segments (%d subscribers total): %s.",
		v.Day, v.TotalSubscribers, strings.Join(parts, "; "))
	if v.AtRiskCustomers > 0 {
		summary += fmt.Sprintf(" %d customers are currently at risk.", v.AtRiskCustomers)
	}
	return summary
}
