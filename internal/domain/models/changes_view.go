package models

import "time"

// ChangesView is the published form of PriceChanges with derived values
// precomputed for consumers that do not share this package.
type ChangesView struct {
	PriceChanges

	FormattedPair     string    `json:"formatted_pair,omitempty"`
	PercentChange     float64   `json:"percent_change"`
	Change            float64   `json:"change"`
	LastPercentChange float64   `json:"last_percent_change"`
	DropPercentChange float64   `json:"drop_percent_change"`
	RisePercentChange float64   `json:"rise_percent_change"`
	ChangeTimeSeconds int64     `json:"change_time_seconds"`
	Time              time.Time `json:"time"`
}

func NewChangesView(pc PriceChanges, formattedPair string) ChangesView {
	return ChangesView{
		PriceChanges:      pc,
		FormattedPair:     formattedPair,
		PercentChange:     pc.PercentChange(),
		Change:            pc.Change(),
		LastPercentChange: pc.LastPercentChange(),
		DropPercentChange: pc.DropPercentChange(),
		RisePercentChange: pc.RisePercentChange(),
		ChangeTimeSeconds: pc.ChangeTimeSeconds(),
		Time:              time.Unix(pc.LastPriceTimestamp, 0).UTC(),
	}
}

// ChangesViews maps a batch through NewChangesView.
func ChangesViews(changes []PriceChanges, format func(string) string) []ChangesView {
	out := make([]ChangesView, len(changes))
	for i, pc := range changes {
		fp := ""
		if format != nil {
			fp = format(pc.Pair)
		}
		out[i] = NewChangesView(pc, fp)
	}
	return out
}
