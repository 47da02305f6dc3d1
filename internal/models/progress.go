package models

import "time"

// ProgressEvent is emitted after each accepted mutation of a running investigation.
type ProgressEvent struct {
	InvestigationID  string    `json:"investigation_id"`
	Version          int64     `json:"version"`
	Status           Status    `json:"status"`
	Phase            Phase     `json:"phase"`
	PercentComplete  float64   `json:"percent_complete"`
	DomainsCompleted []Domain  `json:"domains_completed"`
	Timestamp        time.Time `json:"timestamp"`
}

// ProgressEventFor snapshots the progress fields of inv.
func ProgressEventFor(inv *Investigation) ProgressEvent {
	return ProgressEvent{
		InvestigationID:  inv.ID,
		Version:          inv.Version,
		Status:           inv.Status,
		Phase:            inv.Progress.Phase,
		PercentComplete:  inv.Progress.PercentComplete,
		DomainsCompleted: append([]Domain(nil), inv.Progress.DomainsCompleted...),
		Timestamp:        inv.UpdatedAt,
	}
}
