package models

// Source tiers, refreshed in ascending order.
const (
	TierPrimary   = 1
	TierSecondary = 2
	TierTertiary  = 3
)

// Source is an external data category (a league) refreshed by the scheduler.
type Source struct {
	Key        string            `yaml:"key" json:"key"`
	Name       string            `yaml:"name" json:"name,omitempty"`
	Tier       int               `yaml:"tier" json:"tier"`
	PastDays   int               `yaml:"past_days" json:"past_days"`
	FutureDays int               `yaml:"future_days" json:"future_days"`
	Params     map[string]string `yaml:"params" json:"params,omitempty"`
}

// ChunkResult is what the fixture source reports for one chunk.
type ChunkResult struct {
	TotalItems  int `json:"total_items"`
	NewItems    int `json:"new_items"`
	ReusedItems int `json:"reused_items"`
}
