package model

// UsageRecord aggregates one token's consumption for one UTC day.
// (Token, Date) is unique; counters only ever grow.
type UsageRecord struct {
	ID               uint   `gorm:"primaryKey" json:"-"`
	Token            string `gorm:"type:varchar(64);not null;uniqueIndex:idx_usage_token_date" json:"token"`
	Date             string `gorm:"type:varchar(10);not null;uniqueIndex:idx_usage_token_date;index" json:"date"`
	RequestCount     int64  `gorm:"default:0;not null" json:"request_count"`
	PromptTokens     int64  `gorm:"default:0;not null" json:"prompt_tokens"`
	CompletionTokens int64  `gorm:"default:0;not null" json:"completion_tokens"`
}

func (UsageRecord) TableName() string { return "usage_records" }

// UsageTotals is a sum of usage records over a date range.
type UsageTotals struct {
	RequestCount     int64 `json:"request_count"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}
