package model

import (
	"encoding/json"
	"time"
)

const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// Token is the identity and entitlement record of one client installation.
// A disabled token stays disabled until its status is explicitly set back to active.
type Token struct {
	Token           string     `gorm:"type:varchar(64);primaryKey" json:"token"`
	Status          string     `gorm:"type:varchar(16);default:'active';not null;index" json:"status"`
	Platform        string     `gorm:"type:varchar(32);not null" json:"platform"`
	InstallID       string     `gorm:"type:varchar(255);not null;index" json:"install_id"`
	Version         *string    `gorm:"type:varchar(64)" json:"version"`
	DailyLimit      int        `gorm:"not null" json:"daily_limit"`
	MonthlyLimit    int        `gorm:"not null" json:"monthly_limit"`
	Meta            *string    `gorm:"type:text" json:"-"`
	TunnelURL       *string    `gorm:"type:varchar(2048)" json:"tunnel_url"`
	TunnelUpdatedAt *time.Time `json:"tunnel_updated_at"`
	CreatedAt       time.Time  `gorm:"not null;index" json:"created_at"`
	LastUsedAt      *time.Time `json:"last_used_at"`
}

// TableName pins the table name independent of gorm's naming strategy.
func (Token) TableName() string { return "tokens" }

// Disabled reports whether the token is a tombstone.
func (t *Token) Disabled() bool {
	return t.Status == StatusDisabled
}

// MetaValue decodes the stored meta document. It returns nil when no meta was stored
// or when the stored value is not valid JSON.
func (t *Token) MetaValue() any {
	if t.Meta == nil || *t.Meta == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(*t.Meta), &v); err != nil {
		return nil
	}
	return v
}

// TokenUpdate is a partial update; nil fields are left unchanged.
type TokenUpdate struct {
	Status       *string
	DailyLimit   *int
	MonthlyLimit *int
}

// Empty reports whether the update carries no field at all.
func (u TokenUpdate) Empty() bool {
	return u.Status == nil && u.DailyLimit == nil && u.MonthlyLimit == nil
}
