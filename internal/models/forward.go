// Package models defines shared data types for the application.
package models

import (
	"time"

	"github.com/google/uuid"
)

// ForwardStatus is the outcome of one delivery attempt.
type ForwardStatus string

// ForwardStatus constants.
const (
	ForwardDelivered ForwardStatus = "DELIVERED"
	ForwardFailed    ForwardStatus = "FAILED"
)

// Forward is one ledger row per delivery attempt.
type Forward struct {
	ID         uuid.UUID     `json:"id" gorm:"type:uuid;primaryKey"`
	MessageID  string        `json:"message_id" gorm:"index;size:128"`
	ChatID     string        `json:"chat_id" gorm:"size:128"`
	ChannelID  string        `json:"channel_id" gorm:"size:64"`
	Status     ForwardStatus `json:"status" gorm:"index;size:16"`
	Historical bool          `json:"historical"`
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"created_at" gorm:"index"`
}

// TableName keeps the table name stable regardless of naming strategy.
func (Forward) TableName() string {
	return "relay_forwards"
}
