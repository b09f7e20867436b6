package core

import "time"

// NodePauseReasonErrors is recorded when a node is paused for its error rate.
const NodePauseReasonErrors = "System Failure Rate Too High"

// Node is a cluster node that supplies resource offers.
type Node struct {
	ID             string     `gorm:"primaryKey;size:255" json:"id"`
	Hostname       string     `gorm:"size:250" json:"hostname"`
	IsActive       bool       `json:"is_active"`
	IsPaused       bool       `json:"is_paused"`
	IsPausedErrors bool       `json:"is_paused_errors"`
	PauseReason    string     `gorm:"size:250" json:"pause_reason"`
	LastOffer      *time.Time `json:"last_offer"`
	Created        time.Time  `gorm:"autoCreateTime" json:"created"`
	LastModified   time.Time  `gorm:"autoUpdateTime" json:"last_modified"`
}
