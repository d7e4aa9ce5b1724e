package models

import "time"

// TransportThread maps a chat platform conversation (channel + thread) onto
// the session that serves it. A closed session is replaced in place when the
// thread speaks again.
type TransportThread struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	Platform      string    `gorm:"size:16;not null;uniqueIndex:idx_transport_thread"` // slack, discord
	ChannelID     string    `gorm:"size:128;not null;uniqueIndex:idx_transport_thread"`
	ThreadID      string    `gorm:"size:128;not null;uniqueIndex:idx_transport_thread"`
	SessionID     string    `gorm:"size:64;not null;index"`
	UserID        string    `gorm:"size:128"`
	UserName      string    `gorm:"size:64"`
	LastMessageAt time.Time `gorm:"index"`
	CreatedAt     time.Time
}
