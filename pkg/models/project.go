package models

import "time"

type Project struct {
	ID          string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Name        string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"name"`
	Description string    `gorm:"type:text" json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ContextEntry is a stored piece of working context attached to a session.
type ContextEntry struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	SessionID string    `gorm:"type:varchar(36);index" json:"session_id,omitempty"`
	Type      string    `gorm:"type:varchar(32);index;not null" json:"type"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	Tags      string    `gorm:"type:text" json:"tags,omitempty"`
}

type Decision struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	SessionID string    `gorm:"type:varchar(36);index" json:"session_id,omitempty"`
	Title     string    `gorm:"type:varchar(255);not null" json:"title"`
	Rationale string    `gorm:"type:text" json:"rationale"`
	Status    string    `gorm:"type:varchar(32)" json:"status"`
}
