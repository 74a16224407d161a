package chat

import (
	"time"

	"github.com/suPer8Hu/shopchat/internal/common"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"

	DefaultTitle = "New chat"
)

func ValidRole(r string) bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

type Session struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID    string    `gorm:"type:varchar(26);uniqueIndex;not null" json:"session_id"`
	UserID       uint64    `gorm:"not null;index:ix_user_created,priority:1" json:"user_id"`
	Title        string    `gorm:"type:varchar(100);not null" json:"title"`
	MessageCount int       `gorm:"not null;default:0" json:"message_count"`
	Provider     string    `gorm:"type:varchar(32);not null" json:"provider"`
	Model        string    `gorm:"type:varchar(64);not null" json:"model"`
	IsDeleted    bool      `gorm:"not null;default:false;index" json:"is_deleted"`
	CreatedAt    time.Time `gorm:"index:ix_user_created,priority:2" json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Session) TableName() string { return "chat_sessions" }

type Message struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"message_id"`
	SessionID      string    `gorm:"type:varchar(26);not null;index:ix_session_created,priority:1;index:uniq_chat_msg_idempo,unique,priority:2" json:"session_id"`
	UserID         uint64    `gorm:"not null;index;index:uniq_chat_msg_idempo,unique,priority:1" json:"-"`
	Role           string    `gorm:"type:varchar(16);index;not null" json:"role"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	StreamID       *string   `gorm:"type:varchar(36)" json:"stream_id,omitempty"`
	IdempotencyKey *string   `gorm:"type:varchar(128);index:uniq_chat_msg_idempo,unique,priority:3" json:"-"`
	IsDeleted      bool      `gorm:"not null;default:false" json:"is_deleted"`
	CreatedAt      time.Time `gorm:"index:ix_session_created,priority:2" json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Message) TableName() string { return "chat_messages" }

// NewSessionID returns a ULID used as the public session id.
func NewSessionID() (string, error) {
	return common.NewULID()
}
