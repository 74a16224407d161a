package models

import "time"

type User struct {
	ID           uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string     `gorm:"type:varchar(50);uniqueIndex;not null" json:"username"`
	Email        string     `gorm:"type:varchar(100);uniqueIndex;not null" json:"email"`
	Phone        string     `gorm:"type:varchar(20);uniqueIndex;not null" json:"phone"`
	PasswordHash string     `gorm:"type:varchar(255);not null" json:"-"`
	IsAdmin      bool       `gorm:"not null;default:false" json:"is_admin"`
	IsActive     bool       `gorm:"not null" json:"is_active"`
	IsDeleted    bool       `gorm:"not null;default:false;index" json:"is_deleted"`
	IPAddress    *string    `gorm:"type:varchar(45)" json:"ip_address"`
	LastLogin    *time.Time `json:"last_login"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (User) TableName() string { return "users" }

// PublicUser is the user as returned to API clients.
type PublicUser struct {
	ID        uint64     `json:"id"`
	Username  string     `json:"username"`
	Email     string     `json:"email"`
	Phone     string     `json:"phone"`
	IsAdmin   bool       `json:"is_admin"`
	IsActive  bool       `json:"is_active"`
	IPAddress *string    `json:"ip_address"`
	LastLogin *time.Time `json:"last_login"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (u *User) Public() PublicUser {
	return PublicUser{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		Phone:     u.Phone,
		IsAdmin:   u.IsAdmin,
		IsActive:  u.IsActive,
		IPAddress: u.IPAddress,
		LastLogin: u.LastLogin,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}
