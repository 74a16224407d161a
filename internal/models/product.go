package models

import "time"

type Product struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Name        string    `gorm:"type:varchar(100);index;not null" json:"name"`
	Price       float64   `gorm:"not null" json:"price"`
	Stock       int       `gorm:"not null;default:0" json:"stock"`
	Description string    `gorm:"type:varchar(500)" json:"description"`
	Image       *string   `gorm:"type:varchar(255)" json:"image"`
	Category    string    `gorm:"type:varchar(100);index" json:"category"`
	IsDeleted   bool      `gorm:"not null;default:false;index" json:"is_deleted"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Product) TableName() string { return "products" }
