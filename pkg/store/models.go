package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence. Table names follow the public schema the
// presentation layer reads directly.
type ProfileModel struct {
	ID               string    `gorm:"primaryKey"`
	CreditsRemaining int       `gorm:"not null;default:1"`
	TotalCreditsUsed int       `gorm:"not null;default:0"`
	SubscriptionTier string    `gorm:"not null;default:free"`
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time
}

func (ProfileModel) TableName() string { return "profiles" }

type GeneratedImageModel struct {
	ID               string    `gorm:"primaryKey"`
	UserID           string    `gorm:"not null;index"`
	Prompt           string    `gorm:"type:text;not null"`
	ImageURL         string    `gorm:"not null"`
	StorageKey       string
	ModelUsed        string    `gorm:"not null"`
	GenerationTimeMS int64     `gorm:"not null"`
	CreditsUsed      int       `gorm:"not null;default:1"`
	IsPublic         bool      `gorm:"not null;default:false"`
	IsFavorite       bool      `gorm:"not null;default:false"`
	CreatedAt        time.Time `gorm:"not null;index"`
}

func (GeneratedImageModel) TableName() string { return "generated_images" }

type UsageLogModel struct {
	ID              string         `gorm:"primaryKey"`
	UserID          string         `gorm:"not null;index"`
	Action          string         `gorm:"not null"`
	CreditsConsumed int            `gorm:"not null"`
	Metadata        datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt       time.Time      `gorm:"not null;index"`
}

func (UsageLogModel) TableName() string { return "usage_logs" }
