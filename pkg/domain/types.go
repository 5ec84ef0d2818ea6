package domain

import "time"

type SubscriptionTier string

const (
	TierFree    SubscriptionTier = "free"
	TierPro     SubscriptionTier = "pro"
	TierProPlus SubscriptionTier = "pro_plus"
)

// ActionImageGeneration is the usage-log action tag for one image generation.
const ActionImageGeneration = "image_generation"

// Profile is the per-user credit balance. One row per authenticated user;
// the generation pipeline is the only writer of the debit pair.
type Profile struct {
	ID               string           `json:"id"`
	CreditsRemaining int              `json:"creditsRemaining"`
	TotalCreditsUsed int              `json:"totalCreditsUsed"`
	SubscriptionTier SubscriptionTier `json:"subscriptionTier"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// GeneratedImage records one stored generation. Immutable after creation
// except for the display flags, which the gallery owns.
type GeneratedImage struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	Prompt           string    `json:"prompt"`
	ImageURL         string    `json:"imageUrl"`
	StorageKey       string    `json:"-"`
	ModelUsed        string    `json:"modelUsed"`
	GenerationTimeMS int64     `json:"generationTimeMs"`
	CreditsUsed      int       `json:"creditsUsed"`
	IsPublic         bool      `json:"isPublic"`
	IsFavorite       bool      `json:"isFavorite"`
	CreatedAt        time.Time `json:"createdAt"`
}

// UsageLog is an append-only audit entry.
type UsageLog struct {
	ID              string         `json:"id"`
	UserID          string         `json:"userId"`
	Action          string         `json:"action"`
	CreditsConsumed int            `json:"creditsConsumed"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// GenerationResult is the success payload returned to the presentation layer.
type GenerationResult struct {
	ImageURL         string `json:"imageUrl"`
	CreditsRemaining int    `json:"creditsRemaining"`
	GenerationTime   int64  `json:"generationTime"`
}

// Plan describes a subscription tier shown on the pricing page.
type Plan struct {
	ID       SubscriptionTier `json:"id"`
	Name     string           `json:"name"`
	Price    string           `json:"price"`
	Period   string           `json:"period"`
	Credits  int              `json:"credits"`
	Features []string         `json:"features"`
}

// Plans returns the canonical plan table.
func Plans() []Plan {
	return []Plan{
		{
			ID:      TierFree,
			Name:    "Free",
			Price:   "$0",
			Period:  "forever",
			Credits: 1,
			Features: []string{
				"1 image generation",
				"Basic image quality",
				"Public gallery access",
				"Community support",
			},
		},
		{
			ID:      TierPro,
			Name:    "Pro",
			Price:   "$9.99",
			Period:  "per month",
			Credits: 3,
			Features: []string{
				"3 image generations per month",
				"High-quality images",
				"Private gallery",
				"Priority support",
				"Download in multiple formats",
			},
		},
		{
			ID:      TierProPlus,
			Name:    "Pro Plus",
			Price:   "$50",
			Period:  "per month",
			Credits: 1000,
			Features: []string{
				"1000 image generations",
				"Premium image quality",
				"Advanced editing tools",
				"24/7 priority support",
				"Commercial usage rights",
				"API access",
			},
		},
	}
}
