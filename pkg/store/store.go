package store

import (
	"imagemaster/pkg/domain"
)

// Store defines persistence operations for profiles, generated images, and
// usage logs.
type Store interface {
	// profiles
	GetProfile(id string) (domain.Profile, bool, error)
	SaveProfile(domain.Profile) error

	// RecordGeneration commits the ledger for one successful generation as a
	// single unit: a conditional one-credit debit on the owner's profile plus
	// the generated-image insert and the usage-log append. debited reports
	// whether the debit matched a row with a positive balance; when false no
	// write took place and the caller must treat the generation as not
	// entitled.
	RecordGeneration(image domain.GeneratedImage, entry domain.UsageLog) (remaining int, debited bool, err error)

	// generated images
	GetImage(id string) (domain.GeneratedImage, bool, error)
	ListImagesByOwner(userID string) ([]domain.GeneratedImage, error)
	SetImageFlags(id string, public, favorite *bool) error
	DeleteImage(id string) error

	// usage logs
	ListUsageByOwner(userID string, limit int) ([]domain.UsageLog, error)
}
