package app

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"imagemaster/internal/util"
	"imagemaster/pkg/ai"
	"imagemaster/pkg/domain"
	"imagemaster/pkg/storage"
	"imagemaster/pkg/store"
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL string
	Store       store.Store
	Objects     storage.ObjectStore
	Generator   ai.ImageGenerator

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	ProviderBaseURL string
	ProviderAPIKey  string
	GenerationModel string
	ImageSize       string
	ProviderTimeout time.Duration
}

// App wires the generation pipeline: entitlement, provider, storage, ledger.
type App struct {
	store     store.Store
	objects   storage.ObjectStore
	generator ai.ImageGenerator
	model     string
}

// New constructs the application with database-backed ledger storage and
// object storage for the generated images.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	objects := cfg.Objects
	if objects == nil {
		var err error
		objects, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return nil, err
		}
	}
	generator := cfg.Generator
	if generator == nil {
		if cfg.ProviderBaseURL == "" {
			return nil, fmt.Errorf("provider base URL required")
		}
		if cfg.GenerationModel == "" {
			return nil, fmt.Errorf("generation model required")
		}
		generator = ai.NewOpenAICompatImages(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.GenerationModel, cfg.ImageSize, cfg.ProviderTimeout)
	}
	model := cfg.GenerationModel
	if model == "" {
		model = "unknown"
	}
	return &App{
		store:     dataStore,
		objects:   objects,
		generator: generator,
		model:     model,
	}, nil
}

// GenerateImage runs the credit-metered pipeline for one request. Stages run
// strictly in order and any failure aborts before the ledger is touched; the
// final ledger commit re-checks the balance with a conditional debit so a
// concurrent request cannot spend the same credit.
func (a *App) GenerateImage(ctx context.Context, userID, prompt string) (domain.GenerationResult, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return domain.GenerationResult{}, ErrPromptRequired
	}

	profile, ok, err := a.store.GetProfile(userID)
	if err != nil {
		return domain.GenerationResult{}, fmt.Errorf("load profile: %w", err)
	}
	if !ok {
		return domain.GenerationResult{}, ErrProfileNotFound
	}
	if profile.CreditsRemaining <= 0 {
		return domain.GenerationResult{}, ErrInsufficientCredits
	}

	result, err := a.generator.GenerateImage(ctx, prompt)
	if err != nil {
		return domain.GenerationResult{}, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	key := userID + "/" + uuid.NewString() + ".png"
	if err := a.objects.Put(ctx, key, bytes.NewReader(result.PNG), int64(len(result.PNG)), "image/png"); err != nil {
		return domain.GenerationResult{}, fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}
	imageURL := a.objects.PublicURL(key)

	now := time.Now().UTC()
	image := domain.GeneratedImage{
		ID:               util.NewID(),
		UserID:           userID,
		Prompt:           prompt,
		ImageURL:         imageURL,
		StorageKey:       key,
		ModelUsed:        a.model,
		GenerationTimeMS: result.Elapsed.Milliseconds(),
		CreditsUsed:      1,
		CreatedAt:        now,
	}
	entry := domain.UsageLog{
		ID:              util.NewID(),
		UserID:          userID,
		Action:          domain.ActionImageGeneration,
		CreditsConsumed: 1,
		Metadata: map[string]any{
			"prompt":             prompt,
			"model":              a.model,
			"generation_time_ms": result.Elapsed.Milliseconds(),
		},
		CreatedAt: now,
	}
	remaining, debited, err := a.store.RecordGeneration(image, entry)
	if err != nil {
		util.LoggerFromContext(ctx).Error("ledger write failed",
			"user_id", userID, "storage_key", key, "err", err)
		return domain.GenerationResult{}, fmt.Errorf("%w: %v", ErrLedgerWrite, err)
	}
	if !debited {
		// Lost the race for the last credit. The stored object stays behind
		// as an accepted external cost; the caller is not billed.
		util.LoggerFromContext(ctx).Warn("debit refused after generation",
			"user_id", userID, "storage_key", key)
		return domain.GenerationResult{}, ErrInsufficientCredits
	}

	return domain.GenerationResult{
		ImageURL:         imageURL,
		CreditsRemaining: remaining,
		GenerationTime:   result.Elapsed.Milliseconds(),
	}, nil
}

// GetProfile returns the caller's credit profile.
func (a *App) GetProfile(userID string) (domain.Profile, error) {
	profile, ok, err := a.store.GetProfile(userID)
	if err != nil {
		return domain.Profile{}, fmt.Errorf("load profile: %w", err)
	}
	if !ok {
		return domain.Profile{}, ErrProfileNotFound
	}
	return profile, nil
}

// ListImages returns the caller's generated images, newest first.
func (a *App) ListImages(userID string) ([]domain.GeneratedImage, error) {
	return a.store.ListImagesByOwner(userID)
}

// UpdateImageFlags toggles display flags on an image owned by the caller.
// Nil pointers leave a flag untouched.
func (a *App) UpdateImageFlags(userID, imageID string, public, favorite *bool) (domain.GeneratedImage, error) {
	image, err := a.ownedImage(userID, imageID)
	if err != nil {
		return domain.GeneratedImage{}, err
	}
	if err := a.store.SetImageFlags(image.ID, public, favorite); err != nil {
		return domain.GeneratedImage{}, fmt.Errorf("update image flags: %w", err)
	}
	updated, ok, err := a.store.GetImage(image.ID)
	if err != nil {
		return domain.GeneratedImage{}, fmt.Errorf("reload image: %w", err)
	}
	if !ok {
		return domain.GeneratedImage{}, ErrImageNotFound
	}
	return updated, nil
}

// DeleteImage removes an image owned by the caller along with its stored
// object. The object delete is best effort; a leftover blob costs storage,
// not correctness.
func (a *App) DeleteImage(ctx context.Context, userID, imageID string) error {
	image, err := a.ownedImage(userID, imageID)
	if err != nil {
		return err
	}
	if err := a.store.DeleteImage(image.ID); err != nil {
		return fmt.Errorf("delete image: %w", err)
	}
	if image.StorageKey != "" {
		if err := a.objects.Delete(ctx, image.StorageKey); err != nil {
			util.LoggerFromContext(ctx).Warn("delete stored object failed",
				"storage_key", image.StorageKey, "err", err)
		}
	}
	return nil
}

// ListUsage returns the caller's usage log entries, newest first.
func (a *App) ListUsage(userID string, limit int) ([]domain.UsageLog, error) {
	return a.store.ListUsageByOwner(userID, limit)
}

func (a *App) ownedImage(userID, imageID string) (domain.GeneratedImage, error) {
	image, ok, err := a.store.GetImage(imageID)
	if err != nil {
		return domain.GeneratedImage{}, fmt.Errorf("load image: %w", err)
	}
	if !ok {
		return domain.GeneratedImage{}, ErrImageNotFound
	}
	if image.UserID != userID {
		return domain.GeneratedImage{}, ErrImageForbidden
	}
	return image, nil
}
