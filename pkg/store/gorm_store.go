package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"imagemaster/pkg/domain"
)

const migrateLockID int64 = 48721134

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&ProfileModel{}, &GeneratedImageModel{}, &UsageLogModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'profiles'
					AND constraint_name = 'profiles_credits_nonnegative'
				) THEN
					ALTER TABLE profiles
					ADD CONSTRAINT profiles_credits_nonnegative
					CHECK (credits_remaining >= 0);
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'generated_images'
					AND constraint_name = 'generated_images_user_id_fkey'
				) THEN
					ALTER TABLE generated_images
					ADD CONSTRAINT generated_images_user_id_fkey
					FOREIGN KEY (user_id) REFERENCES profiles(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'usage_logs'
					AND constraint_name = 'usage_logs_user_id_fkey'
				) THEN
					ALTER TABLE usage_logs
					ADD CONSTRAINT usage_logs_user_id_fkey
					FOREIGN KEY (user_id) REFERENCES profiles(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure ledger constraints: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// GetProfile returns a profile by user ID.
func (s *GormStore) GetProfile(id string) (domain.Profile, bool, error) {
	var model ProfileModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Profile{}, false, nil
		}
		return domain.Profile{}, false, err
	}
	return profileFromModel(model), true, nil
}

// SaveProfile creates or updates a profile.
func (s *GormStore) SaveProfile(p domain.Profile) error {
	model := profileToModel(p)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"credits_remaining", "total_credits_used", "subscription_tier", "updated_at"}),
	}).Create(&model).Error
}

// RecordGeneration runs the ledger writes in one transaction. The debit is a
// conditional update guarded by credits_remaining > 0; rows-affected decides
// whether the caller was still entitled at commit time, so two concurrent
// requests racing past the entitlement read cannot both spend the last credit.
func (s *GormStore) RecordGeneration(image domain.GeneratedImage, entry domain.UsageLog) (int, bool, error) {
	remaining := 0
	debited := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ProfileModel{}).
			Where("id = ? AND credits_remaining > 0", image.UserID).
			Updates(map[string]any{
				"credits_remaining":  gorm.Expr("credits_remaining - 1"),
				"total_credits_used": gorm.Expr("total_credits_used + 1"),
				"updated_at":         time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Balance exhausted between check and commit. Nothing written.
			return nil
		}
		debited = true
		var model ProfileModel
		if err := tx.First(&model, "id = ?", image.UserID).Error; err != nil {
			return err
		}
		remaining = model.CreditsRemaining
		imageModel := imageToModel(image)
		if err := tx.Create(&imageModel).Error; err != nil {
			return err
		}
		logModel := usageLogToModel(entry)
		return tx.Create(&logModel).Error
	})
	if err != nil {
		return 0, false, err
	}
	return remaining, debited, nil
}

// GetImage retrieves one generated image.
func (s *GormStore) GetImage(id string) (domain.GeneratedImage, bool, error) {
	var model GeneratedImageModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.GeneratedImage{}, false, nil
		}
		return domain.GeneratedImage{}, false, err
	}
	return imageFromModel(model), true, nil
}

// ListImagesByOwner returns a user's images, newest first.
func (s *GormStore) ListImagesByOwner(userID string) ([]domain.GeneratedImage, error) {
	var models []GeneratedImageModel
	if err := s.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	images := make([]domain.GeneratedImage, 0, len(models))
	for _, m := range models {
		images = append(images, imageFromModel(m))
	}
	return images, nil
}

// SetImageFlags updates the display flags. Nil pointers leave a flag untouched.
func (s *GormStore) SetImageFlags(id string, public, favorite *bool) error {
	updates := map[string]any{}
	if public != nil {
		updates["is_public"] = *public
	}
	if favorite != nil {
		updates["is_favorite"] = *favorite
	}
	if len(updates) == 0 {
		return nil
	}
	return s.db.Model(&GeneratedImageModel{}).Where("id = ?", id).Updates(updates).Error
}

// DeleteImage removes one generated image row.
func (s *GormStore) DeleteImage(id string) error {
	return s.db.Delete(&GeneratedImageModel{}, "id = ?", id).Error
}

// ListUsageByOwner returns a user's usage log entries, newest first.
func (s *GormStore) ListUsageByOwner(userID string, limit int) ([]domain.UsageLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []UsageLogModel
	if err := s.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	entries := make([]domain.UsageLog, 0, len(models))
	for _, m := range models {
		entries = append(entries, usageLogFromModel(m))
	}
	return entries, nil
}

func profileToModel(p domain.Profile) ProfileModel {
	return ProfileModel{
		ID:               p.ID,
		CreditsRemaining: p.CreditsRemaining,
		TotalCreditsUsed: p.TotalCreditsUsed,
		SubscriptionTier: string(p.SubscriptionTier),
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

func profileFromModel(m ProfileModel) domain.Profile {
	tier := domain.SubscriptionTier(m.SubscriptionTier)
	if tier == "" {
		tier = domain.TierFree
	}
	return domain.Profile{
		ID:               m.ID,
		CreditsRemaining: m.CreditsRemaining,
		TotalCreditsUsed: m.TotalCreditsUsed,
		SubscriptionTier: tier,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func imageToModel(img domain.GeneratedImage) GeneratedImageModel {
	return GeneratedImageModel{
		ID:               img.ID,
		UserID:           img.UserID,
		Prompt:           img.Prompt,
		ImageURL:         img.ImageURL,
		StorageKey:       img.StorageKey,
		ModelUsed:        img.ModelUsed,
		GenerationTimeMS: img.GenerationTimeMS,
		CreditsUsed:      img.CreditsUsed,
		IsPublic:         img.IsPublic,
		IsFavorite:       img.IsFavorite,
		CreatedAt:        img.CreatedAt,
	}
}

func imageFromModel(m GeneratedImageModel) domain.GeneratedImage {
	return domain.GeneratedImage{
		ID:               m.ID,
		UserID:           m.UserID,
		Prompt:           m.Prompt,
		ImageURL:         m.ImageURL,
		StorageKey:       m.StorageKey,
		ModelUsed:        m.ModelUsed,
		GenerationTimeMS: m.GenerationTimeMS,
		CreditsUsed:      m.CreditsUsed,
		IsPublic:         m.IsPublic,
		IsFavorite:       m.IsFavorite,
		CreatedAt:        m.CreatedAt,
	}
}

func usageLogToModel(entry domain.UsageLog) UsageLogModel {
	meta, _ := json.Marshal(entry.Metadata)
	return UsageLogModel{
		ID:              entry.ID,
		UserID:          entry.UserID,
		Action:          entry.Action,
		CreditsConsumed: entry.CreditsConsumed,
		Metadata:        meta,
		CreatedAt:       entry.CreatedAt,
	}
}

func usageLogFromModel(m UsageLogModel) domain.UsageLog {
	var meta map[string]any
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &meta)
	}
	return domain.UsageLog{
		ID:              m.ID,
		UserID:          m.UserID,
		Action:          m.Action,
		CreditsConsumed: m.CreditsConsumed,
		Metadata:        meta,
		CreatedAt:       m.CreatedAt,
	}
}
