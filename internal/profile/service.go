package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
)

// Profile caches the display name the identity service reported for a user.
// The engine only ever reads identity facts; the identity service remains the
// source of truth.
type Profile struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing cached profiles.
func (Profile) TableName() string {
	return "profiles"
}

// ServiceConfig describes the dependencies for the profile read model.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service is a read-through cache over profile rows, fed from session claims.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("profile: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// Observe records the display name carried by a validated session, refreshing
// the cached row when it changed.
func (s *Service) Observe(ctx context.Context, userID, displayName string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("profile: user identifier required")
	}
	displayName = strings.TrimSpace(displayName)

	if cached, ok := s.cache.Load(userID); ok {
		if name, ok := cached.(string); ok && (displayName == "" || name == displayName) {
			return nil
		}
	}

	var existing Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		existing = Profile{UserID: userID, DisplayName: displayName, LastSeenAt: s.now()}
		if err := s.db.WithContext(ctx).Create(&existing).Error; err != nil {
			return err
		}
	} else if err != nil {
		return err
	} else if displayName != "" && displayName != existing.DisplayName {
		if err := s.db.WithContext(ctx).Model(&Profile{}).
			Where("user_id = ?", userID).
			Updates(map[string]interface{}{
				"display_name": displayName,
				"last_seen_at": s.now(),
			}).Error; err != nil {
			return err
		}
		existing.DisplayName = displayName
	}

	s.cache.Store(userID, existing.DisplayName)
	return nil
}

// DisplayName returns the cached display name for a user, empty when unknown.
func (s *Service) DisplayName(ctx context.Context, userID string) string {
	if cached, ok := s.cache.Load(userID); ok {
		if name, ok := cached.(string); ok {
			return name
		}
	}
	var row Profile
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error; err != nil {
		return ""
	}
	s.cache.Store(userID, row.DisplayName)
	return row.DisplayName
}
