package bans

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/geosia-dev/gsnet/pkg/auth"
)

// ErrNotFound is returned when a username has no ban.
var ErrNotFound = errors.New("bans: not found")

// Ban is one ban list entry.
type Ban struct {
	ID        uint       `gorm:"primaryKey" yaml:"-" json:"-"`
	Username  string     `gorm:"uniqueIndex;not null" yaml:"username" json:"username"`
	Reason    string     `yaml:"reason" json:"reason"`
	CreatedAt time.Time  `yaml:"created_at" json:"created_at"`
	ExpiresAt *time.Time `yaml:"expires_at,omitempty" json:"expires_at,omitempty"`
}

// Active reports whether the ban is in force at now.
func (b *Ban) Active(now time.Time) bool {
	return b.ExpiresAt == nil || now.Before(*b.ExpiresAt)
}

// Store is a gorm-backed ban list.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open opens (creating if needed) the SQLite ban database at path.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, fmt.Errorf("bans: open %s: %w", path, err)
	}
	return NewStore(db)
}

// NewStore migrates the schema on db and returns a store over it.
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Ban{}); err != nil {
		return nil, fmt.Errorf("bans: migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Add bans b.Username, replacing any existing ban for the name.
func (s *Store) Add(ctx context.Context, b Ban) error {
	b.ID = 0
	b.Username = auth.NormalizeUsername(b.Username)
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "username"}},
		DoUpdates: clause.AssignmentColumns([]string{"reason", "created_at", "expires_at"}),
	}).Create(&b).Error
	if err != nil {
		return fmt.Errorf("bans: add %s: %w", b.Username, err)
	}
	return nil
}

// Remove lifts the ban on username.
func (s *Store) Remove(ctx context.Context, username string) error {
	res := s.db.WithContext(ctx).Where("username = ?", auth.NormalizeUsername(username)).Delete(&Ban{})
	if res.Error != nil {
		return fmt.Errorf("bans: remove %s: %w", username, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns the ban for username, expired or not.
func (s *Store) Get(ctx context.Context, username string) (*Ban, error) {
	var b Ban
	err := s.db.WithContext(ctx).Where("username = ?", auth.NormalizeUsername(username)).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("bans: get %s: %w", username, err)
	}
	return &b, nil
}

// List returns every ban ordered by username.
func (s *Store) List(ctx context.Context) ([]Ban, error) {
	var out []Ban
	if err := s.db.WithContext(ctx).Order("username").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("bans: list: %w", err)
	}
	return out, nil
}

// Replace swaps the whole list for bans in one transaction.
func (s *Store) Replace(ctx context.Context, bans []Ban) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&Ban{}).Error; err != nil {
			return fmt.Errorf("bans: clear: %w", err)
		}
		if len(bans) == 0 {
			return nil
		}
		rows := make([]Ban, len(bans))
		for i, b := range bans {
			b.ID = 0
			b.Username = auth.NormalizeUsername(b.Username)
			rows[i] = b
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "username"}},
			DoUpdates: clause.AssignmentColumns([]string{"reason", "created_at", "expires_at"}),
		}).Create(&rows).Error; err != nil {
			return fmt.Errorf("bans: insert: %w", err)
		}
		return nil
	})
}

// Lookup implements auth.BanList. Expired bans do not count.
func (s *Store) Lookup(ctx context.Context, username string) (string, bool, error) {
	b, err := s.Get(ctx, username)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if !b.Active(s.now()) {
		return "", false, nil
	}
	return b.Reason, true, nil
}

// Purge deletes expired bans and returns how many were removed.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at IS NOT NULL AND expires_at <= ?", s.now()).Delete(&Ban{})
	if res.Error != nil {
		return 0, fmt.Errorf("bans: purge: %w", res.Error)
	}
	return res.RowsAffected, nil
}
