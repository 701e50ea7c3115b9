// Package ledger persists the seen-listing record and the subscriber
// preference registry in a relational store (SQLite or MySQL).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"avito-notifier/pkg/notifier"
)

var (
	// ErrInvalidRange is returned when a preference write has maxPrice < minPrice.
	ErrInvalidRange = errors.New("max price below min price")

	// ErrUnknownSubscriber is returned when no preference row exists for the id.
	ErrUnknownSubscriber = errors.New("unknown subscriber")
)

// SeenListing is one row of the seen_listings table. The primary key on
// listing_id is what makes FilterNew's insert-if-absent atomic.
type SeenListing struct {
	ListingID   string    `gorm:"column:listing_id;primaryKey"`
	FirstSeenAt time.Time `gorm:"column:first_seen_at"`
}

// TableName implements the gorm.Tabler interface.
func (SeenListing) TableName() string { return "seen_listings" }

// SubscriberPreference is one row of the subscriber_preferences table.
// RoomCounts is a comma-joined set of allowed room counts (0 = studio).
type SubscriberPreference struct {
	SubscriberID string    `gorm:"column:subscriber_id;primaryKey"`
	MinPrice     int       `gorm:"column:min_price"`
	MaxPrice     int       `gorm:"column:max_price"`
	RoomCounts   string    `gorm:"column:room_counts"`
	Active       bool      `gorm:"column:active"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

// TableName implements the gorm.Tabler interface.
func (SubscriberPreference) TableName() string { return "subscriber_preferences" }

// Ledger provides durable, race-free access to both tables.
type Ledger struct {
	db       *gorm.DB
	logger   *slog.Logger
	validate *validator.Validate
}

// Open connects to the store named by conn and migrates the schema.
// A DSN containing "@tcp(" selects MySQL; anything else is a SQLite path.
func Open(conn string, logger *slog.Logger) (*Ledger, error) {
	var dialector gorm.Dialector
	if strings.Contains(conn, "@tcp(") {
		dialector = mysql.Open(conn)
	} else {
		dialector = sqlite.Open(conn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(&SeenListing{}, &SubscriberPreference{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	logger.Info("Ledger opened", "dialect", dialector.Name())

	return &Ledger{
		db:       db,
		logger:   logger,
		validate: validator.New(),
	}, nil
}

// Close releases the underlying connection pool.
func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// FilterNew records every listing id not yet present in seen_listings and
// returns the listings that were actually inserted, in input order. Checking
// and recording are the same conditional insert, so two racing cycles can
// never both observe the same id as new, and a crash cannot leave a checked
// id unrecorded. Duplicates within one batch collapse to the first occurrence.
func (l *Ledger) FilterNew(ctx context.Context, listings []*notifier.Listing) ([]*notifier.Listing, error) {
	fresh := make([]*notifier.Listing, 0, len(listings))

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		for _, listing := range listings {
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&SeenListing{
				ListingID:   listing.ID,
				FirstSeenAt: now,
			})
			if res.Error != nil {
				return fmt.Errorf("record seen listing %s: %w", listing.ID, res.Error)
			}
			if res.RowsAffected == 1 {
				fresh = append(fresh, listing)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Debug("Filtered listings", "total", len(listings), "new", len(fresh))
	return fresh, nil
}

// preferenceInput carries a preference write through validation.
type preferenceInput struct {
	SubscriberID string `validate:"required"`
	MinPrice     int    `validate:"gte=0"`
	MaxPrice     int    `validate:"gtefield=MinPrice"`
	RoomCounts   []int  `validate:"required,min=1,dive,gte=0"`
}

// SetPreference creates or updates a subscriber's filter. The stored row is
// untouched when validation fails. A new subscriber starts inactive; an
// existing row keeps its active flag.
func (l *Ledger) SetPreference(ctx context.Context, subscriberID string, minPrice, maxPrice int, roomCounts []int) error {
	in := preferenceInput{
		SubscriberID: subscriberID,
		MinPrice:     minPrice,
		MaxPrice:     maxPrice,
		RoomCounts:   roomCounts,
	}
	if err := l.validate.Struct(in); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			for _, fe := range ve {
				if fe.Field() == "MaxPrice" && fe.Tag() == "gtefield" {
					return fmt.Errorf("%w: min=%d max=%d", ErrInvalidRange, minPrice, maxPrice)
				}
			}
		}
		return fmt.Errorf("invalid preference: %w", err)
	}

	row := SubscriberPreference{
		SubscriberID: subscriberID,
		MinPrice:     minPrice,
		MaxPrice:     maxPrice,
		RoomCounts:   encodeRooms(roomCounts),
		Active:       false,
		UpdatedAt:    time.Now().UTC(),
	}

	// Upsert that leaves the active flag alone on existing rows.
	res := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subscriber_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"min_price", "max_price", "room_counts", "updated_at"}),
	}).Create(&row)
	if res.Error != nil {
		return fmt.Errorf("save preference for %s: %w", subscriberID, res.Error)
	}

	l.logger.Info("Preference saved",
		"subscriber_id", subscriberID,
		"min_price", minPrice,
		"max_price", maxPrice,
		"room_counts", row.RoomCounts)
	return nil
}

// SetActive flips a subscriber's active flag.
func (l *Ledger) SetActive(ctx context.Context, subscriberID string, active bool) error {
	res := l.db.WithContext(ctx).Model(&SubscriberPreference{}).
		Where("subscriber_id = ?", subscriberID).
		Updates(map[string]any{"active": active, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("set active for %s: %w", subscriberID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownSubscriber, subscriberID)
	}

	l.logger.Info("Subscriber activity changed", "subscriber_id", subscriberID, "active", active)
	return nil
}

// ActivePreferences returns every preference with active = true.
func (l *Ledger) ActivePreferences(ctx context.Context) ([]*notifier.Preference, error) {
	var rows []SubscriberPreference
	if err := l.db.WithContext(ctx).Where("active = ?", true).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load active preferences: %w", err)
	}

	prefs := make([]*notifier.Preference, 0, len(rows))
	for i := range rows {
		prefs = append(prefs, rows[i].toDomain())
	}
	return prefs, nil
}

// GetPreference returns one subscriber's stored preference.
func (l *Ledger) GetPreference(ctx context.Context, subscriberID string) (*notifier.Preference, error) {
	var row SubscriberPreference
	err := l.db.WithContext(ctx).Where("subscriber_id = ?", subscriberID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubscriber, subscriberID)
	}
	if err != nil {
		return nil, fmt.Errorf("load preference for %s: %w", subscriberID, err)
	}
	return row.toDomain(), nil
}

func (r *SubscriberPreference) toDomain() *notifier.Preference {
	return &notifier.Preference{
		SubscriberID: r.SubscriberID,
		MinPrice:     r.MinPrice,
		MaxPrice:     r.MaxPrice,
		RoomCounts:   decodeRooms(r.RoomCounts),
		Active:       r.Active,
	}
}

// encodeRooms stores a room set as a sorted, deduplicated comma-joined string.
func encodeRooms(rooms []int) string {
	uniq := make(map[int]struct{}, len(rooms))
	for _, r := range rooms {
		uniq[r] = struct{}{}
	}
	sorted := make([]int, 0, len(uniq))
	for r := range uniq {
		sorted = append(sorted, r)
	}
	sort.Ints(sorted)

	parts := make([]string, len(sorted))
	for i, r := range sorted {
		parts[i] = strconv.Itoa(r)
	}
	return strings.Join(parts, ",")
}

func decodeRooms(s string) []int {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	rooms := make([]int, 0, len(parts))
	for _, p := range parts {
		if v, err := strconv.Atoi(p); err == nil {
			rooms = append(rooms, v)
		}
	}
	return rooms
}
