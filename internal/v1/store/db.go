package store

import (
	"context"
	"errors"
	"fmt"

	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrNotFound is returned when a durable-store lookup matches no row.
var ErrNotFound = errors.New("record not found")

// DB wraps the relational durable store.
type DB struct {
	gorm *gorm.DB
}

// OpenPostgres connects to the production durable store and migrates the
// schema.
func OpenPostgres(dsn string) (*DB, error) {
	database, err := gorm.Open(gormpostgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return finishOpen(database)
}

// OpenSQLite opens an embedded database. Used by tests and single-node
// development setups.
func OpenSQLite(dsn string) (*DB, error) {
	database, err := gorm.Open(gormsqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return finishOpen(database)
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}
}

func finishOpen(database *gorm.DB) (*DB, error) {
	if err := database.AutoMigrate(&User{}, &MessageRecord{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &DB{gorm: database}, nil
}

// Ping verifies the connection is still alive; used by readiness probes.
func (d *DB) Ping(ctx context.Context) error {
	sqlDB, err := d.gorm.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (d *DB) Close() error {
	sqlDB, err := d.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- users ---

// CreateUser inserts a new account.
func (d *DB) CreateUser(ctx context.Context, user *User) error {
	if err := d.gorm.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("users: create: %w", err)
	}
	return nil
}

// GetUserByEmail retrieves a user by email. Returns ErrNotFound when absent.
func (d *DB) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	err := d.gorm.WithContext(ctx).First(&user, "email = ?", email).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by email: %w", err)
	}
	return &user, nil
}

// GetUserByUsername retrieves a user by username. Returns ErrNotFound when
// absent.
func (d *DB) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	err := d.gorm.WithContext(ctx).First(&user, "username = ?", username).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by username: %w", err)
	}
	return &user, nil
}

// GetUserByID retrieves a user by primary key. Returns ErrNotFound when
// absent.
func (d *DB) GetUserByID(ctx context.Context, id int64) (*User, error) {
	var user User
	err := d.gorm.WithContext(ctx).First(&user, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by id: %w", err)
	}
	return &user, nil
}

// --- messages ---

// InsertMessages persists a batch in one multi-row insert, preserving slice
// order so stream-id order survives within a room.
func (d *DB) InsertMessages(ctx context.Context, records []MessageRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := d.gorm.WithContext(ctx).Create(&records).Error; err != nil {
		return fmt.Errorf("messages: insert batch: %w", err)
	}
	return nil
}

// MessagesBefore returns up to limit rows for a room strictly older than
// beforeTs, newest first. Serves history pages that fell out of the cache.
func (d *DB) MessagesBefore(ctx context.Context, roomID string, beforeTs int64, limit int) ([]MessageRecord, error) {
	var records []MessageRecord
	err := d.gorm.WithContext(ctx).
		Where("room_id = ? AND timestamp < ?", roomID, beforeTs).
		Order("timestamp DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("messages: before: %w", err)
	}
	return records, nil
}

// RecentMessages returns up to limit rows for a room, newest first.
func (d *DB) RecentMessages(ctx context.Context, roomID string, limit int) ([]MessageRecord, error) {
	var records []MessageRecord
	err := d.gorm.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("timestamp DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("messages: recent: %w", err)
	}
	return records, nil
}
