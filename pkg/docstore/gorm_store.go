package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const migrateLockID int64 = 51735173

// DocumentModel is the GORM row for one document of any collection.
type DocumentModel struct {
	Seq        int64          `gorm:"primaryKey;autoIncrement"`
	ID         string         `gorm:"uniqueIndex:idx_collection_doc;not null"`
	Collection string         `gorm:"uniqueIndex:idx_collection_doc;index;not null"`
	Fields     datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt  time.Time      `gorm:"not null"`
	UpdatedAt  time.Time      `gorm:"not null"`
}

// GormStore implements Store on Postgres JSONB rows. Change notifications
// travel through a Notifier so every process watching a collection sees
// writes from every other process.
type GormStore struct {
	db       *gorm.DB
	notifier Notifier
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string, notifier Notifier) (*GormStore, error) {
	if notifier == nil {
		return nil, errors.New("change notifier required")
	}
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
		if err := tx.AutoMigrate(&DocumentModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, notifier: notifier}, nil
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

// Query returns matching documents ordered by q.OrderBy then insertion order.
func (s *GormStore) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	tx := s.db.WithContext(ctx).Where("collection = ?", collection)
	for _, f := range q.Filters {
		if err := validateField(f.Field); err != nil {
			return nil, err
		}
		tx = tx.Where(datatypes.JSONQuery("fields").Equals(f.Value, f.Field))
	}
	dir := "ASC"
	if q.Descending {
		dir = "DESC"
	}
	if q.OrderBy != "" {
		if err := validateField(q.OrderBy); err != nil {
			return nil, err
		}
		tx = tx.Order(clause.OrderBy{Expression: clause.Expr{
			SQL:                "fields->? " + dir + ", seq " + dir,
			Vars:               []any{q.OrderBy},
			WithoutParentheses: true,
		}})
	} else {
		tx = tx.Order("seq " + dir)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var models []DocumentModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	res := make([]Document, 0, len(models))
	for _, m := range models {
		doc, err := documentFromModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, doc)
	}
	return res, nil
}

// Get returns a document by ID.
func (s *GormStore) Get(ctx context.Context, collection, id string) (Document, bool, error) {
	var model DocumentModel
	if err := s.db.WithContext(ctx).First(&model, "collection = ? AND id = ?", collection, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Document{}, false, nil
		}
		return Document{}, false, err
	}
	doc, err := documentFromModel(model)
	if err != nil {
		return Document{}, false, err
	}
	return doc, true, nil
}

// Insert stores a new document under a generated ID.
func (s *GormStore) Insert(ctx context.Context, collection string, fields Fields) (string, error) {
	if err := validateCollection(collection); err != nil {
		return "", err
	}
	raw, err := json.Marshal(fieldsOrEmpty(fields))
	if err != nil {
		return "", fmt.Errorf("encode fields: %w", err)
	}
	now := time.Now().UTC()
	model := DocumentModel{
		ID:         uuid.NewString(),
		Collection: collection,
		Fields:     datatypes.JSON(raw),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return "", fmt.Errorf("insert into %s: %w", collection, err)
	}
	s.publish(ctx, collection)
	return model.ID, nil
}

// Update merges fields into an existing document with jsonb concatenation.
func (s *GormStore) Update(ctx context.Context, collection, id string, fields Fields) error {
	raw, err := json.Marshal(fieldsOrEmpty(fields))
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	res := s.db.WithContext(ctx).Model(&DocumentModel{}).
		Where("collection = ? AND id = ?", collection, id).
		Updates(map[string]any{
			"fields":     gorm.Expr("fields || ?::jsonb", string(raw)),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.publish(ctx, collection)
	return nil
}

// Delete removes a document if present.
func (s *GormStore) Delete(ctx context.Context, collection, id string) error {
	res := s.db.WithContext(ctx).Where("collection = ? AND id = ?", collection, id).Delete(&DocumentModel{})
	if res.Error != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, res.Error)
	}
	if res.RowsAffected > 0 {
		s.publish(ctx, collection)
	}
	return nil
}

// Watch subscribes to change notifications for collection.
func (s *GormStore) Watch(ctx context.Context, collection string) (*Watch, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	return s.notifier.Watch(ctx, collection)
}

// publish logs failures; the write has already committed.
func (s *GormStore) publish(ctx context.Context, collection string) {
	if err := s.notifier.Publish(ctx, collection); err != nil {
		slog.Warn("publish change failed", "collection", collection, "err", err)
	}
}

func documentFromModel(m DocumentModel) (Document, error) {
	fields := Fields{}
	if len(m.Fields) > 0 {
		if err := json.Unmarshal(m.Fields, &fields); err != nil {
			return Document{}, fmt.Errorf("decode document %s: %w", m.ID, err)
		}
	}
	return Document{ID: m.ID, Seq: m.Seq, Fields: fields}, nil
}

func fieldsOrEmpty(fields Fields) Fields {
	if fields == nil {
		return Fields{}
	}
	return fields
}

// Close releases the database connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
