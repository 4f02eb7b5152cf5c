// Package registry is the video-URL registry (component E of spec.md): a
// one-table mapping from a rendered demo's canonical filename to its final,
// publicly observable URL. Grounded on discord_downloader/db.py's
// RenderedDemo table, rewritten onto gorm + sqlite the way
// api/pkg/agent/dashboard/storage_postgres.go structures a thin storage type
// around *gorm.DB.
package registry

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RenderedDemo is the sole persisted row shape: filename is unique, and a
// row only ever exists once a final video URL is known for that filename
// (spec.md §3 "Registry (E)").
type RenderedDemo struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	Filename string `gorm:"column:filename;uniqueIndex;size:255"`
	URL      string `gorm:"column:url;size:255"`
}

func (RenderedDemo) TableName() string { return "rendered_demos" }

// Registry wraps the sqlite-backed video URL table.
type Registry struct {
	db *gorm.DB
}

// Open opens (creating if absent) the sqlite database at path and ensures
// the rendered_demos table exists.
func Open(path string) (*Registry, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&RenderedDemo{}); err != nil {
		return nil, fmt.Errorf("registry: migrate: %w", err)
	}
	return &Registry{db: db}, nil
}

// Record inserts a row mapping filename to url. Called only once a final,
// publicly observable video URL exists for that filename. A re-delivery of
// an already-recorded filename (crash-recovery re-delivery, spec.md §8) is
// a no-op rather than a unique-constraint error.
func (r *Registry) Record(filename, url string) error {
	row := RenderedDemo{Filename: filename, URL: url}
	if err := r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("registry: record %s: %w", filename, err)
	}
	return nil
}

// Lookup returns the URL recorded for filename, or ("", false) if none
// exists. More than one matching row indicates corruption (the unique
// constraint should prevent it) and is reported as an error rather than
// silently picking one.
func (r *Registry) Lookup(filename string) (string, bool, error) {
	var rows []RenderedDemo
	if err := r.db.Where("filename = ?", filename).Find(&rows).Error; err != nil {
		return "", false, fmt.Errorf("registry: lookup %s: %w", filename, err)
	}
	switch len(rows) {
	case 0:
		return "", false, nil
	case 1:
		return rows[0].URL, true, nil
	default:
		return "", false, fmt.Errorf("registry: corrupt: %d rows for filename %s", len(rows), filename)
	}
}

// Close releases the underlying sqlite connection.
func (r *Registry) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

