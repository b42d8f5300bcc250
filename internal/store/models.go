package store

import "time"

type User struct {
	ID          int64
	DisplayName string
	CreatedAt   time.Time
}

// Template is one named lineage of versioned documents owned by a single user.
// Key is the opaque handle clients use across saves; KeyName is the normalized
// display name fixed at creation time and never recomputed.
type Template struct {
	ID          int64
	Key         string
	KeyName     string
	DisplayName string
	OwnerID     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Version is one persisted snapshot of a template's document, numbered within
// its template. Link points at the object-storage blob.
type Version struct {
	ID         int64
	TemplateID int64
	FileName   string
	Link       string
	ETag       string
	VersionNo  int
	CreatedAt  time.Time
}

type Category struct {
	ID          int64
	Key         string
	DisplayName string
	CreatedAt   time.Time
}

type TemplateWithVersions struct {
	Template
	Versions []Version
}
