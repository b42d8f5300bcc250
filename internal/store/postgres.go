package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicate is returned when an insert loses to the unique indexes guarding
// template key_names and category keys. Callers map it to a Conflict.
var ErrDuplicate = errors.New("duplicate key")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// EnsureUserByName resolves a display name to a user row, creating it on first
// sight. Safe under concurrent first requests for the same name.
func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, created_at FROM users WHERE display_name=$1
	`, name).Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users (display_name)
		VALUES ($1)
		ON CONFLICT (display_name) DO UPDATE SET display_name=EXCLUDED.display_name
		RETURNING id, display_name, created_at
	`, name).Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

// FindTemplateByKeyName returns the live template that already claims keyName
// for this owner, or nil. Used to attach the colliding record to a Conflict
// response; the unique index remains the authority under concurrency.
func (s *PostgresStore) FindTemplateByKeyName(ctx context.Context, keyName string, ownerID int64) (*Template, error) {
	var item Template
	err := s.db.QueryRowContext(ctx, `
		SELECT id, key, key_name, display_name, owner_id, created_at, updated_at
		FROM templates
		WHERE owner_id=$1 AND key_name=$2 AND deleted_at IS NULL
	`, ownerID, keyName).Scan(&item.ID, &item.Key, &item.KeyName, &item.DisplayName, &item.OwnerID, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find template by key_name: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) CreateTemplate(ctx context.Context, keyName, displayName string, ownerID int64, key string) (Template, error) {
	var item Template
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO templates (key, key_name, display_name, owner_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id, key, key_name, display_name, owner_id, created_at, updated_at
	`, key, keyName, displayName, ownerID).Scan(&item.ID, &item.Key, &item.KeyName, &item.DisplayName, &item.OwnerID, &item.CreatedAt, &item.UpdatedAt)
	if isUniqueViolation(err) {
		return Template{}, ErrDuplicate
	}
	if err != nil {
		return Template{}, fmt.Errorf("insert template: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetTemplateByKey(ctx context.Context, key string, ownerID int64) (Template, error) {
	var item Template
	err := s.db.QueryRowContext(ctx, `
		SELECT id, key, key_name, display_name, owner_id, created_at, updated_at
		FROM templates
		WHERE key=$1 AND owner_id=$2 AND deleted_at IS NULL
	`, key, ownerID).Scan(&item.ID, &item.Key, &item.KeyName, &item.DisplayName, &item.OwnerID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Template{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetTemplateByID(ctx context.Context, templateID int64) (Template, error) {
	var item Template
	err := s.db.QueryRowContext(ctx, `
		SELECT id, key, key_name, display_name, owner_id, created_at, updated_at
		FROM templates
		WHERE id=$1 AND deleted_at IS NULL
	`, templateID).Scan(&item.ID, &item.Key, &item.KeyName, &item.DisplayName, &item.OwnerID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Template{}, err
	}
	return item, nil
}

// CreateVersion inserts the next version for a template. The version number is
// allocated inside the insert (max+1 over all rows, soft-deleted included, so
// numbers are never reused); the UNIQUE(template_id, version_no) constraint
// decides races and the losing insert retries.
func (s *PostgresStore) CreateVersion(ctx context.Context, templateID int64, fileName, link, etag string) (Version, error) {
	const insert = `
		INSERT INTO versions (template_id, file_name, link, etag, version_no)
		SELECT $1, $2, $3, $4, COALESCE(MAX(version_no), 0) + 1
		FROM versions
		WHERE template_id=$1
		RETURNING id, template_id, file_name, link, etag, version_no, created_at
	`
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		var item Version
		err := s.db.QueryRowContext(ctx, insert, templateID, fileName, link, etag).Scan(
			&item.ID, &item.TemplateID, &item.FileName, &item.Link, &item.ETag, &item.VersionNo, &item.CreatedAt,
		)
		if err == nil {
			return item, nil
		}
		if !isUniqueViolation(err) {
			return Version{}, fmt.Errorf("insert version: %w", err)
		}
		lastErr = err
	}
	return Version{}, fmt.Errorf("insert version: %w", lastErr)
}

func (s *PostgresStore) GetVersionByID(ctx context.Context, versionID int64) (Version, error) {
	var item Version
	err := s.db.QueryRowContext(ctx, `
		SELECT id, template_id, file_name, link, etag, version_no, created_at
		FROM versions
		WHERE id=$1 AND deleted_at IS NULL
	`, versionID).Scan(&item.ID, &item.TemplateID, &item.FileName, &item.Link, &item.ETag, &item.VersionNo, &item.CreatedAt)
	if err != nil {
		return Version{}, err
	}
	return item, nil
}

// UpdateVersionLink repoints a version at a new blob. File name and version
// number are left untouched.
func (s *PostgresStore) UpdateVersionLink(ctx context.Context, versionID int64, link, etag string) (Version, error) {
	var item Version
	err := s.db.QueryRowContext(ctx, `
		UPDATE versions
		SET link=$2, etag=$3
		WHERE id=$1 AND deleted_at IS NULL
		RETURNING id, template_id, file_name, link, etag, version_no, created_at
	`, versionID, link, etag).Scan(&item.ID, &item.TemplateID, &item.FileName, &item.Link, &item.ETag, &item.VersionNo, &item.CreatedAt)
	if err != nil {
		return Version{}, err
	}
	return item, nil
}

func (s *PostgresStore) RenameVersion(ctx context.Context, versionID int64, fileName string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE versions SET file_name=$2 WHERE id=$1 AND deleted_at IS NULL
	`, versionID, fileName)
	if err != nil {
		return false, fmt.Errorf("rename version: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rename version rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) SoftDeleteVersion(ctx context.Context, versionID int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE versions SET deleted_at=NOW() WHERE id=$1 AND deleted_at IS NULL
	`, versionID)
	if err != nil {
		return false, fmt.Errorf("delete version: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete version rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) RenameTemplate(ctx context.Context, templateID int64, displayName string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE templates SET display_name=$2, updated_at=NOW() WHERE id=$1 AND deleted_at IS NULL
	`, templateID, displayName)
	if err != nil {
		return false, fmt.Errorf("rename template: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rename template rows: %w", err)
	}
	return affected > 0, nil
}

// SoftDeleteTemplate soft-deletes the template and its versions and removes
// its category links, all in one transaction.
func (s *PostgresStore) SoftDeleteTemplate(ctx context.Context, templateID int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete template: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE templates SET deleted_at=NOW() WHERE id=$1 AND deleted_at IS NULL
	`, templateID)
	if err != nil {
		return false, fmt.Errorf("delete template: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete template rows: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE versions SET deleted_at=NOW() WHERE template_id=$1 AND deleted_at IS NULL
	`, templateID); err != nil {
		return false, fmt.Errorf("delete template versions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM template_categories WHERE template_id=$1
	`, templateID); err != nil {
		return false, fmt.Errorf("delete template links: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete template: %w", err)
	}
	return true, nil
}

// ListTemplatesForOwner returns the owner's uncategorized templates with their
// live versions, newest template first, highest version first.
func (s *PostgresStore) ListTemplatesForOwner(ctx context.Context, ownerID int64) ([]TemplateWithVersions, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.key, t.key_name, t.display_name, t.owner_id, t.created_at, t.updated_at,
		       v.id, v.template_id, v.file_name, v.link, v.etag, v.version_no, v.created_at
		FROM templates t
		JOIN versions v ON v.template_id = t.id AND v.deleted_at IS NULL
		WHERE t.owner_id=$1 AND t.deleted_at IS NULL
		  AND NOT EXISTS (SELECT 1 FROM template_categories tc WHERE tc.template_id = t.id)
		ORDER BY t.created_at DESC, t.id DESC, v.version_no DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()
	return scanTemplatesWithVersions(rows)
}

func (s *PostgresStore) ListTemplatesInCategory(ctx context.Context, categoryID int64) ([]TemplateWithVersions, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.key, t.key_name, t.display_name, t.owner_id, t.created_at, t.updated_at,
		       v.id, v.template_id, v.file_name, v.link, v.etag, v.version_no, v.created_at
		FROM templates t
		JOIN template_categories tc ON tc.template_id = t.id AND tc.category_id=$1
		JOIN versions v ON v.template_id = t.id AND v.deleted_at IS NULL
		WHERE t.deleted_at IS NULL
		ORDER BY t.created_at DESC, t.id DESC, v.version_no DESC
	`, categoryID)
	if err != nil {
		return nil, fmt.Errorf("list category templates: %w", err)
	}
	defer rows.Close()
	return scanTemplatesWithVersions(rows)
}

// ListTemplatesNotInCategory returns the owner's templates not linked to this
// specific category, as candidates for linking.
func (s *PostgresStore) ListTemplatesNotInCategory(ctx context.Context, categoryID, ownerID int64) ([]TemplateWithVersions, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.key, t.key_name, t.display_name, t.owner_id, t.created_at, t.updated_at,
		       v.id, v.template_id, v.file_name, v.link, v.etag, v.version_no, v.created_at
		FROM templates t
		JOIN versions v ON v.template_id = t.id AND v.deleted_at IS NULL
		WHERE t.owner_id=$2 AND t.deleted_at IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM template_categories tc
			WHERE tc.template_id = t.id AND tc.category_id=$1
		  )
		ORDER BY t.created_at DESC, t.id DESC, v.version_no DESC
	`, categoryID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list available templates: %w", err)
	}
	defer rows.Close()
	return scanTemplatesWithVersions(rows)
}

func scanTemplatesWithVersions(rows *sql.Rows) ([]TemplateWithVersions, error) {
	items := make([]TemplateWithVersions, 0)
	index := make(map[int64]int)
	for rows.Next() {
		var t Template
		var v Version
		if err := rows.Scan(
			&t.ID, &t.Key, &t.KeyName, &t.DisplayName, &t.OwnerID, &t.CreatedAt, &t.UpdatedAt,
			&v.ID, &v.TemplateID, &v.FileName, &v.Link, &v.ETag, &v.VersionNo, &v.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan template row: %w", err)
		}
		i, ok := index[t.ID]
		if !ok {
			items = append(items, TemplateWithVersions{Template: t})
			i = len(items) - 1
			index[t.ID] = i
		}
		items[i].Versions = append(items[i].Versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate template rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListCategories(ctx context.Context) ([]Category, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key, display_name, created_at
		FROM categories
		WHERE deleted_at IS NULL
		ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	items := make([]Category, 0)
	for rows.Next() {
		var item Category
		if err := rows.Scan(&item.ID, &item.Key, &item.DisplayName, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetCategoryByID(ctx context.Context, categoryID int64) (Category, error) {
	var item Category
	err := s.db.QueryRowContext(ctx, `
		SELECT id, key, display_name, created_at
		FROM categories
		WHERE id=$1 AND deleted_at IS NULL
	`, categoryID).Scan(&item.ID, &item.Key, &item.DisplayName, &item.CreatedAt)
	if err != nil {
		return Category{}, err
	}
	return item, nil
}

// FindCategoryByKey returns the live category claiming key, or nil.
func (s *PostgresStore) FindCategoryByKey(ctx context.Context, key string) (*Category, error) {
	var item Category
	err := s.db.QueryRowContext(ctx, `
		SELECT id, key, display_name, created_at
		FROM categories
		WHERE key=$1 AND deleted_at IS NULL
	`, key).Scan(&item.ID, &item.Key, &item.DisplayName, &item.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find category by key: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) CreateCategory(ctx context.Context, key, displayName string) (Category, error) {
	var item Category
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO categories (key, display_name)
		VALUES ($1, $2)
		RETURNING id, key, display_name, created_at
	`, key, displayName).Scan(&item.ID, &item.Key, &item.DisplayName, &item.CreatedAt)
	if isUniqueViolation(err) {
		return Category{}, ErrDuplicate
	}
	if err != nil {
		return Category{}, fmt.Errorf("insert category: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) RenameCategory(ctx context.Context, categoryID int64, displayName string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE categories SET display_name=$2 WHERE id=$1 AND deleted_at IS NULL
	`, categoryID, displayName)
	if err != nil {
		return false, fmt.Errorf("rename category: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rename category rows: %w", err)
	}
	return affected > 0, nil
}

// SoftDeleteCategory soft-deletes the category and removes its link rows in
// one transaction. Templates themselves are never touched.
func (s *PostgresStore) SoftDeleteCategory(ctx context.Context, categoryID int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete category: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE categories SET deleted_at=NOW() WHERE id=$1 AND deleted_at IS NULL
	`, categoryID)
	if err != nil {
		return false, fmt.Errorf("delete category: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete category rows: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM template_categories WHERE category_id=$1
	`, categoryID); err != nil {
		return false, fmt.Errorf("delete category links: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete category: %w", err)
	}
	return true, nil
}

// LinkTemplateToCategory is idempotent: linking twice is not an error.
func (s *PostgresStore) LinkTemplateToCategory(ctx context.Context, templateID, categoryID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO template_categories (template_id, category_id)
		VALUES ($1, $2)
		ON CONFLICT (template_id, category_id) DO NOTHING
	`, templateID, categoryID)
	if err != nil {
		return fmt.Errorf("link template to category: %w", err)
	}
	return nil
}

func (s *PostgresStore) UnlinkTemplateFromCategory(ctx context.Context, templateID, categoryID int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM template_categories WHERE template_id=$1 AND category_id=$2
	`, templateID, categoryID)
	if err != nil {
		return false, fmt.Errorf("unlink template from category: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("unlink template rows: %w", err)
	}
	return affected > 0, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
