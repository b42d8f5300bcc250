package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"strings"
	"time"
	"unicode"

	"stencil/api/internal/blob"
	"stencil/api/internal/search"
	"stencil/api/internal/store"
	"stencil/api/internal/util"
)

// SaveInput is the body of a save request. TemplateKey empty means "create a
// new template"; SaveMode "overwrite" repoints the selected version instead
// of appending a new one.
type SaveInput struct {
	Document          json.RawMessage `json:"document"`
	TemplateKey       string          `json:"templateKey"`
	TemplateName      string          `json:"templateName"`
	UseExistingName   bool            `json:"useExistingName"`
	SelectedVersionID int64           `json:"selectedVersionId"`
	SaveMode          string          `json:"saveMode"`
}

const saveModeOverwrite = "overwrite"

type dataStore interface {
	EnsureUserByName(ctx context.Context, name string) (store.User, error)
	FindTemplateByKeyName(ctx context.Context, keyName string, ownerID int64) (*store.Template, error)
	CreateTemplate(ctx context.Context, keyName, displayName string, ownerID int64, key string) (store.Template, error)
	GetTemplateByKey(ctx context.Context, key string, ownerID int64) (store.Template, error)
	GetTemplateByID(ctx context.Context, templateID int64) (store.Template, error)
	CreateVersion(ctx context.Context, templateID int64, fileName, link, etag string) (store.Version, error)
	GetVersionByID(ctx context.Context, versionID int64) (store.Version, error)
	UpdateVersionLink(ctx context.Context, versionID int64, link, etag string) (store.Version, error)
	RenameVersion(ctx context.Context, versionID int64, fileName string) (bool, error)
	SoftDeleteVersion(ctx context.Context, versionID int64) (bool, error)
	RenameTemplate(ctx context.Context, templateID int64, displayName string) (bool, error)
	SoftDeleteTemplate(ctx context.Context, templateID int64) (bool, error)
	ListTemplatesForOwner(ctx context.Context, ownerID int64) ([]store.TemplateWithVersions, error)
	ListTemplatesInCategory(ctx context.Context, categoryID int64) ([]store.TemplateWithVersions, error)
	ListTemplatesNotInCategory(ctx context.Context, categoryID, ownerID int64) ([]store.TemplateWithVersions, error)
	ListCategories(ctx context.Context) ([]store.Category, error)
	GetCategoryByID(ctx context.Context, categoryID int64) (store.Category, error)
	FindCategoryByKey(ctx context.Context, key string) (*store.Category, error)
	CreateCategory(ctx context.Context, key, displayName string) (store.Category, error)
	RenameCategory(ctx context.Context, categoryID int64, displayName string) (bool, error)
	SoftDeleteCategory(ctx context.Context, categoryID int64) (bool, error)
	LinkTemplateToCategory(ctx context.Context, templateID, categoryID int64) error
	UnlinkTemplateFromCategory(ctx context.Context, templateID, categoryID int64) (bool, error)
	Ping(ctx context.Context) error
}

type blobStore interface {
	PutJSON(ctx context.Context, object string, document []byte) (link, etag string, err error)
	FetchLink(ctx context.Context, link string) ([]byte, error)
	Remove(ctx context.Context, object string) error
	Ping(ctx context.Context) error
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexTemplate(record search.TemplateRecord)
	DeleteTemplate(id string)
}

type Service struct {
	store  dataStore
	blob   blobStore
	search searchIndex
	now    func() time.Time
}

// NewService wires the template service. searchIdx may be nil when search is
// not configured.
func NewService(dataStore dataStore, blobStore blobStore, searchIdx searchIndex) *Service {
	return &Service{
		store:  dataStore,
		blob:   blobStore,
		search: searchIdx,
		now:    time.Now,
	}
}

// normalizeName lowercases a display name and strips all whitespace. The
// result is the key_name used for collision checks; it is fixed at template
// creation and never recomputed on rename.
func normalizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Save is the one write path for documents. The blob is always written fresh
// before any rows change; if the relational side then fails, the orphan blob
// is deleted so storage does not accumulate unreferenced objects.
func (s *Service) Save(ctx context.Context, user store.User, in SaveInput) (map[string]any, error) {
	name := strings.TrimSpace(in.TemplateName)
	overwrite := in.SaveMode == saveModeOverwrite
	if name == "" && !overwrite {
		return nil, errValidation("templateName is required")
	}
	if len(in.Document) == 0 {
		return nil, errValidation("document is required")
	}

	document, err := blob.Canonical(in.Document)
	if err != nil {
		return nil, errValidation("document must be valid JSON")
	}

	// Skip the write entirely when the document matches what the selected
	// version already points at. Any failure fetching the current blob means
	// we assume the document changed and save normally.
	if in.SelectedVersionID != 0 {
		if payload, ok := s.noChangesResult(ctx, user, in, document); ok {
			return payload, nil
		}
	}

	object := blob.ObjectName(user.DisplayName, s.now())
	link, etag, err := s.blob.PutJSON(ctx, object, document)
	if err != nil {
		return nil, err
	}

	if in.TemplateKey == "" {
		return s.saveNewTemplate(ctx, user, name, object, link, etag)
	}
	return s.saveExistingTemplate(ctx, user, in, name, object, link, etag)
}

func (s *Service) noChangesResult(ctx context.Context, user store.User, in SaveInput, document []byte) (map[string]any, bool) {
	version, err := s.store.GetVersionByID(ctx, in.SelectedVersionID)
	if err != nil {
		return nil, false
	}
	template, err := s.store.GetTemplateByID(ctx, version.TemplateID)
	if err != nil || template.OwnerID != user.ID {
		return nil, false
	}
	if in.TemplateKey != "" && template.Key != in.TemplateKey {
		return nil, false
	}
	current, err := s.blob.FetchLink(ctx, version.Link)
	if err != nil {
		return nil, false
	}
	if !blob.Equal(current, document) {
		return nil, false
	}
	return map[string]any{
		"success":   true,
		"noChanges": true,
		"username":  user.DisplayName,
		"template":  templatePayload(template),
		"version":   versionPayload(version),
	}, true
}

func (s *Service) saveNewTemplate(ctx context.Context, user store.User, name, object, link, etag string) (map[string]any, error) {
	keyName := normalizeName(name)
	if keyName == "" {
		s.discardBlob(ctx, object)
		return nil, errValidation("templateName must contain visible characters")
	}

	if existing, err := s.store.FindTemplateByKeyName(ctx, keyName, user.ID); err != nil {
		s.discardBlob(ctx, object)
		return nil, err
	} else if existing != nil {
		s.discardBlob(ctx, object)
		return nil, errConflict("A template with this name already exists", map[string]any{
			"templateExists": true,
			"template":       templatePayload(*existing),
		})
	}

	template, err := s.store.CreateTemplate(ctx, keyName, name, user.ID, util.NewID("tpl"))
	if errors.Is(err, store.ErrDuplicate) {
		// Lost the race to the unique index between pre-check and insert.
		s.discardBlob(ctx, object)
		existing, findErr := s.store.FindTemplateByKeyName(ctx, keyName, user.ID)
		details := map[string]any{"templateExists": true}
		if findErr == nil && existing != nil {
			details["template"] = templatePayload(*existing)
		}
		return nil, errConflict("A template with this name already exists", details)
	}
	if err != nil {
		s.discardBlob(ctx, object)
		return nil, err
	}

	version, err := s.store.CreateVersion(ctx, template.ID, name, link, etag)
	if err != nil {
		s.discardBlob(ctx, object)
		return nil, err
	}

	s.indexTemplate(template, user)

	return map[string]any{
		"success":     true,
		"file":        object,
		"username":    user.DisplayName,
		"template":    templatePayload(template),
		"version":     versionPayload(version),
		"isUpdate":    false,
		"isOverwrite": false,
	}, nil
}

func (s *Service) saveExistingTemplate(ctx context.Context, user store.User, in SaveInput, name, object, link, etag string) (map[string]any, error) {
	template, err := s.store.GetTemplateByKey(ctx, in.TemplateKey, user.ID)
	if err != nil {
		s.discardBlob(ctx, object)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Template not found")
		}
		return nil, err
	}

	if in.SaveMode == saveModeOverwrite {
		if in.SelectedVersionID == 0 {
			s.discardBlob(ctx, object)
			return nil, errValidation("selectedVersionId is required to overwrite")
		}
		current, err := s.store.GetVersionByID(ctx, in.SelectedVersionID)
		if err != nil {
			s.discardBlob(ctx, object)
			if errors.Is(err, sql.ErrNoRows) {
				return nil, errNotFound("Version not found")
			}
			return nil, err
		}
		if current.TemplateID != template.ID {
			s.discardBlob(ctx, object)
			return nil, errNotFound("Version not found")
		}
		version, err := s.store.UpdateVersionLink(ctx, current.ID, link, etag)
		if err != nil {
			s.discardBlob(ctx, object)
			return nil, err
		}
		return map[string]any{
			"success":     true,
			"file":        object,
			"username":    user.DisplayName,
			"template":    templatePayload(template),
			"version":     versionPayload(version),
			"isUpdate":    true,
			"isOverwrite": true,
		}, nil
	}

	fileName := name
	if in.UseExistingName || fileName == "" {
		fileName = template.DisplayName
	}
	version, err := s.store.CreateVersion(ctx, template.ID, fileName, link, etag)
	if err != nil {
		s.discardBlob(ctx, object)
		return nil, err
	}
	return map[string]any{
		"success":     true,
		"file":        object,
		"username":    user.DisplayName,
		"template":    templatePayload(template),
		"version":     versionPayload(version),
		"isUpdate":    true,
		"isOverwrite": false,
	}, nil
}

func (s *Service) discardBlob(ctx context.Context, object string) {
	if err := s.blob.Remove(ctx, object); err != nil {
		log.Printf("save: discard orphan blob %s: %v", object, err)
	}
}

func (s *Service) indexTemplate(template store.Template, user store.User) {
	if s.search == nil {
		return
	}
	s.search.IndexTemplate(search.TemplateRecord{
		ID:      strconv.FormatInt(template.ID, 10),
		Key:     template.Key,
		Name:    template.DisplayName,
		KeyName: template.KeyName,
		Owner:   user.DisplayName,
		OwnerID: user.ID,
	})
}

// UserTemplates lists the caller's uncategorized templates with versions.
func (s *Service) UserTemplates(ctx context.Context, user store.User) (map[string]any, error) {
	templates, err := s.store.ListTemplatesForOwner(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"success":   true,
		"username":  user.DisplayName,
		"templates": templatesPayload(templates),
	}, nil
}

// FetchTemplate resolves a stored link back to the raw document.
func (s *Service) FetchTemplate(ctx context.Context, link string) (json.RawMessage, error) {
	if strings.TrimSpace(link) == "" {
		return nil, errValidation("link is required")
	}
	document, err := s.blob.FetchLink(ctx, link)
	if err != nil {
		if errors.Is(err, blob.ErrBadLink) {
			return nil, errValidation("link is malformed")
		}
		return nil, err
	}
	if !json.Valid(document) {
		return nil, errNotFound("Stored document is not readable")
	}
	return json.RawMessage(document), nil
}

func (s *Service) Categories(ctx context.Context) (map[string]any, error) {
	categories, err := s.store.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(categories))
	for _, category := range categories {
		payload = append(payload, categoryPayload(category))
	}
	return map[string]any{"success": true, "categories": payload}, nil
}

func (s *Service) CreateCategory(ctx context.Context, name string) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errValidation("name is required")
	}
	key := normalizeName(name)
	if key == "" {
		return nil, errValidation("name must contain visible characters")
	}

	if existing, err := s.store.FindCategoryByKey(ctx, key); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, errConflict("A category with this name already exists", map[string]any{
			"category": categoryPayload(*existing),
		})
	}

	category, err := s.store.CreateCategory(ctx, key, name)
	if errors.Is(err, store.ErrDuplicate) {
		existing, findErr := s.store.FindCategoryByKey(ctx, key)
		details := map[string]any{}
		if findErr == nil && existing != nil {
			details["category"] = categoryPayload(*existing)
		}
		return nil, errConflict("A category with this name already exists", details)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "category": categoryPayload(category)}, nil
}

func (s *Service) RenameCategory(ctx context.Context, categoryID int64, name string) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errValidation("name is required")
	}
	changed, err := s.store.RenameCategory(ctx, categoryID, name)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, errNotFound("Category not found")
	}
	return map[string]any{"success": true}, nil
}

func (s *Service) DeleteCategory(ctx context.Context, categoryID int64) (map[string]any, error) {
	deleted, err := s.store.SoftDeleteCategory(ctx, categoryID)
	if err != nil {
		return nil, err
	}
	if !deleted {
		return nil, errNotFound("Category not found")
	}
	return map[string]any{"success": true}, nil
}

// CategoryTemplates lists every template linked to the category, regardless of
// owner. Categories are shared across users.
func (s *Service) CategoryTemplates(ctx context.Context, categoryID int64) (map[string]any, error) {
	if _, err := s.store.GetCategoryByID(ctx, categoryID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Category not found")
		}
		return nil, err
	}
	templates, err := s.store.ListTemplatesInCategory(ctx, categoryID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "templates": templatesPayload(templates)}, nil
}

// AvailableTemplates lists the caller's templates not yet linked to the
// category, as candidates for adding.
func (s *Service) AvailableTemplates(ctx context.Context, user store.User, categoryID int64) (map[string]any, error) {
	if _, err := s.store.GetCategoryByID(ctx, categoryID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Category not found")
		}
		return nil, err
	}
	templates, err := s.store.ListTemplatesNotInCategory(ctx, categoryID, user.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "templates": templatesPayload(templates)}, nil
}

func (s *Service) AddTemplateToCategory(ctx context.Context, user store.User, categoryID, templateID int64) (map[string]any, error) {
	if _, err := s.store.GetCategoryByID(ctx, categoryID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Category not found")
		}
		return nil, err
	}
	template, err := s.templateOwnedBy(ctx, user, templateID)
	if err != nil {
		return nil, err
	}
	if err := s.store.LinkTemplateToCategory(ctx, template.ID, categoryID); err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

func (s *Service) RemoveTemplateFromCategory(ctx context.Context, user store.User, categoryID, templateID int64) (map[string]any, error) {
	template, err := s.templateOwnedBy(ctx, user, templateID)
	if err != nil {
		return nil, err
	}
	removed, err := s.store.UnlinkTemplateFromCategory(ctx, template.ID, categoryID)
	if err != nil {
		return nil, err
	}
	if !removed {
		return nil, errNotFound("Template is not in this category")
	}
	return map[string]any{"success": true}, nil
}

func (s *Service) RenameVersion(ctx context.Context, user store.User, versionID int64, fileName string) (map[string]any, error) {
	fileName = strings.TrimSpace(fileName)
	if fileName == "" {
		return nil, errValidation("fileName is required")
	}
	if _, err := s.versionOwnedBy(ctx, user, versionID); err != nil {
		return nil, err
	}
	changed, err := s.store.RenameVersion(ctx, versionID, fileName)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, errNotFound("Version not found")
	}
	return map[string]any{"success": true}, nil
}

// DeleteVersion soft-deletes one version. The blob stays; older links keep
// resolving and nothing else references the object name.
func (s *Service) DeleteVersion(ctx context.Context, user store.User, versionID int64) (map[string]any, error) {
	if _, err := s.versionOwnedBy(ctx, user, versionID); err != nil {
		return nil, err
	}
	deleted, err := s.store.SoftDeleteVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if !deleted {
		return nil, errNotFound("Version not found")
	}
	return map[string]any{"success": true}, nil
}

// RenameTemplate changes the display name only. The normalized key_name keeps
// its creation-time value, so a rename never triggers new collisions.
func (s *Service) RenameTemplate(ctx context.Context, user store.User, templateID int64, name string) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errValidation("name is required")
	}
	template, err := s.templateOwnedBy(ctx, user, templateID)
	if err != nil {
		return nil, err
	}
	changed, err := s.store.RenameTemplate(ctx, template.ID, name)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, errNotFound("Template not found")
	}
	template.DisplayName = name
	s.indexTemplate(template, user)
	return map[string]any{"success": true}, nil
}

func (s *Service) DeleteTemplate(ctx context.Context, user store.User, templateID int64) (map[string]any, error) {
	template, err := s.templateOwnedBy(ctx, user, templateID)
	if err != nil {
		return nil, err
	}
	deleted, err := s.store.SoftDeleteTemplate(ctx, template.ID)
	if err != nil {
		return nil, err
	}
	if !deleted {
		return nil, errNotFound("Template not found")
	}
	if s.search != nil {
		s.search.DeleteTemplate(strconv.FormatInt(template.ID, 10))
	}
	return map[string]any{"success": true}, nil
}

// SearchTemplates queries the search index scoped to the caller.
func (s *Service) SearchTemplates(user store.User, text string, limit, offset int) map[string]any {
	if s.search == nil {
		return map[string]any{"success": true, "results": []search.Result{}, "total": 0, "query": text}
	}
	response := s.search.Search(search.Query{Text: text, OwnerID: user.ID, Limit: limit, Offset: offset})
	return map[string]any{
		"success": true,
		"results": response.Results,
		"total":   response.Total,
		"query":   response.Query,
	}
}

func (s *Service) templateOwnedBy(ctx context.Context, user store.User, templateID int64) (store.Template, error) {
	template, err := s.store.GetTemplateByID(ctx, templateID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Template{}, errNotFound("Template not found")
		}
		return store.Template{}, err
	}
	if template.OwnerID != user.ID {
		return store.Template{}, errNotFound("Template not found")
	}
	return template, nil
}

func (s *Service) versionOwnedBy(ctx context.Context, user store.User, versionID int64) (store.Version, error) {
	version, err := s.store.GetVersionByID(ctx, versionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Version{}, errNotFound("Version not found")
		}
		return store.Version{}, err
	}
	if _, err := s.templateOwnedBy(ctx, user, version.TemplateID); err != nil {
		return store.Version{}, errNotFound("Version not found")
	}
	return version, nil
}

// Ping checks database connectivity.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingBlob checks object storage connectivity.
func (s *Service) PingBlob(ctx context.Context) error {
	return s.blob.Ping(ctx)
}

func templatePayload(t store.Template) map[string]any {
	return map[string]any{
		"id":          t.ID,
		"templateKey": t.Key,
		"name":        t.DisplayName,
		"keyName":     t.KeyName,
		"createdAt":   t.CreatedAt,
		"updatedAt":   t.UpdatedAt,
	}
}

func versionPayload(v store.Version) map[string]any {
	return map[string]any{
		"id":        v.ID,
		"fileName":  v.FileName,
		"link":      v.Link,
		"versionNo": v.VersionNo,
		"createdAt": v.CreatedAt,
	}
}

func categoryPayload(c store.Category) map[string]any {
	return map[string]any{
		"id":        c.ID,
		"name":      c.DisplayName,
		"createdAt": c.CreatedAt,
	}
}

func templatesPayload(templates []store.TemplateWithVersions) []map[string]any {
	payload := make([]map[string]any, 0, len(templates))
	for _, t := range templates {
		versions := make([]map[string]any, 0, len(t.Versions))
		for _, v := range t.Versions {
			versions = append(versions, versionPayload(v))
		}
		entry := templatePayload(t.Template)
		entry["versions"] = versions
		payload = append(payload, entry)
	}
	return payload
}
