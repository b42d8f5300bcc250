package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"stencil/api/internal/identity"
	"stencil/api/internal/store"
)

const testIdentityHeader = "X-Authentik-Username"

func newTestServer(fs *fakeStore, fb *fakeBlob) *httptest.Server {
	svc := newTestService(fs, fb)
	resolver := identity.NewResolver(fs, nil)
	server := NewHTTPServer(svc, resolver, "*", testIdentityHeader)
	return httptest.NewServer(server.Handler())
}

func doRequest(t *testing.T, method, url, username, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if username != "" {
		req.Header.Set(testIdentityHeader, username)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, payload
}

func TestHealthNeedsNoIdentity(t *testing.T) {
	ts := newTestServer(&fakeStore{}, &fakeBlob{})
	defer ts.Close()

	resp, payload := doRequest(t, http.MethodGet, ts.URL+"/api/health", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if payload["ok"] != true {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestReadyReportsChecks(t *testing.T) {
	ts := newTestServer(&fakeStore{}, &fakeBlob{})
	defer ts.Close()

	resp, payload := doRequest(t, http.MethodGet, ts.URL+"/api/ready", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	checks := payload["checks"].(map[string]any)
	if checks["database"] == nil || checks["storage"] == nil {
		t.Fatalf("expected database and storage checks, got %+v", checks)
	}
}

func TestMissingIdentityHeaderIsUnauthorized(t *testing.T) {
	ts := newTestServer(&fakeStore{}, &fakeBlob{})
	defer ts.Close()

	resp, payload := doRequest(t, http.MethodGet, ts.URL+"/api/user-templates", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if payload["success"] != false || payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("unexpected body %+v", payload)
	}
}

func TestCategoryReadsNeedNoIdentity(t *testing.T) {
	fs := &fakeStore{
		listCategoriesFn: func(_ context.Context) ([]store.Category, error) {
			return []store.Category{{ID: 3, Key: "marketing", DisplayName: "Marketing"}}, nil
		},
		getCategoryByIDFn: func(_ context.Context, categoryID int64) (store.Category, error) {
			return store.Category{ID: categoryID, Key: "marketing", DisplayName: "Marketing"}, nil
		},
	}
	ts := newTestServer(fs, &fakeBlob{})
	defer ts.Close()

	resp, payload := doRequest(t, http.MethodGet, ts.URL+"/api/categories", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %+v", resp.StatusCode, payload)
	}
	if payload["success"] != true {
		t.Fatalf("unexpected body %+v", payload)
	}
	categories := payload["categories"].([]any)
	if len(categories) != 1 {
		t.Fatalf("expected one category, got %+v", payload)
	}

	resp, payload = doRequest(t, http.MethodGet, ts.URL+"/api/categories/3/templates", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %+v", resp.StatusCode, payload)
	}

	// Linking still demands an identity.
	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/api/categories/3/templates", "", `{"templateId":10}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for anonymous link, got %d", resp.StatusCode)
	}
}

func TestUserEndpointEnsuresUser(t *testing.T) {
	ts := newTestServer(&fakeStore{}, &fakeBlob{})
	defer ts.Close()

	resp, payload := doRequest(t, http.MethodGet, ts.URL+"/api/user", "otto", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if payload["username"] != "otto" {
		t.Fatalf("unexpected body %+v", payload)
	}
}

func TestSaveOverHTTP(t *testing.T) {
	ts := newTestServer(&fakeStore{}, &fakeBlob{})
	defer ts.Close()

	resp, payload := doRequest(t, http.MethodPost, ts.URL+"/api/save", "otto",
		`{"document":{"subject":"hi"},"templateName":"Welcome Mail"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %+v", resp.StatusCode, payload)
	}
	if payload["success"] != true || payload["isUpdate"] != false {
		t.Fatalf("unexpected body %+v", payload)
	}
	template := payload["template"].(map[string]any)
	if template["keyName"] != "welcomemail" {
		t.Fatalf("unexpected template %+v", template)
	}
}

func TestSaveConflictOverHTTP(t *testing.T) {
	existing := store.Template{ID: 9, Key: "tpl_old", KeyName: "welcomemail", DisplayName: "Welcome Mail", OwnerID: 1}
	fs := &fakeStore{
		findTemplateByKeyNameFn: func(_ context.Context, keyName string, ownerID int64) (*store.Template, error) {
			return &existing, nil
		},
	}
	ts := newTestServer(fs, &fakeBlob{})
	defer ts.Close()

	resp, payload := doRequest(t, http.MethodPost, ts.URL+"/api/save", "otto",
		`{"document":{"subject":"hi"},"templateName":"Welcome Mail"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	if payload["success"] != false {
		t.Fatalf("error body must carry success=false, got %+v", payload)
	}
	details := payload["details"].(map[string]any)
	if details["template"] == nil {
		t.Fatalf("conflict details should include the colliding template, got %+v", payload)
	}
}

func TestCategoryRoutes(t *testing.T) {
	linked := false
	fs := &fakeStore{
		getCategoryByIDFn: func(_ context.Context, categoryID int64) (store.Category, error) {
			return store.Category{ID: categoryID, Key: "marketing", DisplayName: "Marketing"}, nil
		},
		getTemplateByIDFn: func(_ context.Context, templateID int64) (store.Template, error) {
			return store.Template{ID: templateID, OwnerID: 1}, nil
		},
		linkTemplateToCategoryFn: func(_ context.Context, templateID, categoryID int64) error {
			linked = true
			return nil
		},
	}
	ts := newTestServer(fs, &fakeBlob{})
	defer ts.Close()

	resp, _ := doRequest(t, http.MethodPost, ts.URL+"/api/categories/3/templates", "otto", `{"templateId":10}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !linked {
		t.Fatal("expected link to be created")
	}

	resp, payload := doRequest(t, http.MethodGet, ts.URL+"/api/categories/not-a-number/templates", "otto", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-numeric id, got %d", resp.StatusCode)
	}
	if payload["success"] != false {
		t.Fatalf("unexpected body %+v", payload)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	ts := newTestServer(&fakeStore{}, &fakeBlob{})
	defer ts.Close()

	resp, payload := doRequest(t, http.MethodGet, ts.URL+"/api/nope", "otto", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if payload["code"] != "NOT_FOUND" {
		t.Fatalf("unexpected body %+v", payload)
	}
}
