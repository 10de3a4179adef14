package protocol

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sark-gateway/sark/internal/domain/authz"
)

const petstoreSpec = `{
  "openapi": "3.0.0",
  "info": {"title": "Document API", "version": "2.1.0"},
  "paths": {
    "/documents": {
      "get": {
        "operationId": "listDocuments",
        "summary": "List documents",
        "parameters": [
          {"name": "q", "in": "query", "schema": {"type": "string"}},
          {"name": "limit", "in": "query", "schema": {"type": "integer"}}
        ]
      },
      "post": {
        "operationId": "createDocument",
        "requestBody": {
          "required": true,
          "content": {"application/json": {"schema": {"$ref": "#/components/schemas/Document"}}}
        }
      }
    },
    "/documents/{id}": {
      "parameters": [
        {"name": "id", "in": "path", "required": true, "schema": {"type": "string"}}
      ],
      "get": {"operationId": "getDocument"},
      "delete": {"operationId": "deleteDocument"}
    },
    "/credentials/{id}": {
      "get": {
        "operationId": "getCredential",
        "parameters": [
          {"name": "id", "in": "path", "required": true, "schema": {"type": "string"}}
        ]
      }
    }
  },
  "components": {
    "schemas": {
      "Document": {
        "type": "object",
        "properties": {"title": {"type": "string"}}
      }
    }
  }
}`

func newHTTPAdapter(t *testing.T, baseURL string) *HTTPAdapter {
	t.Helper()
	a := NewHTTPAdapter(HTTPConfig{
		Name:     "docs-api",
		BaseURL:  baseURL,
		SpecData: []byte(petstoreSpec),
	})
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestHTTPAdapter_Discovery(t *testing.T) {
	a := newHTTPAdapter(t, "http://unused.invalid")
	ctx := context.Background()

	resources, err := a.DiscoverResources(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(resources) != 1 || resources[0].Name != "docs-api" {
		t.Fatalf("resources = %+v", resources)
	}
	if resources[0].Metadata["operations"] != 5 {
		t.Errorf("operations = %v, want 5", resources[0].Metadata["operations"])
	}

	caps, err := a.GetCapabilities(ctx, "docs-api")
	if err != nil {
		t.Fatal(err)
	}
	byName := map[string]CapabilitySchema{}
	for _, c := range caps {
		byName[c.Name] = c
	}

	list := byName["listDocuments"]
	props := list.InputSchema["properties"].(map[string]any)
	if _, ok := props["q"]; !ok {
		t.Errorf("listDocuments schema missing query param: %+v", props)
	}
	if list.SensitivityHint != authz.SensitivityLow {
		t.Errorf("listDocuments hint = %s", list.SensitivityHint)
	}

	// Path-level parameter merged into the operation, always required.
	get := byName["getDocument"]
	req, _ := get.InputSchema["required"].([]string)
	if len(req) != 1 || req[0] != "id" {
		t.Errorf("getDocument required = %v", get.InputSchema["required"])
	}

	if byName["deleteDocument"].SensitivityHint != authz.SensitivityHigh {
		t.Errorf("deleteDocument hint = %s", byName["deleteDocument"].SensitivityHint)
	}
	// Path keyword raises a plain GET to critical.
	if byName["getCredential"].SensitivityHint != authz.SensitivityCritical {
		t.Errorf("getCredential hint = %s", byName["getCredential"].SensitivityHint)
	}

	create := byName["createDocument"]
	if _, ok := create.InputSchema["properties"].(map[string]any)["body"]; !ok {
		t.Errorf("createDocument schema missing body: %+v", create.InputSchema)
	}
}

func TestHTTPAdapter_Invoke(t *testing.T) {
	var gotPath, gotQuery, gotRequestID string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotRequestID = r.Header.Get(RequestIDHeader)
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "doc-1"}`))
	}))
	defer srv.Close()

	a := newHTTPAdapter(t, srv.URL)
	ctx := context.Background()
	if _, err := a.DiscoverResources(ctx); err != nil {
		t.Fatal(err)
	}

	res, err := a.Invoke(ctx, Invocation{
		Capability: "getDocument",
		Parameters: map[string]any{"id": "doc-1"},
		RequestID:  "req-42",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Metadata["status_code"] != 200 {
		t.Fatalf("result = %+v", res)
	}
	if gotPath != "/documents/doc-1" {
		t.Errorf("path = %q", gotPath)
	}
	if gotRequestID != "req-42" {
		t.Errorf("request id header = %q", gotRequestID)
	}
	if res.Result.(map[string]any)["id"] != "doc-1" {
		t.Errorf("result body = %+v", res.Result)
	}

	_, err = a.Invoke(ctx, Invocation{
		Capability: "listDocuments",
		Parameters: map[string]any{"q": "report", "limit": 5},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(gotQuery, "q=report") || !strings.Contains(gotQuery, "limit=5") {
		t.Errorf("query = %q", gotQuery)
	}

	_, err = a.Invoke(ctx, Invocation{
		Capability: "createDocument",
		Parameters: map[string]any{"body": map[string]any{"title": "Q3 report"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if gotBody["title"] != "Q3 report" {
		t.Errorf("body = %+v", gotBody)
	}
}

func TestHTTPAdapter_InvokeErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := newHTTPAdapter(t, srv.URL)
	ctx := context.Background()
	if _, err := a.DiscoverResources(ctx); err != nil {
		t.Fatal(err)
	}

	// Missing required path parameter is a schema failure before any I/O.
	_, err := a.Invoke(ctx, Invocation{Capability: "getDocument"})
	if authz.KindOf(err) != authz.KindSchema {
		t.Errorf("missing param err = %v", err)
	}

	// Unknown operation.
	_, err = a.Invoke(ctx, Invocation{Capability: "nope"})
	if authz.KindOf(err) != authz.KindNotFound {
		t.Errorf("unknown op err = %v", err)
	}

	// Upstream 4xx is a completed call, not an adapter error.
	res, err := a.Invoke(ctx, Invocation{
		Capability: "getDocument",
		Parameters: map[string]any{"id": "missing"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.Error == "" {
		t.Errorf("result = %+v", res)
	}
}

func TestHTTPAdapter_PayloadLimit(t *testing.T) {
	a := NewHTTPAdapter(HTTPConfig{
		Name:     "docs-api",
		BaseURL:  "http://unused.invalid",
		SpecData: []byte(petstoreSpec),
		Limits:   Limits{MaxPayloadBytes: 64},
	})
	ctx := context.Background()
	if _, err := a.DiscoverResources(ctx); err != nil {
		t.Fatal(err)
	}

	big := strings.Repeat("x", 200)
	_, err := a.Invoke(ctx, Invocation{
		Capability: "createDocument",
		Parameters: map[string]any{"body": map[string]any{"title": big}},
	})
	if authz.KindOf(err) != authz.KindValidation {
		t.Errorf("oversized payload err = %v", err)
	}
}

func TestHTTPAdapter_Swagger2Conversion(t *testing.T) {
	spec := `{
	  "swagger": "2.0",
	  "info": {"title": "Legacy", "version": "1.0"},
	  "paths": {
	    "/items": {
	      "get": {"operationId": "listItems"}
	    }
	  }
	}`
	a := NewHTTPAdapter(HTTPConfig{
		Name:     "legacy",
		BaseURL:  "http://unused.invalid",
		SpecData: []byte(spec),
	})
	caps, err := a.GetCapabilities(context.Background(), "legacy")
	if err != nil {
		t.Fatal(err)
	}
	if len(caps) != 1 || caps[0].Name != "listItems" {
		t.Errorf("caps = %+v", caps)
	}
}

func TestOperationSlug(t *testing.T) {
	if got := operationSlug(http.MethodGet, "/users/{id}/posts"); got != "get_users_id_posts" {
		t.Errorf("slug = %q", got)
	}
}
