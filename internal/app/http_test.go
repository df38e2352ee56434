package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"auditdesk/api/internal/auth"
)

var testSecret = []byte("http-test-secret")

func newTestServer(t *testing.T, devActor *auth.Actor) (*HTTPServer, testEnv) {
	t.Helper()
	env := newTestEnv(t)
	server := NewHTTPServer(env.svc, HTTPOptions{
		CORSOrigins: []string{"*"},
		JWTSecret:   testSecret,
		DevActor:    devActor,
		Logger:      zerolog.Nop(),
	})
	return server, env
}

func bearer(t *testing.T, actor auth.Actor) string {
	t.Helper()
	token, err := auth.IssueToken(testSecret, actor, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return "Bearer " + token
}

func doJSON(t *testing.T, server *HTTPServer, method, path, authz string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestRequiresAuthentication(t *testing.T) {
	server, _ := newTestServer(t, nil)

	tests := []struct {
		name  string
		authz string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic abc"},
		{"bad token", "Bearer not-a-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doJSON(t, server, http.MethodGet, "/api/procedures", tt.authz, nil)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rr.Code)
			}
			if body := decodeResponse(t, rr); body["code"] != "UNAUTHORIZED" {
				t.Fatalf("unexpected body %v", body)
			}
		})
	}
}

func TestDevActorServesAnonymousRequests(t *testing.T) {
	dev := auth.Actor{ID: "dev", Name: "Developer", Role: "admin"}
	server, _ := newTestServer(t, &dev)

	rr := doJSON(t, server, http.MethodPost, "/api/procedures", "", map[string]any{
		"engagementId":  "eng_1",
		"procedureType": "planning",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestProcedureLifecycleOverHTTP(t *testing.T) {
	server, _ := newTestServer(t, nil)
	ana := bearer(t, preparer)

	rr := doJSON(t, server, http.MethodPost, "/api/procedures", ana, map[string]any{
		"engagementId":  "eng_1",
		"title":         "FY26 planning",
		"procedureType": "planning",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	created := decodeResponse(t, rr)
	id, _ := created["id"].(string)
	if id == "" || created["procedureType"] != "planning" {
		t.Fatalf("unexpected create body %v", created)
	}
	if pending, ok := created["pendingFields"].([]any); !ok || len(pending) != 0 {
		t.Fatalf("expected empty pendingFields, got %v", created["pendingFields"])
	}

	rr = doJSON(t, server, http.MethodPost, "/api/procedures/"+id+"/generate", ana, map[string]any{"sectionId": "engagement_acceptance"})
	if rr.Code != http.StatusOK {
		t.Fatalf("generate: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, server, http.MethodGet, "/api/procedures/"+id+"/sections/engagement_acceptance/fields", ana, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("fields: expected 200, got %d", rr.Code)
	}
	fields, _ := decodeResponse(t, rr)["fields"].([]any)
	if len(fields) == 0 {
		t.Fatal("expected visible fields")
	}
	first, _ := fields[0].(map[string]any)
	uid, _ := first["uid"].(string)

	rr = doJSON(t, server, http.MethodPut, "/api/procedures/"+id+"/fields/"+uid+"/answer", ana, map[string]any{"value": true})
	if rr.Code != http.StatusOK {
		t.Fatalf("answer: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	rr = doJSON(t, server, http.MethodPut, "/api/procedures/"+id+"/fields/"+uid+"/answer", ana, map[string]any{"value": map[string]any{"nonsense": 1}})
	if rr.Code != http.StatusUnprocessableEntity || decodeResponse(t, rr)["code"] != "VALIDATION_ERROR" {
		t.Fatalf("mismatched answer: expected 422 VALIDATION_ERROR, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, server, http.MethodGet, "/api/procedures?engagementId=eng_1", ana, nil)
	list, _ := decodeResponse(t, rr)["procedures"].([]any)
	if rr.Code != http.StatusOK || len(list) != 1 {
		t.Fatalf("list: got %d %v", rr.Code, list)
	}

	rr = doJSON(t, server, http.MethodGet, "/api/procedures/"+id+"/history", ana, nil)
	commits, _ := decodeResponse(t, rr)["commits"].([]any)
	if len(commits) != 3 {
		t.Fatalf("expected 3 commits, got %d", len(commits))
	}
}

func TestErrorBodyShape(t *testing.T) {
	server, _ := newTestServer(t, nil)
	ana := bearer(t, preparer)

	rr := doJSON(t, server, http.MethodGet, "/api/procedures/proc_missing", ana, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	body := decodeResponse(t, rr)
	if body["code"] != "PROCEDURE_NOT_FOUND" || body["error"] != "Procedure not found" {
		t.Fatalf("unexpected body %v", body)
	}
	details, _ := body["details"].(map[string]any)
	if details["procedureId"] != "proc_missing" {
		t.Fatalf("unexpected details %v", body["details"])
	}

	req := httptest.NewRequest(http.MethodPost, "/api/procedures", strings.NewReader("{not json"))
	req.Header.Set("Authorization", ana)
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad JSON, got %d", rr.Code)
	}
	if body := decodeResponse(t, rr); body["code"] != "INVALID_REQUEST" {
		t.Fatalf("unexpected body %v", body)
	}
	if _, ok := decodeResponse(t, rr)["details"]; ok {
		t.Fatal("details should be omitted when empty")
	}
}

func TestRolePermissions(t *testing.T) {
	server, env := newTestServer(t, nil)
	view := env.create(t, "completion", "")
	base := "/api/procedures/" + view.ID

	reviewer := auth.Actor{ID: "u_cho", Name: "Cho", Role: "reviewer"}
	tests := []struct {
		name   string
		actor  auth.Actor
		method string
		path   string
		body   any
		want   int
	}{
		{"preparer cannot sign off", preparer, http.MethodPost, base + "/review", map[string]any{"action": "signoff"}, http.StatusForbidden},
		{"preparer cannot approve", preparer, http.MethodPost, base + "/review", map[string]any{"action": "approve"}, http.StatusForbidden},
		{"reviewer can approve", reviewer, http.MethodPost, base + "/review", map[string]any{"action": "approve"}, http.StatusOK},
		{"reviewer cannot lock", reviewer, http.MethodPost, base + "/review", map[string]any{"action": "lock"}, http.StatusForbidden},
		{"partner can sign off", partner, http.MethodPost, base + "/review", map[string]any{"action": "signoff"}, http.StatusOK},
		{"partner cannot delete", partner, http.MethodDelete, base, nil, http.StatusForbidden},
		{"unknown role reads", auth.Actor{ID: "x", Role: "intern"}, http.MethodGet, base, nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doJSON(t, server, tt.method, tt.path, bearer(t, tt.actor), tt.body)
			if rr.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rr.Code, rr.Body.String())
			}
			if tt.want == http.StatusForbidden {
				if body := decodeResponse(t, rr); body["code"] != "FORBIDDEN" {
					t.Fatalf("unexpected body %v", body)
				}
			}
		})
	}
}

func TestLockedProcedureReturnsConflict(t *testing.T) {
	server, env := newTestServer(t, nil)
	view := env.create(t, "planning", "")
	base := "/api/procedures/" + view.ID
	ben := bearer(t, partner)

	if rr := doJSON(t, server, http.MethodPost, base+"/review", ben, map[string]any{"action": "lock"}); rr.Code != http.StatusOK {
		t.Fatalf("lock: got %d: %s", rr.Code, rr.Body.String())
	}
	rr := doJSON(t, server, http.MethodPut, base+"/status", ben, map[string]any{"status": "completed"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	if body := decodeResponse(t, rr); body["code"] != "PROCEDURE_LOCKED" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestExportStreamsAttachment(t *testing.T) {
	server, env := newTestServer(t, nil)
	view := env.create(t, "planning", "")
	base := "/api/procedures/" + view.ID
	ana := bearer(t, preparer)

	rr := doJSON(t, server, http.MethodPost, base+"/export", ana, map[string]any{"format": "html"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, `filename="procedure.html"`) {
		t.Fatalf("unexpected Content-Disposition %q", cd)
	}
	if !strings.Contains(rr.Body.String(), "FY26 planning") {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}

	rr = doJSON(t, server, http.MethodPost, base+"/export", ana, map[string]any{"format": "html", "archive": true})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 for archived export, got %d: %s", rr.Code, rr.Body.String())
	}
	archived, _ := decodeResponse(t, rr)["archive"].(map[string]any)
	if archived["key"] == "" || archived["url"] == "" {
		t.Fatalf("unexpected archive %v", archived)
	}

	rr = doJSON(t, server, http.MethodGet, base+"/archives", ana, nil)
	items, _ := decodeResponse(t, rr)["archives"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected one archive, got %v", items)
	}
}

func TestSearchWithoutBackend(t *testing.T) {
	server, _ := newTestServer(t, nil)
	ana := bearer(t, preparer)

	rr := doJSON(t, server, http.MethodGet, "/api/search?q=cash", ana, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if body := decodeResponse(t, rr); body["backend"] != "none" {
		t.Fatalf("unexpected body %v", body)
	}

	rr = doJSON(t, server, http.MethodGet, "/api/search", ana, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 without q, got %d", rr.Code)
	}
}
