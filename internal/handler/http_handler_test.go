package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-collab/internal/domain"
	"github.com/weiawesome/wes-collab/pkg/response"
)

type apiResponse struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
}

func (s *testServer) call(t *testing.T, method, path, user string, body interface{}) (int, apiResponse) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+s.token(t, user))
	}

	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	var resp apiResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w.Code, resp
}

func TestDocumentAPIRequiresAuth(t *testing.T) {
	s := newTestServer(t, 100)

	code, resp := s.call(t, http.MethodGet, "/api/v1/documents", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, response.CodeUnauthorized, resp.Error.Code)
}

func TestDocumentAPILifecycle(t *testing.T) {
	s := newTestServer(t, 100)

	code, resp := s.call(t, http.MethodPost, "/api/v1/documents", "carol", map[string]string{"title": "Notes", "content": "a"})
	require.Equal(t, http.StatusCreated, code)
	var doc domain.Document
	require.NoError(t, json.Unmarshal(resp.Data, &doc))
	assert.Equal(t, "Notes", doc.Title)
	assert.Equal(t, domain.PermissionOwner, doc.Permission)

	code, _ = s.call(t, http.MethodPost, "/api/v1/documents", "carol", map[string]string{"content": "no title"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, resp = s.call(t, http.MethodGet, "/api/v1/documents", "carol", nil)
	require.Equal(t, http.StatusOK, code)
	var list domain.ListDocumentsResponse
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	assert.Equal(t, 1, list.Total)

	path := "/api/v1/documents/" + doc.ID

	code, resp = s.call(t, http.MethodGet, path, "bob", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, response.CodeNotFound, resp.Error.Code)

	code, _ = s.call(t, http.MethodPut, path+"/permissions", "carol", map[string]string{"user_id": s.users["bob"].ID, "permission": "read"})
	require.Equal(t, http.StatusOK, code)

	code, resp = s.call(t, http.MethodPut, path, "bob", map[string]string{"content": "b"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, response.CodeForbidden, resp.Error.Code)

	code, _ = s.call(t, http.MethodPut, path+"/permissions", "carol", map[string]string{"user_id": s.users["bob"].ID, "permission": "write"})
	require.Equal(t, http.StatusOK, code)

	code, resp = s.call(t, http.MethodPut, path, "bob", map[string]string{"content": "b"})
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(resp.Data, &doc))
	assert.Equal(t, "b", doc.Content)
	assert.Equal(t, int64(2), doc.Version)

	code, _ = s.call(t, http.MethodPut, path, "bob", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.call(t, http.MethodDelete, path, "bob", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = s.call(t, http.MethodDelete, path, "carol", nil)
	require.Equal(t, http.StatusOK, code)

	code, _ = s.call(t, http.MethodGet, path, "carol", nil)
	assert.Equal(t, http.StatusNotFound, code)
}
