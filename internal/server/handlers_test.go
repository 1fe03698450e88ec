package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/mirip/internal/config"
	"github.com/hyperjump/mirip/internal/extract"
	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/internal/search"
	"github.com/hyperjump/mirip/internal/storage"
	"github.com/hyperjump/mirip/internal/vector"
)

var uploadBytes = []byte("a product photo")

type testEnv struct {
	srv   *Server
	index *vector.Index
}

// newTestEnv builds a catalog with three items plus one whose vector equals the
// mock embedding of uploadBytes.
func newTestEnv(t *testing.T, initialize bool) *testEnv {
	t.Helper()
	ext := extract.NewMockExtractor(4)
	uploadVec, err := ext.Extract(context.Background(), uploadBytes)
	if err != nil {
		t.Fatal(err)
	}
	rows := map[int64][]float32{
		1: {1, 0, 0, 0},
		2: {0.8, 0.6, 0, 0},
		3: {0, 1, 0, 0},
		7: uploadVec,
	}

	path := filepath.Join(t.TempDir(), "catalog.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`CREATE TABLE product (id INTEGER PRIMARY KEY, embedding TEXT)`); err != nil {
		t.Fatal(err)
	}
	for id, v := range rows {
		raw, _ := json.Marshal(v)
		if _, err := db.Exec(`INSERT INTO product (id, embedding) VALUES (?, ?)`, id, string(raw)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := db.Exec(`INSERT INTO product (id, embedding) VALUES (8, NULL)`); err != nil {
		t.Fatal(err)
	}
	db.Close()

	store, err := storage.NewSQLiteStore(path, storage.DefaultSchema())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Storage.DatabasePath = path
	cfg.Embedding.Dimensions = 4

	idx, err := vector.NewIndex(store, 4)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })
	if initialize {
		if _, err := idx.Initialize(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	engine := search.NewEngine(idx, ext, store, &cfg.Search)
	return &testEnv{srv: NewServer(engine, idx, cfg, zap.NewNop()), index: idx}
}

func (e *testEnv) do(t *testing.T, r *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, r)
	return w
}

func multipartUpload(t *testing.T, field string, data []byte, query string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, "photo.jpg")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(data)
	mw.Close()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/search/image"+query, &body)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	return r
}

func decodeSimilar(t *testing.T, w *httptest.ResponseRecorder) models.SimilarResponse {
	t.Helper()
	var resp models.SimilarResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestHandleSearchImage(t *testing.T) {
	env := newTestEnv(t, true)

	w := env.do(t, multipartUpload(t, "file", uploadBytes, "?k=2"))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", w.Code, w.Body.String())
	}
	resp := decodeSimilar(t, w)
	if len(resp.Results) != 2 || resp.Results[0].ID != 7 || resp.Results[0].Score != 100 {
		t.Errorf("results = %+v", resp.Results)
	}

	w = env.do(t, multipartUpload(t, "file", uploadBytes, ""))
	if resp := decodeSimilar(t, w); resp.Total != 4 {
		t.Errorf("default k: total = %d, want all 4 items", resp.Total)
	}
}

func TestHandleSearchImage_Errors(t *testing.T) {
	env := newTestEnv(t, true)
	tests := []struct {
		name     string
		req      *http.Request
		wantCode int
		wantErr  string
	}{
		{"empty image", multipartUpload(t, "file", nil, ""), http.StatusBadRequest, "could not process image"},
		{"wrong field", multipartUpload(t, "image", uploadBytes, ""), http.StatusBadRequest, "file is required"},
		{"bad k", multipartUpload(t, "file", uploadBytes, "?k=abc"), http.StatusBadRequest, "k must be an integer"},
		{"negative k", multipartUpload(t, "file", uploadBytes, "?k=-1"), http.StatusBadRequest, ""},
		{"not multipart", httptest.NewRequest(http.MethodPost, "/api/v1/search/image", strings.NewReader("x")), http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.req)
			if w.Code != tt.wantCode {
				t.Fatalf("status: got %d, want %d (%s)", w.Code, tt.wantCode, w.Body.String())
			}
			var out map[string]string
			if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
				t.Fatal(err)
			}
			if tt.wantErr != "" && out["error"] != tt.wantErr {
				t.Errorf("error = %q, want %q", out["error"], tt.wantErr)
			}
		})
	}
}

func TestHandleSearchImage_TooLarge(t *testing.T) {
	env := newTestEnv(t, true)
	env.srv.config.Server.MaxUploadBytes = 64
	w := env.do(t, multipartUpload(t, "file", bytes.Repeat([]byte("x"), 1024), ""))
	if w.Code != http.StatusRequestEntityTooLarge && w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d", w.Code)
	}
}

func TestHandleSearchImage_NotReady(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, multipartUpload(t, "file", uploadBytes, ""))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want 503", w.Code)
	}
}

func TestHandleSearchVector(t *testing.T) {
	env := newTestEnv(t, true)
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantIDs  []int64
	}{
		{"nearest", `{"vector":[1,0,0,0],"k":2}`, http.StatusOK, []int64{1, 2}},
		{"exclude", `{"vector":[1,0,0,0],"k":1,"exclude_id":1}`, http.StatusOK, []int64{2}},
		{"dimension mismatch", `{"vector":[1,0,0],"k":2}`, http.StatusBadRequest, nil},
		{"empty vector", `{"vector":[],"k":2}`, http.StatusBadRequest, nil},
		{"negative k", `{"vector":[1,0,0,0],"k":-3}`, http.StatusBadRequest, nil},
		{"bad json", `{"vector":`, http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/v1/search/vector", strings.NewReader(tt.body))
			r.Header.Set("Content-Type", "application/json")
			w := env.do(t, r)
			if w.Code != tt.wantCode {
				t.Fatalf("status: got %d, want %d (%s)", w.Code, tt.wantCode, w.Body.String())
			}
			if tt.wantIDs == nil {
				return
			}
			resp := decodeSimilar(t, w)
			if len(resp.Results) != len(tt.wantIDs) {
				t.Fatalf("results = %+v", resp.Results)
			}
			for i, id := range tt.wantIDs {
				if resp.Results[i].ID != id {
					t.Errorf("result %d: id %d, want %d", i, resp.Results[i].ID, id)
				}
			}
		})
	}
}

func TestHandleItemSimilar(t *testing.T) {
	env := newTestEnv(t, true)

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/items/1/similar?k=2", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	resp := decodeSimilar(t, w)
	if resp.Fallback || len(resp.Results) != 2 || resp.Results[0].ID != 2 || resp.Results[0].Score != 80 {
		t.Errorf("resp = %+v", resp)
	}

	// item 8 has no embedding
	w = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/items/8/similar", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("fallback status: got %d", w.Code)
	}
	resp = decodeSimilar(t, w)
	if !resp.Fallback || resp.Total != 4 {
		t.Errorf("fallback resp = %+v", resp)
	}

	w = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/items/abc/similar", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad id status: got %d", w.Code)
	}
}

func TestHandleResyncAndStatus(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/index/resync", nil))
	if w.Code != http.StatusAccepted {
		t.Fatalf("resync status: got %d", w.Code)
	}

	deadline := time.Now().Add(5 * time.Second)
	for env.index.State() != models.StateReady && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	w = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var out models.StatusResponse
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Index.State != models.StateReady || out.Index.RecordCount != 4 || out.Index.SourceCount != 4 {
		t.Errorf("index status = %+v", out.Index)
	}
	if out.Config.EmbeddingDimensions != 4 || out.Config.PageSize != 1000 {
		t.Errorf("config = %+v", out.Config)
	}
	if out.DatabaseSizeBytes == nil || *out.DatabaseSizeBytes <= 0 {
		t.Errorf("database size = %v", out.DatabaseSizeBytes)
	}
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status: got %d", w.Code)
	}
	var out map[string]string
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out["status"] != "ok" {
		t.Errorf("body = %v", out)
	}
}
