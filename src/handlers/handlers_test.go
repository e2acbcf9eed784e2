package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/tradejournal/backend/src/database"
	"github.com/username/tradejournal/backend/src/logger"
	"github.com/username/tradejournal/backend/src/processors"
	"github.com/username/tradejournal/backend/src/security"
	"github.com/username/tradejournal/backend/src/services"
	"golang.org/x/time/rate"
)

const testSecret = "handler-tests-secret-that-is-long-enough"

const partialExitCSV = `Symbol,Qty,Price,Side,Time
AAPL,1000,10,BUY,2024-03-01 09:30:00
AAPL,400,12,SELL,2024-03-01 10:30:00
AAPL,600,11,SELL,2024-03-01 11:30:00
`

type testServer struct {
	handler    http.Handler
	userToken  string
	adminToken string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := logger.Discard()
	db, err := database.Open(filepath.Join(t.TempDir(), "handlers.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.RunMigrations())

	reportCache := cache.New(services.DefaultCacheExpiration, services.CacheCleanupInterval)
	registry := services.NewBrokerFormatService(db, log, cache.New(services.DefaultCacheExpiration, services.CacheCleanupInterval), 0)
	ingestion := services.NewCsvIngestionService(db, log, registry, nil, reportCache, services.IngestionOptions{})
	trades := services.NewTradeService(db, log, processors.NewFeeProcessor(), reportCache)
	auth := security.NewAuthService(testSecret)

	userToken, err := auth.GenerateToken(7, false, time.Hour)
	require.NoError(t, err)
	adminToken, err := auth.GenerateToken(1, true, time.Hour)
	require.NoError(t, err)

	return &testServer{
		handler: NewRouter(RouterDeps{
			Auth:           auth,
			AllowedOrigins: []string{"http://localhost:5173"},
			Limiter:        rate.NewLimiter(rate.Inf, 0),
			Upload:         NewUploadHandler(ingestion, 1<<20),
			Trades:         NewTradeHandler(trades),
			Fees:           NewFeeHandler(trades),
			Brokers:        NewBrokerHandler(registry),
			AiIngest:       NewAiIngestHandler(services.NewAiIngestService(db, log)),
		}),
		userToken:  userToken,
		adminToken: adminToken,
	}
}

func (s *testServer) do(t *testing.T, req *http.Request, token string) *httptest.ResponseRecorder {
	t.Helper()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) doJSON(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return s.do(t, req, token)
}

func multipartUpload(t *testing.T, filename, content string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", "text/csv")
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("accountTags", "swing, ira"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/import/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// importAndApprove uploads content and approves the heuristic proposal, returning the batch id.
func (s *testServer) importAndApprove(t *testing.T, content string) string {
	t.Helper()
	rec := s.do(t, multipartUpload(t, "trades.csv", content), s.userToken)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	batchID := decodeBody(t, rec)["importBatchId"].(string)

	rec = s.doJSON(t, http.MethodPost, "/api/import/batches/"+batchID+"/finalize",
		map[string]any{"approved": true, "brokerName": "Acme"}, s.userToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return batchID
}

func TestUploadReviewFinalize(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, multipartUpload(t, "trades.csv", partialExitCSV), srv.userToken)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "PENDING", body["status"])
	require.Contains(t, body, "pendingReview")
	batchID := body["importBatchId"].(string)

	rec = srv.doJSON(t, http.MethodGet, "/api/import/batches/"+batchID, nil, srv.userToken)
	require.Equal(t, http.StatusOK, rec.Code)
	batch := decodeBody(t, rec)
	assert.Equal(t, []any{"swing", "ira"}, batch["account_tags"])
	assert.Contains(t, batch, "pendingReview")

	rec = srv.doJSON(t, http.MethodPost, "/api/import/batches/"+batchID+"/finalize", map[string]any{"brokerName": "Acme"}, srv.userToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "approved is required")

	rec = srv.doJSON(t, http.MethodPost, "/api/import/batches/"+batchID+"/finalize",
		map[string]any{"approved": true, "corrections": map[string]string{"Qty": "strike"}}, srv.userToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.doJSON(t, http.MethodPost, "/api/import/batches/"+batchID+"/finalize",
		map[string]any{"approved": true, "brokerName": "Acme"}, srv.userToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	final := decodeBody(t, rec)
	assert.Equal(t, "COMPLETED", final["status"])
	assert.Equal(t, float64(3), final["successCount"])

	rec = srv.doJSON(t, http.MethodPost, "/api/import/batches/"+batchID+"/finalize",
		map[string]any{"approved": true}, srv.userToken)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = srv.doJSON(t, http.MethodGet, "/api/import/batches/"+batchID, nil, srv.userToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decodeBody(t, rec), "finalizedMapping")

	rec = srv.doJSON(t, http.MethodGet, "/api/brokers/formats", nil, srv.userToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var formats []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &formats))
	require.Len(t, formats, 1)
	assert.Equal(t, "Format 1", formats[0]["format_name"])

	req := httptest.NewRequest(http.MethodPost, "/api/import/upload?filename=again.csv", strings.NewReader(partialExitCSV))
	req.Header.Set("Content-Type", "text/csv")
	rec = srv.do(t, req, srv.userToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	again := decodeBody(t, rec)
	assert.Equal(t, "REGISTRY", again["mappingSource"])
	assert.Equal(t, float64(3), again["skippedCount"])
}

func TestUpload_Rejections(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name        string
		contentType string
		body        string
		wantStatus  int
		wantLine    float64
	}{
		{"header only", "text/csv", "Symbol,Qty\n", http.StatusBadRequest, 1},
		{"disallowed type", "application/octet-stream", "Symbol,Qty\nA,1\n", http.StatusUnsupportedMediaType, 0},
		{"binary content", "text/csv", "Symbol\x00Qty\n", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/import/upload?filename=x.csv", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			rec := srv.do(t, req, srv.userToken)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantLine > 0 {
				body := decodeBody(t, rec)
				assert.Equal(t, tt.wantLine, body["line"])
				assert.NotEmpty(t, body["importBatchId"])
				assert.Equal(t, false, body["retryable"])
			}
		})
	}
}

func TestDeleteTrades_ConflictPayload(t *testing.T) {
	srv := newTestServer(t)
	srv.importAndApprove(t, partialExitCSV)

	rec := srv.doJSON(t, http.MethodGet, "/api/trades?status=closed", nil, srv.userToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var trades []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trades))
	require.Len(t, trades, 2)
	first, second := trades[0]["id"].(float64), trades[1]["id"].(float64)

	rec = srv.doJSON(t, http.MethodPost, "/api/trades/delete", map[string]any{"tradeIds": []float64{first}}, srv.userToken)
	require.Equal(t, http.StatusConflict, rec.Code)
	conflict := decodeBody(t, rec)
	assert.Equal(t, float64(1), conflict["sharedOrderCount"])
	assert.Equal(t, []any{second}, conflict["conflictingTradeIds"])
	assert.NotEmpty(t, conflict["error"])

	rec = srv.doJSON(t, http.MethodPost, "/api/trades/delete", map[string]any{"tradeIds": []int64{}}, srv.userToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.doJSON(t, http.MethodPost, "/api/trades/delete", map[string]any{"tradeIds": []float64{first, second}}, srv.userToken)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = srv.doJSON(t, http.MethodGet, fmt.Sprintf("/api/trades/%d", int64(first)), nil, srv.userToken)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTradeJournalEndpoints(t *testing.T) {
	srv := newTestServer(t)
	srv.importAndApprove(t, partialExitCSV)

	rec := srv.doJSON(t, http.MethodGet, "/api/trades?limit=1", nil, srv.userToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var trades []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trades))
	require.Len(t, trades, 1)
	id := int64(trades[0]["id"].(float64))
	path := fmt.Sprintf("/api/trades/%d", id)

	rec = srv.doJSON(t, http.MethodPut, path+"/notes/draft", map[string]string{"notes": "scaled out too early"}, srv.userToken)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	rec = srv.doJSON(t, http.MethodPost, path+"/notes/commit", nil, srv.userToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "scaled out too early", decodeBody(t, rec)["notes"])

	rec = srv.doJSON(t, http.MethodPut, path+"/tags", map[string][]string{"tags": {"breakout", "breakout"}}, srv.userToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"breakout"}, decodeBody(t, rec)["tags"])

	rec = srv.doJSON(t, http.MethodGet, "/api/trades/abc", nil, srv.userToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.doJSON(t, http.MethodGet, "/api/trades?from=03/01/2024", nil, srv.userToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.doJSON(t, http.MethodGet, "/api/trades/stats", nil, srv.userToken)
	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req := httptest.NewRequest(http.MethodGet, "/api/trades/stats", nil)
	req.Header.Set("If-None-Match", etag)
	rec = srv.do(t, req, srv.userToken)
	assert.Equal(t, http.StatusNotModified, rec.Code)

	rec = srv.doJSON(t, http.MethodGet, "/api/fees", nil, srv.userToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var fees []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fees))
	assert.Empty(t, fees, "the file carries no charges")
}

func TestAuthAndAdmin(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name       string
		path       string
		token      string
		wantStatus int
	}{
		{"template is public", "/api/import/template", "", http.StatusOK},
		{"missing token", "/api/trades", "", http.StatusUnauthorized},
		{"bad token", "/api/trades", "not.a.token", http.StatusUnauthorized},
		{"user on admin route", "/api/admin/ai-ingest", srv.userToken, http.StatusForbidden},
		{"admin route", "/api/admin/ai-ingest", srv.adminToken, http.StatusOK},
		{"accuracy", "/api/admin/ai-ingest/accuracy", srv.adminToken, http.StatusOK},
		{"bad status filter", "/api/admin/ai-ingest?status=unknown", srv.adminToken, http.StatusBadRequest},
		{"unknown api path", "/api/nope", srv.userToken, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := srv.doJSON(t, http.MethodGet, tt.path, nil, tt.token)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
		})
	}

	rec := srv.doJSON(t, http.MethodGet, "/api/import/template", nil, "")
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "Symbol,Side,Quantity,Price"))
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/trades", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := srv.do(t, req, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/trades", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = srv.do(t, req, "")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
