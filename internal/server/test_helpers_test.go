package server

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/openbox/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/openbox/backend/internal/projects"
	"github.com/MarcoPoloResearchLab/openbox/backend/internal/store"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testIssuer        = "openbox"
	testCookieName    = "openbox_session"
)

type routerFixture struct {
	handler    http.Handler
	dispatcher *RealtimeDispatcher
	issuer     *auth.TokenIssuer
}

func newRouterFixture(t *testing.T, logger *zap.Logger, limits UploadLimits) routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "server.db")), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.AutoMigrate(store.Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	dispatcher := NewRealtimeDispatcher()
	service, err := projects.NewService(projects.ServiceConfig{
		Database:   database,
		IDProvider: projects.NewUUIDProvider(),
		Logger:     logger,
		Listener:   dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to construct projects service: %v", err)
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct session validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: validator,
		ProjectsService:  service,
		Realtime:         dispatcher,
		Logger:           logger,
		UploadLimits:     limits,
		Heartbeat:        time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return routerFixture{handler: handler, dispatcher: dispatcher, issuer: issuer}
}

func (f routerFixture) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := f.issuer.Issue(auth.Identity{UserID: userID})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (f routerFixture) do(t *testing.T, userID string, request *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	if userID != "" {
		request.Header.Set("Authorization", "Bearer "+f.token(t, userID))
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func (f routerFixture) doJSON(t *testing.T, userID, method, target string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body := io.Reader(http.NoBody)
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to encode payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, target, body)
	request.Header.Set("Content-Type", "application/json")
	return f.do(t, userID, request)
}

func (f routerFixture) importArchive(t *testing.T, userID string, files map[string]string) ingestResponsePayload {
	t.Helper()
	request := newMultipartRequest(t, "/projects/import", map[string]string{"name": "Demo Site"}, buildArchive(t, files))
	recorder := f.do(t, userID, request)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("unexpected import status %d: %s", recorder.Code, recorder.Body.String())
	}
	var response ingestResponsePayload
	decodeBody(t, recorder, &response)
	return response
}

func newMultipartRequest(t *testing.T, target string, fields map[string]string, archive []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("failed to write field: %v", err)
		}
	}
	if archive != nil {
		part, err := writer.CreateFormFile(archiveFormField, "site.zip")
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		if _, err := part.Write(archive); err != nil {
			t.Fatalf("failed to write archive: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, target, &body)
	request.Header.Set("Content-Type", writer.FormDataContentType())
	return request
}

func buildArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buffer bytes.Buffer
	writer := zip.NewWriter(&buffer)
	for name, content := range files {
		entry, err := writer.Create(name)
		if err != nil {
			t.Fatalf("failed to create zip entry: %v", err)
		}
		if _, err := entry.Write([]byte(content)); err != nil {
			t.Fatalf("failed to write zip entry: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close zip writer: %v", err)
	}
	return buffer.Bytes()
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func expectError(t *testing.T, recorder *httptest.ResponseRecorder, status int, kind string) errorResponse {
	t.Helper()
	if recorder.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, recorder.Code, recorder.Body.String())
	}
	var response errorResponse
	decodeBody(t, recorder, &response)
	if response.Error != kind {
		t.Fatalf("expected error kind %q, got %+v", kind, response)
	}
	return response
}
