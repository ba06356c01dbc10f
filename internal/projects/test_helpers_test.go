package projects

import (
	"archive/zip"
	"bytes"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/openbox/backend/internal/diffcache"
	"github.com/MarcoPoloResearchLab/openbox/backend/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type sequenceIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("id-%04d", p.next), nil
}

type recordingListener struct {
	mu     sync.Mutex
	events []CommitEvent
}

func (l *recordingListener) CommitCreated(event CommitEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

type serviceFixture struct {
	service  *Service
	database *gorm.DB
	cache    *diffcache.MemoryCache
	listener *recordingListener
}

func newTestService(t *testing.T, logger *zap.Logger) serviceFixture {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "projects.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{TranslateError: true})
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

	cache := diffcache.NewMemoryCache(8)
	listener := &recordingListener{}
	service, err := NewService(ServiceConfig{
		Database:    database,
		Cache:       cache,
		Clock:       func() time.Time { return time.Unix(1700000000, 0).UTC() },
		IDProvider:  &sequenceIDProvider{},
		Logger:      logger,
		DiffWorkers: 2,
		Listener:    listener,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return serviceFixture{service: service, database: database, cache: cache, listener: listener}
}

type zipEntry struct {
	name    string
	content string
}

func buildArchive(t *testing.T, entries ...zipEntry) []byte {
	t.Helper()
	var buffer bytes.Buffer
	writer := zip.NewWriter(&buffer)
	for _, entry := range entries {
		handle, err := writer.Create(entry.name)
		if err != nil {
			t.Fatalf("failed to create zip entry: %v", err)
		}
		if _, err := handle.Write([]byte(entry.content)); err != nil {
			t.Fatalf("failed to write zip entry: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close zip: %v", err)
	}
	return buffer.Bytes()
}

func countRows(t *testing.T, database *gorm.DB, model any) int64 {
	t.Helper()
	var count int64
	if err := database.Model(model).Count(&count).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	return count
}

func mustImport(t *testing.T, service *Service, authorID, filename string, entries ...zipEntry) IngestResult {
	t.Helper()
	result, err := service.CreateProjectFromArchive(t.Context(), authorID, ArchiveImport{
		Filename: filename,
		Data:     buildArchive(t, entries...),
	})
	if err != nil {
		t.Fatalf("unexpected import error: %v", err)
	}
	return result
}
