package projects

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/MarcoPoloResearchLab/openbox/backend/internal/archive"
	"github.com/MarcoPoloResearchLab/openbox/backend/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errDiskFull = errors.New("disk full")

// failFileUpdates fails updates of the files table that set column whenever enabled accepts the targeted file id.
func failFileUpdates(t *testing.T, database *gorm.DB, name, column string, enabled func(fileID any) bool) {
	t.Helper()
	err := database.Callback().Update().Before("gorm:update").Register(name, func(db *gorm.DB) {
		if db.Statement.Table != "files" {
			return
		}
		values, ok := db.Statement.Dest.(map[string]any)
		if !ok {
			return
		}
		if _, touches := values[column]; !touches {
			return
		}
		if enabled(firstWhereValue(db.Statement)) {
			_ = db.AddError(errDiskFull)
		}
	})
	if err != nil {
		t.Fatalf("failed to register update callback: %v", err)
	}
}

// firstWhereValue returns the first bound value of the statement's WHERE clause.
func firstWhereValue(statement *gorm.Statement) any {
	whereClause, ok := statement.Clauses["WHERE"]
	if !ok {
		return nil
	}
	where, ok := whereClause.Expression.(clause.Where)
	if !ok || len(where.Exprs) == 0 {
		return nil
	}
	expr, ok := where.Exprs[0].(clause.Expr)
	if !ok || len(expr.Vars) == 0 {
		return nil
	}
	return expr.Vars[0]
}

func latestByPath(t *testing.T, service *Service, projectID string) map[string]store.File {
	t.Helper()
	files, err := service.ListFiles(t.Context(), projectID)
	if err != nil {
		t.Fatalf("unexpected list files error: %v", err)
	}
	byPath := make(map[string]store.File, len(files))
	for _, file := range files {
		byPath[file.FilePath] = file
	}
	return byPath
}

func TestStorageFaultDuringIngestLeavesNoPartialCommit(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	fixture := newTestService(t, zap.New(core))
	imported := mustImport(t, fixture.service, "alice", "site.zip",
		zipEntry{name: "site/a.txt", content: "hello"},
		zipEntry{name: "site/b.txt", content: "bee"},
	)
	projectID := imported.Project.ProjectID

	var failing atomic.Bool
	failing.Store(true)
	failFileUpdates(t, fixture.database, "test:fail_file_writes", "latest_content", func(any) bool {
		return failing.Load()
	})

	// the new file is created and the commit recorded before the update of a.txt fails
	update := []ChangeSource{ArchiveSource{Filename: "site.zip", Data: buildArchive(t,
		zipEntry{name: "site/c.txt", content: "sea"},
		zipEntry{name: "site/a.txt", content: "hello, world"},
	)}}
	_, err := fixture.service.CommitChanges(t.Context(), "alice", projectID, update, "", "")
	if KindOf(err) != KindStorage {
		t.Fatalf("expected storage failure, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || !serviceErr.Retryable() {
		t.Fatalf("expected a retryable service error, got %v", err)
	}
	if !errors.Is(err, errDiskFull) {
		t.Fatalf("expected the storage cause to remain reachable, got %v", err)
	}

	if commits := countRows(t, fixture.database, &store.Commit{}); commits != 1 {
		t.Fatalf("expected only the initial commit, got %d", commits)
	}
	if changes := countRows(t, fixture.database, &store.FileChange{}); changes != 2 {
		t.Fatalf("expected only the initial file changes, got %d", changes)
	}
	if files := countRows(t, fixture.database, &store.File{}); files != 2 {
		t.Fatalf("expected the created file to be rolled back, got %d files", files)
	}
	files := latestByPath(t, fixture.service, projectID)
	if file := files["site/a.txt"]; file.LatestVersion != 1 || file.LatestContent != "hello" {
		t.Fatalf("expected a.txt to stay at version 1, got v%d %q", file.LatestVersion, file.LatestContent)
	}
	if fixture.listener.count() != 1 {
		t.Fatalf("expected no event for the failed commit, got %d events", fixture.listener.count())
	}
	if entries := logs.FilterField(zap.String("reason", "transaction_failed")).All(); len(entries) != 1 {
		t.Fatalf("expected the failed transaction to be logged once, got %d", len(entries))
	}

	failing.Store(false)
	retried, err := fixture.service.CommitChanges(t.Context(), "alice", projectID, update, "", "")
	if err != nil {
		t.Fatalf("expected the retry to succeed: %v", err)
	}
	if retried.Commit.Sequence != 2 || len(retried.Commit.Files) != 2 {
		t.Fatalf("unexpected retried commit: sequence %d with %d files", retried.Commit.Sequence, len(retried.Commit.Files))
	}
	files = latestByPath(t, fixture.service, projectID)
	if file := files["site/a.txt"]; file.LatestVersion != 2 || file.LatestContent != "hello, world" {
		t.Fatalf("expected a.txt at version 2, got v%d %q", file.LatestVersion, file.LatestContent)
	}
}

func TestCommitLinkFailureDoesNotStopRemainingLinks(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	fixture := newTestService(t, zap.New(core))

	// ids are sequential: id-0001 is the project, id-0002 the commit, id-0003 the first file
	const brokenFileID = "id-0003"
	failFileUpdates(t, fixture.database, "test:fail_commit_links", "last_commit_id", func(fileID any) bool {
		return fileID == brokenFileID
	})

	result := mustImport(t, fixture.service, "alice", "site.zip",
		zipEntry{name: "site/a.txt", content: "hello"},
		zipEntry{name: "site/b.txt", content: "bee"},
		zipEntry{name: "site/c.txt", content: "sea"},
	)

	if result.Files[0].FileID != brokenFileID {
		t.Fatalf("expected the first file to receive %s, got %s", brokenFileID, result.Files[0].FileID)
	}
	if result.Files[0].LastCommitID != nil {
		t.Fatalf("expected the failed link to stay unset, got %v", *result.Files[0].LastCommitID)
	}
	for _, file := range result.Files[1:] {
		if file.LastCommitID == nil || *file.LastCommitID != result.Commit.CommitID {
			t.Fatalf("expected %s to be linked after the earlier failure, got %v", file.FilePath, file.LastCommitID)
		}
	}
	if fixture.listener.count() != 1 {
		t.Fatalf("expected the commit to be announced despite the link failure")
	}

	entries := logs.FilterField(zap.String("reason", "commit_link_failed")).All()
	if len(entries) != 1 {
		t.Fatalf("expected one logged link failure, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["file_id"] != brokenFileID || fields["commit_id"] != result.Commit.CommitID {
		t.Fatalf("unexpected log fields %v", fields)
	}

	stored := latestByPath(t, fixture.service, result.Project.ProjectID)
	if stored["site/a.txt"].LastCommitID != nil {
		t.Fatalf("expected a.txt to be unlinked in storage")
	}
	if link := stored["site/c.txt"].LastCommitID; link == nil || *link != result.Commit.CommitID {
		t.Fatalf("expected c.txt to be linked in storage, got %v", link)
	}

	repaired, err := fixture.service.store.BackfillCommitLinks(t.Context())
	if err != nil {
		t.Fatalf("unexpected backfill error: %v", err)
	}
	if repaired != 1 {
		t.Fatalf("expected one repaired link, got %d", repaired)
	}
	if link := latestByPath(t, fixture.service, result.Project.ProjectID)["site/a.txt"].LastCommitID; link == nil || *link != result.Commit.CommitID {
		t.Fatalf("expected backfill to link a.txt, got %v", link)
	}
}

func TestArchivesInOneCommitShareLimits(t *testing.T) {
	fixture := newTestService(t, nil)
	imported := mustImport(t, fixture.service, "alice", "site.zip", zipEntry{name: "site/a.txt", content: "hello"})
	fixture.service.archiveLimits = archive.Limits{MaxEntries: 10, MaxTotalBytes: 8}

	sources := []ChangeSource{
		ArchiveSource{Filename: "one.zip", Data: buildArchive(t, zipEntry{name: "one.txt", content: "12345"})},
		ArchiveSource{Filename: "two.zip", Data: buildArchive(t, zipEntry{name: "two.txt", content: "6789"})},
	}
	_, err := fixture.service.CommitChanges(t.Context(), "alice", imported.Project.ProjectID, sources, "", "")
	if !errors.Is(err, archive.ErrArchiveTooLarge) {
		t.Fatalf("expected the combined archives to exceed the limits, got %v", err)
	}
	if KindOf(err) != KindArchiveTooLarge {
		t.Fatalf("expected archive too large kind, got %s", KindOf(err))
	}
	if commits := countRows(t, fixture.database, &store.Commit{}); commits != 1 {
		t.Fatalf("expected no new commit, got %d commits", commits)
	}
}
