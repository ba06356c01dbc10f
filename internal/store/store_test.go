package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var fixedNow = time.Unix(1700000000, 0).UTC()

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "store.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(Models()...))

	store, err := New(Config{Database: db, Clock: func() time.Time { return fixedNow }})
	require.NoError(t, err)
	return store, db
}

func seedProject(t *testing.T, store *Store, projectID, ownerID string) Project {
	t.Helper()
	project := Project{ProjectID: projectID, Name: "Demo " + projectID, Slug: "demo-" + projectID, OwnerID: ownerID}
	require.NoError(t, store.CreateProject(context.Background(), &project))
	return project
}

func TestNewRequiresDatabase(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestProjectLifecycle(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	seedProject(t, store, "p1", "owner")
	seedProject(t, store, "p2", "someone-else")

	err := store.CreateProject(ctx, &Project{ProjectID: "p1", Name: "dup", OwnerID: "owner"})
	require.ErrorIs(t, err, ErrProjectExists)
	err = store.CreateProject(ctx, &Project{ProjectID: "p3", Name: "  ", OwnerID: "owner"})
	require.ErrorIs(t, err, ErrInvalidRecord)

	require.NoError(t, store.AddCollaborator(ctx, "p2", "owner"))
	require.ErrorIs(t, store.AddCollaborator(ctx, "p2", "owner"), ErrCollaboratorExists)

	projects, err := store.ListProjectsForUser(ctx, "owner")
	require.NoError(t, err)
	require.Len(t, projects, 2)

	loaded, err := store.GetProject(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, []string{"owner"}, loaded.CollaboratorIDs())
	assert.True(t, loaded.HasMember("owner"))
	assert.True(t, loaded.HasMember("someone-else"))
	assert.False(t, loaded.HasMember("stranger"))

	updated, err := store.UpdateProjectDescription(ctx, "p2", "a better description")
	require.NoError(t, err)
	assert.Equal(t, "a better description", updated.Description)

	require.NoError(t, store.RemoveCollaborator(ctx, "p2", "owner"))
	require.ErrorIs(t, store.RemoveCollaborator(ctx, "p2", "owner"), ErrCollaboratorNotFound)

	projects, err = store.ListProjectsForUser(ctx, "owner")
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "p1", projects[0].ProjectID)

	_, err = store.GetProject(ctx, "missing")
	require.ErrorIs(t, err, ErrProjectNotFound)
	_, err = store.UpdateProjectDescription(ctx, "missing", "x")
	require.ErrorIs(t, err, ErrProjectNotFound)
}

func TestUpsertFileAdvancesVersionConditionally(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	seedProject(t, store, "p1", "owner")

	created, err := store.UpsertFile(ctx, FileWrite{FileID: "f1", ProjectID: "p1", Path: "a.txt", Name: "a.txt", Content: "hello", AuthorID: "owner"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.LatestVersion)
	assert.Nil(t, created.LastCommitID)

	_, err = store.UpsertFile(ctx, FileWrite{FileID: "f-other", ProjectID: "p1", Path: "a.txt", Name: "a.txt", Content: "race", AuthorID: "owner"})
	require.ErrorIs(t, err, ErrVersionConflict)

	updated, err := store.UpsertFile(ctx, FileWrite{FileID: "f1", ProjectID: "p1", Path: "a.txt", Name: "a.txt", Content: "hello world", AuthorID: "editor", ExpectedVersion: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.LatestVersion)
	assert.Equal(t, "hello world", updated.LatestContent)
	assert.Equal(t, "editor", updated.ModifiedBy)

	_, err = store.UpsertFile(ctx, FileWrite{FileID: "f1", ProjectID: "p1", Path: "a.txt", Name: "a.txt", Content: "stale", AuthorID: "owner", ExpectedVersion: 1})
	require.ErrorIs(t, err, ErrVersionConflict)

	latest, err := store.GetLatest(ctx, "p1", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", latest.LatestContent)

	_, err = store.GetLatest(ctx, "p1", "missing.txt")
	require.ErrorIs(t, err, ErrFileNotFound)

	require.NoError(t, store.LinkCommit(ctx, "f1", "c1"))
	linked, err := store.GetFile(ctx, "f1")
	require.NoError(t, err)
	require.NotNil(t, linked.LastCommitID)
	assert.Equal(t, "c1", *linked.LastCommitID)
	require.ErrorIs(t, store.LinkCommit(ctx, "nope", "c1"), ErrFileNotFound)
}

type recordingWriter struct {
	mu      sync.Mutex
	entries []string
}

func (w *recordingWriter) Printf(format string, args ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, fmt.Sprintf(format, args...))
}

func (w *recordingWriter) containing(fragment string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var matched []string
	for _, entry := range w.entries {
		if strings.Contains(entry, fragment) {
			matched = append(matched, entry)
		}
	}
	return matched
}

func TestGetLatestMissingPathIsNotLoggedAsError(t *testing.T) {
	store, db := newTestStore(t)
	writer := &recordingWriter{}
	store.db = db.Session(&gorm.Session{Logger: gormlogger.New(writer, gormlogger.Config{LogLevel: gormlogger.Warn})})
	ctx := context.Background()
	seedProject(t, store, "p1", "owner")

	_, err := store.GetLatest(ctx, "p1", "new.txt")
	require.ErrorIs(t, err, ErrFileNotFound)
	err = store.Transaction(ctx, func(tx *Store) error {
		_, err := tx.GetLatest(ctx, "p1", "other.txt")
		return err
	})
	require.ErrorIs(t, err, ErrFileNotFound)
	assert.Empty(t, writer.containing(gorm.ErrRecordNotFound.Error()))

	// the same writer still sees genuine not-found errors
	_, err = store.GetFile(ctx, "missing")
	require.ErrorIs(t, err, ErrFileNotFound)
	assert.Len(t, writer.containing(gorm.ErrRecordNotFound.Error()), 1)
}

func TestCreateCommitAssignsSequenceAndPositions(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	seedProject(t, store, "p1", "owner")

	require.ErrorIs(t, store.CreateCommit(ctx, &Commit{CommitID: "c0", ProjectID: "p1"}), ErrEmptyCommit)

	first := Commit{
		CommitID: "c1", ProjectID: "p1", AuthorID: "owner", Title: "Initial import",
		Files: []FileChange{
			{FileID: "f1", FilePath: "b.txt", FileName: "b.txt", Version: 1, Content: "b"},
			{FileID: "f2", FilePath: "a.txt", FileName: "a.txt", Version: 1, Content: "a"},
		},
	}
	require.NoError(t, store.CreateCommit(ctx, &first))
	second := Commit{
		CommitID: "c2", ProjectID: "p1", AuthorID: "owner", Title: "Updated files",
		Files: []FileChange{{FileID: "f2", FilePath: "a.txt", FileName: "a.txt", Version: 2, Content: "aa", Diff: "@@ -1 +1,2 @@\n a\n+a\n"}},
	}
	require.NoError(t, store.CreateCommit(ctx, &second))
	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, int64(2), second.Sequence)

	loaded, err := store.GetCommit(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, loaded.Files, 2)
	assert.Equal(t, "b.txt", loaded.Files[0].FilePath)
	assert.Equal(t, 1, loaded.Files[0].Position)
	assert.Equal(t, "a.txt", loaded.Files[1].FilePath)
	assert.Equal(t, "p1", loaded.Files[1].ProjectID)

	_, err = store.GetCommit(ctx, "missing")
	require.ErrorIs(t, err, ErrCommitNotFound)

	commits, err := store.ListCommits(ctx, "p1", 0, 0)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, "c2", commits[0].CommitID)
	assert.Equal(t, "c1", commits[1].CommitID)

	change, err := store.FindFileChange(ctx, "p1", "a.txt", 2)
	require.NoError(t, err)
	assert.Equal(t, "aa", change.Content)
	_, err = store.FindFileChange(ctx, "p1", "a.txt", 3)
	require.ErrorIs(t, err, ErrVersionNotFound)

	history, err := store.CommitsForFile(ctx, "f2")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "c2", history[0].CommitID)
	require.Len(t, history[1].Files, 1)
	assert.Equal(t, "a.txt", history[1].Files[0].FilePath)

	duplicate := Commit{
		CommitID: "c3", ProjectID: "p1", AuthorID: "owner", Title: "dup",
		Files: []FileChange{{FileID: "f2", FilePath: "a.txt", FileName: "a.txt", Version: 2, Content: "again"}},
	}
	require.ErrorIs(t, store.CreateCommit(ctx, &duplicate), ErrVersionConflict)
	_, err = store.GetCommit(ctx, "c3")
	require.ErrorIs(t, err, ErrCommitNotFound)
}

func TestIterateCommitsPagesLazily(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	seedProject(t, store, "p1", "owner")

	for index, commitID := range []string{"c1", "c2", "c3"} {
		commit := Commit{
			CommitID: commitID, ProjectID: "p1", AuthorID: "owner", Title: commitID,
			Files: []FileChange{{FileID: "f1", FilePath: "a.txt", FileName: "a.txt", Version: int64(index + 1), Content: commitID}},
		}
		require.NoError(t, store.CreateCommit(ctx, &commit))
	}

	var seen []string
	for commit, err := range store.IterateCommits(ctx, "p1", 2) {
		require.NoError(t, err)
		seen = append(seen, commit.CommitID)
	}
	assert.Equal(t, []string{"c3", "c2", "c1"}, seen)

	seen = nil
	for commit, err := range store.IterateCommits(ctx, "p1", 2) {
		require.NoError(t, err)
		seen = append(seen, commit.CommitID)
		if len(seen) == 1 {
			break
		}
	}
	assert.Equal(t, []string{"c3"}, seen)

	count := 0
	for _, err := range store.IterateCommits(ctx, "empty-project", 2) {
		require.NoError(t, err)
		count++
	}
	assert.Zero(t, count)
}

func TestTransactionRollsBackEveryWrite(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	abort := errors.New("abort")

	err := store.Transaction(ctx, func(tx *Store) error {
		project := Project{ProjectID: "p1", Name: "Temp", Slug: "temp", OwnerID: "owner"}
		if err := tx.CreateProject(ctx, &project); err != nil {
			return err
		}
		commit := Commit{
			CommitID: "c1", ProjectID: "p1", AuthorID: "owner", Title: "Initial import",
			Files: []FileChange{{FileID: "f1", FilePath: "a.txt", FileName: "a.txt", Version: 1, Content: "a"}},
		}
		if err := tx.CreateCommit(ctx, &commit); err != nil {
			return err
		}
		if _, err := tx.UpsertFile(ctx, FileWrite{FileID: "f1", ProjectID: "p1", Path: "a.txt", Name: "a.txt", Content: "a", AuthorID: "owner"}); err != nil {
			return err
		}
		return abort
	})
	require.ErrorIs(t, err, abort)

	for _, model := range Models() {
		var count int64
		require.NoError(t, db.Model(model).Count(&count).Error)
		assert.Zero(t, count)
	}
}

func TestBackfillCommitLinks(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	seedProject(t, store, "p1", "owner")

	_, err := store.UpsertFile(ctx, FileWrite{FileID: "f1", ProjectID: "p1", Path: "a.txt", Name: "a.txt", Content: "a", AuthorID: "owner"})
	require.NoError(t, err)
	_, err = store.UpsertFile(ctx, FileWrite{FileID: "f2", ProjectID: "p1", Path: "orphan.txt", Name: "orphan.txt", Content: "o", AuthorID: "owner"})
	require.NoError(t, err)
	commit := Commit{
		CommitID: "c1", ProjectID: "p1", AuthorID: "owner", Title: "Initial import",
		Files: []FileChange{{FileID: "f1", FilePath: "a.txt", FileName: "a.txt", Version: 1, Content: "a"}},
	}
	require.NoError(t, store.CreateCommit(ctx, &commit))

	repaired, err := store.BackfillCommitLinks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), repaired)

	file, err := store.GetFile(ctx, "f1")
	require.NoError(t, err)
	require.NotNil(t, file.LastCommitID)
	assert.Equal(t, "c1", *file.LastCommitID)

	orphan, err := store.GetFile(ctx, "f2")
	require.NoError(t, err)
	assert.Nil(t, orphan.LastCommitID)
}
