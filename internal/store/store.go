// Package store persists projects, files and immutable commits through GORM.
package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrProjectNotFound indicates that no project matched the identifier.
	ErrProjectNotFound = errors.New("store: project not found")
	// ErrProjectExists indicates that a project with the identifier is already stored.
	ErrProjectExists = errors.New("store: project already exists")
	// ErrFileNotFound indicates that no file matched the lookup.
	ErrFileNotFound = errors.New("store: file not found")
	// ErrCommitNotFound indicates that no commit matched the identifier.
	ErrCommitNotFound = errors.New("store: commit not found")
	// ErrVersionNotFound indicates that no snapshot exists for the requested file version.
	ErrVersionNotFound = errors.New("store: version not found")
	// ErrVersionConflict indicates that a concurrent writer already advanced the file version.
	ErrVersionConflict = errors.New("store: version conflict")
	// ErrEmptyCommit indicates an attempt to persist a commit without file changes.
	ErrEmptyCommit = errors.New("store: commit has no file changes")
	// ErrCollaboratorExists indicates that the user already collaborates on the project.
	ErrCollaboratorExists = errors.New("store: collaborator already exists")
	// ErrCollaboratorNotFound indicates that the user does not collaborate on the project.
	ErrCollaboratorNotFound = errors.New("store: collaborator not found")
	// ErrInvalidRecord indicates that a record is missing required fields.
	ErrInvalidRecord = errors.New("store: invalid record")

	errMissingDatabase = errors.New("store: database handle is required")
)

const defaultPageSize = 50

// Config wires the store dependencies.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Store is the data access layer for the versioned project tables.
type Store struct {
	db      *gorm.DB
	clock   func() time.Time
	locking bool
}

// New constructs a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, clock: clock}, nil
}

// Transaction runs fn against a store bound to a single database transaction.
// Reads of files inside fn take row locks where the dialect supports them.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, clock: s.clock, locking: true})
	})
}

func (s *Store) now() int64 {
	return s.clock().UTC().Unix()
}

func (s *Store) query(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func (s *Store) lockingQuery(ctx context.Context) *gorm.DB {
	db := s.query(ctx)
	if s.locking {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return db
}

// CreateProject inserts a new project without collaborators.
func (s *Store) CreateProject(ctx context.Context, project *Project) error {
	if project == nil || project.ProjectID == "" || strings.TrimSpace(project.Name) == "" || project.OwnerID == "" {
		return fmt.Errorf("%w: project requires id, name and owner", ErrInvalidRecord)
	}
	now := s.now()
	if project.CreatedAtSeconds == 0 {
		project.CreatedAtSeconds = now
	}
	if project.UpdatedAtSeconds == 0 {
		project.UpdatedAtSeconds = project.CreatedAtSeconds
	}
	if project.Collaborators == nil {
		project.Collaborators = []Collaborator{}
	}
	if err := s.query(ctx).Omit(clause.Associations).Create(project).Error; err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: %s", ErrProjectExists, project.ProjectID)
		}
		return err
	}
	return nil
}

// GetProject loads a project with its collaborators.
func (s *Store) GetProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	err := s.lockingQuery(ctx).
		Preload("Collaborators", func(db *gorm.DB) *gorm.DB {
			return db.Order("added_at_s ASC, user_id ASC")
		}).
		Where("project_id = ?", projectID).
		Take(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Project{}, fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}
	if err != nil {
		return Project{}, err
	}
	return project, nil
}

// ListProjectsForUser returns projects the user owns or collaborates on, most recently updated first.
func (s *Store) ListProjectsForUser(ctx context.Context, userID string) ([]Project, error) {
	memberships := s.query(ctx).Model(&Collaborator{}).Select("project_id").Where("user_id = ?", userID)
	var projects []Project
	err := s.query(ctx).
		Preload("Collaborators", func(db *gorm.DB) *gorm.DB {
			return db.Order("added_at_s ASC, user_id ASC")
		}).
		Where("owner_id = ? OR project_id IN (?)", userID, memberships).
		Order("updated_at_s DESC, project_id ASC").
		Find(&projects).Error
	if err != nil {
		return nil, err
	}
	return projects, nil
}

// UpdateProjectDescription replaces the description and bumps the update time.
func (s *Store) UpdateProjectDescription(ctx context.Context, projectID, description string) (Project, error) {
	result := s.query(ctx).Model(&Project{}).
		Where("project_id = ?", projectID).
		Updates(map[string]any{"description": description, "updated_at_s": s.now()})
	if result.Error != nil {
		return Project{}, result.Error
	}
	if result.RowsAffected == 0 {
		return Project{}, fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}
	return s.GetProject(ctx, projectID)
}

// TouchProject records activity on the project.
func (s *Store) TouchProject(ctx context.Context, projectID string) error {
	result := s.query(ctx).Model(&Project{}).
		Where("project_id = ?", projectID).
		Update("updated_at_s", s.now())
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}
	return nil
}

// AddCollaborator grants userID access to the project.
func (s *Store) AddCollaborator(ctx context.Context, projectID, userID string) error {
	if projectID == "" || userID == "" {
		return fmt.Errorf("%w: collaborator requires project and user", ErrInvalidRecord)
	}
	collaborator := Collaborator{ProjectID: projectID, UserID: userID, AddedAtSeconds: s.now()}
	result := s.query(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&collaborator)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrCollaboratorExists, userID)
	}
	return nil
}

// RemoveCollaborator revokes userID's access to the project.
func (s *Store) RemoveCollaborator(ctx context.Context, projectID, userID string) error {
	result := s.query(ctx).
		Where("project_id = ? AND user_id = ?", projectID, userID).
		Delete(&Collaborator{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrCollaboratorNotFound, userID)
	}
	return nil
}

// GetLatest returns the current state of filePath within the project.
// Missing paths are reported without raising gorm.ErrRecordNotFound.
func (s *Store) GetLatest(ctx context.Context, projectID, filePath string) (File, error) {
	var files []File
	result := s.lockingQuery(ctx).
		Where("project_id = ? AND file_path = ?", projectID, filePath).
		Limit(1).
		Find(&files)
	if result.Error != nil {
		return File{}, result.Error
	}
	if len(files) == 0 {
		return File{}, fmt.Errorf("%w: %s", ErrFileNotFound, filePath)
	}
	return files[0], nil
}

// GetFile returns a file by identifier.
func (s *Store) GetFile(ctx context.Context, fileID string) (File, error) {
	var file File
	err := s.lockingQuery(ctx).Where("file_id = ?", fileID).Take(&file).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return File{}, fmt.Errorf("%w: %s", ErrFileNotFound, fileID)
	}
	if err != nil {
		return File{}, err
	}
	return file, nil
}

// ListFiles returns every file of the project ordered by path.
func (s *Store) ListFiles(ctx context.Context, projectID string) ([]File, error) {
	var files []File
	if err := s.query(ctx).
		Where("project_id = ?", projectID).
		Order("file_path ASC").
		Find(&files).Error; err != nil {
		return nil, err
	}
	return files, nil
}

// FileWrite describes the next state of one file.
// ExpectedVersion zero creates the file at version 1; otherwise the write only succeeds
// while the stored version still equals ExpectedVersion.
type FileWrite struct {
	FileID          string
	ProjectID       string
	Path            string
	Name            string
	Content         string
	AuthorID        string
	ExpectedVersion int64
}

// UpsertFile creates or advances a file by exactly one version.
func (s *Store) UpsertFile(ctx context.Context, write FileWrite) (File, error) {
	if write.FileID == "" || write.ProjectID == "" || write.Path == "" {
		return File{}, fmt.Errorf("%w: file write requires id, project and path", ErrInvalidRecord)
	}
	now := s.now()
	if write.ExpectedVersion == 0 {
		file := File{
			FileID:           write.FileID,
			ProjectID:        write.ProjectID,
			FilePath:         write.Path,
			FileName:         write.Name,
			LatestContent:    write.Content,
			LatestVersion:    1,
			ModifiedBy:       write.AuthorID,
			CreatedAtSeconds: now,
			UpdatedAtSeconds: now,
		}
		if err := s.query(ctx).Create(&file).Error; err != nil {
			if isDuplicateKey(err) {
				return File{}, fmt.Errorf("%w: %s already exists", ErrVersionConflict, write.Path)
			}
			return File{}, err
		}
		return file, nil
	}

	result := s.query(ctx).Model(&File{}).
		Where("file_id = ? AND latest_version = ?", write.FileID, write.ExpectedVersion).
		Updates(map[string]any{
			"latest_content": write.Content,
			"latest_version": write.ExpectedVersion + 1,
			"file_name":      write.Name,
			"modified_by":    write.AuthorID,
			"updated_at_s":   now,
		})
	if result.Error != nil {
		return File{}, result.Error
	}
	if result.RowsAffected == 0 {
		return File{}, fmt.Errorf("%w: %s is no longer at version %d", ErrVersionConflict, write.Path, write.ExpectedVersion)
	}
	return s.GetFile(ctx, write.FileID)
}

// LinkCommit records commitID as the latest commit touching the file.
func (s *Store) LinkCommit(ctx context.Context, fileID, commitID string) error {
	result := s.query(ctx).Model(&File{}).
		Where("file_id = ?", fileID).
		Update("last_commit_id", commitID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrFileNotFound, fileID)
	}
	return nil
}

// BackfillCommitLinks repairs files whose commit link was never recorded.
func (s *Store) BackfillCommitLinks(ctx context.Context) (int64, error) {
	result := s.query(ctx).Exec(`UPDATE files SET last_commit_id = (
		SELECT commit_files.commit_id FROM commit_files
		WHERE commit_files.file_id = files.file_id AND commit_files.version = files.latest_version
	) WHERE last_commit_id IS NULL AND EXISTS (
		SELECT 1 FROM commit_files
		WHERE commit_files.file_id = files.file_id AND commit_files.version = files.latest_version
	)`)
	return result.RowsAffected, result.Error
}

// CreateCommit persists the commit and all of its file changes atomically.
// The per-project sequence and change positions are assigned here.
func (s *Store) CreateCommit(ctx context.Context, commit *Commit) error {
	if commit == nil || len(commit.Files) == 0 {
		return ErrEmptyCommit
	}
	if commit.CommitID == "" || commit.ProjectID == "" {
		return fmt.Errorf("%w: commit requires id and project", ErrInvalidRecord)
	}
	if commit.CreatedAtSeconds == 0 {
		commit.CreatedAtSeconds = s.now()
	}
	for index := range commit.Files {
		commit.Files[index].CommitID = commit.CommitID
		commit.Files[index].ProjectID = commit.ProjectID
		commit.Files[index].Position = index + 1
	}

	err := s.query(ctx).Transaction(func(tx *gorm.DB) error {
		var lastSequence int64
		if err := tx.Model(&Commit{}).
			Where("project_id = ?", commit.ProjectID).
			Select("COALESCE(MAX(sequence), 0)").
			Scan(&lastSequence).Error; err != nil {
			return err
		}
		commit.Sequence = lastSequence + 1
		if err := tx.Omit(clause.Associations).Create(commit).Error; err != nil {
			return err
		}
		return tx.Create(&commit.Files).Error
	})
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: commit %s raced another writer", ErrVersionConflict, commit.CommitID)
		}
		return err
	}
	return nil
}

// GetCommit loads a commit with its file changes in recorded order.
func (s *Store) GetCommit(ctx context.Context, commitID string) (Commit, error) {
	var commit Commit
	err := s.query(ctx).
		Preload("Files", orderedChanges).
		Where("commit_id = ?", commitID).
		Take(&commit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Commit{}, fmt.Errorf("%w: %s", ErrCommitNotFound, commitID)
	}
	if err != nil {
		return Commit{}, err
	}
	return commit, nil
}

// ListCommits returns a page of commits, newest first. A non-positive limit uses the default page size.
func (s *Store) ListCommits(ctx context.Context, projectID string, limit, offset int) ([]Commit, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if offset < 0 {
		offset = 0
	}
	var commits []Commit
	if err := s.query(ctx).
		Preload("Files", orderedChanges).
		Where("project_id = ?", projectID).
		Order("created_at_s DESC, sequence DESC").
		Limit(limit).
		Offset(offset).
		Find(&commits).Error; err != nil {
		return nil, err
	}
	return commits, nil
}

// IterateCommits yields every commit of the project, newest first, fetching one page at a time.
// Each range over the returned sequence starts from the newest commit again.
func (s *Store) IterateCommits(ctx context.Context, projectID string, pageSize int) iter.Seq2[Commit, error] {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return func(yield func(Commit, error) bool) {
		for offset := 0; ; offset += pageSize {
			page, err := s.ListCommits(ctx, projectID, pageSize, offset)
			if err != nil {
				yield(Commit{}, err)
				return
			}
			for _, commit := range page {
				if !yield(commit, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
		}
	}
}

// FindFileChange locates the snapshot recorded for a path at a version.
func (s *Store) FindFileChange(ctx context.Context, projectID, filePath string, version int64) (FileChange, error) {
	var change FileChange
	err := s.query(ctx).
		Where("project_id = ? AND file_path = ? AND version = ?", projectID, filePath, version).
		Take(&change).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return FileChange{}, fmt.Errorf("%w: %s@%d", ErrVersionNotFound, filePath, version)
	}
	if err != nil {
		return FileChange{}, err
	}
	return change, nil
}

// CommitsForFile returns the commits that touched the file, newest first.
// Each commit carries only the change recorded for that file.
func (s *Store) CommitsForFile(ctx context.Context, fileID string) ([]Commit, error) {
	touched := s.query(ctx).Model(&FileChange{}).Select("commit_id").Where("file_id = ?", fileID)
	var commits []Commit
	if err := s.query(ctx).
		Preload("Files", "file_id = ?", fileID).
		Where("commit_id IN (?)", touched).
		Order("created_at_s DESC, sequence DESC").
		Find(&commits).Error; err != nil {
		return nil, err
	}
	return commits, nil
}

func orderedChanges(db *gorm.DB) *gorm.DB {
	return db.Order("position ASC")
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint") || strings.Contains(message, "duplicate key")
}
