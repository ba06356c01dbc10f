package projects

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/openbox/backend/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ArchiveImport describes a ZIP upload that creates a new project.
type ArchiveImport struct {
	Filename    string
	Data        []byte
	Name        string
	Description string
	Title       string
	Message     string
}

// CreateProjectFromArchive creates a project from an uploaded archive and records its initial commit.
func (s *Service) CreateProjectFromArchive(ctx context.Context, authorID string, upload ArchiveImport) (IngestResult, error) {
	return s.Ingest(ctx, IngestRequest{
		ProjectName: upload.Name,
		Description: upload.Description,
		AuthorID:    authorID,
		Title:       upload.Title,
		Message:     upload.Message,
		Sources:     []ChangeSource{ArchiveSource{Filename: upload.Filename, Data: upload.Data}},
		AllowCreate: true,
	})
}

// CommitChanges applies archive uploads and inline edits to an existing project as one commit.
func (s *Service) CommitChanges(ctx context.Context, authorID, projectID string, sources []ChangeSource, title, message string) (IngestResult, error) {
	if strings.TrimSpace(projectID) == "" {
		return IngestResult{}, newServiceError(opIngest, "missing_project_id", KindInvalidInput, errMissingProjectID)
	}
	return s.Ingest(ctx, IngestRequest{
		ProjectID: projectID,
		AuthorID:  authorID,
		Title:     title,
		Message:   message,
		Sources:   sources,
	})
}

// CommitSingleFileEdit replaces one file's content, optionally guarded by the version the editor started from.
func (s *Service) CommitSingleFileEdit(ctx context.Context, authorID, projectID, fileID, content string, expectedVersion int64, title, message string) (store.File, store.Commit, error) {
	result, err := s.CommitChanges(ctx, authorID, projectID, []ChangeSource{
		FileEditSource{FileID: fileID, Content: content, ExpectedVersion: expectedVersion},
	}, title, message)
	if err != nil {
		return store.File{}, store.Commit{}, err
	}
	if len(result.Files) != 1 {
		return store.File{}, store.Commit{}, newServiceError(opIngest, "unexpected_file_count", KindStorage, nil)
	}
	return result.Files[0], result.Commit, nil
}

// Ingest validates the sources, then applies every changed file and the commit recording them in one transaction.
// The transaction runs detached from ctx cancellation and is bounded by the configured timeout.
func (s *Service) Ingest(ctx context.Context, request IngestRequest) (IngestResult, error) {
	authorID := strings.TrimSpace(request.AuthorID)
	if authorID == "" {
		return IngestResult{}, newServiceError(opIngest, "missing_author", KindInvalidInput, errMissingAuthor)
	}
	if len(request.Sources) == 0 {
		return IngestResult{}, newServiceError(opIngest, "missing_sources", KindInvalidInput, errMissingSources)
	}
	projectID := strings.TrimSpace(request.ProjectID)
	if projectID == "" && !request.AllowCreate {
		return IngestResult{}, newServiceError(opIngest, "missing_project_id", KindInvalidInput, errMissingProjectID)
	}
	title := strings.TrimSpace(request.Title)
	if len(title) > maxTitleLength {
		return IngestResult{}, newServiceErrorWithMessage(opIngest, "title_too_long", KindInvalidInput, "commit title is too long", nil)
	}

	collected, err := collectChanges(request.Sources, s.archiveLimits)
	if err != nil {
		return IngestResult{}, wrap(opIngest, "invalid_sources", err)
	}

	var projectName string
	if projectID == "" {
		projectName = strings.TrimSpace(request.ProjectName)
		if projectName == "" {
			projectName = collected.archiveName
		}
		if projectName == "" {
			return IngestResult{}, newServiceError(opIngest, "missing_project_name", KindMissingProjectName, nil)
		}
	}

	txCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	var result IngestResult
	txErr := s.store.Transaction(txCtx, func(tx *store.Store) error {
		var (
			project store.Project
			created bool
			err     error
		)
		if projectID == "" {
			description := request.Description
			if strings.TrimSpace(description) == "" && collected.archiveFilename != "" {
				description = "Imported from " + collected.archiveFilename
			}
			project, err = s.newProject(authorID, projectName, description)
			if err != nil {
				return err
			}
			if err := tx.CreateProject(txCtx, &project); err != nil {
				return wrap(opIngest, "project_insert_failed", err)
			}
			created = true
		} else {
			project, err = tx.GetProject(txCtx, projectID)
			if err != nil {
				return wrap(opIngest, "project_lookup_failed", err)
			}
			if !project.HasMember(authorID) {
				return newServiceErrorWithMessage(opIngest, "not_a_member", KindProjectNotFound, "project not found", store.ErrProjectNotFound)
			}
		}

		pending, err := resolveFileEdits(txCtx, tx, project.ProjectID, collected.changes)
		if err != nil {
			return wrap(opIngest, "file_lookup_failed", err)
		}
		pending = mergePending(pending)

		existing := make(map[string]*store.File, len(pending))
		for _, change := range pending {
			file, err := tx.GetLatest(txCtx, project.ProjectID, change.path)
			if errors.Is(err, store.ErrFileNotFound) {
				continue
			}
			if err != nil {
				return wrap(opIngest, "file_lookup_failed", err)
			}
			existing[change.path] = &file
		}

		planned, err := planChanges(pending, existing)
		if err != nil {
			return wrap(opIngest, "version_check_failed", err)
		}
		if len(planned) == 0 {
			return newServiceError(opIngest, "no_changes", KindNoChanges, errNothingChanged)
		}
		if err := s.computeDiffs(txCtx, planned); err != nil {
			return wrap(opIngest, "diff_failed", err)
		}

		commit, err := s.buildCommit(project.ProjectID, authorID, title, request.Message, created, planned)
		if err != nil {
			return err
		}
		if err := tx.CreateCommit(txCtx, &commit); err != nil {
			return wrap(opIngest, "commit_insert_failed", err)
		}

		files := make([]store.File, 0, len(planned))
		for index, change := range planned {
			write := store.FileWrite{
				FileID:    commit.Files[index].FileID,
				ProjectID: project.ProjectID,
				Path:      change.path,
				Name:      change.name,
				Content:   change.content,
				AuthorID:  authorID,
			}
			if change.existing != nil {
				write.ExpectedVersion = change.existing.LatestVersion
			}
			file, err := tx.UpsertFile(txCtx, write)
			if err != nil {
				return wrap(opIngest, "file_write_failed", err)
			}
			files = append(files, file)
		}

		if !created {
			if err := tx.TouchProject(txCtx, project.ProjectID); err != nil {
				return wrap(opIngest, "project_touch_failed", err)
			}
			project.UpdatedAtSeconds = s.clock().UTC().Unix()
		}

		result = IngestResult{Project: project, ProjectCreated: created, Commit: commit, Files: files}
		return nil
	})
	if txErr != nil {
		if KindOf(txErr) == KindStorage {
			s.logError(opIngest, "transaction_failed", txErr,
				zap.String("project_id", projectID),
				zap.String("author_id", authorID))
		}
		return IngestResult{}, wrap(opIngest, "transaction_failed", txErr)
	}

	s.linkCommit(txCtx, &result)
	if s.listener != nil {
		s.listener.CommitCreated(CommitEvent{ProjectID: result.Project.ProjectID, Commit: result.Commit})
	}
	return result, nil
}

// linkCommit points every written file at the new commit. Failures are logged and skipped;
// startup repairs links that were missed.
func (s *Service) linkCommit(ctx context.Context, result *IngestResult) {
	commitID := result.Commit.CommitID
	for index := range result.Files {
		file := &result.Files[index]
		if err := s.store.LinkCommit(ctx, file.FileID, commitID); err != nil {
			s.logError(opIngest, "commit_link_failed", err,
				zap.String("file_id", file.FileID),
				zap.String("commit_id", commitID))
			continue
		}
		file.LastCommitID = &commitID
	}
}

func (s *Service) computeDiffs(ctx context.Context, planned []plannedChange) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.diffWorkers)
	for index := range planned {
		change := &planned[index]
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			var previous string
			if change.existing != nil {
				previous = change.existing.LatestContent
			}
			change.diff = s.engine.Diff(previous, change.content, change.existing == nil)
			return nil
		})
	}
	return group.Wait()
}

func (s *Service) buildCommit(projectID, authorID, title, message string, created bool, planned []plannedChange) (store.Commit, error) {
	if title == "" {
		title = DefaultUpdateTitle
		if created {
			title = DefaultInitialTitle
		}
	}
	commitID, err := s.idProvider.NewID()
	if err != nil {
		return store.Commit{}, newServiceError(opIngest, "id_generation_failed", KindStorage, err)
	}
	changes := make([]store.FileChange, 0, len(planned))
	for _, change := range planned {
		fileID := change.fileID
		if change.existing != nil {
			fileID = change.existing.FileID
		}
		if fileID == "" {
			fileID, err = s.idProvider.NewID()
			if err != nil {
				return store.Commit{}, newServiceError(opIngest, "id_generation_failed", KindStorage, err)
			}
		}
		changes = append(changes, store.FileChange{
			FileID:   fileID,
			FilePath: change.path,
			FileName: change.name,
			Version:  change.version,
			Content:  change.content,
			Diff:     change.diff,
		})
	}
	return store.Commit{
		CommitID:         commitID,
		ProjectID:        projectID,
		AuthorID:         authorID,
		Title:            title,
		Message:          strings.TrimSpace(message),
		CreatedAtSeconds: s.clock().UTC().Unix(),
		Files:            changes,
	}, nil
}

// resolveFileEdits fills in the path of edits addressed by file identifier.
func resolveFileEdits(ctx context.Context, tx *store.Store, projectID string, changes []pendingChange) ([]pendingChange, error) {
	resolved := make([]pendingChange, 0, len(changes))
	for _, change := range changes {
		if change.fileID != "" && change.path == "" {
			file, err := tx.GetFile(ctx, change.fileID)
			if err != nil {
				return nil, err
			}
			if file.ProjectID != projectID {
				return nil, store.ErrFileNotFound
			}
			change.path = file.FilePath
			change.name = file.FileName
		}
		resolved = append(resolved, change)
	}
	return resolved, nil
}
