package projects

import (
	"context"
	"encoding/json"
	"iter"
	"strings"

	"github.com/MarcoPoloResearchLab/openbox/backend/internal/archive"
	"github.com/MarcoPoloResearchLab/openbox/backend/internal/store"
	"go.uber.org/zap"
)

// GetCommit returns a commit with its file changes.
func (s *Service) GetCommit(ctx context.Context, commitID string) (store.Commit, error) {
	commit, err := s.store.GetCommit(ctx, commitID)
	if err != nil {
		return store.Commit{}, s.lookupError(opGetCommit, "commit_lookup_failed", err, zap.String("commit_id", commitID))
	}
	return commit, nil
}

// ListCommits returns one page of the project's commits, newest first.
func (s *Service) ListCommits(ctx context.Context, projectID string, limit, offset int) ([]store.Commit, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, newServiceError(opListCommits, "missing_project_id", KindInvalidInput, errMissingProjectID)
	}
	commits, err := s.store.ListCommits(ctx, projectID, limit, offset)
	if err != nil {
		s.logError(opListCommits, "query_failed", err, zap.String("project_id", projectID))
		return nil, wrap(opListCommits, "query_failed", err)
	}
	return commits, nil
}

// IterateCommits walks the project's whole history newest first, one page at a time.
func (s *Service) IterateCommits(ctx context.Context, projectID string, pageSize int) iter.Seq2[store.Commit, error] {
	return func(yield func(store.Commit, error) bool) {
		for commit, err := range s.store.IterateCommits(ctx, projectID, pageSize) {
			if err != nil {
				s.logError(opListCommits, "page_failed", err, zap.String("project_id", projectID))
				yield(store.Commit{}, wrap(opListCommits, "page_failed", err))
				return
			}
			if !yield(commit, nil) {
				return
			}
		}
	}
}

// GetCommitDiff renders the stored diff of every file change in the commit.
// First versions carry no diff and are reported with the initial version marker.
func (s *Service) GetCommitDiff(ctx context.Context, commitID string) ([]FileDiff, error) {
	if cached, found := s.cachedDiff(ctx, commitID); found {
		return cached, nil
	}

	commit, err := s.store.GetCommit(ctx, commitID)
	if err != nil {
		return nil, s.lookupError(opGetCommitDiff, "commit_lookup_failed", err, zap.String("commit_id", commitID))
	}

	rendered := make([]FileDiff, 0, len(commit.Files))
	for _, change := range commit.Files {
		fileDiff := FileDiff{
			FileID:  change.FileID,
			Path:    change.FilePath,
			Name:    change.FileName,
			Version: change.Version,
			Patch:   change.Diff,
		}
		if change.Diff == "" {
			fileDiff.Initial = change.Version == 1
			if fileDiff.Initial {
				fileDiff.Marker = InitialVersionMarker
			}
			rendered = append(rendered, fileDiff)
			continue
		}
		hunks, err := s.engine.Render(change.Diff)
		if err != nil {
			s.logError(opGetCommitDiff, "render_failed", err,
				zap.String("commit_id", commitID),
				zap.String("file_path", change.FilePath))
			return nil, newServiceError(opGetCommitDiff, "render_failed", KindStorage, err)
		}
		fileDiff.Hunks = hunks
		fileDiff.Stats = s.engine.HunkStats(hunks)
		rendered = append(rendered, fileDiff)
	}

	s.storeDiff(ctx, commitID, rendered)
	return rendered, nil
}

// GetDiffBetweenVersions compares two recorded versions of a path. Equal versions yield no changes.
func (s *Service) GetDiffBetweenVersions(ctx context.Context, projectID, filePath string, fromVersion, toVersion int64) (VersionDiff, error) {
	filePath = archive.CleanPath(filePath)
	if strings.TrimSpace(projectID) == "" || filePath == "" {
		return VersionDiff{}, newServiceErrorWithMessage(opDiffBetweenVersions, "missing_arguments", KindInvalidInput, "project and path are required", nil)
	}
	if fromVersion < 1 || toVersion < 1 {
		return VersionDiff{}, newServiceErrorWithMessage(opDiffBetweenVersions, "invalid_version", KindInvalidInput, "versions start at 1", nil)
	}

	from, err := s.store.FindFileChange(ctx, projectID, filePath, fromVersion)
	if err != nil {
		return VersionDiff{}, s.lookupError(opDiffBetweenVersions, "version_lookup_failed", err, zap.String("file_path", filePath))
	}
	result := VersionDiff{Path: filePath, FromVersion: fromVersion, ToVersion: toVersion}
	if fromVersion == toVersion {
		result.Segments = s.engine.Segments(from.Content, from.Content)
		return result, nil
	}

	to, err := s.store.FindFileChange(ctx, projectID, filePath, toVersion)
	if err != nil {
		return VersionDiff{}, s.lookupError(opDiffBetweenVersions, "version_lookup_failed", err, zap.String("file_path", filePath))
	}
	result.Changed = from.Content != to.Content
	result.Segments = s.engine.Segments(from.Content, to.Content)
	result.Unified = s.engine.Unified(filePath, from.Content, to.Content)
	result.Stats = s.engine.Stats(result.Segments)
	return result, nil
}

// GetFile returns the latest state of a file.
func (s *Service) GetFile(ctx context.Context, fileID string) (store.File, error) {
	file, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return store.File{}, s.lookupError(opGetFile, "file_lookup_failed", err, zap.String("file_id", fileID))
	}
	return file, nil
}

// ListFiles returns the latest state of every file in the project.
func (s *Service) ListFiles(ctx context.Context, projectID string) ([]store.File, error) {
	files, err := s.store.ListFiles(ctx, projectID)
	if err != nil {
		s.logError(opListFiles, "query_failed", err, zap.String("project_id", projectID))
		return nil, wrap(opListFiles, "query_failed", err)
	}
	return files, nil
}

// FileHistory lists every recorded version of a file, newest first.
func (s *Service) FileHistory(ctx context.Context, fileID string) ([]FileHistoryEntry, error) {
	if _, err := s.GetFile(ctx, fileID); err != nil {
		return nil, err
	}
	commits, err := s.store.CommitsForFile(ctx, fileID)
	if err != nil {
		s.logError(opFileHistory, "query_failed", err, zap.String("file_id", fileID))
		return nil, wrap(opFileHistory, "query_failed", err)
	}
	entries := make([]FileHistoryEntry, 0, len(commits))
	for _, commit := range commits {
		for _, change := range commit.Files {
			entries = append(entries, FileHistoryEntry{
				CommitID:         commit.CommitID,
				Sequence:         commit.Sequence,
				AuthorID:         commit.AuthorID,
				Title:            commit.Title,
				Message:          commit.Message,
				CreatedAtSeconds: commit.CreatedAtSeconds,
				Version:          change.Version,
				Diff:             change.Diff,
			})
		}
	}
	return entries, nil
}

// cachedDiff treats cache failures as misses.
func (s *Service) cachedDiff(ctx context.Context, commitID string) ([]FileDiff, bool) {
	payload, found, err := s.cache.Get(ctx, commitID)
	if err != nil {
		s.loggerOrDefault().Warn("commit diff cache read failed", zap.String("commit_id", commitID), zap.Error(err))
		return nil, false
	}
	if !found {
		return nil, false
	}
	var rendered []FileDiff
	if err := json.Unmarshal(payload, &rendered); err != nil {
		s.loggerOrDefault().Warn("commit diff cache entry unreadable", zap.String("commit_id", commitID), zap.Error(err))
		return nil, false
	}
	return rendered, true
}

func (s *Service) storeDiff(ctx context.Context, commitID string, rendered []FileDiff) {
	payload, err := json.Marshal(rendered)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, commitID, payload); err != nil {
		s.loggerOrDefault().Warn("commit diff cache write failed", zap.String("commit_id", commitID), zap.Error(err))
	}
}
