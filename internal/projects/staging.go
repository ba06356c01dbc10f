package projects

import (
	"fmt"
	"path"
	"strings"

	"github.com/MarcoPoloResearchLab/openbox/backend/internal/archive"
	"github.com/MarcoPoloResearchLab/openbox/backend/internal/store"
)

// pendingChange is requested content for one path before it is compared with storage.
type pendingChange struct {
	fileID          string
	path            string
	name            string
	content         string
	expectedVersion int64
}

// plannedChange is a pendingChange that differs from storage and will produce a new version.
type plannedChange struct {
	pendingChange
	existing *store.File
	version  int64
	diff     string
}

// collectedSources is the validated content of every source, in commit order.
type collectedSources struct {
	changes         []pendingChange
	archiveName     string
	archiveFilename string
}

// collectChanges extracts archive entries first and then inline edits, preserving their order.
func collectChanges(sources []ChangeSource, limits archive.Limits) (collectedSources, error) {
	var (
		collected   collectedSources
		archives    []ArchiveSource
		edits       []pendingChange
		sawArchives bool
	)
	for _, source := range sources {
		switch typed := source.(type) {
		case ArchiveSource:
			archives = append(archives, typed)
		case *ArchiveSource:
			archives = append(archives, *typed)
		case EditsSource:
			for _, edit := range typed.Edits {
				change, err := pendingFromEdit(edit)
				if err != nil {
					return collectedSources{}, err
				}
				edits = append(edits, change)
			}
		case FileEditSource:
			if strings.TrimSpace(typed.FileID) == "" {
				return collectedSources{}, fmt.Errorf("%w: file edit requires a file id", ErrInvalidInput)
			}
			edits = append(edits, pendingChange{
				fileID:          strings.TrimSpace(typed.FileID),
				content:         typed.Content,
				expectedVersion: typed.ExpectedVersion,
			})
		case nil:
			return collectedSources{}, fmt.Errorf("%w: nil change source", ErrInvalidInput)
		default:
			return collectedSources{}, fmt.Errorf("%w: unsupported change source %T", ErrInvalidInput, source)
		}
	}

	// archives in one request share a single set of limits
	var spent archive.Usage
	for _, upload := range archives {
		sawArchives = true
		if collected.archiveFilename == "" {
			collected.archiveFilename = uploadBaseName(upload.Filename)
			collected.archiveName = archive.ProjectNameFromFilename(upload.Filename)
		}
		reader, err := archive.OpenAfter(upload.Data, limits, spent)
		if err != nil {
			return collectedSources{}, err
		}
		for entry, err := range reader.Entries() {
			if err != nil {
				return collectedSources{}, err
			}
			collected.changes = append(collected.changes, pendingChange{
				path:    entry.Path,
				name:    entry.Name,
				content: entry.Content,
			})
		}
		spent = reader.Usage()
	}
	if sawArchives && len(collected.changes) == 0 && len(edits) == 0 {
		return collectedSources{}, archive.ErrEmptyArchive
	}
	collected.changes = append(collected.changes, edits...)
	return collected, nil
}

func uploadBaseName(filename string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/"))
	if base == "." || base == "/" {
		return ""
	}
	return base
}

func pendingFromEdit(edit FileEdit) (pendingChange, error) {
	cleaned := archive.CleanPath(edit.Path)
	if cleaned == "" {
		return pendingChange{}, fmt.Errorf("%w: edit path %q is empty", ErrInvalidInput, edit.Path)
	}
	if edit.ExpectedVersion < 0 {
		return pendingChange{}, fmt.Errorf("%w: negative base version for %s", ErrInvalidInput, cleaned)
	}
	return pendingChange{
		path:            cleaned,
		name:            path.Base(cleaned),
		content:         edit.Content,
		expectedVersion: edit.ExpectedVersion,
	}, nil
}

// mergePending collapses repeated paths onto their first position, keeping the last content.
func mergePending(changes []pendingChange) []pendingChange {
	merged := make([]pendingChange, 0, len(changes))
	positions := make(map[string]int, len(changes))
	for _, change := range changes {
		if index, seen := positions[change.path]; seen {
			merged[index].content = change.content
			if change.expectedVersion != 0 {
				merged[index].expectedVersion = change.expectedVersion
			}
			if change.fileID != "" {
				merged[index].fileID = change.fileID
			}
			continue
		}
		positions[change.path] = len(merged)
		merged = append(merged, change)
	}
	return merged
}

// planChanges drops unchanged content and assigns the next version to every remaining path.
func planChanges(changes []pendingChange, existing map[string]*store.File) ([]plannedChange, error) {
	planned := make([]plannedChange, 0, len(changes))
	for _, change := range changes {
		current := existing[change.path]
		if current == nil {
			if change.expectedVersion > 0 {
				return nil, fmt.Errorf("%w: %s does not exist at version %d", store.ErrVersionConflict, change.path, change.expectedVersion)
			}
			planned = append(planned, plannedChange{pendingChange: change, version: 1})
			continue
		}
		if change.expectedVersion > 0 && change.expectedVersion != current.LatestVersion {
			return nil, fmt.Errorf("%w: %s is at version %d, not %d", store.ErrVersionConflict, change.path, current.LatestVersion, change.expectedVersion)
		}
		if current.LatestContent == change.content {
			continue
		}
		planned = append(planned, plannedChange{
			pendingChange: change,
			existing:      current,
			version:       current.LatestVersion + 1,
		})
	}
	return planned, nil
}
