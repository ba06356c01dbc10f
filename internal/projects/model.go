package projects

import (
	"github.com/MarcoPoloResearchLab/openbox/backend/internal/diffs"
	"github.com/MarcoPoloResearchLab/openbox/backend/internal/store"
)

const (
	// DefaultInitialTitle names the commit that creates a project.
	DefaultInitialTitle = "Initial import"
	// DefaultUpdateTitle names commits to an existing project when no title is supplied.
	DefaultUpdateTitle = "Updated files"
	// InitialVersionMarker is shown in place of a diff for the first version of a file.
	InitialVersionMarker = "Initial version"

	maxTitleLength = 255
)

// IngestRequest describes one batch of changes to apply as a single commit.
// An empty ProjectID targets a new project, which requires AllowCreate.
type IngestRequest struct {
	ProjectID   string
	ProjectName string
	Description string
	AuthorID    string
	Title       string
	Message     string
	Sources     []ChangeSource
	AllowCreate bool
}

// IngestResult reports what a successful ingestion persisted.
type IngestResult struct {
	Project        store.Project
	ProjectCreated bool
	Commit         store.Commit
	Files          []store.File
}

// FileDiff is the renderable form of one change recorded by a commit.
type FileDiff struct {
	FileID  string       `json:"file_id"`
	Path    string       `json:"path"`
	Name    string       `json:"name"`
	Version int64        `json:"version"`
	Initial bool         `json:"initial"`
	Marker  string       `json:"marker,omitempty"`
	Patch   string       `json:"patch,omitempty"`
	Hunks   []diffs.Hunk `json:"hunks"`
	Stats   diffs.Stats  `json:"stats"`
}

// VersionDiff compares two recorded versions of one path.
type VersionDiff struct {
	Path        string          `json:"path"`
	FromVersion int64           `json:"from_version"`
	ToVersion   int64           `json:"to_version"`
	Changed     bool            `json:"changed"`
	Segments    []diffs.Segment `json:"segments"`
	Unified     string          `json:"unified"`
	Stats       diffs.Stats     `json:"stats"`
}

// FileHistoryEntry pairs a commit with the version of the file it recorded.
type FileHistoryEntry struct {
	CommitID         string `json:"commit_id"`
	Sequence         int64  `json:"sequence"`
	AuthorID         string `json:"author_id"`
	Title            string `json:"title"`
	Message          string `json:"message"`
	CreatedAtSeconds int64  `json:"created_at_s"`
	Version          int64  `json:"version"`
	Diff             string `json:"diff"`
}

// CommitEvent is published after a commit becomes visible.
type CommitEvent struct {
	ProjectID string       `json:"project_id"`
	Commit    store.Commit `json:"commit"`
}

// CommitListener receives commit events. Implementations must not block.
type CommitListener interface {
	CommitCreated(event CommitEvent)
}
