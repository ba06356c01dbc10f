package projects

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/openbox/backend/internal/archive"
	"github.com/MarcoPoloResearchLab/openbox/backend/internal/store"
	"go.uber.org/zap"
)

// ErrorKind classifies service failures for callers.
type ErrorKind string

const (
	KindMalformedArchive   ErrorKind = "malformed_archive"
	KindEmptyArchive       ErrorKind = "empty_archive"
	KindArchiveTooLarge    ErrorKind = "archive_too_large"
	KindNoChanges          ErrorKind = "no_changes"
	KindEmptyCommit        ErrorKind = "empty_commit"
	KindMissingProjectName ErrorKind = "missing_project_name"
	KindProjectNotFound    ErrorKind = "project_not_found"
	KindFileNotFound       ErrorKind = "file_not_found"
	KindCommitNotFound     ErrorKind = "commit_not_found"
	KindVersionNotFound    ErrorKind = "version_not_found"
	KindVersionConflict    ErrorKind = "version_conflict"
	KindInvalidInput       ErrorKind = "invalid_input"
	KindStorage            ErrorKind = "storage"
)

// Sentinels matched by errors.Is against any *ServiceError of the same kind.
var (
	ErrMalformedArchive   = kindError(KindMalformedArchive)
	ErrEmptyArchive       = kindError(KindEmptyArchive)
	ErrArchiveTooLarge    = kindError(KindArchiveTooLarge)
	ErrNoChanges          = kindError(KindNoChanges)
	ErrEmptyCommit        = kindError(KindEmptyCommit)
	ErrMissingProjectName = kindError(KindMissingProjectName)
	ErrProjectNotFound    = kindError(KindProjectNotFound)
	ErrFileNotFound       = kindError(KindFileNotFound)
	ErrCommitNotFound     = kindError(KindCommitNotFound)
	ErrVersionNotFound    = kindError(KindVersionNotFound)
	ErrVersionConflict    = kindError(KindVersionConflict)
	ErrInvalidInput       = kindError(KindInvalidInput)
	ErrStorage            = kindError(KindStorage)
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingAuthor     = errors.New("author identifier is required")
	errMissingUserID     = errors.New("user identifier is required")
	errMissingProjectID  = errors.New("project identifier is required")
	errMissingSources    = errors.New("at least one change source is required")
	errNothingChanged    = errors.New("no file content differs from the stored versions")
	noOpLogger           = zap.NewNop()
)

type kindError ErrorKind

func (e kindError) Error() string {
	return string(e)
}

// ServiceError carries a machine code of the form projects.<operation>.<reason> and an error kind.
type ServiceError struct {
	code    string
	kind    ErrorKind
	message string
	err     error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func (e *ServiceError) Kind() ErrorKind {
	return e.kind
}

// Message is a human readable description safe to return to clients.
func (e *ServiceError) Message() string {
	if e.message != "" {
		return e.message
	}
	if e.err != nil {
		return e.err.Error()
	}
	return string(e.kind)
}

// Retryable reports whether repeating the same request may succeed.
func (e *ServiceError) Retryable() bool {
	return e.kind == KindStorage
}

// Is matches the kind sentinels exported by this package.
func (e *ServiceError) Is(target error) bool {
	kind, ok := target.(kindError)
	return ok && ErrorKind(kind) == e.kind
}

// KindOf extracts the error kind, reporting storage for foreign errors.
func KindOf(err error) ErrorKind {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.kind
	}
	return KindStorage
}

const (
	opServiceNew          = "projects.service.new"
	opIngest              = "projects.ingest"
	opCreateProject       = "projects.create_project"
	opGetProject          = "projects.get_project"
	opListProjects        = "projects.list_projects"
	opUpdateDescription   = "projects.update_description"
	opAddCollaborator     = "projects.add_collaborator"
	opRemoveCollaborator  = "projects.remove_collaborator"
	opGetFile             = "projects.get_file"
	opListFiles           = "projects.list_files"
	opFileHistory         = "projects.file_history"
	opGetCommit           = "projects.get_commit"
	opListCommits         = "projects.list_commits"
	opGetCommitDiff       = "projects.get_commit_diff"
	opDiffBetweenVersions = "projects.diff_between_versions"
)

func newServiceError(operation, reason string, kind ErrorKind, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, kind: kind, err: cause}
}

func newServiceErrorWithMessage(operation, reason string, kind ErrorKind, message string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, kind: kind, message: message, err: cause}
}

// classify maps lower layer errors onto service kinds.
func classify(err error) ErrorKind {
	var kind kindError
	if errors.As(err, &kind) {
		return ErrorKind(kind)
	}
	switch {
	case errors.Is(err, archive.ErrMalformedArchive):
		return KindMalformedArchive
	case errors.Is(err, archive.ErrEmptyArchive):
		return KindEmptyArchive
	case errors.Is(err, archive.ErrArchiveTooLarge):
		return KindArchiveTooLarge
	case errors.Is(err, store.ErrProjectNotFound):
		return KindProjectNotFound
	case errors.Is(err, store.ErrFileNotFound):
		return KindFileNotFound
	case errors.Is(err, store.ErrCommitNotFound):
		return KindCommitNotFound
	case errors.Is(err, store.ErrVersionNotFound):
		return KindVersionNotFound
	case errors.Is(err, store.ErrVersionConflict):
		return KindVersionConflict
	case errors.Is(err, store.ErrEmptyCommit):
		return KindEmptyCommit
	case errors.Is(err, store.ErrCollaboratorExists),
		errors.Is(err, store.ErrCollaboratorNotFound),
		errors.Is(err, store.ErrInvalidRecord),
		errors.Is(err, store.ErrProjectExists):
		return KindInvalidInput
	default:
		return KindStorage
	}
}

// wrap keeps an existing ServiceError and classifies anything else.
func wrap(operation, reason string, err error) error {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	return newServiceError(operation, reason, classify(err), err)
}
