package projects

import (
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/openbox/backend/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(ServiceConfig{IDProvider: NewUUIDProvider()})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error, got %v", err)
	}
	if serviceErr.Code() != "projects.service.new.missing_database" {
		t.Fatalf("unexpected code %s", serviceErr.Code())
	}
}

func TestProjectMembershipOperations(t *testing.T) {
	fixture := newTestService(t, nil)
	service := fixture.service

	project, err := service.CreateProject(t.Context(), "alice", "  Team Wiki  ", "shared notes")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if project.Name != "Team Wiki" || project.Slug != "team-wiki" {
		t.Fatalf("unexpected project %+v", project)
	}

	if _, err := service.GetProject(t.Context(), "bob", project.ProjectID); !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("expected strangers to see project not found, got %v", err)
	}

	updated, err := service.AddCollaborator(t.Context(), "alice", project.ProjectID, "bob")
	if err != nil {
		t.Fatalf("unexpected add collaborator error: %v", err)
	}
	if ids := updated.CollaboratorIDs(); len(ids) != 1 || ids[0] != "bob" {
		t.Fatalf("unexpected collaborators %v", ids)
	}
	if _, err := service.AddCollaborator(t.Context(), "alice", project.ProjectID, "bob"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected duplicate collaborator to be rejected, got %v", err)
	}
	if _, err := service.AddCollaborator(t.Context(), "bob", project.ProjectID, "carol"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected collaborators to be unable to manage membership, got %v", err)
	}
	if _, err := service.AddCollaborator(t.Context(), "alice", project.ProjectID, "alice"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected owner to be rejected as collaborator, got %v", err)
	}

	described, err := service.UpdateDescription(t.Context(), "bob", project.ProjectID, "bob's notes")
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if described.Description != "bob's notes" {
		t.Fatalf("unexpected description %q", described.Description)
	}

	listed, err := service.ListProjects(t.Context(), "bob")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(listed) != 1 || listed[0].ProjectID != project.ProjectID {
		t.Fatalf("expected bob to see the shared project, got %+v", listed)
	}

	if _, err := service.RemoveCollaborator(t.Context(), "alice", project.ProjectID, "bob"); err != nil {
		t.Fatalf("unexpected remove error: %v", err)
	}
	listed, err = service.ListProjects(t.Context(), "bob")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected bob to lose access, got %+v", listed)
	}

	if _, err := service.CreateProject(t.Context(), "alice", "   ", ""); !errors.Is(err, ErrMissingProjectName) {
		t.Fatalf("expected missing project name, got %v", err)
	}
}

func TestServiceErrorsCarryKindAndCode(t *testing.T) {
	fixture := newTestService(t, nil)

	_, err := fixture.service.GetCommit(t.Context(), "missing")
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error, got %T", err)
	}
	if serviceErr.Kind() != KindCommitNotFound {
		t.Fatalf("unexpected kind %s", serviceErr.Kind())
	}
	if serviceErr.Code() != "projects.get_commit.commit_lookup_failed" {
		t.Fatalf("unexpected code %s", serviceErr.Code())
	}
	if serviceErr.Retryable() {
		t.Fatalf("not found errors must not be retryable")
	}
	if !errors.Is(err, store.ErrCommitNotFound) {
		t.Fatalf("expected the store sentinel to remain reachable")
	}
	if errors.Is(err, ErrFileNotFound) {
		t.Fatalf("kinds must not match each other")
	}
}

func TestStorageFailuresAreLoggedAndRetryable(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	fixture := newTestService(t, zap.New(core))

	sqlDB, err := fixture.database.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	if err := sqlDB.Close(); err != nil {
		t.Fatalf("failed to close sql db: %v", err)
	}

	_, err = fixture.service.ListProjects(t.Context(), "alice")
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || !serviceErr.Retryable() {
		t.Fatalf("expected storage errors to be retryable")
	}

	entries := logs.FilterMessage("projects service error").All()
	if len(entries) != 1 {
		t.Fatalf("expected one logged failure, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["operation"] != opListProjects || fields["reason"] != "query_failed" {
		t.Fatalf("unexpected log fields %v", fields)
	}
}
