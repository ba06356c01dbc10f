// Package projects implements project ingestion and version history on top of the store.
package projects

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/openbox/backend/internal/archive"
	"github.com/MarcoPoloResearchLab/openbox/backend/internal/diffcache"
	"github.com/MarcoPoloResearchLab/openbox/backend/internal/diffs"
	"github.com/MarcoPoloResearchLab/openbox/backend/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultDiffWorkers   = 4
	defaultIngestTimeout = 2 * time.Minute
	maxNameLength        = 255
)

var slugSeparatorPattern = regexp.MustCompile(`[^a-z0-9]+`)

// ServiceConfig wires the dependencies of Service.
type ServiceConfig struct {
	Database      *gorm.DB
	Engine        *diffs.Engine
	Cache         diffcache.Cache
	Clock         func() time.Time
	IDProvider    IDProvider
	Logger        *zap.Logger
	ArchiveLimits archive.Limits
	DiffWorkers   int
	Timeout       time.Duration
	Listener      CommitListener
}

// Service owns the write path for projects and answers history queries.
type Service struct {
	store         *store.Store
	engine        *diffs.Engine
	cache         diffcache.Cache
	clock         func() time.Time
	idProvider    IDProvider
	logger        *zap.Logger
	archiveLimits archive.Limits
	diffWorkers   int
	timeout       time.Duration
	listener      CommitListener
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", KindInvalidInput, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", KindInvalidInput, errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	dataStore, err := store.New(store.Config{Database: cfg.Database, Clock: clock})
	if err != nil {
		return nil, newServiceError(opServiceNew, "store_init_failed", KindInvalidInput, err)
	}

	engine := cfg.Engine
	if engine == nil {
		engine = diffs.NewEngine()
	}

	cache := cfg.Cache
	if cache == nil {
		cache = diffcache.NewMemoryCache(0)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	workers := cfg.DiffWorkers
	if workers <= 0 {
		workers = defaultDiffWorkers
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultIngestTimeout
	}

	return &Service{
		store:         dataStore,
		engine:        engine,
		cache:         cache,
		clock:         clock,
		idProvider:    cfg.IDProvider,
		logger:        logger,
		archiveLimits: cfg.ArchiveLimits,
		diffWorkers:   workers,
		timeout:       timeout,
		listener:      cfg.Listener,
	}, nil
}

// Engine exposes the diff engine used for stored patches.
func (s *Service) Engine() *diffs.Engine {
	return s.engine
}

// CreateProject registers an empty project owned by ownerID.
func (s *Service) CreateProject(ctx context.Context, ownerID, name, description string) (store.Project, error) {
	if strings.TrimSpace(ownerID) == "" {
		return store.Project{}, newServiceError(opCreateProject, "missing_owner", KindInvalidInput, errMissingUserID)
	}
	project, err := s.newProject(ownerID, name, description)
	if err != nil {
		s.logError(opCreateProject, "invalid_project", err, zap.String("owner_id", ownerID))
		return store.Project{}, wrap(opCreateProject, "invalid_project", err)
	}
	if err := s.store.CreateProject(ctx, &project); err != nil {
		s.logError(opCreateProject, "insert_failed", err, zap.String("owner_id", ownerID))
		return store.Project{}, wrap(opCreateProject, "insert_failed", err)
	}
	return project, nil
}

// GetProject returns the project when userID owns or collaborates on it.
func (s *Service) GetProject(ctx context.Context, userID, projectID string) (store.Project, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return store.Project{}, s.lookupError(opGetProject, "project_lookup_failed", err, zap.String("project_id", projectID))
	}
	if !project.HasMember(userID) {
		return store.Project{}, newServiceErrorWithMessage(opGetProject, "not_a_member", KindProjectNotFound, "project not found", store.ErrProjectNotFound)
	}
	return project, nil
}

// ListProjects returns the projects userID owns or collaborates on.
func (s *Service) ListProjects(ctx context.Context, userID string) ([]store.Project, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, newServiceError(opListProjects, "missing_user_id", KindInvalidInput, errMissingUserID)
	}
	projects, err := s.store.ListProjectsForUser(ctx, userID)
	if err != nil {
		s.logError(opListProjects, "query_failed", err, zap.String("user_id", userID))
		return nil, wrap(opListProjects, "query_failed", err)
	}
	return projects, nil
}

// UpdateDescription replaces the project description. Only members may edit it.
func (s *Service) UpdateDescription(ctx context.Context, userID, projectID, description string) (store.Project, error) {
	if _, err := s.GetProject(ctx, userID, projectID); err != nil {
		return store.Project{}, err
	}
	project, err := s.store.UpdateProjectDescription(ctx, projectID, description)
	if err != nil {
		s.logError(opUpdateDescription, "update_failed", err, zap.String("project_id", projectID))
		return store.Project{}, wrap(opUpdateDescription, "update_failed", err)
	}
	return project, nil
}

// AddCollaborator grants collaboratorID access. Only the owner may manage collaborators.
func (s *Service) AddCollaborator(ctx context.Context, ownerID, projectID, collaboratorID string) (store.Project, error) {
	collaboratorID = strings.TrimSpace(collaboratorID)
	if collaboratorID == "" {
		return store.Project{}, newServiceError(opAddCollaborator, "missing_user_id", KindInvalidInput, errMissingUserID)
	}
	project, err := s.requireOwner(ctx, opAddCollaborator, ownerID, projectID)
	if err != nil {
		return store.Project{}, err
	}
	if collaboratorID == project.OwnerID {
		return store.Project{}, newServiceErrorWithMessage(opAddCollaborator, "owner_is_member", KindInvalidInput, "the owner already has access", nil)
	}
	if err := s.store.AddCollaborator(ctx, projectID, collaboratorID); err != nil {
		s.logError(opAddCollaborator, "insert_failed", err, zap.String("project_id", projectID))
		return store.Project{}, wrap(opAddCollaborator, "insert_failed", err)
	}
	return s.reloadProject(ctx, opAddCollaborator, projectID)
}

// RemoveCollaborator revokes collaboratorID's access. Only the owner may manage collaborators.
func (s *Service) RemoveCollaborator(ctx context.Context, ownerID, projectID, collaboratorID string) (store.Project, error) {
	if _, err := s.requireOwner(ctx, opRemoveCollaborator, ownerID, projectID); err != nil {
		return store.Project{}, err
	}
	if err := s.store.RemoveCollaborator(ctx, projectID, collaboratorID); err != nil {
		return store.Project{}, wrap(opRemoveCollaborator, "delete_failed", err)
	}
	return s.reloadProject(ctx, opRemoveCollaborator, projectID)
}

func (s *Service) reloadProject(ctx context.Context, operation, projectID string) (store.Project, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return store.Project{}, s.lookupError(operation, "project_reload_failed", err, zap.String("project_id", projectID))
	}
	return project, nil
}

func (s *Service) requireOwner(ctx context.Context, operation, ownerID, projectID string) (store.Project, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return store.Project{}, s.lookupError(operation, "project_lookup_failed", err, zap.String("project_id", projectID))
	}
	if !project.HasMember(ownerID) {
		return store.Project{}, newServiceErrorWithMessage(operation, "not_a_member", KindProjectNotFound, "project not found", store.ErrProjectNotFound)
	}
	if project.OwnerID != ownerID {
		return store.Project{}, newServiceErrorWithMessage(operation, "not_owner", KindInvalidInput, "only the project owner can manage collaborators", nil)
	}
	return project, nil
}

func (s *Service) newProject(ownerID, name, description string) (store.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Project{}, ErrMissingProjectName
	}
	if len(name) > maxNameLength {
		return store.Project{}, newServiceErrorWithMessage(opCreateProject, "name_too_long", KindInvalidInput, "project name is too long", nil)
	}
	projectID, err := s.idProvider.NewID()
	if err != nil {
		return store.Project{}, newServiceError(opCreateProject, "id_generation_failed", KindStorage, err)
	}
	now := s.clock().UTC().Unix()
	return store.Project{
		ProjectID:        projectID,
		Name:             name,
		Slug:             slugify(name),
		Description:      strings.TrimSpace(description),
		OwnerID:          ownerID,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
		Collaborators:    []store.Collaborator{},
	}, nil
}

// lookupError logs unexpected failures; not-found results are returned quietly.
func (s *Service) lookupError(operation, reason string, err error, fields ...zap.Field) error {
	wrapped := wrap(operation, reason, err)
	if KindOf(wrapped) == KindStorage {
		s.logError(operation, reason, err, fields...)
	}
	return wrapped
}

func slugify(name string) string {
	return strings.Trim(slugSeparatorPattern.ReplaceAllString(strings.ToLower(name), "-"), "-")
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("projects service error", attrs...)
}
