package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/openbox/backend/internal/projects"
	"github.com/MarcoPoloResearchLab/openbox/backend/internal/store"
	"github.com/gin-gonic/gin"
)

type createProjectPayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type updateProjectPayload struct {
	Description *string `json:"description"`
}

type collaboratorPayload struct {
	UserID string `json:"user_id"`
}

type commitChangesPayload struct {
	Title   string              `json:"title"`
	Message string              `json:"message"`
	Edits   []projects.FileEdit `json:"edits"`
}

type editFilePayload struct {
	Content     *string `json:"content"`
	Title       string  `json:"title"`
	Message     string  `json:"message"`
	BaseVersion int64   `json:"base_version"`
}

type ingestResponsePayload struct {
	Project        store.Project `json:"project"`
	ProjectCreated bool          `json:"project_created"`
	Commit         store.Commit  `json:"commit"`
	Files          []store.File  `json:"files"`
}

func newIngestResponse(result projects.IngestResult) ingestResponsePayload {
	return ingestResponsePayload{
		Project:        result.Project,
		ProjectCreated: result.ProjectCreated,
		Commit:         result.Commit,
		Files:          result.Files,
	}
}

func (h *httpHandler) handleImportProject(c *gin.Context) {
	if !isMultipart(c) {
		respondInvalidRequest(c, "multipart_required", "archive uploads must be multipart/form-data")
		return
	}
	form, archives, err := readMultipartArchives(c)
	if err != nil {
		respondBodyError(c, err)
		return
	}
	if len(archives) != 1 {
		respondInvalidRequest(c, "archive_required", "exactly one archive file is required")
		return
	}

	result, err := h.projects.CreateProjectFromArchive(c.Request.Context(), currentUserID(c), projects.ArchiveImport{
		Filename:    archives[0].Filename,
		Data:        archives[0].Data,
		Name:        formValue(form, "name"),
		Description: formValue(form, "description"),
		Title:       formValue(form, "commit_title"),
		Message:     formValue(form, "message"),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newIngestResponse(result))
}

func (h *httpHandler) handleCreateProject(c *gin.Context) {
	var request createProjectPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidRequest(c, "invalid_body", "request body must be a JSON project")
		return
	}
	project, err := h.projects.CreateProject(c.Request.Context(), currentUserID(c), request.Name, request.Description)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

func (h *httpHandler) handleListProjects(c *gin.Context) {
	projectList, err := h.projects.ListProjects(c.Request.Context(), currentUserID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projectList})
}

func (h *httpHandler) handleGetProject(c *gin.Context) {
	project, ok := h.authorizeProject(c, trimmedParam(c, "projectID"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, project)
}

func (h *httpHandler) handleUpdateProject(c *gin.Context) {
	var request updateProjectPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Description == nil {
		respondInvalidRequest(c, "invalid_body", "description is required")
		return
	}
	project, err := h.projects.UpdateDescription(c.Request.Context(), currentUserID(c), trimmedParam(c, "projectID"), *request.Description)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

func (h *httpHandler) handleAddCollaborator(c *gin.Context) {
	var request collaboratorPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		respondInvalidRequest(c, "invalid_body", "user_id is required")
		return
	}
	project, err := h.projects.AddCollaborator(c.Request.Context(), currentUserID(c), trimmedParam(c, "projectID"), request.UserID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

func (h *httpHandler) handleRemoveCollaborator(c *gin.Context) {
	project, err := h.projects.RemoveCollaborator(c.Request.Context(), currentUserID(c), trimmedParam(c, "projectID"), trimmedParam(c, "userID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

// handleCommitChanges accepts either a multipart upload with archives and an optional
// "changes" JSON array of edits, or a JSON body with edits only.
func (h *httpHandler) handleCommitChanges(c *gin.Context) {
	projectID := trimmedParam(c, "projectID")
	var (
		sources []projects.ChangeSource
		title   string
		message string
	)

	if isMultipart(c) {
		form, archives, err := readMultipartArchives(c)
		if err != nil {
			respondBodyError(c, err)
			return
		}
		for _, uploaded := range archives {
			sources = append(sources, projects.ArchiveSource{Filename: uploaded.Filename, Data: uploaded.Data})
		}
		if rawChanges := strings.TrimSpace(formValue(form, "changes")); rawChanges != "" {
			var edits []projects.FileEdit
			if err := json.Unmarshal([]byte(rawChanges), &edits); err != nil {
				respondInvalidRequest(c, "invalid_changes", "changes must be a JSON array of edits")
				return
			}
			if len(edits) > 0 {
				sources = append(sources, projects.EditsSource{Edits: edits})
			}
		}
		title = formValue(form, "title")
		message = formValue(form, "message")
	} else {
		var request commitChangesPayload
		if err := c.ShouldBindJSON(&request); err != nil {
			respondBodyError(c, translateBodyError(err))
			return
		}
		if len(request.Edits) > 0 {
			sources = append(sources, projects.EditsSource{Edits: request.Edits})
		}
		title = request.Title
		message = request.Message
	}

	result, err := h.projects.CommitChanges(c.Request.Context(), currentUserID(c), projectID, sources, title, message)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newIngestResponse(result))
}

func (h *httpHandler) handleEditFile(c *gin.Context) {
	var request editFilePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBodyError(c, translateBodyError(err))
		return
	}
	if request.Content == nil {
		respondInvalidRequest(c, "invalid_body", "content is required")
		return
	}
	file, commit, err := h.projects.CommitSingleFileEdit(
		c.Request.Context(),
		currentUserID(c),
		trimmedParam(c, "projectID"),
		trimmedParam(c, "fileID"),
		*request.Content,
		request.BaseVersion,
		request.Title,
		request.Message,
	)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"file": file, "commit": commit})
}

// authorizeProject loads the project when the current user is a member and writes an error otherwise.
func (h *httpHandler) authorizeProject(c *gin.Context, projectID string) (store.Project, bool) {
	project, err := h.projects.GetProject(c.Request.Context(), currentUserID(c), projectID)
	if err != nil {
		h.respondError(c, err)
		return store.Project{}, false
	}
	return project, true
}
