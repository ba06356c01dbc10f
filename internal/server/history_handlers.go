package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const maxCommitPageSize = 200

func (h *httpHandler) handleListCommits(c *gin.Context) {
	projectID := trimmedParam(c, "projectID")
	if _, ok := h.authorizeProject(c, projectID); !ok {
		return
	}
	limit, ok := queryInt(c, "limit", 0)
	if !ok || limit < 0 || limit > maxCommitPageSize {
		respondInvalidRequest(c, "invalid_limit", "limit must be between 0 and 200")
		return
	}
	offset, ok := queryInt(c, "offset", 0)
	if !ok || offset < 0 {
		respondInvalidRequest(c, "invalid_offset", "offset must not be negative")
		return
	}
	commits, err := h.projects.ListCommits(c.Request.Context(), projectID, int(limit), int(offset))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commits": commits})
}

func (h *httpHandler) handleListFiles(c *gin.Context) {
	projectID := trimmedParam(c, "projectID")
	if _, ok := h.authorizeProject(c, projectID); !ok {
		return
	}
	files, err := h.projects.ListFiles(c.Request.Context(), projectID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}

func (h *httpHandler) handleVersionDiff(c *gin.Context) {
	projectID := trimmedParam(c, "projectID")
	if _, ok := h.authorizeProject(c, projectID); !ok {
		return
	}
	from, fromOK := queryInt(c, "from", 0)
	to, toOK := queryInt(c, "to", 0)
	if !fromOK || !toOK {
		respondInvalidRequest(c, "invalid_version", "from and to must be integers")
		return
	}
	diff, err := h.projects.GetDiffBetweenVersions(c.Request.Context(), projectID, c.Query("path"), from, to)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, diff)
}

func (h *httpHandler) handleGetFile(c *gin.Context) {
	file, err := h.projects.GetFile(c.Request.Context(), trimmedParam(c, "fileID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if _, ok := h.authorizeProject(c, file.ProjectID); !ok {
		return
	}
	c.JSON(http.StatusOK, file)
}

func (h *httpHandler) handleFileHistory(c *gin.Context) {
	fileID := trimmedParam(c, "fileID")
	file, err := h.projects.GetFile(c.Request.Context(), fileID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if _, ok := h.authorizeProject(c, file.ProjectID); !ok {
		return
	}
	history, err := h.projects.FileHistory(c.Request.Context(), fileID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"file": file, "history": history})
}

func (h *httpHandler) handleGetCommit(c *gin.Context) {
	commit, err := h.projects.GetCommit(c.Request.Context(), trimmedParam(c, "commitID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if _, ok := h.authorizeProject(c, commit.ProjectID); !ok {
		return
	}
	c.JSON(http.StatusOK, commit)
}

func (h *httpHandler) handleCommitDiff(c *gin.Context) {
	commitID := trimmedParam(c, "commitID")
	commit, err := h.projects.GetCommit(c.Request.Context(), commitID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if _, ok := h.authorizeProject(c, commit.ProjectID); !ok {
		return
	}
	fileDiffs, err := h.projects.GetCommitDiff(c.Request.Context(), commitID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commit_id": commitID, "files": fileDiffs})
}

func queryInt(c *gin.Context, key string, fallback int64) (int64, bool) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return fallback, true
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}
