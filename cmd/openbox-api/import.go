package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarcoPoloResearchLab/openbox/backend/internal/projects"
	"github.com/spf13/cobra"
)

type importSummary struct {
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	Slug      string `json:"slug"`
	CommitID  string `json:"commit_id"`
	Files     int    `json:"files"`
}

func newImportCommand() *cobra.Command {
	var (
		ownerID     string
		projectID   string
		name        string
		description string
		title       string
		message     string
	)
	cmd := &cobra.Command{
		Use:   "import <archive.zip>",
		Short: "Import a ZIP archive as a new project or as a commit to an existing one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(ownerID) == "" {
				return fmt.Errorf("--owner is required")
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			rt, err := loadRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			service, err := rt.newProjectsService(cmd.Context(), nil)
			if err != nil {
				return err
			}

			filename := filepath.Base(args[0])
			var result projects.IngestResult
			if strings.TrimSpace(projectID) == "" {
				result, err = service.CreateProjectFromArchive(cmd.Context(), ownerID, projects.ArchiveImport{
					Filename:    filename,
					Data:        data,
					Name:        name,
					Description: description,
					Title:       title,
					Message:     message,
				})
			} else {
				result, err = service.CommitChanges(cmd.Context(), ownerID, projectID, []projects.ChangeSource{
					projects.ArchiveSource{Filename: filename, Data: data},
				}, title, message)
			}
			if err != nil {
				return err
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(importSummary{
				ProjectID: result.Project.ProjectID,
				Name:      result.Project.Name,
				Slug:      result.Project.Slug,
				CommitID:  result.Commit.CommitID,
				Files:     len(result.Commit.Files),
			})
		},
	}
	cmd.Flags().StringVar(&ownerID, "owner", "", "User identifier recorded as author")
	cmd.Flags().StringVar(&projectID, "project", "", "Existing project to commit to")
	cmd.Flags().StringVar(&name, "name", "", "Project name (defaults to the archive name)")
	cmd.Flags().StringVar(&description, "description", "", "Project description")
	cmd.Flags().StringVar(&title, "title", "", "Commit title")
	cmd.Flags().StringVar(&message, "message", "", "Commit message")
	return cmd
}
