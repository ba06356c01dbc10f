package store

// Project groups files and commits under one owner.
type Project struct {
	ProjectID        string         `gorm:"column:project_id;primaryKey;size:190;not null" json:"id"`
	Name             string         `gorm:"column:name;size:255;not null" json:"name"`
	Slug             string         `gorm:"column:slug;size:255;not null;index:idx_projects_slug" json:"slug"`
	Description      string         `gorm:"column:description;type:text;not null;default:''" json:"description"`
	OwnerID          string         `gorm:"column:owner_id;size:190;not null;index:idx_projects_owner_updated,priority:1" json:"owner_id"`
	CreatedAtSeconds int64          `gorm:"column:created_at_s;not null" json:"created_at_s"`
	UpdatedAtSeconds int64          `gorm:"column:updated_at_s;not null;index:idx_projects_owner_updated,priority:2" json:"updated_at_s"`
	Collaborators    []Collaborator `gorm:"foreignKey:ProjectID;references:ProjectID" json:"collaborators"`
}

// TableName provides the explicit table binding for GORM.
func (Project) TableName() string {
	return "projects"
}

// CollaboratorIDs lists the user identifiers with write access besides the owner.
func (p Project) CollaboratorIDs() []string {
	ids := make([]string, 0, len(p.Collaborators))
	for _, collaborator := range p.Collaborators {
		ids = append(ids, collaborator.UserID)
	}
	return ids
}

// HasMember reports whether userID owns or collaborates on the project.
func (p Project) HasMember(userID string) bool {
	if userID == "" {
		return false
	}
	if p.OwnerID == userID {
		return true
	}
	for _, collaborator := range p.Collaborators {
		if collaborator.UserID == userID {
			return true
		}
	}
	return false
}

// Collaborator grants a user access to a project.
type Collaborator struct {
	ProjectID      string `gorm:"column:project_id;primaryKey;size:190;not null" json:"project_id"`
	UserID         string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_collaborators_user" json:"user_id"`
	AddedAtSeconds int64  `gorm:"column:added_at_s;not null" json:"added_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Collaborator) TableName() string {
	return "project_collaborators"
}

// File holds the latest content of one path within a project.
type File struct {
	FileID           string  `gorm:"column:file_id;primaryKey;size:190;not null" json:"id"`
	ProjectID        string  `gorm:"column:project_id;size:190;not null;uniqueIndex:idx_files_project_path,priority:1" json:"project_id"`
	FilePath         string  `gorm:"column:file_path;size:1024;not null;uniqueIndex:idx_files_project_path,priority:2" json:"file_path"`
	FileName         string  `gorm:"column:file_name;size:255;not null" json:"file_name"`
	LatestContent    string  `gorm:"column:latest_content;type:text;not null" json:"latest_content"`
	LatestVersion    int64   `gorm:"column:latest_version;not null;default:1" json:"latest_version"`
	LastCommitID     *string `gorm:"column:last_commit_id;size:190" json:"last_commit_id"`
	ModifiedBy       string  `gorm:"column:modified_by;size:190;not null" json:"modified_by"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null" json:"created_at_s"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null" json:"updated_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (File) TableName() string {
	return "files"
}

// Commit is an immutable record of one batch of file changes.
type Commit struct {
	CommitID         string       `gorm:"column:commit_id;primaryKey;size:190;not null" json:"id"`
	ProjectID        string       `gorm:"column:project_id;size:190;not null;uniqueIndex:idx_commits_project_sequence,priority:1;index:idx_commits_project_created,priority:1" json:"project_id"`
	Sequence         int64        `gorm:"column:sequence;not null;uniqueIndex:idx_commits_project_sequence,priority:2" json:"sequence"`
	AuthorID         string       `gorm:"column:author_id;size:190;not null" json:"author_id"`
	Title            string       `gorm:"column:title;size:255;not null" json:"title"`
	Message          string       `gorm:"column:message;type:text;not null;default:''" json:"message"`
	CreatedAtSeconds int64        `gorm:"column:created_at_s;not null;index:idx_commits_project_created,priority:2" json:"created_at_s"`
	Files            []FileChange `gorm:"foreignKey:CommitID;references:CommitID" json:"files"`
}

// TableName provides the explicit table binding for GORM.
func (Commit) TableName() string {
	return "commits"
}

// FileChange is the snapshot of one file version recorded by a commit.
type FileChange struct {
	CommitID  string `gorm:"column:commit_id;primaryKey;size:190;not null" json:"commit_id"`
	Position  int    `gorm:"column:position;primaryKey;autoIncrement:false;not null" json:"position"`
	ProjectID string `gorm:"column:project_id;size:190;not null;uniqueIndex:idx_commit_files_path_version,priority:1" json:"project_id"`
	FileID    string `gorm:"column:file_id;size:190;not null;index:idx_commit_files_file" json:"file_id"`
	FilePath  string `gorm:"column:file_path;size:1024;not null;uniqueIndex:idx_commit_files_path_version,priority:2" json:"file_path"`
	FileName  string `gorm:"column:file_name;size:255;not null" json:"file_name"`
	Version   int64  `gorm:"column:version;not null;uniqueIndex:idx_commit_files_path_version,priority:3" json:"version"`
	Content   string `gorm:"column:content;type:text;not null" json:"content"`
	Diff      string `gorm:"column:diff;type:text;not null;default:''" json:"diff"`
}

// TableName provides the explicit table binding for GORM.
func (FileChange) TableName() string {
	return "commit_files"
}

// Models lists every persisted type for schema migration.
func Models() []any {
	return []any{&Project{}, &Collaborator{}, &File{}, &Commit{}, &FileChange{}}
}
