package projects

// ChangeSource is one origin of file content for an ingestion:
// ArchiveSource, EditsSource or FileEditSource.
type ChangeSource interface {
	isChangeSource()
}

// ArchiveSource is an uploaded ZIP folder.
type ArchiveSource struct {
	Filename string
	Data     []byte
}

// FileEdit replaces the content of one path. A positive ExpectedVersion must match
// the stored version; zero applies the edit to whatever version is current.
type FileEdit struct {
	Path            string `json:"path"`
	Content         string `json:"content"`
	ExpectedVersion int64  `json:"base_version,omitempty"`
}

// EditsSource is a list of inline edits addressed by path.
type EditsSource struct {
	Edits []FileEdit
}

// FileEditSource replaces the content of an existing file addressed by identifier.
type FileEditSource struct {
	FileID          string
	Content         string
	ExpectedVersion int64
}

func (ArchiveSource) isChangeSource()  {}
func (EditsSource) isChangeSource()    {}
func (FileEditSource) isChangeSource() {}
