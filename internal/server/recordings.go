package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harix786/vdr-plugin-robotv/internal/protocol"
)

// DirRecordings resolves recording ids to .ts files under a directory.
type DirRecordings struct {
	dir string
}

// NewDirRecordings creates a resolver rooted at dir.
func NewDirRecordings(dir string) *DirRecordings {
	return &DirRecordings{dir: dir}
}

// Resolve maps an id to its file path. Ids are plain file names; path
// separators and parent references are rejected so a client cannot
// escape the recordings directory.
func (d *DirRecordings) Resolve(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", fmt.Errorf("%w: bad id %q", protocol.ErrUnknownRecording, id)
	}

	path := filepath.Join(d.dir, id)
	if !strings.HasSuffix(path, ".ts") {
		path += ".ts"
	}

	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %q", protocol.ErrUnknownRecording, id)
	}
	return path, nil
}
