package httpapi

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const defaultCheckFile = "CHANGELOG"

type fileNode struct {
	Type     string     `json:"type"`
	Name     string     `json:"name"`
	Path     string     `json:"path"`
	Contents []fileNode `json:"contents,omitempty"`
}

// handleCheckFile reports whether a file exists in the rhubarb lib directory.
func (s *Server) handleCheckFile(w http.ResponseWriter, r *http.Request) {
	if s.opts.RhubarbDir == "" {
		respondError(w, http.StatusNotFound, "not_configured", "rhubarb directory not configured")
		return
	}
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		name = defaultCheckFile
	}
	if name != filepath.Base(name) || name == "." || name == ".." {
		respondError(w, http.StatusBadRequest, "invalid_name", "name must be a plain file name")
		return
	}

	dir := filepath.Join(s.opts.RhubarbDir, "lib")
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.logger.Error("read rhubarb lib dir", "dir", dir, "err", err)
		respondError(w, http.StatusInternalServerError, "read_error", "error reading directory")
		return
	}
	found := slices.ContainsFunc(entries, func(e os.DirEntry) bool { return e.Name() == name })
	msg := fmt.Sprintf("File %q is not found in directory.", name)
	if found {
		msg = fmt.Sprintf("File %q found in directory.", name)
	}
	respondJSON(w, http.StatusOK, map[string]any{"file": name, "exists": found, "message": msg})
}

// handleListRhubarbFiles returns the rhubarb install directory as a tree.
func (s *Server) handleListRhubarbFiles(w http.ResponseWriter, _ *http.Request) {
	if s.opts.RhubarbDir == "" {
		respondError(w, http.StatusNotFound, "not_configured", "rhubarb directory not configured")
		return
	}
	tree, err := listTree(s.opts.RhubarbDir)
	if err != nil {
		s.logger.Error("list rhubarb dir", "dir", s.opts.RhubarbDir, "err", err)
		respondError(w, http.StatusInternalServerError, "read_error", "error reading directory")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"path": s.opts.RhubarbDir, "contents": tree})
}

func listTree(dir string) ([]fileNode, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]fileNode, 0, len(entries))
	for _, e := range entries {
		full := filepath.Join(dir, e.Name())
		if !e.IsDir() {
			out = append(out, fileNode{Type: "file", Name: e.Name(), Path: full})
			continue
		}
		children, err := listTree(full)
		if err != nil {
			return nil, err
		}
		out = append(out, fileNode{Type: "directory", Name: e.Name(), Path: full, Contents: children})
	}
	return out, nil
}
