package api

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/lynexus/lynexus-agent/internal/session"
)

const (
	// maxBundleBytes caps an imported bundle and an upload request.
	maxBundleBytes = 32 << 20

	// bundleSettings and bundleTools are the entries under a bundle's
	// root folder.
	bundleSettings = "settings.json"
	bundleTools    = "tools"

	// relToolPrefix marks an MCP path that points into the bundle.
	relToolPrefix = "./" + bundleTools + "/"
)

// mcpExtensions are the MCP config formats accepted by upload.
var mcpExtensions = []string{".json", ".yaml", ".yml", ".toml"}

// BundleSettings is settings.json inside a conversation bundle. The
// API key is always redacted.
type BundleSettings struct {
	Title string `json:"title"`
	session.Settings
}

// toolsDir is where uploaded MCP config files of a conversation live.
func (s *Server) toolsDir(id string) string {
	return filepath.Join(s.dataDir, "conversations", id, bundleTools)
}

func (s *Server) requireDataDir(w http.ResponseWriter) bool {
	if s.dataDir == "" {
		s.errorResponse(w, http.StatusServiceUnavailable, "no data directory configured")
		return false
	}
	return true
}

// handleBundleExport answers a zip holding the conversation settings
// and its uploaded MCP files. MCP paths inside the tools directory are
// rewritten relative to the bundle.
func (s *Server) handleBundleExport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.storeError(w, "get conversation", err)
		return
	}
	st, ok := s.conversationSettings(w, r, id)
	if !ok {
		return
	}

	dir := ""
	if s.dataDir != "" {
		dir = s.toolsDir(id)
	}
	st = st.Redacted()
	for i, p := range st.MCPPaths {
		if rel, ok := within(dir, p); ok {
			st.MCPPaths[i] = relToolPrefix + rel
		}
	}

	var buf bytes.Buffer
	if err := writeBundle(&buf, id, BundleSettings{Title: conv.Title, Settings: st}, dir); err != nil {
		s.logger.Error("bundle export failed", "conversation", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "export conversation: "+err.Error())
		return
	}
	s.logger.Info("conversation exported", "conversation", id, "bytes", buf.Len())

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+"_config.zip"))
	w.Write(buf.Bytes())
}

func writeBundle(w io.Writer, root string, settings BundleSettings, toolsDir string) error {
	zw := zip.NewWriter(w)

	f, err := zw.Create(path.Join(root, bundleSettings))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(settings); err != nil {
		return err
	}

	if toolsDir != "" {
		err := filepath.WalkDir(toolsDir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(toolsDir, p)
			if err != nil {
				return err
			}
			return addFile(zw, path.Join(root, bundleTools, filepath.ToSlash(rel)), p)
		})
		if err != nil {
			return fmt.Errorf("add tools: %w", err)
		}
	}
	return zw.Close()
}

func addFile(zw *zip.Writer, name, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	return err
}

// handleBundleImport creates a conversation from an exported bundle.
// The optional form field "name" overrides the bundled title. A
// redacted key in the bundle keeps the default key.
func (s *Server) handleBundleImport(w http.ResponseWriter, r *http.Request) {
	if !s.requireDataDir(w) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBundleBytes)
	file, _, err := r.FormFile("file")
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "a zip file is required in field \"file\"")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "read upload: "+err.Error())
		return
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid zip: "+err.Error())
		return
	}
	root, raw, err := readBundle(zr)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	var settings BundleSettings
	if err := json.Unmarshal(raw, &settings); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "decode "+bundleSettings+": "+err.Error())
		return
	}

	title := strings.TrimSpace(r.FormValue("name"))
	if title == "" {
		title = settings.Title
	}
	conv, err := s.store.Create(r.Context(), title)
	if err != nil {
		s.storeError(w, "create conversation", err)
		return
	}
	fail := func(code int, msg string) {
		s.store.Delete(r.Context(), conv.ID)
		os.RemoveAll(filepath.Dir(s.toolsDir(conv.ID)))
		s.errorResponse(w, code, msg)
	}

	dir := s.toolsDir(conv.ID)
	if err := extractTools(zr, root, dir); err != nil {
		fail(http.StatusBadRequest, "extract tools: "+err.Error())
		return
	}
	// Fields missing from the bundle keep the new conversation's
	// defaults.
	st, err := s.store.Settings(r.Context(), conv.ID)
	if err != nil {
		fail(http.StatusInternalServerError, "get settings: "+err.Error())
		return
	}
	st.APIKey = ""
	if err := json.Unmarshal(raw, &st); err != nil {
		fail(http.StatusBadRequest, "decode "+bundleSettings+": "+err.Error())
		return
	}
	for i, p := range st.MCPPaths {
		rel, ok := strings.CutPrefix(p, relToolPrefix)
		if !ok {
			continue
		}
		abs := filepath.Join(dir, filepath.FromSlash(rel))
		if _, ok := within(dir, abs); !ok {
			fail(http.StatusBadRequest, fmt.Sprintf("mcp path %q escapes the tools directory", p))
			return
		}
		st.MCPPaths[i] = abs
	}
	if err := st.Validate(); err != nil {
		fail(http.StatusBadRequest, "invalid settings: "+err.Error())
		return
	}
	if err := s.store.UpdateSettings(r.Context(), conv.ID, st); err != nil {
		fail(http.StatusInternalServerError, "update settings: "+err.Error())
		return
	}
	s.logger.Info("conversation imported", "conversation", conv.ID, "bundle", root)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, conv, s.logger)
}

// readBundle finds the root folder from the first entry and reads its
// settings.json.
func readBundle(zr *zip.Reader) (string, []byte, error) {
	if len(zr.File) == 0 {
		return "", nil, errors.New("zip is empty")
	}
	root, _, _ := strings.Cut(zr.File[0].Name, "/")

	f, err := zr.Open(path.Join(root, bundleSettings))
	if err != nil {
		return "", nil, fmt.Errorf("%s/%s not found in zip", root, bundleSettings)
	}
	defer f.Close()
	raw, err := io.ReadAll(io.LimitReader(f, 1<<20))
	if err != nil {
		return "", nil, fmt.Errorf("read %s: %w", bundleSettings, err)
	}
	return root, raw, nil
}

// extractTools writes root/tools/* into dir. Entries that would land
// outside dir are rejected.
func extractTools(zr *zip.Reader, root, dir string) error {
	prefix := path.Join(root, bundleTools) + "/"
	for _, f := range zr.File {
		rel, ok := strings.CutPrefix(f.Name, prefix)
		if !ok || rel == "" || f.FileInfo().IsDir() {
			continue
		}
		dest := filepath.Join(dir, filepath.FromSlash(rel))
		if _, ok := within(dir, dest); !ok {
			return fmt.Errorf("entry %q escapes the tools directory", f.Name)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if err := extractFile(f, dest); err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
	}
	return nil
}

func extractFile(f *zip.File, dest string) error {
	in, err := f.Open()
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, io.LimitReader(in, maxBundleBytes)); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// within reports whether p lies under dir, returning its slash path
// relative to dir.
func within(dir, p string) (string, bool) {
	if dir == "" {
		return "", false
	}
	rel, err := filepath.Rel(dir, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// MCPPathRequest is the body of POST .../mcp-tools.
type MCPPathRequest struct {
	FilePath string `json:"filePath"`
}

// handleMCPPathAdd appends an MCP config path to the conversation. The
// path may come as JSON or as the form field filePath.
func (s *Server) handleMCPPathAdd(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req MCPPathRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if !s.decodeBody(w, r, &req) {
			return
		}
	} else {
		req.FilePath = r.FormValue("filePath")
	}
	p := strings.TrimSpace(req.FilePath)
	if p == "" {
		s.errorResponse(w, http.StatusBadRequest, "filePath is required")
		return
	}

	paths, ok := s.appendMCPPaths(w, r, id, []string{p})
	if !ok {
		return
	}
	s.logger.Info("mcp path added", "conversation", id, "path", p)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"success": true, "mcpPaths": paths}, s.logger)
}

// handleMCPUpload stores uploaded MCP config files under the
// conversation's tools directory and adds them to its MCP paths. Files
// with other extensions are skipped.
func (s *Server) handleMCPUpload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.requireDataDir(w) {
		return
	}
	if _, err := s.store.Get(r.Context(), id); err != nil {
		s.storeError(w, "get conversation", err)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBundleBytes)
	if err := r.ParseMultipartForm(maxBundleBytes); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid upload: "+err.Error())
		return
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		s.errorResponse(w, http.StatusBadRequest, "no files in field \"files\"")
		return
	}

	dir := s.toolsDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Error("create tools dir failed", "dir", dir, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "create tools directory")
		return
	}
	var saved []string
	for _, fh := range headers {
		name := filepath.Base(filepath.Clean("/" + fh.Filename))
		if !slices.Contains(mcpExtensions, strings.ToLower(filepath.Ext(name))) {
			s.logger.Debug("upload skipped", "conversation", id, "file", fh.Filename)
			continue
		}
		dest := filepath.Join(dir, name)
		if err := saveUpload(fh, dest); err != nil {
			s.logger.Error("save upload failed", "file", dest, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "save "+name+": "+err.Error())
			return
		}
		saved = append(saved, dest)
	}

	if len(saved) > 0 {
		if _, ok := s.appendMCPPaths(w, r, id, saved); !ok {
			return
		}
	}
	s.logger.Info("mcp files uploaded", "conversation", id, "count", len(saved))

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"success":       true,
		"uploadedCount": len(saved),
		"paths":         saved,
	}, s.logger)
}

func saveUpload(fh *multipart.FileHeader, dest string) error {
	in, err := fh.Open()
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// appendMCPPaths adds the paths missing from the conversation's MCP
// paths and stores the result.
func (s *Server) appendMCPPaths(w http.ResponseWriter, r *http.Request, id string, paths []string) ([]string, bool) {
	st, ok := s.conversationSettings(w, r, id)
	if !ok {
		return nil, false
	}
	for _, p := range paths {
		if !slices.Contains(st.MCPPaths, p) {
			st.MCPPaths = append(st.MCPPaths, p)
		}
	}
	st.APIKey = ""
	if err := s.store.UpdateSettings(r.Context(), id, st); err != nil {
		s.storeError(w, "update settings", err)
		return nil, false
	}
	return st.MCPPaths, true
}
