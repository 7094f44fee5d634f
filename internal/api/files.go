package api

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/converso-chat/converso/pkg/protocol"
)

// fileInfo is one entry in a session's file listing. Size is pre-formatted
// for display, matching what the chat UI renders.
type fileInfo struct {
	FileName     string `json:"fileName"`
	Name         string `json:"name"`
	Extension    string `json:"extension"`
	Size         string `json:"size"`
	DateUploaded string `json:"dateUploaded"`
}

// sanitizeFilename removes path separators and unsafe characters from a
// filename for use on disk and in Content-Disposition headers.
func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "\\", "_")
	if name == "." || name == ".." || name == "" {
		name = "download"
	}
	return name
}

// sessionDir resolves the on-disk directory for a session's files, rejecting
// path traversal through the session ID.
func (s *Server) sessionDir(sessionID string) (string, bool) {
	safe := filepath.Base(sessionID)
	if safe == "." || safe == ".." || safe != sessionID {
		return "", false
	}
	return filepath.Join(s.fileStoragePath, safe), true
}

// handleListFiles handles GET /api/sessions/{sessionID}/files.
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	dir, ok := s.sessionDir(sessionID)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		writeJSON(w, http.StatusOK, []fileInfo{})
		return
	}
	if err != nil {
		s.logger.Warn("list files failed", "session", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list files")
		return
	}

	files := make([]fileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{
			FileName:     e.Name(),
			Name:         displayName(e.Name()),
			Extension:    filepath.Ext(e.Name()),
			Size:         formatFileSize(fi.Size()),
			DateUploaded: fi.ModTime().Format("02/01/2006 15:04"),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].DateUploaded > files[j].DateUploaded })

	writeJSON(w, http.StatusOK, files)
}

// handleDownloadFile handles GET /api/sessions/{sessionID}/files/{fileName}.
func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	fileName := chi.URLParam(r, "fileName")

	dir, ok := s.sessionDir(sessionID)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	safeName := sanitizeFilename(fileName)
	if safeName != fileName {
		writeError(w, http.StatusBadRequest, "invalid file name")
		return
	}
	filePath := filepath.Join(dir, safeName)

	// Reject symlinks to prevent path traversal.
	fi, err := os.Lstat(filePath)
	if err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		writeError(w, http.StatusForbidden, "access denied")
		return
	}

	mimeType := mime.TypeByExtension(filepath.Ext(safeName))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`, safeName, url.PathEscape(safeName)))
	http.ServeFile(w, r, filePath)
}

// handleUploadFile handles POST /api/sessions/{sessionID}/files. The file is
// written under the session's directory and a file_upload notification is
// published to the session's agent-mode members. The broker never carries
// file bytes, only the notification.
func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	dir, ok := s.sessionDir(sessionID)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxFileBytes+1024) // small overhead for multipart headers

	if err := r.ParseMultipartForm(s.maxFileBytes); err != nil {
		writeError(w, http.StatusBadRequest, "file too large or invalid multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer func() { _ = file.Close() }()

	if header.Size > s.maxFileBytes {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file exceeds maximum size of %d bytes", s.maxFileBytes))
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read file")
		return
	}

	fileName := sanitizeFilename(header.Filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Warn("failed to create file directory", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save file")
		return
	}
	if err := os.WriteFile(filepath.Join(dir, fileName), data, 0o644); err != nil {
		s.logger.Warn("failed to write file", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save file")
		return
	}

	if err := s.store.TouchSession(r.Context(), sessionID, time.Now()); err != nil {
		s.logger.Warn("touch session failed", "session", sessionID, "error", err)
	}

	ev := protocol.NewFileUpload(
		fileName,
		formatFileSize(int64(len(data))),
		filepath.Ext(fileName),
		fmt.Sprintf("Archivo recibido: %s", displayName(fileName)),
	)
	report, err := s.router.Publish(sessionID, ev, "")
	if err != nil {
		// Nobody connected: the file is stored anyway, the listing shows it.
		s.logger.Debug("file notification not delivered", "session", sessionID, "error", err)
	}

	s.logger.Info("file uploaded", "session", sessionID, "file", fileName,
		"size", len(data), "notified", report.Delivered)
	writeJSON(w, http.StatusOK, map[string]any{
		"fileName": fileName,
		"size":     len(data),
		"notified": report.Delivered,
	})
}

// displayName strips the timestamp prefix upload clients prepend ("123_name.pdf").
func displayName(fileName string) string {
	if i := strings.Index(fileName, "_"); i >= 0 {
		return fileName[i+1:]
	}
	return fileName
}

// formatFileSize renders a byte count for display ("1.5 KB").
func formatFileSize(bytes int64) string {
	suffixes := []string{"B", "KB", "MB", "GB", "TB"}
	n := float64(bytes)
	i := 0
	for n >= 1024 && i < len(suffixes)-1 {
		n /= 1024
		i++
	}
	if i == 0 {
		return fmt.Sprintf("%d B", bytes)
	}
	return fmt.Sprintf("%.1f %s", n, suffixes[i])
}
