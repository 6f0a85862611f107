package handler

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/CageChen/plugdeck/internal/fs"
	"github.com/CageChen/plugdeck/internal/preview"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// FileRecorder receives file operation metrics.
type FileRecorder interface {
	FileOp(op, outcome string)
	Uploaded(bytes int64)
}

// Breadcrumb is one step of the path from the root to a directory.
type Breadcrumb struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// ListResponse represents the response for a directory listing
type ListResponse struct {
	Path        string       `json:"path"`
	Breadcrumbs []Breadcrumb `json:"breadcrumbs"`
	Items       []fs.Entry   `json:"items"`
}

// UploadResponse represents the response for a stored upload
type UploadResponse struct {
	Success  bool      `json:"success"`
	Filename string    `json:"filename"`
	Size     int64     `json:"size"`
	MimeType string    `json:"mimeType,omitempty"`
	Modified time.Time `json:"modified"`
}

// PreviewResponse represents a rendered file
type PreviewResponse struct {
	*preview.Result
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// FileConfig configures a FileHandler.
type FileConfig struct {
	// AllowOverwrite is used when an upload does not pass ?overwrite=.
	AllowOverwrite bool
	Recorder       FileRecorder
	Logger         *zap.Logger
}

// FileHandler handles the plugin file API
type FileHandler struct {
	store          *fs.Store
	renderer       *preview.Renderer
	allowOverwrite bool
	recorder       FileRecorder
	logger         *zap.Logger
}

type nopFileRecorder struct{}

func (nopFileRecorder) FileOp(string, string) {}
func (nopFileRecorder) Uploaded(int64)        {}

// NewFileHandler creates a new file handler
func NewFileHandler(store *fs.Store, renderer *preview.Renderer, cfg FileConfig) *FileHandler {
	if cfg.Recorder == nil {
		cfg.Recorder = nopFileRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &FileHandler{
		store:          store,
		renderer:       renderer,
		allowOverwrite: cfg.AllowOverwrite,
		recorder:       cfg.Recorder,
		logger:         cfg.Logger,
	}
}

// List returns the entries of the directory ?path= ("" is the root).
func (h *FileHandler) List(c *gin.Context) {
	rel := c.Query("path")

	items, err := h.store.List(rel)
	h.recorder.FileOp("list", outcome(err))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	clean := cleanRel(rel)
	c.JSON(http.StatusOK, ListResponse{
		Path:        clean,
		Breadcrumbs: breadcrumbs(clean),
		Items:       items,
	})
}

// cleanRel normalizes a root-relative path for responses; the root is "".
func cleanRel(rel string) string {
	clean := path.Clean(rel)
	if clean == "." {
		return ""
	}
	return clean
}

func breadcrumbs(rel string) []Breadcrumb {
	crumbs := []Breadcrumb{}
	if rel == "" {
		return crumbs
	}
	parts := strings.Split(rel, "/")
	for i, part := range parts {
		crumbs = append(crumbs, Breadcrumb{
			Name: part,
			Path: strings.Join(parts[:i+1], "/"),
		})
	}
	return crumbs
}

// Upload streams the multipart field "file" into the directory ?path=.
// ?overwrite=true replaces an existing file.
func (h *FileHandler) Upload(c *gin.Context) {
	overwrite := h.allowOverwrite
	if v := c.Query("overwrite"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "invalid overwrite flag: " + v,
			})
			return
		}
		overwrite = b
	}

	reader, err := c.Request.MultipartReader()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "expected a multipart upload",
		})
		return
	}

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "malformed multipart body: " + err.Error(),
			})
			return
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}

		filename := part.FileName()
		if filename == "" {
			_ = part.Close()
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "no filename provided",
			})
			return
		}

		entry, err := h.store.Upload(c.Request.Context(), c.Query("path"), filename, part, overwrite)
		_ = part.Close()
		h.recorder.FileOp("upload", outcome(err))
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		h.recorder.Uploaded(entry.Size)

		c.JSON(http.StatusOK, UploadResponse{
			Success:  true,
			Filename: entry.Name,
			Size:     entry.Size,
			MimeType: entry.MimeType,
			Modified: entry.ModTime,
		})
		return
	}

	c.JSON(http.StatusBadRequest, gin.H{
		"error": "no file provided",
	})
}

// Mkdir creates the folder ?name= inside ?path=.
func (h *FileHandler) Mkdir(c *gin.Context) {
	entry, err := h.store.Mkdir(c.Query("path"), c.Query("name"))
	h.recorder.FileOp("mkdir", outcome(err))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"folder":  entry.Name,
	})
}

// Delete removes the file or folder at ?path=.
func (h *FileHandler) Delete(c *gin.Context) {
	rel := c.Query("path")
	if rel == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "path required",
		})
		return
	}

	err := h.store.Delete(rel)
	h.recorder.FileOp("delete", outcome(err))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"deleted": rel,
	})
}

// Raw downloads the file at ?path=.
func (h *FileHandler) Raw(c *gin.Context) {
	f, entry, err := h.store.Open(c.Query("path"))
	h.recorder.FileOp("download", outcome(err))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	defer func() { _ = f.Close() }()

	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": entry.Name}))
	c.Header("X-Content-Type-Options", "nosniff")
	http.ServeContent(c.Writer, c.Request, entry.Name, entry.ModTime, f)
}

// Preview renders the file at ?path= as HTML.
func (h *FileHandler) Preview(c *gin.Context) {
	rel := c.Query("path")
	f, entry, err := h.store.Open(rel)
	if err == nil && entry.Size > h.renderer.MaxBytes() {
		_ = f.Close()
		err = preview.ErrTooLarge
	}
	if err != nil {
		h.recorder.FileOp("preview", outcome(err))
		respondError(c, h.logger, err)
		return
	}
	defer func() { _ = f.Close() }()

	result, err := h.renderer.Render(entry.Name, f)
	h.recorder.FileOp("preview", outcome(err))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, PreviewResponse{
		Result:   result,
		Path:     cleanRel(rel),
		Size:     entry.Size,
		Modified: entry.ModTime,
	})
}

// PreviewCSS serves the stylesheet for highlighted previews.
func (h *FileHandler) PreviewCSS(c *gin.Context) {
	css, err := h.renderer.CSS()
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Header("Cache-Control", "public, max-age=3600")
	c.Data(http.StatusOK, "text/css; charset=utf-8", []byte(css))
}
