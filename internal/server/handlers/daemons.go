package handlers

import (
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/undergrid/hell/internal/config"
	derrors "github.com/undergrid/hell/internal/foundation/errors"
	"github.com/undergrid/hell/internal/hell"
	"github.com/undergrid/hell/internal/registry"
)

// DaemonHandlers serves the /api/daemons and /api/daemon/{name} endpoints.
type DaemonHandlers struct {
	ctrl    *hell.Controller
	cfg     config.UpdateConfig
	adapter *derrors.HTTPErrorAdapter
}

// NewDaemonHandlers builds the daemon handler set.
func NewDaemonHandlers(ctrl *hell.Controller, cfg config.UpdateConfig, adapter *derrors.HTTPErrorAdapter) *DaemonHandlers {
	return &DaemonHandlers{ctrl: ctrl, cfg: cfg, adapter: adapter}
}

// List handles GET /api/daemons/.
func (h *DaemonHandlers) List(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.DaemonList())
}

// Create handles POST /api/daemons/create.
func (h *DaemonHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var spec registry.CreateSpec
	if err := decodeJSON(r, &spec); err != nil {
		h.adapter.WriteErrorResponse(w, err)
		return
	}
	d, err := h.ctrl.DaemonCreate(r.Context(), spec)
	if err != nil {
		h.adapter.WriteErrorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// byName resolves the {name} path segment to a daemon snapshot.
func (h *DaemonHandlers) byName(w http.ResponseWriter, r *http.Request) (*registry.Daemon, bool) {
	d, err := h.ctrl.DaemonGetByName(r.PathValue("name"))
	if err != nil {
		h.adapter.WriteErrorResponse(w, err)
		return nil, false
	}
	return d, true
}

// Start handles POST /api/daemon/{name}/start.
func (h *DaemonHandlers) Start(w http.ResponseWriter, r *http.Request) {
	d, ok := h.byName(w, r)
	if !ok {
		return
	}
	started, err := h.ctrl.DaemonStart(r.Context(), d.ID)
	if err != nil {
		h.adapter.WriteErrorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, started)
}

// Stop handles POST /api/daemon/{name}/stop.
func (h *DaemonHandlers) Stop(w http.ResponseWriter, r *http.Request) {
	d, ok := h.byName(w, r)
	if !ok {
		return
	}
	stopped, err := h.ctrl.DaemonStop(r.Context(), d.ID)
	if err != nil {
		h.adapter.WriteErrorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stopped)
}

// Restart handles POST /api/daemon/{name}/restart.
func (h *DaemonHandlers) Restart(w http.ResponseWriter, r *http.Request) {
	d, ok := h.byName(w, r)
	if !ok {
		return
	}
	restarted, err := h.ctrl.DaemonRestart(r.Context(), d.ID)
	if err != nil {
		h.adapter.WriteErrorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, restarted)
}

// Delete handles DELETE /api/daemon/{name}.
func (h *DaemonHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	d, ok := h.byName(w, r)
	if !ok {
		return
	}
	if err := h.ctrl.DaemonDelete(r.Context(), d.ID); err != nil {
		h.adapter.WriteErrorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": d.Name})
}

// Update handles POST /api/daemon/{name}/update. A multipart upload carries a
// zip archive for a signature-diff patch; a JSON body carries a repository
// reference for a full sync.
func (h *DaemonHandlers) Update(w http.ResponseWriter, r *http.Request) {
	d, ok := h.byName(w, r)
	if !ok {
		return
	}

	var req hell.UpdateRequest
	contentType := r.Header.Get("Content-Type")
	if isMultipart(contentType) {
		path, cleanup, err := h.saveUpload(r)
		if err != nil {
			h.adapter.WriteErrorResponse(w, err)
			return
		}
		defer cleanup()
		req.ArchivePath = path
	} else {
		if err := decodeJSON(r, &req); err != nil {
			h.adapter.WriteErrorResponse(w, err)
			return
		}
	}

	job, err := h.ctrl.DaemonUpdate(r.Context(), d.ID, req)
	if err != nil {
		h.adapter.WriteErrorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func isMultipart(contentType string) bool {
	return len(contentType) >= 19 && contentType[:19] == "multipart/form-data"
}

// saveUpload spools the uploaded archive into the update workspace so the
// update manager can open it as a zip file.
func (h *DaemonHandlers) saveUpload(r *http.Request) (string, func(), error) {
	maxBytes := h.cfg.MaxArchiveBytes
	if maxBytes <= 0 {
		maxBytes = 256 << 20
	}
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		return "", nil, derrors.WrapError(err, derrors.CategoryValidation, "invalid multipart upload").Build()
	}
	file, _, err := r.FormFile("archive")
	if err != nil {
		return "", nil, derrors.ValidationError("archive file field is required").Build()
	}
	defer file.Close()

	dir := h.cfg.WorkspaceDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, derrors.WrapError(err, derrors.CategoryFileSystem, "create upload workspace").Build()
	}
	dest := filepath.Join(dir, "upload-"+uuid.NewString()+".zip")
	out, err := os.Create(dest) // #nosec G304 - path built from workspace dir and a fresh uuid
	if err != nil {
		return "", nil, derrors.WrapError(err, derrors.CategoryFileSystem, "spool uploaded archive").Build()
	}
	if _, err := io.Copy(out, file); err != nil {
		_ = out.Close()
		_ = os.Remove(dest)
		return "", nil, derrors.WrapError(err, derrors.CategoryFileSystem, "spool uploaded archive").Build()
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dest)
		return "", nil, derrors.WrapError(err, derrors.CategoryFileSystem, "spool uploaded archive").Build()
	}
	return dest, func() { _ = os.Remove(dest) }, nil
}
