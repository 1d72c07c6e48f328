package controlapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/vesta/internal/domain"
	"github.com/oriys/vesta/internal/logging"
	"github.com/oriys/vesta/internal/runtimes"
)

var functionNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)

type codePayload struct {
	ZipFile string `json:"zip_file"` // base64
}

type createRequest struct {
	FunctionName string            `json:"function_name"`
	Runtime      string            `json:"runtime"`
	Handler      string            `json:"handler"`
	Code         codePayload       `json:"code"`
	MemorySize   int               `json:"memory_size,omitempty"`
	Timeout      int64             `json:"timeout,omitempty"` // ms
	Environment  map[string]string `json:"environment,omitempty"`
	Reservation  int               `json:"reservation,omitempty"`
	MinWarm      int               `json:"min_warm,omitempty"`
}

type functionView struct {
	FunctionName string            `json:"function_name"`
	State        string            `json:"state"`
	Runtime      string            `json:"runtime"`
	Handler      string            `json:"handler"`
	MemorySize   int               `json:"memory_size"`
	Timeout      int64             `json:"timeout"`
	CodeSize     int64             `json:"code_size"`
	CodeHash     string            `json:"code_sha256"`
	Version      int               `json:"version"`
	Environment  map[string]string `json:"environment,omitempty"`
	Reservation  int               `json:"reservation,omitempty"`
	LastModified time.Time         `json:"last_modified"`
}

func viewOf(fn *domain.Function) functionView {
	return functionView{
		FunctionName: fn.Name,
		State:        string(fn.State),
		Runtime:      string(fn.Runtime),
		Handler:      fn.Handler,
		MemorySize:   fn.MemoryMB,
		Timeout:      fn.TimeoutMs,
		CodeSize:     fn.CodeSize,
		CodeHash:     fn.CodeHash,
		Version:      fn.Version,
		Environment:  fn.EnvVars,
		Reservation:  fn.Reservation,
		LastModified: fn.UpdatedAt,
	}
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidParameter, err))
		return
	}
	if !functionNameRe.MatchString(req.FunctionName) {
		writeError(w, fmt.Errorf("%w: invalid function name %q", domain.ErrInvalidParameter, req.FunctionName))
		return
	}
	runtime := domain.Runtime(req.Runtime)
	if !runtime.IsValid() {
		writeError(w, fmt.Errorf("%w: unknown runtime %q", domain.ErrInvalidParameter, req.Runtime))
		return
	}
	if _, _, err := runtimes.SplitHandler(req.Handler); err != nil {
		writeError(w, err)
		return
	}

	archive, err := base64.StdEncoding.DecodeString(req.Code.ZipFile)
	if err != nil || len(archive) == 0 {
		writeError(w, fmt.Errorf("%w: code.zip_file must be base64 zip content", domain.ErrInvalidParameter))
		return
	}

	if existing, err := h.Registry.GetFunctionByName(r.Context(), req.FunctionName); err == nil && existing != nil {
		writeError(w, fmt.Errorf("%w: function %q already exists", domain.ErrResourceConflict, req.FunctionName))
		return
	}

	artifact, err := h.Packager.Ingest(r.Context(), runtime, req.Handler, archive)
	if err != nil {
		writeError(w, err)
		return
	}

	fn := &domain.Function{
		ID:          uuid.New().String(),
		Name:        req.FunctionName,
		Runtime:     runtime,
		Handler:     req.Handler,
		CodeHash:    artifact.Hash,
		CodeSize:    artifact.Size,
		MemoryMB:    orDefault(req.MemorySize, h.Defaults.MemoryMB),
		TimeoutMs:   orDefault64(req.Timeout, h.Defaults.TimeoutMs),
		EnvVars:     req.Environment,
		Reservation: req.Reservation,
		MinWarm:     req.MinWarm,
		State:       domain.FunctionPending,
		Version:     1,
	}
	if err := h.Registry.SaveFunction(r.Context(), fn); err != nil {
		writeError(w, err)
		return
	}
	if err := h.Registry.SaveVersion(r.Context(), versionOf(fn)); err != nil {
		writeError(w, err)
		return
	}

	h.Disp.RegisterFunction(fn)
	go h.activate(fn)

	writeJSON(w, http.StatusCreated, viewOf(fn))
}

// activate builds the runtime image in the background and flips the
// function to Active.
func (h *Handler) activate(fn *domain.Function) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if _, err := h.Packager.EnsureImage(ctx, fn); err != nil {
		logging.Op().Error("image build failed", "function", fn.Name, "error", err)
		return
	}
	current, err := h.Registry.GetFunction(ctx, fn.ID)
	if err != nil || current.State == domain.FunctionDeleting {
		return
	}
	current.State = domain.FunctionActive
	if err := h.Registry.SaveFunction(ctx, current); err != nil {
		logging.Op().Error("activate failed", "function", fn.Name, "error", err)
		return
	}
	h.Disp.RefreshFunction(current)
}

func versionOf(fn *domain.Function) *domain.FunctionVersion {
	return &domain.FunctionVersion{
		FunctionID: fn.ID,
		Version:    fn.Version,
		Handler:    fn.Handler,
		CodeHash:   fn.CodeHash,
		MemoryMB:   fn.MemoryMB,
		TimeoutMs:  fn.TimeoutMs,
		EnvVars:    fn.EnvVars,
		CreatedAt:  time.Now(),
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	fns, err := h.Registry.ListFunctions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]functionView, 0, len(fns))
	for _, fn := range fns {
		views = append(views, viewOf(fn))
	}
	writeJSON(w, http.StatusOK, map[string]any{"functions": views})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	fn, err := h.Registry.GetFunctionByName(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(fn))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.Disp.DeleteFunction(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type updateCodeRequest struct {
	ZipFile string `json:"zip_file"`
}

// handleUpdateCode publishes a new version with the uploaded archive.
// Containers of older versions keep serving requests that target them.
func (h *Handler) handleUpdateCode(w http.ResponseWriter, r *http.Request) {
	fn, err := h.Registry.GetFunctionByName(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	if fn.State == domain.FunctionDeleting {
		writeError(w, fmt.Errorf("%w: %s", domain.ErrResourceNotReady, fn.Name))
		return
	}

	var req updateCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidParameter, err))
		return
	}
	archive, err := base64.StdEncoding.DecodeString(req.ZipFile)
	if err != nil || len(archive) == 0 {
		writeError(w, fmt.Errorf("%w: zip_file must be base64 zip content", domain.ErrInvalidParameter))
		return
	}

	artifact, err := h.Packager.Ingest(r.Context(), fn.Runtime, fn.Handler, archive)
	if err != nil {
		writeError(w, err)
		return
	}

	fn.CodeHash = artifact.Hash
	fn.CodeSize = artifact.Size
	fn.Version++
	fn.State = domain.FunctionPending
	if err := h.Registry.SaveFunction(r.Context(), fn); err != nil {
		writeError(w, err)
		return
	}
	if err := h.Registry.SaveVersion(r.Context(), versionOf(fn)); err != nil {
		writeError(w, err)
		return
	}

	h.Disp.RefreshFunction(fn)
	go h.activate(fn)
	writeJSON(w, http.StatusOK, viewOf(fn))
}

type updateConfigRequest struct {
	MemorySize  *int              `json:"memory_size,omitempty"`
	Timeout     *int64            `json:"timeout,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Reservation *int              `json:"reservation,omitempty"`
	MinWarm     *int              `json:"min_warm,omitempty"`
}

func (h *Handler) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	fn, err := h.Registry.GetFunctionByName(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	if fn.State == domain.FunctionDeleting {
		writeError(w, fmt.Errorf("%w: %s", domain.ErrResourceNotReady, fn.Name))
		return
	}

	var req updateConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidParameter, err))
		return
	}
	if req.MemorySize != nil {
		fn.MemoryMB = *req.MemorySize
	}
	if req.Timeout != nil {
		fn.TimeoutMs = *req.Timeout
	}
	if req.Environment != nil {
		fn.EnvVars = req.Environment
	}
	if req.Reservation != nil {
		fn.Reservation = *req.Reservation
	}
	if req.MinWarm != nil {
		fn.MinWarm = *req.MinWarm
	}

	if err := h.Registry.SaveFunction(r.Context(), fn); err != nil {
		writeError(w, err)
		return
	}
	h.Disp.RefreshFunction(fn)
	writeJSON(w, http.StatusOK, viewOf(fn))
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func orDefault64(v, def int64) int64 {
	if v > 0 {
		return v
	}
	return def
}
