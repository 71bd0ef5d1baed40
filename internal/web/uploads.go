package web

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/JonMunkholm/geoimport/internal/core"
	"github.com/JonMunkholm/geoimport/internal/logging"
	"github.com/go-chi/chi/v5"
)

// boolParams are form fields forwarded as booleans.
var boolParams = []string{core.ParamOverwrite, core.ParamSkipExisting, core.ParamStoreFiles}

// handleUpload admits an upload. The action form field selects what to do
// with the files; actions on an existing dataset also need resource_pk.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !s.parseUploadForm(w, r) {
		return
	}
	defer r.MultipartForm.RemoveAll()

	action, err := core.ParseAction(r.FormValue("action"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	s.admitUpload(w, r, action, "")
}

// handleDatasetAction admits a replace, append or upsert of dataset {pk}.
func (s *Server) handleDatasetAction(w http.ResponseWriter, r *http.Request) {
	action := core.Action(chi.URLParam(r, "action"))
	switch action {
	case core.ActionReplace, core.ActionAppend, core.ActionUpsert:
	default:
		respondErrorStatus(w, r, core.Invalid(core.FamilyUpload, "unknown dataset action %q", action), http.StatusNotFound)
		return
	}
	if !s.parseUploadForm(w, r) {
		return
	}
	defer r.MultipartForm.RemoveAll()
	s.admitUpload(w, r, action, chi.URLParam(r, "pk"))
}

// handleResourceUpload admits a metadata or style upload for resource {pk}.
func (s *Server) handleResourceUpload(action core.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.parseUploadForm(w, r) {
			return
		}
		defer r.MultipartForm.RemoveAll()
		s.admitUpload(w, r, action, chi.URLParam(r, "pk"))
	}
}

// parseUploadForm reads the multipart body within the upload size limit.
func (s *Server) parseUploadForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		respondError(w, r, core.Invalid(core.FamilyUpload, "file too large or invalid form: %v", err))
		return false
	}
	return true
}

// admitUpload stages the parsed form files and hands them to the service.
func (s *Server) admitUpload(w http.ResponseWriter, r *http.Request, action core.Action, pk string) {
	dir, err := os.MkdirTemp(s.opts.TempDir, "upload-")
	if err != nil {
		respondError(w, r, fmt.Errorf("create upload dir: %w", err))
		return
	}
	// the service has stored the files by the time Upload returns
	defer os.RemoveAll(dir)

	files, err := saveUploads(r.MultipartForm, dir)
	if err != nil {
		respondError(w, r, err)
		return
	}

	params, err := uploadParams(r.MultipartForm.Value, pk)
	if err != nil {
		respondError(w, r, err)
		return
	}

	user := core.UserFromContext(r.Context())
	id, err := s.service.Upload(r.Context(), user, action, files, params)
	if err != nil {
		respondError(w, r, err)
		return
	}
	logging.WithFields(r.Context(), "execution_id", id, "user", user).Info("upload accepted", "action", action, "files", len(files))
	writeJSON(w, http.StatusCreated, map[string]string{"execution_id": id})
}

// uploadParams collects the execution inputs from the form. pk, when set,
// comes from the URL and wins over a resource_pk field.
func uploadParams(form map[string][]string, pk string) (map[string]any, error) {
	params := make(map[string]any)
	value := func(k string) string {
		if v := form[k]; len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	}

	for _, k := range boolParams {
		v := value(k)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, core.Invalid(core.FamilyUpload, "%s must be a boolean, got %q", k, v)
		}
		params[k] = b
	}

	if pk == "" {
		pk = value(core.ParamResourcePK)
	}
	if pk != "" {
		id, err := strconv.ParseUint(pk, 10, 64)
		if err != nil || id == 0 {
			return nil, core.Invalid(core.FamilyUpload, "resource_pk must be a positive integer, got %q", pk)
		}
		params[core.ParamResourcePK] = uint(id)
	}
	if key := value(core.ParamUpsertKey); key != "" {
		params[core.ParamUpsertKey] = key
	}
	return params, nil
}

// saveUploads writes the accepted form files into dir. Sidecars are renamed
// to the stem of the base file so readers find them next to it.
func saveUploads(form *multipart.Form, dir string) (core.FileSet, error) {
	files := make(core.FileSet)
	stem := ""
	if hs := form.File[core.FileBase]; len(hs) > 0 {
		name := filepath.Base(hs[0].Filename)
		stem = strings.TrimSuffix(name, filepath.Ext(name))
	}

	for _, key := range core.FileKeys {
		hs := form.File[key]
		if len(hs) == 0 {
			continue
		}
		if len(hs) > 1 {
			return nil, core.Invalid(core.FamilyUpload, "%s was sent %d times", key, len(hs))
		}
		name := filepath.Base(hs[0].Filename)
		if name == "." || name == string(filepath.Separator) {
			return nil, core.Invalid(core.FamilyUpload, "%s has no file name", key)
		}
		if key != core.FileBase && key != core.FileZip && stem != "" {
			name = stem + strings.ToLower(filepath.Ext(name))
		}
		dst := filepath.Join(dir, name)
		if err := saveFile(hs[0], dst); err != nil {
			return nil, fmt.Errorf("save %s: %w", key, err)
		}
		files[key] = dst
	}
	if len(files) == 0 {
		return nil, core.Invalid(core.FamilyUpload, "no files were uploaded")
	}
	return files, nil
}

func saveFile(h *multipart.FileHeader, dst string) error {
	src, err := h.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return core.Invalid(core.FamilyUpload, "two uploaded files are named %s", filepath.Base(dst))
		}
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// handleListHandlers lists the registered handlers and their pipelines.
func (s *Server) handleListHandlers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Registry().Handlers())
}
