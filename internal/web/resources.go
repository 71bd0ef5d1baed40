package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/JonMunkholm/geoimport/internal/core"
	"github.com/JonMunkholm/geoimport/internal/geo"
	"github.com/JonMunkholm/geoimport/internal/logging"
	"github.com/JonMunkholm/geoimport/internal/publisher"
	"github.com/JonMunkholm/geoimport/internal/resource"
	"github.com/go-chi/chi/v5"
)

// resourceView is the API form of a dataset.
type resourceView struct {
	PK          uint      `json:"pk"`
	UUID        string    `json:"uuid"`
	Name        string    `json:"name"`
	Title       string    `json:"title"`
	Alternate   string    `json:"alternate"`
	Subtype     string    `json:"subtype"`
	Owner       string    `json:"owner"`
	Abstract    string    `json:"abstract,omitempty"`
	BBox        geo.BBox  `json:"bbox"`
	Style       string    `json:"default_style,omitempty"`
	Files       []string  `json:"files"`
	DetailURL   string    `json:"detail_url,omitempty"`
	Created     time.Time `json:"created"`
	LastUpdated time.Time `json:"last_updated"`
}

func (s *Server) newResourceView(d *resource.Dataset) resourceView {
	v := resourceView{
		PK:          d.ID,
		UUID:        d.UUID,
		Name:        d.Name,
		Title:       d.Title,
		Alternate:   d.Alternate,
		Subtype:     d.Subtype,
		Owner:       d.Owner,
		Abstract:    d.Abstract,
		BBox:        d.BBox(),
		Style:       d.Style,
		Files:       d.FileList(),
		Created:     d.CreatedAt,
		LastUpdated: d.UpdatedAt,
	}
	if u, ok := s.resources.(interface {
		DetailURL(*resource.Dataset) string
	}); ok {
		v.DetailURL = u.DetailURL(d)
	}
	return v
}

// parsePK reads the {pk} URL parameter.
func parsePK(r *http.Request) (uint, error) {
	raw := chi.URLParam(r, "pk")
	pk, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || pk == 0 {
		return 0, core.Invalid(core.FamilyUpload, "resource id must be a positive integer, got %q", raw)
	}
	return uint(pk), nil
}

func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	pk, err := parsePK(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	d, err := s.resources.Get(r.Context(), pk)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.newResourceView(d))
}

// handleListResources lists the datasets owned by the caller.
func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	list, err := s.resources.List(r.Context(), core.UserFromContext(r.Context()))
	if err != nil {
		respondError(w, r, err)
		return
	}
	views := make([]resourceView, len(list))
	for i := range list {
		views[i] = s.newResourceView(&list[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"resources": views, "total": len(views)})
}

// handleDeleteResource removes a dataset, its published layer and its data.
// Only the owner may delete it.
func (s *Server) handleDeleteResource(w http.ResponseWriter, r *http.Request) {
	pk, err := parsePK(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	ctx := r.Context()
	d, err := s.resources.Get(ctx, pk)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if d.Owner != core.UserFromContext(ctx) {
		respondErrorStatus(w, r, core.Invalid(core.FamilyUpload, "resource %d belongs to another user", pk), http.StatusForbidden)
		return
	}

	if s.catalog != nil {
		var kind publisher.Kind
		switch d.Subtype {
		case resource.SubtypeVector:
			kind = publisher.KindVector
		case resource.SubtypeRaster:
			kind = publisher.KindRaster
		}
		if kind != "" {
			err := s.catalog.Unpublish(ctx, publisher.Target{Kind: kind, Name: d.Name})
			if err != nil && !errors.Is(err, publisher.ErrNotFound) {
				respondError(w, r, err)
				return
			}
		}
	}

	if err := s.resources.Delete(ctx, pk); err != nil {
		respondError(w, r, err)
		return
	}
	logging.FromContext(ctx).Info("resource deleted", "resource", pk, "alternate", d.Alternate)
	w.WriteHeader(http.StatusNoContent)
}

type copyRequest struct {
	Defaults map[string]any `json:"defaults"`
}

// handleCopy admits a copy of resource {pk}. The body is optional.
func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	pk, err := parsePK(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	var req copyRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, r, core.Invalid(core.FamilyUpload, "invalid copy request: %v", err))
		return
	}

	id, err := s.service.Copy(r.Context(), core.UserFromContext(r.Context()), pk, req.Defaults)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"execution_id": id})
}
