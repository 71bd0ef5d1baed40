package handler

import (
	"context"
	"fmt"
	"os"

	"github.com/JonMunkholm/geoimport/internal/core"
)

// SLD sets an uploaded Styled Layer Descriptor as the default style of an
// existing dataset.
type SLD struct {
	Deps
}

func NewSLD(d Deps) *SLD {
	return &SLD{Deps: d}
}

func (h *SLD) ID() string { return "sld" }

func (h *SLD) CanHandle(files core.FileSet) bool {
	return hasExt(files.Base(), ".sld")
}

func (h *SLD) IsValid(_ context.Context, files core.FileSet, _ *core.ExecutionRequest) error {
	_, err := readSLD(files.Base())
	return err
}

func readSLD(p string) ([]byte, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, core.Invalid(core.FamilySLD, "cannot read %s: %v", p, err)
	}
	doc, err := parseXML(data)
	if err != nil {
		return nil, core.Invalid(core.FamilySLD, "malformed XML: %v", err)
	}
	if doc.Root != "StyledLayerDescriptor" {
		return nil, core.Invalid(core.FamilySLD, "root element is %s, want StyledLayerDescriptor", doc.Root)
	}
	return data, nil
}

func (h *SLD) Tasks(a core.Action) []string {
	if a == core.ActionStyleUpload {
		return []string{core.StepStartImport, core.StepImportResource, core.StepCreateResource}
	}
	return nil
}

func (h *SLD) ImportResource(_ context.Context, exec *core.ExecutionRequest) error {
	_, err := readSLD(exec.LocalFiles.Base())
	return err
}

func (h *SLD) PublishResource(context.Context, *core.ExecutionRequest) error { return nil }

// CreateResource records the style on the dataset, then uploads it to the
// catalog and makes it the layer default.
func (h *SLD) CreateResource(ctx context.Context, exec *core.ExecutionRequest) error {
	d, err := h.target(ctx, exec)
	if err != nil {
		return err
	}
	sld, err := readSLD(exec.LocalFiles.Base())
	if err != nil {
		return err
	}

	exec.SetOutput(outputPrevious, takeSnapshot(d))
	d.Style = d.Name
	if err := h.Resources.Update(ctx, d); err != nil {
		return err
	}
	if err := h.Catalog.SetStyle(ctx, d.Name, d.Style, sld); err != nil {
		return fmt.Errorf("style %s: %w", d.Name, err)
	}
	exec.AddResource(d.ID, h.Resources.DetailURL(d))
	return nil
}

func (h *SLD) RollbackImport(context.Context, *core.ExecutionRequest) error  { return nil }
func (h *SLD) RollbackPublish(context.Context, *core.ExecutionRequest) error { return nil }

func (h *SLD) RollbackCreateResource(ctx context.Context, exec *core.ExecutionRequest) error {
	return h.restorePrevious(ctx, exec)
}
