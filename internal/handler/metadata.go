package handler

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/JonMunkholm/geoimport/internal/core"
	"github.com/JonMunkholm/geoimport/internal/resource"
)

const (
	outputMetadata = "metadata"
	outputPrevious = "previous"
)

// snapshot holds the dataset fields a metadata or style upload changes.
type snapshot struct {
	Title       string `json:"title"`
	Abstract    string `json:"abstract"`
	MetadataXML string `json:"metadata_xml"`
	Style       string `json:"style"`
}

func takeSnapshot(d *resource.Dataset) snapshot {
	return snapshot{Title: d.Title, Abstract: d.Abstract, MetadataXML: d.MetadataXML, Style: d.Style}
}

func (s snapshot) restore(d *resource.Dataset) {
	d.Title, d.Abstract, d.MetadataXML, d.Style = s.Title, s.Abstract, s.MetadataXML, s.Style
}

// restorePrevious puts back the snapshot recorded by CreateResource.
func (d Deps) restorePrevious(ctx context.Context, exec *core.ExecutionRequest) error {
	var prev snapshot
	ok, err := exec.DecodeOutput(outputPrevious, &prev)
	if err != nil || !ok {
		return err
	}
	ds, err := d.target(ctx, exec)
	if err != nil {
		return ignoreNotFound(err)
	}
	prev.restore(ds)
	return d.Resources.Update(ctx, ds)
}

// metadataDoc is what is read from an ISO or Dublin Core record.
type metadataDoc struct {
	Root     string `json:"root"`
	Title    string `json:"title"`
	Abstract string `json:"abstract"`
}

// parseXML reads the whole document, returning its root element name and
// the first title and abstract texts found at any depth.
func parseXML(data []byte) (metadataDoc, error) {
	var doc metadataDoc
	dec := xml.NewDecoder(bytes.NewReader(data))
	var stack []string
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return doc, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if doc.Root == "" {
				doc.Root = t.Name.Local
			}
			stack = append(stack, strings.ToLower(t.Name.Local))
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		case xml.CharData:
			text := strings.TrimSpace(string(t))
			if text == "" {
				continue
			}
			for _, name := range stack {
				if name == "title" && doc.Title == "" {
					doc.Title = text
				}
				if name == "abstract" && doc.Abstract == "" {
					doc.Abstract = text
				}
			}
		}
	}
	if doc.Root == "" {
		return doc, errors.New("document has no root element")
	}
	return doc, nil
}

// Metadata applies an XML metadata record to an existing dataset.
type Metadata struct {
	Deps
}

func NewMetadata(d Deps) *Metadata {
	return &Metadata{Deps: d}
}

func (h *Metadata) ID() string { return "metadata" }

func (h *Metadata) CanHandle(files core.FileSet) bool {
	return hasExt(files.Base(), ".xml")
}

func (h *Metadata) IsValid(_ context.Context, files core.FileSet, _ *core.ExecutionRequest) error {
	data, err := os.ReadFile(files.Base())
	if err != nil {
		return core.Invalid(core.FamilyMetadata, "cannot read %s: %v", files.Base(), err)
	}
	if _, err := parseXML(data); err != nil {
		return core.Invalid(core.FamilyMetadata, "malformed XML: %v", err)
	}
	return nil
}

func (h *Metadata) Tasks(a core.Action) []string {
	if a == core.ActionMetadataUpload {
		return []string{core.StepStartImport, core.StepImportResource, core.StepCreateResource}
	}
	return nil
}

// ImportResource parses the record and keeps its title and abstract.
func (h *Metadata) ImportResource(_ context.Context, exec *core.ExecutionRequest) error {
	data, err := os.ReadFile(exec.LocalFiles.Base())
	if err != nil {
		return err
	}
	doc, err := parseXML(data)
	if err != nil {
		return core.Invalid(core.FamilyMetadata, "malformed XML: %v", err)
	}
	exec.SetOutput(outputMetadata, doc)
	return nil
}

func (h *Metadata) PublishResource(context.Context, *core.ExecutionRequest) error { return nil }

// CreateResource stores the record on the target dataset. A title or
// abstract found in the record replaces the dataset's own.
func (h *Metadata) CreateResource(ctx context.Context, exec *core.ExecutionRequest) error {
	d, err := h.target(ctx, exec)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(exec.LocalFiles.Base())
	if err != nil {
		return err
	}
	var doc metadataDoc
	if _, err := exec.DecodeOutput(outputMetadata, &doc); err != nil {
		return err
	}

	exec.SetOutput(outputPrevious, takeSnapshot(d))
	d.MetadataXML = string(data)
	if doc.Title != "" {
		d.Title = doc.Title
	}
	if doc.Abstract != "" {
		d.Abstract = doc.Abstract
	}
	if err := h.Resources.Update(ctx, d); err != nil {
		return err
	}
	exec.AddResource(d.ID, h.Resources.DetailURL(d))
	return nil
}

func (h *Metadata) RollbackImport(context.Context, *core.ExecutionRequest) error  { return nil }
func (h *Metadata) RollbackPublish(context.Context, *core.ExecutionRequest) error { return nil }

func (h *Metadata) RollbackCreateResource(ctx context.Context, exec *core.ExecutionRequest) error {
	return h.restorePrevious(ctx, exec)
}
