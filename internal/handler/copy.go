package handler

import (
	"context"
	"fmt"

	"github.com/JonMunkholm/geoimport/internal/core"
	"github.com/JonMunkholm/geoimport/internal/logging"
	"github.com/JonMunkholm/geoimport/internal/resource"
	"github.com/JonMunkholm/geoimport/internal/schema"
)

// copyName returns the name of a copy: the "name" default when given,
// otherwise the source name with a _copy suffix.
func (d Deps) copyName(ctx context.Context, src *resource.Dataset, defaults map[string]any) (string, error) {
	base := src.Name + "_copy"
	if n, ok := defaults["name"].(string); ok && n != "" {
		base = n
	}
	return d.uniqueName(ctx, schema.NormalizeName(base))
}

func defaultString(defaults map[string]any, key, fallback string) string {
	if s, ok := defaults[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

// CopyDynamicModel registers a new schema with the fields of the source
// dataset.
func (v *vectorBase) CopyDynamicModel(ctx context.Context, exec *core.ExecutionRequest) error {
	src, err := v.target(ctx, exec)
	if err != nil {
		return err
	}
	ms, err := v.datasetSchema(ctx, src)
	if err != nil {
		return err
	}
	defaults := exec.Defaults()
	name, err := v.copyName(ctx, src, defaults)
	if err != nil {
		return err
	}

	clone, err := v.Schemas.Clone(ctx, ms, name, name)
	if err != nil {
		// the schema row may exist without all of its fields
		if derr := v.Schemas.DropByName(ctx, name); derr != nil {
			logging.FromContext(ctx).Warn("drop partial schema", "schema", name, "error", derr)
		}
		return fmt.Errorf("clone schema %s: %w", ms.Name, err)
	}
	saveLayers(exec, []layerState{{
		Source:    src.Name,
		Name:      name,
		Title:     defaultString(defaults, "title", src.Title),
		SchemaID:  clone.ID,
		SRS:       src.SRID,
		BBox:      src.BBox(),
		CreatedDB: true,
	}})
	return nil
}

// CopyDataTable creates the table of the cloned schema and copies the rows
// of the source table into it.
func (v *vectorBase) CopyDataTable(ctx context.Context, exec *core.ExecutionRequest) error {
	states, err := loadLayers(exec)
	if err != nil {
		return err
	}
	if len(states) != 1 {
		return fmt.Errorf("copy table: expected one cloned schema, found %d", len(states))
	}
	src, err := v.target(ctx, exec)
	if err != nil {
		return err
	}
	from, err := v.datasetSchema(ctx, src)
	if err != nil {
		return err
	}
	to, err := v.Schemas.GetByID(ctx, states[0].SchemaID)
	if err != nil {
		return err
	}
	if err := v.Schemas.CopyTable(ctx, from, to); err != nil {
		return err
	}
	n, err := v.Schemas.CountRows(ctx, to)
	if err != nil {
		return err
	}
	states[0].Loaded = n
	saveLayers(exec, states)
	return nil
}

// CopyResource creates the dataset record of the copy.
func (v *vectorBase) CopyResource(ctx context.Context, exec *core.ExecutionRequest) error {
	states, err := loadLayers(exec)
	if err != nil {
		return err
	}
	if len(states) != 1 {
		return fmt.Errorf("copy resource: expected one cloned schema, found %d", len(states))
	}
	src, err := v.target(ctx, exec)
	if err != nil {
		return err
	}
	st := &states[0]
	defaults := exec.Defaults()
	d, err := v.Resources.Copy(ctx, src, resource.ResourceHandlerInfo{
		HandlerModulePath: v.id,
		ExecutionID:       exec.ExecID,
		Kwargs:            map[string]any{"action": string(core.ActionCopy), "source": src.ID},
	}, func(d *resource.Dataset) {
		schemaID := st.SchemaID
		d.Name = st.Name
		d.Alternate = v.Catalog.Alternate(st.Name)
		d.Title = st.Title
		d.Owner = exec.User
		d.Abstract = defaultString(defaults, "abstract", d.Abstract)
		d.ModelSchema = &schemaID
		if d.Style == src.Name {
			d.Style = st.Name
		}
	})
	if err != nil {
		return err
	}
	st.ResourceID, st.NewResource = d.ID, true
	saveLayers(exec, states)
	exec.AddResource(d.ID, v.Resources.DetailURL(d))
	return nil
}
