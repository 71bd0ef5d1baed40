package handler

// vector.go is the pipeline shared by the vector formats.
//
// Upload creates one dataset per source layer: a dynamic schema, its table,
// a catalog layer and a dataset record. Replace and overwrite load the new
// rows next to the old ones and remove the old rows only once the load has
// succeeded, so a failed load leaves the dataset as it was. Append keeps
// the fid reached before the load so rollback can remove what was added.

import (
	"context"
	"fmt"

	"github.com/JonMunkholm/geoimport/internal/constraint"
	"github.com/JonMunkholm/geoimport/internal/core"
	"github.com/JonMunkholm/geoimport/internal/geo"
	"github.com/JonMunkholm/geoimport/internal/logging"
	"github.com/JonMunkholm/geoimport/internal/ogr"
	"github.com/JonMunkholm/geoimport/internal/publisher"
	"github.com/JonMunkholm/geoimport/internal/queue"
	"github.com/JonMunkholm/geoimport/internal/resource"
	"github.com/JonMunkholm/geoimport/internal/schema"
)

// fieldWorkers bounds the concurrent field creation tasks of one layer.
const fieldWorkers = 4

type vectorBase struct {
	Deps
	id     string
	family string
	open   func(files core.FileSet) (geo.Source, error)
	// precheck runs before the source is opened.
	precheck func(files core.FileSet) error
	// requireCRS skips layers without a CRS instead of assuming EPSG:4326.
	requireCRS bool
	upserts    bool
}

func (v *vectorBase) ID() string { return v.id }

func (v *vectorBase) Tasks(a core.Action) []string {
	switch a {
	case core.ActionUpload, core.ActionReplace:
		return []string{core.StepStartImport, core.StepImportResource, core.StepPublishResource, core.StepCreateResource}
	case core.ActionAppend:
		return []string{core.StepStartImport, core.StepImportResource, core.StepRefreshResource}
	case core.ActionUpsert:
		if v.upserts {
			return []string{core.StepStartImport, core.StepUpsertData, core.StepRefreshResource}
		}
	case core.ActionCopy:
		return []string{core.StepStartCopy, core.StepCopyDynamicModel, core.StepCopyDataTable, core.StepPublishResource, core.StepCopyResource}
	}
	return nil
}

// IsValid opens the source and checks that it has at least one usable layer.
func (v *vectorBase) IsValid(ctx context.Context, files core.FileSet, exec *core.ExecutionRequest) error {
	if v.precheck != nil {
		if err := v.precheck(files); err != nil {
			return err
		}
	}
	src, err := v.open(files)
	if err != nil {
		return core.Invalid(v.family, "cannot read %s: %v", files.Base(), err)
	}
	defer src.Close()

	layers, err := v.validLayers(ctx, src)
	if err != nil {
		return err
	}
	if exec != nil && exec.Action.TargetsResource() && len(layers) > 1 {
		return core.Invalid(v.family, "%s takes a single layer, the upload has %d", exec.Action, len(layers))
	}
	return nil
}

// validLayers returns the layers that can be imported.
func (v *vectorBase) validLayers(ctx context.Context, src geo.Source) ([]geo.LayerInfo, error) {
	var out []geo.LayerInfo
	for _, l := range src.Layers() {
		if v.requireCRS && !l.HasCRS() {
			logging.FromContext(ctx).Warn("layer has no CRS, skipping", "handler", v.id, "layer", l.Name)
			continue
		}
		out = append(out, l)
	}
	if len(out) == 0 {
		return nil, core.Invalid(v.family, "No valid layers found")
	}
	return out, nil
}

// ImportResource loads the source layers into dataset tables.
func (v *vectorBase) ImportResource(ctx context.Context, exec *core.ExecutionRequest) error {
	src, err := v.open(exec.LocalFiles)
	if err != nil {
		return fmt.Errorf("open %s: %w", exec.LocalFiles.Base(), err)
	}
	defer src.Close()

	layers, err := v.validLayers(ctx, src)
	if err != nil {
		return err
	}

	var states []layerState
	defer func() { saveLayers(exec, states) }()

	if exec.Action == core.ActionAppend || exec.Action == core.ActionReplace {
		d, err := v.target(ctx, exec)
		if err != nil {
			return err
		}
		ms, err := v.datasetSchema(ctx, d)
		if err != nil {
			return err
		}
		states = append(states, layerState{
			Source: layers[0].Name, Name: d.Name, Title: d.Title, SchemaID: ms.ID,
			SRS: layers[0].SRS(), BBox: layers[0].BBox(), ResourceID: d.ID,
		})
		return v.loadExisting(ctx, exec, src, layers[0], ms, &states[0], exec.Action == core.ActionReplace)
	}

	overwrite := exec.Bool(core.ParamOverwrite)
	skip := exec.Bool(core.ParamSkipExisting)
	for _, l := range layers {
		if err := v.check(ctx, src, l, schema.NormalizeName(l.Name), false); err != nil {
			return err
		}
	}
	for _, l := range layers {
		st := layerState{Source: l.Name, Title: l.Name, SRS: l.SRS(), BBox: l.BBox()}
		base := schema.NormalizeName(l.Name)
		exists, err := v.Schemas.Exists(ctx, base)
		if err != nil {
			return err
		}
		switch {
		case exists && skip:
			st.Name, st.Skipped = base, true
			states = append(states, st)
			logging.WithFields(ctx, "execution_id", exec.ExecID).Info("dataset exists, skipping layer", "layer", l.Name)
			continue
		case exists && overwrite:
			ms, err := v.Schemas.Get(ctx, base)
			if err != nil {
				return err
			}
			st.Name, st.SchemaID = base, ms.ID
			states = append(states, st)
			if err := v.loadExisting(ctx, exec, src, l, ms, &states[len(states)-1], true); err != nil {
				return err
			}
			continue
		}

		name, err := v.uniqueName(ctx, base)
		if err != nil {
			return err
		}
		st.Name = name
		states = append(states, st)
		if err := v.loadNew(ctx, src, exec.LocalFiles.Base(), l, &states[len(states)-1]); err != nil {
			return err
		}
	}
	return nil
}

// check runs the feature constraints of the dataset over the whole layer
// before anything is written.
func (v *vectorBase) check(ctx context.Context, src geo.Source, l geo.LayerInfo, name string, existing bool) error {
	checker, err := v.checker(ctx, constraint.Target{Resource: name, Layer: l, Existing: existing})
	if err != nil {
		return err
	}
	return checker.CheckAll(ctx, src, l.Name)
}

// checker builds the constraint checker of a dataset. Without a registry
// every feature is accepted.
func (d Deps) checker(ctx context.Context, t constraint.Target) (*constraint.Checker, error) {
	if d.Constraints == nil {
		return &constraint.Checker{}, nil
	}
	return d.Constraints.ForLayer(ctx, t)
}

// loadNew creates the schema and table for st and loads the layer into it.
func (v *vectorBase) loadNew(ctx context.Context, src geo.Source, path string, l geo.LayerInfo, st *layerState) error {
	ms, err := v.Schemas.CreateModelSchema(ctx, st.Name, st.Name, true)
	if err != nil {
		return err
	}
	st.SchemaID, st.CreatedDB = ms.ID, true

	fields := schema.FieldsForLayer(l)
	var chunks [][]schema.FieldSchema
	for i := 0; i < len(fields); i += v.chunk() {
		chunks = append(chunks, fields[i:min(i+v.chunk(), len(fields))])
	}
	err = queue.Fanout(ctx, fieldWorkers, chunks, func(ctx context.Context, c []schema.FieldSchema) error {
		return v.Schemas.AddFields(ctx, ms.ID, c)
	})
	if err != nil {
		return fmt.Errorf("create fields of %s: %w", st.Name, err)
	}
	if err := v.Schemas.CreateTable(ctx, ms); err != nil {
		return err
	}

	res, err := v.Loader.Load(ctx, ogr.Request{Path: path, Source: src, Layer: l, Schema: ms})
	if err != nil {
		return err
	}
	st.Loaded = res.Loaded
	logging.FromContext(ctx).Info("layer imported", "layer", l.Name, "dataset", st.Name, "features", res.Loaded, "loader", v.Loader.Name())
	return nil
}

// loadExisting loads l into the existing table of ms. With supersede set,
// the rows present before the load are removed once it succeeded.
func (v *vectorBase) loadExisting(ctx context.Context, exec *core.ExecutionRequest, src geo.Source, l geo.LayerInfo, ms *schema.ModelSchema, st *layerState, supersede bool) error {
	if !supersede {
		if err := compatible(v.family, l, ms); err != nil {
			return err
		}
	}
	if err := v.check(ctx, src, l, st.Name, true); err != nil {
		return err
	}
	mark, err := v.Schemas.MaxFID(ctx, ms)
	if err != nil {
		return err
	}
	st.Appended, st.Mark = true, mark

	res, err := v.Loader.Load(ctx, ogr.Request{Path: exec.LocalFiles.Base(), Source: src, Layer: l, Schema: ms})
	if err != nil {
		return err
	}
	st.Loaded = res.Loaded
	if supersede {
		if _, err := v.Schemas.DeleteThrough(ctx, ms, mark); err != nil {
			return fmt.Errorf("remove previous rows of %s: %w", st.Name, err)
		}
		st.Superseded = true
	}
	logging.FromContext(ctx).Info("layer loaded into existing dataset", "layer", l.Name, "dataset", st.Name, "features", res.Loaded, "replaced", supersede)
	return nil
}

// compatible checks that every attribute of l has a column in ms.
func compatible(family string, l geo.LayerInfo, ms *schema.ModelSchema) error {
	cols := make(map[string]bool, len(ms.Fields)*2)
	for _, f := range ms.Fields {
		cols[f.Name] = true
		if f.SourceName != "" {
			cols[f.SourceName] = true
		}
	}
	for _, f := range l.Fields {
		if !cols[f.Name] && !cols[schema.NormalizeName(f.Name)] {
			return core.Invalid(family, "attribute %q is not part of the target dataset", f.Name)
		}
	}
	return nil
}

func (v *vectorBase) datasetSchema(ctx context.Context, d *resource.Dataset) (*schema.ModelSchema, error) {
	if d.ModelSchema == nil {
		return nil, core.Invalid(v.family, "dataset %d has no data table", d.ID)
	}
	return v.Schemas.GetByID(ctx, *d.ModelSchema)
}

// PublishResource registers every imported dataset in the catalog.
func (v *vectorBase) PublishResource(ctx context.Context, exec *core.ExecutionRequest) error {
	states, err := loadLayers(exec)
	if err != nil {
		return err
	}
	defer func() { saveLayers(exec, states) }()

	overwrite := exec.Bool(core.ParamOverwrite) || exec.Action == core.ActionReplace
	sld, err := readSidecar(exec.LocalFiles, core.FileSLD)
	if err != nil {
		return err
	}
	for i := range states {
		st := &states[i]
		if st.Skipped {
			continue
		}
		published, err := v.Catalog.Publish(ctx, publisher.Target{
			Kind:  publisher.KindVector,
			Name:  st.Name,
			Title: st.Title,
			SRS:   st.SRS,
			BBox:  st.BBox,
		}, overwrite)
		if err != nil {
			return fmt.Errorf("publish %s: %w", st.Name, err)
		}
		st.Published = published
		if sld != "" && published {
			if err := v.Catalog.SetStyle(ctx, st.Name, st.Name, []byte(sld)); err != nil {
				return fmt.Errorf("style %s: %w", st.Name, err)
			}
		}
	}
	return nil
}

// CreateResource creates or updates the catalog dataset of every layer.
func (v *vectorBase) CreateResource(ctx context.Context, exec *core.ExecutionRequest) error {
	states, err := loadLayers(exec)
	if err != nil {
		return err
	}
	defer func() { saveLayers(exec, states) }()

	metadata, err := readSidecar(exec.LocalFiles, core.FileXML)
	if err != nil {
		return err
	}
	styled := exec.LocalFiles[core.FileSLD] != ""

	for i := range states {
		st := &states[i]
		if st.Skipped {
			continue
		}
		d, err := v.existingDataset(ctx, st)
		if err != nil {
			return err
		}
		if d != nil {
			prev := d.BBox()
			st.PrevBBox = &prev
			d.SetBBox(st.BBox)
			if files := storedFiles(exec); files != nil {
				d.SetFiles(files)
			}
			if metadata != "" {
				d.MetadataXML = metadata
			}
			if err := v.Resources.Update(ctx, d); err != nil {
				return err
			}
			st.ResourceID = d.ID
			exec.AddResource(d.ID, v.Resources.DetailURL(d))
			continue
		}

		schemaID := st.SchemaID
		d = &resource.Dataset{
			Title:       st.Title,
			Name:        st.Name,
			Alternate:   v.Catalog.Alternate(st.Name),
			Subtype:     resource.SubtypeVector,
			Owner:       exec.User,
			ModelSchema: &schemaID,
			MetadataXML: metadata,
		}
		if styled {
			d.Style = st.Name
		}
		d.SetBBox(st.BBox)
		d.SetFiles(storedFiles(exec))
		err = v.Resources.Create(ctx, d, resource.ResourceHandlerInfo{
			HandlerModulePath: v.id,
			ExecutionID:       exec.ExecID,
			Kwargs:            map[string]any{"action": string(exec.Action), "source_layer": st.Source},
		})
		if err != nil {
			return err
		}
		st.ResourceID, st.NewResource = d.ID, true
		exec.AddResource(d.ID, v.Resources.DetailURL(d))
	}
	return nil
}

// existingDataset returns the dataset an overwrite or replace updates, or
// nil when a new one has to be created.
func (v *vectorBase) existingDataset(ctx context.Context, st *layerState) (*resource.Dataset, error) {
	if st.ResourceID != 0 {
		return v.Resources.Get(ctx, st.ResourceID)
	}
	if st.CreatedDB {
		return nil, nil
	}
	d, err := v.Resources.GetByAlternate(ctx, v.Catalog.Alternate(st.Name))
	if ignoreNotFound(err) == nil && d == nil {
		return nil, nil
	}
	return d, err
}

// RollbackImport drops the schemas this execution created and removes the
// rows it added to existing tables.
func (v *vectorBase) RollbackImport(ctx context.Context, exec *core.ExecutionRequest) error {
	states, err := loadLayers(exec)
	if err != nil {
		return err
	}
	log := logging.WithFields(ctx, "execution_id", exec.ExecID, "handler", v.id)
	for _, st := range states {
		if st.SchemaID == 0 {
			continue
		}
		ms, err := v.Schemas.GetByID(ctx, st.SchemaID)
		if err != nil {
			if ignoreNotFound(err) == nil {
				continue
			}
			return err
		}
		switch {
		case st.CreatedDB:
			if err := v.Schemas.Drop(ctx, ms); err != nil {
				return err
			}
			log.Info("dropped dataset table", "dataset", st.Name)
		case st.Superseded:
			log.Warn("previous rows were already replaced and cannot be restored", "dataset", st.Name)
		case st.Appended:
			n, err := v.Schemas.DeleteAfter(ctx, ms, st.Mark)
			if err != nil {
				return err
			}
			log.Info("removed loaded rows", "dataset", st.Name, "rows", n)
		}
	}
	return nil
}

// RollbackPublish removes the catalog layers this execution published.
func (v *vectorBase) RollbackPublish(ctx context.Context, exec *core.ExecutionRequest) error {
	states, err := loadLayers(exec)
	if err != nil {
		return err
	}
	return unpublish(ctx, v.Catalog, publisher.KindVector, states)
}

func unpublish(ctx context.Context, catalog Catalog, kind publisher.Kind, states []layerState) error {
	for _, st := range states {
		if !st.Published {
			continue
		}
		if err := catalog.Unpublish(ctx, publisher.Target{Kind: kind, Name: st.Name}); ignoreNotFound(err) != nil {
			return err
		}
	}
	return nil
}

// RollbackCreateResource deletes the datasets this execution created and
// restores the extent of the ones it updated.
func (v *vectorBase) RollbackCreateResource(ctx context.Context, exec *core.ExecutionRequest) error {
	states, err := loadLayers(exec)
	if err != nil {
		return err
	}
	return v.rollbackDatasets(ctx, states)
}

func (d Deps) rollbackDatasets(ctx context.Context, states []layerState) error {
	for _, st := range states {
		if st.ResourceID == 0 {
			continue
		}
		if st.NewResource {
			if err := d.Resources.Delete(ctx, st.ResourceID); ignoreNotFound(err) != nil {
				return err
			}
			continue
		}
		if st.PrevBBox == nil {
			continue
		}
		ds, err := d.Resources.Get(ctx, st.ResourceID)
		if err != nil {
			if ignoreNotFound(err) == nil {
				continue
			}
			return err
		}
		ds.SetBBox(*st.PrevBBox)
		if err := d.Resources.Update(ctx, ds); err != nil {
			return err
		}
	}
	return nil
}
