package handler

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/JonMunkholm/geoimport/internal/constraint"
	"github.com/JonMunkholm/geoimport/internal/core"
	"github.com/JonMunkholm/geoimport/internal/geo"
	"github.com/JonMunkholm/geoimport/internal/logging"
	"github.com/JonMunkholm/geoimport/internal/schema"
)

// OutputUpsert is the output key holding the UpsertResult of an execution.
const OutputUpsert = "upsert"

// UpsertResult summarises an upsert. Rejected features are listed with the
// reason they were rejected.
type UpsertResult struct {
	Total struct {
		Success int `json:"success"`
		Error   int `json:"error"`
	} `json:"total"`
	Success struct {
		Create int `json:"create"`
		Update int `json:"update"`
	} `json:"success"`
	Error struct {
		Create []string `json:"create"`
		Update []string `json:"update"`
	} `json:"error"`
}

func (r *UpsertResult) created() {
	r.Success.Create++
	r.Total.Success++
}

func (r *UpsertResult) updated() {
	r.Success.Update++
	r.Total.Success++
}

func (r *UpsertResult) rejectCreate(reason string) {
	r.Error.Create = append(r.Error.Create, reason)
	r.Total.Error++
}

func (r *UpsertResult) rejectUpdate(reason string) {
	r.Error.Update = append(r.Error.Update, reason)
	r.Total.Error++
}

// UpsertData merges the uploaded features into the target dataset. Features
// whose key matches existing rows update them; the others are inserted.
// Features rejected by the dataset constraints are reported, not written.
// Every write happens in one transaction.
func (v *vectorBase) UpsertData(ctx context.Context, exec *core.ExecutionRequest) error {
	d, err := v.target(ctx, exec)
	if err != nil {
		return err
	}
	ms, err := v.datasetSchema(ctx, d)
	if err != nil {
		return err
	}
	key := exec.String(core.ParamUpsertKey)
	if key == "" {
		key = schema.PKColumn
	}
	if !slices.ContainsFunc(ms.Fields, func(f schema.FieldSchema) bool { return f.Name == key }) {
		return core.Invalid(v.family, "upsert key %q is not a column of %s", key, d.Name)
	}

	src, err := v.open(exec.LocalFiles)
	if err != nil {
		return fmt.Errorf("open %s: %w", exec.LocalFiles.Base(), err)
	}
	defer src.Close()
	layers, err := v.validLayers(ctx, src)
	if err != nil {
		return err
	}
	l := layers[0]
	if err := compatible(v.family, l, ms); err != nil {
		return err
	}
	checker, err := v.checker(ctx, constraint.Target{Resource: d.Name, Layer: l, Existing: true})
	if err != nil {
		return err
	}

	mark, err := v.Schemas.MaxFID(ctx, ms)
	if err != nil {
		return err
	}
	st := layerState{
		Source: l.Name, Name: d.Name, Title: d.Title, SchemaID: ms.ID, SRS: d.SRID,
		BBox: d.BBox(), ResourceID: d.ID, Appended: true, Mark: mark,
	}

	var result UpsertResult
	err = v.Schemas.Transaction(ctx, func(tx *schema.Manager) error {
		return src.Features(ctx, l.Name, func(f geo.Feature) error {
			return upsertFeature(ctx, tx, ms, key, checker, f, &result)
		})
	})
	if err != nil {
		return fmt.Errorf("upsert into %s: %w", d.Name, err)
	}

	st.Loaded = int64(result.Success.Create)
	saveLayers(exec, []layerState{st})
	exec.SetOutput(OutputUpsert, result)
	logging.WithFields(ctx, "execution_id", exec.ExecID, "dataset", d.Name).Info("upsert applied",
		"created", result.Success.Create, "updated", result.Success.Update, "rejected", result.Total.Error)

	if result.Total.Success == 0 && result.Total.Error > 0 {
		return fmt.Errorf("upsert into %s: all %d features were rejected", d.Name, result.Total.Error)
	}
	return nil
}

func upsertFeature(ctx context.Context, tx *schema.Manager, ms *schema.ModelSchema, key string, checker *constraint.Checker, f geo.Feature, result *UpsertResult) error {
	row := schema.FeatureRow(ms, f)
	value := row.Values[key]
	if key == schema.PKColumn {
		value = f.FID
	}
	if value == nil {
		result.rejectCreate(fmt.Sprintf("feature %d: no value for %s", f.FID, key))
		return nil
	}

	n, err := tx.CountWhere(ctx, ms, key, value)
	if err != nil {
		return err
	}
	violation := checker.Check(f)
	if n > 0 {
		if violation != nil {
			result.rejectUpdate(violation.Error())
			return nil
		}
		if _, err := tx.UpdateRows(ctx, ms, key, value, row); err != nil {
			return err
		}
		result.updated()
		return nil
	}

	if violation != nil {
		result.rejectCreate(violation.Error())
		return nil
	}
	if key == schema.PKColumn {
		row.Values[schema.PKColumn] = f.FID
	}
	if err := tx.InsertRow(ctx, ms, row); err != nil {
		return err
	}
	result.created()
	return nil
}

// RefreshResource recomputes the extent of the target dataset from its
// table after rows were added or changed.
func (v *vectorBase) RefreshResource(ctx context.Context, exec *core.ExecutionRequest) error {
	d, err := v.target(ctx, exec)
	if err != nil {
		return err
	}
	ms, err := v.datasetSchema(ctx, d)
	if err != nil {
		return err
	}
	states, err := loadLayers(exec)
	if err != nil {
		return err
	}
	if len(states) == 0 {
		states = []layerState{{Name: d.Name, SchemaID: ms.ID, ResourceID: d.ID}}
	}

	prev := d.BBox()
	b, ok, err := v.Schemas.Extent(ctx, ms)
	if err != nil {
		return err
	}
	if ok {
		srs := prev.SRID
		if srs == "" {
			srs = states[0].SRS
		}
		d.SetBBox(geo.FromBound(b, srs))
	}
	d.UpdatedAt = time.Now().UTC()
	if err := v.Resources.Update(ctx, d); err != nil {
		return err
	}
	states[0].PrevBBox = &prev
	saveLayers(exec, states)
	exec.AddResource(d.ID, v.Resources.DetailURL(d))
	return nil
}
