package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/JonMunkholm/geoimport/internal/core"
	"github.com/google/uuid"
)

func newExec(user string, status core.Status, created time.Time) *core.ExecutionRequest {
	return &core.ExecutionRequest{
		ExecID:            uuid.NewString(),
		User:              user,
		FuncName:          core.StepStartImport,
		Step:              core.StepStartImport,
		Action:            core.ActionUpload,
		Status:            status,
		HandlerModulePath: "geopackage",
		Name:              "roads",
		InputParams:       map[string]any{core.ParamResourcePK: 7, core.ParamStoreFiles: true},
		OutputParams:      map[string]any{},
		Created:           created,
		LastUpdated:       created,
	}
}

// exerciseStore runs the behaviour every core.Store must share.
func exerciseStore(t *testing.T, s core.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	first := newExec("alice", core.StatusPending, base.Add(-2*time.Hour))
	second := newExec("alice", core.StatusRunning, base.Add(-time.Hour))
	other := newExec("bob", core.StatusFinished, base.Add(-48*time.Hour))
	for _, e := range []*core.ExecutionRequest{first, second, other} {
		if err := s.Create(ctx, e); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	got, err := s.Get(ctx, first.ExecID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if pk, ok := got.ResourcePK(); !ok || pk != 7 {
		t.Errorf("ResourcePK() = %d, %v, want 7", pk, ok)
	}
	if !got.Bool(core.ParamStoreFiles) {
		t.Error("Bool(store_spatial_files) = false after round trip")
	}

	if _, err := s.Get(ctx, uuid.NewString()); !errors.Is(err, core.ErrExecutionNotFound) {
		t.Errorf("Get(unknown) error = %v, want ErrExecutionNotFound", err)
	}

	got.Step = core.StepImportResource
	got.Status = core.StatusFailed
	got.Log = "boom"
	got.AddResource(3, "http://x/3")
	got.LastUpdated = base.Add(-30 * time.Hour)
	if err := s.Update(ctx, got); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	again, _ := s.Get(ctx, first.ExecID)
	if again.Status != core.StatusFailed || again.Step != core.StepImportResource || again.Log != "boom" {
		t.Errorf("after Update = %+v", again)
	}
	if res := again.Resources(); len(res) != 1 || res[0].ID != 3 {
		t.Errorf("Resources() = %+v", res)
	}

	list, err := s.List(ctx, "alice")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 || list[0].ExecID != second.ExecID {
		t.Errorf("List(alice) = %d items, first %s, want 2 newest first", len(list), list[0].ExecID)
	}
	if all, _ := s.List(ctx, ""); len(all) != 3 {
		t.Errorf("List(\"\") = %d items, want 3", len(all))
	}

	if n, _ := s.CountActive(ctx, "alice"); n != 1 {
		t.Errorf("CountActive(alice) = %d, want 1", n)
	}

	old, err := s.ListTerminalBefore(ctx, base.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("ListTerminalBefore() error = %v", err)
	}
	if len(old) != 2 {
		t.Errorf("ListTerminalBefore() = %d items, want 2", len(old))
	}

	if err := s.Delete(ctx, other.ExecID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(ctx, other.ExecID); !errors.Is(err, core.ErrExecutionNotFound) {
		t.Errorf("Get(deleted) error = %v", err)
	}
}

func TestMemory(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestMemory_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	e := newExec("alice", core.StatusPending, time.Now())
	s.Create(ctx, e)

	got, _ := s.Get(ctx, e.ExecID)
	got.Status = core.StatusFinished
	got.InputParams["x"] = 1

	fresh, _ := s.Get(ctx, e.ExecID)
	if fresh.Status != core.StatusPending || fresh.InputParams["x"] != nil {
		t.Errorf("stored execution mutated through a returned copy: %+v", fresh)
	}
}

func TestPostgres(t *testing.T) {
	url := os.Getenv("GEOIMPORT_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("GEOIMPORT_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := Connect(ctx, url, 4, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	pg := NewPostgres(pool)
	if err := pg.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Exec(ctx, "TRUNCATE upload_executionrequest"); err != nil {
		t.Fatal(err)
	}
	exerciseStore(t, pg)
}
