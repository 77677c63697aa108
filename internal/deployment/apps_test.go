package deployment

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"appdeck/internal/store"
)

func ptr[T any](v T) *T { return &v }

func TestCreateApp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	app, err := f.engine.CreateApp(ctx, store.AppUpsert{
		Name:         "web",
		Repository:   ptr("https://github.com/acme/web.git"),
		StartCommand: ptr("npm start"),
	})
	if err != nil {
		t.Fatalf("CreateApp() error = %v", err)
	}
	if app.Port != 4000 || app.Status != store.AppStopped {
		t.Errorf("app = %+v", app)
	}

	if _, err := f.engine.CreateApp(ctx, store.AppUpsert{Name: "web"}); !errors.Is(err, ErrValidation) {
		t.Errorf("duplicate CreateApp() error = %v, want ErrValidation", err)
	}
	if _, err := f.engine.CreateApp(ctx, store.AppUpsert{Name: "api", Runtime: ptr("deno")}); !errors.Is(err, ErrValidation) {
		t.Errorf("CreateApp(bad runtime) error = %v", err)
	}
	if _, err := f.engine.CreateApp(ctx, store.AppUpsert{Name: "api", Port: ptr(4000)}); !errors.Is(err, store.ErrConflict) {
		t.Errorf("CreateApp(taken port) error = %v, want ErrConflict", err)
	}
}

func TestUpdateApp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.UpdateApp(ctx, store.AppUpsert{Name: "ghost", Port: ptr(5000)}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("UpdateApp(unknown) error = %v", err)
	}

	if _, err := f.engine.CreateApp(ctx, store.AppUpsert{Name: "web", StartCommand: ptr("npm start")}); err != nil {
		t.Fatal(err)
	}
	app, err := f.engine.UpdateApp(ctx, store.AppUpsert{Name: "web", Port: ptr(5000)})
	if err != nil {
		t.Fatalf("UpdateApp() error = %v", err)
	}
	if app.Port != 5000 || app.StartCommand != "npm start" {
		t.Errorf("app = %+v", app)
	}

	if _, err := f.engine.UpdateApp(ctx, store.AppUpsert{Name: "web", Status: ptr("paused")}); !errors.Is(err, ErrValidation) {
		t.Errorf("UpdateApp(bad status) error = %v", err)
	}
}

func TestEnvOperationsRegenerateFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	envPath := filepath.Join(f.apps, ".env", "web.env")

	if _, err := f.engine.CreateApp(ctx, store.AppUpsert{Name: "web"}); err != nil {
		t.Fatal(err)
	}

	if err := f.engine.SetEnvBatch(ctx, "web", map[string]string{"B": "2", "A": `say "hi"`}); err != nil {
		t.Fatalf("SetEnvBatch() error = %v", err)
	}
	data, err := os.ReadFile(envPath)
	if err != nil {
		t.Fatalf("env file not written: %v", err)
	}
	if string(data) != "A=\"say \\\"hi\\\"\"\nB=\"2\"\n" {
		t.Errorf("env file = %q", data)
	}

	if err := f.engine.SetEnv(ctx, "web", "bad-key", "x"); !errors.Is(err, ErrValidation) {
		t.Errorf("SetEnv(bad key) error = %v", err)
	}

	existed, err := f.engine.DeleteEnv(ctx, "web", "A")
	if err != nil || !existed {
		t.Fatalf("DeleteEnv() = %v, %v", existed, err)
	}
	existed, err = f.engine.DeleteEnv(ctx, "web", "A")
	if err != nil || existed {
		t.Errorf("second DeleteEnv() = %v, %v", existed, err)
	}

	data, _ = os.ReadFile(envPath)
	if strings.Contains(string(data), "A=") {
		t.Errorf("deleted key still in env file: %q", data)
	}

	if err := f.engine.SetEnv(ctx, "ghost", "A", "1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("SetEnv(unknown app) error = %v", err)
	}
}
