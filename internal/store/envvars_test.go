package store

import (
	"context"
	"errors"
	"testing"
)

func TestEnvVars(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateApp(t, s, "demo")

	if err := s.SetEnv(ctx, "demo", "PORT", "4001"); err != nil {
		t.Fatalf("SetEnv() error = %v", err)
	}

	vars, err := s.ListEnv(ctx, "demo")
	if err != nil {
		t.Fatalf("ListEnv() error = %v", err)
	}
	if len(vars) != 1 || vars[0].Key != "PORT" || vars[0].Value != "4001" {
		t.Errorf("ListEnv() = %+v, want exactly PORT=4001", vars)
	}

	// Batch upsert overwrites and adds
	err = s.SetEnvBatch(ctx, "demo", map[string]string{
		"PORT":     "4002",
		"NODE_ENV": "production",
		"API_KEY":  "secret",
	})
	if err != nil {
		t.Fatalf("SetEnvBatch() error = %v", err)
	}

	env, err := s.EnvMap(ctx, "demo")
	if err != nil {
		t.Fatalf("EnvMap() error = %v", err)
	}
	if len(env) != 3 || env["PORT"] != "4002" || env["NODE_ENV"] != "production" {
		t.Errorf("EnvMap() = %v", env)
	}

	vars, _ = s.ListEnv(ctx, "demo")
	if vars[0].Key != "API_KEY" || vars[2].Key != "PORT" {
		t.Errorf("ListEnv() not sorted by key: %+v", vars)
	}

	existed, err := s.DeleteEnv(ctx, "demo", "API_KEY")
	if err != nil || !existed {
		t.Errorf("DeleteEnv() = %v, %v, want true, nil", existed, err)
	}
	existed, err = s.DeleteEnv(ctx, "demo", "API_KEY")
	if err != nil || existed {
		t.Errorf("DeleteEnv() twice = %v, %v, want false, nil", existed, err)
	}

	n, err := s.DeleteEnvBatch(ctx, "demo", []string{"PORT", "NODE_ENV", "MISSING"})
	if err != nil {
		t.Fatalf("DeleteEnvBatch() error = %v", err)
	}
	if n != 2 {
		t.Errorf("DeleteEnvBatch() = %d, want 2", n)
	}

	if err := s.SetEnv(ctx, "ghost", "A", "b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetEnv() on missing app error = %v, want ErrNotFound", err)
	}
}
