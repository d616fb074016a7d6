package main

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"

	"github.com/camcops/camcops/internal/config"
)

func TestResolveSigningKey_FromConfig(t *testing.T) {
	cfg := &config.Config{Env: "production", JWTSecret: "0123456789abcdef0123456789abcdef"}
	key, random, err := resolveSigningKey(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if random {
		t.Error("expected configured key, got random")
	}
	if string(key) != cfg.JWTSecret {
		t.Errorf("unexpected key %q", key)
	}
}

func TestResolveSigningKey_RandomInDevelopment(t *testing.T) {
	cfg := &config.Config{Env: "development"}
	key1, random, err := resolveSigningKey(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !random || len(key1) != 32 {
		t.Fatalf("expected random 32-byte key, got %d bytes (random=%v)", len(key1), random)
	}
	key2, _, _ := resolveSigningKey(cfg)
	if string(key1) == string(key2) {
		t.Error("two random keys should differ")
	}
}

func TestResolveSigningKey_RequiredInProduction(t *testing.T) {
	if _, _, err := resolveSigningKey(&config.Config{Env: "production"}); err == nil {
		t.Error("expected error without JWT_SECRET outside development")
	}
}

func TestWhichIDNumsFunc(t *testing.T) {
	want := errors.New("boom")
	f := whichIDNumsFunc(func(context.Context) ([]int, error) { return []int{1, 2}, want })
	got, err := f.WhichIDNums(context.Background())
	if !errors.Is(err, want) || len(got) != 2 {
		t.Errorf("adapter did not pass through: %v %v", got, err)
	}
}

func subcommands(cmd *cobra.Command) []string {
	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	sort.Strings(names)
	return names
}

func TestCommands(t *testing.T) {
	if diff := cmp.Diff([]string{"status", "up"}, subcommands(migrateCmd())); diff != "" {
		t.Errorf("migrate subcommands (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"run"}, subcommands(exportCmd())); diff != "" {
		t.Errorf("export subcommands (-want +got):\n%s", diff)
	}

	su := makeSuperuserCmd()
	if su.Flags().Lookup("username") == nil || su.Flags().Lookup("password") == nil {
		t.Error("make-superuser should take --username and --password")
	}
	if err := su.RunE(su, nil); err == nil {
		t.Error("make-superuser without --username should fail")
	}
}

func TestExportRun_NeedsRecipient(t *testing.T) {
	run, _, err := exportCmd().Find([]string{"run"})
	if err != nil {
		t.Fatal(err)
	}
	if err := run.Args(run, nil); err == nil {
		t.Error("export run without a recipient should fail")
	}
	if err := run.Args(run, []string{"study_redcap"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
