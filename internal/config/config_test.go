package config

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaults(t *testing.T) {
	cfg, err := FromEnv(envOf(map[string]string{"MEMBERFLOW_AUTH_SECRET": "s"}))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.GRPCAddr != ":9090" {
		t.Fatalf("unexpected addrs %q %q", cfg.HTTPAddr, cfg.GRPCAddr)
	}
	if !cfg.InMemory() {
		t.Fatalf("empty DSN should select in-memory stores")
	}
	if cfg.TransferWindowMonths != 3 || cfg.SweepSchedule != "0 1 * * *" || cfg.OrgCacheTTL != time.Minute || cfg.AuthzCacheTTL != time.Minute {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.OrgAdminRoles, []string{"ADMIN", "ORG_ADMIN", "BRANCH_ADMIN"}) {
		t.Fatalf("org admin roles = %v", cfg.OrgAdminRoles)
	}
}

func TestOverrides(t *testing.T) {
	cfg, err := FromEnv(envOf(map[string]string{
		"MEMBERFLOW_AUTH_SECRET":            "s",
		"MEMBERFLOW_PG_DSN":                 "postgres://x",
		"MEMBERFLOW_TRANSFER_WINDOW_MONTHS": "6",
		"MEMBERFLOW_SWEEP_DISABLED":         "true",
		"MEMBERFLOW_ORG_CACHE_TTL":          "30s",
		"MEMBERFLOW_AUTHZ_CACHE_TTL":        "15s",
		"MEMBERFLOW_ORG_ADMIN_ROLES":        " chair , secretary ",
		"MEMBERFLOW_AUTO_MIGRATE":           "1",
		"MEMBERFLOW_BOOTSTRAP_ADMIN_ID":     "7",
		"MEMBERFLOW_GRPC_ADDR":              "OFF",
	}))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.InMemory() || cfg.TransferWindowMonths != 6 || !cfg.SweepDisabled || cfg.OrgCacheTTL != 30*time.Second || cfg.AuthzCacheTTL != 15*time.Second {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.OrgAdminRoles, []string{"CHAIR", "SECRETARY"}) {
		t.Fatalf("org admin roles = %v", cfg.OrgAdminRoles)
	}
	if !cfg.AutoMigrate || cfg.BootstrapAdminID != 7 || cfg.GRPCAddr != "" {
		t.Fatalf("startup options not applied: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.AdminRoles, []string{"ADMIN"}) {
		t.Fatalf("admin roles = %v", cfg.AdminRoles)
	}
}

func TestInvalidValuesAreErrors(t *testing.T) {
	_, err := FromEnv(envOf(map[string]string{
		"MEMBERFLOW_TRANSFER_WINDOW_MONTHS": "three",
		"MEMBERFLOW_ORG_CACHE_TTL":          "-1s",
		"MEMBERFLOW_SWEEP_DISABLED":         "maybe",
	}))
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"AUTH_SECRET", "TRANSFER_WINDOW_MONTHS", "ORG_CACHE_TTL", "SWEEP_DISABLED"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}
