package main

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"testing"

	"github.com/rhuss/sandout/pkg/auth"
	"github.com/rhuss/sandout/pkg/config"
)

func TestNewStore(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		cfg     config.StorageConfig
		wantNil bool
		wantErr bool
	}{
		{name: "memory", cfg: config.StorageConfig{Type: "memory", MaxSize: 10}},
		{name: "sqlite", cfg: config.StorageConfig{Type: "sqlite", SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "s.db")}}},
		{name: "none", cfg: config.StorageConfig{Type: "none"}, wantNil: true},
		{name: "unknown", cfg: config.StorageConfig{Type: "redis"}, wantNil: true, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := newStore(ctx, tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if (store == nil) != tt.wantNil {
				t.Fatalf("store = %v, wantNil %v", store, tt.wantNil)
			}
			if store != nil {
				defer store.Close()
				if err := store.HealthCheck(ctx); err != nil {
					t.Errorf("HealthCheck: %v", err)
				}
			}
		})
	}
}

func TestNewRuntime(t *testing.T) {
	rt, closeFn, err := newRuntime(config.SandboxConfig{Runtime: "process", Process: config.ProcessConfig{Shell: "/bin/sh"}})
	if err != nil {
		t.Fatalf("process runtime: %v", err)
	}
	defer closeFn()
	if rt.Name() != "process" {
		t.Errorf("Name = %q, want process", rt.Name())
	}

	if _, _, err := newRuntime(config.SandboxConfig{Runtime: "firecracker"}); err == nil {
		t.Error("expected error for unknown runtime")
	}
	if _, _, err := newRuntime(config.SandboxConfig{Runtime: "kubernetes"}); err == nil {
		t.Error("expected error for kubernetes runtime without template")
	}
}

func TestNewAuthChain(t *testing.T) {
	tests := []struct {
		name   string
		cfg    config.AuthConfig
		header string
		want   auth.Decision
	}{
		{
			name: "none admits anonymous",
			cfg:  config.AuthConfig{Type: "none"},
			want: auth.Yes,
		},
		{
			name:   "apikey accepts configured key",
			cfg:    config.AuthConfig{Type: "apikey", APIKeys: []config.APIKeyConfig{{Key: "sk-1", Subject: "alice"}}},
			header: "Bearer sk-1",
			want:   auth.Yes,
		},
		{
			name: "apikey rejects missing key",
			cfg:  config.AuthConfig{Type: "apikey", APIKeys: []config.APIKeyConfig{{Key: "sk-1", Subject: "alice"}}},
			want: auth.No,
		},
		{
			name:   "jwt rejects garbage",
			cfg:    config.AuthConfig{Type: "jwt", JWT: config.JWTConfig{Secret: "0123456789abcdef"}},
			header: "Bearer nope",
			want:   auth.No,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain, err := newAuthChain(tt.cfg)
			if err != nil {
				t.Fatalf("newAuthChain: %v", err)
			}
			r := httptest.NewRequest("GET", "/v1/executions", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if got := chain.Authenticate(context.Background(), r); got.Decision != tt.want {
				t.Errorf("Decision = %d, want %d", got.Decision, tt.want)
			}
		})
	}

	if _, err := newAuthChain(config.AuthConfig{Type: "jwt"}); err == nil {
		t.Error("expected error for jwt without key source")
	}
	if _, err := newAuthChain(config.AuthConfig{Type: "saml"}); err == nil {
		t.Error("expected error for unknown auth type")
	}
}

func TestBypassEndpoints(t *testing.T) {
	cfg := config.Defaults()
	got := bypassEndpoints(&cfg)
	if !slices.Equal(got, []string{"/healthz", "/readyz", "/metrics"}) {
		t.Errorf("bypass = %v, want [/healthz /readyz /metrics]", got)
	}

	cfg.Observability.Metrics.Enabled = false
	if got := bypassEndpoints(&cfg); !slices.Equal(got, []string{"/healthz", "/readyz"}) {
		t.Errorf("bypass = %v, want [/healthz /readyz]", got)
	}
}
