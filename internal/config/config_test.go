package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if cfg.Ledger.Backend != BackendMemory {
		t.Fatalf("default backend = %q, want %q", cfg.Ledger.Backend, BackendMemory)
	}
	if got := cfg.Ledger.ConfirmTimeout.Std(); got != 2*time.Minute {
		t.Fatalf("default confirm_timeout = %s, want 2m", got)
	}
	if cfg.Server.Addr == "" {
		t.Fatal("default server addr is empty")
	}
}

func TestLoadMissingFileHintsAtInit(t *testing.T) {
	_, err := Load(t.TempDir())
	if err == nil {
		t.Fatal("expected error for missing config")
	}
	if !strings.Contains(err.Error(), "traceline init") {
		t.Fatalf("error %q should mention traceline init", err)
	}
}

func TestLoadOptionalFallsBackToDefault(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOptional: %v", err)
	}
	if cfg.Ledger.Backend != BackendMemory {
		t.Fatalf("fallback backend = %q", cfg.Ledger.Backend)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	raw := `ledger:
  backend: ethereum
  rpc_url: http://127.0.0.1:8545
  chain_id: 1337
  gas_limit: 3000000
  confirm_timeout: 45s
  identity: producer-1
  contracts:
    batch_registry: "0x1111111111111111111111111111111111111111"
    inspection_manager: "0x2222222222222222222222222222222222222222"
  keys:
    producer-1: "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
server:
  addr: 0.0.0.0:9000
  base_path: /api
  jwt_secret: test-secret
`
	if err := os.WriteFile(filepath.Join(dir, "traceline.yml"), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ledger.ChainID != 1337 {
		t.Fatalf("chain_id = %d", cfg.Ledger.ChainID)
	}
	if got := cfg.Ledger.ConfirmTimeout.Std(); got != 45*time.Second {
		t.Fatalf("confirm_timeout = %s", got)
	}
	if cfg.Ledger.Contracts.InspectionManager != "0x2222222222222222222222222222222222222222" {
		t.Fatalf("inspection_manager = %q", cfg.Ledger.Contracts.InspectionManager)
	}
	if cfg.Server.BasePath != "/api" {
		t.Fatalf("base_path = %q", cfg.Server.BasePath)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing backend",
			yaml: "server:\n  addr: 127.0.0.1:8787\n",
			want: "config.ledger.backend is required",
		},
		{
			name: "unknown backend",
			yaml: "ledger:\n  backend: dynamo\nserver:\n  addr: 127.0.0.1:8787\n",
			want: "not supported",
		},
		{
			name: "ethereum without rpc url",
			yaml: "ledger:\n  backend: ethereum\nserver:\n  addr: 127.0.0.1:8787\n",
			want: "rpc_url is required",
		},
		{
			name: "missing server addr",
			yaml: "ledger:\n  backend: memory\n",
			want: "config.server.addr is required",
		},
		{
			name: "identity without key",
			yaml: `ledger:
  backend: ethereum
  rpc_url: http://127.0.0.1:8545
  chain_id: 1337
  identity: producer-2
  contracts:
    batch_registry: "0x1"
    inspection_manager: "0x2"
  keys:
    producer-1: abc
server:
  addr: 127.0.0.1:8787
`,
			want: "has no entry in config.ledger.keys",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q should contain %q", err, tc.want)
			}
		})
	}
}
