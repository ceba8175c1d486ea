package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"fortigate-policy-export/internal/inventory"
)

func TestNewRootCmd(t *testing.T) {
	cmd := newRootCmd()
	if cmd == nil {
		t.Fatal("newRootCmd returned nil")
	}
	if cmd.Use != "fortigate-policy-export" {
		t.Errorf("Expected use 'fortigate-policy-export', got '%s'", cmd.Use)
	}
}

func TestSetupLogger(t *testing.T) {
	levels := []string{"DEBUG", "INFO", "WARN", "ERROR", "UNKNOWN"}
	for _, lvl := range levels {
		l := setupLogger(lvl, "")
		if l == nil {
			t.Errorf("setupLogger returned nil for level %s", lvl)
		}
	}

	tmpDir := t.TempDir()
	l1 := setupLogger("INFO", filepath.Join(tmpDir, "test.log"))
	if l1 == nil {
		t.Error("setupLogger with file returned nil")
	}

	// Invalid log file path falls back to stderr.
	l2 := setupLogger("INFO", "/nonexistent/path/to/log.log")
	if l2 == nil {
		t.Error("setupLogger should return a logger even if file fails")
	}
}

func TestLoadPolicies(t *testing.T) {
	ctx := context.Background()
	inv := inventory.NewIndex()

	policySource = "unknown"
	if _, err := loadPolicies(ctx, inv); err == nil {
		t.Error("Expected error for unknown provider")
	}

	policySource = "file"
	rulesFile = ""
	if _, err := loadPolicies(ctx, inv); err == nil {
		t.Error("Expected error for missing rules path")
	}
	rulesFile = "/nonexistent/rules"
	if _, err := loadPolicies(ctx, inv); err == nil {
		t.Error("Expected error for nonexistent rules file")
	}

	policySource = "mariadb"
	rulesDB = ""
	if _, err := loadPolicies(ctx, inv); err == nil {
		t.Error("Expected error for missing mariadb DSN")
	}
	rulesDB = "invalid-dsn"
	if _, err := loadPolicies(ctx, inv); err == nil {
		t.Error("Expected error for invalid mariadb DSN")
	}

	policySource = "fortigate"
	apiURL = ""
	if _, err := loadPolicies(ctx, inv); err == nil {
		t.Error("Expected error for missing api url")
	}
	apiURL = "https://fw.example.com"
	os.Unsetenv("FGT_API_TOKEN")
	if _, err := loadPolicies(ctx, inv); err == nil {
		t.Error("Expected error for missing API token")
	}
}

func TestRun(t *testing.T) {
	tmpDir := t.TempDir()

	rules := filepath.Join(tmpDir, "fortigate.conf")
	cfgFile := filepath.Join(tmpDir, "config.yaml")
	out := filepath.Join(tmpDir, "out.csv")

	os.WriteFile(rules, []byte(`config firewall address
    edit "web-server"
        set type ipmask
        set subnet 10.1.1.10 255.255.255.255
    next
end
config firewall service custom
    edit "WEB-APP"
        set tcp-portrange 8001-8004
    next
end
config firewall policy
    edit 1
        set name "Allow Web"
        set srcaddr "all"
        set dstaddr "web-server"
        set service "WEB-APP"
        set action accept
        set status enable
    next
    edit 2
        set action deny
        set status disable
    next
end
`), 0644)

	// Point DNS at a black hole so the run exercises inventory fallback
	// instead of live lookups.
	os.WriteFile(cfgFile, []byte(`filters:
  status:
    equals: enable
resolve:
  addresses:
    enabled: true
    dns_server: "127.0.0.1:9"
    dns_timeout: "10ms"
  services:
    enabled: true
`), 0644)

	cmd := newRootCmd()
	cmd.SetArgs([]string{
		"--config", cfgFile,
		"--provider", "file",
		"--rules", rules,
		"--out", out,
		"--log-level", "ERROR",
	})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("Output file was not created: %v", err)
	}
	csvText := string(data)
	if !strings.Contains(csvText, "web-server[10.1.1.10]") {
		t.Errorf("expected resolved dstaddr in output, got:\n%s", csvText)
	}
	if !strings.Contains(csvText, "WEB-APP(8001-8004/tcp)") {
		t.Errorf("expected resolved service in output, got:\n%s", csvText)
	}
	if strings.Contains(csvText, ",disable") {
		t.Errorf("disabled policy should have been filtered out:\n%s", csvText)
	}
}

func TestRunBadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	cfgFile := filepath.Join(tmpDir, "config.yaml")
	os.WriteFile(cfgFile, []byte("filters:\n  nosuchfield:\n    equals: x\n"), 0644)

	cmd := newRootCmd()
	cmd.SetArgs([]string{"--config", cfgFile, "--provider", "file", "--rules", "/dev/null"})
	if err := cmd.Execute(); err == nil {
		t.Error("Expected error for unknown filter field")
	}
}
