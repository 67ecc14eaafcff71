package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nv262-lab/vaa-research/pkg/types"
)

const policyPath = "../../policies/vaa.yaml"

func TestRunUsage(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer

	code := run([]string{"vaa"}, nil, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("expected code 2, got %d", code)
	}
	if !strings.Contains(stderr.String(), "VAA CLI") {
		t.Fatalf("unexpected stderr: %q", stderr.String())
	}

	stderr.Reset()
	if code := run([]string{"vaa", "bogus"}, nil, &stdout, &stderr); code != 2 {
		t.Fatalf("expected code 2 for unknown command, got %d", code)
	}
}

func TestPolicyLint(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer

	code := run([]string{"vaa", "policy", "lint", policyPath}, nil, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected code 0, got %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "ok policy_id=vaa-default") || !strings.Contains(stdout.String(), "policy_hash=sha256:") {
		t.Fatalf("unexpected stdout: %q", stdout.String())
	}
}

func TestPolicyLintInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	data := `policy_id: bad
schema_version: "1.0.0"
metrics:
  - kind: k
    tiers:
      - {threshold: 0.5, tier: autonomous}
      - {threshold: 0.7, tier: semi_autonomous}
    catch_all: escalated
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	if code := run([]string{"vaa", "policy", "lint", path}, nil, &stdout, &stderr); code != 1 {
		t.Fatalf("expected code 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "invalid policy definition") {
		t.Fatalf("unexpected stderr: %q", stderr.String())
	}
}

func TestPolicyLintRequiresPath(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	if code := run([]string{"vaa", "policy", "lint"}, nil, &stdout, &stderr); code != 2 {
		t.Fatalf("expected code 2, got %d", code)
	}
}

func ledgerArgs(dbPath string) []string {
	return []string{"--policy", policyPath, "--db-driver", "sqlite", "--db-dsn", dbPath}
}

func TestEvaluateQueryAuditVerify(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "vaa.db")
	input := strings.Join([]string{
		`{"subject_id":"sku-1","metric_kind":"forecast_confidence","metric_value":0.91}`,
		`{"subject_id":"sku-2","metric_kind":"forecast_confidence","metric_value":0.88,"context":{"forecast_error_rate":0.1}}`,
		`{"subject_id":"sku-3","metric_kind":"forecast_confidence","metric_value":0.72}`,
		`{"subject_id":"sku-4","metric_kind":"forecast_confidence","metric_value":0.86}`,
		``,
		`{"subject_id":"sku-5","metric_kind":"forecast_confidence","metric_value":0.50}`,
		`{"subject_id":"sku-6","metric_kind":"churn","metric_value":0.50}`,
	}, "\n")

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	args := append([]string{"vaa", "evaluate"}, ledgerArgs(dbPath)...)
	args = append(args, "-")
	code := run(args, strings.NewReader(input), &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected code 1 for rejected candidate, got %d: %s", code, stderr.String())
	}
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 6 {
		t.Fatalf("expected 6 result lines, got %d: %q", len(lines), stdout.String())
	}
	var last evaluateLine
	if err := json.Unmarshal([]byte(lines[5]), &last); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if last.Index != 5 || !strings.Contains(last.Error, "unknown metric kind") {
		t.Fatalf("unexpected last line: %+v", last)
	}

	stdout.Reset()
	args = append([]string{"vaa", "query", "--tier", "escalated"}, ledgerArgs(dbPath)...)
	if code := run(args, nil, &stdout, &stderr); code != 0 {
		t.Fatalf("query: code %d: %s", code, stderr.String())
	}
	var rec types.DecisionRecord
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout.String())), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec.SubjectID != "sku-5" || !rec.EscalationRequired {
		t.Fatalf("unexpected record: %+v", rec)
	}

	stdout.Reset()
	args = append([]string{"vaa", "query", "--count"}, ledgerArgs(dbPath)...)
	if code := run(args, nil, &stdout, &stderr); code != 0 || strings.TrimSpace(stdout.String()) != "5" {
		t.Fatalf("count: code %d out %q", code, stdout.String())
	}

	stdout.Reset()
	args = append([]string{"vaa", "audit"}, ledgerArgs(dbPath)...)
	if code := run(args, nil, &stdout, &stderr); code != 0 {
		t.Fatalf("audit: code %d: %s %s", code, stdout.String(), stderr.String())
	}
	var report types.GovernanceReport
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Total != 5 || report.EscalationRate != 0.2 || report.Verdict != types.VerdictCompliant {
		t.Fatalf("unexpected report: %+v", report)
	}

	stdout.Reset()
	args = append([]string{"vaa", "drift", "--kind", "forecast_confidence"}, ledgerArgs(dbPath)...)
	if code := run(args, nil, &stdout, &stderr); code != 0 {
		t.Fatalf("drift: code %d: %s", code, stderr.String())
	}
	var sig types.DriftSignal
	if err := json.Unmarshal(stdout.Bytes(), &sig); err != nil {
		t.Fatalf("decode signal: %v", err)
	}
	if sig.SampleCount != 5 {
		t.Fatalf("unexpected signal: %+v", sig)
	}

	stdout.Reset()
	args = append([]string{"vaa", "verify"}, ledgerArgs(dbPath)...)
	if code := run(args, nil, &stdout, &stderr); code != 0 {
		t.Fatalf("verify: code %d: %s", code, stdout.String())
	}
	if !strings.Contains(stdout.String(), "valid=true records=5") {
		t.Fatalf("unexpected verify output: %q", stdout.String())
	}
}

func TestFlagsCompleteConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "vaa.yaml")
	data := "policy_path: " + policyPath + "\ndb:\n  driver: sqlite\n"
	if err := os.WriteFile(cfgPath, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	args := []string{"vaa", "query", "--count", "--config", cfgPath, "--db-dsn", filepath.Join(dir, "vaa.db")}
	if code := run(args, nil, &stdout, &stderr); code != 0 {
		t.Fatalf("expected code 0, got %d: %s", code, stderr.String())
	}
	if strings.TrimSpace(stdout.String()) != "0" {
		t.Fatalf("unexpected count: %q", stdout.String())
	}

	stdout.Reset()
	stderr.Reset()
	args = []string{"vaa", "query", "--count", "--config", cfgPath}
	if code := run(args, nil, &stdout, &stderr); code == 0 {
		t.Fatalf("expected missing dsn to fail")
	}
	if !strings.Contains(stderr.String(), "db.dsn") {
		t.Fatalf("unexpected error: %q", stderr.String())
	}
}

func TestQueryRejectsBadFlags(t *testing.T) {
	cases := [][]string{
		{"vaa", "query", "--tier", "manual"},
		{"vaa", "query", "--status", "amber"},
		{"vaa", "query", "--from", "yesterday"},
		{"vaa", "audit", "--from", "2026-10-02T00:00:00Z", "--to", "2026-10-01T00:00:00Z"},
		{"vaa", "drift"},
		{"vaa", "evaluate"},
	}
	for _, args := range cases {
		var stdout bytes.Buffer
		var stderr bytes.Buffer
		if code := run(args, nil, &stdout, &stderr); code != 2 {
			t.Fatalf("%v: expected code 2, got %d", args, code)
		}
	}
}

func TestEvaluateRejectsMalformedInput(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	args := []string{"vaa", "evaluate", "--policy", policyPath, "-"}
	if code := run(args, strings.NewReader("{not json"), &stdout, &stderr); code != 1 {
		t.Fatalf("expected code 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "line 1") {
		t.Fatalf("unexpected stderr: %q", stderr.String())
	}
}

func TestEvaluateRejectsBadDriver(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	args := []string{"vaa", "evaluate", "--policy", policyPath, "--db-driver", "oracle", "--db-dsn", "x", "-"}
	if code := run(args, strings.NewReader(""), &stdout, &stderr); code != 1 {
		t.Fatalf("expected code 1, got %d", code)
	}
}

func TestVersion(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	if code := run([]string{"vaa", "version"}, nil, &stdout, &stderr); code != 0 {
		t.Fatalf("expected code 0, got %d", code)
	}
	if strings.TrimSpace(stdout.String()) != version {
		t.Fatalf("unexpected version: %q", stdout.String())
	}
}
