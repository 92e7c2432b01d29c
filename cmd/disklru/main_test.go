package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/lucasew/disklru"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestPutGetStats(t *testing.T) {
	dir := t.TempDir()
	common := []string{"--cache-dir", dir, "--max-cache-size", "1MiB", "--log-level", "warn"}

	if _, err := run(t, "hello from stdin", append([]string{"put", "-q", "greeting"}, common...)...); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	out, err := run(t, "", append([]string{"get", "-q", "greeting"}, common...)...)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if out != "hello from stdin" {
		t.Errorf("get = %q", out)
	}

	out, err = run(t, "", append([]string{"stats", "--json"}, common...)...)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	var stats disklru.Stats
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("invalid stats output %q: %v", out, err)
	}
	if stats.Entries != 1 || stats.Bytes != 16 || stats.MaxBytes != 1<<20 {
		t.Errorf("unexpected stats %+v", stats)
	}

	if _, err := run(t, "", append([]string{"get", "-q", "missing"}, common...)...); err == nil {
		t.Error("expected error for missing key")
	}
}

func TestSizeFlag(t *testing.T) {
	if _, err := run(t, "", "stats", "--cache-dir", t.TempDir(), "--max-cache-size", "lots"); err == nil {
		t.Error("expected error for invalid size")
	}
}
