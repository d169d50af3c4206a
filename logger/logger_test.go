package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	log, err := New(path, "debug")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	log.Info("dispute created")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"dispute created"`) {
		t.Fatalf("expected json message in log, got %q", string(data))
	}
}

func TestNew_InvalidLevel(t *testing.T) {
	if _, err := New("", "loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
