package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	if New(Config{}) == nil {
		t.Fatal("New() returned nil")
	}
}

func TestNewWithWriter(t *testing.T) {
	var buf bytes.Buffer

	logger := NewWithWriter(&buf, Config{Level: slog.LevelDebug})
	logger.Debug("chunk stored", "chunk_index", 3)

	out := buf.String()
	if !strings.Contains(out, "chunk stored") {
		t.Errorf("expected output to contain message, got: %s", out)
	}
	if !strings.Contains(out, "chunk_index=3") {
		t.Errorf("expected output to contain attribute, got: %s", out)
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer

	logger := NewWithWriter(&buf, Config{JSON: true})
	logger.Info("retrieval done", "hits", 5)

	if !strings.Contains(buf.String(), `"msg":"retrieval done"`) {
		t.Errorf("expected JSON output, got: %s", buf.String())
	}
}

func TestNewNop(t *testing.T) {
	logger := NewNop()
	if logger == nil {
		t.Fatal("NewNop() returned nil")
	}
	logger.Info("discarded")
}
