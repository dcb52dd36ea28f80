package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		wantLevel zapcore.Level
		wantErr   bool
	}{
		{name: "default", level: "", wantLevel: zapcore.InfoLevel},
		{name: "debug", level: "debug", wantLevel: zapcore.DebugLevel},
		{name: "warn", level: "WARN", wantLevel: zapcore.WarnLevel},
		{name: "bogus", level: "chatty", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.level, "", false)
			if tt.wantErr {
				if err == nil {
					t.Errorf("NewLogger(%q) succeeded", tt.level)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewLogger(%q) error: %v", tt.level, err)
			}
			if got := logger.Level(); got != tt.wantLevel {
				t.Errorf("Level() = %s, want %s", got, tt.wantLevel)
			}
		})
	}
}

func TestNewLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapserver.log")
	logger, err := NewLogger("info", path, false)
	if err != nil {
		t.Fatalf("NewLogger() error: %v", err)
	}
	logger.Info("hello from the frame loop")
	logger.Debug("filtered")
	_ = logger.Sync()

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if !strings.Contains(string(contents), "hello from the frame loop") {
		t.Errorf("log file missing entry: %q", contents)
	}
	if strings.Contains(string(contents), "filtered") {
		t.Errorf("debug entry written at info level")
	}
}
