package debug

import (
	"os"
	"testing"
)

func TestEnableDisable(t *testing.T) {
	origEnabled := IsEnabled()

	Enable()
	if !IsEnabled() {
		t.Error("Expected debug to be enabled after Enable()")
	}

	Disable()
	if IsEnabled() {
		t.Error("Expected debug to be disabled after Disable()")
	}

	if origEnabled {
		Enable()
	}
}

func TestLogDoesNotPanicWhenDisabled(t *testing.T) {
	Disable()
	Log("test", "message %s", "value")
	Trace("test", "message %s", "value")
}

func TestLogOutputsWhenEnabled(t *testing.T) {
	Enable()
	defer Disable()

	Log("test", "test message")
	Trace("test", "trace message")
	Error("test", "error message")
	Warn("test", "warn message")
	Info("test", "info message")
}

func TestJSONOutput(t *testing.T) {
	SetJSON(true)
	defer SetJSON(false)

	Info("test", "json %d", 1)
	if Logger("sandbox") == nil {
		t.Fatal("expected a named logger")
	}
}

func TestSetLogFile(t *testing.T) {
	if err := SetLogFile("test-debug.log"); err != nil {
		t.Fatalf("SetLogFile failed: %v", err)
	}

	path := GetLogFilePath()
	if path == "" {
		t.Fatal("Expected log file path to be set")
	}

	Info("test", "written to file")

	if err := SetLogFile(""); err != nil {
		t.Errorf("SetLogFile(\"\") failed: %v", err)
	}
	if GetLogFilePath() != "" {
		t.Error("Expected log file path to be cleared")
	}
	Close()

	os.Remove(path)
}
