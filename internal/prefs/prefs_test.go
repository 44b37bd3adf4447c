package prefs

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		p       Preferences
		wantErr bool
	}{
		{"defaults are valid", Default(), false},
		{"negative min", Preferences{SendDelayMinMS: -1, SendDelayMaxMS: 100, PhoneColumn: "telf"}, true},
		{"min equal max", Preferences{SendDelayMinMS: 100, SendDelayMaxMS: 100, PhoneColumn: "telf"}, true},
		{"min above max", Preferences{SendDelayMinMS: 200, SendDelayMaxMS: 100, PhoneColumn: "telf"}, true},
		{"empty column", Preferences{SendDelayMinMS: 0, SendDelayMaxMS: 100, PhoneColumn: "  "}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFileWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs", "config.json")
	s := NewStore(path, testLogger())

	if err := s.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := s.Current(); got != Default() {
		t.Errorf("Current() = %+v, want defaults", got)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("defaults were not persisted: %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	s := NewStore(path, testLogger())
	want := Preferences{
		SendDelayMinMS:       250,
		SendDelayMaxMS:       4000,
		PhoneColumn:          "celular",
		PrependCountryPrefix: false,
	}
	if err := s.Replace(want); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	// Simulate a restart with a fresh store.
	s2 := NewStore(path, testLogger())
	if err := s2.Load(); err != nil {
		t.Fatalf("Load() after restart error = %v", err)
	}
	if got := s2.Current(); got != want {
		t.Errorf("round-trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestReplaceInvalidKeepsCurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s := NewStore(path, testLogger())
	if err := s.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	bad := Preferences{SendDelayMinMS: 10, SendDelayMaxMS: 5, PhoneColumn: "telf"}
	if err := s.Replace(bad); err == nil {
		t.Fatal("Replace() with invalid prefs: expected error, got nil")
	}
	if got := s.Current(); got != Default() {
		t.Errorf("Current() changed after failed Replace: %+v", got)
	}
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	s := NewStore(path, testLogger())
	if err := s.Load(); err == nil {
		t.Error("Load() on corrupt file: expected error, got nil")
	}
}
