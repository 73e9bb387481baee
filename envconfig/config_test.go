package envconfig

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/lorablock/lbw/logutil"
)

func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"false": slog.LevelInfo,
		"0":     slog.LevelInfo,
		"1":     slog.LevelDebug,
		"true":  slog.LevelDebug,
		"2":     logutil.LevelTrace,
	}

	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("LBW_DEBUG", k)
			if i := LogLevel(); i != v {
				t.Errorf("%s: expected %d, got %d", k, v, i)
			}
		})
	}
}

func TestJobs(t *testing.T) {
	cases := map[string]int{
		"":    runtime.NumCPU(),
		"0":   runtime.NumCPU(),
		"3":   3,
		"abc": runtime.NumCPU(),
		"-1":  runtime.NumCPU(),
	}

	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("LBW_JOBS", k)
			if i := Jobs(); i != v {
				t.Errorf("%s: expected %d, got %d", k, v, i)
			}
		})
	}
}

func TestSuffix(t *testing.T) {
	t.Setenv("LBW_SUFFIX", "")
	if s := Suffix(); s != "_lbw" {
		t.Errorf("expected default suffix, got %q", s)
	}

	t.Setenv("LBW_SUFFIX", "'_mid'")
	if s := Suffix(); s != "_mid" {
		t.Errorf("expected quotes to be trimmed, got %q", s)
	}
}

func TestPresets(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	t.Setenv("LBW_PRESETS", "")

	if s := Presets(); s != "" {
		t.Errorf("expected no presets file, got %q", s)
	}

	path := filepath.Join(home, ".lbw", "presets.txt")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("MINE:1,1,1,1,1,1,1,1,1,1,1,1,1,1,1,1,1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if s := Presets(); s != path {
		t.Errorf("expected %q, got %q", path, s)
	}

	t.Setenv("LBW_PRESETS", "/etc/lbw.txt")
	if s := Presets(); s != "/etc/lbw.txt" {
		t.Errorf("expected explicit path, got %q", s)
	}
}

func TestBool(t *testing.T) {
	cases := map[string]bool{
		"":      false,
		"true":  true,
		"false": false,
		"1":     true,
		"0":     false,
		"junk":  true,
	}

	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("LBW_OVERWRITE", k)
			if b := Overwrite(); b != v {
				t.Errorf("%s: expected %t, got %t", k, v, b)
			}
		})
	}
}

func TestValues(t *testing.T) {
	t.Setenv("LBW_SUFFIX", "_x")
	vals := Values()
	if vals["LBW_SUFFIX"] != "_x" {
		t.Errorf("unexpected LBW_SUFFIX %q", vals["LBW_SUFFIX"])
	}
	if _, ok := vals["LBW_DEBUG"]; !ok {
		t.Error("LBW_DEBUG missing")
	}
}
