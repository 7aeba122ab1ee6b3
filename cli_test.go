package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cnulatienpo/run-sub001/internal/config"
	"github.com/cnulatienpo/run-sub001/internal/ghost"
)

// cliConfig returns a config rooted in a temp directory with the index disabled.
func cliConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	cfg.Storage.GhostsDir = filepath.Join(dir, "ghosts")
	cfg.Storage.LogsDir = filepath.Join(dir, "logs")
	cfg.Storage.DB = ""
	return cfg
}

func runCLI(t *testing.T, cfg config.Config, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	handled, err := RunCLI(ctx, args, cfg, &out)
	if !handled {
		t.Fatalf("RunCLI(%v) not handled", args)
	}
	return out.String(), err
}

// seedGhost writes a recording whose events carry the given speeds.
func seedGhost(t *testing.T, cfg config.Config, date, room string, speeds ...float64) {
	t.Helper()
	st, err := ghost.NewStore(cfg.Storage.GhostsDir)
	if err != nil {
		t.Fatalf("ghost.NewStore: %v", err)
	}
	rec := ghost.Recording{RoomID: room}
	for i, s := range speeds {
		rec.Events = append(rec.Events, ghost.Event{
			"t_ms":     float64(i * 1000),
			"position": map[string]any{"speed": s},
		})
	}
	data, err := ghost.Encode(rec)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := st.Write(context.Background(), date+"/"+ghost.FileName(room), data); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func TestCLINoArgs(t *testing.T) {
	handled, err := RunCLI(context.Background(), nil, cliConfig(t), &bytes.Buffer{})
	if handled || err != nil {
		t.Fatalf("expected unhandled, got %v %v", handled, err)
	}
	handled, _ = RunCLI(context.Background(), []string{"serve"}, cliConfig(t), &bytes.Buffer{})
	if handled {
		t.Fatal("unknown subcommand must fall through to the server")
	}
}

func TestCLIVersion(t *testing.T) {
	out, err := runCLI(t, cliConfig(t), "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, Version) {
		t.Errorf("version output %q missing %q", out, Version)
	}
}

func TestCLIStatus(t *testing.T) {
	cfg := cliConfig(t)
	seedGhost(t, cfg, "2026-01-01", "abc", 3)

	out, err := runCLI(t, cfg, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "(1 recordings)") || !strings.Contains(out, "Index: disabled") {
		t.Errorf("unexpected status output:\n%s", out)
	}

	cfg.Storage.DB = filepath.Join(t.TempDir(), "relay.db")
	out, err = runCLI(t, cfg, "status")
	if err != nil {
		t.Fatalf("status with index: %v", err)
	}
	if !strings.Contains(out, "Index: "+cfg.Storage.DB) {
		t.Errorf("unexpected status output:\n%s", out)
	}
}

func TestCLIGhostsList(t *testing.T) {
	cfg := cliConfig(t)

	out, err := runCLI(t, cfg, "ghosts", "list")
	if err != nil {
		t.Fatalf("ghosts list: %v", err)
	}
	if !strings.Contains(out, "No ghost recordings found.") {
		t.Errorf("expected empty message, got %q", out)
	}

	seedGhost(t, cfg, "2026-01-02", "b", 1)
	seedGhost(t, cfg, "2026-01-01", "a", 1)
	out, err = runCLI(t, cfg, "ghosts", "list")
	if err != nil {
		t.Fatalf("ghosts list: %v", err)
	}
	first := strings.Index(out, "2026-01-01/ghost_a.json")
	second := strings.Index(out, "2026-01-02/ghost_b.json")
	if first < 0 || second < 0 || first > second {
		t.Errorf("expected both ghosts in date order, got:\n%s", out)
	}
}

func TestCLIGhostsCompare(t *testing.T) {
	cfg := cliConfig(t)
	seedGhost(t, cfg, "2026-01-01", "a", 3.0, 3.1, 3.2)
	seedGhost(t, cfg, "2026-01-01", "b", 3.0, 3.9)

	out, err := runCLI(t, cfg, "ghosts", "compare", "-a", "ghost_a", "-b", "2026-01-01/ghost_b.json")
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 5 {
		t.Fatalf("expected header, 3 rows and summary, got %d lines:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[2], "divergence > 0.80 m/s") {
		t.Errorf("row 1 should diverge: %q", lines[2])
	}
	if !strings.Contains(lines[3], "ghostB: n/a") {
		t.Errorf("row 2 should have no speed for B: %q", lines[3])
	}
	if lines[4] != "1 divergent points" {
		t.Errorf("summary = %q", lines[4])
	}
}

func TestCLIGhostsUsage(t *testing.T) {
	cfg := cliConfig(t)
	for _, args := range [][]string{
		{"ghosts"},
		{"ghosts", "delete"},
		{"ghosts", "compare", "-a", "x"},
	} {
		if _, err := runCLI(t, cfg, args...); !errors.Is(err, errUsage) {
			t.Errorf("%v: expected usage error, got %v", args, err)
		}
	}

	if _, err := runCLI(t, cfg, "ghosts", "compare", "-a", "nope", "-b", "nada"); !errors.Is(err, ghost.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing ghosts, got %v", err)
	}
}

func TestCLIReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "noodle.json")
	noodle := `{
		"timestamp": "2026-01-01T00:00:00Z",
		"events": [
			{"time": "2026-01-01T00:00:00.020Z", "label": "second"},
			{"time": "2026-01-01T00:00:00Z", "label": "first"}
		],
		"event_notes": [{"t_ms": 10, "text": "halfway"}],
		"playback_profile": {"loop": true}
	}`
	if err := os.WriteFile(path, []byte(noodle), 0o644); err != nil {
		t.Fatalf("write noodle: %v", err)
	}

	out, err := runCLI(t, cliConfig(t), "replay", "-loop=false", path)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	want := []string{
		"replaying 2 events at 1.00x",
		`[+0.000s] step 0 {"label":"first","time":"2026-01-01T00:00:00Z"}`,
		`[+0.010s] note {"t_ms":10,"text":"halfway"}`,
		`[+0.020s] step 1 {"label":"second","time":"2026-01-01T00:00:00.020Z"}`,
		"end",
	}
	got := strings.Split(strings.TrimSpace(out), "\n")
	if len(got) != len(want) {
		t.Fatalf("replay output:\n%s", out)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}

	if _, err := runCLI(t, cliConfig(t), "replay"); !errors.Is(err, errUsage) {
		t.Errorf("expected usage error without a file, got %v", err)
	}
}

func TestCLIReplayLoopsFromProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "noodle.json")
	noodle := `{
		"timestamp": "2026-01-01T00:00:00Z",
		"events": [
			{"time": "2026-01-01T00:00:00Z"},
			{"time": "2026-01-01T00:00:00.020Z"}
		],
		"playback_profile": {"loop": true}
	}`
	if err := os.WriteFile(path, []byte(noodle), 0o644); err != nil {
		t.Fatalf("write noodle: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	var out bytes.Buffer
	start := time.Now()
	handled, err := RunCLI(ctx, []string{"replay", path}, cliConfig(t), &out)
	if !handled || err != nil {
		t.Fatalf("replay: handled=%v err=%v", handled, err)
	}
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Fatalf("looping replay returned after %v, before the context ended", elapsed)
	}
	if ends := strings.Count(out.String(), "\nend\n"); ends < 2 {
		t.Fatalf("expected the profile loop to restart playback, got %d ends:\n%s", ends, out.String())
	}
}
