package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"sync"

	"github.com/cnulatienpo/run-sub001/internal/config"
	"github.com/cnulatienpo/run-sub001/internal/ghost"
	"github.com/cnulatienpo/run-sub001/internal/replay"
	"github.com/cnulatienpo/run-sub001/internal/store"
)

var errUsage = errors.New("usage")

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(ctx context.Context, args []string, cfg config.Config, out io.Writer) (bool, error) {
	if len(args) == 0 {
		return false, nil
	}

	switch args[0] {
	case "version":
		fmt.Fprintf(out, "ghost relay %s\n", Version)
		return true, nil
	case "status":
		return true, cliStatus(ctx, cfg, out)
	case "ghosts":
		return true, cliGhosts(args[1:], cfg, out)
	case "replay":
		return true, cliReplay(ctx, args[1:], out)
	default:
		return false, nil
	}
}

func cliStatus(ctx context.Context, cfg config.Config, out io.Writer) error {
	ghosts, err := ghost.NewStore(cfg.Storage.GhostsDir)
	if err != nil {
		return err
	}
	entries, err := ghosts.List()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Version: %s\n", Version)
	fmt.Fprintf(out, "Ghosts: %s (%d recordings)\n", ghosts.Root(), len(entries))

	if cfg.Storage.DB == "" {
		fmt.Fprintln(out, "Index: disabled")
		return nil
	}
	st, err := store.Open(cfg.Storage.DB)
	if err != nil {
		return err
	}
	defer st.Close()
	rows, err := st.ListGhosts(ctx, 1)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Index: %s\n", cfg.Storage.DB)
	if len(rows) > 0 {
		fmt.Fprintf(out, "Latest: %s (room %s, %d events)\n", rows[0].RelPath, rows[0].RoomID, rows[0].EventCount)
	}
	return nil
}

func cliGhosts(args []string, cfg config.Config, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: ghosts [list|compare -a <ghost> -b <ghost>]", errUsage)
	}
	ghosts, err := ghost.NewStore(cfg.Storage.GhostsDir)
	if err != nil {
		return err
	}

	switch args[0] {
	case "list":
		entries, err := ghosts.List()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(out, "No ghost recordings found.")
			return nil
		}
		for _, e := range entries {
			fmt.Fprintf(out, "  %s (%d bytes)\n", e.RelPath, e.Size)
		}
		return nil

	case "compare":
		fs := flag.NewFlagSet("ghosts compare", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		a := fs.String("a", "", "first ghost (path, relative path or name fragment)")
		b := fs.String("b", "", "second ghost")
		if err := fs.Parse(args[1:]); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		if *a == "" || *b == "" {
			return fmt.Errorf("%w: ghosts compare -a <ghost> -b <ghost>", errUsage)
		}
		recA, pathA, err := ghosts.Load(*a)
		if err != nil {
			return fmt.Errorf("load ghost A: %w", err)
		}
		recB, pathB, err := ghosts.Load(*b)
		if err != nil {
			return fmt.Errorf("load ghost B: %w", err)
		}

		fmt.Fprintf(out, "Comparing %s vs %s\n", pathA, pathB)
		diverged := 0
		for _, row := range ghost.Compare(recA, recB) {
			if row.Diverged() {
				diverged++
			}
			fmt.Fprintln(out, row.String())
		}
		fmt.Fprintf(out, "%d divergent points\n", diverged)
		return nil

	default:
		return fmt.Errorf("%w: unknown ghosts command %q", errUsage, args[0])
	}
}

func cliReplay(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	speed := fs.Float64("speed", 0, "playback speed multiplier (defaults to the noodle profile)")
	loop := fs.Bool("loop", false, "restart at the end until interrupted (defaults to the noodle profile)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: replay [-speed N] [-loop] <noodle.json>", errUsage)
	}

	noodle, err := replay.ReadNoodle(fs.Arg(0))
	if err != nil {
		return err
	}
	opts := replay.Options{Speed: *speed}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "loop" {
			opts.Loop = loop
		}
	})
	player, err := replay.New(noodle, opts)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	var once sync.Once
	var mu sync.Mutex
	stopped := false
	cancel := player.Subscribe(func(ev replay.Event) {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		switch e := ev.(type) {
		case replay.Step:
			fmt.Fprintf(out, "[+%.3fs] step %d %s\n", e.OffsetMS/1000, e.Index, compactJSON(e.Fields))
		case replay.Note:
			fmt.Fprintf(out, "[+%.3fs] note %s\n", e.OffsetMS/1000, compactJSON(e.Fields))
		case replay.End:
			fmt.Fprintln(out, "end")
			if !e.Loop {
				once.Do(func() { close(done) })
			}
		}
	})
	defer cancel()

	fmt.Fprintf(out, "replaying %d events at %.2fx\n", len(player.Entries()), player.Speed())
	player.Play()
	select {
	case <-done:
	case <-ctx.Done():
		player.Stop()
	}
	mu.Lock()
	stopped = true
	mu.Unlock()
	return nil
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
