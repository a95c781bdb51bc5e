package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"

	"github.com/cbegin/midiroll"
	"github.com/cbegin/midiroll/internal/progress"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: midiroll [flags] song.mid [soundfont.sf2]\n\n")
	flag.PrintDefaults()
}

func main() {
	var (
		outPath    = flag.String("out", "out.wav", "output WAV path")
		notesPath  = flag.String("notes", "", "write the resolved note list as JSON to this path")
		configPath = flag.String("config", "", "JSON config file; flags override it")
		sampleRate = flag.Int("sample-rate", midiroll.DefaultSampleRate, "output sample rate")
		transpose  = flag.Int("transpose", 0, "transpose every note, in semitones")
		volume     = flag.Float64("volume", 1.0, "output volume after normalization")
		pad        = flag.Duration("pad", 2*time.Second, "silence after the last event, 0 for none")
		budget     = flag.Int("budget", midiroll.DefaultBudget, "channel palette size; more tracks are condensed")
		engines    = flag.Int("engines", 1, "synthesizer instances to mix, each adding its channels")
		timeout    = flag.Duration("timeout", 30*time.Second, "per-block synthesis deadline (negative disables)")
		play       = flag.Bool("play", false, "play the render after writing it")
		debug      = flag.Bool("debug", false, "debug logging, no progress view")
	)
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 || flag.NArg() > 2 {
		usage()
		os.Exit(2)
	}
	midiPath := flag.Arg(0)
	soundFont := flag.Arg(1)

	cfg := midiroll.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = midiroll.LoadConfig(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "sample-rate":
			cfg.SampleRate = *sampleRate
		case "transpose":
			cfg.Transpose = *transpose
		case "volume":
			cfg.Volume = *volume
		case "pad":
			cfg.TrailingPad = *pad
		case "budget":
			cfg.Budget = *budget
		case "engines":
			cfg.Engines = *engines
		case "timeout":
			cfg.BlockTimeout = *timeout
		}
	})

	interactive := !*debug && isatty.IsTerminal(os.Stderr.Fd())
	var logBuf bytes.Buffer
	var logOut io.Writer = os.Stderr
	if interactive {
		// held back until the progress view exits
		logOut = &logBuf
	}
	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level, AddSource: *debug}))
	slog.SetDefault(logger)
	cfg.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	res, err := run(ctx, midiPath, soundFont, cfg, interactive, stop)
	if interactive {
		os.Stderr.Write(logBuf.Bytes())
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	if err != nil {
		logger.Error("render failed", "error", err)
		os.Exit(1)
	}

	if err := midiroll.WriteWAV(*outPath, res); err != nil {
		logger.Error("write output", "error", err)
		os.Exit(1)
	}
	logger.Info("wrote audio", "path", *outPath, "seconds", res.Duration, "instruments", len(res.Instruments), "silent", res.Silent)

	if *notesPath != "" {
		if err := writeNotes(*notesPath, res); err != nil {
			logger.Error("write notes", "error", err)
			os.Exit(1)
		}
		logger.Info("wrote notes", "path", *notesPath, "notes", len(res.Notes))
	}

	if *play {
		if err := midiroll.Preview(ctx, res); err != nil {
			logger.Error("preview", "error", err)
			os.Exit(1)
		}
	}
}

func run(ctx context.Context, midiPath, soundFont string, cfg midiroll.Config, interactive bool, cancel func()) (*midiroll.Result, error) {
	if !interactive {
		cfg.OnProgress = func(done, total int) {
			if done == total || done%100 == 0 {
				cfg.Logger.Info(fmt.Sprintf("Rendering audio chunk %d of %d", done, total))
			}
		}
		return midiroll.RenderFile(ctx, midiPath, soundFont, midiroll.WithConfig(cfg))
	}

	updates := make(chan tea.Msg, 64)
	cfg.OnProgress = func(done, total int) {
		select {
		case updates <- progress.ChunkMsg{Done: done, Total: total}:
		default:
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	var res *midiroll.Result
	g.Go(func() error {
		var err error
		res, err = midiroll.RenderFile(gctx, midiPath, soundFont, midiroll.WithConfig(cfg))
		select {
		case updates <- progress.DoneMsg{Err: err}:
		case <-gctx.Done():
		}
		return err
	})
	g.Go(func() error {
		p := tea.NewProgram(progress.NewModel(midiPath, updates, cancel), tea.WithOutput(os.Stderr), tea.WithContext(gctx))
		_, err := p.Run()
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

func writeNotes(path string, res *midiroll.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := midiroll.WriteNotes(f, res); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
