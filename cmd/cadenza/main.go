// Package main provides the player entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"

	"github.com/aklyne/cadenza/internal/app/events"
	"github.com/aklyne/cadenza/internal/app/library"
	"github.com/aklyne/cadenza/internal/app/playback"
	"github.com/aklyne/cadenza/internal/app/player"
	"github.com/aklyne/cadenza/internal/app/rules"
	"github.com/aklyne/cadenza/internal/domain/track"
	"github.com/aklyne/cadenza/internal/infra/config"
	"github.com/aklyne/cadenza/internal/infra/logger"
	"github.com/aklyne/cadenza/internal/infra/pipeline"
	"github.com/aklyne/cadenza/internal/infra/store"
	"github.com/aklyne/cadenza/internal/infra/tags"
)

var (
	app        = kingpin.New("cadenza", "cadenza audio player engine")
	configPath = app.Flag("config", "Path to config file").String()
	verbose    = app.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
	logfile    = app.Flag("logfile", "Path to log file (default: stderr)").String()

	playCmd      = app.Command("play", "Play the library (default)").Default()
	playPlaylist = playCmd.Flag("playlist", "Queue a named playlist instead of the whole library").String()
	playShuffle  = playCmd.Flag("shuffle", "Shuffle the queue").Bool()
	playSpectrum = playCmd.Flag("spectrum", "Render a spectrum meter while playing").Bool()

	scanCmd = app.Command("scan", "Scan the library folders and exit")

	// list-operators command
	listOperatorsCmd = app.Command("list-operators", "List smart playlist rule operators and exit")
)

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	if command == listOperatorsCmd.FullCommand() {
		printOperators()
		return
	}

	if err := logger.Init(*verbose, *logfile); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}

	if *configPath != "" {
		zlog.Info().Msgf("Loading config from %s", *configPath)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Msgf("Failed to load config: %v", err)
	}

	switch command {
	case scanCmd.FullCommand():
		err = runScan(cfg)
	default:
		err = runPlay(cfg)
	}
	if err != nil {
		zlog.Error().Msgf("Player error: %v", err)
		os.Exit(1)
	}
}

// runPlay builds the engine, queues tracks and plays until the queue runs
// out or a shutdown signal arrives. Using a separate function ensures defer
// statements are executed even when returning with an error.
func runPlay(cfg *config.Config) error {
	ctx := context.Background()

	dataDir, err := cfg.Storage.DataDir()
	if err != nil {
		return err
	}

	pipe, err := pipeline.NewPipeline(cfg.Spectrum.Window)
	if err != nil {
		return err
	}
	defer pipe.Close()

	mgr := player.NewManager(cfg, pipe, pipe.Tap(),
		tags.NewReader(filepath.Join(dataDir, "covers")),
		store.NewStore(dataDir))
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Close()

	if *playPlaylist != "" {
		err = mgr.QueuePlaylist(ctx, *playPlaylist, -1)
	} else {
		err = mgr.QueueLibrary(ctx)
	}
	if err != nil {
		return err
	}
	mgr.SetShuffle(*playShuffle)

	// Subscribe before Play so the first state transitions are not missed.
	sub := mgr.Subscribe()
	defer mgr.Unsubscribe(sub.ID)

	if err := mgr.Play(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	printer := &eventPrinter{meter: *playSpectrum}
	for {
		select {
		case <-sigCh:
			printer.breakLine()
			zlog.Info().Msg("Received shutdown signal...")
			return nil
		case e, ok := <-sub.C():
			if !ok {
				return nil
			}
			if stopped := printer.print(e); stopped {
				zlog.Info().Msg("Playback stopped, exiting")
				return nil
			}
		}
	}
}

// runScan refreshes the catalog from the configured folders and exits.
// It drives the scanner directly so no audio device is needed.
func runScan(cfg *config.Config) error {
	ctx := context.Background()

	dataDir, err := cfg.Storage.DataDir()
	if err != nil {
		return err
	}

	persister := store.NewStore(dataDir)
	catalog := library.NewStore()
	if folders, tracks, err := persister.LoadLibrary(); err != nil {
		zlog.Warn().Msgf("Failed to load library state, starting fresh: %v", err)
	} else {
		catalog.ReplaceAll(folders, tracks)
	}
	for _, folder := range cfg.Library.Folders {
		catalog.AddFolder(folder)
	}

	scanner := library.NewScanner(catalog, tags.NewReader(filepath.Join(dataDir, "covers")), cfg.Library.ScanWorkers)
	result, err := scanner.ScanAll(ctx)
	if err != nil {
		return errors.Wrap(err, "library scan")
	}
	if err := persister.SaveLibrary(catalog.Folders(), catalog.Snapshot().Tracks); err != nil {
		return errors.Wrap(err, "save library")
	}

	fmt.Printf("Scanned %d folders: %d added, %d updated, %d removed (%d tracks)\n",
		len(catalog.Folders()), result.Added, result.Updated, result.Removed, len(catalog.Snapshot().Tracks))
	return nil
}

// eventPrinter renders engine events on stdout, keeping the transient
// progress line separate from durable output.
type eventPrinter struct {
	meter bool // render spectrum bands instead of elapsed time
	line  bool // a transient progress line is on screen
}

// breakLine terminates the progress line before durable output.
func (p *eventPrinter) breakLine() {
	if p.line {
		fmt.Println()
		p.line = false
	}
}

// print renders one engine event; it reports true once playback has
// stopped for good.
func (p *eventPrinter) print(e events.Event) bool {
	switch e.Kind {
	case events.KindTrackChanged:
		if e.Track != nil {
			p.breakLine()
			fmt.Printf("Now playing: %s - %s [%s]\n",
				e.Track.Artist, e.Track.DisplayTitle(), formatDuration(e.Track.Duration))
		}
	case events.KindProgress:
		if !p.meter {
			fmt.Printf("\r%s / %s ", formatDuration(e.Position), formatDuration(e.Duration))
			p.line = true
		}
	case events.KindSpectrumFrame:
		if p.meter {
			fmt.Printf("\r%s %s ", renderBands(e.Bands), formatDuration(e.Position))
			p.line = true
		}
	case events.KindPlaybackError:
		p.breakLine()
		zlog.Warn().Msgf("Playback error: %v", e.Err)
	case events.KindStateChanged:
		if e.State == playback.StateStopped {
			p.breakLine()
			return true
		}
	}
	return false
}

// printOperators prints the smart playlist rule operators.
func printOperators() {
	registered := rules.Registered()
	names := make([]string, 0, len(registered))
	for name := range registered {
		names = append(names, name)
	}
	sort.Strings(names)

	kinds := []track.Kind{track.KindText, track.KindNumber, track.KindDate}

	fmt.Println("Available Operators:")
	for _, name := range names {
		op := registered[name]
		applies := make([]string, 0, len(kinds))
		for _, k := range kinds {
			if op.AppliesTo(k) {
				applies = append(applies, k.String())
			}
		}
		fmt.Printf("  %-18s - %s [fields: %s]\n", name, op.Description(), strings.Join(applies, ", "))
	}
}

var meterRunes = []rune("▁▂▃▄▅▆▇█")

// renderBands maps per-band magnitudes onto block runes.
func renderBands(bands []float64) string {
	var b strings.Builder
	for _, v := range bands {
		if v < 0 {
			v = 0
		} else if v > 1 {
			v = 1
		}
		b.WriteRune(meterRunes[int(v*float64(len(meterRunes)-1)+0.5)])
	}
	return b.String()
}

// formatDuration renders a duration as m:ss.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	return fmt.Sprintf("%d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}
