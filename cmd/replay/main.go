// Command replay drives a recorded luminance log through the detection
// pipeline and prints the confirmed steps and round outcomes. Useful for
// tuning thresholds against a captured session without a live screen.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/gridsight/gridsight/internal/config"
	"github.com/gridsight/gridsight/internal/detect"
	"github.com/gridsight/gridsight/internal/engine"
	"github.com/gridsight/gridsight/internal/geom"
	"github.com/gridsight/gridsight/internal/monitoring"
	"github.com/gridsight/gridsight/internal/round"
)

var (
	inPath     = flag.String("in", "", "JSONL recording to replay (required)")
	rows       = flag.Int("rows", 3, "Grid rows")
	cols       = flag.Int("cols", 3, "Grid columns")
	configPath = flag.String("config", "", "Tuning config JSON path")
	realtime   = flag.Bool("realtime", false, "Pace replay to recorded inter-frame gaps")
	calibrate  = flag.Bool("calibrate", false, "Run a calibration window before detecting")
	debug      = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	if *inPath == "" {
		log.Fatal("-in is required")
	}
	if *debug {
		monitoring.EnableDebug(true)
	}

	tuning := config.EmptyTuningConfig()
	if *configPath != "" {
		loaded, err := config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load tuning config: %v", err)
		}
		tuning = loaded
	}

	src, err := engine.NewReplaySource(*inPath, *realtime)
	if err != nil {
		log.Fatalf("failed to open recording: %v", err)
	}
	defer src.Close()

	eng, err := engine.New(engine.Options{
		ROI:    geom.Rect{Width: 1, Height: 1},
		Grid:   geom.GridConfig{Rows: *rows, Cols: *cols},
		Tuning: tuning,
		Source: src,
	})
	if err != nil {
		log.Fatalf("failed to create engine: %v", err)
	}

	var steps int
	eng.AddEventSink(func(ev detect.Event, st round.State) {
		steps++
		fmt.Printf("%s  cell=%d (r%d,c%d)  kind=%-6s  conf=%.2f  frame=%d  phase=%s\n",
			ev.Time.Format("15:04:05.000"), ev.Cell, ev.Row, ev.Col,
			ev.Kind, ev.Confidence, ev.Frame, st.PhaseName)
	})
	eng.AddPhaseListener(func(prev, next round.Phase, st round.State) {
		if next == round.PhaseRearming {
			fmt.Printf("--- round %d complete: pattern=%v inputs=%d\n",
				st.RoundIndex, st.RevealIndices, st.InputProgress)
		}
	})

	if *calibrate {
		eng.Calibrate()
	}

	start := time.Now()
	if err := eng.Run(context.Background()); err != nil {
		log.Fatalf("replay failed: %v", err)
	}

	status := eng.Status()
	fmt.Printf("\nreplayed %d frames in %s: %d steps, %d rounds, final phase %s\n",
		status.Frames, time.Since(start).Round(time.Millisecond),
		steps, status.Round.RoundIndex, status.Round.PhaseName)
}
