package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gridsight/gridsight/internal/api"
	"github.com/gridsight/gridsight/internal/capture"
	"github.com/gridsight/gridsight/internal/config"
	"github.com/gridsight/gridsight/internal/detect"
	"github.com/gridsight/gridsight/internal/engine"
	"github.com/gridsight/gridsight/internal/geom"
	"github.com/gridsight/gridsight/internal/monitoring"
	"github.com/gridsight/gridsight/internal/round"
	"github.com/gridsight/gridsight/internal/store"
	"github.com/gridsight/gridsight/internal/version"
)

var (
	listen     = flag.String("listen", ":8080", "Listen address")
	dbFile     = flag.String("db", "gridsight.db", "SQLite database path; empty disables persistence")
	configPath = flag.String("config", "", "Tuning config JSON path")
	roiFlag    = flag.String("roi", "0,0,1,1", "Normalized ROI as x,y,w,h in [0,1]")
	rows       = flag.Int("rows", 3, "Grid rows")
	cols       = flag.Int("cols", 3, "Grid columns")
	areaFlag   = flag.String("area", "", "Screen capture area in pixels as x,y,w,h; empty captures the whole screen")
	interval   = flag.Duration("interval", 33*time.Millisecond, "Capture interval")
	recordPath = flag.String("record", "", "Write sampled luminance frames to this JSONL file")
	replayPath = flag.String("replay", "", "Replay a JSONL recording instead of capturing the screen")
	realtime   = flag.Bool("realtime", true, "Pace replay to the recorded inter-frame gaps")
	notes      = flag.String("notes", "", "Session notes")
	debug      = flag.Bool("debug", false, "Enable debug logging")
)

// parseQuad parses "a,b,c,d" into four floats.
func parseQuad(s string) ([4]float64, error) {
	var out [4]float64
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return out, fmt.Errorf("expected 4 comma-separated values, got %d", len(parts))
	}
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return out, fmt.Errorf("value %d: %w", i+1, err)
		}
		out[i] = v
	}
	return out, nil
}

func buildSource() (engine.FrameSource, func(), error) {
	if *replayPath != "" {
		src, err := engine.NewReplaySource(*replayPath, *realtime)
		if err != nil {
			return nil, nil, err
		}
		return src, func() { src.Close() }, nil
	}

	var area image.Rectangle
	if *areaFlag != "" {
		q, err := parseQuad(*areaFlag)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid -area: %w", err)
		}
		area = image.Rect(int(q[0]), int(q[1]), int(q[0]+q[2]), int(q[1]+q[3]))
	}
	src, err := capture.NewScreenSource(area, *interval)
	if err != nil {
		return nil, nil, err
	}
	return src, func() {}, nil
}

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	if *debug {
		monitoring.EnableDebug(true)
	}
	log.Printf("gridsight %s", version.String())

	roiQuad, err := parseQuad(*roiFlag)
	if err != nil {
		log.Fatalf("invalid -roi: %v", err)
	}
	roi := geom.Rect{X: roiQuad[0], Y: roiQuad[1], Width: roiQuad[2], Height: roiQuad[3]}
	grid := geom.GridConfig{Rows: *rows, Cols: *cols}

	tuning := config.EmptyTuningConfig()
	if *configPath != "" {
		loaded, err := config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load tuning config: %v", err)
		}
		tuning = loaded
	}

	source, closeSource, err := buildSource()
	if err != nil {
		log.Fatalf("failed to create frame source: %v", err)
	}
	defer closeSource()

	var recorder *engine.Recorder
	if *recordPath != "" {
		recorder, err = engine.NewRecorder(*recordPath)
		if err != nil {
			log.Fatalf("failed to create recorder: %v", err)
		}
		defer recorder.Close()
	}

	eng, err := engine.New(engine.Options{
		ROI:      roi,
		Grid:     grid,
		Tuning:   tuning,
		Source:   source,
		Recorder: recorder,
	})
	if err != nil {
		log.Fatalf("failed to create engine: %v", err)
	}

	var db *store.Store
	var sessionID string
	if *dbFile != "" {
		db, err = store.Open(*dbFile)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer db.Close()

		sess, err := db.BeginSession(*rows, *cols, *notes)
		if err != nil {
			log.Fatalf("failed to begin session: %v", err)
		}
		sessionID = sess.ID
	}

	hub := api.NewHub()
	defer hub.Close()

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// event sinks run on the engine's tick goroutine; hand the slow work
	// (sqlite inserts, websocket fanout) to a writer routine
	type stepMsg struct {
		ev detect.Event
		st round.State
	}
	stepCh := make(chan stepMsg, 256)
	eng.AddEventSink(func(ev detect.Event, st round.State) {
		select {
		case stepCh <- stepMsg{ev, st}:
		default:
			monitoring.Logf("step queue full; dropping event for cell %d", ev.Cell)
		}
	})

	type roundMsg struct {
		st        round.State
		completed bool
		start     time.Time
		end       time.Time
	}
	roundCh := make(chan roundMsg, 16)
	var roundStart time.Time // touched only on the engine tick goroutine
	eng.AddPhaseListener(func(prev, next round.Phase, st round.State) {
		switch {
		case prev == round.PhaseArmed && next == round.PhaseReveal:
			roundStart = time.Now()
		case next == round.PhaseRearming,
			prev == round.PhaseWaitingInput && next == round.PhaseArmed:
			msg := roundMsg{
				st:        st,
				completed: next == round.PhaseRearming,
				start:     roundStart,
				end:       time.Now(),
			}
			select {
			case roundCh <- msg:
			default:
			}
		}
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case msg := <-stepCh:
				if db != nil {
					if err := db.RecordStep(sessionID, msg.st.RoundIndex, msg.ev); err != nil {
						log.Printf("failed to record step: %v", err)
					}
				}
				hub.Broadcast(map[string]interface{}{
					"type":  "step",
					"event": msg.ev,
					"round": msg.st,
				})
			case msg := <-roundCh:
				if db != nil {
					if err := db.RecordRound(store.RoundRecord{
						SessionID:  sessionID,
						RoundIndex: msg.st.RoundIndex,
						RevealLen:  msg.st.RevealLen,
						InputCount: msg.st.InputProgress,
						Completed:  msg.completed,
						Indices:    msg.st.RevealIndices,
						StartedAt:  msg.start,
						EndedAt:    msg.end,
					}); err != nil {
						log.Printf("failed to record round: %v", err)
					}
				}
				hub.Broadcast(map[string]interface{}{
					"type":      "round",
					"round":     msg.st,
					"completed": msg.completed,
				})
			case <-ctx.Done():
				log.Printf("writer routine terminated")
				return
			}
		}
	}()

	// periodic status push for connected dashboards
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if hub.ClientCount() > 0 {
					hub.Broadcast(map[string]interface{}{
						"type":   "status",
						"status": eng.Status(),
					})
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// pipeline goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := eng.Run(ctx); err != nil {
			log.Printf("engine stopped with error: %v", err)
		}
		log.Print("pipeline routine terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		srv := api.NewServer(eng, db, hub, sessionID)
		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(srv.ServeMux()),
		}

		go func() {
			log.Printf("listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
