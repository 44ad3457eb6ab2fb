package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/kwv/framefit/align"
)

// snapshotFile is where RunService persists alignment records between restarts.
const snapshotFile = ".alignment-state.json"

// App encapsulates the application state and dependencies
type App struct {
	Config       *align.Config
	Registry     *align.Registry
	StateTracker *align.StateTracker
	MQTTClient   *align.MQTTClient
	Publisher    *align.Publisher
	Realigner    *align.Realigner

	// CLI Flags (effectively dependencies)
	ConfigFile     string
	DataDir        string
	RegistryPath   string
	ReferenceFrame string
	OutputFile     string
	MinCommon      int
	Workers        int
	HttpPort       int
	MqttMode       bool
	HttpMode       bool
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		StateTracker: align.NewStateTracker(),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.DataDir = opts.DataDir
	a.RegistryPath = opts.RegistryPath
	a.ReferenceFrame = opts.ReferenceFrame
	a.OutputFile = opts.OutputFile
	a.MinCommon = opts.MinCommon
	a.Workers = opts.Workers
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
}

// findLandmarkFiles lists landmark export files in the data directory.
// Falls back to the current directory when the data directory holds none.
func (a *App) findLandmarkFiles() []string {
	files := globLandmarks(a.DataDir)
	if len(files) == 0 && a.DataDir != "." {
		files = globLandmarks(".")
	}
	return files
}

// globLandmarks returns landmark export files in dir, sorted by name.
// Hidden files are skipped so the registry and state snapshot are never
// parsed as landmark data.
func globLandmarks(dir string) []string {
	var files []string
	for _, pattern := range []string{"*.json", "*.geojson", "*.json.gz"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			continue
		}
		for _, m := range matches {
			if strings.HasPrefix(filepath.Base(m), ".") {
				continue
			}
			files = append(files, m)
		}
	}
	sort.Strings(files)
	return files
}

// RunParseOnly finds and parses all landmark exports and prints diagnostics
func (a *App) RunParseOnly() {
	files := a.findLandmarkFiles()
	if len(files) == 0 {
		log.Fatal("No landmark export files (*.json, *.geojson) found")
	}

	fmt.Printf("Found %d landmark export(s)\n\n", len(files))

	for _, file := range files {
		a.parseAndPrint(file)
	}
}

func (a *App) parseAndPrint(path string) {
	fmt.Printf("=== %s ===\n", filepath.Base(path))
	fmt.Printf("File: %s\n", path)

	set, err := align.ParseLandmarkFile(path)
	if err != nil {
		fmt.Printf("ERROR: %v\n\n", err)
		return
	}

	diag := align.Diagnose(set)

	fmt.Printf("Frame: %s\n", diag.Frame)
	fmt.Printf("Landmarks: %d (dim %d)\n", diag.Count, diag.Dim)
	if diag.Count > 0 && diag.Dim == 2 {
		fmt.Printf("Extent: %.2f x %.2f\n", diag.Width, diag.Height)
		fmt.Printf("Hull area: %.2f\n", diag.HullArea)
	}
	if len(diag.NearDuplicates) > 0 {
		pairs := make([]string, 0, len(diag.NearDuplicates))
		for _, p := range diag.NearDuplicates {
			pairs = append(pairs, p[0]+"/"+p[1])
		}
		fmt.Printf("Near duplicates: %s\n", strings.Join(pairs, ", "))
	}
	if names := set.Names(); len(names) > 0 {
		fmt.Printf("Names: %s\n", strings.Join(names, ", "))
	}
	fmt.Println()
}

// RunAlign aligns one landmark export onto another and prints the fit
func (a *App) RunAlign(sourcePath, targetPath string) {
	source, err := align.ParseLandmarkFile(sourcePath)
	if err != nil {
		log.Fatalf("Error parsing %s: %v", sourcePath, err)
	}
	target, err := align.ParseLandmarkFile(targetPath)
	if err != nil {
		log.Fatalf("Error parsing %s: %v", targetPath, err)
	}

	fmt.Printf("Aligning %s (%d landmarks) onto %s (%d landmarks)\n",
		source.Frame, source.Len(), target.Frame, target.Len())

	la, err := align.AlignLandmarks(source, target, a.MinCommon)
	if err != nil {
		log.Fatalf("Alignment failed: %v", err)
	}
	result := la.Result

	fmt.Println(strings.Repeat("-", 60))
	fmt.Printf("Shared landmarks: %d", len(la.Names))
	if len(la.SourceOnly) > 0 || len(la.TargetOnly) > 0 {
		fmt.Printf(" (source-only: %d, target-only: %d)", len(la.SourceOnly), len(la.TargetOnly))
	}
	fmt.Println()

	fmt.Printf("Scale: %.6f\n", result.Transform.Scale)
	if angle, ok := result.Transform.AngleDegrees(); ok {
		fmt.Printf("Rotation: %.4f deg\n", angle)
	}
	fmt.Println("Rotation matrix:")
	for _, row := range result.Transform.Rotation {
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = fmt.Sprintf("%9.6f", v)
		}
		fmt.Printf("  [%s]\n", strings.Join(cells, ", "))
	}
	coords := make([]string, len(result.Transform.Translation))
	for i, v := range result.Transform.Translation {
		coords[i] = fmt.Sprintf("%.4f", v)
	}
	fmt.Printf("Translation: (%s)\n", strings.Join(coords, ", "))

	fmt.Println("Residuals:")
	for i, name := range la.Names {
		norm := 0.0
		for _, v := range result.Residuals[i] {
			norm += v * v
		}
		fmt.Printf("  %-24s %.6f\n", name, math.Sqrt(norm))
	}
	fmt.Printf("RMSE: %.6f\n", result.RMSE())

	if a.OutputFile != "" {
		rec := &align.FrameRecord{
			Frame:         source.Frame,
			Reference:     target.Frame,
			Transform:     result.Transform,
			RMSE:          result.RMSE(),
			LandmarkCount: len(la.Names),
			AlignedAt:     time.Now().Unix(),
		}
		if angle, ok := result.Transform.AngleDegrees(); ok {
			rec.AngleDegrees = &angle
		}
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			log.Fatalf("Error encoding result: %v", err)
		}
		if err := os.WriteFile(a.OutputFile, data, 0644); err != nil {
			log.Fatalf("Error writing %s: %v", a.OutputFile, err)
		}
		fmt.Printf("Wrote result to %s\n", a.OutputFile)
	}
}

// RunCalibration aligns every landmark export against a reference frame
// and saves the accepted transforms to the registry file
func (a *App) RunCalibration() {
	files := a.findLandmarkFiles()
	if len(files) == 0 {
		log.Fatal("No landmark export files (*.json, *.geojson) found")
	}
	fmt.Printf("Found %d landmark export(s)\n\n", len(files))

	sets := make(map[string]*align.LandmarkSet)
	for _, file := range files {
		set, err := align.ParseLandmarkFile(file)
		if err != nil {
			fmt.Printf("Error loading %s: %v\n", filepath.Base(file), err)
			continue
		}
		sets[set.Frame] = set
		fmt.Printf("Loaded: %s (%d landmarks)\n", set.Frame, set.Len())
	}

	if len(sets) < 2 {
		log.Fatal("Need at least 2 landmark sets for calibration")
	}

	refID := align.SelectReferenceFrame(sets, a.ReferenceFrame)
	refSet, ok := sets[refID]
	if !ok {
		log.Fatalf("Reference frame %q has no landmark export", refID)
	}
	if a.ReferenceFrame != "" {
		fmt.Printf("\nReference frame: %s\n\n", refID)
	} else {
		fmt.Printf("\nReference frame: %s (auto-selected by landmark count)\n\n", refID)
	}

	fmt.Println("Running alignment...")
	fmt.Println(strings.Repeat("-", 60))

	outcomes := align.AlignAllToReference(sets, refSet, a.MinCommon, a.Workers)

	registry := align.NewRegistry(refID)
	now := time.Now().Unix()
	registry.UpdateFrame(refID, align.FrameAlignment{
		Transform:     align.Identity(refSet.Dim()),
		LastUpdated:   now,
		LandmarkCount: refSet.Len(),
	})
	fmt.Printf("%-20s [reference, identity transform]\n", refID)

	failed := 0
	for _, outcome := range outcomes {
		if outcome.Err != nil {
			fmt.Printf("%-20s FAILED: %v\n", outcome.Frame, outcome.Err)
			failed++
			continue
		}
		result := outcome.Result.Result

		fmt.Printf("%-20s shared=%d scale=%.4f", outcome.Frame,
			len(outcome.Result.Names), result.Transform.Scale)
		if angle, ok := result.Transform.AngleDegrees(); ok {
			fmt.Printf(" angle=%.2fdeg", angle)
		}
		fmt.Printf(" rmse=%.4f\n", result.RMSE())

		if err := align.ValidateTransform(result.Transform, align.DefaultScaleMin, align.DefaultScaleMax); err != nil {
			fmt.Printf("%-20s REJECTED: %v\n", outcome.Frame, err)
			failed++
			continue
		}

		registry.UpdateFrame(outcome.Frame, align.FrameAlignment{
			Transform:     result.Transform,
			LastUpdated:   now,
			LandmarkCount: sets[outcome.Frame].Len(),
			RMSE:          result.RMSE(),
		})
	}
	fmt.Println(strings.Repeat("-", 60))

	fmt.Printf("\nSaving transform registry to %s\n", a.RegistryPath)
	if err := align.SaveRegistry(a.RegistryPath, registry); err != nil {
		log.Fatalf("Failed to save registry: %v", err)
	}
	fmt.Println("Transform registry saved successfully")
	if failed > 0 {
		fmt.Printf("%d frame(s) could not be aligned\n", failed)
	}
	a.Registry = registry
}

// RunService starts the long-running alignment service
func (a *App) RunService() {
	fmt.Println("Starting framefit service...")

	// 1. Resolve config and registry paths relative to the data directory
	// when the flags were left at their defaults
	resolvedConfig := a.ConfigFile
	resolvedRegistry := a.RegistryPath
	if a.DataDir != "." {
		if resolvedConfig == "config.yaml" {
			resolvedConfig = filepath.Join(a.DataDir, "config.yaml")
		}
		if resolvedRegistry == align.DefaultRegistryPath {
			resolvedRegistry = filepath.Join(a.DataDir, align.DefaultRegistryPath)
		}
	}

	// 2. Load configuration (required)
	config, err := align.LoadConfig(resolvedConfig)
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", resolvedConfig, err)
	}
	a.Config = config
	log.Printf("Loaded config from %s (%d frames)", resolvedConfig, len(config.Frames))

	// 3. Load the transform registry (optional but recommended)
	registry, err := align.LoadRegistry(resolvedRegistry)
	if err != nil {
		log.Printf("Warning: Failed to load registry %s: %v", resolvedRegistry, err)
	}
	if registry != nil {
		log.Printf("Loaded transform registry from %s (%d frames)", resolvedRegistry, len(registry.Frames))
		if removed := registry.PruneInvalid(config.ScaleMin, config.ScaleMax); len(removed) > 0 {
			log.Printf("Warning: Dropped invalid registry entries: %s", strings.Join(removed, ", "))
		}
	} else {
		log.Printf("Warning: No transform registry found at %s. Landmarks will not be transformed.", resolvedRegistry)
		log.Printf("Run './framefit --calibrate' to generate it.")
		registry = align.NewRegistry(a.ReferenceFrame)
	}
	a.Registry = registry

	// 4. Determine the reference frame
	refID := a.ReferenceFrame
	if refID == "" {
		refID = config.Reference
	}
	if refID == "" {
		refID = registry.ReferenceFrame
	}
	if refID != "" {
		log.Printf("Reference frame: %s", refID)
	} else {
		log.Println("Reference frame: (will auto-select on first landmark data)")
	}

	// 5. Track state with a snapshot so records survive restarts, then
	// seed it from any landmark exports in the data directory
	a.StateTracker = align.NewStateTrackerWithSnapshot(filepath.Join(a.DataDir, snapshotFile))
	initial := a.loadInitialLandmarks()
	for _, set := range initial {
		a.StateTracker.UpdateLandmarks(set)
	}
	if len(initial) > 0 {
		log.Printf("Seeded %d landmark set(s) from %s", len(initial), a.DataDir)
	}

	// 6. Connect to MQTT if enabled
	if a.MqttMode {
		handler := func(frameID string, rawPayload []byte, set *align.LandmarkSet, err error) {
			if err != nil {
				// Decode errors are already logged by the MQTT layer
				return
			}
			// Topic identity wins over whatever frame name the payload carried
			set.Frame = frameID
			a.StateTracker.UpdateLandmarks(set)
			log.Printf("%s: tracking %d landmarks", frameID, set.Len())

			if a.Realigner != nil {
				a.Realigner.OnLandmarkUpdate(frameID)
			}
		}

		mqttClient, err := align.InitMQTT(config, handler)
		if err != nil {
			log.Fatalf("Failed to initialize MQTT: %v", err)
		}
		if mqttClient == nil {
			log.Fatal("MQTT broker not configured (set mqtt.broker in config.yaml or MQTT_BROKER)")
		}
		a.MQTTClient = mqttClient

		a.Publisher = align.NewPublisher(mqttClient.GetClient(), config.MQTT.PublishPrefix)
		a.Realigner = align.NewRealigner(config, a.Registry, resolvedRegistry, a.StateTracker, a.Publisher)
	}

	// 7. Start the HTTP server if enabled
	if a.HttpMode {
		server := newHTTPServer(a.StateTracker, a.Registry, a.Config, refID)
		go func() {
			addr := fmt.Sprintf("0.0.0.0:%d", a.HttpPort)
			log.Printf("[HTTP] Starting server on %s", addr)
			if err := http.ListenAndServe(addr, server); err != nil {
				log.Fatalf("[HTTP] Server error: %v", err)
			}
		}()
	}

	// 8. Print service info
	fmt.Println("\nService Running")
	fmt.Println("===============")
	if a.MqttMode {
		fmt.Println("\nMQTT:")
		fmt.Println("  Subscribed topics:")
		for _, fc := range config.Frames {
			fmt.Printf("    - %s (%s)\n", fc.Topic, fc.ID)
		}
		fmt.Printf("  Publishing to: %s/{frame}/transform\n", a.Publisher.Prefix())
		fmt.Printf("  Combined transforms: %s/transforms\n", a.Publisher.Prefix())
	}
	if a.HttpMode {
		fmt.Printf("\nHTTP endpoints (port %d):\n", a.HttpPort)
		fmt.Println("  GET  /health             - Health check")
		fmt.Println("  GET  /transforms         - Registry and latest alignment records")
		fmt.Println("  GET  /frames             - Tracked landmark sets with diagnostics")
		fmt.Println("  GET  /history            - Recent alignment runs")
		fmt.Println("  GET  /landmarks.geojson  - All landmarks mapped into the reference frame")
		fmt.Println("  POST /align              - One-shot point set alignment")
	}
	fmt.Println("\nPress Ctrl+C to stop")

	// 9. Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down service...")
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	fmt.Println("Service stopped")
}

// loadInitialLandmarks parses landmark exports from the data directory,
// keyed by frame. Files that fail to parse are skipped with a warning.
func (a *App) loadInitialLandmarks() map[string]*align.LandmarkSet {
	sets := make(map[string]*align.LandmarkSet)
	for _, file := range globLandmarks(a.DataDir) {
		set, err := align.ParseLandmarkFile(file)
		if err != nil {
			log.Printf("Warning: Skipping %s: %v", filepath.Base(file), err)
			continue
		}
		sets[set.Frame] = set
	}
	return sets
}
