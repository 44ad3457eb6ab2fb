package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/kwv/framefit/align"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions carries parsed CLI flags into the App.
type AppOptions struct {
	ConfigFile     string
	DataDir        string
	RegistryPath   string
	ReferenceFrame string
	OutputFile     string
	MinCommon      int
	Workers        int
	HttpPort       int
	ParseOnly      bool
	AlignOnly      bool
	CalibrateOnly  bool
	MqttMode       bool
	HttpMode       bool
}

// AppRunner is the mode surface run dispatches to. *App implements it; tests
// substitute a mock.
type AppRunner interface {
	ApplyOptions(opts AppOptions)
	RunParseOnly()
	RunAlign(sourcePath, targetPath string)
	RunCalibration()
	RunService()
}

// run parses args, applies the options and dispatches to the selected mode.
// Output intended for the user goes to out so tests can capture it.
func run(args []string, out io.Writer, app AppRunner) error {
	fs := flag.NewFlagSet("framefit", flag.ContinueOnError)
	fs.SetOutput(out)

	var (
		configFile    = fs.String("config", "config.yaml", "Path to configuration file")
		parseOnly     = fs.Bool("parse-only", false, "Parse landmark exports and exit (test mode)")
		alignOnly     = fs.Bool("align", false, "Align two landmark files (SRC DST) and exit")
		calibrateOnly = fs.Bool("calibrate", false, "Align every frame against the reference and write the registry")
		mqttMode      = fs.Bool("mqtt", false, "Run MQTT service mode for live landmark updates")
		httpMode      = fs.Bool("http", false, "Enable HTTP server for transforms and diagnostics")
		httpPort      = fs.Int("http-port", 8080, "HTTP server port (default 8080)")
		dataDir       = fs.String("data-dir", ".", "Directory containing landmark export files")
		registryPath  = fs.String("registry", align.DefaultRegistryPath, "Path to transform registry file")
		reference     = fs.String("reference", "", "Override reference frame (default: from config or registry)")
		outputFile    = fs.String("output", "", "Write alignment results as JSON to this file")
		minCommon     = fs.Int("min-common", 0, "Minimum shared landmarks required for a fit (default from config)")
		workers       = fs.Int("workers", 0, "Concurrent alignments in calibrate mode (default: one per CPU)")
	)

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "framefit version: %s\n", Version)

	app.ApplyOptions(AppOptions{
		ConfigFile:     *configFile,
		DataDir:        *dataDir,
		RegistryPath:   *registryPath,
		ReferenceFrame: *reference,
		OutputFile:     *outputFile,
		MinCommon:      *minCommon,
		Workers:        *workers,
		HttpPort:       *httpPort,
		ParseOnly:      *parseOnly,
		AlignOnly:      *alignOnly,
		CalibrateOnly:  *calibrateOnly,
		MqttMode:       *mqttMode,
		HttpMode:       *httpMode,
	})

	switch {
	case *parseOnly:
		app.RunParseOnly()

	case *alignOnly:
		rest := fs.Args()
		if len(rest) != 2 {
			return fmt.Errorf("-align needs exactly two landmark files, got %d", len(rest))
		}
		app.RunAlign(rest[0], rest[1])

	case *calibrateOnly:
		app.RunCalibration()

	case *mqttMode || *httpMode:
		app.RunService()

	default:
		fmt.Fprintln(out, "framefit service starting...")
		fmt.Fprintln(out, "Use --parse-only to inspect landmark exports")
		fmt.Fprintln(out, "Use --align SRC DST to align two landmark files")
		fmt.Fprintln(out, "Use --calibrate to align every frame and write the registry")
		fmt.Fprintln(out, "Use --mqtt to run MQTT service mode")
		fmt.Fprintln(out, "Use --http to run HTTP server mode")
		fmt.Fprintln(out, "Use --mqtt --http to run both MQTT and HTTP together")
		fmt.Fprintln(out, "\nConfiguration:")
		fmt.Fprintln(out, "  config.yaml - MQTT settings and frame definitions")
		fmt.Fprintf(out, "  %s - Accepted transforms per frame (persisted)\n", align.DefaultRegistryPath)
		fmt.Fprintln(out, "\nRun with --mqtt and/or --http to start the service")
	}

	return nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatal(err)
	}
}
