package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/unixpickle/essentials"

	"grainmesh/pkg/artifact"
	"grainmesh/pkg/config"
	"grainmesh/pkg/lod"
	"grainmesh/pkg/pipeline"
	"grainmesh/pkg/properties"
	"grainmesh/pkg/visualization"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	// the binvox encoder reports every file it writes on the standard
	// logger; run output goes through the per-run logger instead
	log.SetOutput(io.Discard)

	if len(args) > 0 {
		switch args[0] {
		case lod.WorkerCommand:
			if err := lod.RunWorker(args[1:], stderr); err != nil {
				fmt.Fprintln(stderr, err)
				return exitError
			}
			return exitOK
		case "properties":
			return runProperties(ctx, args[1:], stdout, stderr)
		case "shape":
			return runShape(ctx, args[1:], stdout, stderr)
		}
	}
	return runSegment(ctx, args, stdin, stdout, stderr)
}

// overrides holds the command-line values that take precedence over the
// configuration file.
type overrides struct {
	voxelSize float64
	minVoxels int64
	workers   int
	iso       float64
	output    string
	tiers     string
	backend   string
	firstID   int
	resume    bool
	dtype     string
	shape     string
}

func (o *overrides) register(fs *flag.FlagSet) {
	fs.Float64Var(&o.voxelSize, "voxel-size", 0, "Voxel edge length in microns (overrides file metadata)")
	fs.Int64Var(&o.minVoxels, "min-voxels", 0, "Keep particles with more voxels than this")
	fs.IntVar(&o.workers, "workers", 0, "Number of particles processed in parallel (default: all cores)")
	fs.Float64Var(&o.iso, "iso", 0, "Iso level of the surface mesher, in (0,1)")
	fs.StringVar(&o.output, "output", "", "Output directory (default: <input dir>/<input name>)")
	fs.StringVar(&o.tiers, "tiers", "", "Comma separated quality tiers, e.g. ORIGINAL,100,30")
	fs.StringVar(&o.backend, "backend", "", "Tier backend: remesh, decimate or subprocess")
	fs.IntVar(&o.firstID, "first-id", 0, "First particle id, 0 or 1")
	fs.BoolVar(&o.resume, "resume", false, "Skip particles whose canonical record already exists")
	fs.StringVar(&o.dtype, "dtype", "", "Element type of raw volumes: uint8, uint16 or uint32")
	fs.StringVar(&o.shape, "shape", "", "Shape of raw volumes as AxBxC (default: from the file name)")
}

// apply copies every flag the user actually set into cfg.
func (o *overrides) apply(fs *flag.FlagSet, cfg *config.Config) error {
	var err error
	fs.Visit(func(f *flag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "min-voxels":
			cfg.Processing.MinVoxels = o.minVoxels
		case "workers":
			cfg.Processing.NumCores = o.workers
		case "iso":
			cfg.Mesh.IsoLevel = o.iso
		case "output":
			cfg.Output.Dir = o.output
		case "tiers":
			cfg.Tiers.Names = splitList(o.tiers)
		case "backend":
			cfg.Tiers.Backend = o.backend
		case "first-id":
			cfg.Processing.FirstID = o.firstID
		case "resume":
			cfg.Processing.Resume = o.resume
		case "dtype":
			cfg.Processing.DType = o.dtype
		case "shape":
			var shape []int
			shape, err = parseShape(o.shape)
			cfg.Processing.Shape = shape
		}
	})
	return err
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseShape(s string) ([]int, error) {
	parts := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool { return r == 'x' || r == ',' })
	if len(parts) != 3 {
		return nil, fmt.Errorf("shape %q must have three dimensions", s)
	}
	shape := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("shape %q: bad dimension %q", s, p)
		}
		shape[i] = n
	}
	return shape, nil
}

func runSegment(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("segment-and-mesh", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "YAML configuration file")
	writeConfig := fs.String("write-config", "", "Write the default configuration to this path and exit")
	var o overrides
	o.register(fs)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: segment-and-mesh [flags] <volume>")
		fmt.Fprintln(stderr, "       segment-and-mesh properties [-voxel-size N] <output dir>")
		fmt.Fprintln(stderr, "       segment-and-mesh shape <output dir> <particle id>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *writeConfig != "" {
		essentials.Must(config.CreateDefaultConfigFile(*writeConfig))
		fmt.Fprintf(stdout, "Default configuration written to %s\n", *writeConfig)
		return exitOK
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return exitUsage
	}
	input := fs.Arg(0)

	logger := log.New(stdout, "", 0)
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Printf("Error: %v", err)
		return exitError
	}
	if err := o.apply(fs, cfg); err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	root := ""
	switch cfg.Storage.Driver {
	case artifact.DriverS3:
		cfg.Storage.S3.Prefix = path.Join(cfg.Storage.S3.Prefix, pipeline.RunName(input))
	default:
		root = pipeline.OutputRoot(input, cfg.Output.Dir)
	}

	fmt.Fprintln(stdout, "================================")
	fmt.Fprintln(stdout, "PARTICLE SEGMENTATION AND MESH EXTRACTION")
	fmt.Fprintln(stdout, "================================")

	rc, err := pipeline.NewRunContext(ctx, cfg, logger, root, pipeline.RunName(input))
	if err != nil {
		logger.Printf("Error: %v", err)
		return exitError
	}
	defer rc.Close()

	runner := pipeline.NewRunner(rc, input)
	runner.Pitch = o.voxelSize
	if cfg.Processing.VoxelSize > 0 && runner.Pitch <= 0 {
		runner.Pitch = cfg.Processing.VoxelSize
	}
	if cfg.Processing.PromptVoxelSize {
		if f, ok := stdin.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			runner.Prompt = terminalPrompt(stdin, stdout)
		}
	}

	start := time.Now()
	summary, err := runner.Process(ctx)
	if err != nil {
		logger.Printf("Error: %v", err)
		return exitError
	}
	fmt.Fprintf(stdout, "\nCompleted in %.2f seconds\n", time.Since(start).Seconds())
	if root != "" {
		fmt.Fprintf(stdout, "Artifacts saved to: %s\n", root)
	}
	fmt.Fprintf(stdout, "Particles exported: %d\n", summary.Exported)
	return exitOK
}

// terminalPrompt asks once for the voxel size; a blank answer keeps voxel
// units.
func terminalPrompt(in io.Reader, out io.Writer) pipeline.PromptFunc {
	return func() (float64, bool, error) {
		fmt.Fprint(out, "Voxel size in microns (blank for voxel units): ")
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && err != io.EOF {
			return 0, false, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			return 0, false, nil
		}
		v, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return 0, false, fmt.Errorf("voxel size %q is not a number", line)
		}
		return v, true, nil
	}
}

// runProperties rebuilds properties.csv from the canonical records in dir.
func runProperties(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("properties", flag.ContinueOnError)
	fs.SetOutput(stderr)
	voxelSize := fs.Float64("voxel-size", 1, "Voxel edge length the table is scaled by")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: segment-and-mesh properties [-voxel-size N] <output dir>")
		return exitUsage
	}

	store, err := artifact.NewFSStore(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	w := artifact.NewWriter(store)
	rows, err := properties.Recompute(ctx, w, *voxelSize)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	data, err := properties.EncodeCSV(rows, artifact.IDWidth)
	if err == nil {
		err = w.WriteFile(ctx, artifact.PropertiesKey, data)
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	stats := properties.Summarize(rows)
	fmt.Fprintf(stdout, "Wrote %d rows to %s\n", len(rows), filepath.Join(fs.Arg(0), artifact.PropertiesKey))
	if stats.Count > 0 {
		fmt.Fprintf(stdout, "Mean equivalent diameter: %.4g\n", stats.MeanDiameter)
	}
	return exitOK
}

// runShape writes every cross-section of one particle mask as a TIFF
// sequence, one directory per axis, next to its three mid-plane PNGs.
func runShape(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) != 2 {
		fmt.Fprintln(stderr, "Usage: segment-and-mesh shape <output dir> <particle id>")
		return exitUsage
	}
	id, err := strconv.Atoi(args[1])
	if err != nil || id < 0 {
		fmt.Fprintf(stderr, "bad particle id %q\n", args[1])
		return exitUsage
	}
	store, err := artifact.NewFSStore(args[0])
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	rec, err := artifact.NewWriter(store).ReadRecord(ctx, id)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	viewer := visualization.NewViewer(rec.Mask)
	base := filepath.Join(args[0], "shape", artifact.ParticleName(id))
	if err := viewer.SaveMidSlices(base, artifact.ParticleName(id)); err != nil {
		fmt.Fprintf(stderr, "Warning: Failed to save mid-plane previews: %v\n", err)
	}
	for _, axis := range visualization.Axes {
		axisDir := filepath.Join(base, axis)
		fmt.Fprintf(stdout, "Saving %s-axis slices to: %s\n", axis, axisDir)
		if err := viewer.SaveSliceSequence(axis, axisDir); err != nil {
			fmt.Fprintf(stderr, "Warning: Failed to save %s-axis slices: %v\n", axis, err)
		}
	}
	return exitOK
}
