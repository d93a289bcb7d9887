package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"grainmesh/internal/models"
	"grainmesh/pkg/artifact"
	"grainmesh/pkg/config"
	"grainmesh/pkg/lod"
	"grainmesh/pkg/properties"
	"grainmesh/pkg/stl"
	"grainmesh/pkg/volume"
)

func fillBox(labels []uint32, shape, lo, hi [3]int, label uint32) {
	for x := lo[0]; x < hi[0]; x++ {
		for y := lo[1]; y < hi[1]; y++ {
			for z := lo[2]; z < hi[2]; z++ {
				labels[(x*shape[1]+y)*shape[2]+z] = label
			}
		}
	}
}

// scenarioVolume is 50³ with an interior 10³ cube (label 1), an interior 5³
// cube (label 2) and a cube in the corner (label 3).
func scenarioVolume() *volume.Volume {
	shape := [3]int{50, 50, 50}
	labels := make([]uint32, 50*50*50)
	fillBox(labels, shape, [3]int{10, 10, 10}, [3]int{20, 20, 20}, 1)
	fillBox(labels, shape, [3]int{30, 30, 30}, [3]int{35, 35, 35}, 2)
	fillBox(labels, shape, [3]int{0, 0, 0}, [3]int{8, 8, 8}, 3)
	return volume.FromLabels(shape, labels)
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Processing.NumCores = 2
	cfg.Processing.MinVoxels = 200
	cfg.Output.Previews = true
	cfg.Storage.Driver = artifact.DriverMemory
	cfg.Catalog.Driver = properties.CatalogSQLite
	cfg.Catalog.DSN = ":memory:"
	return cfg
}

func newTestRun(t *testing.T, cfg *config.Config) (*RunContext, *bytes.Buffer) {
	t.Helper()
	var logs bytes.Buffer
	rc, err := NewRunContext(context.Background(), cfg, log.New(&logs, "", 0), "", "scenario")
	if err != nil {
		t.Fatalf("NewRunContext: %v", err)
	}
	rc.TempDir = t.TempDir()
	t.Cleanup(func() { rc.Close() })
	return rc, &logs
}

func storeBytes(t *testing.T, rc *RunContext, key string) []byte {
	t.Helper()
	data, ok := rc.Store.(*artifact.MemoryStore).Bytes(key)
	if !ok {
		t.Fatalf("missing artifact %s", key)
	}
	return data
}

func TestEndToEndScenario(t *testing.T) {
	ctx := context.Background()
	rc, logs := newTestRun(t, testConfig())

	sum, err := NewRunner(rc, "").ProcessVolume(ctx, scenarioVolume(), 1)
	if err != nil {
		t.Fatalf("ProcessVolume: %v", err)
	}
	if sum.Regions != 3 || sum.RejectedBoundary != 1 || sum.RejectedSize != 1 || sum.Exported != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if len(sum.Rows) != 1 {
		t.Fatalf("expected one row, got %d", len(sum.Rows))
	}
	row := sum.Rows[0]
	want := math.Cbrt(6 * 1000 / math.Pi)
	if row.ID != 1 || row.SourceLabel != 1 || row.Area != 1000 || math.Abs(row.EquivalentDiameter-want) > 1e-9 {
		t.Errorf("unexpected row %+v (diameter want %f)", row, want)
	}
	if math.Abs(row.AspectRatio-1) > 1e-9 {
		t.Errorf("cube aspect ratio should be 1, got %f", row.AspectRatio)
	}

	for _, key := range []string{
		"particle_00001.npz",
		"ORIGINAL/particle_00001.stl",
		"100/particle_00001.stl",
		"30/particle_00001.stl",
		"10/particle_00001.stl",
		"vdb/particle_00001.binvox",
		"preview/particle_00001_x.png",
		"preview/particle_00001_y.png",
		"preview/particle_00001_z.png",
		"properties.csv",
		"metrics.prom",
	} {
		storeBytes(t, rc, key)
	}
	keys, _ := rc.Store.List(ctx, "")
	for _, k := range keys {
		if strings.Contains(k, "particle_00002") || strings.Contains(k, "particle_00000") {
			t.Errorf("unexpected artifact %s", k)
		}
	}

	csv := string(storeBytes(t, rc, "properties.csv"))
	lines := strings.Split(strings.TrimSpace(csv), "\n")
	if len(lines) != 2 || lines[0] != "id,area,equivalent_diameter,major_axis_length,minor_axis_length,aspect_ratio" {
		t.Fatalf("unexpected csv:\n%s", csv)
	}
	if !strings.HasPrefix(lines[1], "00001,1000,") {
		t.Errorf("unexpected csv row %q", lines[1])
	}

	rec, err := rc.Writer.ReadRecord(ctx, 1)
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if rec.Mask.Shape != [3]int{12, 12, 12} || rec.Mask.Count() != 1000 || len(rec.Mesh.Faces) == 0 {
		t.Errorf("unexpected canonical record: shape %v, %d voxels, %d faces", rec.Mask.Shape, rec.Mask.Count(), len(rec.Mesh.Faces))
	}

	if got := testutil.ToFloat64(rc.Metrics.Exported); got != 1 {
		t.Errorf("expected exported metric 1, got %f", got)
	}
	if got := testutil.ToFloat64(rc.Metrics.Rejected.WithLabelValues("boundary")); got != 1 {
		t.Errorf("expected boundary metric 1, got %f", got)
	}
	if got := testutil.ToFloat64(rc.Metrics.Regions); got != 3 {
		t.Errorf("expected regions gauge 3, got %f", got)
	}
	if !strings.Contains(string(storeBytes(t, rc, "metrics.prom")), "grainmesh_particles_exported_total 1") {
		t.Error("metrics file lacks the exported counter")
	}

	stored, err := rc.Catalog.Particles(ctx, "scenario")
	if err != nil || len(stored) != 1 {
		t.Fatalf("expected one catalogued particle, got %v (%v)", stored, err)
	}
	if !math.IsNaN(stored[0].NearestNeighbour) || stored[0].Centroid.X != 14.5 || stored[0].Tiers < 4 {
		t.Errorf("unexpected catalogue record %+v", stored[0])
	}
	counts, _ := rc.Catalog.Rejections(ctx, "scenario")
	if counts["boundary"] != 1 || counts["size"] != 1 {
		t.Errorf("unexpected rejection counts %v", counts)
	}

	out := logs.String()
	for _, want := range []string{
		"Step 2", "Step 5",
		"Processing particles: 100.0% complete",
		"rejected (boundary):    1",
		"rejected (size):        1",
		"exported:               1 of 1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log lacks %q:\n%s", want, out)
		}
	}
}

func TestScenarioAtDefaultFloor(t *testing.T) {
	cfg := testConfig()
	cfg.Processing.MinVoxels = config.DefaultConfig().Processing.MinVoxels
	rc, _ := newTestRun(t, cfg)

	sum, err := NewRunner(rc, "").ProcessVolume(context.Background(), scenarioVolume(), 1)
	if err != nil {
		t.Fatalf("ProcessVolume: %v", err)
	}
	// the 5³ cube has 125 voxels, which clears a floor of 100
	if sum.Regions != 3 || sum.RejectedBoundary != 1 || sum.RejectedSize != 0 || sum.Exported != 2 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if len(sum.Rows) != 2 {
		t.Fatalf("expected two rows, got %d", len(sum.Rows))
	}
	for i, want := range []struct {
		id    int
		label uint32
		area  float64
	}{{1, 1, 1000}, {2, 2, 125}} {
		row := sum.Rows[i]
		if row.ID != want.id || row.SourceLabel != want.label || row.Area != want.area {
			t.Errorf("row %d: unexpected %+v", i, row)
		}
	}
	storeBytes(t, rc, "ORIGINAL/particle_00002.stl")
	if got := testutil.ToFloat64(rc.Metrics.Exported); got != 2 {
		t.Errorf("expected exported metric 2, got %f", got)
	}
}

func TestCanonicalRecordsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	var canon, original [][]byte
	for i := 0; i < 2; i++ {
		cfg := testConfig()
		cfg.Catalog.Driver = properties.CatalogNone
		cfg.Processing.NumCores = 1 + i*3
		rc, _ := newTestRun(t, cfg)
		if _, err := NewRunner(rc, "").ProcessVolume(ctx, scenarioVolume(), 1); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		canon = append(canon, storeBytes(t, rc, "particle_00001.npz"))
		original = append(original, storeBytes(t, rc, "ORIGINAL/particle_00001.stl"))
	}
	if !bytes.Equal(canon[0], canon[1]) {
		t.Error("canonical record differs between runs")
	}
	if !bytes.Equal(original[0], original[1]) {
		t.Error("ORIGINAL tier differs between runs")
	}
}

func TestResumeSkipsFinishedParticles(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	rc, _ := newTestRun(t, cfg)
	runner := NewRunner(rc, "")
	if _, err := runner.ProcessVolume(ctx, scenarioVolume(), 1); err != nil {
		t.Fatalf("first run: %v", err)
	}

	cfg.Processing.Resume = true
	calls := 0
	runner.Mesh = func(mask *models.Mask, iso float64) (*models.Mesh, error) {
		calls++
		return stl.ExtractMesh(mask, iso)
	}
	sum, err := runner.ProcessVolume(ctx, scenarioVolume(), 1)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if calls != 0 {
		t.Errorf("finished particle was meshed again %d times", calls)
	}
	if sum.Resumed != 1 || sum.Exported != 1 || len(sum.Rows) != 1 {
		t.Errorf("unexpected resume summary %+v", sum)
	}
}

func TestDegenerateMeshIsSkipped(t *testing.T) {
	ctx := context.Background()
	shape := [3]int{40, 40, 40}
	labels := make([]uint32, 40*40*40)
	fillBox(labels, shape, [3]int{5, 5, 5}, [3]int{15, 15, 15}, 3)
	fillBox(labels, shape, [3]int{20, 20, 20}, [3]int{28, 28, 32}, 8)

	cfg := testConfig()
	cfg.Processing.FirstID = 0
	rc, logs := newTestRun(t, cfg)
	runner := NewRunner(rc, "")
	runner.Mesh = func(mask *models.Mask, iso float64) (*models.Mesh, error) {
		if mask.Shape[2] == 14 {
			return nil, &stl.DegenerateMeshError{Reason: "no boundary crossing"}
		}
		return stl.ExtractMesh(mask, iso)
	}
	sum, err := runner.ProcessVolume(ctx, volume.FromLabels(shape, labels), 1)
	if err != nil {
		t.Fatalf("ProcessVolume: %v", err)
	}
	if sum.Accepted != 2 || sum.Exported != 1 || sum.MeshFailures != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if len(sum.Rows) != 1 || sum.Rows[0].ID != 0 {
		t.Errorf("expected only particle 0 in the table, got %+v", sum.Rows)
	}
	if ok, _ := rc.Writer.HasCanonical(ctx, 1); ok {
		t.Error("degenerate particle has a canonical record")
	}
	if !strings.Contains(logs.String(), "Warning: particle 00001 (label 8)") {
		t.Errorf("missing warning in log:\n%s", logs.String())
	}
	if got := testutil.ToFloat64(rc.Metrics.MeshFailures); got != 1 {
		t.Errorf("expected mesh failure metric 1, got %f", got)
	}
}

type crashingBackend struct{}

func (crashingBackend) Name() string { return "crashing" }

func (crashingBackend) Simplify(ctx context.Context, src lod.Source, targets []lod.Target) ([]lod.Result, error) {
	return nil, &lod.SimplificationSubprocessError{ParticleID: src.ID, Err: errors.New("signal: killed")}
}

func TestTierFailuresKeepParticle(t *testing.T) {
	ctx := context.Background()
	rc, logs := newTestRun(t, testConfig())
	rc.Backend = crashingBackend{}

	sum, err := NewRunner(rc, "").ProcessVolume(ctx, scenarioVolume(), 1)
	if err != nil {
		t.Fatalf("ProcessVolume: %v", err)
	}
	if sum.Exported != 1 || sum.TierFailures != 4 || sum.TiersWritten != 1 {
		t.Errorf("unexpected summary %+v", sum)
	}
	storeBytes(t, rc, "ORIGINAL/particle_00001.stl")
	storeBytes(t, rc, "particle_00001.npz")
	if _, ok := rc.Store.(*artifact.MemoryStore).Bytes("30/particle_00001.stl"); ok {
		t.Error("failed tier was written")
	}
	if !strings.Contains(logs.String(), "signal: killed") {
		t.Errorf("subprocess failure not logged:\n%s", logs.String())
	}
	if got := testutil.ToFloat64(rc.Metrics.TierFailures.WithLabelValues("3")); got != 1 {
		t.Errorf("expected tier 3 failure metric 1, got %f", got)
	}
}

func sphereVolume(size int, radius float64) *volume.Volume {
	labels := make([]uint32, size*size*size)
	c := float64(size-1) / 2
	for x := 0; x < size; x++ {
		for y := 0; y < size; y++ {
			for z := 0; z < size; z++ {
				dx, dy, dz := float64(x)-c, float64(y)-c, float64(z)-c
				if dx*dx+dy*dy+dz*dz <= radius*radius {
					labels[(x*size+y)*size+z] = 5
				}
			}
		}
	}
	return volume.FromLabels([3]int{size, size, size}, labels)
}

func TestSphereDiameterScalesWithPitch(t *testing.T) {
	cfg := testConfig()
	cfg.Tiers.Names = []string{"ORIGINAL"}
	cfg.Output.Grid = false
	cfg.Output.Previews = false
	rc, _ := newTestRun(t, cfg)

	const radius, pitch = 8.0, 0.25
	sum, err := NewRunner(rc, "").ProcessVolume(context.Background(), sphereVolume(30, radius), pitch)
	if err != nil {
		t.Fatalf("ProcessVolume: %v", err)
	}
	if len(sum.Rows) != 1 {
		t.Fatalf("expected one row, got %d", len(sum.Rows))
	}
	want := 2 * radius * pitch
	if got := sum.Rows[0].EquivalentDiameter; math.Abs(got-want) > pitch {
		t.Errorf("expected diameter %f within one voxel, got %f", want, got)
	}
	if ar := sum.Rows[0].AspectRatio; ar < 1 || ar > 1.05 {
		t.Errorf("sphere aspect ratio %f", ar)
	}
}

func TestCancelledRunStopsIssuing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rc, _ := newTestRun(t, testConfig())
	sum, err := NewRunner(rc, "").ProcessVolume(ctx, scenarioVolume(), 1)
	if err == nil {
		t.Fatal("expected interruption error")
	}
	if sum == nil || sum.Accepted != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if _, ok := rc.Store.(*artifact.MemoryStore).Bytes("properties.csv"); ok {
		t.Error("interrupted run wrote the properties table")
	}
}

func writeRaw(t *testing.T, dir string) string {
	t.Helper()
	shape := [3]int{20, 20, 20}
	labels := make([]uint32, 20*20*20)
	fillBox(labels, shape, [3]int{7, 7, 7}, [3]int{13, 13, 13}, 9)
	buf := make([]byte, 2*len(labels))
	for i, l := range labels {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(l))
	}
	path := filepath.Join(dir, "sample_20x20x20.raw")
	if err := os.WriteFile(path, buf, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProcessFromFile(t *testing.T) {
	dir := t.TempDir()
	input := writeRaw(t, dir)
	if err := os.WriteFile(filepath.Join(dir, "sample_20x20x20.json"), []byte(`{"voxel_size": 2}`), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	cfg.Processing.DType = "uint16"
	cfg.Processing.MinVoxels = 100
	cfg.Tiers.Names = []string{"ORIGINAL", "10"}
	rc, logs := newTestRun(t, cfg)

	sum, err := NewRunner(rc, input).Process(context.Background())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if sum.PitchSource != PitchFromCompanion || sum.Pitch != 2 {
		t.Errorf("expected companion pitch 2, got %f (%s)", sum.Pitch, sum.PitchSource)
	}
	if len(sum.Rows) != 1 || sum.Rows[0].Area != 216*8 {
		t.Errorf("unexpected rows %+v", sum.Rows)
	}
	if !strings.Contains(logs.String(), "Step 1: Loading volume...") {
		t.Errorf("missing step banner:\n%s", logs.String())
	}
}

func TestProcessRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	cases := map[string][]byte{
		"mesh.obj":          []byte("v 0 0 0\n"),
		"short_4x4x4.raw":   make([]byte, 10),
		"missing_2x2x2.raw": nil,
	}
	for name, data := range cases {
		path := filepath.Join(dir, name)
		if data != nil {
			if err := os.WriteFile(path, data, 0644); err != nil {
				t.Fatal(err)
			}
		}
		rc, _ := newTestRun(t, testConfig())
		if _, err := NewRunner(rc, path).Process(context.Background()); err == nil {
			t.Errorf("%s: expected error", name)
		}
		if keys, _ := rc.Store.List(context.Background(), ""); len(keys) != 0 {
			t.Errorf("%s: artifacts written before failure: %v", name, keys)
		}
	}
}

func TestResolvePitch(t *testing.T) {
	dir := t.TempDir()
	withJSON := filepath.Join(dir, "a.tif")
	if err := os.WriteFile(filepath.Join(dir, "a.json"), []byte(`{"microns_per_pixel": 3.5}`), 0644); err != nil {
		t.Fatal(err)
	}
	header := &volume.Volume{Pitch: 0.7}
	bare := &volume.Volume{}
	prompted := func() (float64, bool, error) { return 4, true, nil }
	declined := func() (float64, bool, error) { return 0, false, nil }

	cases := []struct {
		name     string
		explicit float64
		vol      *volume.Volume
		input    string
		prompt   PromptFunc
		want     float64
		source   string
	}{
		{"flag wins", 2, header, withJSON, prompted, 2, PitchFromFlag},
		{"header", 0, header, withJSON, prompted, 0.7, PitchFromHeader},
		{"companion", 0, bare, withJSON, prompted, 3.5, PitchFromCompanion},
		{"prompt", 0, bare, filepath.Join(dir, "b.tif"), prompted, 4, PitchFromPrompt},
		{"declined", 0, bare, filepath.Join(dir, "b.tif"), declined, 1, PitchUnset},
		{"nothing", 0, bare, "", nil, 1, PitchUnset},
	}
	for _, tc := range cases {
		got, source, err := ResolvePitch(tc.explicit, tc.vol, tc.input, tc.prompt)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want || source != tc.source {
			t.Errorf("%s: expected %f (%s), got %f (%s)", tc.name, tc.want, tc.source, got, source)
		}
	}

	negative := func() (float64, bool, error) { return -1, true, nil }
	if _, _, err := ResolvePitch(0, bare, "", negative); err == nil {
		t.Error("expected negative prompt answer to fail")
	}
}

func TestOutputRoot(t *testing.T) {
	if got := OutputRoot("/data/scan_01.tif", ""); got != filepath.Join("/data", "scan_01") {
		t.Errorf("unexpected root %s", got)
	}
	if got := OutputRoot("/data/scan_01.tif", "/out"); got != "/out" {
		t.Errorf("unexpected root %s", got)
	}
	if got := RunName("/data/grains_100x100x50.raw"); got != "grains_100x100x50" {
		t.Errorf("unexpected run name %s", got)
	}
}
