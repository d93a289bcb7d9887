package lod

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"testing"
	"time"

	"grainmesh/internal/models"
	"grainmesh/pkg/stl"
)

// TestMain doubles as the tier worker when the test binary is re-executed
// by the subprocess backend.
func TestMain(m *testing.M) {
	switch os.Getenv("GRAINMESH_TEST_WORKER") {
	case "":
		os.Exit(m.Run())
	case "crash":
		fmt.Fprintln(os.Stderr, "simulated crash")
		os.Exit(3)
	case "hang":
		time.Sleep(time.Minute)
		os.Exit(0)
	default:
		args := os.Args[1:]
		for i, a := range args {
			if a == WorkerCommand {
				args = args[i+1:]
				break
			}
		}
		if err := RunWorker(args, os.Stderr); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
}

func ellipsoidSource(t *testing.T, id int) (Source, models.BBox) {
	t.Helper()
	shape := [3]int{26, 18, 14}
	mask := models.NewMask(shape)
	c := [3]float64{12.5, 8.5, 6.5}
	r := [3]float64{11, 7, 5}
	lo := [3]int{shape[0], shape[1], shape[2]}
	hi := [3]int{}
	for x := 0; x < shape[0]; x++ {
		for y := 0; y < shape[1]; y++ {
			for z := 0; z < shape[2]; z++ {
				p := [3]int{x, y, z}
				var d float64
				for i := range p {
					v := (float64(p[i]) - c[i]) / r[i]
					d += v * v
				}
				if d <= 1 {
					mask.Set(x, y, z, true)
					for i := range p {
						lo[i] = min(lo[i], p[i])
						hi[i] = max(hi[i], p[i]+1)
					}
				}
			}
		}
	}
	mesh, err := stl.ExtractMesh(mask, stl.DefaultIsoLevel)
	if err != nil {
		t.Fatalf("ExtractMesh failed: %v", err)
	}
	return Source{ID: id, Mask: mask, Mesh: mesh, IsoLevel: stl.DefaultIsoLevel}, models.BBox{Min: lo, Max: hi}
}

func TestParseTiers(t *testing.T) {
	tiers, err := ParseTiers([]string{"ORIGINAL", "100", "30", "10", "3"})
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range DefaultTiers {
		if tiers[i] != want {
			t.Errorf("tier %d: expected %+v, got %+v", i, want, tiers[i])
		}
	}
	tiers, err = ParseTiers([]string{"ORIGINAL", "030", "+10"})
	if err != nil {
		t.Fatal(err)
	}
	if names := TierNames(tiers); names[1] != "30" || names[2] != "10" || tiers[1].Across != 30 {
		t.Errorf("expected normalised names, got %v", names)
	}
	for _, bad := range [][]string{{"FINE"}, {"0"}, {"-3"}, {"10", "10"}, {"30", "030"}} {
		if _, err := ParseTiers(bad); err == nil {
			t.Errorf("%v: expected an error", bad)
		}
	}
}

func TestTargets(t *testing.T) {
	bbox := models.BBox{Min: [3]int{0, 0, 0}, Max: [3]int{60, 30, 45}}
	targets := Targets(DefaultTiers, bbox, DefaultMinVoxelSize)
	want := []float64{1, 0.5, 1, 3, 10}
	for i, tg := range targets {
		if math.Abs(tg.VoxelSize-want[i]) > 1e-12 {
			t.Errorf("tier %s: expected voxel size %f, got %f", tg.Tier.Name, want[i], tg.VoxelSize)
		}
	}
}

func TestDecimationFactor(t *testing.T) {
	if DecimationFactor(0.5) != 1 || DecimationFactor(1) != 1 {
		t.Error("voxel sizes at or below 1 should keep every triangle")
	}
	if f := DecimationFactor(4); math.Abs(f-1.0/16) > 1e-12 {
		t.Errorf("expected 1/16, got %f", f)
	}
}

func TestRemeshTiersCoarsen(t *testing.T) {
	src, bbox := ellipsoidSource(t, 1)
	e := &Exporter{Backend: RemeshBackend{}, Tiers: DefaultTiers, MinVoxelSize: DefaultMinVoxelSize}
	results, err := e.Export(context.Background(), src, bbox)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if len(results) != len(DefaultTiers) {
		t.Fatalf("expected %d results, got %d", len(DefaultTiers), len(results))
	}
	if results[0].Mesh != src.Mesh {
		t.Error("ORIGINAL tier should be the source mesh verbatim")
	}
	for i, r := range results[:4] {
		if r.Err != nil {
			t.Fatalf("tier %s failed: %v", r.Tier.Name, r.Err)
		}
		if i > 1 && r.Mesh.NumTriangles() > results[i-1].Mesh.NumTriangles() {
			t.Errorf("tier %s has more triangles (%d) than tier %s (%d)",
				r.Tier.Name, r.Mesh.NumTriangles(), results[i-1].Tier.Name, results[i-1].Mesh.NumTriangles())
		}
	}
}

func TestDecimateBackend(t *testing.T) {
	src, bbox := ellipsoidSource(t, 2)
	tiers, _ := ParseTiers([]string{"ORIGINAL", "3"})
	e := &Exporter{Backend: DecimateBackend{}, Tiers: tiers, MinVoxelSize: DefaultMinVoxelSize}
	results, err := e.Export(context.Background(), src, bbox)
	if err != nil {
		t.Fatal(err)
	}
	coarse := results[1]
	if coarse.Err != nil {
		t.Fatalf("tier 3 failed: %v", coarse.Err)
	}
	if coarse.Mesh.NumTriangles() >= src.Mesh.NumTriangles() {
		t.Errorf("expected fewer than %d triangles, got %d", src.Mesh.NumTriangles(), coarse.Mesh.NumTriangles())
	}
}

func subprocessBackend(t *testing.T, mode string, timeout time.Duration) *SubprocessBackend {
	t.Helper()
	return &SubprocessBackend{
		Executable: os.Args[0],
		Args:       []string{WorkerCommand},
		Inner:      BackendRemesh,
		Timeout:    timeout,
		TempDir:    t.TempDir(),
		Env:        []string{"GRAINMESH_TEST_WORKER=" + mode},
	}
}

func TestSubprocessBackend(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping subprocess test in short mode")
	}
	src, bbox := ellipsoidSource(t, 3)
	// the worker names its outputs from the tier sizes alone
	tiers, _ := ParseTiers([]string{"ORIGINAL", "030", "+10"})
	e := &Exporter{Backend: subprocessBackend(t, "worker", time.Minute), Tiers: tiers, MinVoxelSize: DefaultMinVoxelSize}
	results, err := e.Export(context.Background(), src, bbox)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("tier %s failed: %v", r.Tier.Name, r.Err)
			continue
		}
		if r.Mesh.NumTriangles() == 0 {
			t.Errorf("tier %s is empty", r.Tier.Name)
		}
	}
}

func TestSubprocessBackendCrash(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping subprocess test in short mode")
	}
	src, bbox := ellipsoidSource(t, 4)
	e := &Exporter{Backend: subprocessBackend(t, "crash", time.Minute), Tiers: DefaultTiers, MinVoxelSize: DefaultMinVoxelSize}
	results, err := e.Export(context.Background(), src, bbox)

	var subErr *SimplificationSubprocessError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected SimplificationSubprocessError, got %v", err)
	}
	if subErr.ParticleID != 4 || subErr.Stderr != "simulated crash" {
		t.Errorf("unexpected error details: %+v", subErr)
	}
	if results[0].Err != nil || results[0].Mesh == nil {
		t.Error("ORIGINAL tier should survive a worker crash")
	}
	for _, r := range results[1:] {
		if r.Err == nil {
			t.Errorf("tier %s should have failed", r.Tier.Name)
		}
	}
}

func TestSubprocessBackendTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping subprocess test in short mode")
	}
	src, _ := ellipsoidSource(t, 5)
	b := subprocessBackend(t, "hang", 200*time.Millisecond)
	start := time.Now()
	_, err := b.Simplify(context.Background(), src, []Target{{Tier: Tier{Name: "3", Across: 3}, VoxelSize: 3}})
	var subErr *SimplificationSubprocessError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected SimplificationSubprocessError, got %v", err)
	}
	if time.Since(start) > 30*time.Second {
		t.Error("worker was not stopped at the timeout")
	}
}

func TestEncodeGrid(t *testing.T) {
	src, _ := ellipsoidSource(t, 6)
	data, err := EncodeGrid(src.Mask, [3]int{10, 20, 30}, 2, t.TempDir())
	if err != nil {
		t.Fatalf("EncodeGrid failed: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("#binvox")) {
		t.Fatalf("expected a binvox header, got %q", data[:min(len(data), 16)])
	}
	if !bytes.Contains(data, []byte("\ndim ")) || !bytes.Contains(data, []byte("\nscale ")) {
		t.Errorf("expected dim and scale lines in the header")
	}
}
