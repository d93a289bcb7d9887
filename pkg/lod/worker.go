package lod

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"

	"grainmesh/internal/models"
	"grainmesh/pkg/npy"
	"grainmesh/pkg/stl"
)

// RunWorker is the body of the tier-worker subcommand: it reads a job
// written by SubprocessBackend, runs the inner backend and writes one STL
// per tier into the output directory. Failed tiers are reported on stderr
// and left out.
func RunWorker(args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet(WorkerCommand, flag.ContinueOnError)
	fs.SetOutput(stderr)
	jobPath := fs.String("job", "", "job archive")
	outDir := fs.String("out", "", "directory for tier meshes")
	backendName := fs.String("backend", BackendRemesh, "in-process backend to run")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *jobPath == "" || *outDir == "" {
		return errors.New("tier-worker needs -job and -out")
	}

	backend, err := NewBackend(*backendName)
	if err != nil {
		return err
	}
	src, targets, err := readJob(*jobPath)
	if err != nil {
		return err
	}
	mesh, err := stl.ExtractMesh(src.Mask, src.IsoLevel)
	if err != nil {
		return err
	}
	src.Mesh = mesh

	results, err := backend.Simplify(context.Background(), src, targets)
	if err != nil {
		return err
	}
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(stderr, "Warning: tier %s: %v\n", r.Tier.Name, r.Err)
			continue
		}
		data, err := stl.EncodeMesh(r.Mesh, 1)
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(*outDir, r.Tier.Name+".stl"), data, 0644); err != nil {
			return errors.Wrapf(err, "write tier %s", r.Tier.Name)
		}
	}
	return nil
}

func readJob(path string) (Source, []Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Source{}, nil, errors.Wrap(err, "read job")
	}
	arrays, err := npy.ReadNPZ(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Source{}, nil, err
	}
	for _, name := range []string{"id", "iso", "mask", "tiers", "voxel_sizes"} {
		if arrays[name] == nil {
			return Source{}, nil, errors.Errorf("job is missing %s", name)
		}
	}

	ids, err := arrays["id"].Int32s()
	if err != nil {
		return Source{}, nil, err
	}
	iso, err := arrays["iso"].Float32s()
	if err != nil {
		return Source{}, nil, err
	}
	maskArr := arrays["mask"]
	if len(maskArr.Shape) != 3 {
		return Source{}, nil, errors.New("job mask is not 3-D")
	}
	occupied, err := maskArr.Bools()
	if err != nil {
		return Source{}, nil, err
	}
	across, err := arrays["tiers"].Int32s()
	if err != nil {
		return Source{}, nil, err
	}
	sizes, err := arrays["voxel_sizes"].Float32s()
	if err != nil {
		return Source{}, nil, err
	}
	if len(across) != len(sizes) {
		return Source{}, nil, errors.New("job tiers and voxel sizes differ in length")
	}

	src := Source{
		ID:       int(ids[0]),
		IsoLevel: float64(iso[0]),
		Mask: &models.Mask{
			Shape: [3]int{maskArr.Shape[0], maskArr.Shape[1], maskArr.Shape[2]},
			Data:  occupied,
		},
	}
	targets := make([]Target, len(across))
	for i, n := range across {
		name := "ORIGINAL"
		if n > 0 {
			name = strconv.Itoa(int(n))
		}
		targets[i] = Target{Tier: Tier{Name: name, Across: int(n)}, VoxelSize: float64(sizes[i])}
	}
	return src, targets, nil
}
