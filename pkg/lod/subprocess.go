package lod

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/unixpickle/model3d/model3d"

	"grainmesh/pkg/npy"
	"grainmesh/pkg/stl"
)

// WorkerCommand is the subcommand name that runs RunWorker.
const WorkerCommand = "tier-worker"

// SubprocessBackend runs an in-process backend inside a separate OS process
// per particle, so a crash or hang only costs that particle its tiers.
type SubprocessBackend struct {
	// Executable is the program to run, normally the current binary
	Executable string

	// Args precede the worker flags, normally just WorkerCommand
	Args []string

	// Inner is the backend the worker runs
	Inner string

	// Timeout bounds one worker run
	Timeout time.Duration

	// TempDir holds job directories; empty means the system default
	TempDir string

	// Env is appended to the worker's environment
	Env []string
}

// NewSubprocessBackend re-executes the running binary.
func NewSubprocessBackend(inner string, timeout time.Duration) (*SubprocessBackend, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, "failed to locate executable")
	}
	return &SubprocessBackend{
		Executable: exe,
		Args:       []string{WorkerCommand},
		Inner:      inner,
		Timeout:    timeout,
	}, nil
}

func (b *SubprocessBackend) Name() string { return BackendSubprocess }

func (b *SubprocessBackend) Simplify(ctx context.Context, src Source, targets []Target) ([]Result, error) {
	fail := func(err error, stderr string) error {
		return &SimplificationSubprocessError{ParticleID: src.ID, Err: err, Stderr: strings.TrimSpace(stderr)}
	}

	dir, err := os.MkdirTemp(b.TempDir, "particle_"+strconv.Itoa(src.ID)+"_")
	if err != nil {
		return nil, fail(err, "")
	}
	defer os.RemoveAll(dir)

	job := filepath.Join(dir, "job.npz")
	if err := writeJob(job, src, targets); err != nil {
		return nil, fail(err, "")
	}

	runCtx := ctx
	if b.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}
	args := append(append([]string{}, b.Args...), "-job", job, "-out", dir, "-backend", b.Inner)
	cmd := exec.CommandContext(runCtx, b.Executable, args...)
	cmd.Env = append(os.Environ(), b.Env...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			err = errors.Wrapf(runCtx.Err(), "timed out after %v", b.Timeout)
		}
		return nil, fail(err, stderr.String())
	}

	out := make([]Result, len(targets))
	for i, t := range targets {
		out[i] = Result{Tier: t.Tier}
		f, err := os.Open(filepath.Join(dir, t.Tier.Name+".stl"))
		if err != nil {
			out[i].Err = &SimplificationSubprocessError{ParticleID: src.ID, Tier: t.Tier.Name, Err: err, Stderr: strings.TrimSpace(stderr.String())}
			continue
		}
		tris, err := model3d.ReadSTL(f)
		f.Close()
		if err != nil {
			out[i].Err = &SimplificationSubprocessError{ParticleID: src.ID, Tier: t.Tier.Name, Err: err}
			continue
		}
		out[i].Mesh = stl.FromTriangles(tris)
	}
	return out, nil
}

func writeJob(path string, src Source, targets []Target) error {
	across := make([]int32, len(targets))
	sizes := make([]float32, len(targets))
	for i, t := range targets {
		across[i] = int32(t.Tier.Across)
		sizes[i] = float32(t.VoxelSize)
	}
	shape := src.Mask.Shape
	data, err := npy.EncodeNPZ([]npy.Entry{
		{Name: "id", Array: npy.Int32([]int{1}, []int32{int32(src.ID)})},
		{Name: "iso", Array: npy.Float32([]int{1}, []float32{float32(src.IsoLevel)})},
		{Name: "mask", Array: npy.Bool(shape[:], src.Mask.Data)},
		{Name: "tiers", Array: npy.Int32([]int{len(across)}, across)},
		{Name: "voxel_sizes", Array: npy.Float32([]int{len(sizes)}, sizes)},
	})
	if err != nil {
		return err
	}
	return errors.Wrap(os.WriteFile(path, data, 0644), "write job")
}
