package artifact

import (
	"bytes"
	"context"
	"io"
	"sort"

	"github.com/pkg/errors"

	"grainmesh/internal/models"
	"grainmesh/pkg/stl"
)

// Writer lays out one run's artifacts in a Store. Tier meshes and grids
// are written before the canonical record, so a canonical record marks a
// particle as complete.
type Writer struct {
	Store Store
}

func NewWriter(store Store) *Writer {
	return &Writer{Store: store}
}

// WriteFile stores data under key.
func (w *Writer) WriteFile(ctx context.Context, key string, data []byte) error {
	return w.Store.Put(ctx, key, bytes.NewReader(data))
}

// WriteCanonical stores the particle's record.
func (w *Writer) WriteCanonical(ctx context.Context, p *models.Particle) error {
	data, err := EncodeRecord(p.Mask, p.Mesh)
	if err != nil {
		return errors.Wrapf(err, "encode %s", ParticleName(p.ID))
	}
	return w.WriteFile(ctx, CanonicalKey(p.ID), data)
}

// WriteTier stores one tier mesh as binary STL in voxel units.
func (w *Writer) WriteTier(ctx context.Context, tier string, id int, mesh *models.Mesh) error {
	data, err := stl.EncodeMesh(mesh, 1)
	if err != nil {
		return errors.Wrapf(err, "encode %s tier %s", ParticleName(id), tier)
	}
	return w.WriteFile(ctx, TierKey(tier, id), data)
}

func (w *Writer) WriteGrid(ctx context.Context, id int, data []byte) error {
	return w.WriteFile(ctx, GridKey(id), data)
}

func (w *Writer) WritePreview(ctx context.Context, id int, axis string, data []byte) error {
	return w.WriteFile(ctx, PreviewKey(id, axis), data)
}

// HasCanonical reports whether the particle already finished in an earlier run.
func (w *Writer) HasCanonical(ctx context.Context, id int) (bool, error) {
	return w.Store.Exists(ctx, CanonicalKey(id))
}

// ListCanonical returns the ids of every canonical record, ascending.
func (w *Writer) ListCanonical(ctx context.Context) ([]int, error) {
	keys, err := w.Store.List(ctx, canonicalPrefix)
	if err != nil {
		return nil, err
	}
	var ids []int
	for _, k := range keys {
		if id, ok := ParseCanonicalKey(k); ok {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

// ReadRecord loads and decodes a canonical record.
func (w *Writer) ReadRecord(ctx context.Context, id int) (*Record, error) {
	rc, err := w.Store.Get(ctx, CanonicalKey(id))
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", CanonicalKey(id))
	}
	return DecodeRecord(id, data)
}
