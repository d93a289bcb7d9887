// Package visualization renders particle masks as 2-D cross-section images.
package visualization

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/image/tiff"

	"grainmesh/internal/models"
)

// Axes lists the slicing axes in the order previews are written.
var Axes = []string{"x", "y", "z"}

// Viewer slices a padded particle mask. Occupied voxels render white.
type Viewer struct {
	mask *models.Mask
}

// NewViewer creates a viewer over mask
func NewViewer(mask *models.Mask) *Viewer {
	return &Viewer{mask: mask}
}

func axisIndex(axis string) (int, error) {
	switch axis {
	case "x", "X":
		return 0, nil
	case "y", "Y":
		return 1, nil
	case "z", "Z":
		return 2, nil
	}
	return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// ExtractSlice extracts the plane perpendicular to axis at position. The
// image columns run along the faster of the two remaining mask axes.
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray, error) {
	a, err := axisIndex(axis)
	if err != nil {
		return nil, err
	}
	s := v.mask.Shape
	if position < 0 || position >= s[a] {
		return nil, fmt.Errorf("position %d outside [0, %d) on axis %s", position, s[a], axis)
	}

	var rowAxis, colAxis int
	switch a {
	case 0:
		rowAxis, colAxis = 1, 2
	case 1:
		rowAxis, colAxis = 0, 2
	case 2:
		rowAxis, colAxis = 0, 1
	}
	img := image.NewGray(image.Rect(0, 0, s[colAxis], s[rowAxis]))
	var p [3]int
	p[a] = position
	for r := 0; r < s[rowAxis]; r++ {
		for c := 0; c < s[colAxis]; c++ {
			p[rowAxis], p[colAxis] = r, c
			if v.mask.At(p[0], p[1], p[2]) {
				img.SetGray(c, r, color.Gray{Y: 255})
			}
		}
	}
	return img, nil
}

// Preview is one encoded mid-plane slice.
type Preview struct {
	Axis string
	PNG  []byte
}

// MidSlices encodes the three mid-plane cross-sections as PNG.
func (v *Viewer) MidSlices() ([]Preview, error) {
	out := make([]Preview, 0, len(Axes))
	for i, axis := range Axes {
		img, err := v.ExtractSlice(axis, v.mask.Shape[i]/2)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, errors.Wrapf(err, "encode %s slice", axis)
		}
		out = append(out, Preview{Axis: axis, PNG: buf.Bytes()})
	}
	return out, nil
}

// SaveMidSlices writes <name>_{x,y,z}.png into outputDir.
func (v *Viewer) SaveMidSlices(outputDir, name string) error {
	previews, err := v.MidSlices()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	for _, p := range previews {
		path := filepath.Join(outputDir, fmt.Sprintf("%s_%s.png", name, p.Axis))
		if err := os.WriteFile(path, p.PNG, 0644); err != nil {
			return errors.Wrapf(err, "write %s", path)
		}
	}
	return nil
}

// SaveSliceSequence writes every slice along axis as an 8-bit TIFF.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	a, err := axisIndex(axis)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for pos := 0; pos < v.mask.Shape[a]; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.tiff", axis, pos))
		f, err := os.Create(filename)
		if err != nil {
			return err
		}
		if err := tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
			f.Close()
			return errors.Wrapf(err, "encode %s", filename)
		}
		if err := f.Close(); err != nil {
			return err
		}
	}

	return nil
}
