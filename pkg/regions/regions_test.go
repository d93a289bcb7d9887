package regions

import (
	"math"
	"testing"

	"grainmesh/internal/models"
	"grainmesh/pkg/volume"
)

// fillBox sets label on [min, max) of a C-ordered label array.
func fillBox(labels []uint32, shape, lo, hi [3]int, label uint32) {
	for x := lo[0]; x < hi[0]; x++ {
		for y := lo[1]; y < hi[1]; y++ {
			for z := lo[2]; z < hi[2]; z++ {
				labels[(x*shape[1]+y)*shape[2]+z] = label
			}
		}
	}
}

func sphereVolume(size int, radius float64, label uint32) *volume.Volume {
	shape := [3]int{size, size, size}
	labels := make([]uint32, size*size*size)
	c := float64(size-1) / 2
	for x := 0; x < size; x++ {
		for y := 0; y < size; y++ {
			for z := 0; z < size; z++ {
				dx, dy, dz := float64(x)-c, float64(y)-c, float64(z)-c
				if dx*dx+dy*dy+dz*dz <= radius*radius {
					labels[(x*size+y)*size+z] = label
				}
			}
		}
	}
	return volume.FromLabels(shape, labels)
}

func TestCatalogueCube(t *testing.T) {
	shape := [3]int{30, 30, 30}
	labels := make([]uint32, 30*30*30)
	fillBox(labels, shape, [3]int{10, 10, 10}, [3]int{20, 20, 20}, 4)
	fillBox(labels, shape, [3]int{0, 0, 0}, [3]int{3, 3, 3}, 1)

	regs := Catalogue(volume.FromLabels(shape, labels), Options{Workers: 3})
	if len(regs) != 2 {
		t.Fatalf("expected 2 regions, got %d", len(regs))
	}
	if regs[0].Label != 1 || regs[1].Label != 4 {
		t.Fatalf("regions not sorted by label: %d, %d", regs[0].Label, regs[1].Label)
	}

	cube := regs[1]
	if cube.VoxelCount != 1000 {
		t.Errorf("expected 1000 voxels, got %d", cube.VoxelCount)
	}
	want := models.BBox{Min: [3]int{10, 10, 10}, Max: [3]int{20, 20, 20}}
	if cube.BBox != want {
		t.Errorf("expected half-open bbox %v, got %v", want, cube.BBox)
	}
	if d := math.Cbrt(6000 / math.Pi); math.Abs(cube.Shape.EquivalentDiameter-d) > 1e-9 {
		t.Errorf("expected equivalent diameter %f, got %f", d, cube.Shape.EquivalentDiameter)
	}
	// variance per axis is (10^2-1)/12, every inertia eigenvalue twice that
	axis := math.Sqrt(10 * 2 * 99.0 / 12)
	if math.Abs(cube.Shape.MajorAxisLength-axis) > 1e-6 || math.Abs(cube.Shape.MinorAxisLength-axis) > 1e-6 {
		t.Errorf("expected both axes %f, got %f / %f", axis, cube.Shape.MajorAxisLength, cube.Shape.MinorAxisLength)
	}
	if math.Abs(cube.Centroid.X-14.5) > 1e-9 {
		t.Errorf("expected centroid x 14.5, got %f", cube.Centroid.X)
	}
}

func TestCatalogueBackground(t *testing.T) {
	shape := [3]int{4, 4, 4}
	labels := make([]uint32, 64)
	labels[21] = 9
	vol := volume.FromLabels(shape, labels)

	if regs := Catalogue(vol, Options{}); len(regs) != 1 || regs[0].Label != 9 {
		t.Fatalf("expected only label 9, got %+v", regs)
	}
	regs := Catalogue(vol, Options{IncludeBackground: true})
	if len(regs) != 2 || regs[0].Label != 0 || regs[0].VoxelCount != 63 {
		t.Fatalf("expected background with 63 voxels first, got %+v", regs)
	}
}

func TestCatalogueWorkersAgree(t *testing.T) {
	vol := sphereVolume(24, 8, 3)
	one := Catalogue(vol, Options{Workers: 1})
	many := Catalogue(vol, Options{Workers: 7})
	if len(one) != 1 || len(many) != 1 {
		t.Fatalf("expected one region, got %d and %d", len(one), len(many))
	}
	if one[0].VoxelCount != many[0].VoxelCount || one[0].BBox != many[0].BBox {
		t.Errorf("worker split changed the result: %+v vs %+v", one[0], many[0])
	}
	if math.Abs(one[0].Shape.MajorAxisLength-many[0].Shape.MajorAxisLength) > 1e-9 {
		t.Errorf("worker split changed the major axis")
	}
}

func TestSphereEquivalentDiameter(t *testing.T) {
	radii := []float64{6, 10, 14}
	pitch := 2.5
	for _, r := range radii {
		size := int(2*r) + 6
		regs := Catalogue(sphereVolume(size, r, 1), Options{Workers: 2})
		if len(regs) != 1 {
			t.Fatalf("r=%v: expected one region, got %d", r, len(regs))
		}
		scaled := regs[0].Shape.Scaled(pitch)
		want := 2 * r * pitch
		// discretization error shrinks with resolution; one voxel is generous
		if math.Abs(scaled.EquivalentDiameter-want) > pitch {
			t.Errorf("r=%v: expected equivalent diameter %f, got %f", r, want, scaled.EquivalentDiameter)
		}
		if math.Abs(scaled.MajorAxisLength-want) > 1.5*pitch {
			t.Errorf("r=%v: expected major axis near %f, got %f", r, want, scaled.MajorAxisLength)
		}
	}
}

func TestElongatedAxes(t *testing.T) {
	shape := [3]int{40, 20, 12}
	labels := make([]uint32, shape[0]*shape[1]*shape[2])
	fillBox(labels, shape, [3]int{5, 5, 4}, [3]int{35, 15, 8}, 2)

	regs := Catalogue(volume.FromLabels(shape, labels), Options{})
	s := regs[0].Shape
	if s.MajorAxisLength <= s.MinorAxisLength {
		t.Fatalf("expected major > minor, got %f <= %f", s.MajorAxisLength, s.MinorAxisLength)
	}
	// a box of side L has the same variance as an ellipsoid of axis L*sqrt(5/3)
	if want := 30 * math.Sqrt(5.0/3); math.Abs(s.MajorAxisLength-want) > 0.5 {
		t.Errorf("expected major axis near %f, got %f", want, s.MajorAxisLength)
	}
}

func TestMeasureMatchesCatalogue(t *testing.T) {
	vol := sphereVolume(20, 6, 5)
	regs := Catalogue(vol, Options{})

	mask := models.NewMask(vol.Shape)
	for x := 0; x < vol.Shape[0]; x++ {
		for y := 0; y < vol.Shape[1]; y++ {
			for z := 0; z < vol.Shape[2]; z++ {
				mask.Set(x, y, z, vol.At(x, y, z) == 5)
			}
		}
	}
	s, ok := Measure(mask)
	if !ok {
		t.Fatal("Measure reported an empty mask")
	}
	if s != regs[0].Shape {
		t.Errorf("expected %+v, got %+v", regs[0].Shape, s)
	}

	if _, ok := Measure(models.NewMask([3]int{3, 3, 3})); ok {
		t.Error("expected an empty mask to be reported")
	}
}

func BenchmarkCatalogue(b *testing.B) {
	vol := sphereVolume(64, 20, 1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Catalogue(vol, Options{Workers: 4})
	}
}
