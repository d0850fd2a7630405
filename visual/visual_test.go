package visual

import (
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/synthreal/adaptseg/labelmap"
	"github.com/synthreal/adaptseg/metrics"
	"github.com/synthreal/adaptseg/train"
)

func testInfo() *labelmap.Info {
	return &labelmap.Info{
		Classes: 3,
		Names:   []string{"road", "car", "sky"},
		Palette: [][3]uint8{{128, 64, 128}, {0, 0, 142}, {70, 130, 180}},
	}
}

func TestFlushWritesCurves(t *testing.T) {
	dir := t.TempDir()
	v := New(Config{OutDir: dir, Quiet: true})

	for step := int64(1); step <= 5; step++ {
		v.OnStep(step, train.StepStats{
			SegLoss:  2.0 / float64(step),
			AdvLoss:  0.5 / float64(step),
			DiscLoss: 0.7,
		}, 2.5e-4, 1e-4)
	}
	v.OnEvaluate(5, metrics.Results{MeanIoU: 0.31, OverallAcc: 0.8})

	if err := v.Flush(); err != nil {
		t.Fatalf("Flush returned error: %v", err)
	}
	for _, name := range []string{"losses.png", "miou.png"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s to exist: %v", name, err)
		}
	}
}

func TestFlushWithoutOutDirIsNoop(t *testing.T) {
	v := New(Config{Quiet: true})
	v.OnStep(1, train.StepStats{SegLoss: 1}, 1e-4, 1e-4)
	if err := v.Flush(); err != nil {
		t.Fatalf("Flush returned error: %v", err)
	}
}

func TestBestTracksHighestScore(t *testing.T) {
	v := New(Config{Quiet: true})
	v.OnEvaluate(2, metrics.Results{MeanIoU: 0.20})
	v.OnEvaluate(4, metrics.Results{MeanIoU: 0.35})
	v.OnEvaluate(6, metrics.Results{MeanIoU: 0.30})

	miou, step := v.Best()
	if miou != 0.35 || step != 4 {
		t.Fatalf("expected best 0.35 at step 4, got %g at %d", miou, step)
	}
}

func TestSavePrediction(t *testing.T) {
	dir := t.TempDir()
	v := New(Config{OutDir: dir, Info: testInfo(), Quiet: true})

	ids := []uint8{0, 1, 2, labelmap.Ignore}
	if err := v.SavePrediction("frankfurt_000001_007285", ids, 2, 2); err != nil {
		t.Fatalf("SavePrediction returned error: %v", err)
	}

	path := filepath.Join(dir, "predictions", "frankfurt_000001_007285.png")
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("expected prediction map at %s: %v", path, err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("prediction map is not a valid PNG: %v", err)
	}
	b := img.Bounds()
	if b.Dx() != 2 || b.Dy() != 2 {
		t.Fatalf("expected a 2x2 map, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestSavePredictionRequiresMetadata(t *testing.T) {
	v := New(Config{OutDir: t.TempDir(), Quiet: true})
	if err := v.SavePrediction("x", []uint8{0}, 1, 1); err == nil {
		t.Fatal("expected error without class metadata")
	}

	v = New(Config{Info: testInfo(), Quiet: true})
	if err := v.SavePrediction("x", []uint8{0}, 1, 1); err == nil {
		t.Fatal("expected error without an output directory")
	}
}
