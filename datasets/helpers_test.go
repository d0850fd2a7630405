package datasets

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

// threeClassInfo is the metadata fixture shared by the provider tests:
// raw ids 7, 8 and 11 map onto training ids 0, 1 and 2.
const threeClassInfo = `{
	"classes": 3,
	"label2train": [[7, 0], [8, 1], [11, 2]],
	"label": ["road", "sidewalk", "building"],
	"palette": [[128, 64, 128], [244, 35, 232], [70, 70, 70]]
}`

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("creating fixture dir: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating fixture %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encoding fixture %s: %v", path, err)
	}
}

func writeText(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("creating fixture dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing fixture %s: %v", path, err)
	}
}

// flatImage returns a w x h image filled with one color.
func flatImage(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

// quadrantLabel returns a w x h grayscale label whose four quadrants
// carry the given raw ids (top-left, top-right, bottom-left,
// bottom-right).
func quadrantLabel(w, h int, ids [4]uint8) *image.Gray {
	lbl := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			q := 0
			if x >= w/2 {
				q = 1
			}
			if y >= h/2 {
				q += 2
			}
			lbl.SetGray(x, y, color.Gray{Y: ids[q]})
		}
	}
	return lbl
}

// writeGTA5 lays out a minimal source-domain dataset with one sample
// and returns its root.
func writeGTA5(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeText(t, filepath.Join(root, "train.txt"), "00001.png\n")
	writeText(t, filepath.Join(root, "info.json"), threeClassInfo)
	writePNG(t, filepath.Join(root, "images", "00001.png"),
		flatImage(8, 6, color.NRGBA{R: 10, G: 20, B: 30, A: 0xff}))
	writePNG(t, filepath.Join(root, "labels", "00001.png"),
		quadrantLabel(8, 6, [4]uint8{7, 8, 11, 9}))
	return root
}

// writeCityscapes lays out a minimal target-domain dataset with one
// sample listed in both train.txt and val.txt, and returns its root.
func writeCityscapes(t *testing.T, withLabels bool) string {
	t.Helper()
	root := t.TempDir()
	line := "frankfurt/frankfurt_000001_007285_leftImg8bit.png\n"
	writeText(t, filepath.Join(root, "train.txt"), line)
	writeText(t, filepath.Join(root, "val.txt"), line)
	writeText(t, filepath.Join(root, "info.json"), threeClassInfo)
	writePNG(t, filepath.Join(root, "images", "frankfurt_000001_007285_leftImg8bit.png"),
		flatImage(8, 6, color.NRGBA{R: 40, G: 50, B: 60, A: 0xff}))
	if withLabels {
		writePNG(t, filepath.Join(root, "labels", "frankfurt_000001_007285_gtFine_labelIds.png"),
			quadrantLabel(8, 6, [4]uint8{7, 8, 11, 9}))
	}
	return root
}

var zeroMean = []float32{0, 0, 0}
