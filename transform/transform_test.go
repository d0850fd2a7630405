package transform

import (
	"image"
	"image/color"
	"math/rand"
	"testing"
)

// testPair builds an image and label whose left and right halves are
// distinguishable, so geometric consistency between the planes can be
// checked after a transform.
func testPair(w, h int) (*image.NRGBA, *image.Gray) {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	lbl := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x < w/2 {
				img.SetNRGBA(x, y, color.NRGBA{R: 200, A: 0xff})
				lbl.SetGray(x, y, color.Gray{Y: 1})
			} else {
				img.SetNRGBA(x, y, color.NRGBA{B: 200, A: 0xff})
				lbl.SetGray(x, y, color.Gray{Y: 2})
			}
		}
	}
	return img, lbl
}

func idAt(t *testing.T, img image.Image, x, y int) uint8 {
	t.Helper()
	if img == nil {
		t.Fatal("expected a label image, got nil")
	}
	c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
	return c.R
}

func TestHorizontalFlipKeepsPairAligned(t *testing.T) {
	const w, h = 8, 4
	img, lbl := testPair(w, h)
	rng := rand.New(rand.NewSource(1))
	fImg, fLbl := HorizontalFlip{P: 1}.Apply(img, lbl, rng)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			wantID := idAt(t, lbl, w-1-x, y)
			if got := idAt(t, fLbl, x, y); got != wantID {
				t.Fatalf("label (%d,%d): expected mirrored id %d, got %d", x, y, wantID, got)
			}
			wantR := color.NRGBAModel.Convert(img.At(w-1-x, y)).(color.NRGBA).R
			if got := color.NRGBAModel.Convert(fImg.At(x, y)).(color.NRGBA).R; got != wantR {
				t.Fatalf("image (%d,%d): expected mirrored red %d, got %d", x, y, wantR, got)
			}
		}
	}
}

func TestHorizontalFlipZeroProbability(t *testing.T) {
	img, lbl := testPair(4, 2)
	rng := rand.New(rand.NewSource(1))
	fImg, fLbl := HorizontalFlip{P: 0}.Apply(img, lbl, rng)
	if fImg != image.Image(img) || fLbl != image.Image(lbl) {
		t.Fatal("P=0 flip should return the inputs unchanged")
	}
}

func TestRandomScalePair(t *testing.T) {
	img, lbl := testPair(8, 4)
	rng := rand.New(rand.NewSource(1))
	sImg, sLbl := RandomScale{Factors: []float64{0.5}}.Apply(img, lbl, rng)
	if got := sImg.Bounds(); got.Dx() != 4 || got.Dy() != 2 {
		t.Fatalf("expected scaled image 4x2, got %dx%d", got.Dx(), got.Dy())
	}
	if got := sLbl.Bounds(); got.Dx() != 4 || got.Dy() != 2 {
		t.Fatalf("expected scaled label 4x2, got %dx%d", got.Dx(), got.Dy())
	}
	// Nearest-neighbor resampling must keep ids exact: every pixel stays
	// 1 on the left half and 2 on the right half.
	for y := 0; y < 2; y++ {
		for x := 0; x < 4; x++ {
			want := uint8(1)
			if x >= 2 {
				want = 2
			}
			if got := idAt(t, sLbl, x, y); got != want {
				t.Fatalf("scaled label (%d,%d): expected id %d, got %d", x, y, want, got)
			}
		}
	}
}

func TestRandomScaleIdentityFactor(t *testing.T) {
	img, lbl := testPair(4, 2)
	rng := rand.New(rand.NewSource(1))
	sImg, sLbl := RandomScale{Factors: []float64{1}}.Apply(img, lbl, rng)
	if sImg != image.Image(img) || sLbl != image.Image(lbl) {
		t.Fatal("factor 1 should return the inputs unchanged")
	}
}

func TestComposeAppliesInOrder(t *testing.T) {
	img, lbl := testPair(8, 4)
	rng := rand.New(rand.NewSource(1))
	c := Compose{HorizontalFlip{P: 1}, RandomScale{Factors: []float64{0.5}}}
	cImg, cLbl := c.Apply(img, lbl, rng)
	if got := cImg.Bounds(); got.Dx() != 4 || got.Dy() != 2 {
		t.Fatalf("expected composed output 4x2, got %dx%d", got.Dx(), got.Dy())
	}
	// After the flip the id-2 half sits on the left in both planes.
	if got := idAt(t, cLbl, 0, 0); got != 2 {
		t.Fatalf("expected flipped label id 2 on the left, got %d", got)
	}
	if got := color.NRGBAModel.Convert(cImg.At(0, 0)).(color.NRGBA).B; got < 100 {
		t.Fatalf("expected flipped image blue half on the left, got blue=%d", got)
	}
}

func TestCropPairCenterRegion(t *testing.T) {
	img, lbl := testPair(8, 4)
	cImg, cLbl := CropPair(img, lbl, 4, 2, 255)
	if got := cImg.Bounds(); got.Dx() != 4 || got.Dy() != 2 {
		t.Fatalf("expected cropped image 4x2, got %dx%d", got.Dx(), got.Dy())
	}
	// The center rectangle straddles the halves: ids 1 left, 2 right.
	if got := idAt(t, cLbl, 0, 0); got != 1 {
		t.Fatalf("expected id 1 in cropped left half, got %d", got)
	}
	if got := idAt(t, cLbl, 3, 0); got != 2 {
		t.Fatalf("expected id 2 in cropped right half, got %d", got)
	}
}

func TestCropPairPadsUndersizedInput(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	lbl := image.NewGray(image.Rect(0, 0, 2, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 50, A: 0xff})
			lbl.SetGray(x, y, color.Gray{Y: 7})
		}
	}
	cImg, cLbl := CropPair(img, lbl, 4, 4, 255)
	if got := cImg.Bounds(); got.Dx() != 4 || got.Dy() != 4 {
		t.Fatalf("expected padded crop 4x4, got %dx%d", got.Dx(), got.Dy())
	}
	if got := idAt(t, cLbl, 0, 0); got != 255 {
		t.Fatalf("expected ignore fill in padded corner, got %d", got)
	}
	if got := idAt(t, cLbl, 1, 1); got != 7 {
		t.Fatalf("expected original id in padded center, got %d", got)
	}
	if got := color.NRGBAModel.Convert(cImg.At(0, 0)).(color.NRGBA); got.R != 0 || got.G != 0 || got.B != 0 {
		t.Fatalf("expected black image padding, got (%d,%d,%d)", got.R, got.G, got.B)
	}
}

func TestNilLabelPassesThrough(t *testing.T) {
	img, _ := testPair(8, 4)
	rng := rand.New(rand.NewSource(1))
	_, lbl := HorizontalFlip{P: 1}.Apply(img, nil, rng)
	if lbl != nil {
		t.Fatal("flip should pass a nil label through")
	}
	_, lbl = RandomScale{Factors: []float64{0.5}}.Apply(img, nil, rng)
	if lbl != nil {
		t.Fatal("scale should pass a nil label through")
	}
	_, lbl = CropPair(img, nil, 4, 2, 255)
	if lbl != nil {
		t.Fatal("crop should pass a nil label through")
	}
}
