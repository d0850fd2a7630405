package labelmap

import (
	"os"
	"path/filepath"
	"testing"
)

func writeInfoFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "info.json")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing info fixture: %v", err)
	}
	return path
}

func TestEncodeThreeClassMap(t *testing.T) {
	m, err := NewMapping([][2]int{{7, 0}, {8, 1}, {11, 2}}, 3)
	if err != nil {
		t.Fatalf("NewMapping returned error: %v", err)
	}
	raw := []uint8{7, 8, 11, 9}
	dst := make([]uint8, len(raw))
	if err := m.Encode(raw, dst); err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}
	want := []uint8{0, 1, 2, 255}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("Encode[%d]: expected %d, got %d", i, want[i], dst[i])
		}
	}
}

func TestEncodeIdempotent(t *testing.T) {
	m, err := NewMapping([][2]int{{7, 0}, {8, 1}, {11, 2}}, 3)
	if err != nil {
		t.Fatalf("NewMapping returned error: %v", err)
	}
	raw := []uint8{7, 8, 11, 9, 255, 0, 1, 2, 33}
	once := make([]uint8, len(raw))
	if err := m.Encode(raw, once); err != nil {
		t.Fatalf("first Encode returned error: %v", err)
	}
	twice := make([]uint8, len(once))
	if err := m.Encode(once, twice); err != nil {
		t.Fatalf("second Encode returned error: %v", err)
	}
	for i := range once {
		if twice[i] != once[i] {
			t.Fatalf("re-encoding changed pixel %d from %d to %d", i, once[i], twice[i])
		}
	}
}

func TestExplicitPairBeatsIdentity(t *testing.T) {
	m, err := NewMapping([][2]int{{0, 255}, {7, 0}}, 3)
	if err != nil {
		t.Fatalf("NewMapping returned error: %v", err)
	}
	raw := []uint8{0, 1, 2, 7}
	dst := make([]uint8, len(raw))
	if err := m.Encode(raw, dst); err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}
	want := []uint8{255, 1, 2, 0}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("Encode[%d]: expected %d, got %d", i, want[i], dst[i])
		}
	}
}

func TestEncodeInPlace(t *testing.T) {
	m, err := NewMapping([][2]int{{7, 0}, {8, 1}}, 2)
	if err != nil {
		t.Fatalf("NewMapping returned error: %v", err)
	}
	label := []uint8{7, 8, 200}
	m.EncodeInPlace(label)
	want := []uint8{0, 1, 255}
	for i := range want {
		if label[i] != want[i] {
			t.Fatalf("EncodeInPlace[%d]: expected %d, got %d", i, want[i], label[i])
		}
	}
}

func TestEncodeLengthMismatch(t *testing.T) {
	m, err := NewMapping([][2]int{{7, 0}}, 1)
	if err != nil {
		t.Fatalf("NewMapping returned error: %v", err)
	}
	if err := m.Encode(make([]uint8, 4), make([]uint8, 3)); err == nil {
		t.Fatal("expected error for mismatched slice lengths")
	}
}

func TestNewMappingValidation(t *testing.T) {
	if _, err := NewMapping([][2]int{{7, 5}}, 3); err == nil {
		t.Fatal("expected error for training id outside the class range")
	}
	if _, err := NewMapping([][2]int{{255, 0}}, 3); err == nil {
		t.Fatal("expected error for a pair remapping the ignore value")
	}
	if _, err := NewMapping(nil, 0); err == nil {
		t.Fatal("expected error for zero classes")
	}
	if _, err := NewMapping(nil, 255); err == nil {
		t.Fatal("expected error for classes colliding with ignore")
	}
	// Out-of-range raw ids cannot occur in 8-bit labels and are skipped.
	if _, err := NewMapping([][2]int{{-1, 255}, {7, 0}}, 3); err != nil {
		t.Fatalf("expected negative raw id to be skipped, got error: %v", err)
	}
}

func TestLoadInfo(t *testing.T) {
	path := writeInfoFile(t, `{
		"classes": 3,
		"label2train": [[7, 0], [8, 1], [11, 2], [9, 255]],
		"label": ["road", "sidewalk", "building"],
		"palette": [[128, 64, 128], [244, 35, 232], [70, 70, 70]]
	}`)
	info, err := LoadInfo(path)
	if err != nil {
		t.Fatalf("LoadInfo returned error: %v", err)
	}
	if info.Classes != 3 {
		t.Fatalf("expected 3 classes, got %d", info.Classes)
	}
	if got := info.Name(1); got != "sidewalk" {
		t.Fatalf("expected class 1 to be sidewalk, got %q", got)
	}
	if got := info.Name(17); got != "class17" {
		t.Fatalf("expected placeholder name for unnamed class, got %q", got)
	}
	m, err := info.Mapping()
	if err != nil {
		t.Fatalf("Mapping returned error: %v", err)
	}
	if m.NumClasses() != 3 {
		t.Fatalf("expected mapping over 3 classes, got %d", m.NumClasses())
	}
}

func TestLoadInfoErrors(t *testing.T) {
	if _, err := LoadInfo(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing info file")
	}
	if _, err := LoadInfo(writeInfoFile(t, "{not json")); err == nil {
		t.Fatal("expected error for malformed info file")
	}
	if _, err := LoadInfo(writeInfoFile(t, `{"classes": 0}`)); err == nil {
		t.Fatal("expected error for non-positive class count")
	}
}

func TestColorize(t *testing.T) {
	info := &Info{
		Classes: 2,
		Palette: [][3]uint8{{10, 20, 30}, {40, 50, 60}},
	}
	img, err := info.Colorize([]uint8{0, 1, 255, 0}, 2, 2)
	if err != nil {
		t.Fatalf("Colorize returned error: %v", err)
	}
	r, g, b, a := img.At(1, 0).RGBA()
	if r>>8 != 40 || g>>8 != 50 || b>>8 != 60 || a>>8 != 255 {
		t.Fatalf("pixel (1,0): expected palette color for class 1, got (%d,%d,%d,%d)", r>>8, g>>8, b>>8, a>>8)
	}
	r, g, b, _ = img.At(0, 1).RGBA()
	if r != 0 || g != 0 || b != 0 {
		t.Fatalf("ignore pixel should render black, got (%d,%d,%d)", r>>8, g>>8, b>>8)
	}
	if _, err := info.Colorize([]uint8{0}, 2, 2); err == nil {
		t.Fatal("expected error for id count not matching image size")
	}
}
