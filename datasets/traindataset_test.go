package datasets

import (
	"io"
	"testing"
)

func TestTrainDatasetYieldsEpoch(t *testing.T) {
	ds := NewTrainDataset(newFakeProvider(5), 2)
	if ds.Name() != "fake" {
		t.Fatalf("expected provider name, got %q", ds.Name())
	}

	var sizes []int
	for {
		spec, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Yield returned error: %v", err)
		}
		batch, ok := spec.(*Batch)
		if !ok {
			t.Fatalf("expected *Batch spec, got %T", spec)
		}
		if len(inputs) != 1 || len(labels) != 1 {
			t.Fatalf("expected one input and one label tensor, got %d and %d", len(inputs), len(labels))
		}
		sizes = append(sizes, batch.N)
	}
	if len(sizes) != 3 || sizes[0] != 2 || sizes[1] != 2 || sizes[2] != 1 {
		t.Fatalf("expected batches of 2,2,1, got %v", sizes)
	}

	// Reset starts a fresh epoch.
	ds.Reset()
	if _, _, _, err := ds.Yield(); err != nil {
		t.Fatalf("Yield after Reset returned error: %v", err)
	}
}

func TestTrainDatasetPropagatesGetError(t *testing.T) {
	p := newFakeProvider(3)
	p.fail = 1
	ds := NewTrainDataset(p, 2)
	if _, _, _, err := ds.Yield(); err == nil {
		t.Fatal("expected provider error to surface from Yield")
	}
}
