// Package visual records training progress: step logs, loss and score
// curves rendered as PNG plots, and colorized prediction maps.
package visual

import (
	"fmt"
	"image/color"
	"image/png"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/synthreal/adaptseg/labelmap"
	"github.com/synthreal/adaptseg/metrics"
	"github.com/synthreal/adaptseg/train"
)

// Config controls where and what the visualizer writes.
type Config struct {
	// OutDir receives the plots and prediction maps. When empty,
	// nothing is written and the visualizer only logs.
	OutDir string

	// Info supplies class names for evaluation tables and the palette
	// for prediction maps. Optional.
	Info *labelmap.Info

	// Quiet suppresses log output.
	Quiet bool
}

// Visualizer implements train.Observer. It accumulates per-step losses
// and per-evaluation scores and renders them as curves on Flush.
type Visualizer struct {
	cfg Config

	mu       sync.Mutex
	segLoss  plotter.XYs
	advLoss  plotter.XYs
	discLoss plotter.XYs
	scores   plotter.XYs
	bestIoU  float64
	bestStep int64
}

var _ train.Observer = (*Visualizer)(nil)

// New returns a visualizer writing under cfg.OutDir.
func New(cfg Config) *Visualizer {
	return &Visualizer{cfg: cfg}
}

// OnStep implements train.Observer.
func (v *Visualizer) OnStep(step int64, stats train.StepStats, segLR, discLR float64) {
	v.mu.Lock()
	x := float64(step)
	v.segLoss = append(v.segLoss, plotter.XY{X: x, Y: stats.SegLoss})
	v.advLoss = append(v.advLoss, plotter.XY{X: x, Y: stats.AdvLoss})
	v.discLoss = append(v.discLoss, plotter.XY{X: x, Y: stats.DiscLoss})
	v.mu.Unlock()

	if !v.cfg.Quiet {
		log.Printf("step %d: seg=%.4f adv=%.4f disc=%.4f lr=%.3e lr_d=%.3e",
			step, stats.SegLoss, stats.AdvLoss, stats.DiscLoss, segLR, discLR)
	}
}

// OnEvaluate implements train.Observer.
func (v *Visualizer) OnEvaluate(step int64, results metrics.Results) {
	v.mu.Lock()
	v.scores = append(v.scores, plotter.XY{X: float64(step), Y: results.MeanIoU})
	improved := results.MeanIoU > v.bestIoU || len(v.scores) == 1
	if improved {
		v.bestIoU = results.MeanIoU
		v.bestStep = step
	}
	v.mu.Unlock()

	if v.cfg.Quiet {
		return
	}
	log.Printf("evaluation at step %d: mIoU=%.4f acc=%.4f", step, results.MeanIoU, results.OverallAcc)
	if improved {
		log.Printf("best mIoU so far: %.4f at step %d", results.MeanIoU, step)
	}
	if v.cfg.Info != nil {
		log.Printf("per-class IoU:\n%s", results.FormatTable(v.cfg.Info.Name))
	}
}

// Flush implements train.Observer, rendering the accumulated curves.
func (v *Visualizer) Flush() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cfg.OutDir == "" {
		return nil
	}
	if err := os.MkdirAll(v.cfg.OutDir, 0755); err != nil {
		return fmt.Errorf("create plot dir %s: %w", v.cfg.OutDir, err)
	}
	if len(v.segLoss) > 0 || len(v.discLoss) > 0 {
		if err := v.writeLossPlot(filepath.Join(v.cfg.OutDir, "losses.png")); err != nil {
			return fmt.Errorf("write loss plot: %w", err)
		}
	}
	if len(v.scores) > 0 {
		if err := v.writeScorePlot(filepath.Join(v.cfg.OutDir, "miou.png")); err != nil {
			return fmt.Errorf("write score plot: %w", err)
		}
	}
	return nil
}

// SavePrediction colorizes a per-pixel class id plane and writes it as
// a PNG under OutDir/predictions.
func (v *Visualizer) SavePrediction(name string, trainIDs []uint8, width, height int) error {
	if v.cfg.Info == nil {
		return fmt.Errorf("visual: prediction maps need class metadata")
	}
	if v.cfg.OutDir == "" {
		return fmt.Errorf("visual: prediction maps need an output directory")
	}
	img, err := v.cfg.Info.Colorize(trainIDs, width, height)
	if err != nil {
		return err
	}
	dir := filepath.Join(v.cfg.OutDir, "predictions")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create prediction dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, name+".png")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

// Best reports the highest evaluation score seen and its step.
func (v *Visualizer) Best() (miou float64, step int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.bestIoU, v.bestStep
}

func (v *Visualizer) writeLossPlot(path string) error {
	p := plot.New()
	p.Title.Text = "training losses"
	p.X.Label.Text = "step"
	p.Y.Label.Text = "loss"

	series := []struct {
		name string
		xys  plotter.XYs
		col  color.RGBA
	}{
		{"segmentation", v.segLoss, color.RGBA{R: 20, G: 80, B: 200, A: 220}},
		{"adversarial", v.advLoss, color.RGBA{R: 40, G: 160, B: 40, A: 220}},
		{"discriminator", v.discLoss, color.RGBA{R: 200, G: 30, B: 30, A: 220}},
	}
	for _, s := range series {
		if len(s.xys) == 0 {
			continue
		}
		line, err := plotter.NewLine(s.xys)
		if err != nil {
			return err
		}
		line.Color = s.col
		line.Width = vg.Points(1.2)
		p.Add(line)
		p.Legend.Add(s.name, line)
	}
	p.Add(plotter.NewGrid())
	return p.Save(8*vg.Inch, 6*vg.Inch, path)
}

func (v *Visualizer) writeScorePlot(path string) error {
	p := plot.New()
	p.Title.Text = "validation mean IoU"
	p.X.Label.Text = "step"
	p.Y.Label.Text = "mIoU"

	line, err := plotter.NewLine(v.scores)
	if err != nil {
		return err
	}
	line.Color = color.RGBA{R: 20, G: 80, B: 200, A: 220}
	line.Width = vg.Points(1.2)
	p.Add(line)

	pts, err := plotter.NewScatter(v.scores)
	if err != nil {
		return err
	}
	pts.GlyphStyle.Color = color.RGBA{R: 200, G: 30, B: 30, A: 200}
	pts.GlyphStyle.Radius = vg.Points(2)
	p.Add(pts)

	p.Add(plotter.NewGrid())
	return p.Save(8*vg.Inch, 6*vg.Inch, path)
}
