package regression

import (
	"errors"
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// PlotHistory renders the train and validation loss curves of a fit to an
// image file. The format follows the path extension (png, svg, pdf).
func PlotHistory(h *History, path string) error {
	if h == nil || len(h.Epochs) == 0 {
		return errors.New("history is empty")
	}

	p := plot.New()
	p.Title.Text = "Training history"
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "MSE loss"

	trainXY := make(plotter.XYs, len(h.Epochs))
	valXY := make(plotter.XYs, len(h.Epochs))
	for i, e := range h.Epochs {
		trainXY[i] = plotter.XY{X: float64(e.Epoch), Y: e.TrainLoss}
		valXY[i] = plotter.XY{X: float64(e.Epoch), Y: e.ValLoss}
	}

	trainLine, err := plotter.NewLine(trainXY)
	if err != nil {
		return fmt.Errorf("failed to build train line: %w", err)
	}
	valLine, err := plotter.NewLine(valXY)
	if err != nil {
		return fmt.Errorf("failed to build val line: %w", err)
	}
	valLine.LineStyle.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}

	p.Add(trainLine, valLine)
	p.Legend.Add("train", trainLine)
	p.Legend.Add("val", valLine)
	p.Legend.Top = true

	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save plot %s: %w", path, err)
	}
	return nil
}

// PlotOverfit renders the loss trajectory of an overfit-batch sanity check.
func PlotOverfit(losses []float64, path string) error {
	if len(losses) == 0 {
		return errors.New("no losses to plot")
	}

	p := plot.New()
	p.Title.Text = "Overfit-batch sanity check"
	p.X.Label.Text = "step"
	p.Y.Label.Text = "MSE loss"

	xy := make(plotter.XYs, len(losses))
	for i, l := range losses {
		xy[i] = plotter.XY{X: float64(i), Y: l}
	}
	line, err := plotter.NewLine(xy)
	if err != nil {
		return fmt.Errorf("failed to build loss line: %w", err)
	}
	p.Add(line)

	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save plot %s: %w", path, err)
	}
	return nil
}
