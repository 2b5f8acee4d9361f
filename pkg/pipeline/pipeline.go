// Package pipeline orchestrates per-case evaluation: sliding-window
// inference over the full volume, Dice scoring against the ground truth,
// peak-centred patch extraction, and export of patches and slice figures.
// Cases are independent, so a bounded worker pool evaluates them
// concurrently over the shared read-only network parameters.
package pipeline

import (
	"fmt"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"vsseg3d/internal/models"
	"vsseg3d/pkg/config"
	"vsseg3d/pkg/inference"
	"vsseg3d/pkg/network"
	"vsseg3d/pkg/patchex"
	"vsseg3d/pkg/visualization"
	"vsseg3d/pkg/volio"
)

// CaseResult holds everything produced for one evaluated case.
type CaseResult struct {
	// ID is the case identifier
	ID string

	// Dice is the foreground Dice score of the argmax segmentation
	Dice float64

	// Logits holds one full-extent prediction volume per class channel
	Logits []*models.Volume

	// Patch carries the extracted prediction/label patches and the
	// bounds that produced them
	Patch *patchex.Result
}

// Summary aggregates the scores of an evaluated case list.
type Summary struct {
	// MeanDice and StdDice summarize the per-case Dice scores
	MeanDice float64
	StdDice  float64

	// Results holds the per-case outputs in input order
	Results []*CaseResult
}

// Runner evaluates cases with a built network and a configuration.
type Runner struct {
	net *network.Net
	cfg *config.Config
	log *zap.SugaredLogger
}

// NewRunner creates a pipeline runner. A nil logger disables logging.
func NewRunner(net *network.Net, cfg *config.Config, log *zap.SugaredLogger) *Runner {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Runner{net: net, cfg: cfg, log: log}
}

// EvaluateCase runs the full pipeline on a single case.
func (r *Runner) EvaluateCase(cs models.Case) (*CaseResult, error) {
	if cs.Image == nil || cs.Label == nil {
		return nil, fmt.Errorf("case %s is missing an image or label volume", cs.ID)
	}
	if !cs.Image.SameShape(cs.Label) {
		return nil, fmt.Errorf("case %s: image %dx%dx%d and label %dx%dx%d extents differ",
			cs.ID, cs.Image.Width, cs.Image.Height, cs.Image.Depth,
			cs.Label.Width, cs.Label.Height, cs.Label.Depth)
	}

	infOpts, err := r.cfg.InferenceOptions()
	if err != nil {
		return nil, err
	}

	r.log.Infow("starting case", "id", cs.ID,
		"extents", []int{cs.Image.Width, cs.Image.Height, cs.Image.Depth})

	logits, err := inference.SlidingWindow(cs.Image, r.net, infOpts, r.log)
	if err != nil {
		return nil, fmt.Errorf("case %s: %w", cs.ID, err)
	}

	fg := r.cfg.Inference.ForegroundChannel
	if fg < 0 || fg >= len(logits) {
		return nil, fmt.Errorf("case %s: foreground channel %d out of range for %d prediction channels",
			cs.ID, fg, len(logits))
	}

	dice := DiceScore(logits, cs.Label, fg)

	patch, err := patchex.Extract(logits[fg], cs.Label, r.cfg.Patch.WindowSize)
	if err != nil {
		return nil, fmt.Errorf("case %s: %w", cs.ID, err)
	}

	r.log.Infow("case evaluated", "id", cs.ID, "dice", dice,
		"peak", patch.Peak, "bounds", patch.Bounds)

	return &CaseResult{ID: cs.ID, Dice: dice, Logits: logits, Patch: patch}, nil
}

// EvaluateAll runs EvaluateCase over every case with a bounded worker
// pool and aggregates the Dice scores. Results keep the input order.
func (r *Runner) EvaluateAll(cases []models.Case) (*Summary, error) {
	workers := r.cfg.Inference.CaseWorkers
	if workers < 1 {
		workers = 1
	}

	results := make([]*CaseResult, len(cases))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, cs := range cases {
		i, cs := i, cs
		g.Go(func() error {
			res, err := r.EvaluateCase(cs)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	scores := make([]float64, len(results))
	for i, res := range results {
		scores[i] = res.Dice
	}
	summary := &Summary{Results: results}
	if len(scores) > 0 {
		summary.MeanDice = stat.Mean(scores, nil)
		if len(scores) > 1 {
			summary.StdDice = stat.StdDev(scores, nil)
		}
	}
	r.log.Infow("evaluation finished", "cases", len(results),
		"meanDice", summary.MeanDice, "stdDice", summary.StdDice)
	return summary, nil
}

// Export writes a case's patches and figures below the configured results
// directory, one subdirectory per case.
func (r *Runner) Export(cs models.Case, res *CaseResult) error {
	dir := filepath.Join(r.cfg.Output.ResultsDir, res.ID)

	if r.cfg.Output.SavePatches {
		name := fmt.Sprintf("%s_%d_%d_%d_mask.vsv",
			res.ID, res.Patch.Peak[0], res.Patch.Peak[1], res.Patch.Peak[2])
		if err := volio.Save(filepath.Join(dir, name), res.Patch.Prediction); err != nil {
			return fmt.Errorf("saving prediction patch: %w", err)
		}
		labelName := fmt.Sprintf("%s_%d_%d_%d_label.vsv",
			res.ID, res.Patch.Peak[0], res.Patch.Peak[1], res.Patch.Peak[2])
		if err := volio.Save(filepath.Join(dir, labelName), res.Patch.Label); err != nil {
			return fmt.Errorf("saving label patch: %w", err)
		}
	}

	if r.cfg.Output.SaveFigures {
		fg := r.cfg.Inference.ForegroundChannel
		for name, vol := range map[string]*models.Volume{
			"image":      cs.Image,
			"label":      cs.Label,
			"prediction": res.Logits[fg],
		} {
			viewer := visualization.NewViewer(vol)
			slice, err := viewer.SaveCenterOfMassSlice(cs.Label, filepath.Join(dir, name+"_com_slice.jpg"))
			if err != nil {
				return fmt.Errorf("saving %s figure: %w", name, err)
			}
			r.log.Debugw("saved figure", "id", res.ID, "volume", name, "slice", slice)
		}
	}
	return nil
}

// CropSecondModality applies recorded bounds to co-registered volumes of
// a second modality, reproducing the exact crops of the first.
func CropSecondModality(volumes []*models.Volume, bounds []models.Bounds) ([]*models.Volume, error) {
	if len(volumes) != len(bounds) {
		return nil, fmt.Errorf("have %d volumes but %d bounds", len(volumes), len(bounds))
	}
	out := make([]*models.Volume, len(volumes))
	for i, vol := range volumes {
		patch, err := vol.Extract(bounds[i])
		if err != nil {
			return nil, fmt.Errorf("volume %d: %w", i, err)
		}
		out[i] = patch
	}
	return out, nil
}

// DiceScore computes the foreground Dice overlap between the argmax
// segmentation of the logits and a binary label volume. When both the
// prediction and the label are empty the overlap is perfect by
// convention and the score is 1.
func DiceScore(logits []*models.Volume, label *models.Volume, foreground int) float64 {
	var intersection, predSum, labelSum float64
	for i := range label.Data {
		pred := 0.0
		if argmaxChannel(logits, i) == foreground {
			pred = 1.0
		}
		truth := 0.0
		if label.Data[i] > 0 {
			truth = 1.0
		}
		intersection += pred * truth
		predSum += pred
		labelSum += truth
	}
	if predSum+labelSum == 0 {
		return 1.0
	}
	return 2 * intersection / (predSum + labelSum)
}

// argmaxChannel returns the channel with the largest logit at a voxel,
// ties resolved toward the lower channel index.
func argmaxChannel(logits []*models.Volume, idx int) int {
	best := 0
	for c := 1; c < len(logits); c++ {
		if logits[c].Data[idx] > logits[best].Data[idx] {
			best = c
		}
	}
	return best
}

// SortedDiceScores returns the per-case Dice scores in ascending order,
// handy for picking out the worst cases in a report.
func (s *Summary) SortedDiceScores() []float64 {
	scores := make([]float64, len(s.Results))
	for i, res := range s.Results {
		scores[i] = res.Dice
	}
	sort.Float64s(scores)
	return scores
}
