package cli

import (
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.viam.com/loopfusion/slam/keyframe"
	"go.viam.com/loopfusion/slam/placerecognition"
	"go.viam.com/loopfusion/vision/keypoints"
)

// VocabAction trains a vocabulary on the descriptors of every keyframe of a saved pose graph.
func VocabAction(c *cli.Context) (err error) {
	s, err := newSession(c)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, s.Close())
	}()
	dir, err := s.mapDir(c)
	if err != nil {
		return err
	}
	kfs, err := loadMap(c.Context, dir, s)
	if err != nil {
		return err
	}

	images := lo.FilterMap(kfs, func(kf *keyframe.KeyFrame, _ int) (keypoints.Descriptors, bool) {
		return kf.Descriptors, len(kf.Descriptors) > 0
	})
	if len(images) == 0 {
		return errors.Errorf("no descriptors in %s", dir)
	}
	opts := placerecognition.DefaultTrainOptions()
	opts.Branching = c.Int(branchFlag)
	opts.Depth = c.Int(depthFlag)
	opts.Seed = c.Int64(seedFlag)

	s.logger.Infow("training vocabulary", "images", len(images), "branching", opts.Branching, "depth", opts.Depth)
	voc, err := placerecognition.TrainVocabulary(c.Context, images, opts)
	if err != nil {
		return err
	}
	if err := voc.SaveFile(c.String(outputFlag)); err != nil {
		return err
	}
	printf(c.App.Writer, "vocabulary with %d words trained on %d keyframes saved to %s",
		voc.Size(), len(images), c.String(outputFlag))
	return nil
}
