//go:build !platform

package main

import (
	"fmt"

	"github.com/mtarikucar/kds/pkg/nn"
	"github.com/mtarikucar/kds/server/camera"
	"github.com/mtarikucar/kds/server/config"
)

// The video decoder and the neural detector are platform components
// (NVDEC/ffmpeg and TensorRT on Jetson). They live behind these two factory
// functions; a platform build supplies its own file with the `platform`
// build tag. The default build fails fast at startup, which is the intended
// behavior on a machine without the acceleration stack.

func newFrameDecoder() (camera.FrameDecoder, error) {
	return nil, fmt.Errorf("edged was built without a video decoder (build with -tags platform)")
}

func newObjectDetector(cfg *config.DetectionConfig) (nn.ObjectDetector, error) {
	return nil, fmt.Errorf("edged was built without a detector (build with -tags platform)")
}
