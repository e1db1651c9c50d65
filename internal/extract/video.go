package extract

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/contentforge/extractd/constants"
	"github.com/contentforge/extractd/internal/common"
)

const videoExtractorVersion = "video/1"

// frameEdge is the side length frames are downscaled to before computing
// per-frame features. 16x16 grayscale keeps the sample cheap and stable.
const frameEdge = 16

// VideoExtractor probes container/stream metadata via ffprobe and samples
// frames at a fixed interval through ffmpeg, producing one frame segment
// per sample with a small luma feature vector.
type VideoExtractor struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

func NewVideoExtractor(cfg Config, runner Runner, logger *slog.Logger) *VideoExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &VideoExtractor{cfg: cfg.withDefaults(), runner: runner, logger: logger}
}

func (e *VideoExtractor) Version() string { return videoExtractorVersion }

func (e *VideoExtractor) Extract(ctx context.Context, path string) (*Result, error) {
	pr, err := ffprobe(ctx, e.runner, e.cfg.FFprobe, path)
	if err != nil {
		return nil, common.E(common.KindUnsupportedFormat, "video probe failed", err)
	}
	vstream, ok := pr.stream("video")
	if !ok {
		return nil, common.E(common.KindUnsupportedFormat, "no video stream found", nil)
	}

	res := &Result{
		Format:           constants.VIDEO,
		ExtractorVersion: videoExtractorVersion,
		Metadata: map[string]string{
			"container": pr.Format.FormatName,
			"codec":     vstream.CodecName,
			"width":     strconv.Itoa(vstream.Width),
			"height":    strconv.Itoa(vstream.Height),
			"duration":  pr.Format.Duration,
		},
		Segments: []Segment{},
	}
	if astream, ok := pr.stream("audio"); ok {
		res.Metadata["audio_codec"] = astream.CodecName
		res.Metadata["audio_channels"] = strconv.Itoa(astream.Channels)
	}

	frames, err := e.sampleFrames(ctx, path)
	if err != nil {
		return res, common.E(common.KindUnsupportedFormat, "video decode failed", err)
	}

	intervalMS := e.cfg.FrameInterval.Milliseconds()
	for i, frame := range frames {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		mean, std := lumaStats(frame)
		res.Segments = append(res.Segments, Segment{
			Type:     SegmentFrame,
			Index:    i,
			StartMS:  int64(i) * intervalMS,
			EndMS:    int64(i+1) * intervalMS,
			Features: []float64{mean, std},
		})
	}

	return res, nil
}

// sampleFrames decodes downscaled grayscale frames at the configured
// interval, one frameEdge*frameEdge byte block per frame on stdout.
func (e *VideoExtractor) sampleFrames(ctx context.Context, path string) ([][]byte, error) {
	fps := 1.0 / e.cfg.FrameInterval.Seconds()
	vf := fmt.Sprintf("fps=%f,scale=%d:%d,format=gray", fps, frameEdge, frameEdge)

	out, errb, err := e.runner.Run(ctx, e.cfg.FFmpeg,
		"-v", "error",
		"-i", path,
		"-vf", vf,
		"-f", "rawvideo",
		"pipe:1",
	)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg frame sampling: %w (stderr: %s)", err, truncate(string(errb), 2<<10))
	}

	const frameBytes = frameEdge * frameEdge
	frames := make([][]byte, 0, len(out)/frameBytes)
	for off := 0; off+frameBytes <= len(out); off += frameBytes {
		frames = append(frames, out[off:off+frameBytes])
	}
	return frames, nil
}

// lumaStats returns mean and standard deviation of frame luma, normalized
// to 0..1 and rounded for byte-stable JSON.
func lumaStats(frame []byte) (mean, std float64) {
	if len(frame) == 0 {
		return 0, 0
	}
	var sum float64
	for _, b := range frame {
		sum += float64(b)
	}
	mean = sum / float64(len(frame))
	var varsum float64
	for _, b := range frame {
		d := float64(b) - mean
		varsum += d * d
	}
	std = math.Sqrt(varsum / float64(len(frame)))
	return round6(mean / 255), round6(std / 255)
}
