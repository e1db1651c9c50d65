package extract

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"strconv"

	"github.com/contentforge/extractd/constants"
	"github.com/contentforge/extractd/internal/common"
)

const audioExtractorVersion = "audio/1"

// audioDecodeRate is the mono sample rate the waveform summary is computed
// at. Fixed so feature vectors stay byte-stable across container formats.
const audioDecodeRate = 8000

// AudioExtractor probes stream metadata via ffprobe and decodes the first
// audio track to mono PCM to compute a windowed waveform summary.
type AudioExtractor struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

func NewAudioExtractor(cfg Config, runner Runner, logger *slog.Logger) *AudioExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &AudioExtractor{cfg: cfg.withDefaults(), runner: runner, logger: logger}
}

func (e *AudioExtractor) Version() string { return audioExtractorVersion }

func (e *AudioExtractor) Extract(ctx context.Context, path string) (*Result, error) {
	pr, err := ffprobe(ctx, e.runner, e.cfg.FFprobe, path)
	if err != nil {
		return nil, common.E(common.KindUnsupportedFormat, "audio probe failed", err)
	}
	stream, ok := pr.stream("audio")
	if !ok {
		return nil, common.E(common.KindUnsupportedFormat, "no audio stream found", nil)
	}

	res := &Result{
		Format:           constants.AUDIO,
		ExtractorVersion: audioExtractorVersion,
		Metadata: map[string]string{
			"container":   pr.Format.FormatName,
			"codec":       stream.CodecName,
			"sample_rate": stream.SampleRate,
			"channels":    strconv.Itoa(stream.Channels),
			"duration":    pr.Format.Duration,
		},
		Segments: []Segment{},
	}

	samples, err := e.decodePCM(ctx, path)
	if err != nil {
		// Metadata probed but decode failed; return the partial as
		// diagnostic context alongside the error.
		return res, common.E(common.KindUnsupportedFormat, "audio decode failed", err)
	}

	windowSamples := int(e.cfg.AudioWindow.Seconds() * audioDecodeRate)
	if windowSamples <= 0 {
		windowSamples = audioDecodeRate
	}
	windowMS := e.cfg.AudioWindow.Milliseconds()

	for start := 0; start < len(samples); start += windowSamples {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := start + windowSamples
		if end > len(samples) {
			end = len(samples)
		}
		rms, peak := waveformStats(samples[start:end])
		i := start / windowSamples
		res.Segments = append(res.Segments, Segment{
			Type:     SegmentAudio,
			Index:    i,
			StartMS:  int64(i) * windowMS,
			EndMS:    int64(i)*windowMS + int64(end-start)*1000/audioDecodeRate,
			Features: []float64{rms, peak},
		})
	}

	return res, nil
}

// decodePCM pipes the first audio track through ffmpeg as mono f64le PCM.
func (e *AudioExtractor) decodePCM(ctx context.Context, path string) ([]float64, error) {
	out, errb, err := e.runner.Run(ctx, e.cfg.FFmpeg,
		"-v", "error",
		"-i", path,
		"-map", "0:a:0",
		"-ac", "1",
		"-ar", strconv.Itoa(audioDecodeRate),
		"-f", "f64le",
		"pipe:1",
	)
	if err != nil {
		return nil, common.WrapError(err, "ffmpeg pcm decode (stderr: "+truncate(string(errb), 2<<10)+")")
	}

	n := len(out) / 8
	samples := make([]float64, n)
	for i := 0; i < n; i++ {
		samples[i] = math.Float64frombits(binary.LittleEndian.Uint64(out[i*8:]))
	}
	return samples, nil
}

// waveformStats returns [rms, peak] rounded to 6 decimals so the JSON form
// is stable.
func waveformStats(window []float64) (rms, peak float64) {
	if len(window) == 0 {
		return 0, 0
	}
	var sum float64
	for _, s := range window {
		sum += s * s
		if a := math.Abs(s); a > peak {
			peak = a
		}
	}
	rms = math.Sqrt(sum / float64(len(window)))
	return round6(rms), round6(peak)
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
