package extract

import (
	"context"
	"encoding/json"
	"fmt"
)

// probeResult mirrors the subset of ffprobe's JSON output the audio and
// video extractors consume.
type probeResult struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		BitRate    string `json:"bit_rate"`
	} `json:"format"`
	Streams []probeStream `json:"streams"`
}

type probeStream struct {
	CodecType  string `json:"codec_type"` // "audio" | "video"
	CodecName  string `json:"codec_name"`
	SampleRate string `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Duration   string `json:"duration"`
}

func ffprobe(ctx context.Context, runner Runner, bin, path string) (*probeResult, error) {
	out, errb, err := runner.Run(ctx, bin,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return nil, fmt.Errorf("ffprobe: %w (stderr: %s)", err, truncate(string(errb), 2<<10))
	}
	var pr probeResult
	if err := json.Unmarshal(out, &pr); err != nil {
		return nil, fmt.Errorf("ffprobe output parse: %w", err)
	}
	return &pr, nil
}

func (pr *probeResult) stream(codecType string) (probeStream, bool) {
	for _, s := range pr.Streams {
		if s.CodecType == codecType {
			return s, true
		}
	}
	return probeStream{}, false
}
