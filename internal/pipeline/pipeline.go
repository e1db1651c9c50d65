package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/contentforge/extractd/constants"
	"github.com/contentforge/extractd/internal/classify"
	"github.com/contentforge/extractd/internal/common"
	"github.com/contentforge/extractd/internal/extract"
	"github.com/contentforge/extractd/internal/storage"
)

// Summarizer produces a short natural-language summary of extracted text.
// Optional: a nil Summarizer disables insights entirely.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
	Model() string
}

// summaryInputLimit caps how much extracted text is handed to the
// summarizer.
const summaryInputLimit = 16 << 10

// Pipeline runs one job end to end: classify, dispatch to the matching
// extractor, persist. It owns every status transition after QUEUED.
type Pipeline struct {
	logger     *slog.Logger
	classifier *classify.Classifier
	registry   *extract.Registry
	artifacts  *storage.ArtifactStore
	results    *storage.ResultStore
	index      *storage.JobIndex

	summarizer      Summarizer
	insightsTimeout time.Duration
}

func New(
	logger *slog.Logger,
	classifier *classify.Classifier,
	registry *extract.Registry,
	artifacts *storage.ArtifactStore,
	results *storage.ResultStore,
	index *storage.JobIndex,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		logger:          logger,
		classifier:      classifier,
		registry:        registry,
		artifacts:       artifacts,
		results:         results,
		index:           index,
		insightsTimeout: 45 * time.Second,
	}
}

// WithSummarizer enables the optional insights stage.
func (p *Pipeline) WithSummarizer(s Summarizer, timeout time.Duration) *Pipeline {
	p.summarizer = s
	if timeout > 0 {
		p.insightsTimeout = timeout
	}
	return p
}

// Process executes one job under ctx. ctx carries the per-job timeout and
// cancellation; persistence runs on a detached context so a dying job can
// still record its terminal state.
func (p *Pipeline) Process(ctx context.Context, jobID uuid.UUID) error {
	bctx := context.WithoutCancel(ctx)

	rec, err := p.index.Get(bctx, jobID)
	if err != nil {
		return common.WrapError(err, "load job")
	}
	if rec.Status != constants.JobStatusQueued {
		// Cancelled while waiting. The artifact is never opened.
		p.logger.Info("skipping job no longer queued", "job_id", jobID, "status", rec.Status)
		return nil
	}
	ok, err := p.index.MarkRunning(bctx, jobID)
	if err != nil {
		return common.WrapError(err, "mark running")
	}
	if !ok {
		return nil
	}

	format, err := p.classifyArtifact(ctx, rec)
	if err != nil {
		return p.fail(bctx, jobID, format, nil, err)
	}

	extractor, registered := p.registry.Lookup(format)
	if !registered {
		err := common.E(common.KindUnsupportedFormat, "no extractor for format "+string(format), nil)
		return p.fail(bctx, jobID, format, nil, err)
	}

	// Idempotence short-circuit: identical bytes under the same extractor
	// version were already processed.
	if data, hit := p.results.GetCached(rec.ArtifactRef, extractor.Version()); hit {
		p.logger.Info("result cache hit", "job_id", jobID, "artifact", rec.ArtifactRef, "version", extractor.Version())
		if err := p.results.PutRaw(jobID, data); err != nil {
			return p.fail(bctx, jobID, format, nil, err)
		}
		if err := p.index.MarkSucceeded(bctx, jobID, format); err != nil {
			return common.WrapError(err, "mark succeeded")
		}
		p.maybeSummarizeRaw(jobID, data)
		return nil
	}

	res, err := extractor.Extract(ctx, p.artifacts.Path(rec.ArtifactRef))
	if err != nil {
		return p.fail(bctx, jobID, format, res, err)
	}

	data, err := p.results.Put(jobID, rec.ArtifactRef, res)
	if err != nil {
		return p.fail(bctx, jobID, format, nil, err)
	}
	if err := p.index.MarkSucceeded(bctx, jobID, format); err != nil {
		return common.WrapError(err, "mark succeeded")
	}
	p.logger.Info("job processed",
		"job_id", jobID,
		"format", format,
		"segments", len(res.Segments),
		"extractor_version", res.ExtractorVersion,
	)
	p.maybeSummarizeRaw(jobID, data)
	return nil
}

func (p *Pipeline) classifyArtifact(ctx context.Context, rec *storage.JobRecord) (constants.Format, error) {
	if err := ctx.Err(); err != nil {
		return constants.UNKNOWN, err
	}
	prefix, err := p.artifacts.ReadPrefix(rec.ArtifactRef, classify.SniffLen)
	if err != nil {
		return constants.UNKNOWN, err
	}
	format := p.classifier.Classify(prefix, rec.Filename)
	p.logger.Debug("artifact classified", "job_id", rec.ID, "format", format, "filename", rec.Filename)
	if format == constants.UNKNOWN {
		return format, common.E(common.KindUnsupportedFormat, "unrecognized content", nil)
	}
	return format, nil
}

// fail records the terminal failure, stashing any partial output as
// diagnostic context. Partial extraction is never surfaced as success.
func (p *Pipeline) fail(bctx context.Context, jobID uuid.UUID, format constants.Format, partial *extract.Result, cause error) error {
	kind, msg := translate(cause)
	if partial != nil && len(partial.Segments) > 0 {
		p.results.PutDiagnostic(jobID, partial)
		msg += " (partial output retained)"
	}
	if err := p.index.MarkFailed(bctx, jobID, format, kind, msg); err != nil {
		p.logger.Error("failed to record job failure", "job_id", jobID, "error", err)
	}
	return cause
}

// translate collapses any error into a taxonomy kind and a client-safe
// message. Context errors win: a timeout that surfaced as a killed decoder
// is still a timeout.
func translate(err error) (common.Kind, string) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return common.KindExtractionTimeout, "extraction exceeded the configured timeout"
	case errors.Is(err, context.Canceled):
		return common.KindCancelled, "cancelled while running"
	}
	kind := common.KindOf(err)
	if kind == common.KindInternal {
		return kind, "extraction failed"
	}
	return kind, common.ClientMessage(err)
}

// maybeSummarizeRaw kicks off the optional insights stage for a succeeded
// job. Fire and forget: insights never block or fail the pipeline.
func (p *Pipeline) maybeSummarizeRaw(jobID uuid.UUID, data []byte) {
	if p.summarizer == nil {
		return
	}
	var res extract.Result
	if err := json.Unmarshal(data, &res); err != nil {
		p.logger.Warn("insights: decode result failed", "job_id", jobID, "error", err)
		return
	}
	text := collectText(&res)
	if text == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.insightsTimeout)
		defer cancel()

		summary, err := p.summarizer.Summarize(ctx, text)
		if err != nil {
			p.logger.Warn("insights: summarize failed", "job_id", jobID, "error", err)
			return
		}
		doc, err := json.Marshal(map[string]string{
			"job_id":  jobID.String(),
			"model":   p.summarizer.Model(),
			"summary": summary,
		})
		if err != nil {
			p.logger.Warn("insights: encode failed", "job_id", jobID, "error", err)
			return
		}
		if err := p.results.PutInsights(jobID, doc); err != nil {
			p.logger.Warn("insights: persist failed", "job_id", jobID, "error", err)
			return
		}
		p.logger.Info("insights stored", "job_id", jobID)
	}()
}

// collectText concatenates the result's text-bearing segments up to the
// summarizer input cap.
func collectText(res *extract.Result) string {
	var b strings.Builder
	for _, seg := range res.Segments {
		if seg.Text == "" {
			continue
		}
		// The separator can push the builder past the cap, so re-check
		// before slicing.
		remaining := summaryInputLimit - b.Len()
		if remaining <= 0 {
			break
		}
		if len(seg.Text) > remaining {
			b.WriteString(seg.Text[:remaining])
			break
		}
		b.WriteString(seg.Text)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}
