package worker

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"ai-worker/internal/entity"
	"ai-worker/internal/stage"
)

// JobRepo receives status transitions (implementation: jobapi.JobRepository).
type JobRepo interface {
	UpdateStatus(ctx context.Context, jobID string, status entity.JobStatus) error
	SetResultDone(ctx context.Context, jobID string, resultURL string) error
	SetResultError(ctx context.Context, jobID string, errText string) error
}

// ResultReplicator copies a finished result somewhere else. Optional.
type ResultReplicator interface {
	Replicate(ctx context.Context, localPath string) error
}

type Processor struct {
	repo        JobRepo
	transcriber stage.Transcriber
	translator  stage.Translator
	synthesizer stage.Synthesizer
	resultsDir  string
	replicator  ResultReplicator
	stats       *Stats
}

type ProcessorOption func(*Processor)

func WithReplicator(r ResultReplicator) ProcessorOption {
	return func(p *Processor) { p.replicator = r }
}

func WithStats(s *Stats) ProcessorOption {
	return func(p *Processor) { p.stats = s }
}

func NewProcessor(
	repo JobRepo,
	transcriber stage.Transcriber,
	translator stage.Translator,
	synthesizer stage.Synthesizer,
	resultsDir string,
	opts ...ProcessorOption,
) *Processor {
	p := &Processor{
		repo:        repo,
		transcriber: transcriber,
		translator:  translator,
		synthesizer: synthesizer,
		resultsDir:  resultsDir,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.stats == nil {
		p.stats = NewStats()
	}
	return p
}

// Process runs one job through all stages and reports processing plus
// exactly one terminal status. The returned error is the job failure, if
// any; it has already been reported.
func (p *Processor) Process(ctx context.Context, job entity.JobDescriptor) error {
	start := time.Now()
	log := slog.With(slog.String("job_id", job.JobID))

	p.report(log, entity.StatusProcessing, func() error {
		return p.repo.UpdateStatus(ctx, job.JobID, entity.StatusProcessing)
	})
	log.Info("job processing",
		slog.String("source_lang", job.SourceLang),
		slog.String("target_lang", job.TargetLang),
		slog.String("user_id", job.UserID),
	)

	resultURL, procErr := p.run(ctx, log, job)
	if procErr != nil {
		msg := procErr.Error()
		p.stats.failed.Add(1)
		log.Error("job failed",
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("error", msg),
		)
		p.report(log, entity.StatusFailed, func() error {
			return p.repo.SetResultError(ctx, job.JobID, msg)
		})
		return procErr
	}

	p.stats.succeeded.Add(1)
	log.Info("job completed",
		slog.String("result_url", resultURL),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	p.report(log, entity.StatusSucceeded, func() error {
		return p.repo.SetResultDone(ctx, job.JobID, resultURL)
	})
	return nil
}

func (p *Processor) run(ctx context.Context, log *slog.Logger, job entity.JobDescriptor) (resultURL string, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.stats.panics.Add(1)
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if err := job.Validate(); err != nil {
		return "", err
	}

	transcript, err := p.transcriber.Transcribe(ctx, job.SourceFile, job.SourceLang)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	log.Debug("transcribed", slog.Int("chars", len(transcript)))

	translation, err := p.translator.Translate(ctx, transcript, job.SourceLang, job.TargetLang)
	if err != nil {
		return "", fmt.Errorf("translate: %w", err)
	}
	log.Debug("translated", slog.Int("chars", len(translation)))

	audioPath, err := p.synthesizer.Synthesize(ctx, translation, job.TargetLang, ResultPath(p.resultsDir, job.JobID))
	if err != nil {
		return "", fmt.Errorf("synthesize: %w", err)
	}

	if p.replicator != nil {
		if err := p.replicator.Replicate(ctx, audioPath); err != nil {
			log.Warn("result replication failed", slog.String("path", audioPath), slog.String("error", err.Error()))
		}
	}

	return ResultURL(audioPath), nil
}

// report is best effort: a failed status call is logged and never changes
// the job outcome.
func (p *Processor) report(log *slog.Logger, status entity.JobStatus, send func() error) {
	if err := send(); err != nil {
		p.stats.reportErrors.Add(1)
		log.Error("status report failed", slog.String("status", string(status)), slog.String("error", err.Error()))
		return
	}
	log.Debug("status reported", slog.String("status", string(status)))
}

func ResultPath(resultsDir, jobID string) string {
	return filepath.Join(resultsDir, jobID+".wav")
}

func ResultURL(audioPath string) string {
	return "/results/" + filepath.Base(audioPath)
}
