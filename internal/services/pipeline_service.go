// Package services – PipelineService
//
// This file implements the PipelineService, the worker pool that drives every
// accepted call item through transcription and summarization to a terminal
// state. Each state change is a compare-and-set on the durable row, so a
// crashed or duplicated worker can never push an item backwards or process it
// twice; the loser of a race simply abandons the item.
//
// External calls run under a per-stage timeout and a bounded retry with
// exponential backoff. API errors that cannot succeed on retry (bad audio,
// auth) short-circuit to FAILED. Every transition is broadcast to connected
// WebSocket clients.
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-call-backend/internal/config"
	"github.com/tbourn/go-call-backend/internal/domain"
	"github.com/tbourn/go-call-backend/internal/notify"
	"github.com/tbourn/go-call-backend/internal/observability"
	"github.com/tbourn/go-call-backend/internal/repo"
	"github.com/tbourn/go-call-backend/internal/resilience"
	"github.com/tbourn/go-call-backend/internal/storage"
)

// Broadcaster pushes pipeline events to connected clients.
type Broadcaster interface {
	Broadcast(ctx context.Context, e notify.Event) error
}

// PipelineService processes accepted items to completion.
type PipelineService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Store holds recordings and receives transcripts and summaries.
	Store storage.ObjectStore
	// Transcriber converts stored audio to text.
	Transcriber Transcriber
	// Summarizer condenses transcripts into structured summaries.
	Summarizer Summarizer
	// Notifier receives one event per state transition. May be nil.
	Notifier Broadcaster
	// OnCompleted runs after an item reaches COMPLETED (search index refresh).
	OnCompleted func(ctx context.Context, item *domain.CallItem)
	// Cfg tunes workers, queue depth, retries, and stage timeouts.
	Cfg config.PipelineConfig

	queue chan string
	wg    sync.WaitGroup
	quit  chan struct{}
	once  sync.Once
}

// NewPipelineService constructs a PipelineService. Start must be called
// before items are processed.
func NewPipelineService(db *gorm.DB, store storage.ObjectStore, t Transcriber, s Summarizer, n Broadcaster, cfg config.PipelineConfig) *PipelineService {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	return &PipelineService{
		DB:          db,
		Store:       store,
		Transcriber: t,
		Summarizer:  s,
		Notifier:    n,
		Cfg:         cfg,
		queue:       make(chan string, cfg.QueueSize),
		quit:        make(chan struct{}),
	}
}

// Start launches the worker pool. Workers run until Stop is called or ctx is
// cancelled.
func (p *PipelineService) Start(ctx context.Context) {
	for i := 0; i < p.Cfg.Workers; i++ {
		p.wg.Add(1)
		go func(worker int) {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-p.quit:
					return
				case id := <-p.queue:
					p.process(ctx, id)
				}
			}
		}(i)
	}
	log.Info().Int("workers", p.Cfg.Workers).Int("queue_size", p.Cfg.QueueSize).Msg("pipeline started")
}

// Stop signals the workers and waits for in-flight items to finish their
// current stage.
func (p *PipelineService) Stop() {
	p.once.Do(func() { close(p.quit) })
	p.wg.Wait()
	log.Info().Msg("pipeline stopped")
}

// Enqueue submits an item for processing. A full queue returns ErrQueueFull;
// the item stays in its durable state and recovery re-submits it.
func (p *PipelineService) Enqueue(itemID string) error {
	select {
	case p.queue <- itemID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Recover re-enqueues every item that was in flight when the previous process
// died. Called once on startup, after Start.
func (p *PipelineService) Recover(ctx context.Context) error {
	items, err := repo.ListItemsByStatus(ctx, p.DB,
		domain.StatusAccepted, domain.StatusTranscribing, domain.StatusSummarizing)
	if err != nil {
		return err
	}
	for _, it := range items {
		if err := p.Enqueue(it.ID); err != nil {
			log.Warn().Err(err).Str("item_id", it.ID).Msg("recovery enqueue failed")
			return err
		}
	}
	if len(items) > 0 {
		log.Info().Int("count", len(items)).Msg("recovered in-flight items")
	}
	return nil
}

// Requeue resubmits a failed item as a fresh one. The failed row is preserved
// for audit; the new item reuses the stored recording and starts from
// ACCEPTED. Only FAILED items qualify.
func (p *PipelineService) Requeue(ctx context.Context, id string) (*domain.CallItem, error) {
	tr := otel.Tracer("services/PipelineService")
	ctx, span := tr.Start(ctx, "Requeue",
		trace.WithAttributes(attribute.String("item_id", id)))
	defer span.End()

	old, err := repo.GetItem(ctx, p.DB, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	if old.Status != domain.StatusFailed {
		return nil, ErrNotFailed
	}

	item := &domain.CallItem{
		FileID:      old.FileID,
		Name:        old.Name,
		Title:       old.Title,
		ContentHash: old.ContentHash,
		Status:      domain.StatusAccepted,
		StorageRef:  old.StorageRef,
	}
	if err := repo.CreateItem(ctx, p.DB, item); err != nil {
		if errors.Is(err, repo.ErrDuplicateHash) {
			// A live item already carries this content.
			return nil, repo.ErrDuplicateHash
		}
		return nil, err
	}
	if err := p.Enqueue(item.ID); err != nil {
		log.Warn().Err(err).Str("item_id", item.ID).Msg("requeue enqueue failed, deferring to recovery")
	}
	log.Info().Str("failed_item_id", id).Str("item_id", item.ID).Msg("failed item requeued")
	return item, nil
}

// process drives one item from its current state to a terminal one. Items
// found in an intermediate state are resumed there: TRANSCRIBING redoes
// transcription, SUMMARIZING re-reads the stored transcript and redoes only
// the summary.
func (p *PipelineService) process(ctx context.Context, id string) {
	tr := otel.Tracer("services/PipelineService")
	ctx, span := tr.Start(ctx, "process",
		trace.WithAttributes(attribute.String("item_id", id)))
	defer span.End()

	item, err := repo.GetItem(ctx, p.DB, id)
	if err != nil {
		log.Error().Err(err).Str("item_id", id).Msg("load item failed")
		return
	}

	switch item.Status {
	case domain.StatusAccepted:
		if !p.transition(ctx, item, domain.StatusAccepted, domain.StatusTranscribing, nil) {
			return
		}
		fallthrough
	case domain.StatusTranscribing:
		transcript, err := p.transcribe(ctx, item)
		if err != nil {
			p.fail(ctx, item, domain.StatusTranscribing, err)
			return
		}
		if !p.transition(ctx, item, domain.StatusTranscribing, domain.StatusSummarizing,
			map[string]any{"transcript_ref": TranscriptKey(item.ContentHash)}) {
			return
		}
		p.summarizeAndComplete(ctx, item, transcript)
	case domain.StatusSummarizing:
		transcript, err := p.loadTranscript(ctx, item)
		if err != nil {
			p.fail(ctx, item, domain.StatusSummarizing, err)
			return
		}
		p.summarizeAndComplete(ctx, item, transcript)
	default:
		// Terminal or unknown; nothing to do.
		log.Debug().Str("item_id", id).Str("status", string(item.Status)).Msg("item not processable")
	}
}

// transcribe fetches the stored recording and runs the transcription stage
// under retry. The transcript is persisted before the function returns.
func (p *PipelineService) transcribe(ctx context.Context, item *domain.CallItem) (string, error) {
	start := time.Now()
	defer func() {
		observability.PipelineStageDuration.WithLabelValues("transcribe").Observe(time.Since(start).Seconds())
	}()

	var transcript string
	err := resilience.Retry(ctx, "transcribe", p.retryConfig(), func() error {
		sctx, cancel := context.WithTimeout(ctx, p.Cfg.StageTimeout)
		defer cancel()

		audio, err := p.Store.Get(sctx, item.StorageRef)
		if err != nil {
			return p.noteAttempt(ctx, item.ID, err)
		}
		defer audio.Close()

		text, err := p.Transcriber.Transcribe(sctx, audio, item.Name)
		if err != nil {
			return p.noteAttempt(ctx, item.ID, classifyStageError(err))
		}
		if text == "" {
			return resilience.Permanent(errors.New("empty transcript"))
		}
		transcript = text
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("transcription: %w", err)
	}

	key := TranscriptKey(item.ContentHash)
	if _, err := p.Store.PutIfAbsent(ctx, key, bytes.NewReader([]byte(transcript)), "text/plain; charset=utf-8"); err != nil {
		return "", fmt.Errorf("store transcript: %w", err)
	}
	return transcript, nil
}

// summarizeAndComplete runs the summary stage and finalizes the item.
func (p *PipelineService) summarizeAndComplete(ctx context.Context, item *domain.CallItem, transcript string) {
	start := time.Now()
	var summary *Summary
	err := resilience.Retry(ctx, "summarize", p.retryConfig(), func() error {
		sctx, cancel := context.WithTimeout(ctx, p.Cfg.StageTimeout)
		defer cancel()

		s, err := p.Summarizer.Summarize(sctx, transcript)
		if err != nil {
			return p.noteAttempt(ctx, item.ID, classifyStageError(err))
		}
		summary = s
		return nil
	})
	observability.PipelineStageDuration.WithLabelValues("summarize").Observe(time.Since(start).Seconds())
	if err != nil {
		p.fail(ctx, item, domain.StatusSummarizing, fmt.Errorf("summarization: %w", err))
		return
	}

	key := SummaryKey(item.ContentHash)
	doc, err := json.Marshal(summary)
	if err != nil {
		p.fail(ctx, item, domain.StatusSummarizing, fmt.Errorf("encode summary: %w", err))
		return
	}
	if _, err := p.Store.PutIfAbsent(ctx, key, bytes.NewReader(doc), "application/json"); err != nil {
		p.fail(ctx, item, domain.StatusSummarizing, fmt.Errorf("store summary: %w", err))
		return
	}

	extra := map[string]any{
		"summary_ref":    key,
		"issue_sentence": summary.IssueSentence,
		"key_details":    mustJSON(summary.KeyDetails),
		"action_items":   mustJSON(summary.ActionItems),
		"next_steps":     mustJSON(summary.NextSteps),
		"sentiment":      summary.Sentiment,
	}
	// The terminal broadcast carries the inline summary, so the in-memory
	// item must hold it before the transition fires the event.
	item.SummaryRef = key
	item.IssueSentence = summary.IssueSentence
	item.KeyDetails = summary.KeyDetails
	item.ActionItems = summary.ActionItems
	item.NextSteps = summary.NextSteps
	item.Sentiment = summary.Sentiment
	if !p.transition(ctx, item, domain.StatusSummarizing, domain.StatusCompleted, extra) {
		return
	}

	if p.OnCompleted != nil {
		p.OnCompleted(ctx, item)
	}
	log.Info().Str("item_id", item.ID).Msg("item completed")
}

// transition applies a compare-and-set state change, records the metric, and
// broadcasts the event. A lost race (ErrConflict) means another worker owns
// the item; the caller must abandon it.
func (p *PipelineService) transition(ctx context.Context, item *domain.CallItem, from, to domain.Status, extra map[string]any) bool {
	if err := repo.TransitionItem(ctx, p.DB, item.ID, from, to, extra); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			log.Warn().Str("item_id", item.ID).
				Str("from", string(from)).Str("to", string(to)).
				Msg("transition lost race, abandoning item")
		} else {
			log.Error().Err(err).Str("item_id", item.ID).Msg("transition failed")
		}
		return false
	}
	item.Status = to
	observability.PipelineTransitions.WithLabelValues(string(to)).Inc()
	p.broadcast(ctx, item, "")
	return true
}

// fail moves the item to FAILED with the error recorded. The FAILED state is
// reachable from any non-terminal state, so a conflict here means someone
// else already terminated the item.
func (p *PipelineService) fail(ctx context.Context, item *domain.CallItem, from domain.Status, cause error) {
	log.Error().Err(cause).Str("item_id", item.ID).Str("stage", string(from)).Msg("item failed")
	err := repo.TransitionItem(ctx, p.DB, item.ID, from, domain.StatusFailed,
		map[string]any{"error_detail": cause.Error()})
	if err != nil {
		log.Error().Err(err).Str("item_id", item.ID).Msg("record failure failed")
		return
	}
	item.Status = domain.StatusFailed
	item.ErrorDetail = cause.Error()
	observability.PipelineTransitions.WithLabelValues(string(domain.StatusFailed)).Inc()
	p.broadcast(ctx, item, cause.Error())
}

// broadcast pushes one status event. COMPLETED events carry the inline
// summary. Delivery problems never affect pipeline progress.
func (p *PipelineService) broadcast(ctx context.Context, item *domain.CallItem, errDetail string) {
	if p.Notifier == nil {
		return
	}
	e := notify.Event{
		Type:      notify.EventTypeStatus,
		ItemID:    item.ID,
		Status:    item.Status,
		Error:     errDetail,
		Timestamp: time.Now().UTC(),
	}
	if item.Status == domain.StatusCompleted {
		e.Summary = &notify.SummaryPayload{
			IssueSentence: item.IssueSentence,
			KeyDetails:    item.KeyDetails,
			ActionItems:   item.ActionItems,
			NextSteps:     item.NextSteps,
			Sentiment:     item.Sentiment,
		}
	}
	if err := p.Notifier.Broadcast(ctx, e); err != nil {
		log.Warn().Err(err).Str("item_id", item.ID).Msg("event broadcast failed")
	}
}

// loadTranscript re-reads a previously stored transcript for items resumed in
// the SUMMARIZING state.
func (p *PipelineService) loadTranscript(ctx context.Context, item *domain.CallItem) (string, error) {
	ref := item.TranscriptRef
	if ref == "" {
		ref = TranscriptKey(item.ContentHash)
	}
	rc, err := p.Store.Get(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("load transcript: %w", err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("read transcript: %w", err)
	}
	return string(b), nil
}

// noteAttempt bumps the durable retry counter and passes the error through.
func (p *PipelineService) noteAttempt(ctx context.Context, id string, err error) error {
	if berr := repo.BumpAttempts(ctx, p.DB, id); berr != nil && !errors.Is(berr, repo.ErrNotFound) {
		log.Warn().Err(berr).Str("item_id", id).Msg("bump attempts failed")
	}
	return err
}

func (p *PipelineService) retryConfig() resilience.Config {
	return resilience.Config{
		MaxAttempts:  p.Cfg.MaxAttempts,
		InitialDelay: p.Cfg.BaseBackoff,
	}
}

// classifyStageError marks errors that retrying cannot fix as permanent.
func classifyStageError(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && !apiErr.Transient() {
		return resilience.Permanent(err)
	}
	return err
}

// mustJSON encodes a string slice for a raw column update. Encoding a
// []string cannot fail.
func mustJSON(xs []string) string {
	if xs == nil {
		xs = []string{}
	}
	b, _ := json.Marshal(xs)
	return string(b)
}
