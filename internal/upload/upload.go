// Package upload transfers accepted clips to remote object storage.
//
// The [Pipeline] uploads one clip at a time. A failed upload is retained as
// the single pending failure together with the clip's bytes until
// [Pipeline.RetryLastUpload] succeeds or the pipeline is reset. A newer
// failure replaces an older one. The replaced clip keeps no object key and is
// sent again with [Pipeline.Upload].
package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/vocalcheck/internal/observe"
	"github.com/MrWong99/vocalcheck/internal/protocol"
	"github.com/MrWong99/vocalcheck/pkg/audio"
)

// ErrNothingToRetry is returned by RetryLastUpload without a pending failure.
var ErrNothingToRetry = errors.New("upload: no failed upload to retry")

// TargetRequest describes the object a clip will be stored as.
type TargetRequest struct {
	SessionID string
	StageID   int
	FileName  string
	MIMEType  string
}

// Target is where the bytes of one clip go.
type Target struct {
	// PutURL accepts the bytes with an HTTP PUT.
	PutURL string

	// ObjectKey is the opaque storage reference recorded on the clip.
	ObjectKey string
}

// Storage is the remote object storage collaborator.
type Storage interface {
	// RequestUploadTarget reserves an object for req.
	RequestUploadTarget(ctx context.Context, req TargetRequest) (Target, error)

	// Transfer sends blob to putURL.
	Transfer(ctx context.Context, putURL string, blob audio.Blob) error
}

// Recorder receives the storage reference of each successful upload.
// [protocol.Protocol] implements it.
type Recorder interface {
	MarkUploaded(sessionID, clipID, objectKey string) error
}

// UploadError reports a failed upload. It is always retryable.
type UploadError struct {
	SessionID string
	FileName  string
	Err       error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload: %s: %v", e.FileName, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Failure is the pending retry target.
type Failure struct {
	Clip     protocol.Clip
	Err      error
	Attempts int
	At       time.Time
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithMetrics overrides the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline uploads clips sequentially and tracks the last failure.
type Pipeline struct {
	store   Storage
	rec     Recorder
	metrics *observe.Metrics

	// opMu keeps uploads strictly sequential.
	opMu sync.Mutex

	mu      sync.Mutex
	pending *Failure
	gen     uint64
}

// New returns a Pipeline uploading to store and reporting to rec.
func New(store Storage, rec Recorder, opts ...Option) *Pipeline {
	p := &Pipeline{store: store, rec: rec}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Upload transfers clip and records its object key. Clips that already
// carry a key are skipped. On failure the clip becomes the pending retry
// target and an *[UploadError] is returned.
func (p *Pipeline) Upload(ctx context.Context, clip protocol.Clip) error {
	if clip.Uploaded() {
		return nil
	}
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	gen := p.gen
	p.mu.Unlock()

	return p.attempt(ctx, gen, clip, 1, false)
}

// RetryLastUpload re-requests a target and re-transfers the clip of the
// pending failure. On success the failure is cleared.
func (p *Pipeline) RetryLastUpload(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	f := p.pending
	gen := p.gen
	p.mu.Unlock()
	if f == nil {
		return ErrNothingToRetry
	}
	return p.attempt(ctx, gen, f.Clip, f.Attempts+1, true)
}

// PendingFailure returns a copy of the pending failure, if any.
func (p *Pipeline) PendingFailure() (Failure, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return Failure{}, false
	}
	return *p.pending, true
}

// Reset drops the pending failure and its bytes. An upload still in flight
// will not record a failure afterwards.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	p.pending = nil
}

func (p *Pipeline) attempt(ctx context.Context, gen uint64, clip protocol.Clip, attempts int, retry bool) error {
	start := time.Now()
	key, err := p.transfer(ctx, clip)
	p.metrics.UploadDuration.Record(ctx, time.Since(start).Seconds())

	log := observe.Logger(ctx).With("session_id", clip.SessionID, "file", clip.FileName, "attempt", attempts)
	if err != nil {
		p.metrics.RecordUpload(ctx, "error", retry)
		uerr := &UploadError{SessionID: clip.SessionID, FileName: clip.FileName, Err: err}

		p.mu.Lock()
		if gen == p.gen {
			if prev := p.pending; prev != nil && prev.Clip.ID != clip.ID {
				log.Warn("upload: superseding earlier failed upload", "superseded", prev.Clip.FileName)
			}
			p.pending = &Failure{Clip: clip, Err: uerr, Attempts: attempts, At: time.Now()}
		}
		p.mu.Unlock()

		log.Warn("upload: failed", "err", err)
		return uerr
	}
	p.metrics.RecordUpload(ctx, "ok", retry)

	p.mu.Lock()
	if p.pending != nil && p.pending.Clip.ID == clip.ID {
		p.pending = nil
	}
	p.mu.Unlock()

	if err := p.rec.MarkUploaded(clip.SessionID, clip.ID, key); err != nil {
		if errors.Is(err, protocol.ErrStaleSession) {
			log.Debug("upload: finished after session restart", "object_key", key)
			return nil
		}
		return fmt.Errorf("upload: record %s: %w", clip.FileName, err)
	}
	log.Info("upload: stored", "object_key", key)
	return nil
}

func (p *Pipeline) transfer(ctx context.Context, clip protocol.Clip) (string, error) {
	target, err := p.store.RequestUploadTarget(ctx, TargetRequest{
		SessionID: clip.SessionID,
		StageID:   clip.StageID,
		FileName:  clip.FileName,
		MIMEType:  clip.Audio.MIMEType,
	})
	if err != nil {
		return "", fmt.Errorf("request target: %w", err)
	}
	if err := p.store.Transfer(ctx, target.PutURL, clip.Audio); err != nil {
		return "", fmt.Errorf("transfer: %w", err)
	}
	return target.ObjectKey, nil
}
