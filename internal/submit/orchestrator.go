// Package submit drives one upload attempt from a resolved upload context
// to a committed profile: ensure a session, stage the payload, commit.
package submit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/Boe-Ventures/swipestats.io-sub000/internal/blob"
	"github.com/Boe-Ventures/swipestats.io-sub000/internal/consent"
	"github.com/Boe-Ventures/swipestats.io-sub000/internal/export"
	"github.com/Boe-Ventures/swipestats.io-sub000/internal/resolve"
)

type SessionService interface {
	CurrentSession() resolve.Session
	EnsureAnonymousSession(ctx context.Context) (resolve.Session, error)
}

type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// Committer performs the server-side write. Each call returns the account id
// of the resulting profile.
type Committer interface {
	CreateProfile(ctx context.Context, req CommitRequest) (string, error)
	UpdateProfile(ctx context.Context, req CommitRequest) (string, error)
	MergeProfile(ctx context.Context, req CommitRequest) (string, error)
}

// CommitRequest points the server at a staged payload.
type CommitRequest struct {
	Provider    export.Provider `json:"provider"`
	AccountID   string          `json:"accountId"`
	BlobURL     string          `json:"blobUrl"`
	Timezone    string          `json:"timezone,omitempty"`
	Country     string          `json:"country,omitempty"`
	SharePhotos bool            `json:"sharePhotos"`
	ShareWork   bool            `json:"shareWork"`
}

// Options carries uploader metadata that is not part of the payload.
type Options struct {
	Timezone     string
	Country      string
	BrokenPhotos []string
}

type Orchestrator struct {
	sessions SessionService
	blobs    BlobStore
	commits  Committer
	logger   *zap.Logger
	now      func() time.Time
}

func New(sessions SessionService, blobs BlobStore, commits Committer, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		sessions: sessions,
		blobs:    blobs,
		commits:  commits,
		logger:   logger,
		now:      time.Now,
	}
}

// Attempt is one upload of one payload. Its staged blob URL survives failed
// commits so a retry does not upload again.
type Attempt struct {
	orch    *Orchestrator
	upload  export.Result
	consent consent.State
	opts    Options

	busy    atomic.Bool
	blobURL string
}

func (o *Orchestrator) NewAttempt(upload export.Result, c consent.State, opts Options) *Attempt {
	return &Attempt{orch: o, upload: upload, consent: c, opts: opts}
}

// StagedURL is the cached blob URL, empty until a stage succeeds.
func (a *Attempt) StagedURL() string {
	return a.blobURL
}

// Submit runs the attempt against uctx and returns the committed account id.
// Gating errors are returned before any network call. A second call while one
// is running fails with ErrInProgress.
func (a *Attempt) Submit(ctx context.Context, uctx resolve.Context) (string, error) {
	if !a.busy.CompareAndSwap(false, true) {
		return "", ErrInProgress
	}
	defer a.busy.Store(false)

	payload := a.upload.Payload
	if !a.consent.Terms {
		return "", consent.ErrTermsNotAccepted
	}
	if uctx.AccountID != payload.AccountID {
		return "", ErrStaleContext
	}
	if err := resolve.Gate(uctx, a.upload.Facts); err != nil {
		return "", err
	}
	op, ok := resolve.Route(uctx.Scenario)
	if !ok {
		panic(fmt.Sprintf("submit: scenario %s passed the gate but has no commit route", uctx.Scenario))
	}

	log := a.orch.logger.With(
		zap.String("provider", string(payload.Provider)),
		zap.String("account_id", payload.AccountID),
		zap.Stringer("scenario", uctx.Scenario),
	)

	if a.orch.sessions.CurrentSession().Kind == resolve.SessionNone {
		if _, err := a.orch.sessions.EnsureAnonymousSession(ctx); err != nil {
			log.Warn("anonymous session failed", zap.Error(err))
			return "", &SessionError{Err: err}
		}
	}

	if a.blobURL == "" {
		url, err := a.stage(ctx)
		if err != nil {
			a.blobURL = ""
			log.Warn("blob staging failed", zap.Error(err))
			return "", &SubmissionError{Stage: StageUpload, Err: err}
		}
		a.blobURL = url
		log.Debug("blob staged", zap.String("url", url))
	} else {
		log.Debug("reusing staged blob", zap.String("url", a.blobURL))
	}

	req := CommitRequest{
		Provider:    payload.Provider,
		AccountID:   payload.AccountID,
		BlobURL:     a.blobURL,
		Timezone:    a.opts.Timezone,
		Country:     a.opts.Country,
		SharePhotos: a.consent.Photos,
		ShareWork:   a.consent.Work,
	}

	var (
		accountID string
		err       error
	)
	switch op {
	case resolve.OperationCreate:
		accountID, err = a.orch.commits.CreateProfile(ctx, req)
	case resolve.OperationUpdate:
		accountID, err = a.orch.commits.UpdateProfile(ctx, req)
	case resolve.OperationMerge:
		accountID, err = a.orch.commits.MergeProfile(ctx, req)
	}
	if err != nil {
		log.Warn("commit failed", zap.String("operation", string(op)), zap.Error(err))
		return "", &SubmissionError{Stage: StageCommit, Err: err}
	}

	log.Info("profile committed", zap.String("operation", string(op)))
	return accountID, nil
}

func (a *Attempt) stage(ctx context.Context) (string, error) {
	redacted := consent.Apply(a.upload.Payload, a.consent, a.opts.BrokenPhotos)
	data, err := json.Marshal(redacted)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	key := blob.DataPath(redacted.Provider, redacted.AccountID, a.orch.now())
	return a.orch.blobs.Put(ctx, key, data)
}
