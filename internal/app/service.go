package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/Boe-Ventures/swipestats.io-sub000/internal/auth"
	"github.com/Boe-Ventures/swipestats.io-sub000/internal/authpw"
	"github.com/Boe-Ventures/swipestats.io-sub000/internal/blob"
	"github.com/Boe-Ventures/swipestats.io-sub000/internal/config"
	"github.com/Boe-Ventures/swipestats.io-sub000/internal/export"
	"github.com/Boe-Ventures/swipestats.io-sub000/internal/metrics"
	"github.com/Boe-Ventures/swipestats.io-sub000/internal/resolve"
	"github.com/Boe-Ventures/swipestats.io-sub000/internal/session"
	"github.com/Boe-Ventures/swipestats.io-sub000/internal/store"
	"github.com/Boe-Ventures/swipestats.io-sub000/internal/submit"
	"github.com/Boe-Ventures/swipestats.io-sub000/internal/util"
)

type Session struct {
	Token     string
	UserID    string
	Anonymous bool
	JTI       string
	ExpiresAt time.Time
}

// Resolver returns the session as the resolver sees it. A zero Session has no
// identity.
func (s Session) Resolver() resolve.Session {
	switch {
	case s.UserID == "":
		return resolve.Session{}
	case s.Anonymous:
		return resolve.AnonymousSession(s.UserID)
	default:
		return resolve.RealSession(s.UserID)
	}
}

type dataStore interface {
	resolve.ProfileReader
	Ping(context.Context) error
	CreateUser(context.Context, store.User) error
	TouchUser(context.Context, string) error
	CreateProfile(context.Context, store.ProfileWrite) error
	UpdateProfile(context.Context, store.ProfileWrite) error
	MergeProfile(context.Context, store.ProfileWrite) (string, error)
	ListUsage(context.Context, export.Provider, string) ([]export.UsageDay, error)
	ListUploads(context.Context, export.Provider, string) ([]store.Upload, error)
	DeleteProfile(context.Context, export.Provider, string, string) error
}

type sessionStore interface {
	Save(context.Context, string, session.Data, time.Time) error
	Lookup(context.Context, string) (session.Data, error)
	Revoke(context.Context, string) error
	Ping(context.Context) error
}

type blobStore interface {
	PresignPut(context.Context, string, time.Duration) (string, string, error)
	GetURL(context.Context, string) ([]byte, error)
}

type passwordAuth interface {
	SignUp(context.Context, authpw.SignUpRequest) (store.User, error)
	SignIn(context.Context, authpw.SignInRequest) (store.User, error)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	blobs     blobStore
	passwords passwordAuth
	resolver  *resolve.Resolver
	metrics   metrics.Recorder
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(cfg config.Config, st dataStore, sessions sessionStore, blobs blobStore, passwords passwordAuth, rec metrics.Recorder, logger *zap.Logger) *Service {
	if rec == nil {
		rec = metrics.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:       cfg,
		store:     st,
		sessions:  sessions,
		blobs:     blobs,
		passwords: passwords,
		resolver:  resolve.NewResolver(st),
		metrics:   rec,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := s.sessions.Ping(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

func (s *Service) issueSession(ctx context.Context, userID string, anonymous bool) (Session, error) {
	now := s.now()
	jti := util.NewID("ses")
	expiresAt := now.Add(s.cfg.SessionTTL)

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:       userID,
		Anonymous: anonymous,
		JTI:       jti,
		Exp:       expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.Save(ctx, jti, session.Data{UserID: userID, Anonymous: anonymous, CreatedAt: now}, expiresAt); err != nil {
		return Session{}, err
	}
	return Session{Token: token, UserID: userID, Anonymous: anonymous, JTI: jti, ExpiresAt: expiresAt}, nil
}

// CreateAnonymousSession creates a user without credentials and a session for it.
func (s *Service) CreateAnonymousSession(ctx context.Context) (Session, error) {
	user := store.User{ID: util.NewID("usr"), IsAnonymous: true}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return Session{}, err
	}
	s.logger.Info("anonymous session created", zap.String("user_id", user.ID))
	return s.issueSession(ctx, user.ID, true)
}

// SignUp registers an account. When current is anonymous its user is upgraded
// and the anonymous session is revoked.
func (s *Service) SignUp(ctx context.Context, email, password string, current Session) (Session, error) {
	req := authpw.SignUpRequest{Email: email, Password: password}
	if current.Anonymous {
		req.AnonymousUserID = current.UserID
	}
	user, err := s.passwords.SignUp(ctx, req)
	if err != nil {
		return Session{}, mapAuthError(err)
	}
	if current.JTI != "" {
		if err := s.sessions.Revoke(ctx, current.JTI); err != nil {
			s.logger.Warn("revoke session after sign up", zap.Error(err))
		}
	}
	return s.issueSession(ctx, user.ID, false)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, authpw.SignInRequest{Email: email, Password: password})
	if err != nil {
		return Session{}, mapAuthError(err)
	}
	return s.issueSession(ctx, user.ID, false)
}

func mapAuthError(err error) error {
	switch {
	case errors.Is(err, authpw.ErrEmailTaken):
		return domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
	case errors.Is(err, authpw.ErrInvalidInput):
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	default:
		return err
	}
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	data, err := s.sessions.Lookup(ctx, claims.JTI)
	if errors.Is(err, session.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	if data.UserID != claims.Sub {
		return Session{}, auth.ErrInvalidToken
	}
	if err := s.store.TouchUser(ctx, claims.Sub); err != nil {
		s.logger.Warn("touch user", zap.String("user_id", claims.Sub), zap.Error(err))
	}

	return Session{
		Token:     token,
		UserID:    claims.Sub,
		Anonymous: data.Anonymous,
		JTI:       claims.JTI,
		ExpiresAt: claims.ExpiresAt(),
	}, nil
}

func (s *Service) Logout(ctx context.Context, current Session) error {
	if current.JTI == "" {
		return nil
	}
	return s.sessions.Revoke(ctx, current.JTI)
}

// UploadContext answers the resolver query for the caller's session.
func (s *Service) UploadContext(ctx context.Context, req resolve.Request, current Session) (resolve.Context, error) {
	uctx, err := s.resolver.Resolve(ctx, req, current.Resolver())
	if err != nil {
		if errors.Is(err, export.ErrUnknownProvider) {
			return resolve.Context{}, domainError(http.StatusUnprocessableEntity, "UNKNOWN_PROVIDER", "Unknown provider", nil)
		}
		s.logger.Error("resolve upload context", zap.Error(err))
		return resolve.Context{}, domainError(http.StatusServiceUnavailable, "CONTEXT_UNAVAILABLE", "Upload context unavailable", nil)
	}
	s.metrics.IncScenario(string(req.Provider), uctx.Scenario.String())
	return uctx, nil
}

// PresignedUpload is where a client PUTs a staged payload and the URL that
// names it in later commits.
type PresignedUpload struct {
	UploadURL string `json:"uploadUrl"`
	URL       string `json:"url"`
}

// PresignUpload authorizes staging one payload under key. Keys must follow
// the staging path convention.
func (s *Service) PresignUpload(ctx context.Context, current Session, key string) (PresignedUpload, error) {
	if current.UserID == "" {
		return PresignedUpload{}, unauthorized()
	}
	if !validStagingKey(key) {
		return PresignedUpload{}, domainError(http.StatusUnprocessableEntity, "INVALID_BLOB_PATH", "Blob path must be {provider}-data/{accountId}/{date}/data.json", nil)
	}
	uploadURL, url, err := s.blobs.PresignPut(ctx, key, s.cfg.Blob.PresignTTL)
	if err != nil {
		return PresignedUpload{}, err
	}
	return PresignedUpload{UploadURL: uploadURL, URL: url}, nil
}

func validStagingKey(key string) bool {
	parts := strings.Split(key, "/")
	if len(parts) != 4 || parts[1] == "" || parts[3] != "data.json" {
		return false
	}
	prefix, ok := strings.CutSuffix(parts[0], "-data")
	if !ok {
		return false
	}
	if _, err := export.ParseProvider(prefix); err != nil {
		return false
	}
	_, err := time.Parse(time.DateOnly, parts[2])
	return err == nil
}

type CommitResult struct {
	AccountID  string `json:"accountId"`
	MergedFrom string `json:"mergedFrom,omitempty"`
}

// Commit performs one write from a staged payload. The payload is downloaded
// and re-derived, and the scenario is recomputed against stored data, so a
// client cannot commit under an account id or operation it has no right to.
func (s *Service) Commit(ctx context.Context, op resolve.Operation, current Session, req submit.CommitRequest) (CommitResult, error) {
	result, err := s.commit(ctx, op, current, req)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.IncCommit(string(op), outcome)
	return result, err
}

func (s *Service) commit(ctx context.Context, op resolve.Operation, current Session, req submit.CommitRequest) (CommitResult, error) {
	if current.UserID == "" {
		return CommitResult{}, unauthorized()
	}
	if strings.TrimSpace(req.AccountID) == "" || strings.TrimSpace(req.BlobURL) == "" {
		return CommitResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "accountId and blobUrl are required", nil)
	}

	staged, err := s.loadStaged(ctx, req)
	if err != nil {
		return CommitResult{}, err
	}

	uctx, err := s.resolver.Resolve(ctx, resolve.Request{
		Provider:  req.Provider,
		AccountID: req.AccountID,
		Facts:     staged.Facts,
	}, current.Resolver())
	if err != nil {
		s.logger.Error("resolve for commit", zap.Error(err))
		return CommitResult{}, domainError(http.StatusServiceUnavailable, "CONTEXT_UNAVAILABLE", "Upload context unavailable", nil)
	}
	if err := resolve.Gate(uctx, staged.Facts); err != nil {
		return CommitResult{}, s.blocked(err)
	}
	want, _ := resolve.Route(uctx.Scenario)
	if want != op {
		return CommitResult{}, domainError(http.StatusConflict, "SCENARIO_CHANGED", "Upload context changed, resolve again", map[string]any{
			"scenario":  uctx.Scenario.String(),
			"operation": string(want),
		})
	}

	write := store.ProfileWrite{
		Provider:    req.Provider,
		AccountID:   req.AccountID,
		UserID:      current.UserID,
		Facts:       staged.Facts,
		Usage:       export.DailyUsage(staged.Payload),
		BlobURL:     req.BlobURL,
		Timezone:    req.Timezone,
		Country:     req.Country,
		SharePhotos: req.SharePhotos,
		ShareWork:   req.ShareWork,
	}

	var mergedFrom string
	switch op {
	case resolve.OperationCreate:
		err = s.store.CreateProfile(ctx, write)
	case resolve.OperationUpdate:
		err = s.store.UpdateProfile(ctx, write)
	case resolve.OperationMerge:
		mergedFrom, err = s.store.MergeProfile(ctx, write)
	default:
		return CommitResult{}, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	if err != nil {
		return CommitResult{}, s.mapStoreError(err)
	}

	s.logger.Info("profile committed",
		zap.String("operation", string(op)),
		zap.String("provider", string(req.Provider)),
		zap.String("account_id", req.AccountID),
		zap.String("user_id", current.UserID),
	)
	return CommitResult{AccountID: req.AccountID, MergedFrom: mergedFrom}, nil
}

func (s *Service) loadStaged(ctx context.Context, req submit.CommitRequest) (export.Result, error) {
	data, err := s.blobs.GetURL(ctx, req.BlobURL)
	switch {
	case errors.Is(err, blob.ErrForeignURL), errors.Is(err, blob.ErrInvalidPath):
		return export.Result{}, domainError(http.StatusUnprocessableEntity, "INVALID_BLOB_URL", "blobUrl does not point at a staged upload", nil)
	case errors.Is(err, blob.ErrNotFound):
		return export.Result{}, domainError(http.StatusUnprocessableEntity, "BLOB_NOT_FOUND", "Staged upload not found", nil)
	case err != nil:
		return export.Result{}, fmt.Errorf("download staged payload: %w", err)
	}

	var payload export.Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return export.Result{}, domainError(http.StatusUnprocessableEntity, "INVALID_PAYLOAD", "Staged payload is not valid JSON", nil)
	}
	if payload.Provider != req.Provider {
		return export.Result{}, domainError(http.StatusUnprocessableEntity, "PROVIDER_MISMATCH", "Staged payload is for another provider", nil)
	}
	staged, err := export.Derive(payload)
	if err != nil {
		var verr *export.ValidationError
		if errors.As(err, &verr) {
			return export.Result{}, domainError(http.StatusUnprocessableEntity, "INVALID_PAYLOAD", verr.Error(), map[string]any{"missing": verr.MissingFields})
		}
		return export.Result{}, domainError(http.StatusUnprocessableEntity, "INVALID_PAYLOAD", err.Error(), nil)
	}
	if staged.Payload.AccountID != req.AccountID {
		return export.Result{}, domainError(http.StatusUnprocessableEntity, "ACCOUNT_MISMATCH", "Staged payload belongs to another account", nil)
	}
	return staged, nil
}

func (s *Service) blocked(err error) error {
	var chrono *resolve.ChronologyError
	switch {
	case errors.As(err, &chrono):
		s.metrics.IncBlocked("backward_merge")
		return domainError(http.StatusConflict, "BACKWARD_MERGE", chrono.Error(), nil)
	case errors.Is(err, resolve.ErrIdentityMismatch):
		s.metrics.IncBlocked("identity_mismatch")
		return domainError(http.StatusConflict, "IDENTITY_MISMATCH", "Identity does not match the stored profile", nil)
	case errors.Is(err, resolve.ErrNeedsSignIn):
		s.metrics.IncBlocked("needs_signin")
		return domainError(http.StatusUnauthorized, "NEEDS_SIGNIN", "Sign in to update this profile", nil)
	case errors.Is(err, resolve.ErrOwnedByOther):
		s.metrics.IncBlocked("owned_by_other")
		return domainError(http.StatusForbidden, "OWNED_BY_OTHER", "Profile belongs to another account", nil)
	default:
		s.metrics.IncBlocked("unresolved")
		return domainError(http.StatusServiceUnavailable, "CONTEXT_UNAVAILABLE", "Upload context unavailable", nil)
	}
}

func (s *Service) mapStoreError(err error) error {
	switch {
	case errors.Is(err, store.ErrProfileExists), errors.Is(err, store.ErrProfileNotFound):
		return domainError(http.StatusConflict, "SCENARIO_CHANGED", "Upload context changed, resolve again", nil)
	case errors.Is(err, store.ErrProfileConflict):
		return domainError(http.StatusForbidden, "OWNED_BY_OTHER", "Profile belongs to another account", nil)
	case errors.Is(err, store.ErrBackwardMerge):
		return domainError(http.StatusConflict, "BACKWARD_MERGE", err.Error(), nil)
	default:
		return err
	}
}

type ProfileView struct {
	Provider  export.Provider `json:"provider"`
	AccountID string          `json:"accountId"`
	FirstDay  string          `json:"firstDayOnApp"`
	LastDay   string          `json:"lastDayOnApp"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Usage     []UsageView     `json:"usage"`
	Uploads   []UploadView    `json:"uploads"`
}

type UsageView struct {
	Day              string `json:"day"`
	AppOpens         int    `json:"appOpens"`
	Likes            int    `json:"likes"`
	Passes           int    `json:"passes"`
	Superlikes       int    `json:"superlikes"`
	Matches          int    `json:"matches"`
	MessagesSent     int    `json:"messagesSent"`
	MessagesReceived int    `json:"messagesReceived"`
}

type UploadView struct {
	Operation string    `json:"operation"`
	BlobURL   string    `json:"blobUrl"`
	CreatedAt time.Time `json:"createdAt"`
}

// GetProfile returns a profile owned by the caller. Profiles owned by others
// are reported as missing.
func (s *Service) GetProfile(ctx context.Context, current Session, provider export.Provider, accountID string) (ProfileView, error) {
	if current.UserID == "" {
		return ProfileView{}, unauthorized()
	}
	profile, err := s.store.GetProfile(ctx, provider, accountID)
	if err != nil {
		return ProfileView{}, err
	}
	if profile == nil || profile.UserID != current.UserID {
		return ProfileView{}, notFound()
	}

	usage, err := s.store.ListUsage(ctx, provider, accountID)
	if err != nil {
		return ProfileView{}, err
	}
	uploads, err := s.store.ListUploads(ctx, provider, accountID)
	if err != nil {
		return ProfileView{}, err
	}

	view := ProfileView{
		Provider:  profile.Provider,
		AccountID: profile.AccountID,
		FirstDay:  profile.FirstDayOnApp.Format(time.DateOnly),
		LastDay:   profile.LastDayOnApp.Format(time.DateOnly),
		UpdatedAt: profile.UpdatedAt,
		Usage:     make([]UsageView, 0, len(usage)),
		Uploads:   make([]UploadView, 0, len(uploads)),
	}
	for _, day := range usage {
		view.Usage = append(view.Usage, UsageView{
			Day:              day.Day.Format(time.DateOnly),
			AppOpens:         day.AppOpens,
			Likes:            day.Likes,
			Passes:           day.Passes,
			Superlikes:       day.Superlikes,
			Matches:          day.Matches,
			MessagesSent:     day.MessagesSent,
			MessagesReceived: day.MessagesReceived,
		})
	}
	for _, upload := range uploads {
		view.Uploads = append(view.Uploads, UploadView{Operation: upload.Operation, BlobURL: upload.BlobURL, CreatedAt: upload.CreatedAt})
	}
	return view, nil
}

// DeleteProfile removes a profile owned by the caller, which is how an
// identity mismatch is cleared.
func (s *Service) DeleteProfile(ctx context.Context, current Session, provider export.Provider, accountID string) error {
	if current.UserID == "" {
		return unauthorized()
	}
	err := s.store.DeleteProfile(ctx, provider, accountID, current.UserID)
	if errors.Is(err, store.ErrProfileNotFound) {
		return notFound()
	}
	if err != nil {
		return err
	}
	s.logger.Info("profile deleted", zap.String("provider", string(provider)), zap.String("account_id", accountID))
	return nil
}

func unauthorized() *DomainError {
	return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
}

func notFound() *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}
