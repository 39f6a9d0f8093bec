package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"gorm.io/gorm"

	"github.com/suPer8Hu/acontext-api/internal/common"
	"github.com/suPer8Hu/acontext-api/internal/converter"
	"github.com/suPer8Hu/acontext-api/internal/editing"
	"github.com/suPer8Hu/acontext-api/internal/flush"
	"github.com/suPer8Hu/acontext-api/internal/logging"
	"github.com/suPer8Hu/acontext-api/internal/metrics"
	"github.com/suPer8Hu/acontext-api/internal/models"
	"github.com/suPer8Hu/acontext-api/internal/store/rabbitmq"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 200

	defaultEvalCacheSize = 1024
	defaultEvalCacheTTL  = 10 * time.Minute
)

type Publisher interface {
	Publish(ctx context.Context, ev rabbitmq.Event) error
}

type AssetSaver interface {
	Save(ctx context.Context, projectID, filename, mime string, data []byte) (models.AssetRef, error)
}

type URLSigner interface {
	URL(ref models.AssetRef) string
}

type Flusher interface {
	Flush(ctx context.Context, projectID, sessionID string) (flush.Result, error)
}

type Deps struct {
	Publisher Publisher
	Assets    AssetSaver
	Signer    URLSigner
	Flusher   Flusher
	Counter   editing.CountFunc
	Logger    *slog.Logger
	Metrics   *metrics.Metrics

	// EvalCacheSize and EvalCacheTTL bound the per-session trigger
	// evaluations kept in memory.
	EvalCacheSize int
	EvalCacheTTL  time.Duration
}

type Service struct {
	repo *Repo
	deps Deps
	log  *slog.Logger

	// last trigger evaluation per session, reused while the snapshot is
	// unchanged
	evals *expirable.LRU[string, *editing.Eval]
}

func NewService(repo *Repo, deps Deps) *Service {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	size, ttl := deps.EvalCacheSize, deps.EvalCacheTTL
	if size <= 0 {
		size = defaultEvalCacheSize
	}
	if ttl <= 0 {
		ttl = defaultEvalCacheTTL
	}
	return &Service{
		repo:  repo,
		deps:  deps,
		log:   log.With("component", "chat"),
		evals: expirable.NewLRU[string, *editing.Eval](size, nil, ttl),
	}
}

// Sessions

type CreateSessionInput struct {
	User                *string        `json:"user"`
	SpaceID             *string        `json:"space_id"`
	Configs             map[string]any `json:"configs"`
	DisableTaskTracking bool           `json:"disable_task_tracking"`
}

func (s *Service) CreateSession(ctx context.Context, projectID string, in CreateSessionInput) (*models.Session, error) {
	if err := validateConfigs(in.Configs); err != nil {
		return nil, err
	}
	configs := in.Configs
	if configs == nil {
		configs = map[string]any{}
	}
	sess := &models.Session{
		ID:                  uuid.NewString(),
		ProjectID:           projectID,
		UserID:              nonEmpty(in.User),
		SpaceID:             nonEmpty(in.SpaceID),
		Configs:             configs,
		DisableTaskTracking: in.DisableTaskTracking,
	}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return nil, common.InternalError("create session", err)
	}
	return sess, nil
}

func (s *Service) GetSession(ctx context.Context, projectID, sessionID string) (*models.Session, error) {
	sess, err := s.repo.GetSession(ctx, projectID, sessionID)
	if err != nil {
		return nil, storeErr("session", err)
	}
	return sess, nil
}

func (s *Service) DeleteSession(ctx context.Context, projectID, sessionID string) error {
	if err := s.repo.DeleteSession(ctx, projectID, sessionID); err != nil {
		return storeErr("session", err)
	}
	s.evals.Remove(sessionID)
	return nil
}

func (s *Service) UpdateConfigs(ctx context.Context, projectID, sessionID string, configs map[string]any) (*models.Session, error) {
	if err := validateConfigs(configs); err != nil {
		return nil, err
	}
	if configs == nil {
		configs = map[string]any{}
	}
	if err := s.repo.UpdateSessionConfigs(ctx, projectID, sessionID, configs); err != nil {
		return nil, storeErr("session", err)
	}
	return s.GetSession(ctx, projectID, sessionID)
}

func (s *Service) ConnectToSpace(ctx context.Context, projectID, sessionID, spaceID string) (*models.Session, error) {
	if strings.TrimSpace(spaceID) == "" {
		return nil, common.ValidationError("space_id required", nil)
	}
	if err := s.repo.ConnectToSpace(ctx, projectID, sessionID, spaceID); err != nil {
		return nil, storeErr("session", err)
	}
	return s.GetSession(ctx, projectID, sessionID)
}

// validateConfigs rejects editing settings that would fail on every read.
func validateConfigs(configs map[string]any) error {
	if _, err := editing.ParseTrigger(configs); err != nil {
		return err
	}
	if _, err := editing.ParseStrategies(configs); err != nil {
		return err
	}
	return nil
}

// Messages

// Upload is a file field of a multipart store request.
type Upload struct {
	Filename string
	MIME     string
	Data     []byte
}

type StoreMessageInput struct {
	SessionID string
	Format    string
	Blob      json.RawMessage
	Files     map[string]Upload
	// KeepThinking stores provider thinking blocks instead of dropping them.
	KeepThinking bool
}

// StoreMessage validates, persists and announces one message. When the
// message is stored but the event cannot be published, the stored message
// is returned together with a DownstreamError.
func (s *Service) StoreMessage(ctx context.Context, projectID string, in StoreMessageInput) (*models.Message, error) {
	format, err := converter.ParseFormat(in.Format)
	if err != nil {
		return nil, err
	}
	if len(in.Blob) == 0 {
		return nil, common.ValidationError("blob required", nil)
	}
	msg, err := converter.Decode(format, in.Blob, converter.DecodeOptions{KeepThinking: in.KeepThinking})
	if err != nil {
		return nil, err
	}

	sess, err := s.GetSession(ctx, projectID, in.SessionID)
	if err != nil {
		return nil, err
	}

	parts, err := s.materializeFiles(ctx, projectID, msg.Parts, in.Files)
	if err != nil {
		return nil, err
	}

	m := &models.Message{
		ID:            uuid.NewString(),
		SessionID:     sess.ID,
		ProjectID:     projectID,
		Role:          msg.Role,
		Parts:         parts,
		Meta:          msg.Meta,
		ProcessStatus: models.StatusUnobserved,
	}
	if err := s.repo.AppendMessage(ctx, m); err != nil {
		return nil, common.InternalError("store message", err)
	}
	s.deps.Metrics.MessageStored(string(format))

	if sess.DisableTaskTracking || s.deps.Publisher == nil {
		return m, nil
	}
	ev, err := rabbitmq.NewEvent(projectID, sess.ID, m.ID, rabbitmq.ReasonNewMessage)
	if err != nil {
		return m, common.InternalError("build queue event", err)
	}
	if err := s.deps.Publisher.Publish(ctx, ev); err != nil {
		logging.FromContext(ctx, s.log).WarnContext(ctx, "message stored but not announced",
			"session_id", sess.ID, "message_id", m.ID, "err", err)
		return m, common.DownstreamError("message stored, notification not published", err)
	}
	return m, nil
}

// materializeFiles turns uploaded and inline file parts into asset parts.
// URL-only file parts are kept as references.
func (s *Service) materializeFiles(ctx context.Context, projectID string, parts []models.Part, files map[string]Upload) ([]models.Part, error) {
	out := make([]models.Part, 0, len(parts))
	for i, p := range parts {
		if p.Type != models.PartFile || p.File == nil {
			out = append(out, p)
			continue
		}

		var up Upload
		switch {
		case p.File.FileField != "":
			f, ok := files[p.File.FileField]
			if !ok {
				return nil, common.ValidationError(fmt.Sprintf("part %d: file field %q not uploaded", i, p.File.FileField), nil)
			}
			up = f
		case len(p.File.Data) > 0:
			up = Upload{Filename: p.File.Filename, MIME: p.File.MIME, Data: p.File.Data}
		default:
			out = append(out, p)
			continue
		}

		if s.deps.Assets == nil {
			return nil, common.ValidationError("file uploads are not enabled", nil)
		}
		if up.Filename == "" {
			up.Filename = p.File.Filename
		}
		ref, err := s.deps.Assets.Save(ctx, projectID, up.Filename, up.MIME, up.Data)
		if err != nil {
			return nil, common.InternalError("save asset", err)
		}
		out = append(out, models.Part{Type: models.PartAsset, Asset: &ref, Meta: p.Meta})
	}
	return out, nil
}

type GetMessagesInput struct {
	SessionID          string
	Limit              int
	Cursor             string
	Format             string
	TimeDesc           bool
	WithAssetPublicURL bool
}

type MessagesPage struct {
	Items          any               `json:"items"`
	NextCursor     string            `json:"next_cursor"`
	HasMore        bool              `json:"has_more"`
	PublicURLs     map[string]string `json:"public_urls,omitempty"`
	Edited         bool              `json:"edited"`
	ThisTimeTokens *int              `json:"this_time_tokens,omitempty"`
}

// GetMessages reads one page. next_cursor always points after the last
// stored message returned, so editing never shifts pagination.
func (s *Service) GetMessages(ctx context.Context, projectID string, in GetMessagesInput) (*MessagesPage, error) {
	format, err := converter.ParseFormat(in.Format)
	if err != nil {
		return nil, err
	}
	limit := in.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	afterSeq, hasCursor, err := DecodeCursor(in.Cursor)
	if err != nil {
		return nil, err
	}

	sess, err := s.GetSession(ctx, projectID, in.SessionID)
	if err != nil {
		return nil, err
	}

	rows, err := s.repo.ListMessagesPage(ctx, PageQuery{
		SessionID: sess.ID,
		AfterSeq:  afterSeq,
		HasCursor: hasCursor,
		Limit:     limit,
		Desc:      in.TimeDesc,
	})
	if err != nil {
		return nil, common.InternalError("list messages", err)
	}

	page := &MessagesPage{NextCursor: in.Cursor}
	if len(rows) > limit {
		rows = rows[:limit]
		page.HasMore = true
	}
	if len(rows) > 0 {
		page.NextCursor = EncodeCursor(rows[len(rows)-1].Seq)
	}

	items, edited, tokens, err := s.applyEditing(ctx, sess, rows, in.TimeDesc)
	if err != nil {
		return nil, err
	}
	page.Edited = edited
	page.ThisTimeTokens = tokens

	if format == converter.FormatNative {
		page.Items = items
		if in.WithAssetPublicURL {
			page.PublicURLs = s.publicURLs(items)
		}
		return page, nil
	}

	opts := converter.EncodeOptions{}
	if s.deps.Signer != nil {
		opts.AssetURL = s.deps.Signer.URL
	}
	encoded := make([]json.RawMessage, 0, len(items))
	for _, m := range items {
		out, err := converter.Encode(converter.FromModel(m), format, opts)
		if err != nil {
			return nil, common.InternalError("encode message", err)
		}
		encoded = append(encoded, out...)
	}
	page.Items = encoded
	return page, nil
}

// applyEditing evaluates the session trigger against the page and, when
// it fires, runs the configured strategies in chronological order.
func (s *Service) applyEditing(ctx context.Context, sess *models.Session, rows []models.Message, desc bool) ([]models.Message, bool, *int, error) {
	trigger, err := editing.ParseTrigger(sess.Configs)
	if err != nil {
		return nil, false, nil, err
	}
	checks := editing.BuildChecks(trigger)
	if len(checks) == 0 || len(rows) == 0 || s.deps.Counter == nil {
		return rows, false, nil, nil
	}

	chrono := rows
	if desc {
		chrono = reversed(rows)
	}

	eval := s.evalFor(sess.ID, chrono)
	fire, err := editing.Fire(ctx, checks, eval)
	if err != nil {
		return nil, false, nil, common.InternalError("evaluate editing trigger", err)
	}
	tokens, err := eval.Tokens(ctx)
	if err != nil {
		return nil, false, nil, common.InternalError("count tokens", err)
	}
	if !fire {
		return rows, false, &tokens, nil
	}

	strategies, err := editing.ParseStrategies(sess.Configs)
	if err != nil {
		return nil, false, nil, err
	}
	edited, err := editing.Apply(ctx, strategies, chrono, s.deps.Counter)
	if err != nil {
		return nil, false, nil, common.InternalError("apply edit strategies", err)
	}
	if desc {
		edited = reversed(edited)
	}
	return edited, true, &tokens, nil
}

func (s *Service) evalFor(sessionID string, snapshot []models.Message) *editing.Eval {
	if prev, ok := s.evals.Get(sessionID); ok && editing.SameSnapshot(prev.Messages(), snapshot) {
		return prev
	}
	e := editing.NewEval(sessionID, snapshot, s.deps.Counter)
	s.evals.Add(sessionID, e)
	return e
}

func (s *Service) publicURLs(msgs []models.Message) map[string]string {
	out := map[string]string{}
	if s.deps.Signer == nil {
		return out
	}
	for _, m := range msgs {
		for _, p := range m.Parts {
			if p.Type == models.PartAsset && p.Asset != nil {
				if _, seen := out[p.Asset.Key]; !seen {
					out[p.Asset.Key] = s.deps.Signer.URL(*p.Asset)
				}
			}
		}
	}
	return out
}

func (s *Service) UpdateMessageMeta(ctx context.Context, projectID, sessionID, messageID string, meta map[string]any) (*models.Message, error) {
	if meta == nil {
		return nil, common.ValidationError("meta required", nil)
	}
	if _, err := s.GetSession(ctx, projectID, sessionID); err != nil {
		return nil, err
	}
	m, err := s.repo.MergeMessageMeta(ctx, sessionID, messageID, meta)
	if err != nil {
		return nil, storeErr("message", err)
	}
	return m, nil
}

// TokenCount counts every message of the session.
func (s *Service) TokenCount(ctx context.Context, projectID, sessionID string) (int, error) {
	if _, err := s.GetSession(ctx, projectID, sessionID); err != nil {
		return 0, err
	}
	if s.deps.Counter == nil {
		return 0, common.InternalError("token counter not configured", nil)
	}
	msgs, err := s.repo.ListAllMessages(ctx, sessionID)
	if err != nil {
		return 0, common.InternalError("list messages", err)
	}
	n, err := s.deps.Counter(ctx, msgs)
	if err != nil {
		return 0, common.InternalError("count tokens", err)
	}
	return n, nil
}

func (s *Service) ListTasks(ctx context.Context, projectID, sessionID string) ([]models.Task, error) {
	if _, err := s.GetSession(ctx, projectID, sessionID); err != nil {
		return nil, err
	}
	tasks, err := s.repo.ListTasks(ctx, sessionID)
	if err != nil {
		return nil, common.InternalError("list tasks", err)
	}
	return tasks, nil
}

// Flush forwards to the extraction consumer for a session of projectID.
func (s *Service) Flush(ctx context.Context, projectID, sessionID string) (flush.Result, error) {
	if _, err := s.GetSession(ctx, projectID, sessionID); err != nil {
		return flush.Result{}, err
	}
	if s.deps.Flusher == nil {
		return flush.Result{}, common.DownstreamError("extraction consumer not configured", nil)
	}
	return s.deps.Flusher.Flush(ctx, projectID, sessionID)
}

func storeErr(what string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return common.NotFound(what + " not found")
	}
	return common.InternalError(what, err)
}

func nonEmpty(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	return s
}

func reversed(in []models.Message) []models.Message {
	out := make([]models.Message, len(in))
	for i, m := range in {
		out[len(in)-1-i] = m
	}
	return out
}
