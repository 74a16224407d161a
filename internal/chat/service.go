package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/suPer8Hu/shopchat/internal/ai"
	"github.com/suPer8Hu/shopchat/internal/common"
	"github.com/suPer8Hu/shopchat/internal/store/redisstore"
)

// MessageCache mirrors recent session messages; *redisstore.Store implements it.
type MessageCache interface {
	AppendMessage(ctx context.Context, sessionID string, m redisstore.CachedMessage) (bool, error)
	GetMessages(ctx context.Context, sessionID string) ([]redisstore.CachedMessage, error)
	SeedMessages(ctx context.Context, sessionID string, msgs []redisstore.CachedMessage) error
	DeleteMessages(ctx context.Context, sessionID string) error
}

type Options struct {
	ContextWindowSize int
	SystemPrompt      string
	DefaultProvider   string
	DefaultModel      func(provider string) string
}

type Service struct {
	repo     *Repo
	registry *ai.Registry
	cache    MessageCache
	log      logrus.FieldLogger
	opts     Options
}

const (
	SessionMessagesLimit = 50
	maxSessionPageSize   = 20
	maxMessagePageSize   = 50
)

func NewService(repo *Repo, registry *ai.Registry, cache MessageCache, log logrus.FieldLogger, opts Options) *Service {
	if opts.ContextWindowSize <= 0 || opts.ContextWindowSize > 100 {
		opts.ContextWindowSize = 20
	}
	if opts.DefaultProvider == "" {
		opts.DefaultProvider = registry.Default()
	}
	if opts.DefaultModel == nil {
		opts.DefaultModel = func(string) string { return "" }
	}
	return &Service{repo: repo, registry: registry, cache: cache, log: log, opts: opts}
}

var ErrEmptyContent = fmt.Errorf("%w: content is required", common.ErrInvalidInput)

func sessionNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("session %w", common.ErrNotFound)
	}
	return err
}

func messageNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("message %w", common.ErrNotFound)
	}
	return err
}

// ---- sessions ----

func (s *Service) CreateSession(ctx context.Context, userID uint64, title, provider, model string) (*Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle
	}
	if len(title) > 100 {
		return nil, fmt.Errorf("%w: title too long", common.ErrInvalidInput)
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		provider = s.opts.DefaultProvider
	}
	if _, err := s.registry.Get(ctx, provider, model); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidInput, err)
	}
	if model == "" {
		model = s.opts.DefaultModel(provider)
	}

	sid, err := NewSessionID()
	if err != nil {
		return nil, err
	}
	session := &Session{
		SessionID: sid,
		UserID:    userID,
		Title:     title,
		Provider:  provider,
		Model:     model,
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// OwnedSession returns the live session if it belongs to userID. Foreign
// sessions are reported as not found.
func (s *Service) OwnedSession(ctx context.Context, userID uint64, sessionID string) (*Session, error) {
	sess, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		return nil, sessionNotFound(err)
	}
	if sess.UserID != userID {
		return nil, fmt.Errorf("session %w", common.ErrNotFound)
	}
	return sess, nil
}

// GetSession returns the session with its first SessionMessagesLimit messages.
func (s *Service) GetSession(ctx context.Context, userID uint64, sessionID string) (*Session, []Message, error) {
	sess, err := s.OwnedSession(ctx, userID, sessionID)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := s.repo.ListMessagesPage(ctx, sessionID, 0, SessionMessagesLimit)
	if err != nil {
		return nil, nil, err
	}
	return sess, msgs, nil
}

func (s *Service) ListSessions(ctx context.Context, userID uint64, page, pageSize int) ([]Session, common.Pagination, error) {
	page, pageSize = common.ClampPage(page, pageSize, 10, maxSessionPageSize)
	items, total, err := s.repo.ListSessions(ctx, userID, common.Offset(page, pageSize), pageSize)
	if err != nil {
		return nil, common.Pagination{}, err
	}
	return items, common.NewPagination(total, page, pageSize), nil
}

func (s *Service) RenameSession(ctx context.Context, userID uint64, sessionID, title string) (*Session, error) {
	title = strings.TrimSpace(title)
	if title == "" || len(title) > 100 {
		return nil, fmt.Errorf("%w: title must be 1-100 characters", common.ErrInvalidInput)
	}
	if _, err := s.OwnedSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	if _, err := s.repo.UpdateSessionTitle(ctx, sessionID, title); err != nil {
		return nil, err
	}
	return s.OwnedSession(ctx, userID, sessionID)
}

func (s *Service) DeleteSession(ctx context.Context, userID uint64, sessionID string) error {
	if _, err := s.OwnedSession(ctx, userID, sessionID); err != nil {
		return err
	}
	if _, err := s.repo.SoftDeleteSession(ctx, sessionID); err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.DeleteMessages(ctx, sessionID); err != nil {
			s.log.WithError(err).WithField("session_id", sessionID).Warn("drop message cache failed")
		}
	}
	return nil
}

// ---- messages ----

func (s *Service) cacheAppend(ctx context.Context, m *Message) {
	if s.cache == nil {
		return
	}
	ok, err := s.cache.AppendMessage(ctx, m.SessionID, redisstore.CachedMessage{
		Role:      m.Role,
		Content:   m.Content,
		Timestamp: m.CreatedAt,
	})
	if err != nil {
		s.log.WithError(err).WithField("session_id", m.SessionID).Warn("cache message failed")
		return
	}
	if !ok {
		// no list yet: the db window already contains m
		if _, err := s.reseed(ctx, m.SessionID); err != nil {
			s.log.WithError(err).WithField("session_id", m.SessionID).Warn("seed message cache failed")
		}
	}
}

// SaveMessage persists one message in sess and mirrors it to the cache.
func (s *Service) SaveMessage(ctx context.Context, sess *Session, role, content string, streamID *string) (*Message, error) {
	if !ValidRole(role) {
		return nil, fmt.Errorf("%w: invalid role %q", common.ErrInvalidInput, role)
	}
	m := &Message{
		SessionID: sess.SessionID,
		UserID:    sess.UserID,
		Role:      role,
		Content:   content,
		StreamID:  streamID,
	}
	if err := s.repo.InsertMessage(ctx, m); err != nil {
		return nil, err
	}
	s.cacheAppend(ctx, m)
	return m, nil
}

func (s *Service) CreateMessage(ctx context.Context, userID uint64, sessionID, role, content string) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	if role == "" {
		role = RoleUser
	}
	sess, err := s.OwnedSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	return s.SaveMessage(ctx, sess, role, content, nil)
}

func (s *Service) GetMessage(ctx context.Context, userID uint64, sessionID string, messageID uint64) (*Message, error) {
	if _, err := s.OwnedSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	m, err := s.repo.GetMessage(ctx, sessionID, messageID)
	return m, messageNotFound(err)
}

func (s *Service) ListMessages(ctx context.Context, userID uint64, sessionID string, page, pageSize int) ([]Message, common.Pagination, error) {
	if _, err := s.OwnedSession(ctx, userID, sessionID); err != nil {
		return nil, common.Pagination{}, err
	}
	page, pageSize = common.ClampPage(page, pageSize, 20, maxMessagePageSize)
	total, err := s.repo.CountMessages(ctx, sessionID)
	if err != nil {
		return nil, common.Pagination{}, err
	}
	msgs, err := s.repo.ListMessagesPage(ctx, sessionID, common.Offset(page, pageSize), pageSize)
	if err != nil {
		return nil, common.Pagination{}, err
	}
	return msgs, common.NewPagination(total, page, pageSize), nil
}

// ownedMessage loads a live message and checks its session belongs to userID.
func (s *Service) ownedMessage(ctx context.Context, userID, messageID uint64) (*Message, error) {
	m, err := s.repo.GetMessageByID(ctx, messageID)
	if err != nil {
		return nil, messageNotFound(err)
	}
	if _, err := s.OwnedSession(ctx, userID, m.SessionID); err != nil {
		return nil, fmt.Errorf("message %w", common.ErrNotFound)
	}
	return m, nil
}

// EditMessage changes the content of a user-authored message.
func (s *Service) EditMessage(ctx context.Context, userID, messageID uint64, content string) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	m, err := s.ownedMessage(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	if m.Role != RoleUser {
		return nil, fmt.Errorf("only user messages can be edited: %w", common.ErrForbidden)
	}
	if _, err := s.repo.UpdateUserMessageContent(ctx, messageID, content); err != nil {
		return nil, err
	}
	s.invalidate(ctx, m.SessionID)
	m, err = s.repo.GetMessageByID(ctx, messageID)
	return m, messageNotFound(err)
}

func (s *Service) DeleteMessage(ctx context.Context, userID, messageID uint64) error {
	m, err := s.ownedMessage(ctx, userID, messageID)
	if err != nil {
		return err
	}
	ok, err := s.repo.SoftDeleteMessage(ctx, m)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("message %w", common.ErrNotFound)
	}
	s.invalidate(ctx, m.SessionID)
	return nil
}

// invalidate drops the cached list so the next History call reseeds it.
func (s *Service) invalidate(ctx context.Context, sessionID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteMessages(ctx, sessionID); err != nil {
		s.log.WithError(err).WithField("session_id", sessionID).Warn("invalidate message cache failed")
	}
}

// ---- provider context ----

func (s *Service) recentFromDB(ctx context.Context, sessionID string) ([]Message, error) {
	desc, err := s.repo.ListRecentMessagesDesc(ctx, sessionID, s.opts.ContextWindowSize)
	if err != nil {
		return nil, err
	}
	asc := make([]Message, 0, len(desc))
	for i := len(desc) - 1; i >= 0; i-- {
		asc = append(asc, desc[i])
	}
	return asc, nil
}

// History returns the conversation context for sessionID, oldest first. The
// cache is tried first; on a miss or cache error the DB window is used and
// the cache reseeded.
func (s *Service) History(ctx context.Context, sessionID string) ([]ai.Message, error) {
	if s.cache != nil {
		cached, err := s.cache.GetMessages(ctx, sessionID)
		if err == nil && len(cached) > 0 {
			out := make([]ai.Message, 0, len(cached))
			for _, m := range cached {
				out = append(out, ai.Message{Role: m.Role, Content: m.Content})
			}
			return tail(out, s.opts.ContextWindowSize), nil
		}
		if err != nil {
			s.log.WithError(err).WithField("session_id", sessionID).Warn("read message cache failed, using db")
		}
	}

	return s.reseed(ctx, sessionID)
}

// reseed loads the db window and writes it back to the cache.
func (s *Service) reseed(ctx context.Context, sessionID string) ([]ai.Message, error) {
	msgs, err := s.recentFromDB(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]ai.Message, 0, len(msgs))
	seed := make([]redisstore.CachedMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ai.Message{Role: m.Role, Content: m.Content})
		seed = append(seed, redisstore.CachedMessage{Role: m.Role, Content: m.Content, Timestamp: m.CreatedAt})
	}
	if s.cache != nil && len(seed) > 0 {
		if err := s.cache.SeedMessages(ctx, sessionID, seed); err != nil {
			s.log.WithError(err).WithField("session_id", sessionID).Warn("seed message cache failed")
		}
	}
	return out, nil
}

func tail(msgs []ai.Message, n int) []ai.Message {
	if n > 0 && len(msgs) > n {
		return msgs[len(msgs)-n:]
	}
	return msgs
}

// BuildContext prepends the system prompt and trims to the context window.
func (s *Service) BuildContext(history []ai.Message) []ai.Message {
	history = tail(history, s.opts.ContextWindowSize)
	out := make([]ai.Message, 0, len(history)+1)
	if p := strings.TrimSpace(s.opts.SystemPrompt); p != "" {
		out = append(out, ai.Message{Role: RoleSystem, Content: p})
	}
	return append(out, history...)
}

func (s *Service) ProviderFor(ctx context.Context, sess *Session) (ai.Provider, error) {
	p := sess.Provider
	if p == "" {
		p = s.opts.DefaultProvider
	}
	return s.registry.Get(ctx, p, sess.Model)
}

func (s *Service) prepare(ctx context.Context, sess *Session) (ai.Provider, []ai.Message, error) {
	provider, err := s.ProviderFor(ctx, sess)
	if err != nil {
		return nil, nil, err
	}
	history, err := s.History(ctx, sess.SessionID)
	if err != nil {
		return nil, nil, err
	}
	return provider, s.BuildContext(history), nil
}

// ---- completions ----

func (s *Service) SendMessage(ctx context.Context, userID uint64, sessionID string, content string) (reply string, assistantMsgID uint64, err error) {
	if strings.TrimSpace(content) == "" {
		return "", 0, ErrEmptyContent
	}
	sess, err := s.OwnedSession(ctx, userID, sessionID)
	if err != nil {
		return "", 0, err
	}
	if _, err := s.SaveMessage(ctx, sess, RoleUser, content, nil); err != nil {
		return "", 0, err
	}
	provider, msgs, err := s.prepare(ctx, sess)
	if err != nil {
		return "", 0, err
	}

	reply, err = provider.Chat(ctx, msgs)
	if err != nil {
		return "", 0, err
	}
	m, err := s.SaveMessage(ctx, sess, RoleAssistant, reply, nil)
	if err != nil {
		return "", 0, err
	}
	return reply, m.ID, nil
}

// SendMessageStream stores the user message immediately, streams assistant chunks,
// and finally stores the assistant message after streaming completes.
func (s *Service) SendMessageStream(ctx context.Context, userID uint64, sessionID string, content string) (chunks <-chan string, done <-chan struct{}, assistantMsgID <-chan uint64, errs <-chan error) {
	outChunks := make(chan string, 16)
	outDone := make(chan struct{})
	outMsgID := make(chan uint64, 1)
	outErrs := make(chan error, 1)

	go func() {
		defer close(outDone)
		defer close(outMsgID)
		defer close(outErrs)
		defer close(outChunks)

		if strings.TrimSpace(content) == "" {
			outErrs <- ErrEmptyContent
			return
		}
		sess, err := s.OwnedSession(ctx, userID, sessionID)
		if err != nil {
			outErrs <- err
			return
		}
		if _, err := s.SaveMessage(ctx, sess, RoleUser, content, nil); err != nil {
			outErrs <- err
			return
		}
		provider, msgs, err := s.prepare(ctx, sess)
		if err != nil {
			outErrs <- err
			return
		}

		pChunks, pErrs := ai.Stream(ctx, provider, msgs)
		reply, err := ai.Drain(pChunks, pErrs, func(c string) {
			select {
			case outChunks <- c:
			case <-ctx.Done():
			}
		})
		if err != nil {
			outErrs <- err
			return
		}

		m, err := s.SaveMessage(ctx, sess, RoleAssistant, reply, nil)
		if err != nil {
			outErrs <- err
			return
		}
		outMsgID <- m.ID
	}()

	return outChunks, outDone, outMsgID, outErrs
}

// ---- async jobs ----

func (s *Service) CreateJob(ctx context.Context, job *Job) error {
	return s.repo.CreateJob(ctx, job)
}

// GetJob hides jobs owned by other users.
func (s *Service) GetJob(ctx context.Context, userID uint64, jobID string) (*Job, error) {
	j, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("job %w", common.ErrNotFound)
		}
		return nil, err
	}
	if j.UserID != userID {
		return nil, fmt.Errorf("job %w", common.ErrNotFound)
	}
	return j, nil
}

func (s *Service) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	return s.repo.CreateJobOrGetExisting(ctx, job)
}

// InsertUserMessageOrGetExisting dedupes on (user, session, key) when key is set.
func (s *Service) InsertUserMessageOrGetExisting(ctx context.Context, userID uint64, sessionID string, content string, key *string) (*Message, bool, error) {
	if strings.TrimSpace(content) == "" {
		return nil, false, ErrEmptyContent
	}
	if _, err := s.OwnedSession(ctx, userID, sessionID); err != nil {
		return nil, false, err
	}
	m, created, err := s.repo.InsertUserMessageOrGetExisting(ctx, userID, sessionID, content, key)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.cacheAppend(ctx, m)
	}
	return m, created, nil
}

// GenerateAssistantReplyAndInsert answers the current session history; used
// by the worker for queued jobs.
func (s *Service) GenerateAssistantReplyAndInsert(ctx context.Context, userID uint64, sessionID string) (string, uint64, error) {
	sess, err := s.OwnedSession(ctx, userID, sessionID)
	if err != nil {
		return "", 0, err
	}
	provider, msgs, err := s.prepare(ctx, sess)
	if err != nil {
		return "", 0, err
	}
	reply, err := provider.Chat(ctx, msgs)
	if err != nil {
		return "", 0, err
	}
	m, err := s.SaveMessage(ctx, sess, RoleAssistant, reply, nil)
	if err != nil {
		return "", 0, err
	}
	return reply, m.ID, nil
}

// RunJob moves a queued job through running to succeeded/failed.
func (s *Service) RunJob(ctx context.Context, jobID string) error {
	start := time.Now()
	_ = s.repo.UpdateJobStatusRunning(ctx, jobID)

	j, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}

	_, msgID, err := s.GenerateAssistantReplyAndInsert(ctx, j.UserID, j.SessionID)
	if err != nil {
		_ = s.repo.MarkJobFailed(ctx, jobID, err.Error())
		s.log.WithError(err).WithFields(logrus.Fields{"job_id": jobID, "cost": time.Since(start)}).Warn("job failed")
		return err
	}
	if err := s.repo.MarkJobSucceeded(ctx, jobID, msgID); err != nil {
		return err
	}
	if cost := time.Since(start); cost > 2*time.Second {
		s.log.WithFields(logrus.Fields{"job_id": jobID, "cost": cost}).Info("slow job")
	}
	return nil
}
