package chat

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// ---- sessions ----

func (r *Repo) CreateSession(ctx context.Context, s *Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

// GetSessionBySessionID returns a live (not soft-deleted) session.
func (r *Repo) GetSessionBySessionID(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var s Session
	if err := r.db.WithContext(ctx).
		Where("session_id = ? AND is_deleted = ?", sessionID, false).
		First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSessions returns a user's live sessions, most recently active first.
func (r *Repo) ListSessions(ctx context.Context, userID uint64, offset, limit int) ([]Session, int64, error) {
	q := r.db.WithContext(ctx).Model(&Session{}).
		Where("user_id = ? AND is_deleted = ?", userID, false)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var out []Session
	if err := q.Order("updated_at DESC").Order("id DESC").
		Offset(offset).Limit(limit).
		Find(&out).Error; err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *Repo) UpdateSessionTitle(ctx context.Context, sessionID, title string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Session{}).
		Where("session_id = ? AND is_deleted = ?", sessionID, false).
		Update("title", title)
	return res.RowsAffected > 0, res.Error
}

func (r *Repo) SoftDeleteSession(ctx context.Context, sessionID string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Session{}).
		Where("session_id = ? AND is_deleted = ?", sessionID, false).
		Update("is_deleted", true)
	return res.RowsAffected > 0, res.Error
}

// ---- messages ----

// InsertMessage stores m and bumps the owning session's counter in one tx.
func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		return tx.Model(&Session{}).
			Where("session_id = ?", m.SessionID).
			Update("message_count", gorm.Expr("message_count + ?", 1)).Error
	})
}

func (r *Repo) GetMessage(ctx context.Context, sessionID string, messageID uint64) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).
		Where("id = ? AND session_id = ? AND is_deleted = ?", messageID, sessionID, false).
		First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessageByID is used when only the message id is known; ownership is
// checked by the caller through the session.
func (r *Repo) GetMessageByID(ctx context.Context, messageID uint64) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).
		Where("id = ? AND is_deleted = ?", messageID, false).
		First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessagesPage returns live messages oldest first.
func (r *Repo) ListMessagesPage(ctx context.Context, sessionID string, offset, limit int) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("session_id = ? AND is_deleted = ?", sessionID, false).
		Order("created_at ASC").Order("id ASC").
		Offset(offset).Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListRecentMessagesDesc returns the most recent messages in DESC id order (newest -> oldest).
func (r *Repo) ListRecentMessagesDesc(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("session_id = ? AND is_deleted = ?", sessionID, false).
		Order("id DESC").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// UpdateUserMessageContent only touches role=user rows.
func (r *Repo) UpdateUserMessageContent(ctx context.Context, messageID uint64, content string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Message{}).
		Where("id = ? AND role = ? AND is_deleted = ?", messageID, RoleUser, false).
		Update("content", content)
	return res.RowsAffected > 0, res.Error
}

func (r *Repo) SoftDeleteMessage(ctx context.Context, m *Message) (bool, error) {
	var affected int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Message{}).
			Where("id = ? AND is_deleted = ?", m.ID, false).
			Update("is_deleted", true)
		if res.Error != nil {
			return res.Error
		}
		affected = res.RowsAffected
		if affected == 0 {
			return nil
		}
		return tx.Model(&Session{}).
			Where("session_id = ? AND message_count > 0", m.SessionID).
			Update("message_count", gorm.Expr("message_count - ?", 1)).Error
	})
	return affected > 0, err
}

func (r *Repo) CountMessages(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Message{}).
		Where("session_id = ? AND is_deleted = ?", sessionID, false).
		Count(&n).Error
	return n, err
}

func (r *Repo) InsertUserMessageOrGetExisting(ctx context.Context, userID uint64, sessionID string, content string, key *string) (*Message, bool, error) {
	m := &Message{
		SessionID:      sessionID,
		UserID:         userID,
		Role:           RoleUser,
		Content:        content,
		IdempotencyKey: key,
	}
	err := r.InsertMessage(ctx, m)
	if err == nil {
		return m, true, nil
	}
	if key == nil || *key == "" {
		return nil, false, err
	}

	var existing Message
	getErr := r.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ? AND idempotency_key = ?", userID, sessionID, *key).
		First(&existing).Error
	if getErr == nil {
		return &existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

// ---- jobs ----

func (r *Repo) CreateJob(ctx context.Context, job *Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repo) GetJobByID(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *Repo) UpdateJobStatusRunning(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Update("status", JobRunning).Error
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string, assistantMsgID uint64) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobSucceeded,
			"result_message_id": assistantMsgID,
			"error":             nil,
		}).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobFailed,
			"error":             errMsg,
			"result_message_id": nil,
		}).Error
}

func (r *Repo) GetJobByUserAndIdempotencyKey(ctx context.Context, userID uint64, key string) (*Job, error) {
	var job Job
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJobOrGetExisting tries to create a job, but if (user_id, idempotency_key) already exists,
// it returns the existing job instead.
func (r *Repo) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	if job.IdempotencyKey == nil || *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
		if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
			return nil, false, err
		}
		return job, true, nil
	}

	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}

	existing, getErr := r.GetJobByUserAndIdempotencyKey(ctx, job.UserID, *job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}

	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}
