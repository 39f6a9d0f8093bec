package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/suPer8Hu/acontext-api/internal/models"
)

// maxSeqAttempts bounds retries when two writers race for the same seq.
const maxSeqAttempts = 8

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// Sessions

func (r *Repo) CreateSession(ctx context.Context, s *models.Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

// GetSession is project scoped: another project's session is not found.
func (r *Repo) GetSession(ctx context.Context, projectID, sessionID string) (*models.Session, error) {
	var s models.Session
	if err := r.db.WithContext(ctx).
		Where("id = ? AND project_id = ?", sessionID, projectID).
		First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repo) UpdateSessionConfigs(ctx context.Context, projectID, sessionID string, configs map[string]any) error {
	return r.updateSession(ctx, projectID, sessionID, map[string]any{"configs": datatypes.JSONMap(configs)})
}

func (r *Repo) ConnectToSpace(ctx context.Context, projectID, sessionID, spaceID string) error {
	return r.updateSession(ctx, projectID, sessionID, map[string]any{"space_id": spaceID})
}

func (r *Repo) updateSession(ctx context.Context, projectID, sessionID string, updates map[string]any) error {
	res := r.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND project_id = ?", sessionID, projectID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// DeleteSession removes the session with its messages and tasks.
func (r *Repo) DeleteSession(ctx context.Context, projectID, sessionID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND project_id = ?", sessionID, projectID).Delete(&models.Session{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		if err := tx.Where("session_id = ?", sessionID).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		return tx.Where("session_id = ?", sessionID).Delete(&models.Task{}).Error
	})
}

// Messages

// AppendMessage assigns m the next seq of its session and links it to the
// previous message. The unique (session_id, seq) index linearizes
// concurrent writers; the loser of a race retries with a fresh read.
func (r *Repo) AppendMessage(ctx context.Context, m *models.Message) error {
	var err error
	for attempt := 0; attempt < maxSeqAttempts; attempt++ {
		err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var last models.Message
			q := tx.Select("id", "seq").
				Where("session_id = ?", m.SessionID).
				Order("seq DESC").
				Limit(1).
				Find(&last)
			if q.Error != nil {
				return q.Error
			}

			m.Seq, m.ParentID = 1, nil
			if q.RowsAffected > 0 {
				parent := last.ID
				m.Seq = last.Seq + 1
				m.ParentID = &parent
			}
			return tx.Create(m).Error
		})
		if err == nil || !errors.Is(err, gorm.ErrDuplicatedKey) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

// PageQuery selects messages strictly after (or, when Desc, before) the
// cursor seq.
type PageQuery struct {
	SessionID string
	AfterSeq  uint64
	HasCursor bool
	Limit     int
	Desc      bool
}

// ListMessagesPage fetches Limit+1 rows so the caller can tell whether
// more remain.
func (r *Repo) ListMessagesPage(ctx context.Context, q PageQuery) ([]models.Message, error) {
	tx := r.db.WithContext(ctx).Where("session_id = ?", q.SessionID)
	if q.Desc {
		if q.HasCursor {
			tx = tx.Where("seq < ?", q.AfterSeq)
		}
		tx = tx.Order("seq DESC")
	} else {
		if q.HasCursor {
			tx = tx.Where("seq > ?", q.AfterSeq)
		}
		tx = tx.Order("seq ASC")
	}

	var msgs []models.Message
	if err := tx.Limit(q.Limit + 1).Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *Repo) ListAllMessages(ctx context.Context, sessionID string) ([]models.Message, error) {
	var msgs []models.Message
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("seq ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// MergeMessageMeta merges patch into the message meta. Parts are never
// touched.
func (r *Repo) MergeMessageMeta(ctx context.Context, sessionID, messageID string, patch map[string]any) (*models.Message, error) {
	var m models.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND session_id = ?", messageID, sessionID).First(&m).Error; err != nil {
			return err
		}
		meta := datatypes.JSONMap{}
		for k, v := range m.Meta {
			meta[k] = v
		}
		for k, v := range patch {
			meta[k] = v
		}
		m.Meta = meta
		return tx.Model(&models.Message{}).Where("id = ?", m.ID).Update("meta", meta).Error
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Tasks

func (r *Repo) ListTasks(ctx context.Context, sessionID string) ([]models.Task, error) {
	var tasks []models.Task
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("task_order ASC").
		Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// Reconciliation

type StaleSession struct {
	ProjectID string
	SessionID string
}

// StaleSessions lists sessions with task tracking enabled that still have
// unobserved messages created before olderThan.
func (r *Repo) StaleSessions(ctx context.Context, olderThan time.Time, limit int) ([]StaleSession, error) {
	var out []StaleSession
	err := r.db.WithContext(ctx).
		Table("messages").
		Select("messages.project_id AS project_id, messages.session_id AS session_id").
		Joins("JOIN sessions ON sessions.id = messages.session_id").
		Where("messages.session_task_process_status = ?", models.StatusUnobserved).
		Where("messages.created_at < ?", olderThan).
		Where("sessions.disable_task_tracking = ?", false).
		Group("messages.project_id, messages.session_id").
		Limit(limit).
		Scan(&out).Error
	return out, err
}
