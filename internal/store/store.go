package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"TrailWatch/pkg/util"
)

// Store is the watchdog's durable state: control times, armed timers, the
// offline alert queue and its delivery history.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the sqlite database at path.
func Open(path string) (*Store, error) {
	dsn := path
	if path != "" && !strings.Contains(path, ":memory:") && !strings.Contains(path, "?") {
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	}
	db, err := util.InitDatabase("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return New(db)
}

// New wraps an open database and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&ControlTime{}, &TimerRecord{}, &PendingAlert{}, &HistoryEntry{}, &DeviceState{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- control times

var ErrExists = errors.New("record already exists")

func (s *Store) CreateControlTime(ctx context.Context, ct *ControlTime) error {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(ct)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrExists
	}
	return nil
}

func (s *Store) SaveControlTime(ctx context.Context, ct *ControlTime) error {
	return s.db.WithContext(ctx).Save(ct).Error
}

// GetControlTime returns nil without error when id is unknown.
func (s *Store) GetControlTime(ctx context.Context, id string) (*ControlTime, error) {
	var ct ControlTime
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&ct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ct, nil
}

// ListControlTimes lists control times in the given states, all when none
// are given, soonest ETA first.
func (s *Store) ListControlTimes(ctx context.Context, states ...string) ([]ControlTime, error) {
	q := s.db.WithContext(ctx).Order("eta_ms asc")
	if len(states) > 0 {
		q = q.Where("state IN ?", states)
	}
	var out []ControlTime
	return out, q.Find(&out).Error
}

// --- timers

func (s *Store) SaveTimer(ctx context.Context, rec TimerRecord) error {
	return s.db.WithContext(ctx).Save(&rec).Error
}

func (s *Store) DeleteTimer(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&TimerRecord{}).Error
}

// DeleteTimerAt deletes the record only if it still has the given fire
// time, so a re-armed timer with the same id survives.
func (s *Store) DeleteTimerAt(ctx context.Context, id string, fireAtMs int64) error {
	return s.db.WithContext(ctx).Where("id = ? AND fire_at_ms = ?", id, fireAtMs).Delete(&TimerRecord{}).Error
}

func (s *Store) ListTimers(ctx context.Context) ([]TimerRecord, error) {
	var out []TimerRecord
	return out, s.db.WithContext(ctx).Order("fire_at_ms asc").Find(&out).Error
}

// --- alert queue

// InsertPendingAlert stores a new pending alert. It reports false when the
// id is already queued or was already delivered.
func (s *Store) InsertPendingAlert(ctx context.Context, a *PendingAlert) (bool, error) {
	inserted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sent int64
		if err := tx.Model(&HistoryEntry{}).Where("alert_id = ?", a.ID).Count(&sent).Error; err != nil {
			return err
		}
		if sent > 0 {
			return nil
		}
		if a.Status == "" {
			a.Status = AlertPending
		}
		res := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).Create(a)
		if res.Error != nil {
			return res.Error
		}
		inserted = res.RowsAffected == 1
		return nil
	})
	return inserted, err
}

func (s *Store) ListPending(ctx context.Context) ([]PendingAlert, error) {
	var out []PendingAlert
	return out, s.db.WithContext(ctx).Where("status = ?", AlertPending).Order("seq asc").Find(&out).Error
}

func (s *Store) GetPending(ctx context.Context, id string) (*PendingAlert, error) {
	var p PendingAlert
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) CountPending(ctx context.Context) (int64, error) {
	var n int64
	return n, s.db.WithContext(ctx).Model(&PendingAlert{}).Where("status = ?", AlertPending).Count(&n).Error
}

// MarkSent moves a pending alert to the history in one transaction. It
// reports false if the alert was no longer pending, which happens when two
// flushes raced on the same entry.
func (s *Store) MarkSent(ctx context.Context, id string, r Receipt, at time.Time) (bool, error) {
	moved := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p PendingAlert
		err := tx.Where("id = ? AND status = ?", id, AlertPending).Take(&p).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		res := tx.Where("seq = ?", p.Seq).Delete(&PendingAlert{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		h := HistoryEntry{
			AlertID:    p.ID,
			Kind:       p.Kind,
			Payload:    p.Payload,
			QueuedAt:   p.QueuedAt,
			SentAt:     at,
			RetryCount: p.RetryCount,
			Status:     AlertSent,
			ServerID:   r.ServerID,
			StatusCode: r.StatusCode,
			Duplicate:  r.Duplicate,
		}
		if err := tx.Create(&h).Error; err != nil {
			return err
		}
		moved = true
		return nil
	})
	return moved, err
}

// RecordFailure bumps the retry counter of a pending alert.
func (s *Store) RecordFailure(ctx context.Context, id, reason string, at time.Time) error {
	if len(reason) > 512 {
		reason = reason[:512]
	}
	return s.db.WithContext(ctx).Model(&PendingAlert{}).
		Where("id = ? AND status = ?", id, AlertPending).
		Updates(map[string]interface{}{
			"retry_count":     gorm.Expr("retry_count + 1"),
			"last_error":      reason,
			"last_attempt_at": at,
		}).Error
}

// ListHistory returns delivered alerts, most recent first. limit <= 0
// returns everything.
func (s *Store) ListHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	q := s.db.WithContext(ctx).Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []HistoryEntry
	return out, q.Find(&out).Error
}

// --- device state

func (s *Store) PutState(ctx context.Context, key, value string) error {
	return s.db.WithContext(ctx).Save(&DeviceState{Key: key, Value: value}).Error
}

func (s *Store) GetState(ctx context.Context, key string) (string, bool, error) {
	var st DeviceState
	err := s.db.WithContext(ctx).Where("state_key = ?", key).Take(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return st.Value, true, nil
}
