package syncer

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const settingSnapshotAt = "last_snapshot_at"

func OpenDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&CanonicalEvent{}, &SyncMapping{}, &ChangeRecord{}, &JobRun{}, &Setting{}); err != nil {
		return nil, err
	}
	return db, nil
}

// Store wraps the database with the short, single-table transactions the
// phases communicate through. Nothing else holds shared mutable state.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CanonicalInWindow returns the stored canonical set whose start time
// falls in the half-open window [from, to), ordered by start time.
func (s *Store) CanonicalInWindow(from, to time.Time) ([]CanonicalEvent, error) {
	var events []CanonicalEvent
	err := s.db.Where("start_time >= ? AND start_time < ?", from, to).
		Order("start_time asc, fingerprint asc").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

// ReplaceCanonicalWindow atomically swaps the canonical set for the
// window and appends the change records detected against the previous
// set. FirstSeenAt is carried over for fingerprints that survive the
// swap, so a reader never observes a half-merged window and event age
// is preserved across ingests.
func (s *Store) ReplaceCanonicalWindow(from, to time.Time, events []CanonicalEvent, changes []Change, now time.Time) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var prior []CanonicalEvent
		if err := tx.Where("start_time >= ? AND start_time < ?", from, to).Find(&prior).Error; err != nil {
			return err
		}
		firstSeen := make(map[string]time.Time, len(prior))
		for _, ev := range prior {
			firstSeen[ev.Fingerprint] = ev.FirstSeenAt
		}

		if err := tx.Where("start_time >= ? AND start_time < ?", from, to).Delete(&CanonicalEvent{}).Error; err != nil {
			return err
		}

		for i := range events {
			events[i].ID = 0
			events[i].LastSeenAt = now
			if seen, ok := firstSeen[events[i].Fingerprint]; ok {
				events[i].FirstSeenAt = seen
			} else {
				events[i].FirstSeenAt = now
			}
		}
		if len(events) > 0 {
			if err := tx.Create(&events).Error; err != nil {
				return err
			}
		}

		for _, ch := range changes {
			rec, err := ch.toRecord(now)
			if err != nil {
				return err
			}
			if err := tx.Create(&rec).Error; err != nil {
				return err
			}
		}

		return setSettingTx(tx, settingSnapshotAt, now.UTC().Format(time.RFC3339Nano))
	})
}

// HasSnapshot reports whether any ingest has ever persisted a canonical
// set. An empty-but-real snapshot still counts: first-ingest detection
// must not depend on the prior set being non-empty.
func (s *Store) HasSnapshot() (bool, error) {
	_, ok, err := s.GetSetting(settingSnapshotAt)
	return ok, err
}

func (s *Store) Mappings() ([]SyncMapping, error) {
	var mappings []SyncMapping
	if err := s.db.Order("fingerprint asc").Find(&mappings).Error; err != nil {
		return nil, err
	}
	return mappings, nil
}

func (s *Store) UpsertMapping(fingerprint, externalID, contentHash string, now time.Time) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var m SyncMapping
		err := tx.Where("fingerprint = ?", fingerprint).First(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&SyncMapping{
				Fingerprint:       fingerprint,
				ExternalID:        externalID,
				PushedContentHash: contentHash,
				UpdatedAt:         now,
			}).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&SyncMapping{}).Where("id = ?", m.ID).
			Updates(map[string]any{"external_id": externalID, "pushed_content_hash": contentHash, "updated_at": now}).Error
	})
}

func (s *Store) DeleteMapping(fingerprint string) error {
	return s.db.Where("fingerprint = ?", fingerprint).Delete(&SyncMapping{}).Error
}

// UnnotifiedChanges returns pending change records oldest-first.
func (s *Store) UnnotifiedChanges() ([]ChangeRecord, error) {
	var changes []ChangeRecord
	err := s.db.Where("notified = ?", false).Order("detected_at asc, id asc").Find(&changes).Error
	if err != nil {
		return nil, err
	}
	return changes, nil
}

func (s *Store) RecentChanges(limit int) ([]ChangeRecord, error) {
	var changes []ChangeRecord
	err := s.db.Order("detected_at desc, id desc").Limit(limit).Find(&changes).Error
	if err != nil {
		return nil, err
	}
	return changes, nil
}

func (s *Store) MarkChangeNotified(id uint, now time.Time) error {
	return s.db.Model(&ChangeRecord{}).Where("id = ?", id).
		Updates(map[string]any{"notified": true, "notified_at": &now, "notify_error": ""}).Error
}

func (s *Store) SetChangeNotifyError(id uint, msg string) error {
	return s.db.Model(&ChangeRecord{}).Where("id = ?", id).
		Updates(map[string]any{"notify_error": msg}).Error
}

func (s *Store) StartJobRun(jobName string, now time.Time) (uint, error) {
	run := JobRun{JobName: jobName, StartedAt: now}
	if err := s.db.Create(&run).Error; err != nil {
		return 0, err
	}
	return run.ID, nil
}

func (s *Store) CompleteJobRun(id uint, status string, itemCount int, errMsg string, now time.Time) error {
	return s.db.Model(&JobRun{}).Where("id = ?", id).
		Updates(map[string]any{"status": status, "item_count": itemCount, "error_message": errMsg, "finished_at": &now}).Error
}

func (s *Store) LastJobRun(jobName string) (*JobRun, error) {
	var run JobRun
	err := s.db.Where("job_name = ? AND status <> ''", jobName).Order("started_at desc, id desc").First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *Store) JobRuns(limit int) ([]JobRun, error) {
	var runs []JobRun
	if err := s.db.Order("started_at desc, id desc").Limit(limit).Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

func (s *Store) SetSetting(key, value string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return setSettingTx(tx, key, value)
	})
}

func setSettingTx(tx *gorm.DB, key, value string) error {
	var st Setting
	err := tx.Where("key = ?", key).First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tx.Create(&Setting{Key: key, Value: value, UpdatedAt: time.Now().UTC()}).Error
	}
	if err != nil {
		return err
	}
	return tx.Model(&Setting{}).Where("key = ?", key).
		Updates(map[string]any{"value": value, "updated_at": time.Now().UTC()}).Error
}

func (s *Store) GetSetting(key string) (string, bool, error) {
	var st Setting
	err := s.db.Where("key = ?", key).First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return st.Value, true, nil
}

// PruneChanges deletes notified change records detected before the
// cutoff. Unnotified records are kept regardless of age.
func (s *Store) PruneChanges(before time.Time) (int64, error) {
	res := s.db.Where("notified = ? AND detected_at < ?", true, before).Delete(&ChangeRecord{})
	return res.RowsAffected, res.Error
}

// PruneEvents deletes canonical events that ended before the cutoff.
// These are far behind the sliding window and no ingest will ever
// observe them again.
func (s *Store) PruneEvents(before time.Time) (int64, error) {
	res := s.db.Where("end_time < ?", before).Delete(&CanonicalEvent{})
	return res.RowsAffected, res.Error
}

func (ch Change) toRecord(now time.Time) (ChangeRecord, error) {
	rec := ChangeRecord{
		ChangeKind: ch.Kind,
		DetectedAt: now,
	}
	if ch.After != nil {
		rec.Fingerprint = ch.After.Fingerprint
		b, err := json.Marshal(ch.After)
		if err != nil {
			return rec, err
		}
		rec.AfterJSON = string(b)
	}
	if ch.Before != nil {
		if rec.Fingerprint == "" {
			rec.Fingerprint = ch.Before.Fingerprint
		}
		b, err := json.Marshal(ch.Before)
		if err != nil {
			return rec, err
		}
		rec.BeforeJSON = string(b)
	}
	return rec, nil
}
