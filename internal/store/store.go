package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/boltdb/bolt"

	"github.com/ZenoLeee/baidu-netdisk-tools-sub000/internal/logger"
	"github.com/ZenoLeee/baidu-netdisk-tools-sub000/internal/task"
)

const (
	tasksBucket  = "tasks"
	resumeBucket = "resume"
)

// ErrTaskNotFound is returned when a task id has no stored entry.
var ErrTaskNotFound = errors.New("task not found")

// ResumeRecord is the durable progress snapshot for one in-flight chunked
// transfer. It is written after every acknowledged chunk and is the only
// state needed to continue a transfer after a crash.
type ResumeRecord struct {
	TaskID          int64     `json:"task_id"`
	UploadID        string    `json:"upload_session_id,omitempty"`
	Size            int64     `json:"size"`
	ChunkSize       int64     `json:"chunk_size"`
	TotalChunks     int       `json:"total_chunks"`
	CurrentChunk    int       `json:"current_chunk"`
	CompletedChunks []int     `json:"completed_chunks"`
	LocalPath       string    `json:"local_path,omitempty"`
	RemotePath      string    `json:"remote_path"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Store persists tasks and resume records in a BoltDB file. Bolt commits
// each update transactionally, so a crash mid-write never leaves a partial
// record behind.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the store at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(tasksBucket)); err != nil {
			return fmt.Errorf("failed to create tasks bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(resumeBucket)); err != nil {
			return fmt.Errorf("failed to create resume bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

func keyFor(id int64) []byte {
	return []byte(strconv.FormatInt(id, 10))
}

// SaveTask persists a task.
func (s *Store) SaveTask(t *task.Task) error {
	data, err := t.PrepareForSerialization()
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(tasksBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", tasksBucket)
		}

		if err := bucket.Put(keyFor(t.ID), data); err != nil {
			return fmt.Errorf("failed to save task: %w", err)
		}

		return nil
	})
}

// FindTask retrieves a task by id.
func (s *Store) FindTask(id int64) (*task.Task, error) {
	var t *task.Task

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(tasksBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", tasksBucket)
		}

		data := bucket.Get(keyFor(id))
		if data == nil {
			return ErrTaskNotFound
		}

		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return nil, err
	}

	return t, nil
}

// FindAllTasks retrieves every stored task, ordered by id (which is
// insertion order, since ids are allocated monotonically).
func (s *Store) FindAllTasks() ([]*task.Task, error) {
	var tasks []*task.Task

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(tasksBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", tasksBucket)
		}

		return bucket.ForEach(func(k, v []byte) error {
			var t task.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("failed to unmarshal task: %w", err)
			}
			tasks = append(tasks, &t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })

	return tasks, nil
}

// DeleteTask removes a task entry. Deleting a missing task is not an error.
func (s *Store) DeleteTask(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(tasksBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", tasksBucket)
		}

		return bucket.Delete(keyFor(id))
	})
}

// SaveRecord persists the resume record for a task, replacing any previous
// one for the same task id.
func (s *Store) SaveRecord(rec *ResumeRecord) error {
	rec.UpdatedAt = time.Now()

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(resumeBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", resumeBucket)
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal resume record: %w", err)
		}

		if err := bucket.Put(keyFor(rec.TaskID), data); err != nil {
			return fmt.Errorf("failed to save resume record: %w", err)
		}

		return nil
	})
}

// LoadRecord returns the resume record for a task id. A missing or
// unparsable record yields (nil, nil): the caller starts fresh.
func (s *Store) LoadRecord(taskID int64) (*ResumeRecord, error) {
	var rec *ResumeRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(resumeBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", resumeBucket)
		}

		data := bucket.Get(keyFor(taskID))
		if data == nil {
			return nil
		}

		if err := json.Unmarshal(data, &rec); err != nil {
			logger.Warnf("Discarding unparsable resume record for task %d: %v", taskID, err)
			rec = nil
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// DeleteRecord removes the resume record for a task id, if any.
func (s *Store) DeleteRecord(taskID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(resumeBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", resumeBucket)
		}

		return bucket.Delete(keyFor(taskID))
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
