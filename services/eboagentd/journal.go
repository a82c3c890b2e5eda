package eboagentd

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"eboagent/native/ebo"
)

var (
	bucketActions       = []byte("actions")
	bucketNotifications = []byte("notifications")
	bucketMeta          = []byte("meta")
	keyCursor           = []byte("cursor")

	errJournalClosed = errors.New("eboagentd: journal not initialised")
)

// Action outcomes.
const (
	ActionConfirmed = "confirmed"
	ActionReverted  = "reverted"
	ActionFailed    = "failed"
)

// Journal entry kinds.
const (
	EntryAction       = "action"
	EntryNotification = "notification"
)

// Action is one protocol submission attempted by the provider.
type Action struct {
	Operation string    `json:"operation"`
	RequestID string    `json:"requestId"`
	Contract  string    `json:"contract"`
	TxHash    string    `json:"txHash,omitempty"`
	Block     uint64    `json:"block,omitempty"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Notification is a revert recovered with the notify or terminate strategy.
type Notification struct {
	Reason     string    `json:"reason"`
	Strategy   string    `json:"strategy"`
	RequestID  string    `json:"requestId,omitempty"`
	ResponseID string    `json:"responseId,omitempty"`
	DisputeID  string    `json:"disputeId,omitempty"`
	Event      string    `json:"event,omitempty"`
	Error      string    `json:"error"`
	At         time.Time `json:"at"`
}

// JournalEntry is the persisted envelope of an action or notification.
type JournalEntry struct {
	ID           string        `json:"id"`
	Kind         string        `json:"kind"`
	Sequence     uint64        `json:"sequence"`
	Action       *Action       `json:"action,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}

func (e JournalEntry) at() time.Time {
	switch {
	case e.Action != nil:
		return e.Action.At
	case e.Notification != nil:
		return e.Notification.At
	default:
		return time.Time{}
	}
}

// Journal persists protocol actions, revert notifications and the monitor
// cursor in BoltDB.
type Journal struct {
	db    *bolt.DB
	clock func() time.Time
}

var (
	_ ebo.Notifier   = (*Journal)(nil)
	_ ActionRecorder = (*Journal)(nil)
)

// OpenJournal opens (and migrates) the journal database at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketActions, bucketNotifications, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db, clock: time.Now}, nil
}

// Close releases the underlying database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// RecordAction appends a provider submission.
func (j *Journal) RecordAction(_ context.Context, action Action) error {
	if action.At.IsZero() {
		action.At = j.now()
	}
	return j.append(bucketActions, JournalEntry{Kind: EntryAction, Action: &action})
}

// Notify records a recovered revert.
func (j *Journal) Notify(_ context.Context, revert *ebo.RevertError) error {
	if revert == nil {
		return nil
	}
	n := Notification{
		Reason:   revert.Reason,
		Strategy: revert.Strategy.String(),
		Error:    revert.Error(),
		At:       j.now(),
	}
	if cause := errors.Unwrap(revert); cause != nil {
		n.Error = cause.Error()
	}
	if revert.Request != nil {
		n.RequestID = revert.Request.ID.String()
	}
	if revert.Response != nil {
		n.ResponseID = revert.Response.ID.String()
	}
	if revert.Dispute != nil {
		n.DisputeID = revert.Dispute.ID.String()
	}
	if revert.Event != nil {
		n.Event = revert.Event.String()
		if n.RequestID == "" {
			n.RequestID = revert.Event.RequestID.String()
		}
	}
	return j.append(bucketNotifications, JournalEntry{Kind: EntryNotification, Notification: &n})
}

func (j *Journal) append(bucket []byte, entry JournalEntry) error {
	if j == nil || j.db == nil {
		return errJournalClosed
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		entry.ID = uuid.NewString()
		entry.Sequence = seq
		payload, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encode journal entry: %w", err)
		}
		return b.Put(sequenceKey(seq), payload)
	})
}

// Recent returns up to limit of the newest entries across both buckets,
// newest first.
func (j *Journal) Recent(limit int) ([]JournalEntry, error) {
	if j == nil || j.db == nil {
		return nil, errJournalClosed
	}
	if limit <= 0 {
		return []JournalEntry{}, nil
	}
	entries := make([]JournalEntry, 0, limit)
	err := j.db.View(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketActions, bucketNotifications} {
			c := tx.Bucket(bucket).Cursor()
			taken := 0
			for k, v := c.Last(); k != nil && taken < limit; k, v = c.Prev() {
				var entry JournalEntry
				if err := json.Unmarshal(v, &entry); err != nil {
					return fmt.Errorf("decode journal entry: %w", err)
				}
				entries = append(entries, entry)
				taken++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(a, b int) bool {
		return entries[a].at().After(entries[b].at())
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Cursor returns the last fully processed protocol block and whether one was
// stored.
func (j *Journal) Cursor() (uint64, bool, error) {
	if j == nil || j.db == nil {
		return 0, false, errJournalClosed
	}
	var (
		cursor uint64
		found  bool
	)
	err := j.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(keyCursor)
		if raw == nil {
			return nil
		}
		if len(raw) != 8 {
			return fmt.Errorf("corrupt cursor")
		}
		cursor = binary.BigEndian.Uint64(raw)
		found = true
		return nil
	})
	return cursor, found, err
}

// SaveCursor stores the last fully processed protocol block.
func (j *Journal) SaveCursor(block uint64) error {
	if j == nil || j.db == nil {
		return errJournalClosed
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyCursor, sequenceKey(block))
	})
}

func (j *Journal) now() time.Time {
	if j == nil || j.clock == nil {
		return time.Now().UTC()
	}
	return j.clock().UTC()
}

func sequenceKey(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}
