//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2026 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package checkpoint

import (
	"encoding/binary"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/weaviate/gridstore/adapters/repos/wal"
)

const MetaFileName = "checkpoints.db"

var (
	bucketCheckpoints = []byte("checkpoints")

	ErrIncompleteCheckpoint = errors.New("checkpoint has no end marker")
)

// Entry describes a checkpoint. It is written with Completed=false when the
// checkpoint begins and completed once all of its pages are durable.
type Entry struct {
	ID        uint64      `msgpack:"id"`
	UUID      uuid.UUID   `msgpack:"uuid"`
	Pointer   wal.Pointer `msgpack:"pointer"`
	Reason    string      `msgpack:"reason"`
	Started   time.Time   `msgpack:"started"`
	Finished  time.Time   `msgpack:"finished,omitempty"`
	Pages     int         `msgpack:"pages"`
	Completed bool        `msgpack:"completed"`
}

// MetaStore keeps the begin and end markers of checkpoints in a bolt
// database next to the page store.
type MetaStore struct {
	db     *bolt.DB
	logger logrus.FieldLogger
}

// OpenMetaStore opens the database, retrying for a while if another
// process still holds its lock.
func OpenMetaStore(path string, logger logrus.FieldLogger) (*MetaStore, error) {
	var db *bolt.DB
	open := func() error {
		var err error
		db, err = bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
		if err != nil {
			if errors.Is(err, bolt.ErrTimeout) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		logger.WithField("action", "open_checkpoint_meta").WithField("path", path).
			Warnf("checkpoint metadata is locked, retrying in %s", next)
	}

	if err := backoff.RetryNotify(open, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5),
		notify); err != nil {
		return nil, errors.Wrapf(err, "open checkpoint metadata %s", path)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCheckpoints)
		return err
	}); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create checkpoints bucket")
	}

	return &MetaStore{db: db, logger: logger}, nil
}

func idKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

func (m *MetaStore) put(e Entry) error {
	raw, err := msgpack.Marshal(&e)
	if err != nil {
		return errors.Wrap(err, "marshal checkpoint entry")
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCheckpoints).Put(idKey(e.ID), raw)
	})
}

// Begin persists the begin marker.
func (m *MetaStore) Begin(e Entry) error {
	e.Completed = false
	return errors.Wrapf(m.put(e), "write begin marker of checkpoint %d", e.ID)
}

// Complete persists the end marker, after which the checkpoint is valid.
func (m *MetaStore) Complete(e Entry) error {
	e.Completed = true
	return errors.Wrapf(m.put(e), "write end marker of checkpoint %d", e.ID)
}

// All returns every entry ordered by id.
func (m *MetaStore) All() ([]Entry, error) {
	var out []Entry
	err := m.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCheckpoints).ForEach(func(k, v []byte) error {
			var e Entry
			if err := msgpack.Unmarshal(v, &e); err != nil {
				return errors.Wrapf(err, "decode checkpoint %d", binary.BigEndian.Uint64(k))
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// Latest returns the newest completed checkpoint, nil if there is none.
func (m *MetaStore) Latest() (*Entry, error) {
	var latest *Entry
	err := m.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCheckpoints).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var e Entry
			if err := msgpack.Unmarshal(v, &e); err != nil {
				return errors.Wrapf(err, "decode checkpoint %d", binary.BigEndian.Uint64(k))
			}
			if e.Completed {
				latest = &e
				return nil
			}
		}
		return nil
	})
	return latest, err
}

// NextID is the id following the newest entry.
func (m *MetaStore) NextID() (uint64, error) {
	next := uint64(1)
	err := m.db.View(func(tx *bolt.Tx) error {
		if k, _ := tx.Bucket(bucketCheckpoints).Cursor().Last(); k != nil {
			next = binary.BigEndian.Uint64(k) + 1
		}
		return nil
	})
	return next, err
}

// PruneIncomplete removes checkpoints which never reached their end marker
// and returns them.
func (m *MetaStore) PruneIncomplete() ([]Entry, error) {
	var removed []Entry
	err := m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		var keys [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var e Entry
			if err := msgpack.Unmarshal(v, &e); err != nil {
				return err
			}
			if !e.Completed {
				removed = append(removed, e)
				keys = append(keys, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return removed, errors.Wrap(err, "prune incomplete checkpoints")
}

// PruneHistory keeps the newest keep checkpoints.
func (m *MetaStore) PruneHistory(keep int) (int, error) {
	removed := 0
	err := m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			keys = append(keys, append([]byte(nil), k...))
		}
		if len(keys) <= keep {
			return nil
		}
		for _, k := range keys[keep:] {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, errors.Wrap(err, "prune checkpoint history")
}

func (m *MetaStore) Close() error {
	return m.db.Close()
}
