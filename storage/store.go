package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbocsi/relaychat/apperr"
	"github.com/mbocsi/relaychat/proto"
	bolt "go.etcd.io/bbolt"
)

// MaxMessages is how many messages the store keeps; older ones are evicted on write.
const MaxMessages = 100

var (
	messagesBucket = []byte("messages")
	idsBucket      = []byte("message_ids")
)

// Store persists the local message history.
type Store interface {
	SaveMessage(msg proto.Message) error
	GetMessages(limit int) []proto.Message
	ClearMessages() error
	Close() error
}

// BoltStore keeps messages in a bbolt file keyed by insertion sequence. A second index
// bucket maps message ids to keys so a message is stored at most once.
type BoltStore struct {
	db  *bolt.DB
	max int
}

func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, apperr.New(apperr.KindStorage, "failed to open message store", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{messagesBucket, idsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, apperr.New(apperr.KindStorage, "failed to initialize message store", err)
	}

	slog.Info("Message store opened", "path", path)
	return &BoltStore{db: db, max: MaxMessages}, nil
}

// SaveMessage stores msg as the newest entry. Saving an id that is already present
// is a no-op.
func (s *BoltStore) SaveMessage(msg proto.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return apperr.New(apperr.KindStorage, "failed to encode message", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		msgs, ids := tx.Bucket(messagesBucket), tx.Bucket(idsBucket)
		if ids.Get([]byte(msg.ID)) != nil {
			return nil
		}

		seq, err := msgs.NextSequence()
		if err != nil {
			return err
		}
		key := itob(seq)
		if err := msgs.Put(key, data); err != nil {
			return err
		}
		if err := ids.Put([]byte(msg.ID), key); err != nil {
			return err
		}
		return s.evict(msgs, ids)
	})
	if err != nil {
		return apperr.New(apperr.KindStorage, "failed to save message", err)
	}
	return nil
}

// evict removes the oldest entries beyond the cap together with their id rows.
func (s *BoltStore) evict(msgs, ids *bolt.Bucket) error {
	count := 0
	c := msgs.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		count++
	}
	excess := count - s.max
	if excess <= 0 {
		return nil
	}

	type entry struct{ key, id []byte }
	oldest := make([]entry, 0, excess)
	for k, v := c.First(); k != nil && len(oldest) < excess; k, v = c.Next() {
		var m proto.Message
		if err := json.Unmarshal(v, &m); err != nil {
			slog.Warn("Evicting undecodable message", "key", binary.BigEndian.Uint64(k), "error", err)
		}
		oldest = append(oldest, entry{key: append([]byte(nil), k...), id: []byte(m.ID)})
	}

	for _, e := range oldest {
		if err := msgs.Delete(e.key); err != nil {
			return err
		}
		if len(e.id) > 0 {
			if err := ids.Delete(e.id); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetMessages returns up to limit messages newest first. limit <= 0 means all of them.
// Read failures are logged and yield an empty history.
func (s *BoltStore) GetMessages(limit int) []proto.Message {
	if limit <= 0 || limit > s.max {
		limit = s.max
	}

	messages := make([]proto.Message, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(messagesBucket).Cursor()
		for k, v := c.Last(); k != nil && len(messages) < limit; k, v = c.Prev() {
			var m proto.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decode message %d: %w", binary.BigEndian.Uint64(k), err)
			}
			messages = append(messages, m)
		}
		return nil
	})
	if err != nil {
		slog.Error("Failed to load messages", "error", err)
		return []proto.Message{}
	}
	return messages
}

func (s *BoltStore) ClearMessages() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{messagesBucket, idsBucket} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return apperr.New(apperr.KindStorage, "failed to clear messages", err)
	}
	slog.Info("Message history cleared")
	return nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
