package state

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/alexjbarnes/agri-chat/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the data directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	sessionsBucket = []byte("sessions")
	messagesBucket = []byte("messages")
	outboundBucket = []byte("outbound")
	mediaBucket    = []byte("media")

	// chatIndexBucket maps chatID + 0x00 + messageID to nothing, so a
	// chat's messages are found with one prefix scan.
	chatIndexBucket = []byte("chat_messages")
)

// State wraps a bbolt database holding the chat cache, the outbound
// queue and the media index. Every exported method is one transaction.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it and its
// buckets if they do not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{sessionsBucket, messagesBucket, outboundBucket, mediaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		if tx.Bucket(chatIndexBucket) != nil {
			return nil
		}

		return rebuildChatIndex(tx)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// --- Sessions ---

// UpsertSession writes a session, replacing any existing one with the
// same id.
func (s *State) UpsertSession(cs models.ChatSession) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(sessionsBucket), []byte(cs.ID), cs)
	})
}

// GetSession returns a session by id, or nil if not found.
func (s *State) GetSession(id string) (*models.ChatSession, error) {
	var cs *models.ChatSession

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionsBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		cs = &models.ChatSession{}

		return json.Unmarshal(v, cs)
	})

	return cs, err
}

// Sessions returns all sessions, most recent activity first.
func (s *State) Sessions() ([]models.ChatSession, error) {
	var sessions []models.ChatSession

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(_, v []byte) error {
			var cs models.ChatSession
			if err := json.Unmarshal(v, &cs); err != nil {
				return err
			}

			sessions = append(sessions, cs)

			return nil
		})
	})

	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].LastActivityTS != sessions[j].LastActivityTS {
			return sessions[i].LastActivityTS > sessions[j].LastActivityTS
		}

		return sessions[i].ID < sessions[j].ID
	})

	return sessions, err
}

// DeleteSession removes a session and every message cached for it.
func (s *State) DeleteSession(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(sessionsBucket).Delete([]byte(id)); err != nil {
			return err
		}

		mtx := messageTx(tx)

		msgs, err := mtx.ByChat(id)
		if err != nil {
			return err
		}

		for _, m := range msgs {
			if err := mtx.Delete(m.ID); err != nil {
				return err
			}
		}

		return nil
	})
}

// --- Messages ---

// MessageTx gives reconciliation code read/write access to the message
// bucket inside a single transaction. It keeps the per-chat index in step
// with every write.
type MessageTx struct {
	b   *bolt.Bucket
	idx *bolt.Bucket
}

func messageTx(tx *bolt.Tx) *MessageTx {
	return &MessageTx{b: tx.Bucket(messagesBucket), idx: tx.Bucket(chatIndexBucket)}
}

func chatIndexKey(chatID, messageID string) []byte {
	key := make([]byte, 0, len(chatID)+1+len(messageID))
	key = append(key, chatID...)
	key = append(key, 0)

	return append(key, messageID...)
}

// rebuildChatIndex creates the index bucket and fills it from the
// messages already stored. Databases written before the index existed
// get it on first open.
func rebuildChatIndex(tx *bolt.Tx) error {
	idx, err := tx.CreateBucket(chatIndexBucket)
	if err != nil {
		return err
	}

	return tx.Bucket(messagesBucket).ForEach(func(k, v []byte) error {
		var m models.ChatMessage
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}

		return idx.Put(chatIndexKey(m.ChatID, string(k)), []byte{})
	})
}

// Get returns a message by id, or nil if not found.
func (t *MessageTx) Get(id string) (*models.ChatMessage, error) {
	v := t.b.Get([]byte(id))
	if v == nil {
		return nil, nil
	}

	m := &models.ChatMessage{}
	if err := json.Unmarshal(v, m); err != nil {
		return nil, err
	}

	return m, nil
}

// Put writes a message, replacing any existing one with the same id. A
// message that changed chats leaves the old chat's index.
func (t *MessageTx) Put(m models.ChatMessage) error {
	old, err := t.Get(m.ID)
	if err != nil {
		return err
	}

	if old != nil && old.ChatID != m.ChatID {
		if err := t.idx.Delete(chatIndexKey(old.ChatID, old.ID)); err != nil {
			return err
		}
	}

	if err := putJSON(t.b, []byte(m.ID), m); err != nil {
		return err
	}

	return t.idx.Put(chatIndexKey(m.ChatID, m.ID), []byte{})
}

// Delete removes a message by id. Missing ids are not an error.
func (t *MessageTx) Delete(id string) error {
	old, err := t.Get(id)
	if err != nil || old == nil {
		return err
	}

	if err := t.idx.Delete(chatIndexKey(old.ChatID, id)); err != nil {
		return err
	}

	return t.b.Delete([]byte(id))
}

// ByChat returns the messages of a chat in ascending timestamp order.
// Ties are broken by id so the order is stable across reads.
func (t *MessageTx) ByChat(chatID string) ([]models.ChatMessage, error) {
	var msgs []models.ChatMessage

	prefix := chatIndexKey(chatID, "")
	c := t.idx.Cursor()

	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		v := t.b.Get(k[len(prefix):])
		if v == nil {
			continue
		}

		var m models.ChatMessage
		if err := json.Unmarshal(v, &m); err != nil {
			return nil, err
		}

		msgs = append(msgs, m)
	}

	sortMessages(msgs)

	return msgs, nil
}

// All returns every cached message, unordered.
func (t *MessageTx) All() ([]models.ChatMessage, error) {
	var msgs []models.ChatMessage

	err := t.b.ForEach(func(_, v []byte) error {
		var m models.ChatMessage
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}

		msgs = append(msgs, m)

		return nil
	})

	return msgs, err
}

// UpdateMessages runs fn in one read-write transaction. Readers never
// observe a partially applied fn.
func (s *State) UpdateMessages(fn func(tx *MessageTx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(messageTx(tx))
	})
}

// UpsertMessage writes a single message.
func (s *State) UpsertMessage(m models.ChatMessage) error {
	return s.UpdateMessages(func(tx *MessageTx) error {
		return tx.Put(m)
	})
}

// GetMessage returns a message by id, or nil if not found.
func (s *State) GetMessage(id string) (*models.ChatMessage, error) {
	var m *models.ChatMessage

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		m, err = messageTx(tx).Get(id)

		return err
	})

	return m, err
}

// DeleteMessage removes a message by id.
func (s *State) DeleteMessage(id string) error {
	return s.UpdateMessages(func(tx *MessageTx) error {
		return tx.Delete(id)
	})
}

// Messages returns the cached history of a chat, oldest first.
func (s *State) Messages(chatID string) ([]models.ChatMessage, error) {
	var msgs []models.ChatMessage

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		msgs, err = messageTx(tx).ByChat(chatID)

		return err
	})

	return msgs, err
}

// MaxTimestamp returns the newest timestamp among the server-issued
// messages cached for a chat, or 0 when there are none. Optimistic
// messages carry the device clock and are skipped.
func (s *State) MaxTimestamp(chatID string) (int64, error) {
	msgs, err := s.Messages(chatID)
	if err != nil {
		return 0, err
	}

	var ts int64

	for _, m := range msgs {
		if !m.Optimistic() {
			ts = max(ts, m.Timestamp)
		}
	}

	return ts, nil
}

// RenameChat moves every message and the session from oldID to newID in
// one transaction. Returns the number of messages moved. Running it again
// for the same pair moves nothing.
func (s *State) RenameChat(oldID, newID string) (int, error) {
	moved := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		mtx := messageTx(tx)

		msgs, err := mtx.ByChat(oldID)
		if err != nil {
			return err
		}

		for _, m := range msgs {
			m.ChatID = newID
			if err := mtx.Put(m); err != nil {
				return err
			}

			moved++
		}

		sb := tx.Bucket(sessionsBucket)

		v := sb.Get([]byte(oldID))
		if v == nil {
			return nil
		}

		var cs models.ChatSession
		if err := json.Unmarshal(v, &cs); err != nil {
			return err
		}

		// Keep the server's copy if it already arrived under the new id.
		if sb.Get([]byte(newID)) == nil {
			cs.ID = newID
			if err := putJSON(sb, []byte(newID), cs); err != nil {
				return err
			}
		}

		return sb.Delete([]byte(oldID))
	})

	return moved, err
}

// AttachRemoteRef sets the remote reference on the part whose LocalID
// matches, wherever that part's message currently lives. Reports whether
// a part was found.
func (s *State) AttachRemoteRef(localID, ref string) (bool, error) {
	found := false

	err := s.UpdateMessages(func(tx *MessageTx) error {
		msgs, err := tx.All()
		if err != nil {
			return err
		}

		for _, m := range msgs {
			changed := false

			for i := range m.Parts {
				if m.Parts[i].LocalID == localID {
					m.Parts[i].RemoteMediaRef = ref
					changed = true
				}
			}

			if changed {
				found = true
				if err := tx.Put(m); err != nil {
					return err
				}
			}
		}

		return nil
	})

	return found, err
}

// SetLocalMediaPath records the cached file for every part of a message
// that references ref. Reports whether the message had such a part.
func (s *State) SetLocalMediaPath(messageID, ref, path string) (bool, error) {
	found := false

	err := s.UpdateMessages(func(tx *MessageTx) error {
		m, err := tx.Get(messageID)
		if err != nil || m == nil {
			return err
		}

		for i := range m.Parts {
			if m.Parts[i].RemoteMediaRef == ref {
				m.Parts[i].LocalMediaPath = path
				found = true
			}
		}

		if !found {
			return nil
		}

		return tx.Put(*m)
	})

	return found, err
}

// --- Outbound queue ---

// EnqueueOutbound persists a frame that could not be sent. Ids come from
// the bucket sequence, so they increase monotonically across restarts.
func (s *State) EnqueueOutbound(action string, payload []byte, at time.Time) (models.QueuedOutbound, error) {
	var q models.QueuedOutbound

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(outboundBucket)

		id, err := b.NextSequence()
		if err != nil {
			return err
		}

		q = models.QueuedOutbound{ID: id, Action: action, Payload: payload, EnqueuedAt: at}

		return putJSON(b, seqKey(id), q)
	})

	return q, err
}

// PendingOutbound returns every queued frame in enqueue order. Keys are
// big-endian so bbolt's byte order is id order.
func (s *State) PendingOutbound() ([]models.QueuedOutbound, error) {
	var entries []models.QueuedOutbound

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(outboundBucket).ForEach(func(_, v []byte) error {
			var q models.QueuedOutbound
			if err := json.Unmarshal(v, &q); err != nil {
				return err
			}

			entries = append(entries, q)

			return nil
		})
	})

	return entries, err
}

// DeleteOutbound removes a queued frame by id.
func (s *State) DeleteOutbound(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(outboundBucket).Delete(seqKey(id))
	})
}

// OutboundDepth returns the number of queued frames.
func (s *State) OutboundDepth() int {
	count := 0
	_ = s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(outboundBucket).Stats().KeyN
		return nil
	})

	return count
}

// --- Media index ---

// GetMedia returns the cached file recorded for a remote reference, or
// nil if the reference has not been seen.
func (s *State) GetMedia(ref string) (*models.MediaRecord, error) {
	var rec *models.MediaRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(mediaBucket).Get([]byte(ref))
		if v == nil {
			return nil
		}

		rec = &models.MediaRecord{}

		return json.Unmarshal(v, rec)
	})

	return rec, err
}

// PutMedia records the cached file for a remote reference.
func (s *State) PutMedia(rec models.MediaRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(mediaBucket), []byte(rec.RemoteRef), rec)
	})
}

// DeleteMedia forgets a remote reference.
func (s *State) DeleteMedia(ref string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(mediaBucket).Delete([]byte(ref))
	})
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return b.Put(key, data)
}

func seqKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)

	return key
}

func sortMessages(msgs []models.ChatMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}

		return msgs[i].ID < msgs[j].ID
	})
}
