package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/element-hq/element-android-sub023/internal/domain"
)

const cryptoDBFilename = "crypto.db"

var (
	bucketOlmSessions      = []byte("olm_sessions")
	bucketInboundSessions  = []byte("inbound_group_sessions")
	bucketSharedWith       = []byte("outbound_shared_with")
	bucketWithheld         = []byte("withheld")
	bucketKeyRequests      = []byte("outgoing_key_requests")
	bucketKeyRequestBodies = []byte("outgoing_key_request_bodies")

	allBuckets = [][]byte{
		bucketOlmSessions,
		bucketInboundSessions,
		bucketSharedWith,
		bucketWithheld,
		bucketKeyRequests,
		bucketKeyRequestBodies,
	}
)

// BoltStore is the embedded crypto store: Olm sessions, inbound Megolm
// sessions, outbound shared-with records, withheld notices and outgoing key
// requests. Records are CBOR encoded.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if needed) the crypto database under dir.
func OpenBoltStore(dir string) (*BoltStore, error) {
	db, err := bolt.Open(filepath.Join(dir, cryptoDBFilename), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open crypto store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close releases the database file.
func (s *BoltStore) Close() error { return s.db.Close() }

func key(parts ...string) []byte {
	var b bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(p)
	}
	return b.Bytes()
}

func put(tx *bolt.Tx, bucket, k []byte, v any) error {
	b, err := marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put(k, b)
}

func get(tx *bolt.Tx, bucket, k []byte, out any) (bool, error) {
	v := tx.Bucket(bucket).Get(k)
	if v == nil {
		return false, nil
	}
	return true, unmarshal(v, out)
}

// --- Olm sessions ---

// SaveOlmSession inserts or replaces a session.
func (s *BoltStore) SaveOlmSession(session domain.OlmSession) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketOlmSessions, key(string(session.PeerIdentityKey), string(session.SessionID)), session)
	})
}

// OlmSessions returns every session with a peer, most recently used first.
func (s *BoltStore) OlmSessions(peer domain.Curve25519Key) ([]domain.OlmSession, error) {
	var out []domain.OlmSession
	prefix := key(string(peer), "")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOlmSessions).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var sess domain.OlmSession
			if err := unmarshal(v, &sess); err != nil {
				return err
			}
			out = append(out, sess)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastUsedUnix > out[j].LastUsedUnix })
	return out, nil
}

// --- inbound group sessions ---

// SaveInboundGroupSession inserts or replaces an inbound session.
func (s *BoltStore) SaveInboundGroupSession(session domain.InboundGroupSession) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketInboundSessions, key(string(session.SenderKey), string(session.SessionID)), session)
	})
}

// InboundGroupSession looks up a session by sender key and id.
func (s *BoltStore) InboundGroupSession(
	senderKey domain.Curve25519Key,
	sessionID domain.SessionID,
) (domain.InboundGroupSession, bool, error) {
	var sess domain.InboundGroupSession
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		ok, err = get(tx, bucketInboundSessions, key(string(senderKey), string(sessionID)), &sess)
		return err
	})
	return sess, ok, err
}

// InboundGroupSessions returns every stored inbound session.
func (s *BoltStore) InboundGroupSessions() ([]domain.InboundGroupSession, error) {
	return s.inboundWhere(0, func(domain.InboundGroupSession) bool { return true })
}

// InboundGroupSessionsToBackUp returns up to limit sessions not backed up yet.
func (s *BoltStore) InboundGroupSessionsToBackUp(limit int) ([]domain.InboundGroupSession, error) {
	return s.inboundWhere(limit, func(sess domain.InboundGroupSession) bool { return !sess.BackedUp })
}

func (s *BoltStore) inboundWhere(limit int, match func(domain.InboundGroupSession) bool) ([]domain.InboundGroupSession, error) {
	var out []domain.InboundGroupSession
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInboundSessions).ForEach(func(_, v []byte) error {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			var sess domain.InboundGroupSession
			if err := unmarshal(v, &sess); err != nil {
				return err
			}
			if match(sess) {
				out = append(out, sess)
			}
			return nil
		})
	})
	return out, err
}

// MarkInboundGroupSessionsBackedUp sets BackedUp on the given sessions.
func (s *BoltStore) MarkInboundGroupSessionsBackedUp(sessions []domain.InboundGroupSession) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, sess := range sessions {
			k := key(string(sess.SenderKey), string(sess.SessionID))
			var stored domain.InboundGroupSession
			ok, err := get(tx, bucketInboundSessions, k, &stored)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			stored.BackedUp = true
			if err := put(tx, bucketInboundSessions, k, stored); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- outbound shared-with ---

// MarkSharedWith records the chain index a device received a session at.
func (s *BoltStore) MarkSharedWith(record domain.SharedWith) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var idx [4]byte
		binary.BigEndian.PutUint32(idx[:], record.ChainIndex)
		k := key(string(record.RoomID), string(record.SessionID), string(record.UserID), string(record.DeviceID))
		return tx.Bucket(bucketSharedWith).Put(k, idx[:])
	})
}

// SharedWith returns the chain index a device received a session at.
func (s *BoltStore) SharedWith(
	roomID domain.RoomID,
	sessionID domain.SessionID,
	userID domain.UserID,
	deviceID domain.DeviceID,
) (uint32, bool, error) {
	var (
		index uint32
		ok    bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSharedWith).Get(key(string(roomID), string(sessionID), string(userID), string(deviceID)))
		if len(v) == 4 {
			index, ok = binary.BigEndian.Uint32(v), true
		}
		return nil
	})
	return index, ok, err
}

// --- withheld ---

// SaveWithheld stores a withheld notice for a session.
func (s *BoltStore) SaveWithheld(content domain.RoomKeyWithheldContent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketWithheld, key(string(content.RoomID), string(content.SessionID)), content)
	})
}

// Withheld returns the withheld notice stored for a session.
func (s *BoltStore) Withheld(
	roomID domain.RoomID,
	sessionID domain.SessionID,
) (domain.RoomKeyWithheldContent, bool, error) {
	var (
		content domain.RoomKeyWithheldContent
		ok      bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		ok, err = get(tx, bucketWithheld, key(string(roomID), string(sessionID)), &content)
		return err
	})
	return content, ok, err
}

// --- outgoing key requests ---

// SaveOutgoingKeyRequest inserts or replaces a request and indexes it by body.
func (s *BoltStore) SaveOutgoingKeyRequest(request domain.OutgoingKeyRequest) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := put(tx, bucketKeyRequests, []byte(request.RequestID), request); err != nil {
			return err
		}
		return tx.Bucket(bucketKeyRequestBodies).Put([]byte(request.Body.Fingerprint()), []byte(request.RequestID))
	})
}

// OutgoingKeyRequestByBody returns the request for a body, if any.
func (s *BoltStore) OutgoingKeyRequestByBody(
	body domain.RoomKeyRequestBody,
) (domain.OutgoingKeyRequest, bool, error) {
	var (
		request domain.OutgoingKeyRequest
		ok      bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketKeyRequestBodies).Get([]byte(body.Fingerprint()))
		if id == nil {
			return nil
		}
		var err error
		ok, err = get(tx, bucketKeyRequests, id, &request)
		return err
	})
	return request, ok, err
}

// OutgoingKeyRequestsInState returns the requests in any of states, oldest first.
func (s *BoltStore) OutgoingKeyRequestsInState(
	states ...domain.OutgoingKeyRequestState,
) ([]domain.OutgoingKeyRequest, error) {
	want := make(map[domain.OutgoingKeyRequestState]bool, len(states))
	for _, st := range states {
		want[st] = true
	}
	var out []domain.OutgoingKeyRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeyRequests).ForEach(func(_, v []byte) error {
			var request domain.OutgoingKeyRequest
			if err := unmarshal(v, &request); err != nil {
				return err
			}
			if want[request.State] {
				out = append(out, request)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedUnix < out[j].CreatedUnix })
	return out, nil
}

// DeleteOutgoingKeyRequest removes a request and its body index.
func (s *BoltStore) DeleteOutgoingKeyRequest(requestID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var request domain.OutgoingKeyRequest
		ok, err := get(tx, bucketKeyRequests, []byte(requestID), &request)
		if err != nil || !ok {
			return err
		}
		if err := tx.Bucket(bucketKeyRequests).Delete([]byte(requestID)); err != nil {
			return err
		}
		bodies := tx.Bucket(bucketKeyRequestBodies)
		fp := []byte(request.Body.Fingerprint())
		if bytes.Equal(bodies.Get(fp), []byte(requestID)) {
			return bodies.Delete(fp)
		}
		return nil
	})
}

// Compile-time assertions that BoltStore implements the crypto store interfaces.
var (
	_ domain.OlmSessionStore          = (*BoltStore)(nil)
	_ domain.InboundGroupSessionStore = (*BoltStore)(nil)
	_ domain.SharedSessionStore       = (*BoltStore)(nil)
	_ domain.WithheldStore            = (*BoltStore)(nil)
	_ domain.KeyRequestStore          = (*BoltStore)(nil)
)
