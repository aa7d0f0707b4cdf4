package peerstore

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var bucketPeers = []byte("peers")

var errInvalidAddr = errors.New("invalid peer address")

// Record is a peer seen in a previous or the current run.
type Record struct {
	Addr     netip.AddrPort `cbor:"1,keyasint"`
	Instance uuid.UUID      `cbor:"2,keyasint"`
	LastSeen time.Time      `cbor:"3,keyasint"`
}

// Store persists the peer book in a bbolt database so that peers learned
// at runtime are probed again after a restart.
type Store struct {
	db  *bbolt.DB
	enc cbor.EncMode
}

func Open(path string) (*Store, error) {
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open peer store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPeers)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create peers bucket: %w", err)
	}
	return &Store{db: db, enc: enc}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(r Record) error {
	if !r.Addr.IsValid() {
		return errInvalidAddr
	}
	raw, err := s.enc.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPeers).Put([]byte(r.Addr.String()), raw)
	})
}

func (s *Store) Delete(addr netip.AddrPort) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPeers).Delete([]byte(addr.String()))
	})
}

// Records returns all stored peers ordered by address.
func (s *Store) Records() ([]Record, error) {
	var rs []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPeers).ForEach(func(k, v []byte) error {
			var r Record
			err := cbor.Unmarshal(v, &r)
			if err != nil {
				return fmt.Errorf("failed to decode peer %q: %w", k, err)
			}
			rs = append(rs, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(rs, func(a, b Record) int { return a.Addr.Compare(b.Addr) })
	return rs, nil
}
