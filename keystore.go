package bridge

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

// The key store persists public keys a user has approved, so a peer
// reconnecting with a known key skips the UNAUTHORIZED approval step.
// Records are kept in a local BoltDB database, keyed by key digest.

var keysBucket = []byte("trusted")

// TrustedKey is one persisted approved public key.
type TrustedKey struct {
	Blob  []byte    `cbor:"blob"`
	Name  string    `cbor:"name,omitempty"`
	Added time.Time `cbor:"added"`
}

// KeyStore is a BoltDB-backed store of trusted public keys.
type KeyStore struct {
	db *bolt.DB
}

// OpenKeyStore opens (creating if needed) the key database at path.
func OpenKeyStore(path string) (*KeyStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening key store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(keysBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing key store: %w", err)
	}
	return &KeyStore{db: db}, nil
}

// Close releases the underlying database.
func (ks *KeyStore) Close() error {
	return ks.db.Close()
}

func keyDigest(blob []byte) []byte {
	sum := sha256.Sum256(blob)
	return sum[:]
}

// TrustKey persists a public key as trusted under an optional display name.
// Idempotent for the same blob.
func (ks *KeyStore) TrustKey(blob []byte, name string) error {
	rec := TrustedKey{
		Blob:  blob,
		Name:  name,
		Added: time.Now().UTC(),
	}
	val, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding key record: %w", err)
	}
	return ks.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(keysBucket).Put(keyDigest(blob), val)
	})
}

// Trusted reports whether blob was previously approved.
func (ks *KeyStore) Trusted(blob []byte) bool {
	found := false
	ks.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(keysBucket).Get(keyDigest(blob)) != nil
		return nil
	})
	return found
}

// RevokeKey removes a previously trusted key.
func (ks *KeyStore) RevokeKey(blob []byte) error {
	return ks.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(keysBucket).Delete(keyDigest(blob))
	})
}

// Keys returns all trusted keys.
func (ks *KeyStore) Keys() ([]TrustedKey, error) {
	var res []TrustedKey
	err := ks.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(keysBucket).ForEach(func(_, v []byte) error {
			var rec TrustedKey
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding key record: %w", err)
			}
			res = append(res, rec)
			return nil
		})
	})
	return res, err
}
