package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/amuif/derma-scan/internal/scanning"
)

const (
	bucketName = "auth"
	tokenKey   = "authToken"
	userKey    = "user"
)

// User is the signed-in account as returned by the backend
type User struct {
	ID             string `json:"id"`
	Name           string `json:"name,omitempty"`
	Email          string `json:"email,omitempty"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

// Store defines the interface for persisting the signed-in session
type Store interface {
	scanning.CredentialProvider

	// Save stores the token and user together
	Save(token string, user *User) error

	// User returns the stored user, or scanning.ErrAuthMissing
	User() (*User, error)

	// Clear removes the session
	Clear() error

	// Close closes the underlying database
	Close() error
}

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (or creates) the session database at path
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Save stores the token and user in one transaction
func (b *BoltStore) Save(token string, user *User) error {
	if token == "" || user == nil || user.ID == "" {
		return fmt.Errorf("saving session: token and user id are required")
	}

	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshaling user: %w", err)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if err := bucket.Put([]byte(tokenKey), []byte(token)); err != nil {
			return fmt.Errorf("saving token: %w", err)
		}
		if err := bucket.Put([]byte(userKey), data); err != nil {
			return fmt.Errorf("saving user: %w", err)
		}
		return nil
	})
}

// User returns the stored user
func (b *BoltStore) User() (*User, error) {
	var user *User
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucketName)).Get([]byte(userKey))
		if data == nil {
			return scanning.ErrAuthMissing
		}
		if err := json.Unmarshal(data, &user); err != nil {
			return fmt.Errorf("unmarshaling user: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// Credentials returns the stored token and user id, or scanning.ErrAuthMissing
func (b *BoltStore) Credentials(ctx context.Context) (scanning.Credentials, error) {
	if err := ctx.Err(); err != nil {
		return scanning.Credentials{}, err
	}

	var creds scanning.Credentials
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		creds.Token = string(bucket.Get([]byte(tokenKey)))

		data := bucket.Get([]byte(userKey))
		if data == nil {
			return nil
		}
		var user User
		if err := json.Unmarshal(data, &user); err != nil {
			return fmt.Errorf("unmarshaling user: %w", err)
		}
		creds.UserID = user.ID
		return nil
	})
	if err != nil {
		return scanning.Credentials{}, err
	}
	if !creds.Present() {
		return scanning.Credentials{}, scanning.ErrAuthMissing
	}
	return creds, nil
}

// Clear removes the token and user
func (b *BoltStore) Clear() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if err := bucket.Delete([]byte(tokenKey)); err != nil {
			return err
		}
		return bucket.Delete([]byte(userKey))
	})
}

// Close closes the database connection
func (b *BoltStore) Close() error {
	return b.db.Close()
}
