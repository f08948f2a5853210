package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"log/slog"
	"strconv"
)

// SetMetadata upserts a key-value pair in the exam_metadata table.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO exam_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?`,
		key, value, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM exam_metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// EnsureSecret returns the random secret stored under key, generating and
// persisting one on first use so it survives restarts.
func (s *Store) EnsureSecret(key string) (string, error) {
	secret, err := s.GetMetadata(key)
	if err != nil {
		return "", err
	}
	if secret != "" {
		return secret, nil
	}
	secret, err = generateToken()
	if err != nil {
		return "", err
	}
	if err := s.SetMetadata(key, secret); err != nil {
		return "", err
	}
	slog.Info("generated secret", "key", key)
	return secret, nil
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// GetImportedFileHash returns the stored hash for an imported questions file.
func (s *Store) GetImportedFileHash(examID int64, name string) (string, error) {
	return s.GetMetadata(importKey(examID, name))
}

// SetImportedFileHash records the hash of an imported questions file.
func (s *Store) SetImportedFileHash(examID int64, name, hash string) error {
	return s.SetMetadata(importKey(examID, name), hash)
}

func importKey(examID int64, name string) string {
	return "import:" + strconv.FormatInt(examID, 10) + ":" + name
}
