package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/brandvoice/contentops/internal/models"
)

// ErrKeyNotFound is returned when an API key has no file.
var ErrKeyNotFound = errors.New("api key not found")

// KeyStore handles API key persistence, one JSON file per key.
type KeyStore struct {
	keysDir string
	mu      sync.Mutex
}

// NewKeyStore creates a new key store
func NewKeyStore(keysDir string) *KeyStore {
	return &KeyStore{
		keysDir: keysDir,
	}
}

// Save writes an API key to its file.
func (s *KeyStore) Save(key *models.APIKey) error {
	path, err := s.path(key.Key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(path, key)
}

// Load reads an API key. Unknown keys yield ErrKeyNotFound.
func (s *KeyStore) Load(key string) (*models.APIKey, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(path)
}

// Touch records one use of key. The read, update and write happen under a
// single lock so concurrent requests never lose a count.
func (s *KeyStore) Touch(key string) (*models.APIKey, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	apiKey, err := s.read(path)
	if err != nil {
		return nil, err
	}
	apiKey.UpdateUsage()
	if err := s.write(path, apiKey); err != nil {
		return apiKey, err
	}
	return apiKey, nil
}

func (s *KeyStore) read(path string) (*models.APIKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	var apiKey models.APIKey
	if err := json.Unmarshal(data, &apiKey); err != nil {
		return nil, fmt.Errorf("failed to unmarshal key: %w", err)
	}
	return &apiKey, nil
}

func (s *KeyStore) write(path string, key *models.APIKey) error {
	if err := os.MkdirAll(s.keysDir, 0755); err != nil {
		return fmt.Errorf("failed to create keys directory: %w", err)
	}

	data, err := json.MarshalIndent(key, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// List returns all API keys ordered by creation time.
func (s *KeyStore) List() ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.keysDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*models.APIKey{}, nil
		}
		return nil, fmt.Errorf("failed to read keys directory: %w", err)
	}

	keys := make([]*models.APIKey, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.keysDir, entry.Name()))
		if err != nil {
			continue
		}
		var key models.APIKey
		if err := json.Unmarshal(data, &key); err != nil {
			continue
		}
		keys = append(keys, &key)
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt < keys[j].CreatedAt })
	return keys, nil
}

// Delete removes an API key file.
func (s *KeyStore) Delete(key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrKeyNotFound
		}
		return fmt.Errorf("failed to delete key file: %w", err)
	}
	return nil
}

// Exists checks if a key exists
func (s *KeyStore) Exists(key string) bool {
	path, err := s.path(key)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

func (s *KeyStore) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid key format")
	}
	return filepath.Join(s.keysDir, strings.ReplaceAll(key, ":", "_")+".json"), nil
}
