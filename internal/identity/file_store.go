package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// FileStore 以 YAML 檔保存帳號，鍵為使用者名稱
//
// 整份檔案載入記憶體，每次寫入先寫暫存檔再 rename。
type FileStore struct {
	path  string
	mu    sync.RWMutex
	users map[string]Credential
}

// NewFileStore 開啟（或建立）帳號檔
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path:  path,
		users: make(map[string]Credential),
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	if err := yaml.Unmarshal(data, &s.users); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	if s.users == nil {
		s.users = make(map[string]Credential)
	}
	return s, nil
}

// Get 查詢帳號
func (s *FileStore) Get(_ context.Context, username string) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.users[username]
	if !ok {
		return Credential{}, ErrUserNotFound
	}
	return cred, nil
}

// Create 新增帳號並寫回檔案
func (s *FileStore) Create(_ context.Context, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[cred.Username]; exists {
		return ErrUserExists
	}

	s.users[cred.Username] = cred
	if err := s.flushLocked(); err != nil {
		delete(s.users, cred.Username)
		return err
	}
	return nil
}

func (s *FileStore) flushLocked() error {
	data, err := yaml.Marshal(s.users)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close credentials: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("chmod credentials: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("rename credentials: %w", err)
	}
	return nil
}
