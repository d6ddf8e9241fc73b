package users

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/denizumutdereli/gatekeep/pkg/core"
)

// FileName is the users file inside the data directory.
const FileName = "users.db"

// Store keeps every account in memory, indexed by id, email and username,
// and persists the full set on each mutation. A failed write rolls the
// in-memory change back.
type Store struct {
	mu         sync.RWMutex
	byID       map[string]*User
	byEmail    map[string]string
	byUsername map[string]string

	filePath string
	codec    *codec
	now      func() time.Time
}

// NewStore opens (or creates) the store under dataPath.
func NewStore(dataPath string, compress bool) (*Store, error) {
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data path: %w", err)
	}

	s := &Store{
		byID:       make(map[string]*User),
		byEmail:    make(map[string]string),
		byUsername: make(map[string]string),
		filePath:   filepath.Join(dataPath, FileName),
		codec:      newCodec(compress),
		now:        time.Now,
	}

	if err := s.load(); err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}
	return s, nil
}

func emailKey(email string) string       { return strings.ToLower(strings.TrimSpace(email)) }
func usernameKey(username string) string { return strings.ToLower(strings.TrimSpace(username)) }

// Create registers a new account. Email and username are unique,
// case-insensitively.
func (s *Store) Create(email, username string, passwordHash []byte) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byEmail[emailKey(email)]; taken {
		return nil, core.ErrEmailTaken
	}
	if _, taken := s.byUsername[usernameKey(username)]; taken {
		return nil, core.ErrUsernameTaken
	}

	now := s.now()
	u := &User{
		ID:           uuid.NewString(),
		Email:        strings.TrimSpace(email),
		Username:     strings.TrimSpace(username),
		PasswordHash: append([]byte(nil), passwordHash...),
		VerifyToken:  uuid.NewString(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.index(u)

	if err := s.save(); err != nil {
		s.unindex(u)
		return nil, fmt.Errorf("%w: %v", core.ErrPersistenceFailed, err)
	}
	return u.clone(), nil
}

// Get returns a copy of the account with id.
func (s *Store) Get(id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.byID[id]
	if !ok {
		return nil, core.ErrUserNotFound
	}
	return u.clone(), nil
}

// FindByLogin resolves an email address or a username.
func (s *Store) FindByLogin(login string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[emailKey(login)]
	if !ok {
		id, ok = s.byUsername[usernameKey(login)]
	}
	if !ok {
		return nil, core.ErrUserNotFound
	}
	return s.byID[id].clone(), nil
}

// FindByVerifyToken returns the unverified account holding token.
func (s *Store) FindByVerifyToken(token string) (*User, error) {
	return s.findFirst(func(u *User) bool {
		return token != "" && u.VerifyToken == token
	})
}

// FindByResetDigest returns the account whose reset digest matches and has
// not expired.
func (s *Store) FindByResetDigest(digest string) (*User, error) {
	now := s.now()
	return s.findFirst(func(u *User) bool {
		return digest != "" && u.ResetDigest == digest && now.Before(u.ResetExpires)
	})
}

func (s *Store) findFirst(match func(*User) bool) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.byID {
		if match(u) {
			return u.clone(), nil
		}
	}
	return nil, core.ErrUserNotFound
}

// Update applies mutate to a copy of the account and commits it when
// mutate succeeds, the unique keys are still free and the file is written.
func (s *Store) Update(id string, mutate func(u *User) error) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.byID[id]
	if !ok {
		return nil, core.ErrUserNotFound
	}

	next := current.clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	next.Email = strings.TrimSpace(next.Email)
	next.Username = strings.TrimSpace(next.Username)

	if owner, taken := s.byEmail[emailKey(next.Email)]; taken && owner != id {
		return nil, core.ErrEmailTaken
	}
	if owner, taken := s.byUsername[usernameKey(next.Username)]; taken && owner != id {
		return nil, core.ErrUsernameTaken
	}
	next.UpdatedAt = s.now()

	s.unindex(current)
	s.index(next)

	if err := s.save(); err != nil {
		// Rollback
		s.unindex(next)
		s.index(current)
		return nil, fmt.Errorf("%w: %v", core.ErrPersistenceFailed, err)
	}
	return next.clone(), nil
}

// Delete removes the account with id.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[id]
	if !ok {
		return core.ErrUserNotFound
	}
	s.unindex(u)

	if err := s.save(); err != nil {
		s.index(u)
		return fmt.Errorf("%w: %v", core.ErrPersistenceFailed, err)
	}
	return nil
}

// List returns copies of every account ordered by creation time.
func (s *Store) List() []*User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*User, 0, len(s.byID))
	for _, u := range s.byID {
		out = append(out, u.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Count returns the number of accounts.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Path returns the users file location.
func (s *Store) Path() string { return s.filePath }

func (s *Store) index(u *User) {
	s.byID[u.ID] = u
	s.byEmail[emailKey(u.Email)] = u.ID
	s.byUsername[usernameKey(u.Username)] = u.ID
}

func (s *Store) unindex(u *User) {
	delete(s.byID, u.ID)
	delete(s.byEmail, emailKey(u.Email))
	delete(s.byUsername, usernameKey(u.Username))
}

// ── Persistence ──────────────────────────────────────────────

func (s *Store) load() error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // No file yet
		}
		return err
	}

	list, err := s.codec.decode(data)
	if err != nil {
		return err
	}
	for _, u := range list {
		s.index(u)
	}
	return nil
}

func (s *Store) save() error {
	list := make([]*User, 0, len(s.byID))
	for _, u := range s.byID {
		list = append(list, u)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	data, err := s.codec.encode(list)
	if err != nil {
		return err
	}
	return writeAtomically(s.filePath, data, 0600)
}

func writeAtomically(path string, data []byte, perm os.FileMode) error {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return syncDir(filepath.Dir(path))
}

func syncDir(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(path)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
