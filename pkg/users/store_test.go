package users

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/denizumutdereli/gatekeep/pkg/core"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(dir, true)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s, dir
}

// ---------------------------------------------------------------------------
// Create / lookup
// ---------------------------------------------------------------------------

func TestStore_CreateAndFind(t *testing.T) {
	s, _ := newTestStore(t)

	u, err := s.Create(" Ana@Example.com ", "ana", []byte("hash"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if u.ID == "" || u.VerifyToken == "" || u.Verified {
		t.Errorf("unexpected new user %+v", u)
	}
	if u.Email != "Ana@Example.com" {
		t.Errorf("email should be trimmed, got %q", u.Email)
	}

	for _, login := range []string{"ana@example.com", "ANA", "ana"} {
		got, err := s.FindByLogin(login)
		if err != nil || got.ID != u.ID {
			t.Errorf("FindByLogin(%q) = %v, %v", login, got, err)
		}
	}
	if _, err := s.FindByLogin("nobody"); !errors.Is(err, core.ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestStore_UniqueKeys(t *testing.T) {
	s, _ := newTestStore(t)
	s.Create("ana@example.com", "ana", nil)

	if _, err := s.Create("ANA@example.com", "other", nil); !errors.Is(err, core.ErrEmailTaken) {
		t.Errorf("expected ErrEmailTaken, got %v", err)
	}
	if _, err := s.Create("other@example.com", "Ana", nil); !errors.Is(err, core.ErrUsernameTaken) {
		t.Errorf("expected ErrUsernameTaken, got %v", err)
	}
	if s.Count() != 1 {
		t.Errorf("expected 1 user, got %d", s.Count())
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	s, _ := newTestStore(t)
	u, _ := s.Create("ana@example.com", "ana", []byte("hash"))

	u.Username = "mallory"
	u.PasswordHash[0] = 'X'

	got, _ := s.Get(u.ID)
	if got.Username != "ana" || string(got.PasswordHash) != "hash" {
		t.Errorf("store state leaked through returned pointer: %+v", got)
	}
}

// ---------------------------------------------------------------------------
// Update / Delete
// ---------------------------------------------------------------------------

func TestStore_UpdateReindexes(t *testing.T) {
	s, _ := newTestStore(t)
	u, _ := s.Create("ana@example.com", "ana", nil)

	updated, err := s.Update(u.ID, func(u *User) error {
		u.Email = "ana@new.example.com"
		u.Username = "ana2"
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.UpdatedAt.Before(u.UpdatedAt) {
		t.Error("UpdatedAt should not go backwards")
	}
	if _, err := s.FindByLogin("ana@example.com"); err == nil {
		t.Error("old email should be released")
	}
	if got, err := s.FindByLogin("ana2"); err != nil || got.ID != u.ID {
		t.Errorf("new username should resolve, got %v %v", got, err)
	}
	if _, err := s.Create("ana@example.com", "ana", nil); err != nil {
		t.Errorf("released keys should be reusable: %v", err)
	}
}

func TestStore_UpdateConflictLeavesStateUntouched(t *testing.T) {
	s, _ := newTestStore(t)
	a, _ := s.Create("a@example.com", "alpha", nil)
	s.Create("b@example.com", "bravo", nil)

	_, err := s.Update(a.ID, func(u *User) error {
		u.Username = "BRAVO"
		u.Bio = "changed"
		return nil
	})
	if !errors.Is(err, core.ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
	got, _ := s.Get(a.ID)
	if got.Username != "alpha" || got.Bio != "" {
		t.Errorf("failed update should not change the user: %+v", got)
	}
}

func TestStore_UpdateMutatorError(t *testing.T) {
	s, _ := newTestStore(t)
	a, _ := s.Create("a@example.com", "alpha", nil)

	boom := errors.New("nope")
	if _, err := s.Update(a.ID, func(u *User) error { u.Bio = "x"; return boom }); !errors.Is(err, boom) {
		t.Errorf("expected mutator error, got %v", err)
	}
	if got, _ := s.Get(a.ID); got.Bio != "" {
		t.Error("mutator error should discard changes")
	}
}

func TestStore_Delete(t *testing.T) {
	s, _ := newTestStore(t)
	u, _ := s.Create("a@example.com", "alpha", nil)

	if err := s.Delete(u.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(u.ID); !errors.Is(err, core.ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound after delete, got %v", err)
	}
	if err := s.Delete(u.ID); !errors.Is(err, core.ErrUserNotFound) {
		t.Errorf("second delete should report not found, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Tokens
// ---------------------------------------------------------------------------

func TestStore_ResetDigestExpiry(t *testing.T) {
	s, _ := newTestStore(t)
	now := time.Now()
	s.now = func() time.Time { return now }
	u, _ := s.Create("a@example.com", "alpha", nil)

	s.Update(u.ID, func(u *User) error {
		u.ResetDigest = Digest("reset-token")
		u.ResetExpires = now.Add(time.Hour)
		return nil
	})

	if got, err := s.FindByResetDigest(Digest("reset-token")); err != nil || got.ID != u.ID {
		t.Errorf("expected reset digest match, got %v %v", got, err)
	}
	now = now.Add(2 * time.Hour)
	if _, err := s.FindByResetDigest(Digest("reset-token")); !errors.Is(err, core.ErrUserNotFound) {
		t.Errorf("expired reset token should not match, got %v", err)
	}
	if _, err := s.FindByResetDigest(""); err == nil {
		t.Error("empty digest must never match")
	}
}

func TestStore_FindByVerifyToken(t *testing.T) {
	s, _ := newTestStore(t)
	u, _ := s.Create("a@example.com", "alpha", nil)

	if got, err := s.FindByVerifyToken(u.VerifyToken); err != nil || got.ID != u.ID {
		t.Errorf("expected verify token match, got %v %v", got, err)
	}
	if _, err := s.FindByVerifyToken(""); err == nil {
		t.Error("empty token must never match")
	}
}

// ---------------------------------------------------------------------------
// Persistence
// ---------------------------------------------------------------------------

func TestStore_PersistsAcrossReopen(t *testing.T) {
	s, dir := newTestStore(t)
	a, _ := s.Create("a@example.com", "alpha", []byte("hash-a"))
	s.Create("b@example.com", "bravo", []byte("hash-b"))
	s.Update(a.ID, func(u *User) error { u.Verified = true; u.Bio = strings.Repeat("bio ", 50); return nil })

	reopened, err := NewStore(dir, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Count() != 2 {
		t.Fatalf("expected 2 users after reopen, got %d", reopened.Count())
	}
	got, err := reopened.FindByLogin("alpha")
	if err != nil {
		t.Fatalf("FindByLogin: %v", err)
	}
	if !got.Verified || string(got.PasswordHash) != "hash-a" || !got.CreatedAt.Equal(a.CreatedAt) {
		t.Errorf("user not restored faithfully: %+v", got)
	}
	if _, err := os.Stat(filepath.Join(dir, FileName+".tmp")); !os.IsNotExist(err) {
		t.Error("temporary file should not be left behind")
	}
}

func TestStore_PersistFailureRollsBack(t *testing.T) {
	s, dir := newTestStore(t)
	s.Create("a@example.com", "alpha", nil)

	// A directory squatting on the temp path makes the write fail.
	if err := os.Mkdir(filepath.Join(dir, FileName+".tmp"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if _, err := s.Create("b@example.com", "bravo", nil); !errors.Is(err, core.ErrPersistenceFailed) {
		t.Fatalf("expected ErrPersistenceFailed, got %v", err)
	}
	if s.Count() != 1 {
		t.Errorf("failed create should roll back, count=%d", s.Count())
	}
	if _, err := s.FindByLogin("bravo"); err == nil {
		t.Error("rolled-back username should not resolve")
	}
}

func TestStore_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("definitely not a users file"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewStore(dir, true); err == nil {
		t.Error("expected error for corrupt users file")
	}
}

func TestCodec_RoundTripCompressed(t *testing.T) {
	c := newCodec(true)
	in := []*User{{ID: "1", Email: "a@example.com", Username: "alpha", Bio: strings.Repeat("x", 1000)}}
	raw, err := c.encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := c.decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0].Bio != in[0].Bio {
		t.Errorf("round trip mismatch")
	}

	raw[len(raw)-1] ^= 0xFF
	if _, err := c.decode(raw); err == nil {
		t.Error("expected checksum error on tampered payload")
	}
}
