package credstore

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// failingBackend fails every operation once broken is set.
type failingBackend struct {
	MemBackend
	broken bool
	loads  int
	mu     sync.Mutex
}

var errBroken = errors.New("storage broken")

func (f *failingBackend) Load() (*Credentials, error) {
	f.mu.Lock()
	f.loads++
	broken := f.broken
	f.mu.Unlock()
	if broken {
		return nil, errBroken
	}
	return f.MemBackend.Load()
}

func (f *failingBackend) Save(c *Credentials) error {
	if f.broken {
		return errBroken
	}
	return f.MemBackend.Save(c)
}

func (f *failingBackend) Delete() error {
	if f.broken {
		return errBroken
	}
	return f.MemBackend.Delete()
}

func TestStoreLoadOnce(t *testing.T) {
	b := &failingBackend{}
	if err := b.MemBackend.Save(&Credentials{AccessToken: "A1", RefreshToken: "R1", UserID: "7"}); err != nil {
		t.Fatal(err)
	}
	s := NewStore(b, nil)

	if s.Get() != nil {
		t.Fatal("credentials visible before load")
	}
	if !s.Load() {
		t.Fatal("want credentials found")
	}
	if !s.Load() {
		t.Fatal("want credentials found on second load")
	}
	if b.loads != 1 {
		t.Errorf("backend read %d times, want 1", b.loads)
	}
	if got := s.AccessToken(); got != "A1" {
		t.Errorf("want access token A1, got %q", got)
	}
}

func TestStoreSet(t *testing.T) {
	b := &MemBackend{}
	s := NewStore(b, nil)
	s.Load()

	if err := s.Set(Credentials{AccessToken: "A1", UserID: "7"}); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("want ErrIncomplete, got %v", err)
	}
	if s.Get() != nil {
		t.Fatal("incomplete credentials were stored")
	}

	want := Credentials{AccessToken: "A1", RefreshToken: "R1", UserID: "7"}
	if err := s.Set(want); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(&want, s.Get()); diff != "" {
		t.Errorf("store (-want +got):\n%s", diff)
	}
	persisted, err := b.Load()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(&want, persisted); diff != "" {
		t.Errorf("backend (-want +got):\n%s", diff)
	}

	// returned values are copies
	got := s.Get()
	got.AccessToken = "mutated"
	if s.AccessToken() != "A1" {
		t.Error("Get leaked internal state")
	}
}

func TestStoreSetAccessToken(t *testing.T) {
	s := NewStore(&MemBackend{}, nil)
	s.Load()

	if err := s.SetAccessToken("R1", "A2", time.Time{}); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("want ErrNoCredentials, got %v", err)
	}

	if err := s.Set(Credentials{AccessToken: "A1", RefreshToken: "R1", UserID: "7"}); err != nil {
		t.Fatal(err)
	}
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	if err := s.SetAccessToken("R1", "A2", exp); err != nil {
		t.Fatal(err)
	}

	want := &Credentials{AccessToken: "A2", RefreshToken: "R1", UserID: "7", Expiry: exp}
	if diff := cmp.Diff(want, s.Get()); diff != "" {
		t.Errorf("store (-want +got):\n%s", diff)
	}
}

func TestStoreClear(t *testing.T) {
	b := &MemBackend{}
	s := NewStore(b, nil)
	if err := s.Set(Credentials{AccessToken: "A1", RefreshToken: "R1", UserID: "7"}); err != nil {
		t.Fatal(err)
	}

	s.Clear()
	s.Clear()

	if s.Get() != nil || s.AccessToken() != "" || s.RefreshToken() != "" {
		t.Error("credentials survived clear")
	}
	if c, _ := b.Load(); c != nil {
		t.Error("backend still holds credentials")
	}
}

func TestStoreDegradesOnLoadFailure(t *testing.T) {
	b := &failingBackend{broken: true}
	s := NewStore(b, nil)

	if s.Load() {
		t.Fatal("want no credentials")
	}
	if !s.Degraded() {
		t.Fatal("want degraded store")
	}

	// still usable in memory
	if err := s.Set(Credentials{AccessToken: "A1", RefreshToken: "R1", UserID: "7"}); err != nil {
		t.Fatal(err)
	}
	if s.AccessToken() != "A1" {
		t.Errorf("want A1 in memory, got %q", s.AccessToken())
	}
	s.Clear()
	if s.Get() != nil {
		t.Error("credentials survived clear")
	}
}

func TestStoreDegradesOnSaveFailure(t *testing.T) {
	b := &failingBackend{}
	s := NewStore(b, nil)
	s.Load()

	b.broken = true
	if err := s.Set(Credentials{AccessToken: "A1", RefreshToken: "R1", UserID: "7"}); err != nil {
		t.Fatalf("backend failure surfaced: %v", err)
	}
	if !s.Degraded() {
		t.Error("want degraded store")
	}
	if s.AccessToken() != "A1" {
		t.Errorf("want A1 in memory, got %q", s.AccessToken())
	}
}

func TestStoreConcurrentAccess(t *testing.T) {
	s := NewStore(&MemBackend{}, nil)
	s.Load()
	if err := s.Set(Credentials{AccessToken: "A1", RefreshToken: "R1", UserID: "7"}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 100 {
				_ = s.AccessToken()
				_ = s.Get()
			}
		})
	}
	wg.Go(func() {
		for range 100 {
			_ = s.SetAccessToken("R1", "A2", time.Time{})
		}
	})
	wg.Wait()

	if s.AccessToken() != "A2" {
		t.Errorf("want A2, got %q", s.AccessToken())
	}
}

func TestStoreSetAccessTokenSessionChanged(t *testing.T) {
	b := &MemBackend{}
	s := NewStore(b, nil)
	s.Load()

	// user 7 signs out and user 8 signs in while a renewal for R1 runs
	if err := s.Set(Credentials{AccessToken: "A1", RefreshToken: "R1", UserID: "7"}); err != nil {
		t.Fatal(err)
	}
	s.Clear()
	want := Credentials{AccessToken: "B1", RefreshToken: "S1", UserID: "8"}
	if err := s.Set(want); err != nil {
		t.Fatal(err)
	}

	if err := s.SetAccessToken("R1", "A2", time.Time{}); !errors.Is(err, ErrSessionChanged) {
		t.Fatalf("want ErrSessionChanged, got %v", err)
	}
	if diff := cmp.Diff(&want, s.Get()); diff != "" {
		t.Errorf("store (-want +got):\n%s", diff)
	}
	persisted, err := b.Load()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(&want, persisted); diff != "" {
		t.Errorf("backend (-want +got):\n%s", diff)
	}
}

// saveOnceBackend accepts the first save and fails the rest.
type saveOnceBackend struct {
	*FileBackend
	saves int
}

func (b *saveOnceBackend) Save(c *Credentials) error {
	b.saves++
	if b.saves > 1 {
		return errBroken
	}
	return b.FileBackend.Save(c)
}

func TestStoreClearAfterDegraded(t *testing.T) {
	fb := &FileBackend{Path: filepath.Join(t.TempDir(), "creds.json")}
	s := NewStore(&saveOnceBackend{FileBackend: fb}, nil)
	s.Load()

	if err := s.Set(Credentials{AccessToken: "A1", RefreshToken: "R1", UserID: "7"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetAccessToken("R1", "A2", time.Time{}); err != nil {
		t.Fatal(err)
	}
	if !s.Degraded() {
		t.Fatal("want degraded store after failed save")
	}

	s.Clear()

	// a new process must not find the signed out session
	restarted := NewStore(fb, nil)
	if restarted.Load() {
		t.Errorf("signed out credentials found after restart: %+v", restarted.Get())
	}
}

// slowBackend blocks saves until release is closed.
type slowBackend struct {
	MemBackend
	saving  chan struct{}
	release chan struct{}
}

func (b *slowBackend) Save(c *Credentials) error {
	b.saving <- struct{}{}
	<-b.release
	return b.MemBackend.Save(c)
}

func TestStoreReadsDoNotWaitOnBackend(t *testing.T) {
	b := &slowBackend{saving: make(chan struct{}, 1), release: make(chan struct{})}
	s := NewStore(b, nil)
	s.Load()

	done := make(chan error, 1)
	go func() {
		done <- s.Set(Credentials{AccessToken: "A1", RefreshToken: "R1", UserID: "7"})
	}()
	<-b.saving

	// the save is still blocked; reads are served from memory
	if got := s.AccessToken(); got != "A1" {
		t.Errorf("want A1 while saving, got %q", got)
	}

	close(b.release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if c, _ := b.MemBackend.Load(); c == nil || c.AccessToken != "A1" {
		t.Errorf("want A1 persisted, got %+v", c)
	}
}
