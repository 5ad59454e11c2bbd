package credstore

import (
	"log/slog"
	"sync"
	"time"
)

var baseLogAttr = slog.String("component", "credstore")

func errAttr(err error) slog.Attr { return slog.String("err", err.Error()) }

// Store is the credential store consulted by the request pipeline. Reads are
// served from memory and never wait on the backend. Writes go to memory and
// then through to the backend; if a backend write ever fails the store logs
// it and stops writing, so the session survives until the process exits but
// not beyond. Clear always reaches the backend, so signed out credentials
// are never left behind.
//
// Store is safe for concurrent use.
type Store struct {
	backend Backend
	logger  *slog.Logger

	loadOnce sync.Once

	// writeMu orders backend I/O. It is taken before mu, never after.
	writeMu sync.Mutex

	mu       sync.RWMutex
	creds    *Credentials
	degraded bool
}

// NewStore returns a Store persisting to backend. A nil backend means
// memory-only. A nil logger uses slog.Default.
func NewStore(backend Backend, logger *slog.Logger) *Store {
	if backend == nil {
		backend = &MemBackend{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{backend: backend, logger: logger}
}

// Load reads the backend. Only the first call reads; later calls return the
// current state. It reports whether complete credentials are held.
func (s *Store) Load() bool {
	s.loadOnce.Do(func() {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		c, err := s.backend.Load()
		if err != nil {
			s.degrade("load", err)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.creds == nil {
			s.creds = c
		}
	})
	return s.Get() != nil
}

// Get returns a copy of the held credentials, or nil if there are none.
func (s *Store) Get() *Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.clone()
}

// AccessToken returns the held access token, or "".
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.creds == nil {
		return ""
	}
	return s.creds.AccessToken
}

// RefreshToken returns the held refresh token, or "".
func (s *Store) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.creds == nil {
		return ""
	}
	return s.creds.RefreshToken
}

// Set replaces the held credentials. All of access token, refresh token and
// user ID must be present.
func (s *Store) Set(c Credentials) error {
	if !c.Complete() {
		return ErrIncomplete
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.creds = c.clone()
	s.mu.Unlock()

	s.persist(&c)
	return nil
}

// SetAccessToken replaces the access token renewed with refreshToken. The
// refresh token and user ID are kept. If the held credentials no longer carry
// refreshToken, because the user signed out or someone else signed in while
// the renewal was running, nothing is written and ErrSessionChanged is
// returned. With nothing held it returns ErrNoCredentials.
func (s *Store) SetAccessToken(refreshToken, accessToken string, expiry time.Time) error {
	if accessToken == "" {
		return ErrIncomplete
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	switch {
	case s.creds == nil:
		s.mu.Unlock()
		return ErrNoCredentials
	case s.creds.RefreshToken != refreshToken:
		s.mu.Unlock()
		return ErrSessionChanged
	}
	c := s.creds.clone()
	c.AccessToken = accessToken
	c.Expiry = expiry
	s.creds = c
	s.mu.Unlock()

	s.persist(c)
	return nil
}

// Clear drops the held credentials, from memory and from the backend. The
// backend is cleared even after earlier failures.
func (s *Store) Clear() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.creds = nil
	s.mu.Unlock()

	if err := s.backend.Delete(); err != nil {
		s.degrade("delete", err)
	}
}

// Degraded reports whether the backend has failed and the store is running
// memory-only.
func (s *Store) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// persist writes c to the backend unless it has already failed. s.writeMu
// must be held.
func (s *Store) persist(c *Credentials) {
	if s.Degraded() {
		return
	}
	if err := s.backend.Save(c.clone()); err != nil {
		s.degrade("save", err)
	}
}

// degrade switches to memory-only.
func (s *Store) degrade(op string, err error) {
	s.mu.Lock()
	s.degraded = true
	s.mu.Unlock()
	s.logger.Warn("credential storage unavailable, continuing in memory", baseLogAttr, slog.String("op", op), errAttr(err))
}
