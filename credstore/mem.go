package credstore

import "sync"

// MemBackend is a simple in-memory backend. Credentials live for the process
// lifetime only.
type MemBackend struct {
	c   *Credentials
	cMu sync.RWMutex
}

var _ Backend = &MemBackend{}

func (m *MemBackend) Load() (*Credentials, error) {
	m.cMu.RLock()
	defer m.cMu.RUnlock()

	if !m.c.Complete() {
		return nil, nil
	}
	return m.c.clone(), nil
}

func (m *MemBackend) Save(c *Credentials) error {
	m.cMu.Lock()
	defer m.cMu.Unlock()

	m.c = c.clone()
	return nil
}

func (m *MemBackend) Delete() error {
	m.cMu.Lock()
	defer m.cMu.Unlock()

	m.c = nil
	return nil
}

func (m *MemBackend) Available() bool {
	return true
}
