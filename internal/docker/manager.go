package docker

import (
	"sync"
)

// Manager hands out one shared client per environment. Clients are dialed
// lazily on first use and reused until the endpoint changes or CloseAll.
type Manager struct {
	tls *TLSConfig

	mu      sync.Mutex
	clients map[string]*managed
}

type managed struct {
	client   *Client
	endpoint string
}

// NewManager creates a Manager. tlsCfg applies to tcp:// endpoints and may
// be nil.
func NewManager(tlsCfg *TLSConfig) *Manager {
	return &Manager{
		tls:     tlsCfg,
		clients: make(map[string]*managed),
	}
}

// Client returns the shared client for an environment, dialing it on first
// use. A changed endpoint drops the cached client and dials fresh.
func (m *Manager) Client(envID, endpoint string) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.clients[envID]; ok {
		if entry.endpoint == endpoint {
			return entry.client, nil
		}
		_ = entry.client.Close()
		delete(m.clients, envID)
	}

	c, err := NewClient(endpoint, m.tls)
	if err != nil {
		return nil, err
	}
	m.clients[envID] = &managed{client: c, endpoint: endpoint}
	return c, nil
}

// Forget drops the cached client for an environment, closing it.
func (m *Manager) Forget(envID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.clients[envID]; ok {
		_ = entry.client.Close()
		delete(m.clients, envID)
	}
}

// CloseAll closes every cached client.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, entry := range m.clients {
		_ = entry.client.Close()
		delete(m.clients, id)
	}
}
