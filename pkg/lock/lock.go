package lock

import "sync"

// MutexMap hands out one mutex per key. Keys are never evicted; callers use
// it for bounded key spaces such as control-time ids.
type MutexMap struct {
	mu      sync.Mutex
	mutexes map[string]*sync.Mutex
}

func NewMutexMap() *MutexMap {
	return &MutexMap{
		mutexes: make(map[string]*sync.Mutex),
	}
}

func (m *MutexMap) Lock(key string) {
	m.getMutex(key).Lock()
}

func (m *MutexMap) Unlock(key string) {
	m.getMutex(key).Unlock()
}

// Do runs fn while holding the lock for key.
func (m *MutexMap) Do(key string, fn func()) {
	mu := m.getMutex(key)
	mu.Lock()
	defer mu.Unlock()
	fn()
}

// Forget drops the mutex for key. Only call it once no goroutine can still
// be waiting on the key.
func (m *MutexMap) Forget(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mutexes, key)
}

func (m *MutexMap) getMutex(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mu, ok := m.mutexes[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	m.mutexes[key] = mu
	return mu
}
