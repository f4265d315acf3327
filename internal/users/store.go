package users

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no user exists for an id
var ErrNotFound = errors.New("user not found")

// User is a single record held by a worker's store.
type User struct {
	ID       string   `json:"id"`
	Username string   `json:"username"`
	Age      float64  `json:"age"`
	Hobbies  []string `json:"hobbies"`
}

// Store defines the record collection served by one backend instance.
// All implementations must be thread-safe for concurrent access.
type Store interface {
	// List returns every record in creation order
	List() []User

	// Get returns the record with the given id
	// Returns ErrNotFound if it doesn't exist
	Get(id string) (User, error)

	// Create stores a new record under a freshly generated id
	Create(in Input) User

	// Update replaces the fields of an existing record
	// Returns ErrNotFound if it doesn't exist
	Update(id string, in Input) (User, error)

	// Delete removes a record
	// Returns ErrNotFound if it doesn't exist
	Delete(id string) error
}

// MemoryStore implements Store with in-memory storage.
// Each worker process owns one; nothing is shared between workers.
type MemoryStore struct {
	mu    sync.RWMutex     // Protects data and order
	data  map[string]*User // id -> record
	order []string         // ids in creation order
	newID func() string
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:  make(map[string]*User),
		newID: uuid.NewString,
	}
}

// List returns copies of all records so callers cannot mutate the store
func (m *MemoryStore) List() []User {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]User, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.data[id].clone())
	}
	return out
}

// Get retrieves a record by id
func (m *MemoryStore) Get(id string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.data[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u.clone(), nil
}

// Create stores a new record and returns it with its generated id
func (m *MemoryStore) Create(in Input) User {
	u := &User{
		ID:       m.newID(),
		Username: in.Username,
		Age:      in.Age,
		Hobbies:  copyHobbies(in.Hobbies),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[u.ID] = u
	m.order = append(m.order, u.ID)
	return u.clone()
}

// Update replaces username, age and hobbies of an existing record
func (m *MemoryStore) Update(id string, in Input) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.data[id]
	if !ok {
		return User{}, ErrNotFound
	}
	u.Username = in.Username
	u.Age = in.Age
	u.Hobbies = copyHobbies(in.Hobbies)
	return u.clone(), nil
}

// Delete removes a record by id
func (m *MemoryStore) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.data[id]; !ok {
		return ErrNotFound
	}
	delete(m.data, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (u *User) clone() User {
	c := *u
	c.Hobbies = copyHobbies(u.Hobbies)
	return c
}

// copyHobbies never returns nil so records always encode hobbies as an array.
func copyHobbies(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}
