package recording

import (
	"context"
	"fmt"
	"sync"

	"github.com/inimical023/callflow"
)

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]*Object
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]*Object)}
}

// Put implements Store.
func (m *Memory) Put(_ context.Context, data []byte, contentType string) (string, error) {
	ref := Ref(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[ref]; !ok {
		m.objects[ref] = &Object{Ref: ref, ContentType: contentType, Data: append([]byte(nil), data...)}
	}
	return ref, nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, ref string) (*Object, error) {
	if _, err := parseRef(ref); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", callflow.ErrRecordingNotFound, ref)
	}
	c := *obj
	c.Data = append([]byte(nil), obj.Data...)
	return &c, nil
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
