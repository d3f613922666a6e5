package store

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// Object is a stored object in a Memory store.
type Object struct {
	Body    []byte
	ACL     CannedACL
	Headers http.Header
}

// Memory is an in-process Client. The command uses it for dry runs, and it
// records every call so tests can assert on them.
type Memory struct {
	mu      sync.Mutex
	objects map[string]Object
	heads   []string
	puts    []PutRequest
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]Object)}
}

func (m *Memory) Head(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.heads = append(m.heads, bucket+"/"+key)
	if _, ok := m.objects[bucket+"/"+key]; !ok {
		return fmt.Errorf("head %s/%s: %w", bucket, key, ErrNotFound)
	}
	return nil
}

func (m *Memory) Put(_ context.Context, req *PutRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	body := append([]byte(nil), req.Body...)
	m.objects[req.Bucket+"/"+req.Key] = Object{
		Body:    body,
		ACL:     req.ACL,
		Headers: req.Headers.Clone(),
	}
	m.puts = append(m.puts, PutRequest{
		Bucket:  req.Bucket,
		Key:     req.Key,
		Body:    body,
		ACL:     req.ACL,
		Headers: req.Headers.Clone(),
	})
	return nil
}

// Get returns the object stored at bucket/key.
func (m *Memory) Get(bucket, key string) (Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[bucket+"/"+key]
	return obj, ok
}

// Puts returns every write in the order it happened.
func (m *Memory) Puts() []PutRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PutRequest(nil), m.puts...)
}

// Heads returns every "bucket/key" existence check in order.
func (m *Memory) Heads() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.heads...)
}
