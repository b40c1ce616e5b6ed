// Package streamcoretest provides an in-memory stream-core for tests.
//
// The Fake implements the same narrow contract the fanout service consumes
// (head/put/post/delete) without network dependencies, and records every
// append so tests can assert on producer headers and payloads.
package streamcoretest

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/durable-streams/fanout/core"
)

// PostRecord captures one append observed by the fake.
type PostRecord struct {
	Key         core.StreamKey
	Body        []byte
	ContentType string
	Producer    core.ProducerHeaders
}

type fakeStream struct {
	contentType string
	appends     int
	expiresAt   time.Time
}

// Fake is an in-memory stream-core.
type Fake struct {
	mu      sync.Mutex
	streams map[string]*fakeStream
	posts   []PostRecord

	postStatus map[string]int   // key -> forced status on post
	postErr    map[string]error // key -> forced transport error on post
	putErr     map[string]error
	deleteErr  map[string]error
	postDelay  time.Duration
}

// NewFake creates an empty fake stream-core.
func NewFake() *Fake {
	return &Fake{
		streams:    make(map[string]*fakeStream),
		postStatus: make(map[string]int),
		postErr:    make(map[string]error),
		putErr:     make(map[string]error),
		deleteErr:  make(map[string]error),
	}
}

// CreateStream seeds a stream so head reports it existing.
func (f *Fake) CreateStream(key core.StreamKey, contentType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams[key.String()] = &fakeStream{contentType: contentType}
}

// RemoveStream drops a stream; subsequent posts to it report stale.
func (f *Fake) RemoveStream(key core.StreamKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.streams, key.String())
}

// HasStream reports whether the stream exists.
func (f *Fake) HasStream(key core.StreamKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.streams[key.String()]
	return ok
}

// FailPosts forces every post to key to return the given status.
func (f *Fake) FailPosts(key core.StreamKey, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.postStatus[key.String()] = status
}

// BreakPosts forces every post to key to fail with a transport error.
func (f *Fake) BreakPosts(key core.StreamKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.postErr[key.String()] = fmt.Errorf("streamcoretest: connection refused for %s", key)
}

// RestorePosts clears any forced post outcome for key.
func (f *Fake) RestorePosts(key core.StreamKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.postStatus, key.String())
	delete(f.postErr, key.String())
}

// SetPostDelay makes every post sleep before responding, honoring the
// caller's context deadline.
func (f *Fake) SetPostDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.postDelay = d
}

// Posts returns a copy of all recorded appends.
func (f *Fake) Posts() []PostRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]PostRecord, len(f.posts))
	copy(out, f.posts)
	return out
}

// PostsTo returns the recorded appends targeting key.
func (f *Fake) PostsTo(key core.StreamKey) []PostRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []PostRecord
	for _, p := range f.posts {
		if p.Key == key {
			out = append(out, p)
		}
	}
	return out
}

// Head implements core.StreamCore.
func (f *Fake) Head(ctx context.Context, key core.StreamKey) (core.HeadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.streams[key.String()]
	if !ok {
		return core.HeadResult{}, nil
	}
	return core.HeadResult{
		Exists:      true,
		ContentType: s.contentType,
		NextOffset:  fmt.Sprintf("%d", s.appends),
	}, nil
}

// Put implements core.StreamCore.
func (f *Fake) Put(ctx context.Context, key core.StreamKey, contentType string, ttl time.Duration) (core.PutResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.putErr[key.String()]; err != nil {
		return core.PutResult{}, err
	}
	s, ok := f.streams[key.String()]
	if !ok {
		s = &fakeStream{contentType: contentType}
		f.streams[key.String()] = s
		if ttl > 0 {
			s.expiresAt = time.Now().Add(ttl)
		}
		return core.PutResult{Status: http.StatusCreated, Created: true}, nil
	}
	if s.contentType != contentType {
		return core.PutResult{Status: http.StatusConflict}, nil
	}
	if ttl > 0 {
		s.expiresAt = time.Now().Add(ttl)
	}
	return core.PutResult{Status: http.StatusOK, Touched: true}, nil
}

// Post implements core.StreamCore.
func (f *Fake) Post(ctx context.Context, key core.StreamKey, body []byte, contentType string, producer core.ProducerHeaders) (core.PostResult, error) {
	f.mu.Lock()
	delay := f.postDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return core.PostResult{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return core.PostResult{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.postErr[key.String()]; err != nil {
		return core.PostResult{}, err
	}
	if status, ok := f.postStatus[key.String()]; ok {
		return core.PostResult{Status: status, Stale: status == http.StatusNotFound}, nil
	}
	s, ok := f.streams[key.String()]
	if !ok {
		return core.PostResult{Status: http.StatusNotFound, Stale: true}, nil
	}

	bodyCopy := make([]byte, len(body))
	copy(bodyCopy, body)
	f.posts = append(f.posts, PostRecord{
		Key:         key,
		Body:        bodyCopy,
		ContentType: contentType,
		Producer:    producer,
	})
	s.appends++
	return core.PostResult{
		Status:     http.StatusNoContent,
		OK:         true,
		NextOffset: fmt.Sprintf("%d", s.appends),
	}, nil
}

// Delete implements core.StreamCore.
func (f *Fake) Delete(ctx context.Context, key core.StreamKey) (core.DeleteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.deleteErr[key.String()]; err != nil {
		return core.DeleteResult{}, err
	}
	if _, ok := f.streams[key.String()]; !ok {
		return core.DeleteResult{Status: http.StatusNotFound, OK: true}, nil
	}
	delete(f.streams, key.String())
	return core.DeleteResult{Status: http.StatusNoContent, OK: true}, nil
}

// BreakDeletes forces deletes of key to fail with a transport error.
func (f *Fake) BreakDeletes(key core.StreamKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteErr[key.String()] = fmt.Errorf("streamcoretest: connection refused for %s", key)
}

var _ core.StreamCore = (*Fake)(nil)
