// Package publisher holds the platform client contract, the explicit
// name-keyed registry, per-platform payload formatting and the gateway that
// rate limits and circuit-breaks outbound publish calls.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"orbit/internal/domain"
)

// Credential is the resolved per-user secret and target for one platform.
type Credential struct {
	AccessToken string
	Account     string
}

// Post identifies content created on a platform.
type Post struct {
	ID  string
	URL string
}

// Publisher is a platform network client.
type Publisher interface {
	Name() string
	// Publish returns a *domain.PublishError on failure.
	Publish(ctx context.Context, cred Credential, p Payload) (Post, error)
	VerifyPost(ctx context.Context, cred Credential, postID string) (bool, error)
}

var ErrDuplicate = errors.New("publisher already registered")

// Registry maps platform names to publishers. Build one at startup and pass
// it to whatever needs it.
type Registry struct {
	mu   sync.RWMutex
	pubs map[string]Publisher
}

func NewRegistry(pubs ...Publisher) (*Registry, error) {
	r := &Registry{pubs: map[string]Publisher{}}
	for _, p := range pubs {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(p Publisher) error {
	if p == nil {
		return errors.New("nil publisher")
	}
	name := domain.NormalizePlatform(p.Name())
	if name == "" {
		return domain.Invalid("platform", "publisher name is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pubs[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	r.pubs[name] = p
	return nil
}

func (r *Registry) Get(platform string) (Publisher, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	p, ok := r.pubs[domain.NormalizePlatform(platform)]
	r.mu.RUnlock()
	return p, ok
}

// Names returns registered platform names, sorted.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make([]string, 0, len(r.pubs))
	for n := range r.pubs {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func publishErr(platform string, err error) error {
	if err == nil {
		return nil
	}
	var pe *domain.PublishError
	if errors.As(err, &pe) {
		return err
	}
	return &domain.PublishError{Platform: platform, Err: err}
}
