package services

import (
	"sort"
	"sync"

	"callrelay/internal/core/domain"
)

// ParticipantRegistry maps remote identities to their currently subscribed media.
// Only the EventBridge mutates it.
type ParticipantRegistry struct {
	participants map[string]domain.RemoteParticipant
	mu           sync.RWMutex
}

func NewParticipantRegistry() *ParticipantRegistry {
	return &ParticipantRegistry{
		participants: make(map[string]domain.RemoteParticipant),
	}
}

// Upsert sets the handle for media on identity, creating the entry if needed.
func (r *ParticipantRegistry) Upsert(identity string, media domain.MediaType, track *domain.RemoteTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.participants[identity]
	if !exists {
		p = domain.RemoteParticipant{Identity: identity}
	}
	r.participants[identity] = p.WithTrack(media, track)
}

// Clear removes exactly the media field of identity. The entry stays even when
// it no longer has any media. Unknown identities are ignored.
func (r *ParticipantRegistry) Clear(identity string, media domain.MediaType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.participants[identity]
	if !exists {
		return false
	}
	r.participants[identity] = p.WithTrack(media, nil)
	return true
}

// Remove drops identity regardless of its media.
func (r *ParticipantRegistry) Remove(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.participants[identity]; !exists {
		return false
	}
	delete(r.participants, identity)
	return true
}

func (r *ParticipantRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.participants = make(map[string]domain.RemoteParticipant)
}

func (r *ParticipantRegistry) Get(identity string) (domain.RemoteParticipant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[identity]
	return p, ok
}

func (r *ParticipantRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// List returns copies ordered by identity.
func (r *ParticipantRegistry) List() []domain.RemoteParticipant {
	r.mu.RLock()
	out := make([]domain.RemoteParticipant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity < out[j].Identity
	})
	return out
}

func (r *ParticipantRegistry) Views() []domain.ParticipantView {
	list := r.List()
	views := make([]domain.ParticipantView, 0, len(list))
	for _, p := range list {
		views = append(views, p.View())
	}
	return views
}
