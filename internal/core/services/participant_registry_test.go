package services

import (
	"strings"
	"sync"
	"testing"
	"time"

	"callrelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func remoteTrack(identity string, media domain.MediaType) *domain.RemoteTrack {
	return &domain.RemoteTrack{Identity: identity, Media: media, TrackID: identity + "-" + string(media)}
}

func TestParticipantRegistry_MergesMediaPerIdentity(t *testing.T) {
	r := NewParticipantRegistry()

	r.Upsert("host-bob-17", domain.MediaAudio, remoteTrack("host-bob-17", domain.MediaAudio))
	r.Upsert("host-bob-17", domain.MediaVideo, remoteTrack("host-bob-17", domain.MediaVideo))

	require.Equal(t, 1, r.Len())
	p, ok := r.Get("host-bob-17")
	require.True(t, ok)
	assert.Equal(t, "host-bob-17-audio", p.Audio.TrackID)
	assert.Equal(t, "host-bob-17-video", p.Video.TrackID)

	assert.True(t, r.Clear("host-bob-17", domain.MediaAudio))
	p, _ = r.Get("host-bob-17")
	assert.Nil(t, p.Audio)
	assert.NotNil(t, p.Video)

	assert.True(t, r.Remove("host-bob-17"))
	assert.False(t, r.Remove("host-bob-17"))
	assert.False(t, r.Clear("host-bob-17", domain.MediaVideo))
	assert.Equal(t, 0, r.Len())
}

func TestParticipantRegistry_GetReturnsCopy(t *testing.T) {
	r := NewParticipantRegistry()
	r.Upsert("host-bob-17", domain.MediaAudio, remoteTrack("host-bob-17", domain.MediaAudio))

	p, _ := r.Get("host-bob-17")
	p.Audio = nil

	again, _ := r.Get("host-bob-17")
	assert.NotNil(t, again.Audio)
}

func TestParticipantRegistry_ListAndViewsSorted(t *testing.T) {
	r := NewParticipantRegistry()
	r.Upsert("host-zed-9", domain.MediaVideo, remoteTrack("host-zed-9", domain.MediaVideo))
	r.Upsert("audience-amy-1", domain.MediaAudio, remoteTrack("audience-amy-1", domain.MediaAudio))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "audience-amy-1", list[0].Identity)
	assert.Equal(t, "host-zed-9", list[1].Identity)

	views := r.Views()
	assert.Equal(t, []domain.ParticipantView{
		{Identity: "audience-amy-1", Label: "Client", HasAudio: true},
		{Identity: "host-zed-9", Label: "Developer", HasVideo: true},
	}, views)

	r.Reset()
	assert.Empty(t, r.List())
}

func TestParticipantRegistry_ConcurrentAccess(t *testing.T) {
	r := NewParticipantRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Upsert("host-bob-17", domain.MediaAudio, remoteTrack("host-bob-17", domain.MediaAudio))
		}()
		go func() {
			defer wg.Done()
			_ = r.Views()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, r.Len())
}

func TestIdentityGenerator_Format(t *testing.T) {
	g := NewIdentityGenerator()
	id := g.Next(domain.RoleHost, "alice")

	parts := strings.Split(id, "-")
	require.Len(t, parts, 4)
	assert.Equal(t, "host", parts[0])
	assert.Equal(t, "alice", parts[1])
	assert.NotEmpty(t, parts[2])
	assert.Equal(t, "1", parts[3])
}

func TestIdentityGenerator_UniqueWithFrozenClock(t *testing.T) {
	g := NewIdentityGenerator()
	frozen := time.Unix(1700000000, 0)
	g.now = func() time.Time { return frozen }

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := g.Next(domain.RoleAudience, "bob")
		assert.False(t, seen[id], id)
		seen[id] = true
	}
}
