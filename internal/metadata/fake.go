package metadata

import (
	"context"
	"sync"

	apperr "github.com/deemusic/core/internal/errors"
)

// Fake is a test double implementing Provider with scripted responses,
// used by pipeline and scheduler tests instead of a real provider.
type Fake struct {
	mu sync.Mutex

	Downloads map[string]ResolvedDownload
	Tags      map[string]TagSet
	Albums    map[string][]string
	Playlists map[string][]string

	// Errs, keyed by track/album/playlist id, overrides a successful
	// response with the given error.
	Errs map[string]error

	// Calls records every method invocation in order, for assertions.
	Calls []string
}

// NewFake returns an empty Fake ready for its maps to be populated.
func NewFake() *Fake {
	return &Fake{
		Downloads: make(map[string]ResolvedDownload),
		Tags:      make(map[string]TagSet),
		Albums:    make(map[string][]string),
		Playlists: make(map[string][]string),
		Errs:      make(map[string]error),
	}
}

func (f *Fake) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, call)
}

func (f *Fake) ResolveDownloadURL(_ context.Context, trackID string, _ string) (ResolvedDownload, error) {
	f.record("ResolveDownloadURL:" + trackID)
	if err, ok := f.Errs[trackID]; ok {
		return ResolvedDownload{}, err
	}
	d, ok := f.Downloads[trackID]
	if !ok {
		return ResolvedDownload{}, apperr.NewWithCode("Fake.ResolveDownloadURL", apperr.ErrResolveFailed, apperr.CodeNotFound, "no fake download registered for "+trackID)
	}
	return d, nil
}

func (f *Fake) GetTrackMetadata(_ context.Context, trackID string) (TagSet, error) {
	f.record("GetTrackMetadata:" + trackID)
	if err, ok := f.Errs[trackID]; ok {
		return TagSet{}, err
	}
	return f.Tags[trackID], nil
}

func (f *Fake) ExpandAlbum(_ context.Context, albumID string) ([]string, error) {
	f.record("ExpandAlbum:" + albumID)
	if err, ok := f.Errs[albumID]; ok {
		return nil, err
	}
	return f.Albums[albumID], nil
}

func (f *Fake) ExpandPlaylist(_ context.Context, playlistID string) ([]string, error) {
	f.record("ExpandPlaylist:" + playlistID)
	if err, ok := f.Errs[playlistID]; ok {
		return nil, err
	}
	return f.Playlists[playlistID], nil
}
