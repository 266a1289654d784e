// Package metadata defines the single seam between the download core
// and the provider's private API: the MetadataProvider interface. No
// concrete implementation ships here — only the interface, an error
// classifier, and a test double (Fake) for pipeline/scheduler tests.
package metadata

import (
	"context"
	"time"

	apperr "github.com/deemusic/core/internal/errors"
)

// TagSet is the typed record of embeddable metadata for one track
// (spec.md §4.6). Unknown/zero fields are ignored by the tagger.
type TagSet struct {
	Title        string
	Artist       []string
	Album        string
	TrackNumber  int
	DiscNumber   int
	ReleaseDate  time.Time
	Genres       []string
	CoverJPEG    []byte
	LyricsPlain  string
	LyricsSynced string // LRC-formatted
}

// ResolvedDownload is what Resolve returns: where to fetch bytes from,
// the expected size if known, and any headers the HTTP client must
// send (e.g. auth).
type ResolvedDownload struct {
	URL     string
	Size    int64 // 0 means unknown
	Headers map[string]string
}

// Provider is the narrow interface the pipeline depends on (interface
// segregation: consumers define the shape they need, not the provider).
// Its concrete implementation — the private API client — is explicitly
// out of scope for this module.
type Provider interface {
	ResolveDownloadURL(ctx context.Context, trackID string, quality string) (ResolvedDownload, error)
	GetTrackMetadata(ctx context.Context, trackID string) (TagSet, error)
	ExpandAlbum(ctx context.Context, albumID string) ([]string, error)
	ExpandPlaylist(ctx context.Context, playlistID string) ([]string, error)
}

// ClassifyError maps a Provider error to the scheduler's retry
// taxonomy (spec.md §4.2, §7). Implementations should wrap their
// errors with apperr.Classify so this simply forwards the embedded
// class; unclassified errors default to non-transient Internal.
func ClassifyError(err error) apperr.Class {
	if err == nil {
		return apperr.ClassUnknown
	}
	if apperr.IsTransient(err) {
		return apperr.ClassTransient
	}
	switch {
	case apperr.IsNotFound(err):
		return apperr.ClassNotFound
	case apperr.IsAuthRequired(err):
		return apperr.ClassUnauthorized
	default:
		return apperr.ClassInternal
	}
}
