package pipeline

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/deemusic/core/internal/config"
	"github.com/deemusic/core/internal/metadata"
)

var unsafeFilenameChars = regexp.MustCompile(`[\\/:*?"<>|]`)

func sanitizeFilename(s string) string {
	s = unsafeFilenameChars.ReplaceAllString(s, "_")
	s = strings.TrimSpace(s)
	if s == "" {
		return "untitled"
	}
	return s
}

func extensionFor(quality config.Quality) string {
	if quality == config.QualityFLAC {
		return ".flac"
	}
	return ".mp3"
}

// finalPath computes the output file path for a job's final artifact:
// "<output dir>/<artist> - <title><ext>", derived from resolved track
// metadata rather than the provider-opaque job id (spec.md §3
// output_path).
func finalPath(outputDir string, quality config.Quality, tags metadata.TagSet) string {
	artist := "Unknown Artist"
	if len(tags.Artist) > 0 {
		artist = strings.Join(tags.Artist, ", ")
	}
	title := tags.Title
	if title == "" {
		title = "untitled"
	}
	name := sanitizeFilename(artist) + " - " + sanitizeFilename(title) + extensionFor(quality)
	return filepath.Join(outputDir, name)
}
