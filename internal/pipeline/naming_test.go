package pipeline

import (
	"path/filepath"
	"testing"

	"github.com/deemusic/core/internal/config"
	"github.com/deemusic/core/internal/metadata"
)

func TestFinalPath_SanitizesAndExtensions(t *testing.T) {
	tags := metadata.TagSet{Title: "So/ng: Name?", Artist: []string{"Art*ist"}}

	got := finalPath("/music", config.QualityFLAC, tags)
	want := filepath.Join("/music", "Art_ist - So_ng_ Name_.flac")
	if got != want {
		t.Errorf("finalPath(FLAC) = %q, want %q", got, want)
	}

	got = finalPath("/music", config.QualityMP3320, tags)
	if filepath.Ext(got) != ".mp3" {
		t.Errorf("finalPath(MP3_320) ext = %q, want .mp3", filepath.Ext(got))
	}
}

func TestFinalPath_DefaultsWhenMetadataEmpty(t *testing.T) {
	got := finalPath("/music", config.QualityMP3128, metadata.TagSet{})
	want := filepath.Join("/music", "Unknown Artist - untitled.mp3")
	if got != want {
		t.Errorf("finalPath(empty) = %q, want %q", got, want)
	}
}

func TestLyricsSidecarPath(t *testing.T) {
	got := lyricsSidecarPath("/music/a - b.flac")
	want := "/music/a - b.lrc"
	if got != want {
		t.Errorf("lyricsSidecarPath = %q, want %q", got, want)
	}
}
