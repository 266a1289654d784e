// Package tagger embeds metadata into a decrypted audio file. MP3 uses
// bogem/id3v2; FLAC uses go-flac plus the flacvorbis/flacpicture
// comment-block helpers. Tagging failures are reported to the caller
// but are non-fatal to the job (spec.md §4.4).
package tagger

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bogem/id3v2/v2"
	flac "github.com/go-flac/flacpicture"
	"github.com/go-flac/flacvorbis"
	flacmeta "github.com/go-flac/go-flac"
	"github.com/nfnt/resize"

	"github.com/deemusic/core/internal/metadata"
)

// maxCoverDimension bounds embedded artwork so FLAC/ID3 frames stay a
// reasonable size; larger covers are downscaled with nfnt/resize.
const maxCoverDimension = 1200

// Tag writes tagSet into the audio file at path. The container format
// is inferred from the file extension (.mp3 or .flac).
func Tag(path string, tagSet metadata.TagSet) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		return tagMP3(path, tagSet)
	case ".flac":
		return tagFLAC(path, tagSet)
	default:
		return fmt.Errorf("tagger: unsupported container %q", filepath.Ext(path))
	}
}

func tagMP3(path string, tagSet metadata.TagSet) error {
	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return fmt.Errorf("tagger: open mp3: %w", err)
	}
	defer tag.Close()

	tag.SetDefaultEncoding(id3v2.EncodingUTF8)
	tag.SetTitle(tagSet.Title)
	if len(tagSet.Artist) > 0 {
		tag.SetArtist(strings.Join(tagSet.Artist, ", "))
	}
	tag.SetAlbum(tagSet.Album)
	if !tagSet.ReleaseDate.IsZero() {
		tag.SetYear(strconv.Itoa(tagSet.ReleaseDate.Year()))
	}
	if tagSet.TrackNumber > 0 {
		tag.AddTextFrame(tag.CommonID("Track number/Position in set"), tag.DefaultEncoding(), strconv.Itoa(tagSet.TrackNumber))
	}
	if tagSet.DiscNumber > 0 {
		tag.AddTextFrame(tag.CommonID("Part of a set"), tag.DefaultEncoding(), strconv.Itoa(tagSet.DiscNumber))
	}
	if len(tagSet.Genres) > 0 {
		tag.SetGenre(strings.Join(tagSet.Genres, ", "))
	}

	if len(tagSet.CoverJPEG) > 0 {
		cover, err := shrinkCover(tagSet.CoverJPEG)
		if err == nil {
			tag.AddAttachedPicture(id3v2.PictureFrame{
				Encoding:    id3v2.EncodingUTF8,
				MimeType:    "image/jpeg",
				PictureType: id3v2.PTFrontCover,
				Description: "Cover",
				Picture:     cover,
			})
		}
	}

	if tagSet.LyricsPlain != "" {
		tag.AddUnsynchronisedLyricsFrame(id3v2.UnsynchronisedLyricsFrame{
			Encoding:          id3v2.EncodingUTF8,
			Language:          "eng",
			ContentDescriptor: "",
			Lyrics:            tagSet.LyricsPlain,
		})
	}

	return tag.Save()
}

func tagFLAC(path string, tagSet metadata.TagSet) error {
	f, err := flacmeta.ParseFile(path)
	if err != nil {
		return fmt.Errorf("tagger: parse flac: %w", err)
	}

	cmts := flacvorbis.New()
	if tagSet.Title != "" {
		cmts.Add(flacvorbis.FIELD_TITLE, tagSet.Title)
	}
	for _, artist := range tagSet.Artist {
		cmts.Add(flacvorbis.FIELD_ARTIST, artist)
	}
	if tagSet.Album != "" {
		cmts.Add(flacvorbis.FIELD_ALBUM, tagSet.Album)
	}
	if tagSet.TrackNumber > 0 {
		cmts.Add(flacvorbis.FIELD_TRACKNUMBER, strconv.Itoa(tagSet.TrackNumber))
	}
	if !tagSet.ReleaseDate.IsZero() {
		cmts.Add(flacvorbis.FIELD_DATE, tagSet.ReleaseDate.Format("2006-01-02"))
	}
	for _, genre := range tagSet.Genres {
		cmts.Add(flacvorbis.FIELD_GENRE, genre)
	}
	if tagSet.LyricsSynced != "" {
		cmts.Add("LYRICS", tagSet.LyricsSynced)
	} else if tagSet.LyricsPlain != "" {
		cmts.Add("LYRICS", tagSet.LyricsPlain)
	}

	cmtMeta := cmts.Marshal()
	replaceBlock(f, flacmeta.VorbisComment, &cmtMeta)

	if len(tagSet.CoverJPEG) > 0 {
		cover, err := shrinkCover(tagSet.CoverJPEG)
		if err == nil {
			pic, err := flac.NewFromImageData(flac.PictureTypeFrontCover, "Cover", cover, "image/jpeg")
			if err == nil {
				picMeta := pic.Marshal()
				replaceBlock(f, flacmeta.Picture, &picMeta)
			}
		}
	}

	return f.Save(path)
}

// replaceBlock removes any existing metadata block of typ and appends
// the replacement, keeping the file free of duplicate comment/picture
// blocks across repeated tag operations.
func replaceBlock(f *flacmeta.File, typ flacmeta.MetaDataBlockType, block *flacmeta.MetaDataBlock) {
	kept := f.Meta[:0]
	for _, m := range f.Meta {
		if m.Type != typ {
			kept = append(kept, m)
		}
	}
	f.Meta = append(kept, block)
}

// shrinkCover downscales cover art above maxCoverDimension and
// re-encodes as JPEG.
func shrinkCover(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	if bounds.Dx() <= maxCoverDimension && bounds.Dy() <= maxCoverDimension {
		return data, nil
	}

	resized := resize.Thumbnail(maxCoverDimension, maxCoverDimension, img, resize.Lanczos3)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
