// Package codec implements the stripe decryption scheme: only the
// first 2048 bytes of every 6144-byte segment are Blowfish-CBC
// ciphertext, the remaining 4096 bytes are written verbatim.
package codec

import (
	"crypto/cipher"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/blowfish"

	apperr "github.com/deemusic/core/internal/errors"
)

const (
	// EncryptedChunkSize is the ciphertext prefix of every segment.
	EncryptedChunkSize = 2048
	// PlainRemainderSize is the verbatim tail of every full segment.
	PlainRemainderSize = 4096
	// SegmentSize is the unit over which the stripe pattern repeats.
	SegmentSize = EncryptedChunkSize + PlainRemainderSize
)

// secret is the fixed Blowfish key-derivation material (spec.md §4.3).
// Not configurable: the stripe offsets and secret are constants.
var secret = []byte("g4el58wc0zvf9na1")

// iv is the fixed 8-byte CBC initialization vector reused, unchanged,
// for every chunk. A fresh cipher.Block is instantiated per chunk; only
// the IV value is constant across chunks.
var iv = []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}

// DeriveKey computes the 16-byte Blowfish key for a track id:
// k[i] = md5hex(id)[i] XOR md5hex(id)[i+16] XOR secret[i].
func DeriveKey(trackID string) ([]byte, error) {
	sum := md5.Sum([]byte(trackID))
	h := hex.EncodeToString(sum[:]) // 32 lowercase hex chars

	key := make([]byte, 16)
	for i := 0; i < 16; i++ {
		key[i] = h[i] ^ h[i+16] ^ secret[i]
	}

	if len(key) < 4 || len(key) > 56 {
		return nil, apperr.ErrInvalidKey
	}
	return key, nil
}

// ProgressFunc receives (bytesProcessed, totalBytes) at segment
// boundaries during Decrypt.
type ProgressFunc func(bytesProcessed, totalBytes int64)

// Decrypt streams src to dst, applying the stripe pattern segment by
// segment. totalBytes is used only to report progress; src is read
// until io.EOF regardless of totalBytes' accuracy.
//
// A fresh cipher.Block + cbc decrypter is created for every encrypted
// chunk; reusing one across chunks is a correctness bug the test suite
// must catch (spec.md §4.3).
func Decrypt(dst io.Writer, src io.Reader, key []byte, totalBytes int64, onProgress ProgressFunc) error {
	if _, err := blowfish.NewCipher(key); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrInvalidKey, err)
	}

	segment := make([]byte, SegmentSize)
	var processed int64

	for {
		n, readErr := io.ReadFull(src, segment)
		if n > 0 {
			if err := decryptSegment(dst, segment[:n], key); err != nil {
				return err
			}
			processed += int64(n)
			if onProgress != nil {
				onProgress(processed, totalBytes)
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("%w: %v", apperr.ErrDecryptFailed, readErr)
		}
	}
}

// decryptSegment applies the stripe rule to a single (possibly
// shorter-than-SegmentSize) chunk of input.
func decryptSegment(dst io.Writer, segment []byte, key []byte) error {
	if len(segment) < EncryptedChunkSize {
		_, err := dst.Write(segment)
		return err
	}

	chunk := segment[:EncryptedChunkSize]
	remainder := segment[EncryptedChunkSize:]

	plain, err := decryptChunk(chunk, key)
	if err != nil {
		return err
	}

	if _, err := dst.Write(plain); err != nil {
		return err
	}
	if len(remainder) > 0 {
		if _, err := dst.Write(remainder); err != nil {
			return err
		}
	}
	return nil
}

// decryptChunk decrypts exactly one EncryptedChunkSize-byte block with
// a brand-new cipher.Block and CBC decrypter, per spec.md §4.3's
// "fresh instance per chunk" rule.
func decryptChunk(chunk []byte, key []byte) ([]byte, error) {
	block, err := blowfish.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInvalidKey, err)
	}

	out := make([]byte, len(chunk))
	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(out, chunk)
	return out, nil
}
