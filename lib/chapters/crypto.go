// Package chapters implements per-chapter key derivation, AES
// encryption, and finalization bookkeeping — the chapter cryptor.
package chapters

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/hkdf"

	"github.com/MOhammedRiaad/secure-audio/lib/defaults"
	"github.com/MOhammedRiaad/secure-audio/lib/types"
)

// DeriveDataKey derives a 32-byte per-chapter data key from rootKey
// using HKDF-SHA256, salted with chapterID||fileID and bound to the
// fixed info string "chapter-v1".
func DeriveDataKey(rootKey []byte, chapterID, fileID string) ([]byte, error) {
	salt := append([]byte(chapterID), []byte(fileID)...)
	r := hkdf.New(sha256.New, rootKey, salt, []byte("chapter-v1"))
	key := make([]byte, defaults.DataKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, trace.Wrap(err)
	}
	return key, nil
}

// header is the fixed-size preamble written before every chapter
// ciphertext file: magic, format version, scheme, and the nonce
// (length-prefixed so future schemes may use a different IV size).
type header struct {
	Version  byte
	Scheme   types.CryptoScheme
	Nonce    []byte
}

const headerFixedSize = 4 + 1 + 1 + 1 + 1 // magic + version + scheme + nonceLen + reserved

func writeHeader(h header) []byte {
	buf := make([]byte, headerFixedSize+len(h.Nonce))
	copy(buf[0:4], []byte(defaults.ChapterMagic))
	buf[4] = h.Version
	buf[5] = byte(h.Scheme)
	buf[6] = byte(len(h.Nonce))
	buf[7] = 0 // reserved
	copy(buf[headerFixedSize:], h.Nonce)
	return buf
}

func readHeader(blob []byte) (header, []byte, error) {
	if len(blob) < headerFixedSize {
		return header{}, nil, trace.WithField(trace.BadParameter("chapter blob too short"), "code", "DecryptFailed")
	}
	if !bytes.Equal(blob[0:4], []byte(defaults.ChapterMagic)) {
		return header{}, nil, trace.WithField(trace.BadParameter("bad chapter magic"), "code", "DecryptFailed")
	}
	version := blob[4]
	scheme := types.CryptoScheme(blob[5])
	nonceLen := int(blob[6])
	end := headerFixedSize + nonceLen
	if len(blob) < end {
		return header{}, nil, trace.WithField(trace.BadParameter("truncated chapter header"), "code", "DecryptFailed")
	}
	nonce := make([]byte, nonceLen)
	copy(nonce, blob[headerFixedSize:end])
	return header{Version: version, Scheme: scheme, Nonce: nonce}, blob[end:], nil
}

// EncryptChapter encrypts plaintext with key using scheme, returning
// the full on-disk representation: header + ciphertext (+ tag for
// GCM, which appends its tag to the ciphertext automatically).
func EncryptChapter(key, plaintext []byte, scheme types.CryptoScheme) ([]byte, error) {
	switch scheme {
	case types.SchemeAESGCM:
		return encryptGCM(key, plaintext)
	case types.SchemeAESCTRHMAC:
		return encryptCTRHMAC(key, plaintext)
	default:
		return nil, trace.BadParameter("unknown chapter crypto scheme %d", scheme)
	}
}

// DecryptChapter reverses EncryptChapter, authenticating the
// ciphertext before returning any plaintext.
func DecryptChapter(key, blob []byte) ([]byte, error) {
	h, body, err := readHeader(blob)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	switch h.Scheme {
	case types.SchemeAESGCM:
		return decryptGCM(key, h.Nonce, body)
	case types.SchemeAESCTRHMAC:
		return decryptCTRHMAC(key, h.Nonce, body)
	default:
		return nil, trace.WithField(trace.BadParameter("unknown chapter crypto scheme %d", h.Scheme), "code", "DecryptFailed")
	}
}

func encryptGCM(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	nonce := make([]byte, defaults.ChapterNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, trace.Wrap(err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	hdr := writeHeader(header{Version: 1, Scheme: types.SchemeAESGCM, Nonce: nonce})
	return append(hdr, ciphertext...), nil
}

func decryptGCM(key, nonce, body []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, trace.WithField(trace.Wrap(err, "chapter authentication failed"), "code", "DecryptFailed")
	}
	return plaintext, nil
}

// encryptCTRHMAC encrypts with AES-256-CTR then computes an
// HMAC-SHA256 Encrypt-then-MAC tag over the ciphertext, appended at
// the end of the blob.
func encryptCTRHMAC(key, plaintext []byte) ([]byte, error) {
	if len(key) < defaults.DataKeySize {
		return nil, trace.BadParameter("key too short for CTR+HMAC split")
	}
	encKey, macKey := splitKey(key)
	defer secureZero(encKey, macKey)

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, trace.Wrap(err)
	}
	stream := cipher.NewCTR(block, iv)
	ciphertext := make([]byte, len(plaintext))
	stream.XORKeyStream(ciphertext, plaintext)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(ciphertext)
	tag := mac.Sum(nil)

	hdr := writeHeader(header{Version: 2, Scheme: types.SchemeAESCTRHMAC, Nonce: iv})
	out := make([]byte, 0, len(hdr)+len(ciphertext)+len(tag))
	out = append(out, hdr...)
	out = append(out, ciphertext...)
	out = append(out, tag...)
	return out, nil
}

func decryptCTRHMAC(key, iv, body []byte) ([]byte, error) {
	if len(body) < sha256.Size {
		return nil, trace.WithField(trace.BadParameter("chapter body too short for HMAC tag"), "code", "DecryptFailed")
	}
	ciphertext := body[:len(body)-sha256.Size]
	tag := body[len(body)-sha256.Size:]

	encKey, macKey := splitKey(key)
	defer secureZero(encKey, macKey)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(ciphertext)
	expected := mac.Sum(nil)
	if !hmac.Equal(expected, tag) {
		return nil, trace.WithField(trace.BadParameter("chapter HMAC mismatch"), "code", "DecryptFailed")
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	stream := cipher.NewCTR(block, iv)
	plaintext := make([]byte, len(ciphertext))
	stream.XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

// splitKey derives independent encryption and MAC keys from a single
// per-chapter data key via HKDF, so the two primitives never share
// key material.
func splitKey(key []byte) (encKey, macKey []byte) {
	r := hkdf.New(sha256.New, key, nil, []byte("ctr-hmac-split"))
	out := make([]byte, 64)
	if _, err := io.ReadFull(r, out); err != nil {
		// HKDF only fails if the requested length exceeds its limit,
		// which 64 bytes never does for a SHA-256 based instance.
		panic(err)
	}
	return out[:32], out[32:]
}
