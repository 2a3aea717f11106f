// Package defaults centralizes tunable constants shared across the
// identity, upload, chapter, token and streaming components.
package defaults

import "time"

const (
	// BcryptCost is the work factor used to hash password verifiers.
	BcryptCost = 12

	// MaxLoginAttempts is the number of consecutive failed logins
	// tolerated before an account is soft-locked.
	MaxLoginAttempts = 5

	// AccountLockInterval is how long an account stays locked after
	// exceeding MaxLoginAttempts.
	AccountLockInterval = 15 * time.Minute

	// TokenTTL is the default lifetime of DRM session tokens, signed
	// URLs and chapter stream tokens.
	TokenTTL = 30 * time.Minute

	// MaxChunkBytes bounds the size of a single uploaded chunk.
	MaxChunkBytes = 5 * 1024 * 1024

	// UploadTTL is how long an open upload session may sit idle before
	// the sweeper expires it.
	UploadTTL = 24 * time.Hour

	// UploadSweepPeriod is how often the background sweeper scans for
	// expired or abandoned upload sessions.
	UploadSweepPeriod = 5 * time.Minute

	// StreamChunkSize is the size of plaintext blocks written to the
	// HTTP response while decrypting a chapter.
	StreamChunkSize = 64 * 1024

	// ChapterNonceSize is the AES-GCM nonce length, in bytes.
	ChapterNonceSize = 12

	// DataKeySize is the size, in bytes, of a per-chapter data key and
	// of the process-wide root key.
	DataKeySize = 32

	// ChapterMagic identifies a chapter ciphertext file.
	ChapterMagic = "SACR"
)
