// Package types defines the entity model persisted behind
// lib/backend: users, devices, sessions, audio files, chapters,
// upload sessions, file-access grants and checkpoints.
package types

import "time"

// Role is a user's authorization role.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// User is an account holder.
type User struct {
	ID                 string     `json:"id"`
	Email              string     `json:"email"`
	PasswordVerifier   string     `json:"-"`
	Name               string     `json:"name"`
	Role               Role       `json:"role"`
	Locked             bool       `json:"locked"`
	LockUntil          *time.Time `json:"lockUntil,omitempty"`
	FailedLoginCount   int        `json:"-"`
	AllowMultiDevice   bool       `json:"-"`
	CreatedAt          time.Time  `json:"createdAt"`
}

// DeviceType classifies the client hardware a session is bound to.
type DeviceType string

const (
	DeviceDesktop DeviceType = "desktop"
	DeviceTablet  DeviceType = "tablet"
	DeviceMobile  DeviceType = "mobile"
)

// Device is a client the user has authenticated from.
type Device struct {
	ID             string     `json:"id"`
	UserID         string     `json:"userId"`
	Fingerprint    string     `json:"fingerprint"`
	Name           string     `json:"name"`
	Type           DeviceType `json:"type"`
	FirstSeen      time.Time  `json:"firstSeen"`
	LastActivity   time.Time  `json:"lastActivity"`
	Active         bool       `json:"active"`
}

// Session is a live bearer credential bound to a user and device.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	DeviceID  string    `json:"deviceId"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Revoked   bool      `json:"revoked"`
}

// IsLive reports whether the session may still be used to validate
// tokens, as of now.
func (s *Session) IsLive(now time.Time) bool {
	return !s.Revoked && now.Before(s.ExpiresAt)
}

// Visibility controls whether a file is reachable without a grant.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// AudioFile is an uploaded, finalized audio original.
type AudioFile struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	UploaderID  string     `json:"uploaderId"`
	Sha256      string     `json:"sha256"`
	Size        int64      `json:"size"`
	MimeType    string     `json:"mimeType"`
	Duration    float64    `json:"duration"`
	Visibility  Visibility `json:"visibility"`
	CoverPath   string     `json:"coverPath,omitempty"`
	CoverInline []byte     `json:"-"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// UploadState is the lifecycle stage of an UploadSession.
type UploadState string

const (
	UploadOpen       UploadState = "open"
	UploadFinalizing UploadState = "finalizing"
	UploadCompleted  UploadState = "completed"
	UploadAborted    UploadState = "aborted"
	UploadExpired    UploadState = "expired"
)

// CanTransitionTo reports whether the monotone upload state machine
// permits moving from s to next.
func (s UploadState) CanTransitionTo(next UploadState) bool {
	switch s {
	case UploadOpen:
		return next == UploadFinalizing || next == UploadAborted || next == UploadExpired
	case UploadFinalizing:
		return next == UploadCompleted || next == UploadOpen || next == UploadAborted
	default:
		return false
	}
}

// UploadSession tracks a resumable chunked upload in progress.
type UploadSession struct {
	ID              string      `json:"id"`
	UploaderID      string      `json:"uploaderId"`
	FileName        string      `json:"fileName"`
	FileSize        int64       `json:"fileSize"`
	MimeType        string      `json:"mimeType"`
	TotalChunks     int         `json:"totalChunks"`
	ExpectedSha256  string      `json:"expectedSha256"`
	ReceivedIndices map[int]bool `json:"-"`
	WorkspacePath   string      `json:"-"`
	State           UploadState `json:"state"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// ChapterStatus is the lifecycle stage of a Chapter.
type ChapterStatus string

const (
	ChapterPending ChapterStatus = "pending"
	ChapterReady   ChapterStatus = "ready"
	ChapterFailed  ChapterStatus = "failed"
)

// CryptoScheme identifies the chapter encryption scheme, matching the
// "scheme" byte of the on-disk chapter header.
type CryptoScheme byte

const (
	// SchemeAESGCM is AES-256-GCM with a 12-byte random nonce.
	SchemeAESGCM CryptoScheme = 1
	// SchemeAESCTRHMAC is AES-256-CTR with a random IV, Encrypt-then-MAC
	// using HMAC-SHA256 over the ciphertext.
	SchemeAESCTRHMAC CryptoScheme = 2
)

// Chapter is a named, time-bounded, independently-encrypted segment
// of an AudioFile.
type Chapter struct {
	ID             string        `json:"id"`
	FileID         string        `json:"fileId"`
	Ordinal        int           `json:"ordinal"`
	Label          string        `json:"label"`
	StartSeconds   float64       `json:"startTime"`
	EndSeconds     *float64      `json:"endTime,omitempty"`
	Status         ChapterStatus `json:"status"`
	StoragePath    string        `json:"-"`
	InlineBlob     []byte        `json:"-"`
	PlainSize      int64         `json:"plainSize"`
	EncryptedSize  int64         `json:"encryptedSize"`
	Scheme         CryptoScheme  `json:"scheme"`
	WrappedKey     []byte        `json:"-"`
	Nonce          []byte        `json:"-"`
	FinalizedAt    *time.Time    `json:"finalizedAt,omitempty"`
	FailureReason  string        `json:"failureReason,omitempty"`
}

// FileAccess is a per-user grant against a private AudioFile.
type FileAccess struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	FileID    string     `json:"fileId"`
	CanView   bool       `json:"canView"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// IsLive reports whether the grant is currently usable.
func (a *FileAccess) IsLive(now time.Time) bool {
	return a.CanView && (a.ExpiresAt == nil || now.Before(*a.ExpiresAt))
}

// Checkpoint is a per-user, per-file playback bookmark.
type Checkpoint struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	FileID      string    `json:"fileId"`
	Position    float64   `json:"position"`
	Label       string    `json:"label"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}
