// Package config loads the server's runtime configuration from the
// environment, following the same CheckAndSetDefaults convention the
// teacher uses on every configurable component.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/gravitational/trace"

	"github.com/MOhammedRiaad/secure-audio/lib/defaults"
)

// Config is the fully resolved server configuration.
type Config struct {
	// RootKey is the process-wide key material chapter data keys are
	// derived from via HKDF. Mandatory; there is no safe default.
	RootKey []byte
	// TokenSigningKey signs DRM session tokens, signed URLs and
	// chapter stream tokens. Defaults to RootKey if unset.
	TokenSigningKey []byte
	// TokenTTL is the lifetime of minted tokens.
	TokenTTL time.Duration
	// MaxChunkBytes bounds the size of a single uploaded chunk.
	MaxChunkBytes int64
	// UploadTTL is how long an idle upload session survives before
	// the sweeper reclaims it.
	UploadTTL time.Duration
	// ChapterStorageRoot is the directory chapter ciphertext and
	// upload workspaces are written under.
	ChapterStorageRoot string
	// DatabaseURL is the Postgres connection string for the backend
	// store. Empty means "use the in-memory backend".
	DatabaseURL string
	// BindAddress is the address the HTTP API listens on.
	BindAddress string
}

// CheckAndSetDefaults validates required fields and fills in defaults
// for everything else.
func (c *Config) CheckAndSetDefaults() error {
	if len(c.RootKey) == 0 {
		return trace.BadParameter("ROOT_KEY is required")
	}
	if len(c.RootKey) < defaults.DataKeySize {
		return trace.BadParameter("ROOT_KEY must be at least %d bytes", defaults.DataKeySize)
	}
	if len(c.TokenSigningKey) == 0 {
		c.TokenSigningKey = c.RootKey
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = defaults.TokenTTL
	}
	if c.MaxChunkBytes <= 0 {
		c.MaxChunkBytes = defaults.MaxChunkBytes
	}
	if c.UploadTTL <= 0 {
		c.UploadTTL = defaults.UploadTTL
	}
	if c.ChapterStorageRoot == "" {
		c.ChapterStorageRoot = "./data/chapters"
	}
	if c.BindAddress == "" {
		c.BindAddress = ":8080"
	}
	return nil
}

// LoadFromEnv reads the server configuration from environment
// variables. ROOT_KEY missing is treated as a fatal error by the
// caller (see cmd/audioserver), not recovered here.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		RootKey:            []byte(os.Getenv("ROOT_KEY")),
		TokenSigningKey:    []byte(os.Getenv("TOKEN_SIGNING_KEY")),
		ChapterStorageRoot: os.Getenv("CHAPTER_STORAGE_ROOT"),
		DatabaseURL:        os.Getenv("DB_URL"),
		BindAddress:        os.Getenv("BIND_ADDRESS"),
	}

	if v := os.Getenv("TOKEN_TTL_MS"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, trace.Wrap(err, "parsing TOKEN_TTL_MS")
		}
		cfg.TokenTTL = time.Duration(ms) * time.Millisecond
	}

	if v := os.Getenv("MAX_CHUNK_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, trace.Wrap(err, "parsing MAX_CHUNK_BYTES")
		}
		cfg.MaxChunkBytes = n
	}

	if v := os.Getenv("UPLOAD_TTL_MS"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, trace.Wrap(err, "parsing UPLOAD_TTL_MS")
		}
		cfg.UploadTTL = time.Duration(ms) * time.Millisecond
	}

	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	return cfg, nil
}
