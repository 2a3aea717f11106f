package web

import (
	"github.com/MOhammedRiaad/secure-audio/lib/chapters"
	"github.com/MOhammedRiaad/secure-audio/lib/types"
)

// timeLayout is the wire format every timestamp in a JSON response is
// rendered with, matching lib/services' internal storage layout.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// chapterStorageType and defaultChapterScheme fix the finalize pass's
// storage location and crypto scheme to the filesystem/AES-GCM
// defaults; neither varies per request in this API surface.
func chapterStorageType() chapters.StorageType { return chapters.StorageFilesystem }

func defaultChapterScheme() types.CryptoScheme { return types.SchemeAESGCM }
