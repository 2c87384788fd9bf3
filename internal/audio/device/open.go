package device

import (
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

const (
	DefaultIdentifier = "default"
	// FilePrefix selects a WAV file replayed in real time instead of a device.
	FilePrefix = "file:"
)

// Open returns the Source for a device identifier.
func Open(identifier string, format audio.Format) audio.Source {
	if path, ok := strings.CutPrefix(identifier, FilePrefix); ok {
		return audio.NewWAVSource(path, format, true)
	}
	return NewPortAudioSource(identifier, format)
}
