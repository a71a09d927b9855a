// Package validation implements the gate every candidate reference audio
// file passes before it can be attached to a voice-clone job, whether it was
// uploaded or freshly recorded.
package validation

import (
	"context"
	"mime"
	"strings"
	"time"

	"github.com/book-expert/tts-studio/internal/audio"
	"github.com/book-expert/tts-studio/internal/core"
	"github.com/wailsapp/mimetype"
)

// Default limits.
const (
	DefaultMaxBytes    int64 = 10 * 1024 * 1024
	DefaultMinDuration       = 3 * time.Second
)

// User-facing rejection messages.
const (
	MsgFileTooLarge       = "file too large"
	MsgUnsupportedFormat  = "unsupported format"
	MsgUnreadableMetadata = "unreadable metadata"
	MsgAudioTooShort      = "audio too short"
)

// AllowedTypes lists the accepted media types.
var AllowedTypes = []string{
	"audio/wav",
	"audio/x-wav",
	"audio/wave",
	"audio/mpeg",
	"audio/mp3",
}

// DurationProber reads the playback duration from file metadata.
type DurationProber func(ctx context.Context, data []byte, mimeType string) (time.Duration, error)

// Result is the outcome of validating one file.
type Result struct {
	Valid           bool    `json:"valid"`
	Error           string  `json:"error,omitempty"`
	MIMEType        string  `json:"mime_type,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

// Options tunes a Gate. Zero values select the defaults.
type Options struct {
	MaxBytes    int64
	MinDuration time.Duration
	Prober      DurationProber
}

// Gate checks size, then type, then duration, stopping at the first
// violation.
type Gate struct {
	maxBytes    int64
	minDuration time.Duration
	prober      DurationProber
}

// NewGate creates a gate.
func NewGate(opts Options) *Gate {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}

	if opts.MinDuration <= 0 {
		opts.MinDuration = DefaultMinDuration
	}

	if opts.Prober == nil {
		opts.Prober = ProbeMetadata
	}

	return &Gate{
		maxBytes:    opts.MaxBytes,
		minDuration: opts.MinDuration,
		prober:      opts.Prober,
	}
}

// ProbeMetadata is the production DurationProber.
func ProbeMetadata(ctx context.Context, data []byte, mimeType string) (time.Duration, error) {
	err := ctx.Err()
	if err != nil {
		return 0, err
	}

	return audio.Probe(data, mimeType)
}

// Validate checks file and reports the first violation, if any.
func (g *Gate) Validate(ctx context.Context, file core.AudioFile) Result {
	if file.Size() > g.maxBytes {
		return Result{Error: MsgFileTooLarge}
	}

	mimeType := EffectiveType(file)
	if !IsAllowedType(mimeType) {
		return Result{Error: MsgUnsupportedFormat, MIMEType: mimeType}
	}

	duration, err := g.prober(ctx, file.Data, mimeType)
	if err != nil || duration <= 0 {
		return Result{Error: MsgUnreadableMetadata, MIMEType: mimeType}
	}

	result := Result{MIMEType: mimeType, DurationSeconds: duration.Seconds()}

	if duration < g.minDuration {
		result.Error = MsgAudioTooShort

		return result
	}

	result.Valid = true

	return result
}

// EffectiveType returns the declared media type without parameters, or the
// sniffed one when none was declared.
func EffectiveType(file core.AudioFile) string {
	declared := strings.TrimSpace(file.MIMEType)
	if declared == "" {
		detected, _, err := mime.ParseMediaType(mimetype.Detect(file.Data).String())
		if err != nil {
			return ""
		}

		return detected
	}

	mediaType, _, err := mime.ParseMediaType(declared)
	if err != nil {
		return strings.ToLower(declared)
	}

	return mediaType
}

// IsAllowedType reports whether mimeType is on the allow-list.
func IsAllowedType(mimeType string) bool {
	for _, allowed := range AllowedTypes {
		if mimeType == allowed {
			return true
		}
	}

	return false
}
