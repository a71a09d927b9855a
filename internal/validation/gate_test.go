package validation_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/book-expert/tts-studio/internal/audio"
	"github.com/book-expert/tts-studio/internal/core"
	"github.com/book-expert/tts-studio/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedProber(duration time.Duration, err error) validation.DurationProber {
	return func(context.Context, []byte, string) (time.Duration, error) {
		return duration, err
	}
}

func silentWAV(t *testing.T, sampleRate int, seconds float64) []byte {
	t.Helper()

	frames := int(float64(sampleRate) * seconds)

	data, err := audio.EncodeWAV(audio.PCMBuffer{
		SampleRate: sampleRate,
		Channels:   [][]float32{make([]float32, frames)},
	})
	require.NoError(t, err)

	return data
}

func TestGate_DurationBoundary(t *testing.T) {
	t.Parallel()

	gate := validation.NewGate(validation.Options{})

	tests := []struct {
		name    string
		seconds float64
		valid   bool
		message string
	}{
		{name: "2.9 seconds", seconds: 2.9, valid: false, message: validation.MsgAudioTooShort},
		{name: "exactly 3 seconds", seconds: 3.0, valid: true},
		{name: "10 seconds", seconds: 10, valid: true},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			result := gate.Validate(context.Background(), core.AudioFile{
				Name:     "take.wav",
				MIMEType: "audio/wav",
				Data:     silentWAV(t, 8000, testCase.seconds),
			})

			assert.Equal(t, testCase.valid, result.Valid)
			assert.Equal(t, testCase.message, result.Error)
			assert.InDelta(t, testCase.seconds, result.DurationSeconds, 0.001)
		})
	}
}

func TestGate_SizeBoundary(t *testing.T) {
	t.Parallel()

	gate := validation.NewGate(validation.Options{Prober: fixedProber(5*time.Second, nil)})

	atLimit := gate.Validate(context.Background(), core.AudioFile{
		MIMEType: "audio/mpeg",
		Data:     make([]byte, 10*1024*1024),
	})
	assert.True(t, atLimit.Valid)
	assert.Empty(t, atLimit.Error)

	overLimit := gate.Validate(context.Background(), core.AudioFile{
		MIMEType: "audio/mpeg",
		Data:     make([]byte, 10*1024*1024+1),
	})
	assert.False(t, overLimit.Valid)
	assert.Equal(t, validation.MsgFileTooLarge, overLimit.Error)
}

func TestGate_ChecksInOrder(t *testing.T) {
	t.Parallel()

	probed := false
	gate := validation.NewGate(validation.Options{
		MaxBytes: 4,
		Prober: func(context.Context, []byte, string) (time.Duration, error) {
			probed = true

			return time.Second, nil
		},
	})

	// Too large and the wrong type: size wins.
	result := gate.Validate(context.Background(), core.AudioFile{MIMEType: "video/mp4", Data: []byte("12345")})
	assert.Equal(t, validation.MsgFileTooLarge, result.Error)

	// Wrong type and too short: type wins, prober never runs.
	result = gate.Validate(context.Background(), core.AudioFile{MIMEType: "audio/ogg", Data: []byte("1")})
	assert.Equal(t, validation.MsgUnsupportedFormat, result.Error)
	assert.False(t, probed)
}

func TestGate_AllowedTypes(t *testing.T) {
	t.Parallel()

	gate := validation.NewGate(validation.Options{Prober: fixedProber(4*time.Second, nil)})

	for _, mimeType := range []string{
		"audio/wav", "audio/x-wav", "audio/wave", "audio/mpeg", "audio/mp3", "Audio/WAV; codecs=1",
	} {
		result := gate.Validate(context.Background(), core.AudioFile{MIMEType: mimeType, Data: []byte{1}})
		assert.True(t, result.Valid, mimeType)
	}

	for _, mimeType := range []string{"audio/ogg", "audio/webm", "audio/flac", "text/plain"} {
		result := gate.Validate(context.Background(), core.AudioFile{MIMEType: mimeType, Data: []byte{1}})
		assert.Equal(t, validation.MsgUnsupportedFormat, result.Error, mimeType)
	}
}

func TestGate_SniffsMissingType(t *testing.T) {
	t.Parallel()

	gate := validation.NewGate(validation.Options{})

	result := gate.Validate(context.Background(), core.AudioFile{Data: silentWAV(t, 8000, 4)})
	assert.True(t, result.Valid)
	assert.Equal(t, "audio/wav", result.MIMEType)

	result = gate.Validate(context.Background(), core.AudioFile{Data: []byte("plain text, not audio")})
	assert.Equal(t, validation.MsgUnsupportedFormat, result.Error)
}

func TestGate_UnreadableMetadata(t *testing.T) {
	t.Parallel()

	gate := validation.NewGate(validation.Options{})

	result := gate.Validate(context.Background(), core.AudioFile{
		MIMEType: "audio/mpeg",
		Data:     bytes.Repeat([]byte{0}, 2048),
	})
	assert.False(t, result.Valid)
	assert.Equal(t, validation.MsgUnreadableMetadata, result.Error)

	// A header claiming far more data than present must not pass a short take.
	inflated := silentWAV(t, 8000, 1)
	binary.LittleEndian.PutUint32(inflated[40:44], 0xFFFFFFFF)

	result = gate.Validate(context.Background(), core.AudioFile{MIMEType: "audio/wav", Data: inflated})
	assert.False(t, result.Valid)
	assert.Equal(t, validation.MsgAudioTooShort, result.Error)
	assert.InDelta(t, 1.0, result.DurationSeconds, 0.001)

	failing := validation.NewGate(validation.Options{Prober: fixedProber(0, errors.New("no metadata"))})
	result = failing.Validate(context.Background(), core.AudioFile{MIMEType: "audio/wav", Data: []byte{1}})
	assert.Equal(t, validation.MsgUnreadableMetadata, result.Error)
}

func TestGate_MPEGDuration(t *testing.T) {
	t.Parallel()

	frame := make([]byte, 417)
	copy(frame, []byte{0xFF, 0xFB, 0x90, 0x00})

	gate := validation.NewGate(validation.Options{})

	short := gate.Validate(context.Background(), core.AudioFile{
		MIMEType: "audio/mpeg",
		Data:     bytes.Repeat(frame, 110),
	})
	assert.Equal(t, validation.MsgAudioTooShort, short.Error)

	long := gate.Validate(context.Background(), core.AudioFile{
		MIMEType: "audio/mpeg",
		Data:     bytes.Repeat(frame, 115),
	})
	assert.True(t, long.Valid)
}
