package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	"github.com/tcolgate/mp3"
)

// ErrUnreadableMetadata is returned when a duration cannot be determined
// from the container metadata.
var ErrUnreadableMetadata = errors.New("unreadable audio metadata")

// Probe reports the playback duration of an encoded file without decoding
// its samples. WAV durations come from the header; MPEG durations are the
// sum of the frame durations.
func Probe(data []byte, mimeType string) (time.Duration, error) {
	switch canonicalType(mimeType) {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return probeWAV(data)
	case "audio/mpeg", "audio/mp3":
		return probeMPEG(data)
	default:
		return 0, fmt.Errorf("%w: unsupported media type %q", ErrUnreadableMetadata, mimeType)
	}
}

func probeWAV(data []byte) (time.Duration, error) {
	info, err := parseWAV(data)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnreadableMetadata, err)
	}

	if info.byteRate <= 0 {
		return 0, fmt.Errorf("%w: zero byte rate", ErrUnreadableMetadata)
	}

	// Only the sample bytes actually present count, whatever the header claims.
	return time.Duration(len(info.data)) * time.Second / time.Duration(info.byteRate), nil
}

// probeMPEG walks MPEG audio frames. A trailing partial frame ends the walk.
func probeMPEG(data []byte) (time.Duration, error) {
	decoder := mp3.NewDecoder(bytes.NewReader(data))

	var (
		frame    mp3.Frame
		skipped  int
		total    time.Duration
		frameCnt int
	)

	for {
		err := decoder.Decode(&frame, &skipped)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}

			return 0, fmt.Errorf("%w: %w", ErrUnreadableMetadata, err)
		}

		total += frame.Duration()
		frameCnt++
	}

	if frameCnt == 0 {
		return 0, fmt.Errorf("%w: no mpeg frames found", ErrUnreadableMetadata)
	}

	return total, nil
}

func canonicalType(mimeType string) string {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(mimeType))
	}

	return mediaType
}
