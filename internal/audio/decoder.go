package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"mime"
	"strconv"
	"strings"
)

// MIME types understood by the decoder.
const (
	MIMETypeL16 = "audio/l16"
	MIMETypeWAV = "audio/wav"
)

// ErrUndecodable is returned when the data cannot be turned into samples.
var ErrUndecodable = errors.New("audio data cannot be decoded")

// PCMDecoder decodes raw 16-bit PCM fragments and WAV files into float
// samples. It does not resample.
type PCMDecoder struct{}

// NewPCMDecoder creates a decoder.
func NewPCMDecoder() *PCMDecoder {
	return &PCMDecoder{}
}

// L16MIMEType builds the media type for big-endian 16-bit PCM at the given
// rate and channel count.
func L16MIMEType(sampleRate, channels int) string {
	return fmt.Sprintf("audio/L16;rate=%d;channels=%d", sampleRate, channels)
}

// Decode converts data of the given media type into a PCM buffer.
func (d *PCMDecoder) Decode(ctx context.Context, data []byte, mimeType string) (PCMBuffer, error) {
	err := ctx.Err()
	if err != nil {
		return PCMBuffer{}, err
	}

	if len(data) == 0 {
		return PCMBuffer{}, fmt.Errorf("%w: empty input", ErrUndecodable)
	}

	mediaType, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return PCMBuffer{}, fmt.Errorf("%w: media type %q: %w", ErrUndecodable, mimeType, err)
	}

	switch mediaType {
	case MIMETypeL16:
		return decodeL16(data, params)
	case MIMETypeWAV, "audio/x-wav", "audio/wave":
		buf, wavErr := DecodeWAV(data)
		if wavErr != nil {
			return PCMBuffer{}, fmt.Errorf("%w: %w", ErrUndecodable, wavErr)
		}

		return buf, nil
	default:
		return PCMBuffer{}, fmt.Errorf("%w: unsupported media type %q", ErrUndecodable, mediaType)
	}
}

// decodeL16 reads RFC 3551 linear PCM: signed 16-bit big-endian,
// interleaved. Channels default to 1.
func decodeL16(data []byte, params map[string]string) (PCMBuffer, error) {
	rate, err := strconv.Atoi(strings.TrimSpace(params["rate"]))
	if err != nil {
		return PCMBuffer{}, fmt.Errorf("%w: missing or invalid rate parameter", ErrUndecodable)
	}

	channels := 1

	if raw, ok := params["channels"]; ok {
		channels, err = strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return PCMBuffer{}, fmt.Errorf("%w: invalid channels parameter", ErrUndecodable)
		}
	}

	buf := PCMBuffer{SampleRate: rate}

	err = deinterleave(&buf, channels, data, binary.BigEndian)
	if err != nil {
		return PCMBuffer{}, fmt.Errorf("%w: %w", ErrUndecodable, err)
	}

	err = buf.Validate()
	if err != nil {
		return PCMBuffer{}, fmt.Errorf("%w: %w", ErrUndecodable, err)
	}

	return buf, nil
}
