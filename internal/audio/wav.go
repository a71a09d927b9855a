package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// WAV layout constants.
const (
	WAVHeaderSize = 44

	bitsPerSample  = 16
	bytesPerSample = bitsPerSample / 8
	formatPCM      = 1
	fmtChunkSize   = 16
	chunkHeaderLen = 8
	riffHeaderLen  = 12
	sampleScale    = 32767

	streamingDataSize = 0xFFFFFFFF
)

var (
	// ErrNotWAV is returned when the data lacks a RIFF/WAVE header.
	ErrNotWAV = errors.New("not a RIFF/WAVE stream")
	// ErrUnsupportedWAV is returned for WAV variants other than 16-bit PCM.
	ErrUnsupportedWAV = errors.New("unsupported wav encoding")
	// ErrTruncatedWAV is returned when a required chunk is cut short.
	ErrTruncatedWAV = errors.New("truncated wav stream")
)

// EncodeWAV writes buf as a canonical 44-byte-header, 16-bit PCM WAV file
// with interleaved little-endian samples. Samples are clamped to [-1, 1].
func EncodeWAV(buf PCMBuffer) ([]byte, error) {
	err := buf.Validate()
	if err != nil {
		return nil, err
	}

	channels := buf.NumChannels()
	frames := buf.Frames()
	blockAlign := channels * bytesPerSample
	dataSize := frames * blockAlign

	out := bytes.NewBuffer(make([]byte, 0, WAVHeaderSize+dataSize))

	out.WriteString("RIFF")
	writeUint32(out, uint32(WAVHeaderSize-chunkHeaderLen+dataSize))
	out.WriteString("WAVE")

	out.WriteString("fmt ")
	writeUint32(out, fmtChunkSize)
	writeUint16(out, formatPCM)
	writeUint16(out, uint16(channels))
	writeUint32(out, uint32(buf.SampleRate))
	writeUint32(out, uint32(buf.SampleRate*blockAlign))
	writeUint16(out, uint16(blockAlign))
	writeUint16(out, bitsPerSample)

	out.WriteString("data")
	writeUint32(out, uint32(dataSize))

	sample := make([]byte, bytesPerSample)

	for frame := range frames {
		for _, channel := range buf.Channels {
			binary.LittleEndian.PutUint16(sample, uint16(floatToInt16(channel[frame])))
			out.Write(sample)
		}
	}

	return out.Bytes(), nil
}

// DecodeWAV parses a 16-bit PCM WAV file into planar float samples. Chunks
// other than "fmt " and "data" are skipped.
func DecodeWAV(data []byte) (PCMBuffer, error) {
	info, err := parseWAV(data)
	if err != nil {
		return PCMBuffer{}, err
	}

	if info.format != formatPCM || info.bitsPerSample != bitsPerSample {
		return PCMBuffer{}, fmt.Errorf(
			"%w: format %d with %d bits per sample",
			ErrUnsupportedWAV,
			info.format,
			info.bitsPerSample,
		)
	}

	buf := PCMBuffer{SampleRate: info.sampleRate}

	err = deinterleave(&buf, info.channels, info.data, binary.LittleEndian)
	if err != nil {
		return PCMBuffer{}, err
	}

	return buf, nil
}

type wavInfo struct {
	format        int
	channels      int
	sampleRate    int
	byteRate      int
	bitsPerSample int
	data          []byte
}

// parseWAV walks the RIFF chunk list. A data chunk whose declared size runs
// past the end of the input is clamped to what is present. A size of 0 or
// 0xFFFFFFFF, as written by streaming encoders, means the data runs to the
// end of the input.
func parseWAV(data []byte) (wavInfo, error) {
	var info wavInfo

	if len(data) < riffHeaderLen || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return info, ErrNotWAV
	}

	foundFmt := false
	foundData := false
	offset := riffHeaderLen

	for offset+chunkHeaderLen <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + chunkHeaderLen

		switch chunkID {
		case "fmt ":
			if chunkSize < fmtChunkSize || body+fmtChunkSize > len(data) {
				return info, fmt.Errorf("%w: fmt chunk", ErrTruncatedWAV)
			}

			info.format = int(binary.LittleEndian.Uint16(data[body:]))
			info.channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			info.sampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			info.byteRate = int(binary.LittleEndian.Uint32(data[body+8:]))
			info.bitsPerSample = int(binary.LittleEndian.Uint16(data[body+14:]))
			foundFmt = true
		case "data":
			end := min(body+chunkSize, len(data))
			if chunkSize == 0 || uint32(chunkSize) == streamingDataSize {
				end = len(data)
			}

			info.data = data[body:end]
			foundData = true
		}

		if foundFmt && foundData {
			return info, nil
		}

		// Chunks are word aligned.
		offset = body + chunkSize + chunkSize%2
	}

	if !foundFmt {
		return info, fmt.Errorf("%w: missing fmt chunk", ErrTruncatedWAV)
	}

	return info, fmt.Errorf("%w: missing data chunk", ErrTruncatedWAV)
}

func deinterleave(buf *PCMBuffer, channels int, data []byte, order binary.ByteOrder) error {
	err := validateChannels(channels)
	if err != nil {
		return err
	}

	blockAlign := channels * bytesPerSample
	frames := len(data) / blockAlign

	buf.Channels = make([][]float32, channels)
	for channel := range buf.Channels {
		buf.Channels[channel] = make([]float32, frames)
	}

	for frame := range frames {
		base := frame * blockAlign
		for channel := range channels {
			raw := int16(order.Uint16(data[base+channel*bytesPerSample:]))
			buf.Channels[channel][frame] = float32(raw) / sampleScale
		}
	}

	return nil
}

// floatToInt16 clamps x to [-1, 1] and scales it, truncating toward zero.
func floatToInt16(x float32) int16 {
	if math.IsNaN(float64(x)) {
		return 0
	}

	if x > 1 {
		x = 1
	} else if x < -1 {
		x = -1
	}

	return int16(x * sampleScale)
}

func writeUint32(out *bytes.Buffer, value uint32) {
	_ = binary.Write(out, binary.LittleEndian, value)
}

func writeUint16(out *bytes.Buffer, value uint16) {
	_ = binary.Write(out, binary.LittleEndian, value)
}
