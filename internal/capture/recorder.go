package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-studio/internal/audio"
	"github.com/book-expert/tts-studio/internal/core"
	"github.com/book-expert/tts-studio/internal/scheduler"
	"github.com/book-expert/tts-studio/internal/validation"
	"github.com/google/uuid"
)

// Defaults for the recorder.
const (
	DefaultSampleRate      = 48000
	DefaultChannels        = 2
	DefaultCounterInterval = 100 * time.Millisecond

	recordingName     = "recording.wav"
	recordingKeyRoot  = "recordings/"
	recordingMIMEType = "audio/wav"
)

// User-facing messages.
const (
	MsgNotSupported     = "recording not supported"
	MsgPermissionDenied = "microphone access denied: allow microphone access"
	MsgNoMicrophone     = "no microphone detected"
	MsgStartFailed      = "failed to start recording"
	MsgConversionFailed = "audio conversion failed"
	MsgStoreFailed      = "failed to save recording"
)

// Preferred codecs, most preferred first.
var preferredCodecs = []string{
	"audio/webm;codecs=opus",
	"audio/mp4",
}

var (
	// ErrAlreadyRecording is returned by StartRecording during a take.
	ErrAlreadyRecording = errors.New("recording already in progress")
	// ErrNotRecording is returned by StopRecording when idle.
	ErrNotRecording = errors.New("not recording")
	// ErrBusy is returned while a start or stop transition is running.
	ErrBusy = errors.New("recorder is busy")
	// ErrNoRecording is returned when no take is stored.
	ErrNoRecording = errors.New("no recording available")
	// ErrRejected is returned when a take fails conversion or validation.
	ErrRejected = errors.New("recording rejected")
)

// Validator checks a finished take.
type Validator interface {
	Validate(ctx context.Context, file core.AudioFile) validation.Result
}

// Recording describes a stored take.
type Recording struct {
	Key             string  `json:"key"`
	Name            string  `json:"name"`
	MIMEType        string  `json:"mime_type"`
	Size            int64   `json:"size"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// State is a snapshot of the recorder.
type State struct {
	IsRecording bool       `json:"is_recording"`
	Duration    float64    `json:"duration"`
	Blob        *Recording `json:"blob,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Options configures a Recorder.
type Options struct {
	SampleRate      int
	Channels        int
	CounterInterval time.Duration
	OnChange        func(state State)
}

// Recorder runs the capture pipeline for one take at a time.
type Recorder struct {
	source    MicrophoneSource
	decoder   AudioDecoder
	store     BlobStore
	validator Validator
	scheduler scheduler.Scheduler
	log       *logger.Logger
	opts      Options

	mu            sync.Mutex
	session       uint64
	busy          bool
	isRecording   bool
	tenths        int
	blob          *Recording
	errMessage    string
	stream        Stream
	mimeType      string
	fragments     [][]byte
	cancelCounter scheduler.CancelFunc
	version       uint64

	emitMu  sync.Mutex
	emitted uint64
}

// NewRecorder wires a recorder.
func NewRecorder(
	source MicrophoneSource,
	decoder AudioDecoder,
	store BlobStore,
	validator Validator,
	sched scheduler.Scheduler,
	log *logger.Logger,
	opts Options,
) *Recorder {
	if opts.SampleRate <= 0 {
		opts.SampleRate = DefaultSampleRate
	}

	if opts.Channels <= 0 {
		opts.Channels = DefaultChannels
	}

	if opts.CounterInterval <= 0 {
		opts.CounterInterval = DefaultCounterInterval
	}

	return &Recorder{
		source:    source,
		decoder:   decoder,
		store:     store,
		validator: validator,
		scheduler: sched,
		log:       log,
		opts:      opts,
	}
}

// State returns a snapshot of the recorder.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.snapshotLocked()
}

// StartRecording opens the microphone and begins a new take. Any previous
// take is discarded.
func (r *Recorder) StartRecording(ctx context.Context) error {
	r.mu.Lock()

	if r.isRecording {
		r.mu.Unlock()

		return ErrAlreadyRecording
	}

	if r.busy {
		r.mu.Unlock()

		return ErrBusy
	}

	if !r.source.Supported() {
		r.errMessage = MsgNotSupported
		snapshot, version := r.changeLocked()
		r.mu.Unlock()

		r.emit(snapshot, version)

		return ErrNotSupported
	}

	r.busy = true
	previous := r.blob
	r.blob = nil
	r.errMessage = ""
	r.tenths = 0
	r.mu.Unlock()

	r.releaseBlob(ctx, previous)

	stream, err := r.open(ctx)
	if err != nil {
		r.failStart(classifyOpenError(err))

		return fmt.Errorf("open microphone: %w", err)
	}

	mimeType := r.chooseMIMEType(stream)

	r.mu.Lock()
	r.session++
	session := r.session
	r.stream = stream
	r.mimeType = mimeType
	r.fragments = nil
	r.mu.Unlock()

	err = stream.Start(mimeType, func(fragment []byte) { r.appendFragment(session, fragment) })
	if err != nil {
		stream.Release()

		r.mu.Lock()
		r.stream = nil
		r.mu.Unlock()

		r.failStart(MsgStartFailed)

		return fmt.Errorf("start capture: %w", err)
	}

	r.mu.Lock()
	r.busy = false
	r.isRecording = true
	r.cancelCounter = r.scheduler.Every(r.opts.CounterInterval, func() { r.tick(session) })
	snapshot, version := r.changeLocked()
	r.mu.Unlock()

	r.log.Info("Recording started as %s", mimeType)
	r.emit(snapshot, version)

	return nil
}

// StopRecording ends the take, converts it to WAV, validates it and stores
// it. The stream and the duration counter are released on every path.
func (r *Recorder) StopRecording(ctx context.Context) error {
	r.mu.Lock()

	if !r.isRecording {
		r.mu.Unlock()

		return ErrNotRecording
	}

	r.busy = true
	stream := r.stream
	r.stream = nil
	mimeType := r.mimeType
	r.stopCounterLocked()
	r.mu.Unlock()

	defer stream.Release()

	stopErr := stream.Stop()

	r.mu.Lock()
	// Fragments delivered after this point belong to no session.
	r.session++
	data := bytes.Join(r.fragments, nil)
	r.fragments = nil
	r.mu.Unlock()

	if stopErr != nil {
		r.log.Error("Stopping capture failed: %v", stopErr)
		r.finishStop(nil, MsgConversionFailed)

		return fmt.Errorf("%w: stop capture: %w", ErrRejected, stopErr)
	}

	recording, message, err := r.convertAndStore(ctx, data, mimeType)
	r.finishStop(recording, message)

	return err
}

// ClearRecording discards the stored take and resets duration and error.
func (r *Recorder) ClearRecording(ctx context.Context) {
	r.mu.Lock()
	previous := r.blob
	r.blob = nil
	r.errMessage = ""

	if !r.isRecording {
		r.tenths = 0
	}

	snapshot, version := r.changeLocked()
	r.mu.Unlock()

	r.releaseBlob(ctx, previous)
	r.emit(snapshot, version)
}

// File returns the stored take.
func (r *Recorder) File(ctx context.Context) (core.AudioFile, error) {
	r.mu.Lock()
	blob := r.blob
	r.mu.Unlock()

	if blob == nil {
		return core.AudioFile{}, ErrNoRecording
	}

	data, err := r.store.Download(ctx, blob.Key)
	if err != nil {
		return core.AudioFile{}, fmt.Errorf("load recording %s: %w", blob.Key, err)
	}

	return core.AudioFile{Name: blob.Name, MIMEType: blob.MIMEType, Data: data}, nil
}

// Close releases the stream, the counter and the stored take.
func (r *Recorder) Close(ctx context.Context) {
	r.mu.Lock()
	r.session++
	r.stopCounterLocked()
	stream := r.stream
	r.stream = nil
	previous := r.blob
	r.blob = nil
	r.isRecording = false
	r.fragments = nil
	r.mu.Unlock()

	if stream != nil {
		stream.Release()
	}

	r.releaseBlob(ctx, previous)
}

// open requests the preferred constraints and retries once with defaults if
// the device cannot satisfy them.
func (r *Recorder) open(ctx context.Context) (Stream, error) {
	preferred := PreferredConstraints(r.opts.SampleRate, r.opts.Channels)

	stream, err := r.source.Open(ctx, preferred)
	if err == nil {
		return stream, nil
	}

	if !errors.Is(err, ErrOverconstrained) {
		return nil, err
	}

	r.log.Warn(
		"Microphone cannot satisfy %d Hz/%d ch, retrying with default constraints: %v",
		preferred.SampleRate,
		preferred.Channels,
		err,
	)

	return r.source.Open(ctx, DefaultConstraints())
}

func (r *Recorder) chooseMIMEType(stream Stream) string {
	for _, candidate := range preferredCodecs {
		if r.source.IsTypeSupported(candidate) {
			return candidate
		}
	}

	return stream.MIMEType()
}

func (r *Recorder) convertAndStore(ctx context.Context, data []byte, mimeType string) (*Recording, string, error) {
	pcm, err := r.decoder.Decode(ctx, data, mimeType)
	if err != nil {
		r.log.Error("Decoding %d bytes of %s failed: %v", len(data), mimeType, err)

		return nil, MsgConversionFailed, fmt.Errorf("%w: decode: %w", ErrRejected, err)
	}

	wav, err := audio.EncodeWAV(pcm)
	if err != nil {
		r.log.Error("Encoding WAV failed: %v", err)

		return nil, MsgConversionFailed, fmt.Errorf("%w: encode: %w", ErrRejected, err)
	}

	file := core.AudioFile{Name: recordingName, MIMEType: recordingMIMEType, Data: wav}

	result := r.validator.Validate(ctx, file)
	if !result.Valid {
		r.log.Warn("Recording rejected: %s", result.Error)

		return nil, result.Error, fmt.Errorf("%w: %s", ErrRejected, result.Error)
	}

	key := recordingKeyRoot + uuid.NewString() + ".wav"

	err = r.store.Upload(ctx, key, wav)
	if err != nil {
		r.log.Error("Storing recording %s failed: %v", key, err)

		return nil, MsgStoreFailed, fmt.Errorf("store recording: %w", err)
	}

	r.log.Info("Stored recording %s (%d bytes, %.1fs)", key, len(wav), result.DurationSeconds)

	return &Recording{
		Key:             key,
		Name:            recordingName,
		MIMEType:        recordingMIMEType,
		Size:            file.Size(),
		DurationSeconds: result.DurationSeconds,
	}, "", nil
}

// finishStop leaves the recording state and publishes the outcome in one
// transition.
func (r *Recorder) finishStop(recording *Recording, message string) {
	r.mu.Lock()
	r.isRecording = false
	r.busy = false
	r.blob = recording
	r.errMessage = message
	snapshot, version := r.changeLocked()
	r.mu.Unlock()

	r.emit(snapshot, version)
}

func (r *Recorder) failStart(message string) {
	r.mu.Lock()
	r.busy = false
	r.errMessage = message
	snapshot, version := r.changeLocked()
	r.mu.Unlock()

	r.log.Error("Recording could not start: %s", message)
	r.emit(snapshot, version)
}

func (r *Recorder) appendFragment(session uint64, fragment []byte) {
	if len(fragment) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if session != r.session {
		return
	}

	r.fragments = append(r.fragments, bytes.Clone(fragment))
}

func (r *Recorder) tick(session uint64) {
	r.mu.Lock()

	if session != r.session || !r.isRecording {
		r.mu.Unlock()

		return
	}

	r.tenths++
	snapshot, version := r.changeLocked()
	r.mu.Unlock()

	r.emit(snapshot, version)
}

func (r *Recorder) releaseBlob(ctx context.Context, recording *Recording) {
	if recording == nil {
		return
	}

	err := r.store.Delete(ctx, recording.Key)
	if err != nil {
		r.log.Warn("Failed to release recording %s: %v", recording.Key, err)
	}
}

func (r *Recorder) stopCounterLocked() {
	if r.cancelCounter != nil {
		r.cancelCounter()
		r.cancelCounter = nil
	}
}

func (r *Recorder) snapshotLocked() State {
	state := State{
		IsRecording: r.isRecording,
		Duration:    float64(r.tenths) / 10,
		Error:       r.errMessage,
	}

	if r.blob != nil {
		blob := *r.blob
		state.Blob = &blob
	}

	return state
}

func (r *Recorder) changeLocked() (State, uint64) {
	r.version++

	return r.snapshotLocked(), r.version
}

// emit delivers snapshots in version order and drops any that a newer
// snapshot has already overtaken.
func (r *Recorder) emit(state State, version uint64) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	if version <= r.emitted {
		return
	}

	r.emitted = version

	if r.opts.OnChange != nil {
		r.opts.OnChange(state)
	}
}

func classifyOpenError(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return MsgPermissionDenied
	case errors.Is(err, ErrDeviceNotFound):
		return MsgNoMicrophone
	case errors.Is(err, ErrNotSupported):
		return MsgNotSupported
	default:
		return MsgStartFailed
	}
}
