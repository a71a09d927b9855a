package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-studio/internal/apiclient"
	"github.com/book-expert/tts-studio/internal/audio"
	"github.com/book-expert/tts-studio/internal/capture"
	"github.com/book-expert/tts-studio/internal/catalog"
	"github.com/book-expert/tts-studio/internal/config"
	"github.com/book-expert/tts-studio/internal/core"
	"github.com/book-expert/tts-studio/internal/fileutil"
	"github.com/book-expert/tts-studio/internal/jobs"
	"github.com/book-expert/tts-studio/internal/notify"
	"github.com/book-expert/tts-studio/internal/objectstore"
	"github.com/book-expert/tts-studio/internal/scheduler"
	"github.com/book-expert/tts-studio/internal/studio"
	"github.com/book-expert/tts-studio/internal/validation"
	"github.com/nats-io/nats.go"
)

// Console messages.
const (
	msgServiceHealthy   = "TTS service is healthy"
	msgServiceUnhealthy = "TTS service is not healthy: %v\n"
	msgSubmitted        = "Submitted job %d (%s)\n"
	msgWatching         = "Watching job %d\n"
	msgDeleted          = "Deleted job %d\n"
	msgGenerated        = "Generated: %s (%s)\n"
	msgRecording        = "Recording %d seconds of reference audio...\n"
	msgRecorded         = "Recorded %s (%s)\n"
	msgJobState         = "job %d: %s, %s elapsed\n"
	msgRecorderState    = "recording: %s\n"
	msgNoDevices        = "No capture devices found"
	msgNoJobs           = "No jobs found"
)

const (
	historyLimit       = 20
	healthCheckTimeout = 10 * time.Second
	outputPermissions  = 0o644
)

// app wires the studio components for one CLI invocation.
type app struct {
	cfg        *config.Config
	log        *logger.Logger
	out        io.Writer
	verbose    bool
	api        *apiclient.HTTPClient
	gate       *validation.Gate
	sched      *scheduler.TickerScheduler
	store      core.ObjectStore
	natsConn   *nats.Conn
	publisher  *notify.Publisher
	controller *jobs.Controller
	studio     *studio.Studio
}

func newApp(cfg *config.Config, appLog *logger.Logger, flags appFlags) *app {
	a := &app{
		cfg:     cfg,
		log:     appLog,
		out:     os.Stdout,
		verbose: flags.verbose,
		api:     apiclient.NewHTTPClient(cfg.API.BaseURL, cfg.API.Token, cfg.APITimeout()),
		gate: validation.NewGate(validation.Options{
			MaxBytes:    cfg.Audio.MaxUploadBytes,
			MinDuration: cfg.MinDuration(),
		}),
		sched: scheduler.NewTickerScheduler(),
		store: objectstore.NewMemoryStore(),
	}

	if cfg.NATS.URL != "" && (flags.text != "" || flags.watch > 0) {
		a.connectNATS()
	}

	a.controller = jobs.NewController(a.api, a.sched, appLog, jobs.Options{
		PollInterval: cfg.PollInterval(),
		TickInterval: cfg.TickInterval(),
		OnChange:     a.onJobChange,
	})
	a.studio = studio.New(a.api, a.controller, a.gate, appLog)

	return a
}

// connectNATS switches recordings to the JetStream bucket and enables state
// publishing. The CLI keeps working offline when NATS is unreachable.
func (a *app) connectNATS() {
	natsConnection, err := nats.Connect(a.cfg.NATS.URL)
	if err != nil {
		a.log.Warn("NATS unavailable at %s, continuing offline: %v", a.cfg.NATS.URL, err)

		return
	}

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		a.log.Warn("JetStream unavailable, continuing offline: %v", err)
		natsConnection.Close()

		return
	}

	store, err := objectstore.New(jetstreamContext, a.cfg.NATS.RecordingsBucket)
	if err != nil {
		a.log.Warn("Recordings bucket unavailable, keeping takes in memory: %v", err)
	} else {
		a.store = store
	}

	a.natsConn = natsConnection
	a.publisher = notify.NewPublisher(natsConnection, a.cfg.NATS.JobStateSubject, a.log)
}

func (a *app) close() {
	a.controller.Close()

	if a.natsConn != nil {
		err := a.natsConn.Drain()
		if err != nil {
			a.log.Warn("Failed to drain NATS connection: %v", err)
		}
	}
}

func (a *app) onJobChange(state jobs.State) {
	if a.publisher != nil {
		a.publisher.OnChange(state)
	}

	if a.verbose && state.JobID != 0 {
		fmt.Fprintf(a.out, msgJobState, state.JobID, state.Status, fileutil.FormatDuration(float64(state.ElapsedSeconds)))
	}
}

func (a *app) dispatch(ctx context.Context, flags appFlags) error {
	switch {
	case flags.health:
		return a.healthCheck(ctx)
	case flags.voices:
		return a.listVoices(ctx)
	case flags.devices:
		return a.listDevices()
	case flags.history:
		return a.listHistory(ctx)
	case flags.delete > 0:
		return a.deleteJob(ctx, flags.delete)
	case flags.watch > 0:
		return a.watchJob(ctx, flags.watch, flags.output)
	default:
		return a.submit(ctx, flags)
	}
}

// healthCheck performs a service health check and prints the result.
func (a *app) healthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	err := a.api.HealthCheck(ctx)
	if err != nil {
		a.log.Error("Health check failed: %v", err)
		fmt.Fprintf(a.out, msgServiceUnhealthy, err)

		return err
	}

	fmt.Fprintln(a.out, msgServiceHealthy)

	return nil
}

func (a *app) listVoices(ctx context.Context) error {
	loader := catalog.NewLoader(a.api, a.cfg.CatalogTTL(), time.Now, a.log)

	languages, err := loader.Languages(ctx)
	if err != nil {
		return fmt.Errorf("failed to load languages: %w", err)
	}

	speakers, err := loader.Speakers(ctx)
	if err != nil {
		return fmt.Errorf("failed to load speakers: %w", err)
	}

	writer := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)

	fmt.Fprintln(writer, "LANGUAGE\tCODE")

	for _, language := range languages {
		fmt.Fprintf(writer, "%s\t%s\n", language.Name, language.Code)
	}

	fmt.Fprintln(writer, "\nSPEAKER\tLANGUAGE\tDESCRIPTION")

	for _, speaker := range speakers {
		fmt.Fprintf(writer, "%s\t%s\t%s\n", speaker.Name, speaker.Language, speaker.Description)
	}

	return writer.Flush()
}

func (a *app) listDevices() error {
	source := capture.NewMalgoSource(a.log)
	if !source.Supported() {
		return errors.New(capture.MsgNotSupported)
	}

	devices, err := source.ListDevices()
	if err != nil {
		return fmt.Errorf("failed to list capture devices: %w", err)
	}

	if len(devices) == 0 {
		fmt.Fprintln(a.out, msgNoDevices)

		return nil
	}

	for _, device := range devices {
		fmt.Fprintln(a.out, device.String())
	}

	return nil
}

func (a *app) listHistory(ctx context.Context) error {
	history, err := a.api.ListJobs(ctx, historyLimit)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	if len(history) == 0 {
		fmt.Fprintln(a.out, msgNoJobs)

		return nil
	}

	writer := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)

	fmt.Fprintln(writer, "ID\tSTATUS\tCREATED\tAUDIO")

	for _, job := range history {
		created := ""
		if !job.CreatedAt.IsZero() {
			created = job.CreatedAt.Local().Format(time.DateTime)
		}

		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\n", job.ID, job.Status, created, job.AudioReference())
	}

	return writer.Flush()
}

func (a *app) deleteJob(ctx context.Context, jobID int64) error {
	err := a.studio.Delete(ctx, jobID)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, msgDeleted, jobID)

	return nil
}

// watchJob follows an existing job. Jobs that already finished are adopted
// without polling.
func (a *app) watchJob(ctx context.Context, jobID int64, output string) error {
	job, err := a.api.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to fetch job %d: %w", jobID, err)
	}

	if job.Status.IsTerminal() {
		err = a.controller.LoadCompletedJob(job)
	} else {
		fmt.Fprintf(a.out, msgWatching, jobID)
		err = a.studio.Watch(jobID)
	}

	if err != nil {
		return err
	}

	return a.finish(ctx, output)
}

func (a *app) submit(ctx context.Context, flags appFlags) error {
	req := core.CreateJobRequest{
		Mode:          core.JobMode(flags.mode),
		Text:          flags.text,
		Language:      flags.language,
		Speaker:       flags.speaker,
		Instruct:      flags.instruct,
		ReferenceText: flags.refText,
	}

	if req.Mode == core.ModeVoiceClone {
		reference, err := a.reference(ctx, flags)
		if err != nil {
			return err
		}

		req.ReferenceAudio = &reference
	}

	resp, err := a.studio.Submit(ctx, req)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, msgSubmitted, resp.JobID, resp.Status)

	return a.finish(ctx, flags.output)
}

// finish waits for the tracked job and saves its audio.
func (a *app) finish(ctx context.Context, output string) error {
	job, err := a.studio.Wait(ctx)
	if err != nil {
		return err
	}

	data, err := a.api.DownloadAudio(ctx, job)
	if err != nil {
		return fmt.Errorf("failed to download audio for job %d: %w", job.ID, err)
	}

	outputPath := fileutil.OutputPath(output, a.cfg.Paths.OutputDir, job.ID, job.AudioReference())

	err = fileutil.EnsureDir(filepath.Dir(outputPath))
	if err != nil {
		return err
	}

	err = os.WriteFile(outputPath, data, outputPermissions)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}

	a.log.Info("Saved audio of job %d to %s", job.ID, outputPath)
	fmt.Fprintf(a.out, msgGenerated, outputPath, fileutil.FormatFileSize(int64(len(data))))

	return nil
}

// reference loads the clone reference from --ref or records it.
func (a *app) reference(ctx context.Context, flags appFlags) (core.AudioFile, error) {
	if flags.record > 0 {
		return a.record(ctx, flags.record)
	}

	data, err := os.ReadFile(flags.ref)
	if err != nil {
		return core.AudioFile{}, fmt.Errorf("failed to read reference audio: %w", err)
	}

	file := core.AudioFile{Name: filepath.Base(flags.ref), Data: data}
	file.MIMEType = validation.EffectiveType(file)

	if !fileutil.IsValidAudioFile(file.Name) {
		a.log.Warn("Reference %s has no audio extension, detected %s", file.Name, file.MIMEType)
	}

	return file, nil
}

func (a *app) record(ctx context.Context, seconds int) (core.AudioFile, error) {
	recorder := capture.NewRecorder(
		capture.NewMalgoSource(a.log),
		audio.NewPCMDecoder(),
		a.store,
		a.gate,
		a.sched,
		a.log,
		capture.Options{
			SampleRate: a.cfg.Audio.SampleRate,
			Channels:   a.cfg.Audio.Channels,
			OnChange:   a.onRecorderChange,
		},
	)
	defer recorder.Close(context.Background())

	err := recorder.StartRecording(ctx)
	if err != nil {
		return core.AudioFile{}, recorderError(recorder, err)
	}

	fmt.Fprintf(a.out, msgRecording, seconds)

	timer := time.NewTimer(time.Duration(seconds) * time.Second)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return core.AudioFile{}, ctx.Err()
	case <-timer.C:
	}

	err = recorder.StopRecording(ctx)
	if err != nil {
		return core.AudioFile{}, recorderError(recorder, err)
	}

	state := recorder.State()
	if state.Blob != nil {
		fmt.Fprintf(a.out, msgRecorded, fileutil.FormatDuration(state.Blob.DurationSeconds), fileutil.FormatFileSize(state.Blob.Size))
	}

	return recorder.File(ctx)
}

func (a *app) onRecorderChange(state capture.State) {
	if a.verbose && state.IsRecording && state.Duration == math.Trunc(state.Duration) {
		fmt.Fprintf(a.out, msgRecorderState, fileutil.FormatDuration(state.Duration))
	}
}

func recorderError(recorder *capture.Recorder, err error) error {
	message := recorder.State().Error
	if message == "" {
		return err
	}

	return fmt.Errorf("%s: %w", message, err)
}
