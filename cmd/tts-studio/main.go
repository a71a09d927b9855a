package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-studio/internal/config"
	"github.com/book-expert/tts-studio/internal/core"
)

// Flag names.
const (
	flagText     = "text"
	flagMode     = "mode"
	flagLanguage = "language"
	flagSpeaker  = "speaker"
	flagInstruct = "instruct"
	flagRef      = "ref"
	flagRefText  = "ref-text"
	flagRecord   = "record"
	flagOutput   = "output"
	flagWatch    = "watch"
	flagDelete   = "delete"
	flagHistory  = "history"
	flagVoices   = "voices"
	flagDevices  = "devices"
	flagHealth   = "health"
	flagConfig   = "config"
	flagVerbose  = "verbose"
)

// Flag descriptions.
const (
	flagTextDesc     = "Text to convert to speech"
	flagModeDesc     = "Synthesis mode: custom_voice, voice_design or voice_clone"
	flagLanguageDesc = "Language of the text (defaults to Auto)"
	flagSpeakerDesc  = "Preset speaker for custom_voice jobs"
	flagInstructDesc = "Style instructions; required for voice_design jobs"
	flagRefDesc      = "Reference audio file (.wav or .mp3) for voice_clone jobs"
	flagRefTextDesc  = "Transcript of the reference audio"
	flagRecordDesc   = "Record this many seconds of reference audio from the microphone"
	flagOutputDesc   = "Output file path for the synthesized audio"
	flagWatchDesc    = "Track an existing job id and download its audio"
	flagDeleteDesc   = "Delete a job by id"
	flagHistoryDesc  = "List recent jobs and exit"
	flagVoicesDesc   = "List languages and preset speakers and exit"
	flagDevicesDesc  = "List capture devices and exit"
	flagHealthDesc   = "Check TTS service health and exit"
	flagConfigDesc   = "Path to a TOML config file (defaults to project.toml discovery)"
	flagVerboseDesc  = "Print every job state change"
)

// Argument validation messages.
const (
	errNoAction           = "one of --text, --watch, --delete, --history, --voices, --devices or --health must be provided"
	errConflictingActions = "only one action may be given, got: %s"
	errNegativeID         = "--%s must be a positive job id"
	errNegativeRecord     = "--record must not be negative"
	errRefAndRecord       = "cannot specify both --ref and --record"
	errReferenceRequired  = "voice_clone requires --ref or --record"
	errReferenceNotClone  = "--ref and --record are only valid with --mode voice_clone"
	errSpeakerRequired    = "custom_voice requires --speaker"
	errInstructRequired   = "voice_design requires --instruct"
	errInvalidMode        = "invalid --mode %q"
)

// Log file names.
const (
	logFileNameBootstrap = "tts-studio-bootstrap.log"
	logFileNameDefault   = "tts-studio.log"
	logFileNameVerbose   = "tts-studio-verbose.log"
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	text     string
	mode     string
	language string
	speaker  string
	instruct string
	ref      string
	refText  string
	output   string
	config   string
	record   int
	watch    int64
	delete   int64
	history  bool
	voices   bool
	devices  bool
	health   bool
	verbose  bool
}

func main() {
	err := run(os.Args[1:])
	if err != nil {
		// A logger might not be initialized yet, so use the standard log package.
		log.Fatalf("Error: %v", err)
	}
}

// run is the main application entry point, returning an error on failure.
func run(args []string) error {
	flags, err := parseFlags(args, os.Stderr)
	if err != nil {
		return err
	}

	err = validateArguments(flags)
	if err != nil {
		return err
	}

	cfg, appLog, err := setup(flags)
	if err != nil {
		return err
	}
	defer appLog.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := newApp(cfg, appLog, flags)
	defer app.close()

	return app.dispatch(ctx, flags)
}

// parseFlags defines and parses command-line flags, returning them in a struct.
func parseFlags(args []string, output io.Writer) (appFlags, error) {
	var flags appFlags

	flagSet := flag.NewFlagSet("tts-studio", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.StringVar(&flags.text, flagText, "", flagTextDesc)
	flagSet.StringVar(&flags.mode, flagMode, string(core.ModeCustomVoice), flagModeDesc)
	flagSet.StringVar(&flags.language, flagLanguage, "", flagLanguageDesc)
	flagSet.StringVar(&flags.speaker, flagSpeaker, "", flagSpeakerDesc)
	flagSet.StringVar(&flags.instruct, flagInstruct, "", flagInstructDesc)
	flagSet.StringVar(&flags.ref, flagRef, "", flagRefDesc)
	flagSet.StringVar(&flags.refText, flagRefText, "", flagRefTextDesc)
	flagSet.IntVar(&flags.record, flagRecord, 0, flagRecordDesc)
	flagSet.StringVar(&flags.output, flagOutput, "", flagOutputDesc)
	flagSet.Int64Var(&flags.watch, flagWatch, 0, flagWatchDesc)
	flagSet.Int64Var(&flags.delete, flagDelete, 0, flagDeleteDesc)
	flagSet.BoolVar(&flags.history, flagHistory, false, flagHistoryDesc)
	flagSet.BoolVar(&flags.voices, flagVoices, false, flagVoicesDesc)
	flagSet.BoolVar(&flags.devices, flagDevices, false, flagDevicesDesc)
	flagSet.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)
	flagSet.StringVar(&flags.config, flagConfig, "", flagConfigDesc)
	flagSet.BoolVar(&flags.verbose, flagVerbose, false, flagVerboseDesc)

	err := flagSet.Parse(args)
	if err != nil {
		return appFlags{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	return flags, nil
}

// validateArguments checks required and conflicting arguments without
// touching the network, the microphone or the file system.
func validateArguments(flags appFlags) error {
	if flags.watch < 0 {
		return fmt.Errorf(errNegativeID, flagWatch)
	}

	if flags.delete < 0 {
		return fmt.Errorf(errNegativeID, flagDelete)
	}

	actions := selectedActions(flags)

	if len(actions) == 0 {
		return errors.New(errNoAction)
	}

	if len(actions) > 1 {
		return fmt.Errorf(errConflictingActions, strings.Join(actions, ", "))
	}

	if flags.text == "" {
		return nil
	}

	return validateSubmission(flags)
}

func validateSubmission(flags appFlags) error {
	mode := core.JobMode(flags.mode)
	if !mode.Valid() {
		return fmt.Errorf(errInvalidMode, flags.mode)
	}

	if flags.record < 0 {
		return errors.New(errNegativeRecord)
	}

	hasReference := flags.ref != "" || flags.record > 0

	switch mode {
	case core.ModeCustomVoice:
		if flags.speaker == "" {
			return errors.New(errSpeakerRequired)
		}
	case core.ModeVoiceDesign:
		if flags.instruct == "" {
			return errors.New(errInstructRequired)
		}
	case core.ModeVoiceClone:
		if flags.ref != "" && flags.record > 0 {
			return errors.New(errRefAndRecord)
		}

		if !hasReference {
			return errors.New(errReferenceRequired)
		}
	}

	if mode != core.ModeVoiceClone && hasReference {
		return errors.New(errReferenceNotClone)
	}

	return nil
}

func selectedActions(flags appFlags) []string {
	var actions []string

	candidates := []struct {
		name string
		set  bool
	}{
		{flagText, flags.text != ""},
		{flagWatch, flags.watch > 0},
		{flagDelete, flags.delete > 0},
		{flagHistory, flags.history},
		{flagVoices, flags.voices},
		{flagDevices, flags.devices},
		{flagHealth, flags.health},
	}

	for _, candidate := range candidates {
		if candidate.set {
			actions = append(actions, "--"+candidate.name)
		}
	}

	return actions
}

// setup loads the configuration, then opens the final logger in the
// configured logs directory.
func setup(flags appFlags) (*config.Config, *logger.Logger, error) {
	bootstrapLog, err := logger.New(os.TempDir(), logFileNameBootstrap)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create bootstrap logger: %w", err)
	}
	defer bootstrapLog.Close()

	var cfg *config.Config

	if flags.config != "" {
		cfg, err = config.LoadFile(flags.config)
	} else {
		cfg, err = config.Load(bootstrapLog)
	}

	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logFileName := logFileNameDefault
	if flags.verbose {
		logFileName = logFileNameVerbose
	}

	appLog, err := logger.New(cfg.Paths.BaseLogsDir, logFileName)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return cfg, appLog, nil
}
