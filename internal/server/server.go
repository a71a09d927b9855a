// Package server exposes the job lifecycle over HTTP and a websocket state
// stream so that a browser front end or another process can drive the
// studio.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-studio/internal/apiclient"
	"github.com/book-expert/tts-studio/internal/core"
	"github.com/book-expert/tts-studio/internal/jobs"
	"github.com/book-expert/tts-studio/internal/studio"
	"github.com/book-expert/tts-studio/internal/validation"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

const (
	uploadField        = "file"
	referenceField     = "reference_audio"
	multipartOverhead  = 1024 * 1024
	requestTimeout     = 60 * time.Second
	websocketWriteWait = 10 * time.Second
)

// Controller is the job lifecycle as driven over HTTP.
type Controller interface {
	State() jobs.State
	StartJob(jobID int64) error
	StopJob()
	ResetJob()
	Subscribe() (<-chan jobs.State, func())
}

// Submitter creates jobs and hands them to the controller.
type Submitter interface {
	Submit(ctx context.Context, req core.CreateJobRequest) (core.CreateJobResponse, error)
}

// Validator checks candidate reference audio.
type Validator interface {
	Validate(ctx context.Context, file core.AudioFile) validation.Result
}

// Catalog lists the languages and preset speakers that populate the form.
type Catalog interface {
	Languages(ctx context.Context) ([]apiclient.Language, error)
	Speakers(ctx context.Context) ([]apiclient.Speaker, error)
}

// Server routes HTTP requests to the studio components.
type Server struct {
	router     *chi.Mux
	controller Controller
	submitter  Submitter
	gate       Validator
	catalog    Catalog
	log        *logger.Logger
	maxUpload  int64
	upgrader   websocket.Upgrader
}

// CreateJobBody is the JSON form of a job submission.
type CreateJobBody struct {
	Mode          core.JobMode `json:"mode"`
	Text          string       `json:"text"`
	Language      string       `json:"language,omitempty"`
	Speaker       string       `json:"speaker,omitempty"`
	Instruct      string       `json:"instruct,omitempty"`
	ReferenceText string       `json:"ref_text,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

// New creates a server. maxUpload bounds multipart uploads; zero selects the
// gate's default limit.
func New(
	controller Controller,
	submitter Submitter,
	gate Validator,
	catalog Catalog,
	log *logger.Logger,
	maxUpload int64,
) *Server {
	if maxUpload <= 0 {
		maxUpload = validation.DefaultMaxBytes
	}

	s := &Server{
		router:     chi.NewRouter(),
		controller: controller,
		submitter:  submitter,
		gate:       gate,
		catalog:    catalog,
		log:        log,
		maxUpload:  maxUpload,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	s.registerRoutes()

	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", s.health)
	s.router.Get("/ws", s.stateWS)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Get("/state", s.state)
		r.Get("/languages", s.languages)
		r.Get("/speakers", s.speakers)
		r.Post("/validate", s.validate)
		r.Post("/jobs", s.createJob)
		r.Post("/jobs/current/reset", s.resetJob)
		r.Delete("/jobs/current", s.stopJob)
		r.Post("/jobs/{id}/watch", s.watchJob)
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) state(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.controller.State())
}

func (s *Server) languages(w http.ResponseWriter, r *http.Request) {
	languages, err := s.catalog.Languages(r.Context())
	if err != nil {
		s.log.Error("Listing languages failed: %v", err)
		s.writeError(w, http.StatusBadGateway, err.Error())

		return
	}

	s.writeJSON(w, http.StatusOK, languages)
}

func (s *Server) speakers(w http.ResponseWriter, r *http.Request) {
	speakers, err := s.catalog.Speakers(r.Context())
	if err != nil {
		s.log.Error("Listing speakers failed: %v", err)
		s.writeError(w, http.StatusBadGateway, err.Error())

		return
	}

	s.writeJSON(w, http.StatusOK, speakers)
}

func (s *Server) watchJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid job id")

		return
	}

	err = s.controller.StartJob(jobID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	s.log.Info("Watching job %d on request %s", jobID, middleware.GetReqID(r.Context()))
	s.writeJSON(w, http.StatusAccepted, s.controller.State())
}

func (s *Server) resetJob(w http.ResponseWriter, _ *http.Request) {
	s.controller.ResetJob()
	s.writeJSON(w, http.StatusOK, s.controller.State())
}

func (s *Server) stopJob(w http.ResponseWriter, _ *http.Request) {
	s.controller.StopJob()
	s.writeJSON(w, http.StatusOK, s.controller.State())
}

func (s *Server) validate(w http.ResponseWriter, r *http.Request) {
	file, err := s.readUpload(w, r, uploadField)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	s.writeJSON(w, http.StatusOK, s.gate.Validate(r.Context(), file))
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeCreateRequest(w, r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	resp, err := s.submitter.Submit(r.Context(), req)
	if err != nil {
		var validationErr *studio.ValidationError
		if errors.As(err, &validationErr) {
			s.writeJSON(w, http.StatusUnprocessableEntity, validationErr.Result)

			return
		}

		if apiclient.IsInvalidRequest(err) {
			s.writeError(w, http.StatusBadRequest, err.Error())

			return
		}

		s.log.Error("Job submission failed: %v", err)
		s.writeError(w, http.StatusBadGateway, err.Error())

		return
	}

	s.writeJSON(w, http.StatusCreated, resp)
}

// decodeCreateRequest accepts either a JSON body or a multipart form whose
// reference_audio part carries the clone reference.
func (s *Server) decodeCreateRequest(w http.ResponseWriter, r *http.Request) (core.CreateJobRequest, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType != "multipart/form-data" {
		var body CreateJobBody

		err := json.NewDecoder(io.LimitReader(r.Body, multipartOverhead)).Decode(&body)
		if err != nil {
			return core.CreateJobRequest{}, fmt.Errorf("invalid JSON body: %w", err)
		}

		return body.request(), nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+multipartOverhead)

	err := r.ParseMultipartForm(s.maxUpload)
	if err != nil {
		return core.CreateJobRequest{}, fmt.Errorf("invalid multipart form: %w", err)
	}

	body := CreateJobBody{
		Mode:          core.JobMode(r.FormValue("mode")),
		Text:          r.FormValue("text"),
		Language:      r.FormValue("language"),
		Speaker:       r.FormValue("speaker"),
		Instruct:      r.FormValue("instruct"),
		ReferenceText: r.FormValue("ref_text"),
	}
	req := body.request()

	file, err := s.readUpload(w, r, referenceField)

	switch {
	case errors.Is(err, http.ErrMissingFile):
	case err != nil:
		return core.CreateJobRequest{}, err
	default:
		req.ReferenceAudio = &file
	}

	return req, nil
}

func (b CreateJobBody) request() core.CreateJobRequest {
	return core.CreateJobRequest{
		Mode:          b.Mode,
		Text:          b.Text,
		Language:      b.Language,
		Speaker:       b.Speaker,
		Instruct:      b.Instruct,
		ReferenceText: b.ReferenceText,
	}
}

// readUpload reads one multipart file part. Oversized files are read up to
// one byte past the limit so the gate reports them as too large.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request, field string) (core.AudioFile, error) {
	if r.MultipartForm == nil {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+multipartOverhead)

		err := r.ParseMultipartForm(s.maxUpload)
		if err != nil {
			return core.AudioFile{}, fmt.Errorf("invalid multipart form: %w", err)
		}
	}

	part, header, err := r.FormFile(field)
	if err != nil {
		return core.AudioFile{}, fmt.Errorf("multipart field %q: %w", field, err)
	}
	defer part.Close()

	data, err := io.ReadAll(io.LimitReader(part, s.maxUpload+1))
	if err != nil {
		return core.AudioFile{}, fmt.Errorf("failed to read upload: %w", err)
	}

	return core.AudioFile{
		Name:     header.Filename,
		MIMEType: header.Header.Get("Content-Type"),
		Data:     data,
	}, nil
}

// stateWS streams controller snapshots: the current state on connect, then
// one message per change until the client goes away.
func (s *Server) stateWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Websocket upgrade failed: %v", err)

		return
	}
	defer conn.Close()

	updates, unsubscribe := s.controller.Subscribe()
	defer unsubscribe()

	closed := make(chan struct{})

	go func() {
		defer close(closed)

		for {
			if _, _, readErr := conn.ReadMessage(); readErr != nil {
				return
			}
		}
	}()

	err = s.send(conn, s.controller.State())
	if err != nil {
		return
	}

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case state := <-updates:
			err = s.send(conn, state)
			if err != nil {
				s.log.Warn("Websocket write failed: %v", err)

				return
			}
		}
	}
}

func (s *Server) send(conn *websocket.Conn, state jobs.State) error {
	err := conn.SetWriteDeadline(time.Now().Add(websocketWriteWait))
	if err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}

	return conn.WriteJSON(state)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(body)
	if err != nil {
		s.log.Warn("Failed to encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorBody{Error: strings.TrimSpace(message)})
}
