// Package api exposes the device session to operators over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"github.com/life-stream-dev/life-stream-go-device-hub/internal/database"
	"github.com/life-stream-dev/life-stream-go-device-hub/internal/device"
	"github.com/life-stream-dev/life-stream-go-device-hub/internal/logger"
	"github.com/life-stream-dev/life-stream-go-device-hub/internal/relay"
)

// Coordinator is the part of device.Session the API drives.
type Coordinator interface {
	Connect(ctx context.Context, address string) error
	Disconnect(ctx context.Context)
	SetMode(ctx context.Context, mode device.Mode) error
	StartRegistration(ctx context.Context, subjectID string) error
	StartVerification(ctx context.Context) error
	RegistrationData(ctx context.Context) (*device.CaptureResult, error)
	VerificationResult(ctx context.Context) (*device.VerificationOutcome, error)
	Status(ctx context.Context) device.Status
	Snapshot() device.Status
	Reset(ctx context.Context) error
	Display(ctx context.Context, line int, text string) error
	ClearDisplay(ctx context.Context) error
	Cancel(ctx context.Context) error
	RecordAttendance(ctx context.Context, subjectID, course string, at time.Time) error
	DeleteSubject(ctx context.Context, subjectID string) error
	LookupSubject(ctx context.Context, subjectID string) (*device.SubjectInfo, error)
}

// Journal receives every capture and outcome handed out by the API.
type Journal interface {
	RecordCapture(capture *device.CaptureResult)
	RecordOutcome(outcome *device.VerificationOutcome)
}

// RelayStats reports relay counters for the status endpoint.
type RelayStats interface {
	Stats() relay.Stats
}

type (
	Options struct {
		Address        string
		DisableReqLogs bool
		Debug          bool
		// DefaultDeviceAddress is used by connect requests without an address.
		DefaultDeviceAddress string
		Session              Coordinator
		Journal              Journal
		Store                database.Store
		Relay                RelayStats
		Now                  func() time.Time
	}

	Server interface {
		http.Handler
		Start() error
		Stop(context.Context) error
	}

	server struct {
		opts *Options
		app  *echo.Echo
	}
)

var _ Server = (*server)(nil)

type requestValidator struct {
	validate *validator.Validate
}

func (v *requestValidator) Validate(i any) error {
	return v.validate.Struct(i)
}

func NewServer(opts *Options) Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &server{
		opts: opts,
		app:  echo.New(),
	}
	s.setup()
	return s
}

func (s *server) setup() {
	s.app.HideBanner = true
	s.app.HidePort = true
	s.app.Debug = s.opts.Debug

	s.app.Pre(middleware.RemoveTrailingSlash())
	if !s.opts.DisableReqLogs {
		s.app.Use(middleware.Logger())
	}
	if !s.opts.Debug {
		s.app.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{LogLevel: log.ERROR}))
	}

	s.app.Validator = &requestValidator{validate: validator.New()}
	s.app.HTTPErrorHandler = appHTTPErrorHandler

	registerHardwareAPI(s.app.Group("/api/hardware"), s.opts)
}

func (s *server) Start() error {
	logger.InfoF("API Server Listen On %s", s.opts.Address)
	if err := s.app.Start(s.opts.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *server) Stop(ctx context.Context) error {
	logger.InfoF("Closing API server")
	return s.app.Shutdown(ctx)
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // for tests
	s.app.ServeHTTP(w, r)
}
