package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/life-stream-dev/life-stream-go-device-hub/internal/database"
	"github.com/life-stream-dev/life-stream-go-device-hub/internal/device"
	"github.com/life-stream-dev/life-stream-go-device-hub/internal/relay"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
)

type (
	ConnectRequest struct {
		Address string `json:"address" validate:"omitempty,max=255"`
	}

	ModeRequest struct {
		Mode string `json:"mode" validate:"required,oneof=idle registration verification"`
	}

	RegistrationRequest struct {
		UserID string `json:"user_id" validate:"required,max=64"`
	}

	DisplayRequest struct {
		Line int    `json:"line" validate:"gte=0,lte=3"`
		Text string `json:"text" validate:"max=64"`
	}

	AttendanceRequest struct {
		UserID string     `json:"user_id" validate:"required,max=64"`
		Course string     `json:"course" validate:"required,max=64"`
		At     *time.Time `json:"timestamp"`
	}

	StatusResponse struct {
		Status device.Status `json:"status"`
		Relay  *relay.Stats  `json:"relay,omitempty"`
	}
)

type hardwareApi struct {
	opts *Options
}

func registerHardwareAPI(g *echo.Group, opts *Options) {
	api := hardwareApi{opts: opts}

	g.GET("/status", api.status)
	g.POST("/connect", api.connect)
	g.POST("/disconnect", api.disconnect)
	g.POST("/mode", api.setMode)
	g.POST("/reset", api.reset)
	g.POST("/cancel", api.cancel)

	g.POST("/registration/start", api.startRegistration)
	g.GET("/registration/data", api.registrationData)
	g.POST("/verification/start", api.startVerification)
	g.GET("/verification/result", api.verificationResult)

	g.POST("/display", api.display)
	g.DELETE("/display", api.clearDisplay)
	g.POST("/attendance", api.recordAttendance)
	g.GET("/subjects/:id", api.lookupSubject)
	g.DELETE("/subjects/:id", api.deleteSubject)

	g.GET("/history", api.history)
	g.GET("/captures", api.captures)
}

func bindAndValidate(ctx echo.Context, req any) error {
	if err := ctx.Bind(req); err != nil {
		return err
	}
	return ctx.Validate(req)
}

func (api *hardwareApi) snapshot(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, api.opts.Session.Snapshot())
}

func (api *hardwareApi) status(ctx echo.Context) error {
	resp := StatusResponse{Status: api.opts.Session.Status(ctx.Request().Context())}
	if api.opts.Relay != nil {
		stats := api.opts.Relay.Stats()
		resp.Relay = &stats
	}
	return ctx.JSON(http.StatusOK, resp)
}

func (api *hardwareApi) connect(ctx echo.Context) error {
	var req ConnectRequest
	if ctx.Request().ContentLength != 0 {
		if err := bindAndValidate(ctx, &req); err != nil {
			return err
		}
	}
	address := req.Address
	if address == "" {
		address = api.opts.DefaultDeviceAddress
	}
	if address == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "address is required")
	}
	if err := api.opts.Session.Connect(ctx.Request().Context(), address); err != nil {
		return err
	}
	return api.snapshot(ctx)
}

func (api *hardwareApi) disconnect(ctx echo.Context) error {
	api.opts.Session.Disconnect(ctx.Request().Context())
	return api.snapshot(ctx)
}

func (api *hardwareApi) setMode(ctx echo.Context) error {
	var req ModeRequest
	if err := bindAndValidate(ctx, &req); err != nil {
		return err
	}
	mode, err := device.ParseMode(req.Mode)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := api.opts.Session.SetMode(ctx.Request().Context(), mode); err != nil {
		return err
	}
	return api.snapshot(ctx)
}

func (api *hardwareApi) reset(ctx echo.Context) error {
	if err := api.opts.Session.Reset(ctx.Request().Context()); err != nil {
		return err
	}
	return api.snapshot(ctx)
}

func (api *hardwareApi) cancel(ctx echo.Context) error {
	if err := api.opts.Session.Cancel(ctx.Request().Context()); err != nil {
		return err
	}
	return api.snapshot(ctx)
}

func (api *hardwareApi) startRegistration(ctx echo.Context) error {
	var req RegistrationRequest
	if err := bindAndValidate(ctx, &req); err != nil {
		return err
	}
	if err := api.opts.Session.StartRegistration(ctx.Request().Context(), req.UserID); err != nil {
		return err
	}
	return api.snapshot(ctx)
}

func (api *hardwareApi) registrationData(ctx echo.Context) error {
	capture, err := api.opts.Session.RegistrationData(ctx.Request().Context())
	if err != nil {
		return err
	}
	if capture == nil {
		return ctx.NoContent(http.StatusNoContent)
	}
	if api.opts.Journal != nil {
		api.opts.Journal.RecordCapture(capture)
	}
	return ctx.JSON(http.StatusOK, capture)
}

func (api *hardwareApi) startVerification(ctx echo.Context) error {
	if err := api.opts.Session.StartVerification(ctx.Request().Context()); err != nil {
		return err
	}
	return api.snapshot(ctx)
}

func (api *hardwareApi) verificationResult(ctx echo.Context) error {
	outcome, err := api.opts.Session.VerificationResult(ctx.Request().Context())
	if err != nil {
		return err
	}
	if outcome == nil {
		return ctx.NoContent(http.StatusNoContent)
	}
	if api.opts.Journal != nil {
		api.opts.Journal.RecordOutcome(outcome)
	}
	return ctx.JSON(http.StatusOK, outcome)
}

func (api *hardwareApi) display(ctx echo.Context) error {
	var req DisplayRequest
	if err := bindAndValidate(ctx, &req); err != nil {
		return err
	}
	if err := api.opts.Session.Display(ctx.Request().Context(), req.Line, req.Text); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *hardwareApi) clearDisplay(ctx echo.Context) error {
	if err := api.opts.Session.ClearDisplay(ctx.Request().Context()); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *hardwareApi) recordAttendance(ctx echo.Context) error {
	var req AttendanceRequest
	if err := bindAndValidate(ctx, &req); err != nil {
		return err
	}
	at := api.opts.Now()
	if req.At != nil {
		at = *req.At
	}
	if err := api.opts.Session.RecordAttendance(ctx.Request().Context(), req.UserID, req.Course, at); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *hardwareApi) deleteSubject(ctx echo.Context) error {
	if err := api.opts.Session.DeleteSubject(ctx.Request().Context(), ctx.Param("id")); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *hardwareApi) lookupSubject(ctx echo.Context) error {
	info, err := api.opts.Session.LookupSubject(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, info)
}

func parseLimit(ctx echo.Context) (int, error) {
	raw := ctx.QueryParam("limit")
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > maxHistoryLimit {
		return 0, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxHistoryLimit))
	}
	return limit, nil
}

func (api *hardwareApi) history(ctx echo.Context) error {
	limit, err := parseLimit(ctx)
	if err != nil {
		return err
	}
	if api.opts.Store == nil {
		return ctx.JSON(http.StatusOK, []database.StatusSnapshot{})
	}
	snapshots, err := api.opts.Store.RecentSnapshots(ctx.Request().Context(), limit)
	if err != nil {
		return fmt.Errorf("loading status history: %w", err)
	}
	return ctx.JSON(http.StatusOK, snapshots)
}

func (api *hardwareApi) captures(ctx echo.Context) error {
	limit, err := parseLimit(ctx)
	if err != nil {
		return err
	}
	if api.opts.Store == nil {
		return ctx.JSON(http.StatusOK, []database.CaptureRecord{})
	}
	records, err := api.opts.Store.RecentCaptures(ctx.Request().Context(), limit)
	if err != nil {
		return fmt.Errorf("loading capture journal: %w", err)
	}
	return ctx.JSON(http.StatusOK, records)
}
