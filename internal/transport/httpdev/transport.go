// Package httpdev drives a capture unit through its JSON control endpoints.
package httpdev

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-device-hub/internal/device"
	"github.com/life-stream-dev/life-stream-go-device-hub/internal/logger"
)

const maxErrorBody = 2048

// StatusError is a non-200 answer from the device.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("device answered with status %d", e.Code)
	}
	return fmt.Sprintf("device answered with status %d: %s", e.Code, e.Body)
}

type Options struct {
	// Client defaults to a plain http.Client. Per-call deadlines come from the
	// context handed in by the session.
	Client *http.Client
	Now    func() time.Time
}

type Transport struct {
	client *http.Client
	now    func() time.Time

	mu   sync.RWMutex
	base *url.URL
}

func New(opts Options) *Transport {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Transport{client: client, now: now}
}

func (t *Transport) Name() string {
	return "http"
}

// BaseURL turns "10.0.0.5" or "10.0.0.5:8080" into an http URL. Addresses
// that already carry a scheme are kept.
func BaseURL(address string) (*url.URL, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, &device.ParseError{Input: address, Err: errors.New("empty device address")}
	}
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	parsed, err := url.Parse(address)
	if err != nil {
		return nil, &device.ParseError{Input: address, Err: err}
	}
	if parsed.Host == "" {
		return nil, &device.ParseError{Input: address, Err: errors.New("missing host")}
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	return parsed, nil
}

type statusBody struct {
	FingerprintReady bool `json:"fingerprint_ready"`
	RFIDReady        bool `json:"rfid_ready"`
	DisplayReady     bool `json:"display_ready"`
	Battery          int  `json:"battery"`
	Charging         bool `json:"charging"`
}

func (b statusBody) readiness() device.Readiness {
	return device.Readiness{
		Fingerprint: b.FingerprintReady,
		RFID:        b.RFIDReady,
		Display:     b.DisplayReady,
		Battery:     b.Battery,
		Charging:    b.Charging,
	}
}

// Probe reads /status from address and binds the transport to it on success.
func (t *Transport) Probe(ctx context.Context, address string) (device.Readiness, error) {
	base, err := BaseURL(address)
	if err != nil {
		return device.Readiness{}, err
	}

	var body statusBody
	if _, err := t.do(ctx, base, http.MethodGet, "/status", nil, &body); err != nil {
		return device.Readiness{}, err
	}

	t.mu.Lock()
	t.base = base
	t.mu.Unlock()
	return body.readiness(), nil
}

func (t *Transport) SetMode(ctx context.Context, mode device.Mode) error {
	return t.post(ctx, "/mode", map[string]string{"mode": mode.String()})
}

func (t *Transport) Send(ctx context.Context, cmd device.Command) (device.Reply, error) {
	switch cmd.Kind {
	case device.CmdStartRegistration:
		return device.Reply{}, t.post(ctx, "/registration/start", map[string]string{"user_id": cmd.SubjectID})
	case device.CmdStartVerification:
		return device.Reply{}, t.post(ctx, "/verification/start", nil)
	case device.CmdReset:
		return device.Reply{}, t.post(ctx, "/reset", nil)
	case device.CmdDisconnect:
		return device.Reply{}, t.post(ctx, "/disconnect", nil)
	case device.CmdFetchRegistration:
		capture, err := t.registrationData(ctx)
		return device.Reply{Capture: capture}, err
	case device.CmdFetchVerification:
		outcome, err := t.verificationResult(ctx)
		return device.Reply{Outcome: outcome}, err
	default:
		return device.Reply{}, fmt.Errorf("%s over http: %w", cmd.Kind, device.ErrUnsupported)
	}
}

func (t *Transport) Close() error {
	t.client.CloseIdleConnections()
	t.mu.Lock()
	t.base = nil
	t.mu.Unlock()
	return nil
}

func (t *Transport) bound() (*url.URL, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.base == nil {
		return nil, fmt.Errorf("no device address bound: %w", device.ErrNotConnected)
	}
	return t.base, nil
}

func (t *Transport) post(ctx context.Context, path string, payload any) error {
	base, err := t.bound()
	if err != nil {
		return err
	}
	_, err = t.do(ctx, base, http.MethodPost, path, payload, nil)
	return err
}

// do performs one request. It returns the status code, which is 200 or 204;
// any other code is a StatusError.
func (t *Transport) do(ctx context.Context, base *url.URL, method, path string, payload, out any) (int, error) {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal %s body: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	endpoint := *base
	endpoint.Path = base.Path + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, &device.TransportError{Op: method + " " + path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return resp.StatusCode, nil
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, &device.TransportError{
			Op:  method + " " + path,
			Err: &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))},
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, &device.TransportError{Op: method + " " + path, Err: err}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp.StatusCode, &device.ParseError{Input: string(raw), Err: err}
	}
	logger.DebugF("[http] %s %s answered %d", method, endpoint.String(), resp.StatusCode)
	return resp.StatusCode, nil
}

type registrationBody struct {
	Available           bool   `json:"available"`
	UserID              string `json:"user_id"`
	RFIDTag             string `json:"rfid_tag"`
	FingerprintTemplate string `json:"fingerprint_template"`
}

func (t *Transport) registrationData(ctx context.Context) (*device.CaptureResult, error) {
	base, err := t.bound()
	if err != nil {
		return nil, err
	}
	var body registrationBody
	code, err := t.do(ctx, base, http.MethodGet, "/registration/data", nil, &body)
	if err != nil || code == http.StatusNoContent || !body.Available {
		return nil, err
	}

	var capture *device.CaptureResult
	switch {
	case body.FingerprintTemplate != "":
		template, err := hex.DecodeString(body.FingerprintTemplate)
		if err != nil {
			return nil, &device.ParseError{Input: body.FingerprintTemplate, Err: err}
		}
		capture = device.NewFingerprintCapture(template, t.now())
	case body.RFIDTag != "":
		capture = device.NewRFIDCapture(body.RFIDTag, t.now())
	default:
		return nil, &device.ParseError{Input: "registration data", Err: errors.New("available without rfid_tag or fingerprint_template")}
	}
	capture.SubjectID = body.UserID
	return capture, nil
}

type verificationBody struct {
	Available bool   `json:"available"`
	Matched   bool   `json:"matched"`
	UserID    string `json:"user_id"`
	Modality  string `json:"modality"`
}

func (t *Transport) verificationResult(ctx context.Context) (*device.VerificationOutcome, error) {
	base, err := t.bound()
	if err != nil {
		return nil, err
	}
	var body verificationBody
	code, err := t.do(ctx, base, http.MethodGet, "/verification/result", nil, &body)
	if err != nil || code == http.StatusNoContent || !body.Available {
		return nil, err
	}

	outcome := &device.VerificationOutcome{
		Matched:   body.Matched,
		SubjectID: body.UserID,
		At:        t.now(),
	}
	if body.Modality != "" {
		modality, err := device.ParseModality(body.Modality)
		if err != nil {
			return nil, err
		}
		outcome.Modality = modality
	}
	return outcome, nil
}
