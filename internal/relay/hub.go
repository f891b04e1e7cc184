// Package relay bridges one upstream capture unit to any number of viewer
// connections and lets the hub itself drive the unit as a device transport.
package relay

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/life-stream-dev/life-stream-go-device-hub/internal/connection"
	"github.com/life-stream-dev/life-stream-go-device-hub/internal/device"
	"github.com/life-stream-dev/life-stream-go-device-hub/internal/logger"
	"github.com/life-stream-dev/life-stream-go-device-hub/internal/utils"
)

const (
	DefaultDeviceTag = "esp8266"
	DefaultFanout    = 64
)

var (
	ErrNoDevice  = errors.New("device not connected to relay")
	ErrSlotTaken = errors.New("device slot already taken")
)

type Options struct {
	DeviceTag string
	// Fanout bounds the concurrent sends of one broadcast.
	Fanout int
	Now    func() time.Time
	// OnDeviceChange is called on its own goroutine when the device slot is
	// filled or cleared.
	OnDeviceChange func(connected bool)
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Subscribers      int              `json:"subscribers"`
	DeviceConnected  bool             `json:"device_connected"`
	Readiness        device.Readiness `json:"readiness"`
	FingerprintCount int              `json:"fingerprint_count"`
	RFIDCount        int              `json:"rfid_count"`
	Broadcasts       int64            `json:"broadcasts"`
}

type Hub struct {
	opts Options
	// subscribers includes the device connection once it registers.
	subscribers *connection.ConnectionManager

	mu               sync.Mutex
	device           connection.Conn
	readiness        device.Readiness
	fingerprintCount int
	rfidCount        int
	pending          map[string]chan CommandReply
	fingerprint      *device.CaptureResult
	rfid             *device.CaptureResult
	outcome          *device.VerificationOutcome

	broadcasts atomic.Int64
}

func NewHub(opts Options) *Hub {
	if opts.DeviceTag == "" {
		opts.DeviceTag = DefaultDeviceTag
	}
	if opts.Fanout <= 0 {
		opts.Fanout = DefaultFanout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		opts:        opts,
		subscribers: connection.NewConnectionManager(),
		pending:     make(map[string]chan CommandReply),
	}
}

func (h *Hub) timestamp() string {
	return utils.Timestamp(h.opts.Now())
}

// OnConnect adds conn to the subscriber set.
func (h *Hub) OnConnect(conn connection.Conn) {
	h.subscribers.AddConnection(conn)
}

// OnDisconnect removes conn. When conn held the device slot the slot is
// cleared, cached readiness drops to not ready, in-flight commands fail and
// exactly one status broadcast goes out.
func (h *Hub) OnDisconnect(conn connection.Conn) {
	h.subscribers.RemoveConnection(conn.ID())

	h.mu.Lock()
	if h.device == nil || h.device.ID() != conn.ID() {
		h.mu.Unlock()
		return
	}
	h.device = nil
	h.readiness = device.Readiness{}
	for id, ch := range h.pending {
		ch <- CommandReply{ID: id, OK: false, Error: ErrNoDevice.Error()}
		delete(h.pending, id)
	}
	msg := h.statusMessageLocked()
	h.mu.Unlock()

	logger.InfoF("[%s] Device left the relay", conn.ID())
	h.Broadcast(msg)
	h.notifyDevice(false)
}

func (h *Hub) notifyDevice(connected bool) {
	if h.opts.OnDeviceChange != nil {
		go h.opts.OnDeviceChange(connected)
	}
}

// OnMessage handles one inbound payload from conn. It never returns an error:
// malformed input is logged and dropped, refusals go back to conn only.
func (h *Hub) OnMessage(conn connection.Conn, payload []byte) {
	var msg Inbound
	if err := json.Unmarshal(payload, &msg); err != nil {
		logger.WarnF("[%s] Drop malformed message, details: %v", conn.ID(), &device.ParseError{Input: truncate(payload), Err: err})
		return
	}

	h.mu.Lock()
	isDevice := h.device != nil && h.device.ID() == conn.ID()
	registered := false
	if !isDevice && msg.Device != "" && msg.Device == h.opts.DeviceTag {
		if h.device != nil {
			holder := h.device.ID()
			h.mu.Unlock()
			logger.WarnF("[%s] Refuse device claim, slot held by %s", conn.ID(), holder)
			h.replyError(conn, ErrSlotTaken.Error())
			return
		}
		h.device = conn
		isDevice, registered = true, true
	}
	h.mu.Unlock()

	if registered {
		logger.InfoF("[%s] Device %s registered on the relay", conn.ID(), msg.Device)
		h.notifyDevice(true)
	}
	if isDevice {
		h.handleDevice(conn, &msg)
		return
	}
	h.handleViewer(conn, &msg)
}

func truncate(payload []byte) string {
	const limit = 128
	if len(payload) > limit {
		return string(payload[:limit]) + "..."
	}
	return string(payload)
}

func (h *Hub) handleDevice(conn connection.Conn, msg *Inbound) {
	handled := false
	if msg.Status != nil {
		handled = true
		h.mu.Lock()
		h.readiness = device.Readiness{
			Fingerprint: bool(msg.Status.Fingerprint),
			RFID:        bool(msg.Status.RFID),
			Display:     bool(msg.Status.Display),
			Battery:     msg.Status.Battery,
			Charging:    msg.Status.Charging,
		}
		if msg.Status.FingerprintCount != nil {
			h.fingerprintCount = *msg.Status.FingerprintCount
		}
		if msg.Status.RFIDCount != nil {
			h.rfidCount = *msg.Status.RFIDCount
		}
		status := h.statusMessageLocked()
		h.mu.Unlock()
		h.Broadcast(status)
	}
	if msg.Event != nil {
		handled = true
		h.handleEvent(conn, msg.Event)
	}
	if msg.Reply != nil {
		handled = true
		h.deliverReply(conn, *msg.Reply)
	}
	if !handled {
		logger.DebugF("[%s] Device message without status, event or reply", conn.ID())
	}
}

func (h *Hub) statusMessageLocked() StatusMessage {
	return StatusMessage{
		Type:        TypeStatus,
		Controller:  h.device != nil,
		Fingerprint: h.readiness.Fingerprint,
		RFID:        h.readiness.RFID,
		Display:     h.readiness.Display,
		Battery:     h.readiness.Battery,
		Charging:    h.readiness.Charging,
		Timestamp:   h.timestamp(),
	}
}

func (h *Hub) handleEvent(conn connection.Conn, ev *EventPayload) {
	now := h.opts.Now()
	switch ev.Type {
	case TypeFingerprint:
		h.mu.Lock()
		h.fingerprintCount++
		count := h.fingerprintCount
		if ev.Template != "" {
			template, err := hex.DecodeString(ev.Template)
			if err != nil {
				logger.WarnF("[%s] Drop fingerprint template, details: %v", conn.ID(), &device.ParseError{Input: ev.Template, Err: err})
			} else {
				capture := device.NewFingerprintCapture(template, now)
				capture.SubjectID = ev.UserID
				capture.Message = ev.Message
				h.fingerprint = capture
			}
		}
		h.mu.Unlock()
		h.Broadcast(FingerprintMessage{
			Type:      TypeFingerprint,
			Status:    ev.Status,
			Message:   ev.Message,
			Count:     count,
			Timestamp: utils.Timestamp(now),
		})
	case TypeRFID:
		h.mu.Lock()
		h.rfidCount++
		count := h.rfidCount
		if tag := strings.TrimSpace(ev.CardID); tag != "" {
			capture := device.NewRFIDCapture(tag, now)
			capture.SubjectID = ev.UserID
			h.rfid = capture
		}
		h.mu.Unlock()
		h.Broadcast(RFIDMessage{
			Type:      TypeRFID,
			Status:    ev.Status,
			CardID:    ev.CardID,
			Count:     count,
			Timestamp: utils.Timestamp(now),
		})
	case TypeVerification:
		outcome := &device.VerificationOutcome{Matched: ev.Matched, SubjectID: ev.UserID, At: now}
		if ev.Modality != "" {
			if modality, err := device.ParseModality(ev.Modality); err == nil {
				outcome.Modality = modality
			}
		}
		h.mu.Lock()
		h.outcome = outcome
		h.mu.Unlock()
		h.Broadcast(VerificationMessage{
			Type:      TypeVerification,
			Matched:   ev.Matched,
			UserID:    ev.UserID,
			Modality:  ev.Modality,
			Timestamp: utils.Timestamp(now),
		})
	default:
		logger.WarnF("[%s] Drop event of unknown type %q", conn.ID(), ev.Type)
	}
}

func (h *Hub) deliverReply(conn connection.Conn, reply CommandReply) {
	h.mu.Lock()
	ch, ok := h.pending[reply.ID]
	delete(h.pending, reply.ID)
	h.mu.Unlock()
	if !ok {
		logger.DebugF("[%s] Drop reply for unknown command %q", conn.ID(), reply.ID)
		return
	}
	ch <- reply
}

func (h *Hub) handleViewer(conn connection.Conn, msg *Inbound) {
	if msg.Command == "" {
		logger.WarnF("[%s] Drop viewer message without command", conn.ID())
		return
	}

	h.mu.Lock()
	dev := h.device
	h.mu.Unlock()
	if dev == nil {
		h.replyError(conn, "ESP8266 not connected")
		return
	}

	out := CommandMessage{Command: msg.Command, Timestamp: h.timestamp()}
	if len(msg.Args) > 0 {
		out.Args = msg.Args
	}
	data, err := json.Marshal(out)
	if err != nil {
		logger.ErrorF("[%s] Fail to encode command, details: %v", conn.ID(), err)
		return
	}
	if err := h.subscribers.SendMessage(dev.ID(), data); err != nil {
		logger.WarnF("[%s] Fail to forward command %q to device, details: %v", conn.ID(), msg.Command, err)
		h.replyError(conn, "failed to reach device")
		return
	}
	logger.DebugF("[%s] Forward command %q to device %s", conn.ID(), msg.Command, dev.ID())
}

func (h *Hub) replyError(conn connection.Conn, message string) {
	data, err := json.Marshal(ErrorMessage{Type: TypeError, Message: message, Timestamp: h.timestamp()})
	if err != nil {
		return
	}
	if err := conn.Send(data); err != nil {
		logger.WarnF("[%s] Fail to send error envelope, details: %v", conn.ID(), err)
	}
}

// Broadcast sends v to every subscriber concurrently. A failed send is
// logged and does not affect the others. It returns the number of
// successful deliveries.
func (h *Hub) Broadcast(v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		logger.ErrorF("[relay] Fail to encode broadcast, details: %v", err)
		return 0
	}
	h.broadcasts.Add(1)

	var delivered atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(h.opts.Fanout)
	for _, conn := range h.subscribers.Snapshot() {
		conn := conn
		g.Go(func() error {
			if err := conn.Send(data); err != nil {
				logger.WarnF("[%s] Fail to deliver broadcast, details: %v", conn.ID(), err)
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(delivered.Load())
}

// Command sends a correlated command to the device and waits for its reply.
func (h *Hub) Command(ctx context.Context, name string, args any) error {
	id := uuid.NewString()
	ch := make(chan CommandReply, 1)

	h.mu.Lock()
	dev := h.device
	if dev == nil {
		h.mu.Unlock()
		return ErrNoDevice
	}
	h.pending[id] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
	}()

	data, err := json.Marshal(CommandMessage{Command: name, ID: id, Args: args, Timestamp: h.timestamp()})
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := h.subscribers.SendMessage(dev.ID(), data); err != nil {
		return fmt.Errorf("send %s: %w", name, err)
	}

	select {
	case reply := <-ch:
		if !reply.OK {
			if reply.Error == ErrNoDevice.Error() {
				return fmt.Errorf("%s: %w", name, ErrNoDevice)
			}
			return fmt.Errorf("%s: %w: %s", name, device.ErrNotAcknowledged, reply.Error)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s reply: %w", name, ctx.Err())
	}
}

func (h *Hub) DeviceConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.device != nil
}

func (h *Hub) Readiness() device.Readiness {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.readiness
}

// TakeCapture returns the pending fingerprint capture, else the pending RFID
// capture, and clears it.
func (h *Hub) TakeCapture() *device.CaptureResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fingerprint != nil {
		capture := h.fingerprint
		h.fingerprint = nil
		return capture
	}
	capture := h.rfid
	h.rfid = nil
	return capture
}

func (h *Hub) TakeOutcome() *device.VerificationOutcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	outcome := h.outcome
	h.outcome = nil
	return outcome
}

// ClearCaptures drops anything buffered from a previous mode.
func (h *Hub) ClearCaptures() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fingerprint, h.rfid, h.outcome = nil, nil, nil
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		Subscribers:      h.subscribers.Len(),
		DeviceConnected:  h.device != nil,
		Readiness:        h.readiness,
		FingerprintCount: h.fingerprintCount,
		RFIDCount:        h.rfidCount,
		Broadcasts:       h.broadcasts.Load(),
	}
}

// Close drops every connection. Handlers observe the close and unregister.
func (h *Hub) Close() {
	h.subscribers.CloseAll()
}
