package serialdev

import (
	"fmt"
	"io"
	"strings"

	"go.bug.st/serial"

	"github.com/life-stream-dev/life-stream-go-device-hub/internal/logger"
)

const DefaultBaudRate = 9600

// Opener opens the named port. Tests swap it for an in-memory pipe.
type Opener func(name string, baud int) (io.ReadWriteCloser, error)

// OpenPort opens a real serial port in 8N1 and drops whatever the firmware
// printed while booting.
func OpenPort(name string, baud int) (io.ReadWriteCloser, error) {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		if ports, listErr := serial.GetPortsList(); listErr == nil {
			logger.WarnF("[serial] Fail to open %s, available ports: %s", name, strings.Join(ports, ", "))
		}
		return nil, fmt.Errorf("open serial port %s: %w", name, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		logger.WarnF("[serial] Fail to reset input buffer of %s, details: %v", name, err)
	}
	return port, nil
}
