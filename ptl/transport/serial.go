package transport

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// Serial wraps a real serial port as a Transport, adapted from the
// teacher's serial.Port: a read/write-timeout-guarded wrapper around
// tarm/serial with a mutex so Close can race safely with an in-flight
// Read.
type Serial struct {
	name string
	baud int

	mu   sync.RWMutex
	port io.ReadWriteCloser
}

// Config mirrors the wire parameters of the physical link.
type Config struct {
	Port     string
	Baud     int
	DataBits int
	StopBits int
	Parity   string // "N", "O", "E"

	// ReadTimeout bounds each individual Read call so the PTL's receiver
	// loop can periodically check for shutdown.
	ReadTimeout time.Duration
}

// Open opens the named serial port with the given configuration.
func Open(cfg Config) (*Serial, error) {
	var parity serial.Parity
	switch cfg.Parity {
	case "", "N", "n":
		parity = serial.ParityNone
	case "O", "o":
		parity = serial.ParityOdd
	case "E", "e":
		parity = serial.ParityEven
	default:
		return nil, fmt.Errorf("transport: unsupported parity %q", cfg.Parity)
	}

	var stopBits serial.StopBits
	switch cfg.StopBits {
	case 0, 1:
		stopBits = serial.Stop1
	case 2:
		stopBits = serial.Stop2
	default:
		return nil, fmt.Errorf("transport: unsupported stop bits %d", cfg.StopBits)
	}

	dataBits := cfg.DataBits
	if dataBits == 0 {
		dataBits = 8
	}
	if dataBits < 5 || dataBits > 8 {
		return nil, fmt.Errorf("transport: unsupported data bits %d", dataBits)
	}

	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 50 * time.Millisecond
	}

	sc := &serial.Config{
		Name:        cfg.Port,
		Baud:        cfg.Baud,
		ReadTimeout: readTimeout,
		Size:        byte(dataBits),
		Parity:      parity,
		StopBits:    stopBits,
	}

	port, err := serial.OpenPort(sc)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to open %s: %w", cfg.Port, err)
	}

	log.Printf("[transport] opened %s baud=%d size=%d parity=%s stop=%d",
		cfg.Port, cfg.Baud, dataBits, cfg.Parity, cfg.StopBits)

	return &Serial{name: cfg.Port, baud: cfg.Baud, port: port}, nil
}

func (s *Serial) Read(b []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.port == nil {
		return 0, fmt.Errorf("transport: %s is closed", s.name)
	}
	return s.port.Read(b)
}

func (s *Serial) Write(b []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.port == nil {
		return 0, fmt.Errorf("transport: %s is closed", s.name)
	}
	return s.port.Write(b)
}

func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

// Name returns the underlying device path.
func (s *Serial) Name() string { return s.name }

// Baud returns the configured baud rate.
func (s *Serial) Baud() int { return s.baud }
