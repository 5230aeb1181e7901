// Package serial adapts a go.bug.st/serial port into the byte source and
// sink the receiver client reads frames from.
package serial

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/adc68/blood-shepherd/internal/config"
	"github.com/adc68/blood-shepherd/internal/protocol"
)

// TimeoutError reports a read that made no progress within the read timeout.
type TimeoutError struct {
	Want, Got int
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("read timed out after %s with %d of %d bytes", e.After, e.Got, e.Want)
}

func (e *TimeoutError) Timeout() bool { return true }

func (e *TimeoutError) Unwrap() error { return protocol.ErrTransport }

// Port is an open serial link.
type Port struct {
	port    serial.Port
	name    string
	timeout time.Duration
	log     *logrus.Entry
}

// Wrap adapts an already open serial.Port. timeout bounds each stall.
func Wrap(p serial.Port, name string, timeout time.Duration, log *logrus.Logger) (*Port, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if timeout > 0 {
		if err := p.SetReadTimeout(timeout); err != nil {
			return nil, fmt.Errorf("set read timeout on %s: %w", name, err)
		}
	}
	return &Port{port: p, name: name, timeout: timeout, log: log.WithFields(logrus.Fields{"component": "serial", "port": name})}, nil
}

// Open opens cfg.Port with the configured line settings.
func Open(cfg config.SerialConfig, log *logrus.Logger) (*Port, error) {
	if cfg.Port == "" {
		return nil, errors.New("no serial port configured")
	}
	mode, err := Mode(cfg)
	if err != nil {
		return nil, err
	}

	p, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.Port, err)
	}
	if err := p.ResetInputBuffer(); err != nil && log != nil {
		log.WithError(err).Warn("reset input buffer failed")
	}

	port, err := Wrap(p, cfg.Port, cfg.Timeout(), log)
	if err != nil {
		p.Close()
		return nil, err
	}
	port.log.WithFields(logrus.Fields{
		"baud_rate": mode.BaudRate,
		"data_bits": mode.DataBits,
		"parity":    cfg.Parity,
		"stop_bits": cfg.StopBits,
	}).Info("serial port opened")
	return port, nil
}

// OpenWithRetry calls Open up to cfg.RetryCnt times, sleeping cfg.RetryInt
// seconds between attempts. It only covers opening; reads never retry.
func OpenWithRetry(cfg config.SerialConfig, log *logrus.Logger) (*Port, error) {
	attempts := max(cfg.RetryCnt, 1)
	var err error
	for i := 0; i < attempts; i++ {
		var p *Port
		if p, err = Open(cfg, log); err == nil {
			return p, nil
		}
		if log != nil {
			log.WithError(err).Warnf("open serial port failed (attempt %d/%d)", i+1, attempts)
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(cfg.RetryInt) * time.Second)
		}
	}
	return nil, err
}

// Mode maps the configured line settings to a serial.Mode.
func Mode(cfg config.SerialConfig) (*serial.Mode, error) {
	mode := &serial.Mode{BaudRate: cfg.BaudRate, DataBits: cfg.DataBits}

	switch cfg.StopBits {
	case 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("unsupported stop bits %d", cfg.StopBits)
	}

	switch strings.ToUpper(cfg.Parity) {
	case "N", "NONE":
		mode.Parity = serial.NoParity
	case "O", "ODD":
		mode.Parity = serial.OddParity
	case "E", "EVEN":
		mode.Parity = serial.EvenParity
	default:
		return nil, fmt.Errorf("unsupported parity %q", cfg.Parity)
	}
	return mode, nil
}

// ListPorts returns the serial ports the OS enumerates.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	return ports, nil
}

// ReadExactly reads n bytes. A read returning nothing within the read
// timeout fails with a *TimeoutError.
func (p *Port) ReadExactly(n int) ([]byte, error) {
	buf := make([]byte, n)
	got := 0
	for got < n {
		m, err := p.port.Read(buf[got:])
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %w", protocol.ErrTransport, p.name, err)
		}
		if m == 0 {
			return nil, &TimeoutError{Want: n, Got: got, After: p.timeout}
		}
		got += m
	}
	return buf, nil
}

// Write writes all of b.
func (p *Port) Write(b []byte) (int, error) {
	written := 0
	for written < len(b) {
		m, err := p.port.Write(b[written:])
		if err != nil {
			return written, fmt.Errorf("%w: write %s: %w", protocol.ErrTransport, p.name, err)
		}
		if m == 0 {
			return written, fmt.Errorf("%w: write %s: %w", protocol.ErrTransport, p.name, io.ErrShortWrite)
		}
		written += m
	}
	if err := p.port.Drain(); err != nil {
		p.log.WithError(err).Debug("drain failed")
	}
	return written, nil
}

func (p *Port) Name() string { return p.name }

func (p *Port) Close() error {
	p.log.Info("serial port closed")
	return p.port.Close()
}
