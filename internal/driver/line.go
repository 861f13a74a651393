package driver

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/turtacn/endura/pkg/errors"
	"github.com/turtacn/endura/pkg/logger"
)

// Firmware command words. One command per line, one response line back.
const (
	CmdExtend      = "EXTEND"
	CmdRetract     = "RETRACT"
	CmdStop        = "STOP"
	CmdLockExtend  = "LOCK_EXTEND"
	CmdLockRetract = "LOCK_RETRACT"
	CmdStopLock    = "STOP_LOCK"
	CmdRead        = "READ"
	CmdPing        = "PING"

	currentPrefix = "CURRENT:"
	errorPrefix   = "ERR"
)

// inputFlusher is implemented by ports that can discard bytes received but not yet read.
type inputFlusher interface {
	FlushInput() error
}

// LineDriver speaks the newline-delimited ASCII protocol of the rig firmware
// over any byte stream. Each request/response pair holds the mutex, so the
// sampler, orchestrator, watchdog and manual commands never interleave on the wire.
//
// The firmware answers in order, so a reply that missed its read timeout shows
// up ahead of the next one. late counts such replies still owed by the firmware;
// lines that cannot answer the current command are dropped against it.
type LineDriver struct {
	mu   sync.Mutex
	rw   io.ReadWriteCloser
	r    *bufio.Reader
	late int
	caps Capabilities
	log  logger.Logger
}

func NewLineDriver(rw io.ReadWriteCloser, caps Capabilities) *LineDriver {
	return &LineDriver{
		rw:   rw,
		r:    bufio.NewReader(rw),
		caps: caps,
		log:  logger.Log.With("component", "driver"),
	}
}

func (d *LineDriver) Capabilities() Capabilities { return d.caps }

func (d *LineDriver) Extend(ctx context.Context) error      { return d.command(ctx, CmdExtend) }
func (d *LineDriver) Retract(ctx context.Context) error     { return d.command(ctx, CmdRetract) }
func (d *LineDriver) Stop(ctx context.Context) error        { return d.command(ctx, CmdStop) }
func (d *LineDriver) LockExtend(ctx context.Context) error  { return d.command(ctx, CmdLockExtend) }
func (d *LineDriver) LockRetract(ctx context.Context) error { return d.command(ctx, CmdLockRetract) }
func (d *LineDriver) StopLock(ctx context.Context) error    { return d.command(ctx, CmdStopLock) }
func (d *LineDriver) Ping(ctx context.Context) error        { return d.command(ctx, CmdPing) }

func (d *LineDriver) ReadCurrent(ctx context.Context) (int, error) {
	resp, err := d.exchange(ctx, CmdRead, isCurrent)
	if err != nil {
		return 0, err
	}
	if !strings.HasPrefix(resp, currentPrefix) {
		return 0, errors.New(errors.ErrCodeDriverProtocol, CmdRead, fmt.Sprintf("unexpected response %q", resp), ErrNoReading)
	}
	raw, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(resp, currentPrefix)))
	if err != nil || raw < 0 || raw > 1023 {
		return 0, errors.New(errors.ErrCodeDriverProtocol, CmdRead, fmt.Sprintf("invalid current value %q", resp), ErrNoReading)
	}
	return raw, nil
}

func (d *LineDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rw.Close()
}

func (d *LineDriver) command(ctx context.Context, cmd string) error {
	resp, err := d.exchange(ctx, cmd, isAck)
	if err != nil {
		return err
	}
	if strings.HasPrefix(resp, errorPrefix) {
		return errors.New(errors.ErrCodeDriverProtocol, cmd, fmt.Sprintf("firmware rejected command: %q", resp), nil)
	}
	if !isAck(resp) {
		return errors.New(errors.ErrCodeDriverProtocol, cmd, fmt.Sprintf("unexpected response %q", resp), nil)
	}
	return nil
}

// isCurrent accepts the answer to READ.
func isCurrent(resp string) bool { return strings.HasPrefix(resp, currentPrefix) }

// isAck accepts the answer to any other command: anything but a current reading.
func isAck(resp string) bool { return !isCurrent(resp) }

// exchange sends cmd and returns its response line. Firmware errors are
// returned as responses; fits decides which other lines belong to cmd.
func (d *LineDriver) exchange(ctx context.Context, cmd string, fits func(string) bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.late > 0 {
		d.discardInput()
	}

	d.log.Debug("Sending", "cmd", cmd)
	if _, err := io.WriteString(d.rw, cmd+"\n"); err != nil {
		return "", errors.New(errors.ErrCodeDriverIO, cmd, "write failed", err)
	}
	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			if stderrors.Is(err, ErrReadTimeout) {
				d.late++
			}
			return "", errors.New(errors.ErrCodeDriverIO, cmd, "no response", err)
		}
		resp := strings.TrimSpace(line)
		if strings.HasPrefix(resp, errorPrefix) || fits(resp) {
			d.log.Debug("Received", "cmd", cmd, "resp", resp)
			d.late = 0
			return resp, nil
		}
		if d.late > 0 {
			d.late--
			d.log.Warn("Discarding late response", "cmd", cmd, "resp", resp)
			continue
		}
		// Malformed: start the next exchange from a clean line.
		d.discardInput()
		return resp, nil
	}
}

// discardInput drops buffered bytes and, when the port supports it, whatever
// the kernel has received but nobody read yet.
func (d *LineDriver) discardInput() {
	d.r.Reset(d.rw)
	if f, ok := d.rw.(inputFlusher); ok {
		if err := f.FlushInput(); err != nil {
			d.log.Warn("Input flush failed", "err", err)
		}
	}
}

// Personal.AI order the ending
