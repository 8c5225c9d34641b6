package modem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"i4.energy/across/cellink/at"
)

// Modem is the AT transport to a cellular modem. All I/O on the
// Transport happens in Loop, which correlates the output of the modem with
// the single command in flight and forwards everything else as unsolicited
// result codes.
type Modem struct {
	// transport provides the physical connection to the modem (serial, TCP, etc.)
	transport Transport
	// config contains the modem configuration settings
	config Config
	logger *slog.Logger

	mu sync.Mutex
	// closed indicates if the modem has been shut down
	closed bool
	// loopRunning indicates if the Loop is currently running
	loopRunning atomic.Bool

	// urcChan receives Unsolicited Result Codes from the modem
	urcChan chan string
	// commands hands AT command requests to the Loop. It is unbuffered, so
	// a request is only accepted when the Loop is ready for it.
	commands chan *commandRequest

	// loopCancel cancels the main event loop
	loopCancel context.CancelFunc
}

// commandRequest represents an AT command request to be executed by the Loop.
type commandRequest struct {
	cmd at.Command
	// respChan receives the command response from the Loop
	respChan chan commandResponse
	// ctx provides timeout and cancellation control for the command
	ctx context.Context
}

// commandResponse contains the raw lines collected for a command, ending
// with its final result code.
type commandResponse struct {
	lines []string
	err   error
}

// inflight is the command the Loop is currently collecting output for.
type inflight struct {
	req   *commandRequest
	lines []string
	// raw counts lines still to be taken verbatim after the prefix line
	raw int
	// sent is set once the payload followed the prompt
	sent bool
}

func (f *inflight) complete(err error) {
	f.req.respChan <- commandResponse{lines: f.lines, err: err}
}

// drain tracks the output of an abandoned command until its final result
// code shows up.
type drain struct {
	cmd     at.Command
	dropped int
}

// New creates a new Modem instance with the given configuration.
// It establishes the transport connection and initializes the modem
// hardware with echo off and numeric error reports.
//
// Returns an error if the transport connection or modem initialization
// fails.
func New(ctx context.Context, config Config) (*Modem, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.setDefaults()

	transport, err := config.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}

	m := &Modem{
		config:    config,
		logger:    config.Logger.With("component", "modem"),
		transport: transport,
		urcChan:   make(chan string, config.URCBuffer),
		commands:  make(chan *commandRequest),
	}

	initCtx, cancel := context.WithTimeout(ctx, config.InitTimeout)
	defer cancel()

	if err := m.init(initCtx); err != nil {
		if m.transport != nil {
			transport.Close()
		}
		return nil, fmt.Errorf("initialize modem: %w", err)
	}

	return m, nil
}

// Loop is the main event loop that handles all transport I/O operations.
// It must be running for Exec to work. The Loop coordinates all
// communication with the modem hardware:
//
//  1. Accepts one command from Exec at a time and writes it
//  2. Writes the payload of a command once the modem prompts for it
//  3. Collects the lines belonging to the command until its final result code
//  4. Dispatches everything else to the URC channel
//  5. Drops the late output of commands whose caller gave up
//
// While a command is pending, a line belongs to it if it is a final result
// code, carries the command's information prefix in the shape the command
// answers with, is one of the raw lines following that prefix, or does not
// match an unsolicited event pattern. A prefix line in any other shape is an
// event, also while the output of an abandoned command is drained.
// With no command pending every line except a final result code is an
// unsolicited result code.
//
// The Loop runs until the provided context is cancelled or the transport
// fails. It's the ONLY goroutine that reads from the transport.
//
// Usage:
//
//	m, err := modem.New(ctx, config)
//	if err != nil { return err }
//
//	// Start the loop (typically in a goroutine)
//	go m.Loop(ctx)
//
//	// Now Exec calls will work
//	lines, err := m.Exec(ctx, at.Command{Line: "AT"})
func (m *Modem) Loop(ctx context.Context) error {
	if !m.loopRunning.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer m.loopRunning.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	m.loopCancel = cancel
	m.mu.Unlock()

	scanner := bufio.NewScanner(m.transport)
	scanner.Split(at.Splitter)

	// Channels for tokens and errors from the scanner goroutine
	tokens := make(chan string, 10)
	scanErrs := make(chan error, 1)

	// Start goroutine to read tokens from transport
	go func() {
		defer close(tokens)
		for scanner.Scan() {
			token := scanner.Text()
			if token == "" {
				continue
			}
			select {
			case tokens <- token:
			case <-ctx.Done():
				return
			}
		}
		// Scanner stopped - check if there was an error
		if err := scanner.Err(); err != nil {
			if errors.Is(err, bufio.ErrTooLong) {
				err = ErrLineTooLong
			}
			select {
			case scanErrs <- err:
			case <-ctx.Done():
			}
		}
	}()

	var (
		current *inflight
		late    *drain
		drainC  <-chan time.Time
	)

	for {
		// New commands are only accepted while nothing is in flight and no
		// late response is outstanding.
		var commands chan *commandRequest
		var cmdDone <-chan struct{}
		if current == nil && late == nil {
			commands = m.commands
		}
		if current != nil {
			cmdDone = current.req.ctx.Done()
		}

		select {
		case <-ctx.Done():
			// Context cancelled - shut down gracefully
			if current != nil {
				current.complete(fmt.Errorf("%w: %w", ErrLoopStopped, ctx.Err()))
			}
			return ctx.Err()

		case req := <-commands:
			if _, err := m.transport.Write(req.cmd.Wire()); err != nil {
				req.respChan <- commandResponse{err: fmt.Errorf("write command %q: %w", req.cmd.Line, err)}
				continue
			}
			current = &inflight{req: req}

		case <-cmdDone:
			err := current.req.ctx.Err()
			m.logger.Warn("Abandoning command", "command", current.req.cmd.Line, "error", err)
			current.complete(fmt.Errorf("command timeout: %w", err))
			late = &drain{cmd: current.req.cmd}
			drainC = time.After(m.config.DrainTimeout)
			current = nil

		case <-drainC:
			m.logger.Warn("No final result for abandoned command",
				"command", late.cmd.Line, "dropped", late.dropped)
			late, drainC = nil, nil

		case token, ok := <-tokens:
			if !ok {
				// Token channel closed - scanner stopped
				select {
				case err := <-scanErrs:
					if current != nil {
						current.complete(fmt.Errorf("read error: %w", err))
					}
					return fmt.Errorf("scanner error: %w", err)
				default:
				}
				if current != nil {
					current.complete(fmt.Errorf("%w: %w", ErrLoopStopped, io.EOF))
				}
				return io.EOF
			}

			switch {
			case current != nil:
				if done, err := m.collect(current, token); done {
					current.complete(err)
					current = nil
				}
			case late != nil:
				if m.discard(late, token) {
					m.logger.Debug("Dropped late response",
						"command", late.cmd.Line, "lines", late.dropped)
					late, drainC = nil, nil
				}
			default:
				m.unsolicited(token)
			}

		case err := <-scanErrs:
			// Scanner error - notify current command if any
			if current != nil {
				current.complete(fmt.Errorf("read error: %w", err))
			}
			return fmt.Errorf("scanner error: %w", err)
		}
	}
}

// collect adds a line to the command in flight. It reports whether the
// command is complete.
func (m *Modem) collect(f *inflight, token string) (bool, error) {
	cmd := f.req.cmd
	switch at.Classify(token) {
	case at.TypeFinal:
		f.lines = append(f.lines, token)
		return true, nil

	case at.TypePrompt:
		if len(cmd.Payload) > 0 && !f.sent {
			f.sent = true
			if _, err := m.transport.Write(cmd.Payload); err != nil {
				return true, fmt.Errorf("write payload of %q: %w", cmd.Line, err)
			}
			return false, nil
		}
		// Without a payload the prompt is the answer
		f.lines = append(f.lines, token)
		return true, nil
	}

	switch {
	case f.raw > 0:
		f.raw--
		f.lines = append(f.lines, token)
	case cmd.Answers(token):
		f.raw = cmd.RawLines
		f.lines = append(f.lines, token)
	case m.config.EventMatcher(token):
		m.dispatch(token)
	default:
		f.lines = append(f.lines, token)
	}
	return false, nil
}

// discard handles a line while the output of an abandoned command may
// still arrive. It reports whether the abandoned command has finished.
func (m *Modem) discard(d *drain, token string) bool {
	switch {
	case at.Classify(token) == at.TypeFinal:
		return true
	case d.cmd.Answers(token):
		d.dropped++
	case m.config.EventMatcher(token):
		m.dispatch(token)
	default:
		d.dropped++
	}
	return false
}

// unsolicited handles a line that arrived with no command pending.
func (m *Modem) unsolicited(token string) {
	switch at.Classify(token) {
	case at.TypeFinal:
		m.logger.Debug("Dropped orphaned result code", "line", token)
	case at.TypePrompt:
		m.logger.Debug("Dropped orphaned prompt")
	default:
		m.dispatch(token)
	}
}

func (m *Modem) dispatch(token string) {
	select {
	case m.urcChan <- token:
	default:
		m.logger.Warn("URC channel full, dropping URC", "line", token)
	}
}

// URC returns a read-only channel that receives Unsolicited Result Codes.
// These are asynchronous notifications from the modem (e.g. network
// registration changes or data arriving on a socket). The channel is
// buffered, but may drop some URC if not consumed fast enough.
func (m *Modem) URC() <-chan string {
	return m.urcChan
}

// Close shuts down the modem and releases all resources.
// It stops the event loop, closes the transport connection, and marks
// the modem as closed. After calling Close(), the modem cannot be reused.
func (m *Modem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrAlreadyClosed
	}
	m.closed = true

	// Stop the Loop if it's running
	if m.loopCancel != nil {
		m.loopCancel()
	}

	if m.transport != nil {
		return m.transport.Close()
	}
	return nil
}

func (m *Modem) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// init performs the initial setup sequence for the modem hardware.
// This method is called during New() and must complete successfully
// before the modem can be used.
func (m *Modem) init(ctx context.Context) error {
	// 1. Wake-up / sanity check
	if err := m.expectOkDirect(ctx, "AT"); err != nil {
		return fmt.Errorf("modem not responding: %w", err)
	}

	if err := m.expectOkDirect(ctx, "ATE0"); err != nil {
		return fmt.Errorf("could not disable echo: %w", err)
	}

	if err := m.expectOkDirect(ctx, "AT+CMEE=1"); err != nil {
		return fmt.Errorf("could not enable numeric errors: %w", err)
	}

	return nil
}

// Exec sends a command to the modem and waits for its output. The
// returned lines end with the final result code; interpreting it is up to
// the caller. Errors are transport failures: the command could not be
// written, the context ended first, or the Loop stopped.
//
// If ctx has no deadline, the configured AT timeout applies. When ctx ends
// while the command is in flight, the Loop keeps discarding its output
// until the final result code arrives, so a late answer is never taken for
// the answer to the next command.
func (m *Modem) Exec(ctx context.Context, cmd at.Command) ([]string, error) {
	if m.isClosed() {
		return nil, ErrAlreadyClosed
	}

	if m.transport == nil {
		return nil, ErrNotInitialized
	}

	// Apply per-command timeout if context has none
	if _, ok := ctx.Deadline(); !ok && m.config.ATTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.ATTimeout)
		defer cancel()
	}

	req := &commandRequest{
		cmd:      cmd,
		respChan: make(chan commandResponse, 1), // Buffered to prevent blocking
		ctx:      ctx,
	}

	// Send request to Loop
	select {
	case m.commands <- req:
	case <-ctx.Done():
		return nil, fmt.Errorf("command cancelled before sending: %w", ctx.Err())
	}

	// Wait for response from Loop
	select {
	case resp := <-req.respChan:
		return resp.lines, resp.err
	case <-ctx.Done():
		return nil, fmt.Errorf("command timeout: %w", ctx.Err())
	}
}

// execDirect executes an AT command directly on the transport without
// using the channel mechanism and handles the complete request-response
// cycle including timeout management. It is used during modem initialization
// when not yet accepting commands.
//
// WARNING: This method should only be used during initialization.
// Use Exec() for normal operations.
func (m *Modem) execDirect(ctx context.Context, cmd string) ([]string, error) {
	if m.isClosed() {
		return nil, ErrAlreadyClosed
	}
	if m.transport == nil {
		return nil, ErrNotInitialized
	}

	if _, ok := ctx.Deadline(); !ok && m.config.ATTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.ATTimeout)
		defer cancel()
	}

	command := at.Command{Line: strings.TrimSpace(cmd)}
	if _, err := m.transport.Write(command.Wire()); err != nil {
		return nil, fmt.Errorf("write command %q: %w", cmd, err)
	}

	scanner := bufio.NewScanner(m.transport)
	scanner.Split(at.Splitter)

	var lines []string

	for {
		select {
		case <-ctx.Done():
			return lines, ctx.Err()
		default:
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return lines, fmt.Errorf("read error: %w", err)
			}
			return lines, io.EOF
		}

		token := scanner.Text()
		if token == "" {
			continue
		}

		lines = append(lines, token)
		if at.Classify(token) == at.TypeFinal {
			return lines, nil
		}
	}
}

// expectOkDirect executes an AT command and validates that the final
// result code is OK. Lines before it (echo, boot URCs) are ignored.
//
// Used during initialization for basic configuration commands.
func (m *Modem) expectOkDirect(ctx context.Context, cmd string) error {
	lines, err := m.execDirect(ctx, cmd)
	if err != nil {
		return err
	}
	if final := strings.TrimSpace(lines[len(lines)-1]); final != at.OK {
		return fmt.Errorf("%w: %q", ErrNotOK, final)
	}
	return nil
}
