package proxypilot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/proxypilot/proxypilot/internal/envutil"
)

// defaultReadyDelay is how long the supervisor waits after the link-ready
// marker before printing the ready banner, giving the tunnel time to settle.
const defaultReadyDelay = 5 * time.Second

// defaultReadyBanner matches the message the upstream tunnel tooling prints
// once the link is usable.
const defaultReadyBanner = `- Ready!
- Open VSCode on your laptop and open the command prompt
- Select: 'Remote-Tunnels: Connect to Tunnel' to connect`

// markerEventBuffer sizes the per-process marker event channel. Reader
// goroutines never block on a slow consumer; overflow events are dropped
// after being logged.
const markerEventBuffer = 16

// Supervisor launches helper and workload processes, streams their output
// concurrently, and surfaces semantic markers found in that output.
type Supervisor struct {
	// Markers are the output patterns to scan for. Defaults to
	// DefaultMarkers().
	Markers []Marker

	// ReadyBanner is the multi-line message printed once, ReadyDelay after
	// the link-ready marker appears. Defaults to defaultReadyBanner.
	ReadyBanner string

	// ReadyDelay is the delay before the ready banner. Defaults to 5s.
	ReadyDelay time.Duration

	// BannerWriter receives the ready banner. Defaults to os.Stdout.
	BannerWriter io.Writer

	// Logger is the structured logger. If nil, logging is discarded.
	Logger *slog.Logger
}

// Process is one supervised OS process: the process handle, its two
// output-reader goroutines, and a liveness flag. It is exclusively owned by
// the Supervisor that spawned it.
type Process struct {
	cmd     *exec.Cmd
	logger  *slog.Logger
	matcher *markerMatcher

	banner       string
	bannerWriter io.Writer
	readyDelay   time.Duration
	bannerOnce   sync.Once
	bannerStop   chan struct{}
	stopOnce     sync.Once

	events  chan MarkerEvent
	readers sync.WaitGroup

	// verbose flips after link-ready: lines are then logged at Info instead
	// of Debug, mirroring the upstream tool's quiet-until-ready behavior.
	verbose atomic.Bool

	alive    atomic.Bool
	termOnce sync.Once
	termErr  error
	waitOnce sync.Once
	waitCode int
	waitErr  error
}

// Spawn starts argv with overlay layered on top of the inherited process
// environment. The parent's ambient environment is never mutated; only the
// child's env slice carries the overlay. Both output streams are consumed by
// dedicated goroutines from the moment the process starts, so the caller is
// never blocked by a chatty child.
func (s *Supervisor) Spawn(ctx context.Context, argv []string, overlay []string) (*Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrConfigInvalid)
	}

	logger := s.Logger
	if logger == nil {
		logger = discardLogger()
	}

	markers := s.Markers
	if markers == nil {
		markers = DefaultMarkers()
	}
	banner := s.ReadyBanner
	if banner == "" {
		banner = defaultReadyBanner
	}
	delay := s.ReadyDelay
	if delay == 0 {
		delay = defaultReadyDelay
	}
	bannerWriter := s.BannerWriter
	if bannerWriter == nil {
		bannerWriter = os.Stdout
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if len(overlay) > 0 {
		cmd.Env = envutil.Merge(os.Environ(), overlay)
	}
	setupProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &ProcessError{Command: argv[0], Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &ProcessError{Command: argv[0], Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &ProcessError{Command: argv[0], Err: err}
	}

	p := &Process{
		cmd:          cmd,
		logger:       logger.With("pid", cmd.Process.Pid, "command", argv[0]),
		matcher:      &markerMatcher{markers: markers},
		banner:       banner,
		bannerWriter: bannerWriter,
		readyDelay:   delay,
		bannerStop:   make(chan struct{}),
		events:       make(chan MarkerEvent, markerEventBuffer),
	}
	p.alive.Store(true)
	p.logger.Debug("process started")

	p.readers.Add(2)
	go p.readLines(stdout, "stdout")
	go p.readLines(stderr, "stderr")

	// Close the event channel once both readers have drained their streams.
	// A process whose output ended is no longer a live tunnel, so any
	// pending ready banner is cancelled too.
	go func() {
		p.readers.Wait()
		p.stopBanner()
		close(p.events)
	}()

	return p, nil
}

// readLines consumes one output stream line by line until EOF, logging every
// line and scanning it for markers. Marker detection never consumes or
// alters a line before it is logged.
func (p *Process) readLines(r io.Reader, stream string) {
	defer p.readers.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if p.verbose.Load() {
			p.logger.Info("output", "stream", stream, "line", line)
		} else {
			p.logger.Debug("output", "stream", stream, "line", line)
		}
		if kind, ok := p.matcher.match(line); ok {
			p.handleMarker(MarkerEvent{Kind: kind, Line: line, Stream: stream})
		}
	}
	if err := scanner.Err(); err != nil {
		p.logger.Debug("output stream closed with error", "stream", stream, "error", err)
	}
}

// handleMarker reacts to a matched marker and forwards the event to the
// Events channel without ever blocking the reader.
func (p *Process) handleMarker(ev MarkerEvent) {
	switch ev.Kind {
	case MarkerGrantAccess:
		// Actionable notice: the user must visit the device-login prompt.
		p.logger.Info("action required", "line", ev.Line)
	case MarkerLinkReady:
		p.bannerOnce.Do(func() {
			p.logger.Info("tunnel link ready", "line", ev.Line)
			go func() {
				// The delay gives the tunnel time to settle; a process that
				// dies within it never gets its banner.
				select {
				case <-time.After(p.readyDelay):
					fmt.Fprintln(p.bannerWriter, p.banner)
					p.verbose.Store(true)
				case <-p.bannerStop:
				}
			}()
		})
	}

	select {
	case p.events <- ev:
	default:
		p.logger.Debug("marker event dropped, no consumer", "kind", ev.Kind)
	}
}

// Events returns the stream of marker events. The channel is closed after
// the process exits and both output streams reach EOF.
func (p *Process) Events() <-chan MarkerEvent {
	return p.events
}

// Alive reports whether the process has not yet been observed to exit.
func (p *Process) Alive() bool {
	return p.alive.Load()
}

// Wait blocks until the process exits and returns its exit code. A non-zero
// code is reported through the int, not the error: only failures to run the
// process at all produce an error. Wait is safe to call more than once and
// after Terminate.
func (p *Process) Wait() (int, error) {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		p.readers.Wait()
		p.alive.Store(false)

		if err == nil {
			p.waitCode = 0
			return
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.waitCode = exitErr.ExitCode()
			p.logger.Debug("process exited", "code", p.waitCode)
			return
		}
		p.waitErr = &ProcessError{Command: p.cmd.Path, Err: err}
	})
	return p.waitCode, p.waitErr
}

// stopBanner cancels a pending ready banner. Safe to call repeatedly.
func (p *Process) stopBanner() {
	p.stopOnce.Do(func() { close(p.bannerStop) })
}

// Terminate kills the whole process group and joins both output readers.
// It is idempotent and safe to call on an already-exited process: repeated
// calls and calls after natural exit return nil without hanging. Terminate
// does not reap the process; callers still own the final Wait.
func (p *Process) Terminate() error {
	p.termOnce.Do(func() {
		p.stopBanner()
		if p.cmd.Process == nil {
			return
		}
		err := killProcessGroup(p.cmd.Process.Pid)
		if err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.termErr = err
			return
		}
		p.logger.Debug("process terminated")
	})
	// The kill closes the child's side of both pipes, so the readers reach
	// EOF and exit shortly. Skip the join when the kill itself failed.
	if p.termErr == nil {
		p.readers.Wait()
	}
	return p.termErr
}
