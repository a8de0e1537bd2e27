package camera

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smallnest/ringbuffer"

	"github.com/tphakala/stockvision/internal/detection"
	"github.com/tphakala/stockvision/internal/errors"
	"github.com/tphakala/stockvision/internal/logger"
)

const (
	// ringCapacity holds a few seconds of MJPEG at typical resolutions.
	ringCapacity  = 8 << 20
	readChunkSize = 32 << 10
	// maxFrameBytes bounds an unterminated JPEG before it is discarded.
	maxFrameBytes = 16 << 20

	defaultOpenTimeout = 10 * time.Second
	processWaitDelay   = 2 * time.Second
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// FFmpegOpener opens sources by running ffmpeg and splitting its MJPEG output.
type FFmpegOpener struct {
	Path        string        // ffmpeg binary
	FPS         float64       // output frame rate, 0 keeps the input rate
	OpenTimeout time.Duration // wait for the first frame before giving up
	Log         logger.Logger
}

// Open starts ffmpeg for descriptor and waits for its first frame, so a
// source that cannot be read fails here rather than in the capture loop.
func (o *FFmpegOpener) Open(ctx context.Context, descriptor string) (Source, error) {
	path := o.Path
	if path == "" {
		path = "ffmpeg"
	}
	log := logger.OrDefault(o.Log, "camera")

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, path, ffmpegArgs(descriptor, o.FPS)...) //nolint:gosec // path from validated settings, args built internally
	cmd.WaitDelay = processWaitDelay
	var stderr bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderr, n: 4096}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, openError(descriptor, "stdout_pipe", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, openError(descriptor, "start", err)
	}

	src := newStreamSource(stdout, func() error {
		cancel()
		err := cmd.Wait()
		if procCtx.Err() != nil {
			// killed by us
			return nil
		}
		return err
	})

	timeout := o.OpenTimeout
	if timeout <= 0 {
		timeout = defaultOpenTimeout
	}
	firstCtx, firstCancel := context.WithTimeout(ctx, timeout)
	defer firstCancel()
	first, err := src.ReadFrame(firstCtx)
	if err != nil {
		_ = src.Close()
		return nil, openError(descriptor, "first_frame", fmt.Errorf("%w: %s", err, bytes.TrimSpace(stderr.Bytes())))
	}
	src.unread(first)

	log.Info("ffmpeg source opened",
		logger.String("source", redactDescriptor(descriptor)),
		logger.Int("pid", cmd.Process.Pid))
	return src, nil
}

func openError(descriptor, op string, err error) error {
	return errors.New(err).
		Component("camera").
		Category(errors.CategorySourceUnavailable).
		Context("source", redactDescriptor(descriptor)).
		Context("operation", op).
		Build()
}

// ffmpegArgs builds the ffmpeg command line: the descriptor is a device
// index, a stream URL or a file path; output is MJPEG on stdout.
func ffmpegArgs(descriptor string, fps float64) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}

	switch {
	case isDeviceIndex(descriptor):
		args = append(args, deviceInput(descriptor)...)
	case isStreamURL(descriptor):
		u, _ := url.Parse(descriptor)
		if u.Scheme == "rtsp" || u.Scheme == "rtsps" {
			args = append(args, "-rtsp_transport", "tcp")
		}
		args = append(args, "-i", descriptor)
	default:
		args = append(args, "-re", "-i", descriptor)
	}

	args = append(args, "-an", "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5")
	if fps > 0 {
		args = append(args, "-r", strconv.FormatFloat(fps, 'f', -1, 64))
	}
	return append(args, "pipe:1")
}

func deviceInput(index string) []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"-f", "avfoundation", "-i", index}
	case "windows":
		return []string{"-f", "dshow", "-i", "video=" + index}
	default:
		return []string{"-f", "v4l2", "-i", "/dev/video" + index}
	}
}

func isDeviceIndex(d string) bool {
	n, err := strconv.Atoi(d)
	return err == nil && n >= 0
}

func isStreamURL(d string) bool {
	u, err := url.Parse(d)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "rtsp", "rtsps", "rtmp", "http", "https", "udp", "srt":
		return u.Host != ""
	}
	return false
}

// redactDescriptor drops credentials from stream URLs before logging.
func redactDescriptor(d string) string {
	if !isStreamURL(d) {
		return d
	}
	u, _ := url.Parse(d)
	return u.Redacted()
}

// streamSource splits a byte stream of concatenated JPEG images into frames.
// A pump goroutine copies the stream into a ring buffer; when the reader falls
// behind and the ring fills, the backlog is discarded and the splitter
// resynchronises on the next start-of-image marker.
type streamSource struct {
	r      io.ReadCloser
	stop   func() error
	ring   *ringbuffer.RingBuffer
	ready  chan struct{}
	closed chan struct{}

	pumpDone  chan struct{}
	pumpErr   atomic.Pointer[error]
	overflows atomic.Uint64

	// reader side, used by one goroutine
	pending []byte
	chunk   []byte
	held    *detection.Frame
	seq     uint64

	closeOnce sync.Once
	closeErr  error
}

func newStreamSource(r io.ReadCloser, stop func() error) *streamSource {
	s := &streamSource{
		r:        r,
		stop:     stop,
		ring:     ringbuffer.New(ringCapacity),
		ready:    make(chan struct{}, 1),
		closed:   make(chan struct{}),
		pumpDone: make(chan struct{}),
		chunk:    make([]byte, readChunkSize),
	}
	go s.pump()
	return s
}

func (s *streamSource) pump() {
	defer close(s.pumpDone)
	buf := make([]byte, readChunkSize)
	for {
		n, err := s.r.Read(buf)
		if n > 0 {
			if _, werr := s.ring.Write(buf[:n]); werr != nil {
				s.ring.Reset()
				s.overflows.Add(1)
				_, _ = s.ring.Write(buf[:n])
			}
			s.signal()
		}
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			s.pumpErr.Store(&err)
			s.signal()
			return
		}
	}
}

func (s *streamSource) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// unread makes f the next frame returned by ReadFrame.
func (s *streamSource) unread(f detection.Frame) {
	s.held = &f
}

func (s *streamSource) ReadFrame(ctx context.Context) (detection.Frame, error) {
	if f := s.held; f != nil {
		s.held = nil
		return *f, nil
	}
	for {
		select {
		case <-s.closed:
			return detection.Frame{}, ErrSourceClosed
		default:
		}

		if data, ok := s.nextJPEG(); ok {
			s.seq++
			return detection.Frame{Data: data, Timestamp: time.Now(), Seq: s.seq}, nil
		}
		if s.ring.Length() > 0 {
			n, err := s.ring.Read(s.chunk)
			if err == nil && n > 0 {
				s.pending = append(s.pending, s.chunk[:n]...)
			}
			continue
		}
		if errp := s.pumpErr.Load(); errp != nil {
			return detection.Frame{}, *errp
		}

		select {
		case <-ctx.Done():
			return detection.Frame{}, ctx.Err()
		case <-s.closed:
			return detection.Frame{}, ErrSourceClosed
		case <-s.ready:
		}
	}
}

// nextJPEG extracts the first complete JPEG from pending.
func (s *streamSource) nextJPEG() ([]byte, bool) {
	frame, rest, ok := splitJPEG(s.pending)
	if ok {
		s.pending = append(s.pending[:0], rest...)
		return frame, true
	}
	s.pending = rest
	if len(s.pending) > maxFrameBytes {
		s.pending = s.pending[:0]
	}
	return nil, false
}

// splitJPEG returns a copy of the first complete SOI..EOI image in buf and
// the bytes after it. Bytes before the first SOI are dropped.
func splitJPEG(buf []byte) (frame, rest []byte, ok bool) {
	start := bytes.Index(buf, jpegSOI)
	if start < 0 {
		// keep a trailing 0xFF which may begin a marker
		if n := len(buf); n > 0 && buf[n-1] == 0xFF {
			return nil, buf[n-1:], false
		}
		return nil, buf[:0], false
	}
	end := bytes.Index(buf[start+len(jpegSOI):], jpegEOI)
	if end < 0 {
		return nil, buf[start:], false
	}
	end += start + len(jpegSOI) + len(jpegEOI)
	return bytes.Clone(buf[start:end]), buf[end:], true
}

func (s *streamSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.closeErr = s.r.Close()
		if s.stop != nil {
			if err := s.stop(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
		}
		<-s.pumpDone
	})
	return s.closeErr
}

// limitedWriter keeps at most n bytes.
type limitedWriter struct {
	mu sync.Mutex
	w  *bytes.Buffer
	n  int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if room := l.n - l.w.Len(); room > 0 {
		l.w.Write(p[:min(room, len(p))])
	}
	return len(p), nil
}
