// Package output writes annotated frames to an encoded video file.
//
// Frames go to a hidden temp file next to the public path. Finalize renames
// the temp file into place, so a reader never observes a partial video at the
// public path. After a failed write the temp file is left for inspection.
package output

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/adverant/nexus/beanscan-worker/internal/utils"
)

// ErrEncodingUnavailable is returned when none of the configured profiles can be opened
var ErrEncodingUnavailable = errors.New("no output encoding available")

// Profile is one encoder configuration to try
type Profile struct {
	Name      string   `toml:"name" json:"name"`
	Codec     string   `toml:"codec" json:"codec"`         // ffmpeg encoder name, e.g. libx264
	Container string   `toml:"container" json:"container"` // ffmpeg muxer, e.g. mp4
	Extension string   `toml:"extension" json:"extension,omitempty"`
	Args      []string `toml:"args" json:"args,omitempty"`
}

// Ext returns the file extension for the profile, without a dot
func (p Profile) Ext() string {
	if p.Extension != "" {
		return strings.TrimPrefix(p.Extension, ".")
	}
	return p.Container
}

// Validate checks the profile has the fields an encoder needs
func (p Profile) Validate() error {
	if strings.TrimSpace(p.Codec) == "" {
		return fmt.Errorf("profile %q: codec is required", p.Name)
	}
	if strings.TrimSpace(p.Container) == "" {
		return fmt.Errorf("profile %q: container is required", p.Name)
	}
	return nil
}

// DefaultProfiles mirrors the usual fallback order: H.264 MP4, MPEG-4 MP4, MPEG-4 AVI
func DefaultProfiles() []Profile {
	return []Profile{
		{Name: "h264", Codec: "libx264", Container: "mp4", Args: []string{"-pix_fmt", "yuv420p", "-preset", "veryfast", "-movflags", "+faststart"}},
		{Name: "mp4v", Codec: "mpeg4", Container: "mp4", Args: []string{"-q:v", "5"}},
		{Name: "xvid", Codec: "mpeg4", Container: "avi", Args: []string{"-vtag", "xvid", "-q:v", "5"}},
	}
}

// StreamSpec describes the frames a sink will receive
type StreamSpec struct {
	Width  int
	Height int
	FPS    float64
}

// Sink consumes packed rgb24 frames for a single output file
type Sink interface {
	WriteFrame(rgb24 []byte) error
	// Close flushes and finishes the file. Any error means the file is unusable.
	Close() error
	// Abort stops the encoder without finishing the file.
	Abort()
}

// EncoderOpener starts a sink writing to path with the given profile
type EncoderOpener interface {
	Open(ctx context.Context, profile Profile, spec StreamSpec, path string) (Sink, error)
}

// Target names where the finished video goes
type Target struct {
	Dir      string
	BaseName string // File name without extension
}

// Writer owns one output file from open to finalize or abort
type Writer struct {
	ctx        context.Context
	opener     EncoderOpener
	target     Target
	remaining  []Profile // untried fallbacks
	failures   []error
	sink       Sink
	profile    Profile
	spec       StreamSpec
	tempPath   string
	publicPath string
	buf        []byte
	frames     int
	done       bool
	logger     *slog.Logger
}

// Open tries profiles in order and returns a writer for the first one that
// opens. When every profile fails the error wraps ErrEncodingUnavailable.
// A profile that fails on the very first frame is replaced by the next one.
func Open(ctx context.Context, opener EncoderOpener, profiles []Profile, target Target, spec StreamSpec, logger *slog.Logger) (*Writer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if spec.Width <= 0 || spec.Height <= 0 || spec.FPS <= 0 {
		return nil, fmt.Errorf("invalid output stream %dx%d@%v", spec.Width, spec.Height, spec.FPS)
	}
	if err := os.MkdirAll(target.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	w := &Writer{
		ctx:       ctx,
		opener:    opener,
		target:    target,
		remaining: append([]Profile(nil), profiles...),
		spec:      spec,
		logger:    logger,
	}
	if err := w.openNext(); err != nil {
		return nil, err
	}
	return w, nil
}

// openNext starts the first remaining profile that opens
func (w *Writer) openNext() error {
	for len(w.remaining) > 0 {
		profile := w.remaining[0]
		w.remaining = w.remaining[1:]
		if err := profile.Validate(); err != nil {
			w.failures = append(w.failures, err)
			continue
		}
		name := w.target.BaseName + "." + profile.Ext()
		tempPath := filepath.Join(w.target.Dir, "."+name+".partial")
		publicPath := filepath.Join(w.target.Dir, name)

		sink, err := w.opener.Open(w.ctx, profile, w.spec, tempPath)
		if err != nil {
			w.logger.Warn("output profile unavailable", "profile", profile.Name, "codec", profile.Codec, "error", err)
			os.Remove(tempPath)
			w.failures = append(w.failures, fmt.Errorf("%s: %w", profile.Name, err))
			continue
		}

		w.logger.Info("output profile selected", "profile", profile.Name, "codec", profile.Codec, "path", publicPath)
		w.sink = sink
		w.profile = profile
		w.tempPath = tempPath
		w.publicPath = publicPath
		return nil
	}

	if len(w.failures) == 0 {
		return fmt.Errorf("%w: no profiles configured", ErrEncodingUnavailable)
	}
	return fmt.Errorf("%w: %w", ErrEncodingUnavailable, errors.Join(w.failures...))
}

// Profile returns the profile in use
func (w *Writer) Profile() Profile { return w.profile }

// Path returns the public path the file appears at after Finalize
func (w *Writer) Path() string { return w.publicPath }

// TempPath returns the in-progress file
func (w *Writer) TempPath() string { return w.tempPath }

// Frames returns the number of frames written
func (w *Writer) Frames() int { return w.frames }

// WriteFrame appends img to the output. Frames must match the stream size.
func (w *Writer) WriteFrame(img *image.RGBA) error {
	if w.done {
		return errors.New("write after writer closed")
	}
	if img.Rect.Dx() != w.spec.Width || img.Rect.Dy() != w.spec.Height {
		return fmt.Errorf("frame %d is %dx%d, output is %dx%d", w.frames, img.Rect.Dx(), img.Rect.Dy(), w.spec.Width, w.spec.Height)
	}
	w.buf = utils.RGBAToRGB24(w.buf, img)
	for {
		err := w.sink.WriteFrame(w.buf)
		if err == nil {
			break
		}
		if w.frames > 0 {
			return fmt.Errorf("write frame %d: %w", w.frames, err)
		}
		// Nothing is encoded yet, so the next profile can still take over
		w.logger.Warn("output profile failed on first frame", "profile", w.profile.Name, "error", err)
		w.sink.Abort()
		os.Remove(w.tempPath)
		w.failures = append(w.failures, fmt.Errorf("%s: first frame: %w", w.profile.Name, err))
		if oerr := w.openNext(); oerr != nil {
			w.done = true
			return oerr
		}
	}
	w.frames++
	return nil
}

// Finalize finishes the encoder and moves the file to its public path
func (w *Writer) Finalize() (string, error) {
	if w.done {
		return "", errors.New("writer already closed")
	}
	w.done = true
	if err := w.sink.Close(); err != nil {
		return "", fmt.Errorf("finish output: %w", err)
	}
	if err := os.Rename(w.tempPath, w.publicPath); err != nil {
		return "", fmt.Errorf("publish output: %w", err)
	}
	w.logger.Info("output finalized", "path", w.publicPath, "frames", w.frames)
	return w.publicPath, nil
}

// Abort stops the encoder. The temp file, if any, stays in place. Safe to
// call after Finalize.
func (w *Writer) Abort() {
	if w.done {
		return
	}
	w.done = true
	w.sink.Abort()
	w.logger.Warn("output aborted", "temp_path", w.tempPath, "frames", w.frames)
}
