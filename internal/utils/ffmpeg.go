package utils

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/adverant/nexus/beanscan-worker/internal/models"
)

// FFmpegHelper provides utilities for FFmpeg operations
type FFmpegHelper struct {
	ffmpegPath  string
	ffprobePath string
	tempDir     string

	encodersOnce sync.Once
	encoders     map[string]bool
	encodersErr  error
}

// NewFFmpegHelper creates a new FFmpeg helper
func NewFFmpegHelper(tempDir string) (*FFmpegHelper, error) {
	// Verify FFmpeg installation
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}

	ffprobePath, err := exec.LookPath("ffprobe")
	if err != nil {
		return nil, fmt.Errorf("ffprobe not found in PATH: %w", err)
	}

	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	return &FFmpegHelper{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		tempDir:     tempDir,
	}, nil
}

// TempDir returns the scratch directory
func (h *FFmpegHelper) TempDir() string { return h.tempDir }

type ffprobeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		Duration     string `json:"duration"`
		BitRate      string `json:"bit_rate"`
		NbFrames     string `json:"nb_frames"`
	} `json:"streams"`
	Format struct {
		Duration   string `json:"duration"`
		Size       string `json:"size"`
		BitRate    string `json:"bit_rate"`
		FormatName string `json:"format_name"`
	} `json:"format"`
}

// Probe extracts video metadata using ffprobe
func (h *FFmpegHelper) Probe(ctx context.Context, videoPath string) (*models.VideoMetadata, error) {
	cmd := exec.CommandContext(ctx, h.ffprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		videoPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return ParseProbe(output)
}

// ParseProbe converts ffprobe JSON into VideoMetadata. Fails if there is no
// video stream with usable dimensions.
func ParseProbe(raw []byte) (*models.VideoMetadata, error) {
	var data ffprobeOutput
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe JSON: %w", err)
	}

	meta := &models.VideoMetadata{Format: data.Format.FormatName}
	meta.Duration = parseFloat(data.Format.Duration)
	meta.Size = parseInt(data.Format.Size)
	meta.Bitrate = parseInt(data.Format.BitRate)

	found := false
	for _, stream := range data.Streams {
		if stream.CodecType != "video" {
			continue
		}
		found = true
		meta.Width = stream.Width
		meta.Height = stream.Height
		meta.Codec = stream.CodecName

		// avg_frame_rate is the real cadence for VFR sources; r_frame_rate is a fallback
		meta.FrameRate = ParseRate(stream.AvgFrameRate)
		if meta.FrameRate <= 0 {
			meta.FrameRate = ParseRate(stream.RFrameRate)
		}
		if meta.Duration <= 0 {
			meta.Duration = parseFloat(stream.Duration)
		}
		if meta.Bitrate <= 0 {
			meta.Bitrate = parseInt(stream.BitRate)
		}
		meta.FrameCount = int(parseInt(stream.NbFrames))
		break
	}

	if !found {
		return nil, fmt.Errorf("no video stream found")
	}
	if meta.Width <= 0 || meta.Height <= 0 {
		return nil, fmt.Errorf("video stream has invalid dimensions %dx%d", meta.Width, meta.Height)
	}
	if meta.FrameCount <= 0 && meta.Duration > 0 && meta.FrameRate > 0 {
		meta.FrameCount = int(meta.Duration*meta.FrameRate + 0.5)
	}
	return meta, nil
}

// ParseRate parses ffprobe rationals such as "30/1" or "30000/1001"
func ParseRate(rate string) float64 {
	parts := strings.Split(strings.TrimSpace(rate), "/")
	switch len(parts) {
	case 1:
		return parseFloat(parts[0])
	case 2:
		num := parseFloat(parts[0])
		den := parseFloat(parts[1])
		if den > 0 {
			return num / den
		}
	}
	return 0
}

// DecodeCommand streams every frame of videoPath to stdout as packed rgb24
func (h *FFmpegHelper) DecodeCommand(ctx context.Context, videoPath string) *exec.Cmd {
	return exec.CommandContext(ctx, h.ffmpegPath,
		"-hide_banner",
		"-loglevel", "error",
		"-nostdin",
		"-i", videoPath,
		"-map", "0:v:0",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-vsync", "passthrough",
		"pipe:1",
	)
}

// EncodeCommand reads packed rgb24 frames from stdin and encodes them to outputPath
func (h *FFmpegHelper) EncodeCommand(ctx context.Context, codec, container string, width, height int, fps float64, outputPath string, extra []string) *exec.Cmd {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", strconv.FormatFloat(fps, 'f', 3, 64),
		"-i", "pipe:0",
		"-an",
		"-c:v", codec,
	}
	args = append(args, extra...)
	args = append(args, "-f", container, outputPath)
	return exec.CommandContext(ctx, h.ffmpegPath, args...)
}

// HasEncoder reports whether the local ffmpeg build provides codec
func (h *FFmpegHelper) HasEncoder(ctx context.Context, codec string) (bool, error) {
	h.encodersOnce.Do(func() {
		out, err := exec.CommandContext(ctx, h.ffmpegPath, "-hide_banner", "-encoders").Output()
		if err != nil {
			h.encodersErr = fmt.Errorf("list encoders: %w", err)
			return
		}
		h.encoders = ParseEncoders(out)
	})
	if h.encodersErr != nil {
		return false, h.encodersErr
	}
	return h.encoders[codec], nil
}

// ParseEncoders extracts encoder names from `ffmpeg -encoders` output
func ParseEncoders(out []byte) map[string]bool {
	encoders := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	header := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if header {
			// The capability legend ends with a dashed separator line
			if strings.HasPrefix(line, "---") {
				header = false
			}
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			encoders[fields[1]] = true
		}
	}
	return encoders
}

// ValidateVideo checks if video file is valid
func (h *FFmpegHelper) ValidateVideo(ctx context.Context, videoPath string) error {
	cmd := exec.CommandContext(ctx, h.ffprobePath,
		"-v", "error",
		videoPath,
	)

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("invalid video file: %w", err)
	}

	return nil
}

// Cleanup removes temporary files, ignoring ones already gone
func (h *FFmpegHelper) Cleanup(paths ...string) error {
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

func parseInt(s string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
