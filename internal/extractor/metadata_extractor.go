package extractor

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/adverant/nexus/beanscan-worker/internal/models"
	"github.com/adverant/nexus/beanscan-worker/internal/utils"
)

// ErrUnsupportedInput marks sources that cannot be analyzed: missing files,
// streams without video, or a frame rate that cannot place frames on a timeline.
var ErrUnsupportedInput = errors.New("unsupported input")

// Prober returns stream metadata for a file
type Prober interface {
	Probe(ctx context.Context, path string) (*models.VideoMetadata, error)
}

// MetadataExtractor handles video metadata extraction
type MetadataExtractor struct {
	prober Prober
}

// NewMetadataExtractor creates a new metadata extractor
func NewMetadataExtractor(prober Prober) *MetadataExtractor {
	return &MetadataExtractor{
		prober: prober,
	}
}

// Extract probes videoPath and checks it can be decoded frame by frame
func (me *MetadataExtractor) Extract(ctx context.Context, videoPath string) (*models.VideoMetadata, error) {
	// Get file size
	fileInfo, err := os.Stat(videoPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedInput, err)
	}
	if fileInfo.IsDir() || fileInfo.Size() == 0 {
		return nil, fmt.Errorf("%w: %s is empty or not a file", ErrUnsupportedInput, videoPath)
	}

	meta, err := me.prober.Probe(ctx, videoPath)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedInput, err)
	}
	if meta.Size == 0 {
		meta.Size = fileInfo.Size()
	}

	if meta.FrameRate <= 0 {
		return nil, fmt.Errorf("%w: frame rate unknown", ErrUnsupportedInput)
	}
	if meta.Width <= 0 || meta.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid dimensions %dx%d", ErrUnsupportedInput, meta.Width, meta.Height)
	}

	return meta, nil
}

// Quality labels the source resolution
func Quality(width, height int) string {
	pixels := width * height

	if pixels >= 3840*2160 { // 4K
		return "4k"
	} else if pixels >= 1920*1080 { // Full HD
		return "high"
	} else if pixels >= 1280*720 { // HD
		return "medium"
	} else { // SD or lower
		return "low"
	}
}

var _ Prober = (*utils.FFmpegHelper)(nil)
