package decorator

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cshum/vipsgen/vips"

	"tilestack/internal/layers"
)

// ErrNoTile means the source has no data for the requested address.
var ErrNoTile = errors.New("source has no tile")

// Source is one layer of a stacked tile.
type Source interface {
	Info() layers.LayerInfo
	// Tile returns the layer's raster for the address, sized tileSize
	// square or scaled by the caller otherwise.
	Tile(zoom, x, y, tileSize int) (image.Image, error)
}

// FileSource reads pre-rendered tiles of one layer from disk, laid out as
// {dir}/{z}/{x}/{y}.{format}.
type FileSource struct {
	info layers.LayerInfo
}

func NewFileSource(info layers.LayerInfo) *FileSource {
	return &FileSource{info: info}
}

func (s *FileSource) Info() layers.LayerInfo {
	return s.info
}

func (s *FileSource) path(zoom, x, y int) string {
	return filepath.Join(s.info.Dir, strconv.Itoa(zoom), strconv.Itoa(x), strconv.Itoa(y)+"."+s.info.Format)
}

func (s *FileSource) Tile(zoom, x, y, tileSize int) (image.Image, error) {
	path := s.path(zoom, x, y)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s %d/%d/%d", ErrNoTile, s.info.Name, zoom, x, y)
		}
		return nil, err
	}

	img, err := loadImage(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open tile: %w", err)
	}
	defer img.Close()

	// Scale to the stack's tile size; sources may be stored at any size.
	if w, h := img.Width(), img.Height(); w != tileSize || h != tileSize {
		scale := float64(tileSize) / float64(max(w, h))
		resizeOpts := vips.DefaultResizeOptions()
		resizeOpts.Kernel = vips.KernelLanczos3
		if err := img.Resize(scale, resizeOpts); err != nil {
			return nil, fmt.Errorf("failed to resize: %w", err)
		}
	}

	// Pad short edge tiles, anchored top-left to keep the grid aligned.
	if img.Width() < tileSize || img.Height() < tileSize {
		embedOpts := vips.DefaultEmbedOptions()
		embedOpts.Extend = vips.ExtendBackground
		embedOpts.Background = []float64{0, 0, 0, 0}
		if err := img.Embed(0, 0, tileSize, tileSize, embedOpts); err != nil {
			return nil, fmt.Errorf("failed to pad: %w", err)
		}
	}

	buf, err := img.PngsaveBuffer(vips.DefaultPngsaveBufferOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to export: %w", err)
	}

	decoded, err := png.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("failed to decode exported tile: %w", err)
	}
	return decoded, nil
}

// loadImage loads a tile based on its file extension.
func loadImage(path string) (*vips.Image, error) {
	ext := strings.ToLower(filepath.Ext(path))

	// Tiles are small and read once.
	access := vips.AccessSequential

	switch ext {
	case ".tif", ".tiff":
		opts := vips.DefaultTiffloadOptions()
		opts.Access = access
		return vips.NewTiffload(path, opts)
	case ".jpg", ".jpeg":
		opts := vips.DefaultJpegloadOptions()
		opts.Access = access
		return vips.NewJpegload(path, opts)
	case ".png":
		opts := vips.DefaultPngloadOptions()
		opts.Access = access
		return vips.NewPngload(path, opts)
	case ".webp":
		opts := vips.DefaultWebploadOptions()
		opts.Access = access
		return vips.NewWebpload(path, opts)
	default:
		return nil, fmt.Errorf("unsupported image format: %s", ext)
	}
}
