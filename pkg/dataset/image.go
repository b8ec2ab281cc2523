package dataset

import (
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/soundprediction/lostpaw/pkg/types"
)

// JPEGQuality is used when persisting in-memory images.
const JPEGQuality = 95

// ImageSource is either a file on disk or an already decoded image.
type ImageSource struct {
	Path  string
	Image image.Image
}

// FromPath wraps an image file.
func FromPath(path string) ImageSource { return ImageSource{Path: path} }

// FromImage wraps a decoded image.
func FromImage(img image.Image) ImageSource { return ImageSource{Image: img} }

// FromPaths wraps several image files.
func FromPaths(paths []string) []ImageSource {
	out := make([]ImageSource, len(paths))
	for i, p := range paths {
		out[i] = FromPath(p)
	}
	return out
}

func (s ImageSource) persist(target string) error {
	if s.Image != nil {
		return saveJPEG(s.Image, target)
	}
	if s.Path == "" || s.Path == "/" || s.Path == "." {
		return types.NewInvalidImageError(s.Path, "empty path", nil)
	}
	info, err := os.Stat(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.NewInvalidImageError(s.Path, "does not exist", err)
		}
		return fmt.Errorf("failed to stat %s: %w", s.Path, err)
	}
	if info.IsDir() {
		return types.NewInvalidImageError(s.Path, "is a directory", nil)
	}
	if info.Size() == 0 {
		return types.NewInvalidImageError(s.Path, "empty file", nil)
	}
	return copyFile(s.Path, target)
}

func saveJPEG(img image.Image, target string) error {
	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create image file: %w", err)
	}
	if err := jpeg.Encode(out, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		out.Close()
		os.Remove(target)
		return fmt.Errorf("failed to encode image: %w", err)
	}
	return out.Close()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}

// NextImageName returns the first unused "<i>.jpg" path in dir, starting the
// search at the number of jpg files already present.
func NextImageName(dir string) (string, error) {
	existing, err := filepath.Glob(filepath.Join(dir, "*.jpg"))
	if err != nil {
		return "", fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	for i := len(existing); ; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%d.jpg", i))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		} else if err != nil {
			return "", fmt.Errorf("failed to stat %s: %w", candidate, err)
		}
	}
}

// LoadImage opens and decodes an image file. Every failure is reported as a
// *types.InvalidImageError.
func LoadImage(path string) (image.Image, error) {
	if path == "" {
		return nil, types.NewInvalidImageError(path, "empty path", nil)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, types.NewInvalidImageError(path, "cannot open", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, types.NewInvalidImageError(path, "cannot decode", err)
	}
	return img, nil
}
