package image

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/fwkit/mcubridge/pkg/mcuerr"
)

// FileType selects how an image reference is interpreted.
type FileType int

const (
	// FileTypeBin is a single MCUboot binary.
	FileTypeBin FileType = 0
	// FileTypeZip is a bundle: a zip archive whose manifest.json declares
	// the contained images and their order.
	FileTypeZip FileType = 1
)

func (ft FileType) String() string {
	switch ft {
	case FileTypeBin:
		return "BIN"
	case FileTypeZip:
		return "ZIP"
	default:
		return fmt.Sprintf("FileType(%d)", int(ft))
	}
}

// Image is one firmware payload: its slot index, the SHA-256 recorded in its
// TLV trailer, and the raw bytes handed to the engine.
type Image struct {
	Index int
	Hash  []byte
	Data  []byte
}

// Set is the ordered list of images for one upgrade.
type Set []Image

// TotalSize returns the summed payload size of the set.
func (s Set) TotalSize() int {
	total := 0
	for _, img := range s {
		total += len(img.Data)
	}
	return total
}

// Resolve reads the firmware reference and produces the image set. Refs may
// be plain filesystem paths, file:// URIs, or http(s) URLs. Failures carry
// the image-resolution error kinds from pkg/mcuerr.
func Resolve(ref string, ft FileType) (Set, error) {
	data, err := readRef(ref)
	if err != nil {
		return nil, mcuerr.Wrap(mcuerr.KindImageResolution, fmt.Sprintf("reading %s", ref), err)
	}

	switch ft {
	case FileTypeZip:
		return resolveZip(data)
	default:
		return resolveBin(data)
	}
}

func resolveBin(data []byte) (Set, error) {
	hash, err := Hash(data)
	if err != nil {
		return nil, mcuerr.Wrap(mcuerr.KindInvalidImage, "not a valid MCUboot image", err)
	}
	return Set{{Index: 0, Hash: hash, Data: data}}, nil
}

// manifest mirrors the bundle's manifest.json: an ordered file list with
// optional per-file slot indexes.
type manifest struct {
	FormatVersion int            `json:"format-version"`
	Files         []manifestFile `json:"files"`
}

type manifestFile struct {
	File  string `json:"file"`
	Image *int   `json:"image"`
}

// resolveZip extracts the bundle into a scoped temp directory, reads its
// manifest, and hashes each declared image. The extraction directory is
// removed on every exit path.
func resolveZip(data []byte) (Set, error) {
	dir := filepath.Join(os.TempDir(), "mcubridge-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, mcuerr.Wrap(mcuerr.KindImageResolution, "creating extraction dir", err)
	}
	defer os.RemoveAll(dir)

	extracted, err := extractAll(data, dir)
	if err != nil {
		return nil, err
	}

	manifestPath, ok := findManifest(extracted)
	if !ok {
		return nil, mcuerr.New(mcuerr.KindManifestNotFound, "bundle contains no manifest.json")
	}

	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, mcuerr.Wrap(mcuerr.KindImageResolution, "reading manifest", err)
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, mcuerr.Wrap(mcuerr.KindManifestNotFound, "manifest.json is not valid JSON", err)
	}
	if len(m.Files) == 0 {
		return nil, mcuerr.New(mcuerr.KindManifestNotFound, "manifest declares no files")
	}

	set := make(Set, 0, len(m.Files))
	for i, entry := range m.Files {
		path, ok := extracted[filepath.Base(entry.File)]
		if !ok {
			return nil, mcuerr.Newf(mcuerr.KindManifestImageNotFound,
				"manifest file %q not present in bundle", entry.File)
		}
		imgData, err := os.ReadFile(path)
		if err != nil {
			return nil, mcuerr.Wrap(mcuerr.KindImageResolution, "reading bundle image", err)
		}
		hash, err := Hash(imgData)
		if err != nil {
			return nil, mcuerr.Wrap(mcuerr.KindInvalidImage,
				fmt.Sprintf("bundle image %q is not a valid MCUboot image", entry.File), err)
		}
		index := i
		if entry.Image != nil {
			index = *entry.Image
		}
		set = append(set, Image{Index: index, Hash: hash, Data: imgData})
	}
	return set, nil
}

// extractAll writes every archive entry into dir, flattening names so an
// archive cannot escape the extraction root. Returns base name -> path.
func extractAll(data []byte, dir string) (map[string]string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, mcuerr.Wrap(mcuerr.KindImageResolution, "opening zip bundle", err)
	}

	extracted := make(map[string]string, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := filepath.Base(f.Name)
		dst := filepath.Join(dir, name)

		rc, err := f.Open()
		if err != nil {
			return nil, mcuerr.Wrap(mcuerr.KindImageResolution, "extracting bundle entry", err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, mcuerr.Wrap(mcuerr.KindImageResolution, "extracting bundle entry", err)
		}
		if err := os.WriteFile(dst, content, 0o600); err != nil {
			return nil, mcuerr.Wrap(mcuerr.KindImageResolution, "writing extracted entry", err)
		}
		extracted[name] = dst
	}
	return extracted, nil
}

// findManifest prefers a file literally named manifest.json, falling back to
// the first .json entry in the bundle.
func findManifest(extracted map[string]string) (string, bool) {
	if path, ok := extracted["manifest.json"]; ok {
		return path, true
	}
	for name, path := range extracted {
		if strings.HasSuffix(name, ".json") {
			return path, true
		}
	}
	return "", false
}

// readRef loads the bytes behind a firmware reference.
func readRef(ref string) ([]byte, error) {
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return fetch(ref)
	case strings.HasPrefix(ref, "file://"):
		u, err := url.Parse(ref)
		if err != nil {
			return nil, fmt.Errorf("parsing file URI: %w", err)
		}
		return os.ReadFile(u.Path)
	default:
		return os.ReadFile(ref)
	}
}

// fetch downloads a remote firmware reference.
func fetch(rawURL string) ([]byte, error) {
	resp, err := http.Get(rawURL)
	if err != nil {
		return nil, fmt.Errorf("downloading firmware: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed: HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
