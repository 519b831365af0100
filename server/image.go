package server

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// datKey is the single-byte XOR key the emulator encrypts downloaded images with.
const datKey = 0x5a

var imageMagics = []struct {
	ext   string
	magic []byte
}{
	{".jpg", []byte{0xff, 0xd8, 0xff}},
	{".png", []byte{0x89, 'P', 'N', 'G'}},
	{".gif", []byte("GIF8")},
}

var errUnknownImage = errors.New("unrecognised image data")

func writeEncrypted(dst string, image []byte) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, xorBytes(image, datKey), 0o644)
}

// decryptImage recovers the XOR key from the image magic, writes the plain image into dir
// and returns its path. The extension follows the detected format.
func decryptImage(src, dir string) (string, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return "", err
	}
	for _, m := range imageMagics {
		if len(data) < len(m.magic) {
			continue
		}
		key := data[0] ^ m.magic[0]
		if !bytes.Equal(xorBytes(data[:len(m.magic)], key), m.magic) {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
		base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
		out := filepath.Join(dir, base+m.ext)
		if err := os.WriteFile(out, xorBytes(data, key), 0o644); err != nil {
			return "", err
		}
		return out, nil
	}
	return "", errUnknownImage
}

func xorBytes(b []byte, key byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = c ^ key
	}
	return out
}
