package source

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/xxh3"
)

// fingerprintSample bounds how much of the file the fingerprint reads.
// Hashing whole multi-gigabyte sources would cost more than a resume saves.
const fingerprintSample = 1 << 20 // 1 MiB

// Fingerprint returns a short stable token for a file: an xxh3 hash over the
// first MiB of content mixed with the total size. Two sources with the same
// fingerprint are treated as the same file for resume purposes.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("source: fingerprint: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("source: fingerprint stat: %w", err)
	}

	h := xxh3.New()
	if _, err := io.Copy(h, io.LimitReader(f, fingerprintSample)); err != nil {
		return "", fmt.Errorf("source: fingerprint read: %w", err)
	}
	var sz [8]byte
	binary.LittleEndian.PutUint64(sz[:], uint64(info.Size()))
	_, _ = h.Write(sz[:])

	return fmt.Sprintf("%016x", h.Sum64()), nil
}
