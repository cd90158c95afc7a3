package stage

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// repairInto writes a sanitized copy of path to a temp file and returns its
// location. Bytes that are not valid UTF-8 are replaced, NUL bytes and
// carriage returns dropped, blank lines skipped. The caller removes the file.
func repairInto(path string) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("stage: repair open: %w", err)
	}
	defer in.Close()

	out, err := os.CreateTemp("", "ferry-repair-*.csv")
	if err != nil {
		return "", fmt.Errorf("stage: repair temp: %w", err)
	}
	fail := func(e error) (string, error) {
		_ = out.Close()
		_ = os.Remove(out.Name())
		return "", e
	}

	r := bufio.NewReaderSize(transform.NewReader(in, unicode.UTF8.NewDecoder()), readBufSize)
	w := bufio.NewWriterSize(out, writeBufSize)
	for {
		line, rerr := r.ReadString('\n')
		if line != "" {
			cleaned := strings.Map(func(c rune) rune {
				if c == 0 || c == '\r' {
					return -1
				}
				return c
			}, line)
			if strings.TrimSpace(cleaned) != "" {
				if !strings.HasSuffix(cleaned, "\n") {
					cleaned += "\n"
				}
				if _, err := w.WriteString(cleaned); err != nil {
					return fail(fmt.Errorf("stage: repair write: %w", err))
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fail(fmt.Errorf("stage: repair read: %w", rerr))
		}
	}
	if err := w.Flush(); err != nil {
		return fail(fmt.Errorf("stage: repair flush: %w", err))
	}
	if err := out.Close(); err != nil {
		return fail(fmt.Errorf("stage: repair close: %w", err))
	}
	return out.Name(), nil
}
