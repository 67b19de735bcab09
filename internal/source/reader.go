// Package source resolves an item-source locator into the ordered,
// deduplicated list of item keys a batch run iterates.
package source

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var itemKeyPattern = regexp.MustCompile(`^\d{12,13}$`)

// Reader yields the ordered item-key sequence for a locator. The sequence is
// deterministic for a fixed locator: malformed keys are dropped at load time
// and duplicates keep their first position.
type Reader interface {
	Read(ctx context.Context, locator string) ([]string, error)
}

type FileReader struct {
	client *http.Client
	logger zerolog.Logger
}

func NewFileReader(timeout time.Duration, logger zerolog.Logger) *FileReader {
	return &FileReader{
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "source").Logger(),
	}
}

// Read accepts a file:// locator, a bare filesystem path, or an http(s) URL
// pointing at a line-oriented text file of UPC/EAN codes.
func (r *FileReader) Read(ctx context.Context, locator string) ([]string, error) {
	switch {
	case strings.HasPrefix(locator, "http://"), strings.HasPrefix(locator, "https://"):
		return r.readHTTP(ctx, locator)
	case strings.HasPrefix(locator, "file://"):
		return r.readFile(strings.TrimPrefix(locator, "file://"))
	default:
		return r.readFile(locator)
	}
}

func (r *FileReader) readFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open item source %s", path)
	}
	defer f.Close()
	return r.collect(bufio.NewScanner(f))
}

func (r *FileReader) readHTTP(ctx context.Context, rawURL string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build item source request")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch item source %s", rawURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("item source %s returned status %d", rawURL, resp.StatusCode)
	}
	return r.collect(bufio.NewScanner(resp.Body))
}

func (r *FileReader) collect(scanner *bufio.Scanner) ([]string, error) {
	keys := []string{}
	seen := make(map[string]struct{})
	line := 0
	for scanner.Scan() {
		line++
		key := strings.TrimSpace(scanner.Text())
		if key == "" {
			continue
		}
		if !ValidKey(key) {
			r.logger.Warn().Int("line", line).Str("key", key).Msg("dropping malformed item key")
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read item source")
	}
	r.logger.Info().Int("count", len(keys)).Msg("loaded item keys")
	return keys, nil
}

// ValidKey reports whether key is a well-formed 12-digit UPC-A or 13-digit
// EAN-13 code with a correct check digit.
func ValidKey(key string) bool {
	if !itemKeyPattern.MatchString(key) {
		return false
	}
	return validChecksum(key)
}

func validChecksum(key string) bool {
	digits := make([]int, len(key))
	for i, c := range key {
		digits[i] = int(c - '0')
	}

	var oddSum, evenSum int
	if len(key) == 12 {
		// UPC-A: odd positions (1st, 3rd, ...) weighted 3.
		for i := 0; i < 11; i += 2 {
			oddSum += digits[i]
		}
		for i := 1; i < 10; i += 2 {
			evenSum += digits[i]
		}
	} else {
		// EAN-13: even positions (2nd, 4th, ...) weighted 3.
		for i := 1; i < 12; i += 2 {
			oddSum += digits[i]
		}
		for i := 0; i < 12; i += 2 {
			evenSum += digits[i]
		}
	}
	check := (10 - (oddSum*3+evenSum)%10) % 10
	return check == digits[len(digits)-1]
}

// Describe returns a short human label for a locator, used in error text.
func Describe(locator string) string {
	if len(locator) <= 80 {
		return locator
	}
	return fmt.Sprintf("%s...", locator[:77])
}
