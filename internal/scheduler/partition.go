package scheduler

import (
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"time"
)

// Owns reports whether this worker (mypart of parts) owns scraper.
func Owns(scraper string, parts, mypart int) bool {
	if parts <= 1 {
		return true
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(scraper))
	return int(h.Sum32()%uint32(parts)) == mypart //nolint:gosec // parts is a small positive count
}

// ServeUntil stops the scheduler once Path is modified after Mtime.
type ServeUntil struct {
	Mtime time.Time
	Path  string
}

// ParseServeUntil parses "<unix-seconds>:<path>".
func ParseServeUntil(s string) (ServeUntil, error) {
	raw, path, ok := strings.Cut(s, ":")
	if !ok || path == "" {
		return ServeUntil{}, fmt.Errorf("serve-until %q: want <mtime>:<path>", s)
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return ServeUntil{}, fmt.Errorf("serve-until %q: bad mtime: %w", s, err)
	}
	whole := int64(secs)
	return ServeUntil{
		Mtime: time.Unix(whole, int64((secs-float64(whole))*float64(time.Second))),
		Path:  path,
	}, nil
}

// Expired reports whether Path now has a newer mtime. A missing file never expires.
func (s ServeUntil) Expired() bool {
	if s.Path == "" {
		return false
	}
	info, err := os.Stat(s.Path)
	if err != nil {
		return false
	}
	return info.ModTime().After(s.Mtime)
}
