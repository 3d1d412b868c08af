// Package trustlist reads operator trust lists: domains whose intel verdicts
// are overridden to allow. Two line formats are accepted and may be mixed:
//
//	corp.example.com          # plain, one name per line
//	*.intranet.example.org    # suffix markers are accepted and stripped
//	10.0.0.5  nas.home.lan    # hosts style, the address is ignored
//
// Trust always covers the name and every name below it.
package trustlist

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"unicode"

	"github.com/haukened/rr-intel/internal/intel/common/log"
	"github.com/haukened/rr-intel/internal/intel/common/utils"
)

// Parse reads a trust list and returns canonical names in first-seen order.
// Invalid tokens are skipped.
func Parse(r io.Reader, source string, logger log.Logger) ([]string, error) {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	scanner := bufio.NewScanner(r)
	seen := make(map[string]struct{})
	var out []string

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimPrefix(scanner.Text(), "\uFEFF")
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if net.ParseIP(fields[0]) != nil {
			fields = fields[1:]
		}
		for _, raw := range fields {
			name := normalize(raw)
			if !isValidName(name) {
				logger.Debug(map[string]any{"source": source, "line": lineNum, "raw": raw}, "trust list: skip invalid name")
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read trust list %s: %w", source, err)
	}
	logger.Debug(map[string]any{"source": source, "count": len(out)}, "trust list parsed")
	return out, nil
}

// LoadFile parses the trust list at path.
func LoadFile(path string, logger log.Logger) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f, path, logger)
}

// normalize strips suffix markers and canonicalizes.
func normalize(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "*.")
	raw = strings.TrimPrefix(raw, ".")
	return utils.CanonicalDNSName(raw)
}

// isValidName requires at least two labels of 1..63 bytes, 255 bytes total,
// and a leading letter or digit.
func isValidName(name string) bool {
	if name == "" || len(name) > 255 || strings.Contains(name, "*") {
		return false
	}
	labels := strings.Split(name, ".")
	if len(labels) < 2 {
		return false
	}
	for _, l := range labels {
		if len(l) == 0 || len(l) > 63 {
			return false
		}
	}
	first := []rune(labels[0])[0]
	return unicode.IsLetter(first) || unicode.IsDigit(first)
}
