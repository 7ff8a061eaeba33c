package markovdb

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// DefaultPreviewLines is the range Preview shows when none is given.
const DefaultPreviewLines = "1..3"

// maxLineSize bounds a single line read from an import source.
const maxLineSize = 1 << 20

// CompilePattern compiles an extraction pattern. An empty pattern returns
// nil, meaning lines are used as-is.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	return re, nil
}

// ExtractLine applies re to line. Every match contributes its capture
// groups, or the whole match when the pattern has none; the pieces are
// joined with single spaces. A nil re returns the trimmed line.
func ExtractLine(re *regexp.Regexp, line string) string {
	if re == nil {
		return strings.TrimSpace(line)
	}

	var parts []string
	for _, m := range re.FindAllStringSubmatch(line, -1) {
		if len(m) == 1 {
			parts = append(parts, m[0])
			continue
		}
		for _, group := range m[1:] {
			if group != "" {
				parts = append(parts, group)
			}
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// ParseLineRange parses "N..M", "N" (meaning 1..N) or "" (DefaultPreviewLines)
// into a 1-based inclusive range.
func ParseLineRange(s string) (start, end int, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		s = DefaultPreviewLines
	}

	lo, hi, isRange := strings.Cut(s, "..")
	if !isRange {
		lo, hi = "1", s
	}
	if start, err = strconv.Atoi(strings.TrimSpace(lo)); err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidRange, s)
	}
	if end, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidRange, s)
	}
	if start < 1 || end < start {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidRange, s)
	}
	return start, end, nil
}

// readLines calls visit with each line of path, numbered from 1, until visit
// returns false. A missing or unreadable file is ErrSourceNotFound.
func readLines(ctx context.Context, path string, visit func(n int, line string) bool) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("%w: %s", ErrSourceNotFound, path)
		}
		return fmt.Errorf("%w: %v", ErrSourceNotFound, err)
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrSourceNotFound, path)
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	n := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		n++
		if !visit(n, scanner.Text()) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return nil
}

// Import queues every line of the file at path for learning.
//
// The pattern, if any, is compiled before the file is touched; each line is
// then replaced by its extraction (see ExtractLine) and empty results are
// dropped. Nothing is queued unless at least one line survives.
//
// Returns the number of lines queued.
//
// Errors:
//   - ErrInvalidPattern: pattern does not compile
//   - ErrSourceNotFound: path is missing or unreadable
//   - ErrNothingToLearn: the source has no usable lines
func (db *DB) Import(ctx context.Context, path, pattern string) (int, error) {
	re, err := CompilePattern(pattern)
	if err != nil {
		return 0, err
	}
	if err := db.checkOpen(); err != nil {
		return 0, err
	}

	var lines []string
	err = readLines(ctx, path, func(_ int, line string) bool {
		if extracted := ExtractLine(re, line); extracted != "" {
			lines = append(lines, extracted)
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if len(lines) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNothingToLearn, path)
	}

	if err := db.Learn(lines...); err != nil {
		return 0, err
	}
	db.logger.Info("import queued",
		zap.String("source", path),
		zap.Int("lines", len(lines)),
		zap.Int("queue_depth", db.QueueDepth()),
	)
	return len(lines), nil
}

// PreviewLine is one line of a dry-run import.
type PreviewLine struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// Preview shows what Import would learn from the given line range of path,
// without queueing anything. Lines whose extraction is empty are omitted.
func Preview(ctx context.Context, path, pattern, lineRange string) ([]PreviewLine, error) {
	re, err := CompilePattern(pattern)
	if err != nil {
		return nil, err
	}
	start, end, err := ParseLineRange(lineRange)
	if err != nil {
		return nil, err
	}

	var out []PreviewLine
	sawAny := false
	err = readLines(ctx, path, func(n int, line string) bool {
		sawAny = true
		if n < start {
			return true
		}
		if extracted := ExtractLine(re, line); extracted != "" {
			out = append(out, PreviewLine{Number: n, Text: extracted})
		}
		return n < end
	})
	if err != nil {
		return nil, err
	}
	if !sawAny {
		return nil, fmt.Errorf("%w: %s", ErrNothingToLearn, path)
	}
	return out, nil
}
