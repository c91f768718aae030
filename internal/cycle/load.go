// Package cycle runs a bounded exercise: Turtle files are chunked into large
// batch updates and submitted while queries are issued alongside them, until
// every batch has reported or the cycle times out.
package cycle

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Update is one batch built from consecutive statements of a file.
type Update struct {
	Source     string `json:"source"`
	Text       string `json:"-"`
	Statements int    `json:"statements"`
}

// LoadUpdates walks root for .ttl files and cuts each into updates of
// batchSize statements. A statement ends on a line whose text, without the
// line break, ends in '.'. @prefix lines are dropped, so prefixed names are
// submitted as written. A trailing chunk shorter than batchSize is kept
// unless dropPartial is set.
func LoadUpdates(root string, batchSize int, dropPartial bool) ([]Update, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".ttl") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Strings(files)

	var out []Update
	for _, path := range files {
		updates, err := loadFile(path, batchSize, dropPartial)
		if err != nil {
			return nil, err
		}
		out = append(out, updates...)
	}
	return out, nil
}

func loadFile(path string, batchSize int, dropPartial bool) ([]Update, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var out []Update
	var current strings.Builder
	counter := 0
	emit := func() {
		out = append(out, Update{
			Source:     path,
			Text:       "INSERT {" + current.String() + "}",
			Statements: counter,
		})
		current.Reset()
		counter = 0
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "@prefix") {
			continue
		}
		current.WriteString(line)
		current.WriteByte('\n')
		if len(line) > 0 && strings.HasSuffix(line, ".") {
			counter++
		}
		if counter == batchSize {
			emit()
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if counter > 0 && !dropPartial {
		emit()
	}
	return out, nil
}
