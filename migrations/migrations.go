// Package migrations embeds the SQL schema scripts.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed *.sql
var files embed.FS

// Direction selects up or down scripts
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// Script is one named migration file
type Script struct {
	Name string
	SQL  string
}

// ParseDirection validates a -direction flag value
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case Up, Down:
		return Direction(s), nil
	default:
		return "", fmt.Errorf("unknown migration direction %q (want up or down)", s)
	}
}

// Scripts returns the scripts for a direction in execution order:
// ascending for up, descending for down.
func Scripts(dir Direction) ([]Script, error) {
	names, err := fs.Glob(files, "*."+string(dir)+".sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	if dir == Down {
		sort.Sort(sort.Reverse(sort.StringSlice(names)))
	}

	scripts := make([]Script, 0, len(names))
	for _, name := range names {
		content, err := files.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		scripts = append(scripts, Script{Name: name, SQL: strings.TrimSpace(string(content))})
	}
	return scripts, nil
}
