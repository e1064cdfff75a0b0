// Package dotenv loads KEY=VALUE files into the process environment for
// local development. Deployed services set their environment directly.
package dotenv

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// EnvFileVar names the variable that overrides the default ".env" path.
const EnvFileVar = "STUDYLIVE_ENV_FILE"

// Path returns the dotenv file to load.
func Path() string {
	if p := strings.TrimSpace(os.Getenv(EnvFileVar)); p != "" {
		return p
	}
	return ".env"
}

type Pair struct {
	Key   string
	Value string
}

// Parse reads dotenv lines in order. Blank lines and # comments are skipped
// and an "export " prefix is accepted. Single-quoted values are literal,
// double-quoted values expand \n, \t, \" and \\, and unquoted values end at
// an inline " #" comment.
func Parse(r io.Reader) ([]Pair, error) {
	var pairs []Pair
	scanner := bufio.NewScanner(r)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, raw, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || strings.ContainsAny(key, " \t") {
			return nil, fmt.Errorf("line %d: expected KEY=VALUE", n)
		}
		val, err := parseValue(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("line %d: %s: %w", n, key, err)
		}
		pairs = append(pairs, Pair{Key: key, Value: val})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return pairs, nil
}

func parseValue(raw string) (string, error) {
	switch {
	case strings.HasPrefix(raw, "'"):
		end := strings.IndexByte(raw[1:], '\'')
		if end < 0 {
			return "", errors.New("unterminated single quote")
		}
		return raw[1 : end+1], nil
	case strings.HasPrefix(raw, `"`):
		var b strings.Builder
		for i := 1; i < len(raw); i++ {
			c := raw[i]
			if c == '"' {
				return b.String(), nil
			}
			if c == '\\' && i+1 < len(raw) {
				i++
				switch raw[i] {
				case 'n':
					b.WriteByte('\n')
				case 't':
					b.WriteByte('\t')
				default:
					b.WriteByte(raw[i])
				}
				continue
			}
			b.WriteByte(c)
		}
		return "", errors.New("unterminated double quote")
	default:
		if i := strings.Index(raw, " #"); i >= 0 {
			raw = raw[:i]
		}
		return strings.TrimSpace(raw), nil
	}
}

// LoadFile sets every pair from path that is not already in the environment
// and returns the keys it set. A missing file is not an error.
func LoadFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open env file %q: %w", path, err)
	}
	defer file.Close()

	pairs, err := Parse(file)
	if err != nil {
		return nil, fmt.Errorf("parse env file %q: %w", path, err)
	}
	var set []string
	for _, p := range pairs {
		if _, exists := os.LookupEnv(p.Key); exists {
			continue
		}
		if err := os.Setenv(p.Key, p.Value); err != nil {
			return set, fmt.Errorf("set env %q from %q: %w", p.Key, path, err)
		}
		set = append(set, p.Key)
	}
	return set, nil
}
