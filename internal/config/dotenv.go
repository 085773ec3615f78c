package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// LoadDotEnv applies KEY=VALUE files in order. Variables already present in
// the process environment are never overwritten, and missing files are
// skipped. Unquoted and double-quoted values may reference ${OTHER} keys.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		entries, err := readDotEnv(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if _, set := os.LookupEnv(entry.key); set {
				continue
			}
			if err := os.Setenv(entry.key, entry.value); err != nil {
				return fmt.Errorf("set %s from %s: %w", entry.key, path, err)
			}
		}
	}
	return nil
}

type dotEnvEntry struct {
	key   string
	value string
}

func readDotEnv(path string) ([]dotEnvEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var entries []dotEnvEntry
	local := map[string]string{}
	lookup := func(name string) string {
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return local[name]
	}

	scanner := bufio.NewScanner(file)
	for number := 1; scanner.Scan(); number++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, raw, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("parse %s:%d: expected KEY=VALUE", path, number)
		}
		value, expand := unquoteDotEnv(raw)
		if expand {
			value = os.Expand(value, lookup)
		}
		local[key] = value
		entries = append(entries, dotEnvEntry{key: key, value: value})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return entries, nil
}

// unquoteDotEnv reports whether the value may still be expanded. Single
// quotes keep their content literal.
func unquoteDotEnv(raw string) (string, bool) {
	value := strings.TrimSpace(raw)
	if len(value) >= 2 && value[0] == value[len(value)-1] {
		switch value[0] {
		case '\'':
			return value[1 : len(value)-1], false
		case '"':
			return dotEnvEscapes.Replace(value[1 : len(value)-1]), true
		}
	}
	if index := strings.Index(value, " #"); index >= 0 {
		value = strings.TrimSpace(value[:index])
	}
	return value, true
}

var dotEnvEscapes = strings.NewReplacer(`\\`, `\`, `\n`, "\n", `\r`, "\r", `\t`, "\t", `\"`, `"`)
