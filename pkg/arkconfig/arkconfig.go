package arkconfig

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zedinhost/arkd/pkg/log"
	"github.com/zedinhost/arkd/pkg/types"
)

// The two configuration files of the dedicated server. Both live under the
// save-state directory's Config/WindowsServer folder (the product keeps the
// Windows path segment even on Linux).
const (
	GameUserSettingsFile = "GameUserSettings.ini"
	GameIniFile          = "Game.ini"
)

// defaultSection receives keys that appear before any section header.
const defaultSection = "ServerSettings"

// Sections is the parsed form of one config file.
type Sections map[string]map[string]Value

// Get returns the value at section/key.
func (s Sections) Get(section, key string) (Value, bool) {
	m, ok := s[section]
	if !ok {
		return Value{}, false
	}
	v, ok := m[key]
	return v, ok
}

// Set stores a value, creating the section if needed.
func (s Sections) Set(section, key string, v Value) {
	m, ok := s[section]
	if !ok {
		m = make(map[string]Value)
		s[section] = m
	}
	m[key] = v
}

// Delete removes a key; empty sections stay (they are legal in the format).
func (s Sections) Delete(section, key string) {
	if m, ok := s[section]; ok {
		delete(m, key)
	}
}

// Parse reads an INI-style config file. Keys are case-sensitive; unknown keys
// pass through untouched. A missing file parses as empty; the dedicated
// server itself starts with no config and writes one later.
func Parse(path string) (Sections, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return Sections{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config %s: %w", path, err)
	}
	defer f.Close()

	logger := log.WithComponent("arkconfig")
	result := Sections{}
	section := ""

	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSpace(line[1 : len(line)-1])
			if _, ok := result[section]; !ok {
				result[section] = make(map[string]Value)
			}
			continue
		}

		key, raw, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		if section == "" {
			section = defaultSection
			if _, ok := result[section]; !ok {
				result[section] = make(map[string]Value)
			}
		}
		if _, dup := result[section][key]; dup {
			// The game appends rather than replaces some keys; last wins.
			logger.Warn().Str("file", filepath.Base(path)).Str("section", section).
				Str("key", key).Int("line", lineNum).Msg("duplicate key, keeping last value")
		}
		result[section][key] = Coerce(strings.TrimSpace(raw))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	return result, nil
}

// Write regenerates the file from the section map. Every key not present in
// the map is gone afterwards: callers must read-modify-write, never write a
// partial map expecting a merge.
func Write(path string, sections Sections) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	var sb strings.Builder

	names := make([]string, 0, len(sections))
	for name := range sections {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		sb.WriteString("[" + name + "]\n")

		keys := make([]string, 0, len(sections[name]))
		for key := range sections[name] {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			sb.WriteString(key + "=" + sections[name][key].String() + "\n")
		}
		sb.WriteString("\n")
	}

	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}

// ApplyDescriptor pushes the descriptor's server-page settings into
// GameUserSettings.ini under configDir, preserving everything else in the
// file. An empty join password deletes ServerPassword so the server goes
// public.
func ApplyDescriptor(configDir string, desc *types.InstanceDescriptor) error {
	path := filepath.Join(configDir, GameUserSettingsFile)

	sections, err := Parse(path)
	if err != nil {
		return err
	}

	sections.Set("ServerSettings", "SessionName", String(desc.Name))
	if desc.AdminPassword != "" {
		sections.Set("ServerSettings", "ServerAdminPassword", String(desc.AdminPassword))
	}
	if desc.JoinPassword != "" {
		sections.Set("ServerSettings", "ServerPassword", String(desc.JoinPassword))
	} else {
		sections.Delete("ServerSettings", "ServerPassword")
	}
	if desc.MaxPlayers > 0 {
		sections.Set("ServerSettings", "MaxPlayers", Int(int64(desc.MaxPlayers)))
	}
	sections.Set("ServerSettings", "RCONEnabled", Bool(true))
	sections.Set("ServerSettings", "RCONPort", Int(int64(desc.ConsolePort)))
	sections.Set("SessionSettings", "Port", Int(int64(desc.Port)))
	sections.Set("SessionSettings", "QueryPort", Int(int64(desc.QueryPort)))

	return Write(path, sections)
}
