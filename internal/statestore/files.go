package statestore

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// APIToken returns the administrative API token: the NBOT_API_TOKEN
// environment variable when set, else the persisted api_token.txt,
// generating and persisting a fresh token on first use.
func (s *Store) APIToken() (string, error) {
	if v := os.Getenv("NBOT_API_TOKEN"); v != "" {
		return v, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dataDir, "api_token.txt")
	data, err := os.ReadFile(path)
	if err == nil {
		if token := strings.TrimSpace(string(data)); token != "" {
			return token, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read api token: %w", err)
	}

	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api token: %w", err)
	}
	token := hex.EncodeToString(buf)
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist api token: %w", err)
	}
	return token, nil
}

// CustomCommand is an administrator-defined command persisted in
// commands.json; these rank below built-in and plugin commands.
type CustomCommand struct {
	Name    string   `json:"name"`
	Aliases []string `json:"aliases,omitempty"`
	Reply   string   `json:"reply"`
}

// LoadCustomCommands reads commands.json; a missing file yields an empty
// list.
func (s *Store) LoadCustomCommands() ([]CustomCommand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []CustomCommand
	if err := loadJSON(filepath.Join(s.dataDir, "commands.json"), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveCustomCommands atomically replaces commands.json.
func (s *Store) SaveCustomCommands(cmds []CustomCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(filepath.Join(s.dataDir, "commands.json"), cmds)
}

// ModuleDefaults reads modules.json, the per-module default config table
// that per-bot modules_config overlays merge onto.
func (s *Store) ModuleDefaults() (map[string]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]json.RawMessage)
	if err := loadJSON(filepath.Join(s.dataDir, "modules.json"), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveModuleDefaults atomically replaces modules.json.
func (s *Store) SaveModuleDefaults(defaults map[string]json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(filepath.Join(s.dataDir, "modules.json"), defaults)
}
