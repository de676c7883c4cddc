package main

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// cliConfig is persisted between invocations.
type cliConfig struct {
	APIBaseURL         string `json:"api_base_url,omitempty"`
	GitHubConnectionID string `json:"github_connection_id,omitempty"`
	AWSConnectionID    string `json:"aws_connection_id,omitempty"`
	Owner              string `json:"owner,omitempty"`
	Repo               string `json:"repo,omitempty"`
	Branch             string `json:"branch,omitempty"`
	LastDeploymentID   string `json:"last_deployment_id,omitempty"`
}

func loadConfig(path string) (cliConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	return cfg, nil
}

func saveConfig(path string, cfg cliConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "bgctl", "config.json"), nil
}

// firstNonBlank returns the first value that is not blank.
func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
