package config

import (
	"os"
	"path/filepath"
)

// DataDir resolves relay's data directory: $RELAY_DATA_DIR if set, else
// ~/.relay. The directory itself is created if missing; its
// team/worker-logs, step-outputs, and trajectory subtrees are created
// by the helpers below.
func DataDir() (string, error) {
	var base string

	if dir := os.Getenv("RELAY_DATA_DIR"); dir != "" {
		base = dir
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".relay")
	}

	if err := os.MkdirAll(base, 0700); err != nil {
		return "", err
	}
	return base, nil
}

// WorkerLogsDir returns "<data-dir>/team/worker-logs", creating it if
// missing.
func WorkerLogsDir(dataDir string) (string, error) {
	dir := filepath.Join(dataDir, "team", "worker-logs")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

// StepOutputsDir returns "<data-dir>/step-outputs/<runID>", creating it
// if missing.
func StepOutputsDir(dataDir, runID string) (string, error) {
	dir := filepath.Join(dataDir, "step-outputs", runID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

// TrajectoryDir returns "<data-dir>/trajectories", creating its active
// and completed subtrees if missing.
func TrajectoryDir(dataDir string) (string, error) {
	dir := filepath.Join(dataDir, "trajectories")
	if err := os.MkdirAll(filepath.Join(dir, "active"), 0700); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Join(dir, "completed"), 0700); err != nil {
		return "", err
	}
	return dir, nil
}

// TeamDir returns "<data-dir>/team", creating it if missing. This holds
// the worker registry file.
func TeamDir(dataDir string) (string, error) {
	dir := filepath.Join(dataDir, "team")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}
