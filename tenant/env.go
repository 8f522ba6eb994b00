package tenant

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// EnvFile is the name of the environment file read from the root directory
// and from each application directory.
const EnvFile = ".env"

// LoadEnv reads the root-level and application-level environment files for an
// entrypoint. The application file is skipped when it is the root file.
// Static entrypoints never receive an environment.
func LoadEnv(root, entrypoint string) (rootEnv, appEnv map[string]string, err error) {
	if IsStatic(entrypoint) {
		return map[string]string{}, map[string]string{}, nil
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve root directory %s: %w", root, err)
	}

	rootEnvPath := filepath.Join(absRoot, EnvFile)
	rootEnv, err = readEnvFile(rootEnvPath)
	if err != nil {
		return nil, nil, err
	}

	absEntrypoint, err := filepath.Abs(entrypoint)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve entrypoint %s: %w", entrypoint, err)
	}
	appEnvPath := filepath.Join(filepath.Dir(absEntrypoint), EnvFile)
	if appEnvPath == rootEnvPath {
		return rootEnv, map[string]string{}, nil
	}

	appEnv, err = readEnvFile(appEnvPath)
	if err != nil {
		return nil, nil, err
	}
	return rootEnv, appEnv, nil
}

// ComposeEnv overlays appEnv on top of rootEnv. Keys present in both take the
// application value. Neither input is modified.
func ComposeEnv(rootEnv, appEnv map[string]string) map[string]string {
	env := make(map[string]string, len(rootEnv)+len(appEnv))
	maps.Copy(env, rootEnv)
	maps.Copy(env, appEnv)
	return env
}

// readEnvFile returns an empty map when the file does not exist.
func readEnvFile(path string) (map[string]string, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to stat env file %s: %w", path, err)
	}
	env, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read env file %s: %w", path, err)
	}
	return env, nil
}
