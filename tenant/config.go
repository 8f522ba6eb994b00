package tenant

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/tailscale/hujson"
)

// ConfigFile is the optional per-application settings file. It is only read
// from directory applications and may contain comments and trailing commas.
const ConfigFile = "frontdoor.json"

// AppConfig holds the settings an application declares in ConfigFile.
type AppConfig struct {
	Crons []CronJob `json:"crons"`
}

// CronJob requests Path from its application on Schedule, a five-field cron
// expression or a descriptor such as @hourly.
type CronJob struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Schedule    string `json:"schedule"`
	Path        string `json:"path"`
	Method      string `json:"method,omitempty"` // Defaults to GET
}

// LoadAppConfig reads ConfigFile from the directory of entrypoint. Single-file
// applications, static bundles and directories without the file get an empty
// config.
func LoadAppConfig(root, entrypoint string) (*AppConfig, error) {
	config := &AppConfig{}
	if IsStatic(entrypoint) {
		return config, nil
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root directory %s: %w", root, err)
	}
	absEntrypoint, err := filepath.Abs(entrypoint)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve entrypoint %s: %w", entrypoint, err)
	}
	dir := filepath.Dir(absEntrypoint)
	if dir == absRoot {
		return config, nil
	}

	path := filepath.Join(dir, ConfigFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return config, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	data, err = hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return config, nil
}

func (c *AppConfig) validate() error {
	var errs []error
	seen := make(map[string]bool, len(c.Crons))
	for i := range c.Crons {
		job := &c.Crons[i]
		if job.Method == "" {
			job.Method = http.MethodGet
		}
		job.Method = strings.ToUpper(job.Method)

		switch {
		case job.Name == "":
			errs = append(errs, fmt.Errorf("cron %d: name is required", i))
			continue
		case strings.Contains(job.Name, ":"):
			errs = append(errs, fmt.Errorf("cron %s: name must not contain ':'", job.Name))
		case seen[job.Name]:
			errs = append(errs, fmt.Errorf("cron %s: duplicate name", job.Name))
		}
		seen[job.Name] = true

		if job.Schedule == "" {
			errs = append(errs, fmt.Errorf("cron %s: schedule is required", job.Name))
		}
		if !strings.HasPrefix(job.Path, "/") {
			errs = append(errs, fmt.Errorf("cron %s: path must start with '/', got %q", job.Name, job.Path))
		}
	}
	return errors.Join(errs...)
}

// ListApps returns the sorted names of every application under root that a
// host label can reach.
func ListApps(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list root directory %s: %w", root, err)
	}

	seen := make(map[string]bool)
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if !entry.IsDir() {
			ext := filepath.Ext(name)
			if !slices.Contains(Extensions, ext) {
				continue
			}
			name = strings.TrimSuffix(name, ext)
		}
		// A host label is lower-cased and never contains a dot.
		if name != strings.ToLower(name) || strings.Contains(name, ".") || seen[name] {
			continue
		}

		if _, err := Resolve(root, name); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		seen[name] = true
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
