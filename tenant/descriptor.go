package tenant

import (
	"maps"
	"path/filepath"
)

// AppDescriptor is everything the front door knows about the application
// serving one request. It is built once per request and never modified.
type AppDescriptor struct {
	Name       string            // Lower-cased host label.
	Entrypoint string            // Absolute path of the handler code or index.html.
	RootEnv    map[string]string // Defaults from root/.env.
	AppEnv     map[string]string // Overrides from the application's .env.
}

// NewAppDescriptor resolves the application called name under root and loads
// its environment files. It returns ErrNotFound when nothing serves name.
func NewAppDescriptor(root, name string) (*AppDescriptor, error) {
	entrypoint, err := Resolve(root, name)
	if err != nil {
		return nil, err
	}
	rootEnv, appEnv, err := LoadEnv(root, entrypoint)
	if err != nil {
		return nil, err
	}
	return &AppDescriptor{
		Name:       name,
		Entrypoint: entrypoint,
		RootEnv:    maps.Clone(rootEnv),
		AppEnv:     maps.Clone(appEnv),
	}, nil
}

// Env returns a fresh copy of the composed environment.
func (d *AppDescriptor) Env() map[string]string {
	return ComposeEnv(d.RootEnv, d.AppEnv)
}

// IsStatic reports whether the application is a static asset bundle.
func (d *AppDescriptor) IsStatic() bool {
	return IsStatic(d.Entrypoint)
}

// Dir returns the directory containing the entrypoint.
func (d *AppDescriptor) Dir() string {
	return filepath.Dir(d.Entrypoint)
}
