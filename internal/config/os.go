package config

import "os"

// OSInterface abstracts the environment and filesystem reads the config
// loader performs, so tests can feed herald config files and env vars
// without touching the real OS.
type OSInterface interface {
	Getenv(key string) string
	Stat(name string) (os.FileInfo, error)
	ReadFile(filename string) ([]byte, error)
}

var defaultOS = OSInterface(osAdapter{})

// osAdapter is the production implementation, passing straight through to
// the os package.
type osAdapter struct{}

func (osAdapter) Getenv(key string) string                 { return os.Getenv(key) }
func (osAdapter) Stat(name string) (os.FileInfo, error)    { return os.Stat(name) }
func (osAdapter) ReadFile(filename string) ([]byte, error) { return os.ReadFile(filename) }
