package dispatch

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Route overrides how one action kind is replayed.
type Route struct {
	Method         string `toml:"method"`
	Path           string `toml:"path"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// RoutesFile is the on-disk dispatch table, e.g.
//
//	version = 1
//	base_url = "https://api.example.org"
//
//	[headers]
//	X-Client = "civicsync"
//
//	[routes."lesson.complete"]
//	method = "POST"
//	path = "/api/lessons/complete"
//	timeout_seconds = 10
type RoutesFile struct {
	Version int               `toml:"version"`
	BaseURL string            `toml:"base_url"`
	Headers map[string]string `toml:"headers"`
	Routes  map[string]Route  `toml:"routes"`
}

func LoadRoutes(path string) (RoutesFile, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return RoutesFile{}, errors.New("routes file is required")
	}

	raw, err := os.ReadFile(trimmed)
	if err != nil {
		return RoutesFile{}, err
	}
	return ParseRoutes(raw)
}

func ParseRoutes(raw []byte) (RoutesFile, error) {
	var file RoutesFile
	if err := toml.Unmarshal(raw, &file); err != nil {
		return RoutesFile{}, err
	}
	if err := validateRoutes(&file); err != nil {
		return RoutesFile{}, err
	}
	return file, nil
}

func validateRoutes(file *RoutesFile) error {
	if file.Version != 1 {
		return fmt.Errorf("unsupported routes version %d: expected version = 1", file.Version)
	}
	for kind, route := range file.Routes {
		if strings.TrimSpace(kind) == "" {
			return errors.New("route kind must not be empty")
		}
		route.Method = strings.ToUpper(strings.TrimSpace(route.Method))
		switch route.Method {
		case "", http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			return fmt.Errorf("route %q: unsupported method %q", kind, route.Method)
		}
		if route.TimeoutSeconds < 0 {
			return fmt.Errorf("route %q: timeout_seconds must not be negative", kind)
		}
		file.Routes[kind] = route
	}
	return nil
}

func (r Route) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}
