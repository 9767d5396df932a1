package fsutil

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ExpandHome expands a leading '~' to the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}

// AbsPath expands '~' and returns the absolute form of path.
func AbsPath(path string) (string, error) {
	p, err := ExpandHome(path)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("abs path: %w", err)
	}
	return abs, nil
}

// FileURL renders an absolute path as a file:// URL.
func FileURL(abs string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}

// PathFromLocation resolves a model location to an absolute path. Accepted
// forms are file:// URLs, absolute or relative paths and ~-prefixed paths.
func PathFromLocation(location string) (string, error) {
	loc := strings.TrimSpace(location)
	if loc == "" {
		return "", fmt.Errorf("empty location")
	}
	if strings.Contains(loc, "://") {
		u, err := url.Parse(loc)
		if err != nil {
			return "", fmt.Errorf("parse location: %w", err)
		}
		if u.Scheme != "file" {
			return "", fmt.Errorf("unsupported location scheme %q", u.Scheme)
		}
		loc = filepath.FromSlash(u.Path)
		if u.Host != "" && u.Host != "localhost" {
			loc = filepath.Join(u.Host, loc)
		}
	}
	return AbsPath(loc)
}

// IsFile reports whether path names an existing regular file.
func IsFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}
