package domain

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DefaultRefreshInterval applies when neither the repository nor the
// repositories file set one.
const DefaultRefreshInterval = 7200

// Repository is a watched GitHub repository, identified by its URL.
type Repository struct {
	URL             string `yaml:"url" json:"url"`
	Name            string `yaml:"name" json:"name"`
	BackgroundColor string `yaml:"backgroundColor,omitempty" json:"backgroundColor,omitempty"`
	RefreshInterval int    `yaml:"refreshInterval,omitempty" json:"refreshInterval,omitempty"` // seconds
}

// Owner returns the first path segment of the repository URL.
func (r Repository) Owner() string {
	owner, _, _ := r.split()
	return owner
}

// Repo returns the second path segment of the repository URL.
func (r Repository) Repo() string {
	_, name, _ := r.split()
	return name
}

// FullName returns owner/repo.
func (r Repository) FullName() string {
	return r.Owner() + "/" + r.Repo()
}

// Validate reports whether owner and name can be derived from the URL.
func (r Repository) Validate() error {
	_, _, err := r.split()
	return err
}

// Interval returns the repository refresh interval, falling back to
// defaultSeconds and then to DefaultRefreshInterval.
func (r Repository) Interval(defaultSeconds int) time.Duration {
	secs := r.RefreshInterval
	if secs <= 0 {
		secs = defaultSeconds
	}
	if secs <= 0 {
		secs = DefaultRefreshInterval
	}
	return time.Duration(secs) * time.Second
}

func (r Repository) split() (string, string, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return "", "", fmt.Errorf("parse repository url %q: %w", r.URL, err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository url %q: expected https://github.com/<owner>/<repo>", r.URL)
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}
