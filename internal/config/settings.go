package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/viper"

	"github.com/marcin-skalski/pr-watcher/internal/domain"
)

const (
	keyToken           = "githubToken"
	keyRefreshInterval = "refreshInterval"

	defaultRefreshSeconds = 60
	minRefreshSeconds     = 10
	maxRefreshSeconds     = 600
)

// Secret holds a credential. It never prints or logs in full.
type Secret string

func (s Secret) String() string {
	if len(s) <= 4 {
		if s == "" {
			return ""
		}
		return "****"
	}
	return string(s[:4]) + "…"
}

func (s Secret) LogValue() slog.Value { return slog.StringValue(s.String()) }

// Reveal returns the raw credential for handing to the GitHub client.
func (s Secret) Reveal() string { return string(s) }

type Source string

const (
	SourceEnv     Source = "env"
	SourceUser    Source = "user"
	SourceProject Source = "project"
	SourceDefault Source = "default"
)

// Settings is the user-editable part of the configuration.
type Settings struct {
	GitHubToken     Secret
	RefreshInterval int // seconds
	TokenSource     Source
	RefreshSource   Source
}

func (s *Settings) HasToken() bool { return s.GitHubToken != "" }

// LoadSettings resolves settings with precedence env > user file > project
// file > defaults. Missing files are skipped.
func LoadSettings(projectFile, userFile string) (*Settings, error) {
	v := viper.New()
	v.SetDefault(keyToken, "")
	v.SetDefault(keyRefreshInterval, defaultRefreshSeconds)

	project, err := readOptional(projectFile)
	if err != nil {
		return nil, fmt.Errorf("project config: %w", err)
	}
	user, err := readOptional(userFile)
	if err != nil {
		return nil, fmt.Errorf("user settings: %w", err)
	}

	for _, layer := range []*viper.Viper{project, user} {
		if layer == nil {
			continue
		}
		if err := v.MergeConfigMap(layer.AllSettings()); err != nil {
			return nil, fmt.Errorf("merge settings: %w", err)
		}
	}

	if err := v.BindEnv(keyToken, "GITHUB_TOKEN", "GH_TOKEN"); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}
	if err := v.BindEnv(keyRefreshInterval, "REFRESH_INTERVAL"); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

	s := &Settings{
		GitHubToken:     Secret(strings.TrimSpace(v.GetString(keyToken))),
		RefreshInterval: v.GetInt(keyRefreshInterval),
		TokenSource:     SourceDefault,
		RefreshSource:   SourceDefault,
	}
	if s.RefreshInterval <= 0 {
		s.RefreshInterval = defaultRefreshSeconds
	}

	switch {
	case os.Getenv("GITHUB_TOKEN") != "" || os.Getenv("GH_TOKEN") != "":
		s.TokenSource = SourceEnv
	case user != nil && user.GetString(keyToken) != "":
		s.TokenSource = SourceUser
	case project != nil && project.GetString(keyToken) != "":
		s.TokenSource = SourceProject
	}

	switch {
	case os.Getenv("REFRESH_INTERVAL") != "":
		s.RefreshSource = SourceEnv
	case user != nil && user.IsSet(keyRefreshInterval):
		s.RefreshSource = SourceUser
	case project != nil && project.IsSet(keyRefreshInterval):
		s.RefreshSource = SourceProject
	}

	return s, nil
}

// LoadUserSettings reads only the user settings file, ignoring the
// environment, so it can be edited and written back.
func LoadUserSettings(path string) (*Settings, error) {
	s := &Settings{RefreshInterval: defaultRefreshSeconds, TokenSource: SourceDefault, RefreshSource: SourceDefault}
	v, err := readOptional(path)
	if err != nil {
		return nil, fmt.Errorf("user settings: %w", err)
	}
	if v == nil {
		return s, nil
	}
	if tok := strings.TrimSpace(v.GetString(keyToken)); tok != "" {
		s.GitHubToken = Secret(tok)
		s.TokenSource = SourceUser
	}
	if v.IsSet(keyRefreshInterval) {
		s.RefreshInterval = v.GetInt(keyRefreshInterval)
		s.RefreshSource = SourceUser
	}
	return s, nil
}

// SaveSettings writes the user settings file readable only by its owner.
func SaveSettings(path string, s Settings) error {
	if s.GitHubToken != "" {
		if err := ValidateToken(s.GitHubToken.Reveal()); err != nil {
			return err
		}
	}
	if err := ValidateRefreshInterval(s.RefreshInterval); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}

	v := viper.New()
	v.Set(keyToken, s.GitHubToken.Reveal())
	v.Set(keyRefreshInterval, s.RefreshInterval)
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("chmod settings: %w", err)
	}
	return nil
}

func ValidateRefreshInterval(seconds int) error {
	if seconds < minRefreshSeconds || seconds > maxRefreshSeconds {
		return fmt.Errorf("refresh interval must be between %d and %d seconds, got %d", minRefreshSeconds, maxRefreshSeconds, seconds)
	}
	return nil
}

var classicToken = regexp.MustCompile(`^[0-9a-f]{40}$`)

var tokenPrefixes = []string{"ghp_", "gho_", "ghu_", "ghs_", "ghr_", "github_pat_"}

// ValidateToken checks the token looks like a GitHub token. It does not call GitHub.
func ValidateToken(tok string) error {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return domain.ErrNoToken
	}
	if classicToken.MatchString(tok) {
		return nil
	}
	for _, p := range tokenPrefixes {
		if strings.HasPrefix(tok, p) && len(tok) > len(p)+20 {
			return nil
		}
	}
	return errors.New("token does not look like a GitHub token (expected ghp_…, github_pat_… or 40 hex chars)")
}

func readOptional(path string) (*viper.Viper, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return v, nil
}
