package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/marcin-skalski/pr-watcher/internal/domain"
)

// RepoList is the repositories file. JSON files parse as YAML too, so the
// same loader handles repos.json and repos.yaml.
type RepoList struct {
	Repos                  []domain.Repository `yaml:"repos"`
	DefaultRefreshInterval int                 `yaml:"defaultRefreshInterval"`
}

func LoadRepositories(path string) (*RepoList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read repositories: %w", err)
	}

	var list RepoList
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse repositories: %w", err)
	}

	if list.DefaultRefreshInterval <= 0 {
		list.DefaultRefreshInterval = domain.DefaultRefreshInterval
	}

	seen := make(map[string]bool, len(list.Repos))
	repos := list.Repos[:0]
	for i, r := range list.Repos {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("repos[%d]: %w", i, err)
		}
		if seen[r.URL] {
			continue
		}
		seen[r.URL] = true
		if r.Name == "" {
			r.Name = r.Repo()
		}
		repos = append(repos, r)
	}
	list.Repos = repos

	return &list, nil
}

// LoadUsers accepts either a bare list or {users: [...]}.
func LoadUsers(path string) ([]domain.User, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read users: %w", err)
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("parse users: %w", err)
	}

	var users []domain.User
	if len(node.Content) > 0 && node.Content[0].Kind == yaml.SequenceNode {
		if err := node.Content[0].Decode(&users); err != nil {
			return nil, fmt.Errorf("parse users: %w", err)
		}
	} else {
		var wrapped struct {
			Users []domain.User `yaml:"users"`
		}
		if err := node.Decode(&wrapped); err != nil {
			return nil, fmt.Errorf("parse users: %w", err)
		}
		users = wrapped.Users
	}

	for i, u := range users {
		if u.Username == "" {
			return nil, fmt.Errorf("users[%d]: username required", i)
		}
	}
	return users, nil
}
