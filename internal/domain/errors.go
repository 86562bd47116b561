package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNoToken         = errors.New("github token not configured")
	ErrRateLimited     = errors.New("github rate limit exceeded")
	ErrUnauthorized    = errors.New("github rejected credentials")
	ErrNotFound        = errors.New("github resource not found")
	ErrPRNotFound      = errors.New("pull request not found")
	ErrPRClosed        = errors.New("pull request is closed")
	ErrRepoNotFound    = errors.New("repository not configured")
	ErrFetchInProgress = errors.New("fetch already in progress")
)

// SSODocsURL explains how to authorize a personal access token for an SSO organization.
const SSODocsURL = "https://docs.github.com/en/enterprise-cloud@latest/authentication/authenticating-with-saml-single-sign-on/authorizing-a-personal-access-token-for-use-with-saml-single-sign-on"

// SSOError means the token is valid but not authorized for the organization's
// SAML single sign-on. It is not retried; the user has to fix the token.
type SSOError struct {
	Owner string
	Repo  string
	Err   error
}

func (e *SSOError) Error() string {
	return fmt.Sprintf("token not authorized for %s/%s (SAML SSO): %v", e.Owner, e.Repo, e.Err)
}

func (e *SSOError) Unwrap() error { return e.Err }

// Remediation lists the steps to authorize the token.
func (e *SSOError) Remediation() []string {
	return []string{
		"Open GitHub → Settings → Developer settings → Personal access tokens",
		"Find the token and click \"Configure SSO\"",
		fmt.Sprintf("Authorize the %q organization", e.Owner),
		"Restart pr-watcher or press r to reload",
		"Docs: " + SSODocsURL,
	}
}

// IsSSO reports whether err carries an SSOError.
func IsSSO(err error) bool {
	var sso *SSOError
	return errors.As(err, &sso)
}

// MutationError is returned when an assign/unassign call failed and the
// optimistic edit was rolled back by a forced reload.
type MutationError struct {
	Action string
	Key    PRKey
	Login  string
	Err    error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s %s on %s: %v", e.Action, e.Login, e.Key, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }
