package domain

// Account is the login/avatar pair GitHub embeds for authors, assignees and reviewers.
type Account struct {
	Login     string `json:"login"`
	AvatarURL string `json:"avatar_url"`
}

// DefaultAvatarURL is the avatar GitHub serves for a login.
func DefaultAvatarURL(login string) string {
	return "https://github.com/" + login + ".png"
}

// User is a team member from the users file.
type User struct {
	Username string `yaml:"username" json:"username"`
	Name     string `yaml:"name" json:"name"`
	Avatar   string `yaml:"avatar,omitempty" json:"avatar,omitempty"`
}

func (u User) AvatarURL() string {
	if u.Avatar != "" {
		return u.Avatar
	}
	return DefaultAvatarURL(u.Username)
}
