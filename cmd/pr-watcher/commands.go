package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"

	"github.com/marcin-skalski/pr-watcher/internal/config"
	"github.com/marcin-skalski/pr-watcher/internal/daemon"
	"github.com/marcin-skalski/pr-watcher/internal/domain"
	"github.com/marcin-skalski/pr-watcher/internal/github"
	"github.com/marcin-skalski/pr-watcher/internal/logging"
	"github.com/marcin-skalski/pr-watcher/internal/metrics"
	"github.com/marcin-skalski/pr-watcher/internal/store"
	"github.com/marcin-skalski/pr-watcher/internal/tui"
)

type CLI struct {
	Version kong.VersionFlag `help:"Show version information"`
	Config  string           `help:"Path to the app config file" short:"c" default:"pr-watcher.yaml" type:"path"`

	Run      RunCmd      `cmd:"" help:"Start the dashboard (default)" default:"1"`
	Setup    SetupCmd    `cmd:"" help:"Store a GitHub token and refresh interval"`
	Settings SettingsCmd `cmd:"" name:"config" help:"Show or change settings"`
	Stats    StatsCmd    `cmd:"" help:"Fetch all PRs and print team statistics"`
	Assign   AssignCmd   `cmd:"" help:"Assign a user to a pull request"`
	Unassign UnassignCmd `cmd:"" help:"Remove a user from a pull request's assignees"`
	Refresh  RefreshCmd  `cmd:"" help:"Refresh repositories once and print a summary"`
}

// app is everything a command needs, built from the config files.
type app struct {
	cfg      *config.Config
	settings *config.Settings
	logger   *slog.Logger
	store    *store.SQLiteStore
	daemon   *daemon.Daemon
}

// open builds the app. With fileOnly the logger leaves the terminal alone.
func (c *CLI) open(fileOnly bool) (*app, error) {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return nil, err
	}

	logger, err := logging.SetupLogger(cfg.LogFile, cfg.Log.Level, fileOnly)
	if err != nil {
		return nil, fmt.Errorf("setup logger: %w", err)
	}

	settings, err := config.LoadSettings(cfg.ProjectConfig, cfg.SettingsFile)
	if err != nil {
		return nil, err
	}

	repos, err := config.LoadRepositories(cfg.ReposFile)
	if err != nil {
		return nil, err
	}

	users, err := config.LoadUsers(cfg.UsersFile)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Warn("users file not found, assign picker will be empty", "path", cfg.UsersFile)
	case err != nil:
		return nil, err
	}

	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}

	gh := github.NewClient(settings.GitHubToken.Reveal(), logger)
	d := daemon.New(cfg, settings, repos, users, gh, st, logger)

	return &app{cfg: cfg, settings: settings, logger: logger, store: st, daemon: d}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", "err", err)
	}
	_ = logging.CloseFile()
}

// requireToken is for one-shot commands that must reach GitHub.
func (a *app) requireToken() error {
	if !a.settings.HasToken() {
		return fmt.Errorf("%w: run `pr-watcher setup` or set GITHUB_TOKEN", domain.ErrNoToken)
	}
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

type RunCmd struct {
	NoTUI bool `help:"Run headless, logging to stderr" name:"no-tui"`
}

func (r *RunCmd) Run(cli *CLI) error {
	// Auto-detect TUI capability
	enableTUI := !r.NoTUI && os.Getenv("PR_WATCHER_TUI") != "0" &&
		isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stdout.Fd())

	a, err := cli.open(enableTUI)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	if !enableTUI {
		a.logger.Info("pr-watcher starting (headless)", "config", cli.Config)
		return a.daemon.Run(ctx)
	}

	// TUI mode: daemon in background, TUI in foreground
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("pr-watcher daemon starting in background", "config", cli.Config)
		if err := a.daemon.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("daemon error", "err", err)
			errCh <- err
		}
	}()

	m := tui.NewModel(ctx, a.daemon, a.cfg.TUI.RefreshInterval)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))

	go func() {
		if err := <-errCh; err != nil {
			p.Quit()
		}
	}()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}

type SetupCmd struct {
	Token           string `help:"GitHub token; prompted for when omitted"`
	RefreshInterval int    `help:"Refresh interval in seconds (10-600)" default:"60"`
}

func (s *SetupCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}

	token := s.Token
	interval := strconv.Itoa(s.RefreshInterval)
	if token == "" {
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewNote().
					Title("pr-watcher setup").
					Description("Create a token at https://github.com/settings/tokens with the `repo` scope.\nFor SAML SSO organizations, authorize it with \"Configure SSO\"."),
				huh.NewInput().
					Title("GitHub token").
					EchoMode(huh.EchoModePassword).
					Validate(config.ValidateToken).
					Value(&token),
				huh.NewInput().
					Title("Refresh interval (seconds)").
					Validate(validateInterval).
					Value(&interval),
			),
		)
		if err := form.Run(); err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				return nil
			}
			return fmt.Errorf("setup form: %w", err)
		}
	}

	secs, err := strconv.Atoi(strings.TrimSpace(interval))
	if err != nil {
		return fmt.Errorf("refresh interval: %w", err)
	}

	settings := config.Settings{GitHubToken: config.Secret(strings.TrimSpace(token)), RefreshInterval: secs}
	if err := config.SaveSettings(cfg.SettingsFile, settings); err != nil {
		return err
	}
	fmt.Printf("Saved token %s to %s\n", settings.GitHubToken, cfg.SettingsFile)
	return nil
}

func validateInterval(s string) error {
	secs, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return errors.New("enter a number of seconds")
	}
	return config.ValidateRefreshInterval(secs)
}

type SettingsCmd struct {
	Show SettingsShowCmd `cmd:"" help:"Print the resolved settings"`
	Set  SettingsSetCmd  `cmd:"" help:"Change one setting in the user settings file"`
}

type SettingsShowCmd struct{}

func (s *SettingsShowCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	settings, err := config.LoadSettings(cfg.ProjectConfig, cfg.SettingsFile)
	if err != nil {
		return err
	}

	token := "(not set)"
	if settings.HasToken() {
		token = settings.GitHubToken.String()
	}
	fmt.Printf("githubToken      %s (%s)\n", token, settings.TokenSource)
	fmt.Printf("refreshInterval  %ds (%s)\n", settings.RefreshInterval, settings.RefreshSource)
	fmt.Printf("settings file    %s\n", cfg.SettingsFile)
	fmt.Printf("project config   %s\n", cfg.ProjectConfig)
	fmt.Printf("repositories     %s\n", cfg.ReposFile)
	fmt.Printf("users            %s\n", cfg.UsersFile)
	fmt.Printf("state            %s\n", cfg.DBPath)
	fmt.Printf("log              %s\n", cfg.LogFile)
	return nil
}

type SettingsSetCmd struct {
	Key   string `arg:"" enum:"githubToken,refreshInterval" help:"Setting to change (githubToken or refreshInterval)"`
	Value string `arg:"" help:"New value"`
}

func (s *SettingsSetCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	// Start from the user file alone so values from the environment or the
	// project file are not copied into it.
	next, err := config.LoadUserSettings(cfg.SettingsFile)
	if err != nil {
		return err
	}
	if os.Getenv("GITHUB_TOKEN") != "" || os.Getenv("GH_TOKEN") != "" {
		fmt.Fprintln(os.Stderr, "note: GITHUB_TOKEN/GH_TOKEN is set and takes precedence over the saved token")
	}

	switch s.Key {
	case "githubToken":
		next.GitHubToken = config.Secret(strings.TrimSpace(s.Value))
	case "refreshInterval":
		secs, err := strconv.Atoi(s.Value)
		if err != nil {
			return fmt.Errorf("refreshInterval: %w", err)
		}
		next.RefreshInterval = secs
	}

	if err := config.SaveSettings(cfg.SettingsFile, *next); err != nil {
		return err
	}
	fmt.Printf("Updated %s in %s\n", s.Key, cfg.SettingsFile)
	return nil
}

type StatsCmd struct {
	Range string `help:"Time range: 7d, 30d, 3m or 6m" default:"30d" short:"r"`
	Cache bool   `help:"Print memo cache keys after the report" hidden:""`
}

func (s *StatsCmd) Run(cli *CLI) error {
	r, err := metrics.ParseTimeRange(s.Range)
	if err != nil {
		return err
	}

	a, err := cli.open(true)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.requireToken(); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	if err := a.daemon.RefreshStats(ctx); err != nil {
		if domain.IsSSO(err) {
			return ssoHelp(err)
		}
		fmt.Fprintf(os.Stderr, "warning: some repositories failed: %v\n", err)
	}

	fmt.Println(tui.RenderStats(r, a.daemon.Overview(r), a.daemon.UserStats(r), a.daemon.RepoStats(r)))
	if s.Cache {
		info := a.daemon.CacheInfo()
		fmt.Printf("cache: %d entries %v\n", info.Size, info.Keys)
	}
	return nil
}

type AssignCmd struct {
	Repo   string `arg:"" help:"Repository URL or owner/name"`
	Number int    `arg:"" help:"Pull request number"`
	User   string `arg:"" help:"GitHub login"`
}

func (c *AssignCmd) Run(cli *CLI) error {
	return mutateOnce(cli, c.Repo, c.Number, c.User, (*daemon.Daemon).Assign, "assigned")
}

type UnassignCmd struct {
	Repo   string `arg:"" help:"Repository URL or owner/name"`
	Number int    `arg:"" help:"Pull request number"`
	User   string `arg:"" help:"GitHub login"`
}

func (c *UnassignCmd) Run(cli *CLI) error {
	return mutateOnce(cli, c.Repo, c.Number, c.User, (*daemon.Daemon).Unassign, "unassigned")
}

type assigneeMutation func(d *daemon.Daemon, ctx context.Context, key domain.PRKey, login string) error

func mutateOnce(cli *CLI, repoRef string, number int, login string, fn assigneeMutation, verb string) error {
	a, err := cli.open(true)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.requireToken(); err != nil {
		return err
	}

	repo, err := resolveRepo(a.daemon.Repositories(), repoRef)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	a.daemon.Restore(ctx)
	key := domain.PRKey{RepoURL: repo.URL, Number: number}
	err = refreshThenMutate(ctx, a.daemon, key, func(ctx context.Context) error {
		return fn(a.daemon, ctx, key, login)
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s %s on %s#%d\n", verb, login, repo.FullName(), number)
	return nil
}

type prRefresher interface {
	RefreshPR(ctx context.Context, key domain.PRKey) (closed bool, err error)
}

// refreshThenMutate re-reads the PR so a one-shot command acts on current
// data, and refuses to touch PRs that were closed in the meantime.
func refreshThenMutate(ctx context.Context, r prRefresher, key domain.PRKey, mutate func(context.Context) error) error {
	closed, err := r.RefreshPR(ctx, key)
	if err != nil {
		return err
	}
	if closed {
		return fmt.Errorf("%s: %w", key, domain.ErrPRClosed)
	}
	return mutate(ctx)
}

type RefreshCmd struct {
	Repo string `arg:"" optional:"" help:"Repository URL or owner/name; all repositories when omitted"`
}

func (c *RefreshCmd) Run(cli *CLI) error {
	a, err := cli.open(true)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.requireToken(); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()
	a.daemon.Restore(ctx)

	if c.Repo != "" {
		repo, err := resolveRepo(a.daemon.Repositories(), c.Repo)
		if err != nil {
			return err
		}
		err = a.daemon.RefreshRepo(ctx, repo.URL)
		if domain.IsSSO(err) {
			return ssoHelp(err)
		}
		if err != nil {
			return err
		}
	} else if err := a.daemon.Cycle(ctx, true); err != nil {
		if domain.IsSSO(err) {
			return ssoHelp(err)
		}
		fmt.Fprintf(os.Stderr, "warning: some repositories failed: %v\n", err)
	}

	snap := a.daemon.GetSnapshot()
	for _, r := range snap.Repos {
		fmt.Printf("%-40s %3d open PRs\n", r.FullName, len(r.PRs))
	}
	fmt.Printf("%d open PRs in %d repositories\n", snap.PRCount(), len(snap.Repos))
	return nil
}

// resolveRepo accepts a configured URL or an owner/name.
func resolveRepo(repos []domain.Repository, ref string) (domain.Repository, error) {
	ref = strings.TrimSuffix(strings.TrimSpace(ref), "/")
	for _, r := range repos {
		if r.URL == ref || strings.EqualFold(r.FullName(), ref) {
			return r, nil
		}
	}
	return domain.Repository{}, fmt.Errorf("%w: %s", domain.ErrRepoNotFound, ref)
}

func ssoHelp(err error) error {
	var sso *domain.SSOError
	if errors.As(err, &sso) {
		fmt.Fprintln(os.Stderr, "The token is not authorized for this organization's SAML single sign-on:")
		for i, step := range sso.Remediation() {
			fmt.Fprintf(os.Stderr, "  %d. %s\n", i+1, step)
		}
	}
	return err
}
