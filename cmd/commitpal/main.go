package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"commitpal/internal/app"
	"commitpal/internal/config"
	"commitpal/internal/fs"
	"commitpal/internal/lock"
	"commitpal/internal/secrets"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig returns the config path and its contents, or defaults when the
// file does not exist yet.
func loadConfig() (string, *config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return "", nil, fmt.Errorf("getting defaults: %w", err)
	}
	path := defaults["config_path"]
	cfg, err := config.LoadOrDefault(path, defaults["base_dir"])
	if err != nil {
		return "", nil, fmt.Errorf("reading config: %w", err)
	}
	return path, cfg, nil
}

// updateConfig loads the config, applies fn and saves the result.
func updateConfig(fn func(cfg *config.Config) error) error {
	path, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := fn(cfg); err != nil {
		return err
	}
	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	return nil
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the CLI command being run (e.g. "Run", "Backup").
func newApp(operation string) (*app.App, error) {
	path, cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.NewApp(cfg, path, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

func openSecrets() (secrets.Store, error) {
	_, cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return secrets.NewStoreFromConfig(cfg.Secrets)
}

// parseInterval accepts a Go duration ("90s", "1h30m") or a bare number of minutes.
func parseInterval(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Minute, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: use minutes or a duration like 90s", s)
	}
	return d, nil
}

// cleanInput trims whitespace and surrounding quotes from pasted values.
func cleanInput(s string) string {
	return strings.Trim(strings.TrimSpace(s), `'"`)
}

// prompter reads answers from in. Secret answers are not echoed when in is a terminal.
type prompter struct {
	file *os.File
	r    *bufio.Reader
	out  io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	p := &prompter{r: bufio.NewReader(in), out: out}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.file = f
	}
	return p
}

func (p *prompter) ask(message string, secret bool) (string, error) {
	fmt.Fprint(p.out, message+" ")
	if secret && p.file != nil {
		b, err := term.ReadPassword(int(p.file.Fd()))
		fmt.Fprintln(p.out)
		if err != nil {
			return "", fmt.Errorf("reading input: %w", err)
		}
		return cleanInput(string(b)), nil
	}
	line, err := p.r.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return cleanInput(line), nil
}

var rootCmd = &cobra.Command{
	Use:           "commitpal",
	Short:         "Back up uncommitted work to remote branches",
	SilenceUsage:  true,
	SilenceErrors: false,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the configuration and store credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Configuration initialized at %s\n", defaults["config_path"])

		store, err := secrets.NewStoreFromConfig(cfg.Secrets)
		if err != nil {
			return err
		}
		p := newPrompter(cmd.InOrStdin(), out)

		token, err := p.ask("Personal access token for HTTPS remotes (empty to skip):", true)
		if err != nil {
			return err
		}
		if token != "" {
			if err := store.Set(secrets.KeyToken, token); err != nil {
				return fmt.Errorf("storing personal access token: %w", err)
			}
			fmt.Fprintln(out, "Personal access token stored.")
		}

		keyPath, err := p.ask("SSH private key path for SSH remotes (empty to skip):", false)
		if err != nil {
			return err
		}
		if keyPath != "" {
			if err := store.Set(secrets.KeySSHKeyPath, keyPath); err != nil {
				return fmt.Errorf("storing ssh key path: %w", err)
			}
			fmt.Fprintln(out, "SSH key path stored.")
		}

		fmt.Fprintln(out, "Done. Use `commitpal add PATH` to watch a repository.")
		return nil
	},
}

var addCmd = &cobra.Command{
	Use:   "add PATH",
	Short: "Watch a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := fs.ResolveRepository(args[0])
		if err != nil {
			return err
		}
		var added bool
		if err := updateConfig(func(cfg *config.Config) error {
			added = cfg.AddWatchingFolder(path)
			return nil
		}); err != nil {
			return err
		}
		if !added {
			fmt.Fprintf(cmd.OutOrStdout(), "%s is already being watched\n", path)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Watching %s\n", path)
		return nil
	},
}

var addWorkspaceCmd = &cobra.Command{
	Use:   "add-workspace PATH",
	Short: "Watch every repository directly inside a folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repos, err := fs.DiscoverRepositories(args[0])
		if err != nil {
			return err
		}
		if len(repos) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No git repository found in %s\n", args[0])
			return nil
		}
		return updateConfig(func(cfg *config.Config) error {
			for _, repo := range repos {
				if cfg.AddWatchingFolder(repo) {
					fmt.Fprintf(cmd.OutOrStdout(), "Watching %s\n", repo)
				}
			}
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List watched repositories",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(cfg.WatchingFolders) == 0 {
			fmt.Fprintln(out, "No folder is being watched.")
			return nil
		}
		fmt.Fprintf(out, "Watching %d folder(s):\n", len(cfg.WatchingFolders))
		for _, f := range cfg.WatchingFolders {
			fmt.Fprintln(out, f)
		}
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove PATH",
	Short: "Stop watching a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// The folder may no longer exist, so only make it absolute.
		path := args[0]
		if resolved, err := fs.Resolve(path); err == nil {
			path = resolved
		}
		var removed bool
		if err := updateConfig(func(cfg *config.Config) error {
			removed = cfg.RemoveWatchingFolder(path)
			return nil
		}); err != nil {
			return err
		}
		if !removed {
			fmt.Fprintf(cmd.OutOrStdout(), "%s is not being watched\n", path)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stopped watching %s\n", path)
		return nil
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Drop watched folders that are gone or no longer repositories",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		return updateConfig(func(cfg *config.Config) error {
			if all {
				cfg.ClearWatchingFolders()
				fmt.Fprintln(cmd.OutOrStdout(), "Removed all watched folders.")
				return nil
			}
			removed := cfg.Clean()
			for _, f := range removed {
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", f)
			}
			if len(removed) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to clean.")
			}
			return nil
		})
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch and back up repositories until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("getting defaults: %w", err)
		}
		l, err := lock.Acquire(defaults["lock_path"])
		if err != nil {
			return err
		}
		defer l.Release()

		a, err := newApp("Run")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return a.Run(ctx)
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup PATH",
	Short: "Back up one repository now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Backup")
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.BackupNow(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}
		switch {
		case result.NoChanges && result.CapturedBy != "":
			fmt.Fprintf(cmd.OutOrStdout(), "Nothing new since %s\n", result.CapturedBy)
		case result.NoChanges:
			fmt.Fprintln(cmd.OutOrStdout(), "Nothing to back up.")
		default:
			fmt.Fprintf(cmd.OutOrStdout(), "Pushed %s\n", result.Branch)
		}
		return nil
	},
}

// secret commands
func setSecretCmd(use, short, key, label string, secret bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value string
			if len(args) == 1 {
				value = cleanInput(args[0])
			} else {
				v, err := newPrompter(cmd.InOrStdin(), cmd.OutOrStdout()).ask(label+":", secret)
				if err != nil {
					return err
				}
				value = v
			}
			if value == "" {
				return fmt.Errorf("%s must not be empty", label)
			}
			store, err := openSecrets()
			if err != nil {
				return err
			}
			if err := store.Set(key, value); err != nil {
				return fmt.Errorf("storing %s: %w", label, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s stored.\n", label)
			return nil
		},
	}
}

func deleteSecretCmd(use, short, key, label string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSecrets()
			if err != nil {
				return err
			}
			if err := store.Delete(key); err != nil {
				if errors.Is(err, secrets.ErrNotFound) {
					fmt.Fprintf(cmd.OutOrStdout(), "No %s stored.\n", label)
					return nil
				}
				return fmt.Errorf("deleting %s: %w", label, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s deleted.\n", label)
			return nil
		},
	}
}

var setBackupFreqCmd = &cobra.Command{
	Use:   "set-backup-freq INTERVAL",
	Short: "Set how often repositories are checked (minutes or a duration)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := parseInterval(args[0])
		if err != nil {
			return err
		}
		if err := updateConfig(func(cfg *config.Config) error { return cfg.SetBackupFrequency(d) }); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Backup frequency set to %s\n", d.Truncate(time.Second))
		return nil
	},
}

var setChangeBufferCmd = &cobra.Command{
	Use:   "set-change-buffer INTERVAL",
	Short: "Set how long a repository must be quiet before a backup (minutes or a duration)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := parseInterval(args[0])
		if err != nil {
			return err
		}
		if err := updateConfig(func(cfg *config.Config) error { return cfg.SetChangeDetectionBuffer(d) }); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Change detection buffer set to %s\n", d.Truncate(time.Second))
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View backup attempt history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp("History")
		if err != nil {
			return err
		}
		defer a.Close()

		attempts, err := a.History(limit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(attempts) == 0 {
			fmt.Fprintln(out, "No backup attempts recorded.")
			return nil
		}
		for _, at := range attempts {
			d := at.FinishedAt.Sub(at.StartedAt).Truncate(time.Millisecond)
			fmt.Fprintf(out, "#%d  %s  %-10s  %-8s  %s  %s",
				at.ID,
				at.StartedAt.Local().Format("2006-01-02 15:04:05"),
				at.Status,
				d,
				at.RepoPath,
				at.BackupBranch,
			)
			if at.Error != "" {
				fmt.Fprintf(out, "  error: %s", at.Error)
			}
			fmt.Fprintln(out)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show watched repositories and their last backup",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Status")
		if err != nil {
			return err
		}
		defer a.Close()

		statuses, err := a.Status()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(statuses) == 0 {
			fmt.Fprintln(out, "No folder is being watched.")
			return nil
		}
		for _, s := range statuses {
			last := "never"
			if s.LastSuccess != nil {
				last = s.LastSuccess.FinishedAt.Local().Format("2006-01-02 15:04:05") + "  " + s.LastSuccess.BackupBranch
			}
			marker := " "
			if !s.IsRepository {
				marker = "!"
			}
			fmt.Fprintf(out, "%s %s  %s\n", marker, s.Path, last)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(addWorkspaceCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(cleanCmd)
	cleanCmd.Flags().Bool("all", false, "Remove every watched folder")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(backupCmd)

	rootCmd.AddCommand(setSecretCmd("set-ssh [KEY_PATH]", "Store the SSH private key path", secrets.KeySSHKeyPath, "SSH key path", false))
	rootCmd.AddCommand(setSecretCmd("set-pat [TOKEN]", "Store the personal access token", secrets.KeyToken, "Personal access token", true))
	rootCmd.AddCommand(deleteSecretCmd("delete-ssh", "Delete the stored SSH private key path", secrets.KeySSHKeyPath, "SSH key path"))
	rootCmd.AddCommand(deleteSecretCmd("delete-pat", "Delete the stored personal access token", secrets.KeyToken, "Personal access token"))

	rootCmd.AddCommand(setBackupFreqCmd)
	rootCmd.AddCommand(setChangeBufferCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of attempts to show")
	rootCmd.AddCommand(statusCmd)
}
