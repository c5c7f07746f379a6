// Package cmd implements the codeforge command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"codeforge/pkg/config"
	"codeforge/pkg/logx"
	"codeforge/pkg/version"
)

// EnvSecretsPassword unlocks the secrets file without a prompt.
const EnvSecretsPassword = "CODEFORGE_SECRETS_PASSWORD"

const skipConfig = "skip-config"

//nolint:gochecknoglobals // cobra command state
var (
	configFile string
	logLevel   string
	logFormat  string
	stateDir   string

	appConfig config.Config
)

var rootCmd = &cobra.Command{
	Use:   "codeforge",
	Short: "Multi-agent code generation engine",
	Long: `codeforge turns a natural-language request into a specification, frontend
and backend code, and a validation report, by routing a job through planner,
frontend, backend and validator steps under token budgets, per-caller rate
limits and guardrails.

Configuration is read from --config (YAML), then CODEFORGE_* environment
variables, e.g. CODEFORGE_BUDGET_TOKEN_BUDGET=100000.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Config file (YAML)")
	pf.StringVar(&logLevel, "log-level", "", "Log level override: debug, info, warn, error")
	pf.StringVar(&logFormat, "log-format", "", "Log format override: console or json")
	pf.StringVar(&stateDir, "state-dir", ".", "Directory holding the .codeforge secrets folder")
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func setup(cmd *cobra.Command, _ []string) error {
	if skipsConfig(cmd) {
		return nil
	}
	v, err := config.NewViper(configFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		v.Set("log.level", logLevel)
	}
	if logFormat != "" {
		v.Set("log.format", logFormat)
	}
	if err := logx.Configure(logx.Options{Level: v.GetString("log.level"), Format: v.GetString("log.format")}); err != nil {
		return err
	}
	if err := unlockSecrets(); err != nil {
		return err
	}
	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}
	appConfig = cfg
	return nil
}

func skipsConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations[skipConfig] == "true" {
			return true
		}
	}
	return false
}

// unlockSecrets loads the encrypted secrets file into memory when present.
func unlockSecrets() error {
	if !config.SecretsFileExists(stateDir) {
		return nil
	}
	password, err := readPassword("Secrets password: ")
	if err != nil {
		return err
	}
	secrets, err := config.DecryptSecretsFile(stateDir, password)
	if err != nil {
		return fmt.Errorf("failed to unlock secrets: %w", err)
	}
	config.SetDecryptedSecrets(secrets)
	return nil
}

func readPassword(prompt string) (string, error) {
	if p := os.Getenv(EnvSecretsPassword); p != "" {
		return p, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("secrets file is locked: set " + EnvSecretsPassword + " or run interactively")
	}
	_, _ = fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	_, _ = fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

var versionCmd = &cobra.Command{
	Use:         "version",
	Short:       "Print build information",
	Annotations: map[string]string{skipConfig: "true"},
	Run: func(cmd *cobra.Command, _ []string) {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "codeforge %s\n", version.String())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
