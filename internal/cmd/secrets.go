package cmd

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"codeforge/pkg/config"
)

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage the encrypted secrets file",
	Long: `Manage <state-dir>/.codeforge/secrets.json.enc, an AES-256-GCM file keyed
by a password (scrypt). Provider keys such as OPENAI_API_KEY are read from it
before the environment.

The password is read from CODEFORGE_SECRETS_PASSWORD or prompted for.`,
	Annotations: map[string]string{skipConfig: "true"},
}

var secretsSetCmd = &cobra.Command{
	Use:   "set <NAME>",
	Short: "Store a secret; the value is read from stdin",
	Args:  cobra.ExactArgs(1),
	RunE:  runSecretsSet,
}

var secretsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List secret names",
	Args:  cobra.NoArgs,
	RunE:  runSecretsList,
}

var secretsDeleteCmd = &cobra.Command{
	Use:   "delete <NAME>",
	Short: "Remove a secret",
	Args:  cobra.ExactArgs(1),
	RunE:  runSecretsDelete,
}

func init() {
	rootCmd.AddCommand(secretsCmd)
	secretsCmd.AddCommand(secretsSetCmd, secretsListCmd, secretsDeleteCmd)
}

// loadSecrets returns the password and unlocks the existing file, if any.
func loadSecrets() (string, error) {
	password, err := readPassword("Secrets password: ")
	if err != nil {
		return "", err
	}
	if password == "" {
		return "", fmt.Errorf("password must not be empty")
	}
	if !config.SecretsFileExists(stateDir) {
		config.SetDecryptedSecrets(map[string]string{})
		return password, nil
	}
	secrets, err := config.DecryptSecretsFile(stateDir, password)
	if err != nil {
		return "", fmt.Errorf("failed to unlock secrets: %w", err)
	}
	config.SetDecryptedSecrets(secrets)
	return password, nil
}

func runSecretsSet(cmd *cobra.Command, args []string) error {
	password, err := loadSecrets()
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Value for %s: ", args[0])
	value, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && value == "" {
		return fmt.Errorf("read value: %w", err)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("empty value for %s", args[0])
	}
	if err := config.SetSecret(args[0], value); err != nil {
		return err
	}
	if err := config.SaveSecretsToFile(stateDir, password); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "saved %s to %s\n", args[0], config.SecretsFilePath(stateDir))
	return nil
}

func runSecretsList(cmd *cobra.Command, _ []string) error {
	if !config.SecretsFileExists(stateDir) {
		_, _ = fmt.Fprintln(os.Stderr, "No secrets file")
		return nil
	}
	if _, err := loadSecrets(); err != nil {
		return err
	}
	names := config.GetDecryptedSecretNames()
	sort.Strings(names)
	for _, n := range names {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), n)
	}
	return nil
}

func runSecretsDelete(cmd *cobra.Command, args []string) error {
	if !config.SecretsFileExists(stateDir) {
		return fmt.Errorf("no secrets file at %s", config.SecretsFilePath(stateDir))
	}
	password, err := loadSecrets()
	if err != nil {
		return err
	}
	if err := config.DeleteSecret(args[0]); err != nil {
		return err
	}
	if err := config.SaveSecretsToFile(stateDir, password); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "deleted %s\n", args[0])
	return nil
}
