package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/catalogfi/resolver/cli/commands"
	"github.com/catalogfi/resolver/pkg/keys"
	"github.com/catalogfi/resolver/pkg/maker"
	"github.com/catalogfi/resolver/pkg/util"
	"github.com/catalogfi/resolver/rpcclient"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gorm.io/driver/sqlite"
)

func Run(version string) error {
	var cmd = &cobra.Command{
		Use:   "resolver-cli",
		Short: "Create cross-chain swap orders and reveal their secrets",
		Run: func(c *cobra.Command, args []string) {
			c.HelpFunc()(c, args)
		},
		Version:           version,
		DisableAutoGenTag: true,
	}

	home := commands.DefaultHomeDir()
	if err := os.MkdirAll(home, 0700); err != nil {
		return err
	}
	configPath := commands.DefaultConfigPath()
	config, err := commands.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := util.NewLogger(config.Sentry)
	if err != nil {
		return err
	}
	defer logger.Sync()

	mnemonic, generated, err := keys.ReadMnemonic(filepath.Join(home, "MNEMONIC"))
	if err != nil {
		return fmt.Errorf("failed to read mnemonic: %w", err)
	}
	if generated {
		color.Yellow("generated a new mnemonic in %v, back it up", filepath.Join(home, "MNEMONIC"))
	}
	k, err := keys.FromMnemonic(mnemonic)
	if err != nil {
		return err
	}

	book, err := maker.NewBook(sqlite.Open(filepath.Join(home, "maker.db")))
	if err != nil {
		return err
	}

	env := &commands.Env{
		Config:     config,
		ConfigPath: configPath,
		Keys:       k,
		Book:       book,
		Client:     rpcclient.NewClient(config.RPCUsername, config.RPCPassword, config.RPCServer),
		Logger:     logger,
	}
	cmd.AddCommand(commands.Create(env))
	cmd.AddCommand(commands.Reveal(env))
	cmd.AddCommand(commands.List(env))
	cmd.AddCommand(commands.Status(env))
	cmd.AddCommand(commands.Accounts(env))
	cmd.AddCommand(commands.Network(env))
	if err := cmd.Execute(); err != nil {
		return err
	}
	return nil
}
