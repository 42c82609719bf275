package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/catalogfi/resolver/pkg/keys"
	"github.com/catalogfi/resolver/pkg/maker"
	"github.com/catalogfi/resolver/pkg/network"
	"github.com/catalogfi/resolver/rpcclient"
	"go.uber.org/zap"
)

// Config is the CLI configuration stored in the home directory.
type Config struct {
	Network     network.Config `json:"network"`
	RPCServer   string         `json:"rpcServer"`
	RPCUsername string         `json:"rpcUsername,omitempty"`
	RPCPassword string         `json:"rpcPassword,omitempty"`
	Account     uint32         `json:"account"`
	Sentry      string         `json:"sentry,omitempty"`
}

func DefaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".resolver"
	}
	return filepath.Join(home, ".resolver")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultHomeDir(), "config.json")
}

// LoadConfig returns an empty config when the file does not exist yet.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("invalid config %v: %w", path, err)
	}
	return config, nil
}

func (config Config) Save(path string) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Env is the state shared by the commands.
type Env struct {
	Config     Config
	ConfigPath string
	Keys       keys.Keys
	Book       maker.Book
	Client     rpcclient.Client
	Logger     *zap.Logger
}

// Maker returns a maker signing with the keys of the configured account.
func (env *Env) Maker() (*maker.Maker, error) {
	evmKey, err := env.Keys.EVM(env.Config.Account)
	if err != nil {
		return nil, err
	}
	suiKey, err := env.Keys.Sui(env.Config.Account)
	if err != nil {
		return nil, err
	}
	return maker.New(maker.NewEVMSigner(evmKey), maker.NewSuiSigner(suiKey))
}

// Ledgers connects to both chains with the keys of the configured account.
func (env *Env) Ledgers(ctx context.Context) (*network.Ledgers, error) {
	evmKey, err := env.Keys.EVM(env.Config.Account)
	if err != nil {
		return nil, err
	}
	suiKey, err := env.Keys.Sui(env.Config.Account)
	if err != nil {
		return nil, err
	}
	return network.Dial(ctx, env.Config.Network, evmKey, suiKey)
}
