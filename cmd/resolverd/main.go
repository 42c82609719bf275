package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/catalogfi/resolver/pkg/chain/suikey"
	"github.com/catalogfi/resolver/pkg/network"
	"github.com/catalogfi/resolver/pkg/resolver"
	"github.com/catalogfi/resolver/pkg/resolver/filler"
	"github.com/catalogfi/resolver/pkg/resolver/tracker"
	"github.com/catalogfi/resolver/pkg/rpc"
	"github.com/catalogfi/resolver/pkg/store"
	"github.com/catalogfi/resolver/pkg/util"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	log, err := util.NewLogger(os.Getenv("SENTRY_DSN"))
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	config, err := ParseNetwork()
	if err != nil {
		panic(err)
	}
	key, err := util.ParseKey(parseRequiredEnv("PRIVATE_KEY"))
	if err != nil {
		panic(err)
	}
	strategies, err := loadStrategies(parseRequiredEnv("STRATEGY"))
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	ledgers, err := network.Dial(ctx, config, key, suikey.FromECDSA(key))
	cancel()
	if err != nil {
		panic(err)
	}
	defer ledgers.Close()
	log.Info("resolver addresses",
		zap.Stringer(string(config.Ethereum.Chain), ledgers.EVM.Address()),
		zap.Stringer(string(config.Sui.Chain), ledgers.Sui.Address()))

	storage, err := store.NewStore(sqlite.Open(envOr("DB_PATH", "resolver.db")), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		panic(err)
	}

	var fills tracker.Tracker = tracker.NewMemory()
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		if fills, err = tracker.NewRedisFromURL(redisURL, "resolver"); err != nil {
			panic(err)
		}
	}

	resolverConfig := resolver.DefaultConfig()
	resolverConfig.Ledgers = ledgers.All()
	resolverConfig.Tracker = fills
	resolverConfig.Store = storage
	resolverConfig.Strategies = strategies
	resolverConfig.Executor.Registerer = prometheus.DefaultRegisterer
	r, err := resolver.New(log, resolverConfig)
	if err != nil {
		panic(err)
	}
	if err := r.Start(); err != nil {
		panic(err)
	}
	defer r.Stop()

	serverCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	server := rpc.NewServer(storage, rpc.Options{
		Username:          os.Getenv("RPC_USERNAME"),
		Password:          os.Getenv("RPC_PASSWORD"),
		AllowOrigins:      splitList(os.Getenv("RPC_ALLOW_ORIGINS")),
		RequestsPerMinute: parseFloatEnv("RPC_RATE_LIMIT", 600),
		Burst:             int(parseFloatEnv("RPC_RATE_BURST", 20)),
		Gatherer:          prometheus.DefaultGatherer,
	}, log)
	if err := server.Run(serverCtx, envOr("RPC_ADDR", ":8080")); err != nil {
		log.Error("rpc server", zap.Error(err))
	}
}

// ParseNetwork reads the chains and the contracts of both sides from the environment.
func ParseNetwork() (network.Config, error) {
	config, err := network.New(os.Getenv("NETWORK"))
	if err != nil {
		return network.Config{}, err
	}
	config.Ethereum.URL = parseRequiredEnv("ETHEREUM_URL")
	config.Ethereum.Resolver = parseRequiredEnv("RESOLVER_CONTRACT")
	config.Ethereum.Factory = parseRequiredEnv("FACTORY_CONTRACT")
	config.Sui.URL = parseRequiredEnv("SUI_URL")
	config.Sui.PackageID = parseRequiredEnv("SUI_PACKAGE")
	config.Sui.FactoryID = parseRequiredEnv("SUI_FACTORY")
	if coinTypes := os.Getenv("SUI_COIN_TYPES"); coinTypes != "" {
		// token=coinType pairs separated by commas
		for _, pair := range splitList(coinTypes) {
			token, coinType, ok := strings.Cut(pair, "=")
			if !ok {
				return network.Config{}, fmt.Errorf("invalid coin type %q", pair)
			}
			config.Sui.CoinTypes[token] = coinType
		}
	}
	return config, config.Validate()
}

func loadStrategies(path string) (filler.Strategies, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var strategies filler.Strategies
	if err := json.Unmarshal(data, &strategies); err != nil {
		return nil, fmt.Errorf("invalid strategy file %v: %w", path, err)
	}
	for i, strategy := range strategies {
		if strategies[i], err = filler.NewStrategy(strategy.OrderPair, strategy.Makers, strategy.MinAmount, strategy.MaxAmount, strategy.Fee); err != nil {
			return nil, err
		}
	}
	return strategies, nil
}

func parseRequiredEnv(name string) string {
	val := os.Getenv(name)
	if val == "" {
		panic(fmt.Sprintf("env '%v' not set", name))
	}
	return val
}

func envOr(name, fallback string) string {
	if val := os.Getenv(name); val != "" {
		return val
	}
	return fallback
}

func parseFloatEnv(name string, fallback float64) float64 {
	val := os.Getenv(name)
	if val == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		panic(fmt.Sprintf("env '%v' is not a number: %v", name, err))
	}
	return f
}

func splitList(s string) []string {
	var items []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
