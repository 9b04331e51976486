// Command mempool is the admin CLI and server entrypoint (§6.4), grounded
// structurally on cmd/facilitator/main.go's setupFacilitator orchestration
// (config -> dependencies -> server), replacing its flat main()+flag
// parsing with spf13/cobra subcommands matching
// original_source/scripts/manage.py's Typer CLI one-for-one.
package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Shchepetov/erc4337-mempool/internal/config"
	"github.com/Shchepetov/erc4337-mempool/internal/entrypoint"
	"github.com/Shchepetov/erc4337-mempool/internal/health"
	"github.com/Shchepetov/erc4337-mempool/internal/logging"
	"github.com/Shchepetov/erc4337-mempool/internal/mempool"
	"github.com/Shchepetov/erc4337-mempool/internal/metrics"
	"github.com/Shchepetov/erc4337-mempool/internal/notify"
	"github.com/Shchepetov/erc4337-mempool/internal/pipeline"
	"github.com/Shchepetov/erc4337-mempool/internal/reputation"
	"github.com/Shchepetov/erc4337-mempool/internal/rpcadapter"
	"github.com/Shchepetov/erc4337-mempool/internal/server"
	"github.com/Shchepetov/erc4337-mempool/internal/store"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "mempool",
		Short: "ERC-4337 admission-control mempool node",
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML/TOML config file")

	root.AddCommand(
		newInitializeDBCmd(),
		newRunServerCmd(),
		newUpdateBytecodeCmd(),
		newUpdateEntryPointCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(fs *pflag.FlagSet) (*config.Config, error) {
	return config.Load(configFile, fs)
}

func newInitializeDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "initialize-db",
		Short: "create the pebble store and write the schema-version marker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.DBDir)
			if err != nil {
				return fmt.Errorf("opening store at %s: %w", cfg.DBDir, err)
			}
			defer st.Close()

			existing, closer, err := st.DB.Get(store.SchemaVersionKey())
			if err == nil {
				closer.Close()
				return fmt.Errorf("store at %s is already initialized (schema version %q)", cfg.DBDir, existing)
			}
			return st.DB.Set(store.SchemaVersionKey(), []byte("1"), nil)
		},
	}
	return cmd
}

func newRunServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runserver",
		Short: "wire config, storage, the chain adapter, and the admission pipeline, then serve",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			logger := logging.Init(cfg.Environment)

			st, err := store.Open(cfg.DBDir)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer st.Close()

			ctx := context.Background()
			chain, err := rpcadapter.Dial(ctx, cfg.RPCEndpointURI, st)
			if err != nil {
				return fmt.Errorf("dialing rpc endpoint: %w", err)
			}

			var publisher mempool.Notifier
			if cfg.RedisURL == "" {
				publisher = notify.NoopPublisher{}
			} else {
				pub, err := notify.Dial(cfg.RedisURL)
				if err != nil {
					return fmt.Errorf("dialing redis: %w", err)
				}
				publisher = pub
			}

			m := metrics.New()
			pool := mempool.New(st, chain, publisher, m)
			rep := reputation.New(st, chain, m)
			entries := entrypoint.New(st)

			settings := pipeline.Settings{
				MaxVerificationGasLimit: big.NewInt(cfg.MaxVerificationGasLimit),
				MinMaxFeePerGas:         big.NewInt(cfg.MinMaxFeePerGas),
				MinMaxPriorityFeePerGas: big.NewInt(cfg.MinMaxPriorityFeePerGas),
				UserOpLifetimeSeconds:   int64(cfg.UserOpLifetime.Seconds()),
			}
			p := pipeline.New(chain, rep, entries, pool, chain, settings)

			checker := health.NewChecker(st, chain, "dev")
			srvSettings := server.Settings{
				LastUserOpsCount:    cfg.LastUserOpsCount,
				ExpiresSoonInterval: int64(cfg.ExpiresSoonInterval.Seconds()),
				UserOpLifetime:      int64(cfg.UserOpLifetime.Seconds()),
				Port:                cfg.HTTPPort,
				RequestTimeout:      cfg.RequestTimeout,
			}
			srv := server.New(p, pool, entries, chain, checker, srvSettings, logger, m)
			srv.Start()
			return nil
		},
	}
	return cmd
}

func newUpdateBytecodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update-bytecode-from-address <address> <bool>",
		Short: "trust or ban the bytecode currently deployed at an address",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.DBDir)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := context.Background()
			chain, err := rpcadapter.Dial(ctx, cfg.RPCEndpointURI, st)
			if err != nil {
				return err
			}
			rep := reputation.New(st, chain, metrics.New())

			addr := common.HexToAddress(args[0])
			isTrusted, err := parseBool(args[1])
			if err != nil {
				return err
			}
			hash, err := rep.SetByAddress(ctx, addr, isTrusted, time.Now().Unix())
			if err != nil {
				return err
			}
			fmt.Printf("bytecode %s at %s set trusted=%v\n", hash.Hex(), addr.Hex(), isTrusted)
			return nil
		},
	}
	return cmd
}

func newUpdateEntryPointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update-entry-point <address> <bool>",
		Short: "register or unregister a supported EntryPoint address",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.DBDir)
			if err != nil {
				return err
			}
			defer st.Close()

			entries := entrypoint.New(st)
			addr := common.HexToAddress(args[0])
			isSupported, err := parseBool(args[1])
			if err != nil {
				return err
			}
			if isSupported {
				return entries.Add(addr)
			}
			return entries.Remove(addr)
		},
	}
	return cmd
}

func parseBool(s string) (bool, error) {
	switch s {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	default:
		return false, fmt.Errorf("%q is not a recognized boolean", s)
	}
}
