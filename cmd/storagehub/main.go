package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/storagehub-net/storagehub/pkg/chain"
	"github.com/storagehub-net/storagehub/pkg/chunker"
	"github.com/storagehub-net/storagehub/pkg/config"
	"github.com/storagehub-net/storagehub/pkg/coordinator"
	"github.com/storagehub-net/storagehub/pkg/filestore"
	"github.com/storagehub-net/storagehub/pkg/forest"
	"github.com/storagehub-net/storagehub/pkg/log"
	"github.com/storagehub-net/storagehub/pkg/metrics"
	"github.com/storagehub-net/storagehub/pkg/runtime"
	"github.com/storagehub-net/storagehub/pkg/txmgr"
	"github.com/storagehub-net/storagehub/pkg/types"
)

var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "storagehub",
	Short:   "StorageHub decentralized storage provider node",
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.AddCommand(devnetCmd)
	rootCmd.AddCommand(providerCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(fingerprintCmd)

	devnetCmd.AddCommand(devnetStartCmd)
	providerCmd.AddCommand(providerStartCmd)
	keysCmd.AddCommand(keysNewCmd)

	cobra.OnInitialize(func() {
		logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
		logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
		log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
	})
}

var devnetCmd = &cobra.Command{
	Use:   "devnet",
	Short: "Manage the embedded development chain",
}

var devnetStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a single-node development chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		interval, _ := cmd.Flags().GetDuration("block-interval")
		accounts, _ := cmd.Flags().GetStringSlice("fund")

		genesis := make([]runtime.GenesisAccount, 0, len(accounts))
		for _, hexAcct := range accounts {
			h, err := types.HashFromHex(hexAcct)
			if err != nil {
				return fmt.Errorf("funded account %q: %w", hexAcct, err)
			}
			genesis = append(genesis, runtime.GenesisAccount{ID: types.AccountID(h), Free: 1_000_000_000})
		}

		devnet, err := chain.NewDevnet(&chain.Config{
			NodeID:        "devnet",
			BindAddr:      bindAddr,
			DataDir:       dataDir,
			BlockInterval: interval,
			Genesis:       genesis,
		})
		if err != nil {
			return err
		}
		if err := devnet.WaitReady(30 * time.Second); err != nil {
			return err
		}
		devnet.Start()
		log.Info("Devnet started")

		waitForSignal()
		return devnet.Stop()
	},
}

var providerCmd = &cobra.Command{
	Use:   "provider",
	Short: "Manage a storage provider node",
}

var providerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a provider with an embedded development chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		chainDir, _ := cmd.Flags().GetString("chain-dir")
		chainAddr, _ := cmd.Flags().GetString("chain-addr")
		interval, _ := cmd.Flags().GetDuration("block-interval")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		account, err := cfg.AccountID()
		if err != nil {
			return err
		}
		if chainDir == "" {
			chainDir = filepath.Join(cfg.DataDir, "chain")
		}

		devnet, err := chain.NewDevnet(&chain.Config{
			NodeID:        "provider-devnet",
			BindAddr:      chainAddr,
			DataDir:       chainDir,
			BlockInterval: interval,
			Genesis:       []runtime.GenesisAccount{{ID: account, Free: 1_000_000_000}},
		})
		if err != nil {
			return err
		}
		if err := devnet.WaitReady(30 * time.Second); err != nil {
			return err
		}
		devnet.Start()

		files, err := filestore.New(cfg.DataDir)
		if err != nil {
			return err
		}
		nodes, err := forest.NewBoltNodeStore(cfg.DataDir)
		if err != nil {
			return err
		}
		txs, err := txmgr.New(devnet, &txmgr.Config{
			Account:      account,
			DataDir:      cfg.DataDir,
			RetryTimeout: cfg.ExtrinsicRetryTimeout,
		})
		if err != nil {
			return err
		}

		kind := types.ProviderKind(cfg.Role)
		providerID := runtime.ProviderIDFor(account, kind)
		coord, err := coordinator.New(&coordinator.Config{
			Role:            kind,
			ProviderID:      providerID,
			Account:         account,
			DataDir:         cfg.DataDir,
			PeerID:          cfg.PeerID,
			ListenAddr:      cfg.ListenAddr,
			Peers:           cfg.Peers,
			ChargingPeriod:  types.Tick(cfg.ChargingPeriod),
			TransferTimeout: cfg.TransferTimeout,
		}, devnet, txs, files, nodes, nil)
		if err != nil {
			return err
		}

		// Sign up on first start.
		ctx := context.Background()
		existing, err := devnet.ProviderAt(ctx, providerID)
		if err != nil {
			return err
		}
		if existing == nil {
			if err := signUp(txs, kind, cfg); err != nil {
				return err
			}
			log.Info("Provider sign-up submitted")
		}

		if cfg.MetricsPort > 0 {
			go func() {
				if err := metrics.StartMetricsServer(cfg.MetricsPort); err != nil {
					log.Errorf("Metrics server stopped", err)
				}
			}()
		}
		if err := coord.Start(ctx); err != nil {
			return err
		}
		log.Info("Provider started")

		waitForSignal()
		coord.Stop()
		txs.Close()
		nodes.Close()
		files.Close()
		return devnet.Stop()
	},
}

func signUp(txs *txmgr.Manager, kind types.ProviderKind, cfg *config.Provider) error {
	var call types.Call
	var err error
	if kind == types.ProviderMSP {
		call, err = types.NewCall(types.OpMspSignUp, &runtime.MspSignUpCall{
			Capacity: types.StorageDataUnit(cfg.Capacity),
			Deposit:  types.Balance(cfg.Deposit),
			ValueProps: []types.ValueProposition{{
				ID:                   types.ValuePropID(types.Hashed([]byte("standard"))),
				PricePerGigaUnitTick: 1 << 20,
				BucketDataLimit:      cfg.Capacity,
			}},
			PeerID: cfg.PeerID,
		})
	} else {
		call, err = types.NewCall(types.OpBspSignUp, &runtime.BspSignUpCall{
			Capacity: types.StorageDataUnit(cfg.Capacity),
			Deposit:  types.Balance(cfg.Deposit),
			PeerID:   cfg.PeerID,
		})
	}
	if err != nil {
		return err
	}
	_, err = txs.Submit(call, 0)
	return err
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Account utilities",
}

var keysNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Generate a new account identifier",
	RunE: func(cmd *cobra.Command, args []string) error {
		var raw [types.HashLen]byte
		if _, err := rand.Read(raw[:]); err != nil {
			return err
		}
		fmt.Println(types.Hash(raw).HexString())
		return nil
	},
}

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint <file>",
	Short: "Compute a file's fingerprint and size",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return err
		}
		fp, err := chunker.FingerprintOf(f, uint64(info.Size()))
		if err != nil {
			return err
		}
		fmt.Printf("size: %d\nchunks: %d\nfingerprint: %s\n",
			info.Size(), chunker.Count(uint64(info.Size())), types.Hash(fp).HexString())
		return nil
	},
}

func init() {
	devnetStartCmd.Flags().String("data-dir", "./devnet-data", "Chain data directory")
	devnetStartCmd.Flags().String("bind-addr", "127.0.0.1:9030", "Raft bind address")
	devnetStartCmd.Flags().Duration("block-interval", time.Second, "Block production interval")
	devnetStartCmd.Flags().StringSlice("fund", nil, "Accounts to fund at genesis (hex, repeatable)")

	providerStartCmd.Flags().String("config", "provider.yaml", "Provider configuration file")
	providerStartCmd.Flags().String("chain-dir", "", "Embedded chain data directory (defaults under data_dir)")
	providerStartCmd.Flags().String("chain-addr", "127.0.0.1:9031", "Embedded chain raft bind address")
	providerStartCmd.Flags().Duration("block-interval", time.Second, "Block production interval")
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("Shutting down")
}
