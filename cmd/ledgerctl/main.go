package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/freshledger/internal/ledger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile string
	verbose bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Inspect and maintain freshledger block chains",
	Long: `ledgerctl operates directly on a ledger block store.

It verifies chain integrity, lists blocks, looks up the first record for a
blockchain ID and seals checkpoint blocks. It reads the same configuration
keys as ledgerd.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			viper.SetConfigName("ledgerd")
			viper.SetConfigType("yaml")
			viper.AddConfigPath("configs")
			viper.AddConfigPath(".")
		}
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()
	},
}

func init() {
	viper.SetDefault("store.driver", "postgres")
	viper.SetDefault("store.badger_dir", "data/ledger")
	viper.SetDefault("namespace", "food")

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ./ledgerd.yaml or ./configs/ledgerd.yaml)")
	pf.String("database-url", "", "PostgreSQL connection URL")
	pf.String("store", "", "block store driver: postgres or badger")
	pf.String("badger-dir", "", "badger data directory")
	pf.String("namespace", "", "ledger namespace (food or products)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "log ledger activity to stderr")

	_ = viper.BindPFlag("database.url", pf.Lookup("database-url"))
	_ = viper.BindPFlag("store.driver", pf.Lookup("store"))
	_ = viper.BindPFlag("store.badger_dir", pf.Lookup("badger-dir"))
	_ = viper.BindPFlag("namespace", pf.Lookup("namespace"))

	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(blocksCmd)
	rootCmd.AddCommand(txCmd)
	rootCmd.AddCommand(sealCmd)
	rootCmd.AddCommand(versionCmd)
}

// openLedger opens the configured store and loads the namespace's chain.
// The returned function releases the store.
func openLedger(ctx context.Context) (*ledger.Ledger, func(), error) {
	logger := zap.NewNop()
	if verbose {
		logger, _ = zap.NewDevelopment()
	}
	namespace := viper.GetString("namespace")

	var (
		store   ledger.Store
		closeFn func()
	)
	switch driver := viper.GetString("store.driver"); driver {
	case "postgres":
		dbURL := viper.GetString("database.url")
		if dbURL == "" {
			return nil, nil, errors.New("postgres store requires --database-url or DATABASE_URL")
		}
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		store = ledger.NewPostgresStore(pool, namespace, logger)
		closeFn = pool.Close
	case "badger":
		bs, err := ledger.OpenBadgerStore(viper.GetString("store.badger_dir"), namespace)
		if err != nil {
			return nil, nil, err
		}
		store = bs
		closeFn = func() { _ = bs.Close() }
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	l, err := ledger.New(ctx, store, namespace, logger)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return l, closeFn, nil
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check every hash link and digest in the chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		l, closeFn, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		if err := l.Verify(ctx); err != nil {
			return err
		}
		fmt.Printf("ledger %q valid: %d blocks, root %s\n", l.Namespace(), l.Len(), l.Root())
		return nil
	},
}

// ── blocks ───────────────────────────────────────────────────────────────────

var blocksFormat string

var blocksCmd = &cobra.Command{
	Use:   "blocks",
	Short: "List the blocks of the chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		l, closeFn, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		return printBlocks(l.Blockchain(), blocksFormat)
	},
}

func init() {
	blocksCmd.Flags().StringVar(&blocksFormat, "format", "text", "Output format: text or json")
}

func printBlocks(blocks []*ledger.Block, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(blocks)
	case "text":
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "INDEX\tTIMESTAMP\tTXS\tHASH\tPREVIOUS")
		for _, b := range blocks {
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n",
				b.Index, b.Timestamp.Format(time.RFC3339), len(b.Data), short(b.Hash), short(b.PreviousHash))
		}
		return w.Flush()
	default:
		return fmt.Errorf("unknown format %q (want text or json)", format)
	}
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

// ── tx ───────────────────────────────────────────────────────────────────────

var txCmd = &cobra.Command{
	Use:   "tx <blockchainId>",
	Short: "Print the first ledger record for a blockchain ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		l, closeFn, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		tx, err := l.TransactionByBlockchainID(ctx, args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(tx)
	},
}

// ── seal ─────────────────────────────────────────────────────────────────────

var sealCmd = &cobra.Command{
	Use:   "seal",
	Short: "Seal an empty checkpoint block onto the chain",
	Long: `seal appends a block with no transactions. Pending transactions live only
in the memory of the process that queued them, so a block sealed from the
CLI is always empty; it marks a point in time in the chain.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		l, closeFn, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		b, err := l.AddBlock(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("sealed block %d %s\n", b.Index, b.Hash)
		return nil
	},
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ledgerctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ledgerctl %s\n", version)
	},
}
