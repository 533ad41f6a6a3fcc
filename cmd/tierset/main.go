// Command tierset inspects and maintains manifest journals of tierset
// systems: occupancy status, budget verification and offline compaction.
package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/skipor/tierset/manifest"
	"github.com/skipor/tierset/tier"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	flags := &inputConfig{}
	root := &cobra.Command{
		Use:           "tierset",
		Short:         "Tiered working-set cache manifest tooling",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "path to yaml config")
	pf.StringVar(&flags.Journal, "journal", "", "manifest journal path")
	pf.StringVar(&flags.LogDestination, "log-destination", "", "log destination: stderr, stdout or file path")
	pf.StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&flags.BudgetHot, "budget-hot", "", "hot tier budget, e.g. 64u")
	pf.StringVar(&flags.BudgetWarm, "budget-warm", "", "warm tier budget, e.g. 256u")
	pf.StringVar(&flags.BudgetCold, "budget-cold", "", "cold tier budget, e.g. 4096u")

	load := func() (*runConfig, *manifest.State, error) {
		conf, err := loadConfig(configPath, flags)
		if err != nil {
			return nil, nil, err
		}
		st, err := manifest.Load(conf.Journal)
		if err != nil {
			return nil, nil, errors.Wrap(err, "journal load")
		}
		return conf, st, nil
	}

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print per-tier occupancy recomputed from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := load()
			if err != nil {
				return err
			}
			printStatus(cmd, st)
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Check journal occupancy against the configured budgets",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, st, err := load()
			if err != nil {
				return err
			}
			if err := manifest.Verify(st, conf.Limits); err != nil {
				return err
			}
			cmd.Printf("ok: %d items within budgets at phase %d\n", len(st.Items), st.Phase)
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "compact",
		Short: "Rewrite the journal as a snapshot of its replayed state",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, st, err := load()
			if err != nil {
				return err
			}
			if err := compactFile(conf.Journal, st); err != nil {
				return err
			}
			cmd.Printf("compacted: %d items at phase %d\n", len(st.Items), st.Phase)
			return nil
		},
	})
	return root
}

func printStatus(cmd *cobra.Command, st *manifest.State) {
	var occupied [tier.NumTiers]tier.Units
	var count [tier.NumTiers]int
	for _, it := range st.Items {
		t := tier.Tier(it.Tier)
		occupied[t] += it.Weight().In(t)
		count[t]++
	}
	budgets := tier.Limits{
		Hot:  st.Config.BudgetHot,
		Warm: st.Config.BudgetWarm,
		Cold: st.Config.BudgetCold,
	}
	cmd.Printf("phase %d\n", st.Phase)
	for _, t := range []tier.Tier{tier.Hot, tier.Warm, tier.Cold} {
		cmd.Printf("%-5s %8s / %-8s %d items\n",
			t, occupied[t], budgets.In(t), count[t])
	}
}

// compactFile is the offline flavor of journal compaction: snapshot into a
// temp file, then atomic rename. The journal must not be open elsewhere.
func compactFile(path string, st *manifest.State) error {
	tmp, err := os.CreateTemp("", "tierset_compact_")
	if err != nil {
		return errors.Wrap(err, "compact")
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(manifest.Perm); err != nil {
		return errors.Wrap(err, "compact")
	}
	if err := manifest.WriteSnapshot(tmp, *st); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return errors.Wrap(err, "compact")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "compact")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "compact")
}
