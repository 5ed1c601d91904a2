package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"goattn/internal/envconfig"
	"goattn/pkg/attention"
)

func main() {
	if err := NewCLI().Execute(); err != nil {
		os.Exit(1)
	}
}

// NewCLI builds the root command with its demo and env subcommands.
func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "attention",
		Short:         "Scaled dot-product and multi-head attention",
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			setupLogging(cmd)
		},
	}

	rootCmd.AddCommand(newDemoCmd(), newEnvCmd())
	return rootCmd
}

func newDemoCmd() *cobra.Command {
	def := attention.DefaultConfig()
	opts := demoOptions{
		Batch:    8,
		SeqLen:   10,
		Valid:    5,
		ModelDim: def.ModelDim,
		Heads:    def.NumHeads,
		KeyDim:   def.KeyDim,
		ValueDim: def.ValueDim,
	}

	demoCmd := &cobra.Command{
		Use:   "demo",
		Short: "Run multi-head self-attention on random inputs with a padding mask",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("seed") {
				opts.Seed = envconfig.Seed()
			}
			if !cmd.Flags().Changed("threads") {
				opts.Threads = envconfig.NumThreads()
			}
			return runDemo(cmd.OutOrStdout(), opts)
		},
	}

	demoCmd.Flags().IntVar(&opts.Batch, "batch", opts.Batch, "Batch size")
	demoCmd.Flags().IntVar(&opts.SeqLen, "seq", opts.SeqLen, "Sequence length")
	demoCmd.Flags().IntVar(&opts.Valid, "valid", opts.Valid, "Number of leading key positions left unmasked")
	demoCmd.Flags().IntVar(&opts.ModelDim, "model-dim", opts.ModelDim, "Model dimension")
	demoCmd.Flags().IntVar(&opts.Heads, "heads", opts.Heads, "Number of attention heads")
	demoCmd.Flags().IntVar(&opts.KeyDim, "dk", opts.KeyDim, "Per-head query/key dimension")
	demoCmd.Flags().IntVar(&opts.ValueDim, "dv", opts.ValueDim, "Per-head value dimension")
	demoCmd.Flags().Uint64Var(&opts.Seed, "seed", 0, "Seed for weights and inputs (default $ATTN_SEED or 42)")
	demoCmd.Flags().UintVar(&opts.Threads, "threads", 0, "Maximum goroutines for batched matmul (default $ATTN_NUM_THREADS or GOMAXPROCS)")
	return demoCmd
}

func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Show environment configuration",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			vars := envconfig.AsMap()
			names := make([]string, 0, len(vars))
			for name := range vars {
				names = append(names, name)
			}
			slices.Sort(names)

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"Variable", "Value", "Description"})
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetAutoWrapText(false)
			for _, name := range names {
				v := vars[name]
				table.Append([]string{v.Name, fmt.Sprint(v.Value), v.Description})
			}
			table.Render()
		},
	}
}

func setupLogging(cmd *cobra.Command) {
	handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level:     envconfig.LogLevel(),
		AddSource: true,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.SourceKey {
				source := attr.Value.Any().(*slog.Source)
				source.File = filepath.Base(source.File)
			}
			return attr
		},
	})
	slog.SetDefault(slog.New(handler))
}
