// jetntuple - jet classification ntuple maker
// Reads simulated events, classifies their truth and reco jets and writes
// one summary row per event.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// DefaultInput is the event file read when -f is not given.
const DefaultInput = "Ntuple_ditau.jsonl"

// DefaultOutput is the ntuple written when -o is not given.
const DefaultOutput = "test.root"

type options struct {
	input  string
	output string
	debug  bool
}

func main() {
	// Failures are reported on stderr; the exit status is always 0.
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "jetntuple",
		Short: "jetntuple - classify truth and reco jets into an ntuple",
		Long: `jetntuple reads events with pre-built truth (GenJet) and reco (Jet)
jet collections, sums each jet's constituent four-momenta, counts b- and
tau-tagged jets, and writes one row per event.

Input may be a comma-separated list or a glob of .jsonl files (optionally
.gz or .zst compressed, local or s3://). The output format follows the
extension: .root, .parquet, .arrow, .duckdb; several outputs may be given
comma-separated.

Examples:
  jetntuple -f Ntuple_ditau.jsonl
  jetntuple -f 'run_Ztautau/*.jsonl.zst' -o ztautau.parquet
  jetntuple -f s3://mc/ztautau.jsonl.gz -o test.root,s3://mc/out/ztautau.parquet -d`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(opts.debug)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			r := &runner{
				opts:   *opts,
				logger: logger,
				out:    cmd.OutOrStdout(),
				errOut: cmd.ErrOrStderr(),
			}
			r.run(cmd.Context())
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.input, "file", "f", DefaultInput, "Input event file(s): path, glob or comma-separated list")
	cmd.Flags().StringVarP(&opts.output, "output", "o", DefaultOutput, "Output ntuple file(s), comma-separated")
	cmd.Flags().BoolVarP(&opts.debug, "debug", "d", false, "Print per-event, per-jet and per-constituent diagnostics")

	return cmd
}

func newLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}
