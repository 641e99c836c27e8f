// Command exprlevels computes log2 FPKM and TPM levels of one tracking file.
//
// Usage:
//
//	exprlevels compute --file genes.fpkm_tracking --ids features.txt
//	exprlevels compute --file genes.fpkm_tracking --ref 1/2/3 --config config/server.yaml
//
// Feature ids come either from a local file with one id per line or from a
// genome or annotated metagenome assembly reference.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/exprutils/server/internal/config"
	"github.com/exprutils/server/internal/expression"
	"github.com/exprutils/server/internal/features"
	"github.com/exprutils/server/internal/kbase"
	"github.com/exprutils/server/internal/service"
)

var (
	filePath   string
	idsPath    string
	ref        string
	idCol      int
	configPath string
)

var rootCmd = &cobra.Command{
	Use:           "exprlevels",
	Short:         "Expression level utilities",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var computeCmd = &cobra.Command{
	Use:   "compute",
	Short: "Print log2 FPKM and TPM levels of a tracking file",
	Long: `Reads an RNA-seq tracking file and prints one tab separated line per
feature: feature_id, log2(FPKM+1) and log2(TPM+1), sorted by feature id.

Exactly one of --ids or --ref must be given. Warnings go to stderr.`,
	RunE: runCompute,
}

func init() {
	computeCmd.Flags().StringVar(&filePath, "file", "", "tracking file (plain or gzip)")
	computeCmd.Flags().StringVar(&idsPath, "ids", "", "file with one feature id per line")
	computeCmd.Flags().StringVar(&ref, "ref", "", "genome or annotated metagenome assembly reference")
	computeCmd.Flags().IntVar(&idCol, "id-col", 0, "column holding the feature id")
	computeCmd.Flags().StringVar(&configPath, "config", "config/server.yaml", "configuration file used with --ref")
	_ = computeCmd.MarkFlagRequired("file")
	computeCmd.MarkFlagsMutuallyExclusive("ids", "ref")
	computeCmd.MarkFlagsOneRequired("ids", "ref")

	rootCmd.AddCommand(computeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runCompute(cmd *cobra.Command, args []string) error {
	logger := log.New(cmd.ErrOrStderr(), "", log.LstdFlags)

	var (
		levels *expression.Levels
		err    error
	)
	if idsPath != "" {
		levels, err = computeFromIDs(filePath, idsPath, idCol, logger)
	} else {
		levels, err = computeFromRef(cmd.Context(), filePath, ref, idCol, logger)
	}
	if err != nil {
		return err
	}

	for _, w := range levels.Warnings {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
	}
	return writeLevels(cmd.OutOrStdout(), levels)
}

func computeFromIDs(path, idsFile string, idCol int, logger *log.Logger) (*expression.Levels, error) {
	f, err := os.Open(idsFile)
	if err != nil {
		return nil, fmt.Errorf("opening ids: %w", err)
	}
	defer f.Close()

	ids, err := readIDs(f)
	if err != nil {
		return nil, fmt.Errorf("reading ids: %w", err)
	}
	return expression.NewCalculator(logger).Compute(path, features.NewSet(ids), idCol)
}

func computeFromRef(ctx context.Context, path, ref string, idCol int, logger *log.Logger) (*expression.Levels, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	token := kbase.WithToken(cfg.KBase.Token)
	resolver := features.NewResolver(
		kbase.NewWorkspace(cfg.KBase.WorkspaceURL, nil, token),
		kbase.NewGenomeSearch(cfg.KBase.CallbackURL, token, kbase.WithServiceVersion(cfg.KBase.ServiceVer)),
		kbase.NewMetagenomeUtils(cfg.KBase.CallbackURL, token, kbase.WithServiceVersion(cfg.KBase.MetagenomeServiceVer)),
		logger,
	)
	return service.NewLevelsService(resolver, logger).ExpressionLevels(ctx, path, ref, idCol)
}

// readIDs returns the non-blank lines of r, trimmed.
func readIDs(r io.Reader) ([]string, error) {
	var ids []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if id := strings.TrimSpace(sc.Text()); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, sc.Err()
}

func writeLevels(w io.Writer, levels *expression.Levels) error {
	ids := make([]string, 0, len(levels.FPKM))
	for id := range levels.FPKM {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "feature_id\tlog2_fpkm\tlog2_tpm")
	for _, id := range ids {
		fmt.Fprintf(bw, "%s\t%g\t%g\n", id, levels.FPKM[id], levels.TPM[id])
	}
	return bw.Flush()
}
