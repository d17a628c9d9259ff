package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"datacard/adapters/excel"
	"datacard/domain/manifest"
	"datacard/internal/config"
	"datacard/internal/container"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "datacard",
		Short:         "Assemble systematic variations into a fit artifact",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newBuildCmd(),
		newInspectCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the environment configuration and wires the service
func setup(opts container.Options) (*container.Container, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return container.New(cfg, opts)
}

func newBuildCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "build [card.yaml]",
		Short: "Build a fit artifact from a card",
		Long: `Load the histogram inputs of every channel in the card, register its
systematics, validate and publish the artifact.

The card defaults to DATACARD_CARD. LOG_LEVEL, DATACARD_LOAD_CONCURRENCY,
DATACARD_CODE_VERSION, DATACARD_SPARSE and DATACARD_TOLERANCE are read from the
environment or a .env file.

Example: datacard build wmass.yaml --output out/wmass.sqlite`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := os.Getenv("DATACARD_CARD")
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no card given and DATACARD_CARD is not set")
			}
			card, err := config.LoadCard(path)
			if err != nil {
				return err
			}
			if output != "" {
				card.Output = output
			}
			return runBuild(cmd.Context(), card)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Artifact path (overrides the card)")
	return cmd
}

func runBuild(ctx context.Context, card *config.Card) error {
	c, err := setup(container.Options{Sparse: card.Sparse, Tolerance: card.Tolerance, Report: card.Report})
	if err != nil {
		return err
	}
	defer c.Shutdown(context.Background())

	out, err := c.CardService.Build(ctx, card)
	if err != nil {
		c.Logger.Error("build failed: %v", err)
		return err
	}
	fmt.Printf("artifact %s\n  id          %s\n  fingerprint %s\n", out.Artifact, out.Manifest.ArtifactID, out.Manifest.Fingerprint)
	for _, ch := range out.Manifest.Channels {
		fmt.Printf("  channel %-20s %d processes, %d nuisances, %d bins\n", ch.Name, len(ch.Processes), len(ch.Nuisances), ch.Bins)
	}
	if out.Report != "" {
		fmt.Printf("report %s\n", out.Report)
	}
	return nil
}

func newInspectCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "inspect [artifact]",
		Short: "Print the manifest of an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := setup(container.Options{Report: excel.DefaultReportConfig()})
			if err != nil {
				return err
			}
			defer c.Shutdown(context.Background())

			m, err := c.CardService.Inspect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(m)
			}
			printManifest(m)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full manifest as JSON")
	return cmd
}

func printManifest(m *manifest.Manifest) {
	fmt.Printf("artifact %s (schema %s, code %s)\n", m.ArtifactID, m.SchemaVersion, m.CodeVersion)
	fmt.Printf("fingerprint %s\n", m.Fingerprint)
	if m.Sparse {
		fmt.Printf("sparse, tolerance %g\n", m.Tolerance)
	}
	for _, ch := range m.Channels {
		fmt.Printf("channel %s: %d bins, lumi %g\n", ch.Name, ch.Bins, ch.Lumi)
		for _, p := range ch.Processes {
			fmt.Printf("  process %s %v\n", p, ch.Groups[p])
		}
	}
	fmt.Printf("nuisances (%d, %d of interest)\n", len(m.Nuisances), len(m.NOIs))
	for _, n := range m.Nuisances {
		fmt.Printf("  %-30s %-5s groups %v\n", n.Name, n.Kind, n.Groups)
	}
}
