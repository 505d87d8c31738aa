package cmd

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"olmconv/container"
	"olmconv/decode"
	"olmconv/extract"
	"olmconv/filter"
	"olmconv/progress"
	"olmconv/stats"
)

var (
	reportDir     string
	topN          int
	includeHeader []string
	includeBody   []string
	excludeHeader []string
	excludeBody   []string
)

// StatsCmd analyses an archive without writing artifacts. main wires it
// onto the root command.
var StatsCmd = &cobra.Command{
	Use:   "stats [archive]",
	Short: "Analyse an archive and show extraction statistics",
	Args:  cobra.ExactArgs(1),
	RunE:  runStats,
}

func init() {
	StatsCmd.Flags().StringVarP(&reportDir, "report-dir", "o", "", "Directory for CSV reports (skipped when empty)")
	StatsCmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	StatsCmd.Flags().StringArrayVar(&includeHeader, "include-header", nil, "Regex allow-list applied to record headers (mutually exclusive with exclude flags)")
	StatsCmd.Flags().StringArrayVar(&includeBody, "include-body", nil, "Regex allow-list applied to record bodies (mutually exclusive with exclude flags)")
	StatsCmd.Flags().StringArrayVar(&excludeHeader, "exclude-header", nil, "Regex block-list applied to record headers (mutually exclusive with include flags)")
	StatsCmd.Flags().StringArrayVar(&excludeBody, "exclude-body", nil, "Regex block-list applied to record bodies (mutually exclusive with include flags)")
}

func runStats(cmd *cobra.Command, args []string) error {
	archivePath := args[0]

	fmt.Println("Analyzing archive:", archivePath)

	f, err := filter.New(filter.Options{
		IncludeHeader: includeHeader,
		IncludeBody:   includeBody,
		ExcludeHeader: excludeHeader,
		ExcludeBody:   excludeBody,
	})
	if err != nil {
		return fmt.Errorf("create filter: %w", err)
	}

	reader, err := container.Open(archivePath)
	if err != nil {
		return err
	}
	defer reader.Close()

	// Decode chatter stays out of the report output.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	total, known := reader.Total()
	bar := progress.New(total, known, "info")

	coordinator := extract.New(extract.Options{
		Reader: reader,
		Chain:  decode.NewChain(logger),
		Filter: f,
		Source: archivePath,
		Logger: logger,
		Emit:   bar.Update,
	})

	res, err := coordinator.Run(cmd.Context())
	if err != nil && !errors.Is(err, extract.ErrNoEmails) {
		bar.Abort()
		return fmt.Errorf("analyse archive: %w", err)
	}
	bar.Stop()
	if errors.Is(err, extract.ErrNoEmails) {
		fmt.Println("No emails found in the archive.")
	}

	fmt.Printf("\nEntries seen: %d  extracted: %d  skipped: %d  filtered: %d  warnings: %d\n",
		res.EntriesSeen, res.Extracted, res.Skipped, res.Filtered, res.Warnings)

	senders := make(map[string]int)
	subjects := make(map[string]int)
	strategies := make(map[string]int)
	for i := range res.Records {
		rec := &res.Records[i]
		for _, from := range rec.From {
			senders[from]++
		}
		if rec.Subject != "" {
			subjects[rec.Subject]++
		}
		strategies[string(rec.Strategy)]++
	}

	printTop("Sender", senders)
	printTop("Subject", subjects)
	printTop("Strategy", strategies)

	if reportDir != "" {
		reports := []report{
			{"senders", senders},
			{"subjects", subjects},
			{"strategies", strategies},
		}
		if err := saveCSVReports(reports, reportDir, 1000); err != nil {
			return fmt.Errorf("error saving CSV reports: %w", err)
		}
		fmt.Printf("\nReports saved to directory: %s\n", reportDir)
	}

	return nil
}

func printTop(column string, counts map[string]int) {
	fmt.Printf("\nTop %d by %s:\n", topN, column)
	if len(counts) == 0 {
		fmt.Println("  (none)")
		return
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{column, "Count"})
	for _, c := range stats.Top(counts, topN) {
		tw.AppendRow(table.Row{c.Key, c.N})
	}
	tw.Render()
}

type report struct {
	name   string
	counts map[string]int
}

func saveCSVReports(reports []report, dir string, limit int) error {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, rep := range reports {
		filePath := filepath.Join(dir, fmt.Sprintf("report_%s.csv", rep.name))

		file, err := os.Create(filePath)
		if err != nil {
			return err
		}

		writer := csv.NewWriter(file)

		if err := writer.Write([]string{"Value", "Count"}); err != nil {
			file.Close()
			return err
		}

		for _, c := range stats.Top(rep.counts, limit) {
			if err := writer.Write([]string{c.Key, strconv.Itoa(c.N)}); err != nil {
				file.Close()
				return err
			}
		}

		writer.Flush()
		file.Close()

		if err := writer.Error(); err != nil {
			return err
		}
	}

	return nil
}
