package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"station-climate/internal/ghcn"
	"station-climate/internal/models"
)

func main() {
	filePath := flag.String("file", "", "Path to a .dly file (required)")
	startYear := flag.Int("start", 0, "First year, inclusive (required)")
	endYear := flag.Int("end", 0, "Last year, inclusive (required)")
	policyFlag := flag.String("malformed", "skip", "Malformed line policy: skip or abort")
	flag.Parse()

	if *filePath == "" || *startYear == 0 || *endYear == 0 {
		flag.Usage()
		os.Exit(2)
	}

	policy, err := ghcn.ParsePolicy(*policyFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	f, err := os.Open(*filePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open %s: %v\n", *filePath, err)
		os.Exit(1)
	}
	defer f.Close()

	result, err := ghcn.ComputeMeans(f, ghcn.Options{
		StartYear: *startYear,
		EndYear:   *endYear,
		Policy:    policy,
		OnMalformed: func(fe *models.FormatError) {
			fmt.Fprintf(os.Stderr, "skipped: %v\n", fe)
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Aggregation failed: %v\n", err)
		os.Exit(1)
	}

	printTable(result)
}

func printTable(result *ghcn.Result) {
	fmt.Printf("%-6s", "year")
	for _, m := range result.Metrics {
		fmt.Printf(" %13s", m)
	}
	fmt.Println()
	fmt.Println(strings.Repeat("-", 6+14*len(result.Metrics)))

	if len(result.Metrics) == 0 {
		return
	}
	for i := range result.Series[result.Metrics[0]] {
		fmt.Printf("%-6d", result.Series[result.Metrics[0]][i].Year)
		for _, m := range result.Metrics {
			p := result.Series[m][i]
			if p.ValueC == nil {
				fmt.Printf(" %13s", "-")
				continue
			}
			fmt.Printf(" %6.2f %5.1f%%", *p.ValueC, 100*p.Coverage())
		}
		fmt.Println()
	}

	fmt.Println()
	fmt.Printf("Lines read:    %d\n", result.LinesRead)
	fmt.Printf("Lines skipped: %d\n", result.LinesSkipped)
	fmt.Printf("Valid samples: %d\n", result.ValidSamples)
	for _, w := range result.Warnings {
		fmt.Printf("Warning: %s\n", w)
	}
}
