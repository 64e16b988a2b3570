// Command taxo clusters short text queries into labeled categories: a
// numeric seed partition refined cluster-by-cluster through an LLM
// reviewer, with results persisted to SQLite and exportable as CSV/JSON.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/mark3labs/mcp-go/server"

	"github.com/taxolab/taxo/internal/cluster"
	"github.com/taxolab/taxo/internal/config"
	"github.com/taxolab/taxo/internal/embed"
	"github.com/taxolab/taxo/internal/engine"
	"github.com/taxolab/taxo/internal/evaluate"
	"github.com/taxolab/taxo/internal/export"
	"github.com/taxolab/taxo/internal/ingest"
	"github.com/taxolab/taxo/internal/llm"
	taxomcp "github.com/taxolab/taxo/internal/mcp"
	"github.com/taxolab/taxo/internal/oracle"
	"github.com/taxolab/taxo/internal/seed"
	"github.com/taxolab/taxo/internal/store"
)

const version = "0.1.0-dev"

const defaultEmbed = "ollama/nomic-embed-text"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runRefine(os.Args[2:])
	case "export":
		err = runExport(os.Args[2:])
	case "evaluate":
		err = runEvaluate(os.Args[2:])
	case "mcp":
		err = runMCP(os.Args[2:])
	case "config":
		err = runConfig(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("taxo %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if v := os.Getenv("TAXO_LOG_LEVEL"); v != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(v)); err == nil {
			level = parsed
		}
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

// flagSet is a tiny --flag value parser shared by the subcommands.
type flagSet struct {
	values     map[string]string
	positional []string
}

func parseFlags(args []string) (*flagSet, error) {
	fs := &flagSet{values: map[string]string{}}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			fs.positional = append(fs.positional, arg)
			continue
		}
		name := strings.TrimPrefix(arg, "--")
		if eq := strings.Index(name, "="); eq >= 0 {
			fs.values[name[:eq]] = name[eq+1:]
			continue
		}
		if i+1 >= len(args) {
			return nil, fmt.Errorf("flag --%s needs a value", name)
		}
		i++
		fs.values[name] = args[i]
	}
	return fs, nil
}

func (f *flagSet) get(name string) string { return f.values[name] }

func resolveFrom(fs *flagSet) (config.ResolvedConfig, error) {
	return config.ResolveConfig(config.ResolveOptions{
		ConfigPath:     fs.get("config"),
		CLILLM:         fs.get("llm"),
		CLIEmbed:       fs.get("embed"),
		CLIDBPath:      fs.get("db"),
		CLIGoal:        fs.get("goal"),
		CLITargetRange: fs.get("target"),
		CLIBudget:      fs.get("budget"),
		CLIWorkers:     fs.get("workers"),
	})
}

func runRefine(args []string) error {
	fs, err := parseFlags(args)
	if err != nil {
		return err
	}
	if len(fs.positional) != 1 {
		return fmt.Errorf("usage: taxo run <dataset.csv> [--text-col NAME] [--id-col NAME] [--llm P/M] [--embed P/M] [--db PATH] [--goal TEXT] [--target RANGE] [--budget N] [--workers N] [--items PATH] [--clusters PATH] [--format csv|json]")
	}
	dataset := fs.positional[0]

	log := newLogger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resolved, err := resolveFrom(fs)
	if err != nil {
		return err
	}
	policy, err := resolved.EnginePolicy()
	if err != nil {
		return err
	}
	sampleSize, err := resolved.SampleCount()
	if err != nil {
		return err
	}

	format, err := export.ParseFormat(fs.get("format"))
	if err != nil {
		return err
	}

	st, err := store.Open(resolved.DBPath.Value)
	if err != nil {
		return err
	}
	defer st.Close()

	embedFlag := resolved.Embed.Value
	if embedFlag == "" {
		embedFlag = defaultEmbed
	}
	embedCfg, err := embed.ParseFlag(embedFlag)
	if err != nil {
		return err
	}
	vectorizer, err := embed.NewClient(embedCfg)
	if err != nil {
		return err
	}

	llmCfg, err := llm.ParseFlag(resolved.LLM.Value)
	if err != nil {
		return err
	}
	provider, err := llm.NewProvider(llmCfg)
	if err != nil {
		return err
	}

	records, err := ingest.LoadCSV(dataset, ingest.CSVOptions{
		TextColumn: fs.get("text-col"),
		IDColumn:   fs.get("id-col"),
	})
	if err != nil {
		return err
	}
	log.Info().Int("records", len(records)).Str("dataset", dataset).Msg("dataset loaded")

	pipeline := ingest.NewPipeline(vectorizer, st, embedCfg.Model, log)
	items, err := pipeline.Items(ctx, records)
	if err != nil {
		return err
	}

	reg, err := cluster.NewRegistry(items, sampleSize)
	if err != nil {
		return err
	}

	eng := engine.New(reg, seed.NewKMeans(), oracle.NewLLMReviewer(provider, log), policy, log)
	report, err := eng.Run(ctx)
	if err != nil {
		return err
	}

	run, clusters, assignments := export.Snapshot(reg, report)
	if err := st.SaveRun(ctx, run, clusters, assignments); err != nil {
		return err
	}

	if err := writeResults(fs.get("items"), fs.get("clusters"), format, assignments, clusters); err != nil {
		return err
	}

	fmt.Printf("Run %s: %d items into %d clusters (%d oracle calls", report.RunID, report.Items, report.FinalClusters, report.OracleCalls)
	if n := len(report.ForcedKeeps); n > 0 {
		fmt.Printf(", %d forced keeps", n)
	}
	fmt.Println(")")
	return nil
}

func writeResults(itemsPath, clustersPath string, format export.Format, assignments []store.Assignment, clusters []store.ClusterRow) error {
	if itemsPath != "" {
		f, err := os.Create(itemsPath)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := export.WriteItems(f, format, assignments, clusters); err != nil {
			return fmt.Errorf("writing %s: %w", itemsPath, err)
		}
	}
	if clustersPath != "" {
		f, err := os.Create(clustersPath)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := export.WriteClusters(f, format, clusters); err != nil {
			return fmt.Errorf("writing %s: %w", clustersPath, err)
		}
	}
	if itemsPath == "" && clustersPath == "" {
		return export.WriteClusters(os.Stdout, format, clusters)
	}
	return nil
}

func runExport(args []string) error {
	fs, err := parseFlags(args)
	if err != nil {
		return err
	}
	resolved, err := resolveFrom(fs)
	if err != nil {
		return err
	}
	format, err := export.ParseFormat(fs.get("format"))
	if err != nil {
		return err
	}

	st, err := store.Open(resolved.DBPath.Value)
	if err != nil {
		return err
	}
	defer st.Close()
	ctx := context.Background()

	runID, err := resolveRunID(ctx, st, fs.get("run"))
	if err != nil {
		return err
	}

	clusters, err := st.ListClusters(ctx, runID)
	if err != nil {
		return err
	}
	if len(clusters) == 0 {
		return fmt.Errorf("run %q has no clusters", runID)
	}
	assignments, err := st.Assignments(ctx, runID)
	if err != nil {
		return err
	}
	return writeResults(fs.get("items"), fs.get("clusters"), format, assignments, clusters)
}

// resolveRunID defaults to the most recent saved run.
func resolveRunID(ctx context.Context, st *store.Store, runID string) (string, error) {
	if runID != "" {
		return runID, nil
	}
	runs, err := st.ListRuns(ctx)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", fmt.Errorf("no saved runs")
	}
	return runs[0].ID, nil
}

func runEvaluate(args []string) error {
	fs, err := parseFlags(args)
	if err != nil {
		return err
	}
	if len(fs.positional) != 1 {
		return fmt.Errorf("usage: taxo evaluate <truth.csv> [--run ID] [--db PATH]")
	}

	truth, err := evaluate.LoadTruthCSV(fs.positional[0])
	if err != nil {
		return err
	}

	resolved, err := resolveFrom(fs)
	if err != nil {
		return err
	}
	st, err := store.Open(resolved.DBPath.Value)
	if err != nil {
		return err
	}
	defer st.Close()
	ctx := context.Background()

	runID, err := resolveRunID(ctx, st, fs.get("run"))
	if err != nil {
		return err
	}
	assignments, err := st.Assignments(ctx, runID)
	if err != nil {
		return err
	}
	if len(assignments) == 0 {
		return fmt.Errorf("run %q has no assignments", runID)
	}

	trueLabels, predLabels, err := evaluate.Join(assignments, truth)
	if err != nil {
		return err
	}
	scores, err := evaluate.Compare(trueLabels, predLabels)
	if err != nil {
		return err
	}

	fmt.Printf("Run %s scored against %s (%d of %d items matched)\n", runID, fs.positional[0], scores.Pairs, len(assignments))
	fmt.Printf("MI:  %.4f\nNMI: %.4f\nAMI: %.4f\n", scores.MI, scores.NMI, scores.AMI)
	return nil
}

func runMCP(args []string) error {
	fs, err := parseFlags(args)
	if err != nil {
		return err
	}
	resolved, err := resolveFrom(fs)
	if err != nil {
		return err
	}
	st, err := store.Open(resolved.DBPath.Value)
	if err != nil {
		return err
	}
	defer st.Close()

	srv := taxomcp.NewServer(taxomcp.ServerConfig{Store: st, Version: version})
	return server.ServeStdio(srv)
}

func runConfig(args []string) error {
	fs, err := parseFlags(args)
	if err != nil {
		return err
	}
	resolved, err := resolveFrom(fs)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(resolved, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func printUsage() {
	fmt.Println(`taxo - LLM-guided clustering of short text queries

Usage:
  taxo run <dataset.csv> [flags]   Cluster a dataset and save the run
  taxo export [flags]              Re-export a saved run
  taxo evaluate <truth.csv> [flags]  Score a saved run against ground truth
  taxo mcp [flags]                 Serve saved runs over MCP (stdio)
  taxo config [flags]              Show effective configuration
  taxo version                     Print version

Common flags:
  --config PATH    Config file (default ~/.taxo/config.yaml)
  --db PATH        SQLite database (default ~/.taxo/taxo.db)
  --llm P/M        Reviewer model, e.g. openrouter/openai/gpt-4o-mini
  --embed P/M      Embedding model, e.g. ollama/nomic-embed-text
  --format F       Output format: csv (default) or json

Run flags:
  --text-col NAME  Column holding the query text (default: text or query)
  --id-col NAME    Column holding stable ids (default: generated)
  --goal TEXT      High-level labeling objective shown to the reviewer
  --target RANGE   Desired final category count, e.g. 15 or 10-20
  --budget N       Global review budget (0 = unlimited)
  --workers N      Concurrent reviewer calls (default 4)
  --items PATH     Write per-item results to PATH
  --clusters PATH  Write per-cluster results to PATH

Export and evaluate flags:
  --run ID         Run to use (default: most recent)`)
}
