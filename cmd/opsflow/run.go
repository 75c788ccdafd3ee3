package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dukex/opsflow/pkg/cmd"
	"github.com/dukex/opsflow/pkg/config"
	"github.com/dukex/opsflow/pkg/engine"
	"github.com/dukex/opsflow/pkg/log"
	"github.com/dukex/opsflow/pkg/models"
	"github.com/dukex/opsflow/pkg/persistence/memory"
	"github.com/dukex/opsflow/pkg/xjson"
	cli "github.com/urfave/cli/v3"
)

var (
	errInvalidVariable = errors.New("variables must be given as key=value")
	errNotCompleted    = errors.New("instance did not complete")
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Aliases:   []string{"r"},
		Usage:     "Run a definition end to end against in-memory storage",
		ArgsUsage: "<definition.json>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the engine configuration file",
				Sources: cli.EnvVars("OPSFLOW_CONFIG"),
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Log device commands instead of sending them to the gateway",
			},
			&cli.StringSliceFlag{
				Name:  "var",
				Usage: "Start variable as key=value; values are parsed as JSON when possible",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Give up waiting for the instance after this long",
				Value: 10 * time.Minute,
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			path := command.Args().First()
			if path == "" {
				return errDefinitionFileRequired
			}

			def, err := loadDefinition(path)
			if err != nil {
				return err
			}

			cfg, err := config.Load(command.String("config"))
			if err != nil {
				return err
			}

			vars, err := parseVariables(command.StringSlice("var"))
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(ctx, command.Duration("timeout"))
			defer cancel()

			_, err = runDefinition(ctx, command.Root().Writer, def, cfg, runOptions{
				Variables: vars,
				DryRun:    command.Bool("dry-run"),
				Logger:    log.WithModule("run"),
			})

			return err
		},
	}
}

type runOptions struct {
	Variables map[string]any
	DryRun    bool
	Logger    *slog.Logger
}

// runDefinition publishes def into a fresh in-memory store, runs one
// instance until it settles and prints its history to w.
func runDefinition(ctx context.Context, w io.Writer, def *models.ProcessDefinition, cfg config.Config, opts runOptions) (*models.ProcessInstance, error) {
	if err := validateDefinition(w, def); err != nil {
		return nil, err
	}

	store := memory.NewPersistence()

	now := time.Now().UTC()
	def.ID = ""
	def.Status = models.DefinitionStatusPublished
	def.PublishedAt = &now

	if def.GroupID == "" {
		def.GroupID = "local"
	}

	if def.Version == 0 {
		def.Version = 1
	}

	if err := store.DefinitionRepository().Create(ctx, def); err != nil {
		return nil, err
	}

	eng, err := cmd.NewEngine(store, cfg, cmd.EngineOptions{Logger: opts.Logger, DryRun: opts.DryRun})
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := eng.Shutdown(context.WithoutCancel(ctx)); err != nil {
			opts.Logger.Error("Failed to shutdown engine", "error", err)
		}
	}()

	started, err := eng.Start(ctx, engine.StartRequest{
		DefinitionID: def.ID,
		Variables:    opts.Variables,
		StartedBy:    "cli",
	})
	if err != nil {
		return nil, err
	}

	instance, err := eng.Wait(ctx, started.ID)
	if err != nil {
		return nil, err
	}

	records, err := eng.Recorder().List(ctx, instance.ID)
	if err != nil {
		return nil, err
	}

	printRun(w, instance, records)

	if instance.Status != models.InstanceStatusCompleted {
		return instance, fmt.Errorf("%w: %s", errNotCompleted, instance.Status)
	}

	return instance, nil
}

func printRun(w io.Writer, instance *models.ProcessInstance, records []*models.NodeExecutionHistory) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "NODE\tTYPE\tATTEMPT\tSTATUS\tDURATION\tERROR")

	for _, record := range records {
		duration := "-"
		if record.EndedAt != nil {
			duration = record.EndedAt.Sub(record.StartedAt).Round(time.Millisecond).String()
		}

		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			record.NodeID, record.NodeType, record.Attempt, record.Status, duration, record.ErrorMessage)
	}

	_ = tw.Flush()

	fmt.Fprintf(w, "\ninstance %s %s\n", instance.ID, instance.Status)

	if instance.ErrorMessage != "" {
		fmt.Fprintf(w, "error: %s\n", instance.ErrorMessage)
	}

	if len(instance.CurrentNodes) > 0 {
		fmt.Fprintf(w, "waiting on: %s\n", strings.Join(instance.CurrentNodes, ", "))
	}
}

// parseVariables turns key=value pairs into start variables. Values that
// parse as JSON keep their type; anything else stays a string.
func parseVariables(pairs []string) (map[string]any, error) {
	vars := make(map[string]any, len(pairs))

	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("%w: %q", errInvalidVariable, pair)
		}

		var value any
		if err := xjson.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}

		vars[strings.TrimSpace(key)] = value
	}

	return vars, nil
}
