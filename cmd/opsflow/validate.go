package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dukex/opsflow/pkg/graph"
	"github.com/dukex/opsflow/pkg/models"
	"github.com/dukex/opsflow/pkg/variables"
	"github.com/dukex/opsflow/pkg/xjson"
	"github.com/go-playground/validator/v10"
	cli "github.com/urfave/cli/v3"
)

var errDefinitionFileRequired = errors.New("definition file is required")

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Check that a definition file forms a publishable graph",
		ArgsUsage: "<definition.json>",
		Action: func(_ context.Context, command *cli.Command) error {
			path := command.Args().First()
			if path == "" {
				return errDefinitionFileRequired
			}

			def, err := loadDefinition(path)
			if err != nil {
				return err
			}

			return validateDefinition(command.Root().Writer, def)
		},
	}
}

// loadDefinition reads a JSON definition and checks its field-level shape.
func loadDefinition(path string) (*models.ProcessDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition %s: %w", path, err)
	}

	var def models.ProcessDefinition
	if err := xjson.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse definition %s: %w", path, err)
	}

	if def.Status == "" {
		def.Status = models.DefinitionStatusDraft
	}

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(&def); err != nil {
		return nil, fmt.Errorf("invalid definition %s: %w", path, err)
	}

	return &def, nil
}

func validateDefinition(w io.Writer, def *models.ProcessDefinition) error {
	g, err := graph.NewValidator(variables.NewEvaluator()).Validate(def)
	if err != nil {
		var verr *graph.ValidationError
		if errors.As(err, &verr) {
			fmt.Fprintf(w, "invalid: %s\n  code: %s\n", verr.Message, verr.Code)

			if verr.NodeID != "" {
				fmt.Fprintf(w, "  node: %s\n", verr.NodeID)
			}

			if verr.EdgeID != "" {
				fmt.Fprintf(w, "  edge: %s\n", verr.EdgeID)
			}
		}

		return err
	}

	fmt.Fprintf(w, "ok: %q is valid (%d nodes, %d edges, start %q)\n",
		def.Name, len(def.Nodes), len(def.Edges), g.Start().ID)

	return nil
}
