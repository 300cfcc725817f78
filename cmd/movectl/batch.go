package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type startBatchBody struct {
	Formation      string              `json:"formation"`
	LaunchInterval time.Duration       `json:"launch_interval_ns,omitempty"`
	Movements      []startMovementBody `json:"movements"`
}

func newBatchCommand(out io.Writer, opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Manage coordinated multi-entity movements",
	}
	cmd.AddCommand(
		newBatchStartCommand(out, opts),
		newBatchStatusCommand(out, opts),
		newBatchControlCommand(out, opts, "pause", "Pause every member of a batch"),
		newBatchControlCommand(out, opts, "resume", "Resume every member of a batch"),
		newBatchControlCommand(out, opts, "cancel", "Cancel every member of a batch"),
		newBatchDeleteCommand(out, opts),
	)
	return cmd
}

func newBatchStartCommand(out io.Writer, opts *cliOptions) *cobra.Command {
	var (
		formation  string
		interval   time.Duration
		file       string
		entities   string
		entityType string
		routeSpec  string
		speedKmh   float64
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Launch a batch of movements in formation",
		Example: `  movectl batch start --formation CONVOY --interval 5s --type vehicle \
      --entities veh-1,veh-2,veh-3 --route "0,0;0.01,0"
  movectl batch start --formation PARALLEL --file batch.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			movements, err := batchMovements(file, entities, entityType, routeSpec, speedKmh)
			if err != nil {
				return err
			}

			body := startBatchBody{
				Formation:      strings.ToUpper(formation),
				LaunchInterval: interval,
				Movements:      movements,
			}
			data, err := opts.client().do(cmd.Context(), http.MethodPost, "/api/v1/batches", body)
			if err != nil {
				return err
			}
			return printData(out, data)
		},
	}

	cmd.Flags().StringVar(&formation, "formation", "PARALLEL", "launch formation: PARALLEL, CONVOY, or STAGGERED")
	cmd.Flags().DurationVar(&interval, "interval", 0, "launch interval for CONVOY and STAGGERED; 0 takes the server default")
	cmd.Flags().StringVar(&file, "file", "", "JSON file with an array of movement requests")
	cmd.Flags().StringVar(&entities, "entities", "", "comma-separated entity ids sharing --type and --route")
	cmd.Flags().StringVar(&entityType, "type", "", "entity type applied to --entities")
	cmd.Flags().StringVar(&routeSpec, "route", "", `route applied to --entities, as "lon,lat[,alt];..."`)
	cmd.Flags().Float64Var(&speedKmh, "speed-kmh", 0, "speed override in km/h applied to --entities")

	return cmd
}

// batchMovements builds the member list either from a request file or by
// fanning one route out over a list of entity ids.
func batchMovements(file, entities, entityType, routeSpec string, speedKmh float64) ([]startMovementBody, error) {
	if file != "" {
		if entities != "" {
			return nil, fmt.Errorf("--file and --entities are mutually exclusive")
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read batch file: %w", err)
		}
		var movements []startMovementBody
		if err := json.Unmarshal(data, &movements); err != nil {
			return nil, fmt.Errorf("parse batch file %s: %w", file, err)
		}
		return movements, nil
	}

	if entities == "" {
		return nil, fmt.Errorf("members are required: pass --file or --entities")
	}
	if entityType == "" {
		return nil, fmt.Errorf("--type is required with --entities")
	}
	route, err := parseRoute(routeSpec)
	if err != nil {
		return nil, err
	}

	ids := strings.Split(entities, ",")
	movements := make([]startMovementBody, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		movements = append(movements, startMovementBody{
			EntityID:   id,
			EntityType: entityType,
			Route:      route,
			SpeedKmh:   speedKmh,
		})
	}
	return movements, nil
}

func newBatchStatusCommand(out io.Writer, opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <batch-id>",
		Short: "Show the derived state and members of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := opts.client().do(cmd.Context(), http.MethodGet, "/api/v1/batches/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			return printData(out, data)
		},
	}
}

func newBatchControlCommand(out io.Writer, opts *cliOptions, op, short string) *cobra.Command {
	return &cobra.Command{
		Use:   op + " <batch-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := opts.client().do(cmd.Context(), http.MethodPost, "/api/v1/batches/"+url.PathEscape(args[0])+"/"+op, nil)
			if err != nil {
				return err
			}
			return printData(out, data)
		},
	}
}

func newBatchDeleteCommand(out io.Writer, opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <batch-id>",
		Short: "Delete a batch record, leaving member sessions untouched",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := opts.client().do(cmd.Context(), http.MethodDelete, "/api/v1/batches/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			return printData(out, data)
		},
	}
}
