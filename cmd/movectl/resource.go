package main

import (
	"io"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

type resourceAttributesBody struct {
	MaxSpeedKmh  float64  `json:"max_speed_kmh,omitempty"`
	Callsign     string   `json:"callsign,omitempty"`
	Crew         int      `json:"crew,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func newResourceCommand(out io.Writer, opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resource",
		Short: "Manage resource attribute records used for speed resolution",
	}
	cmd.AddCommand(
		newResourceSetCommand(out, opts),
		newResourceGetCommand(out, opts),
		newResourceDeleteCommand(out, opts),
		newResourceListCommand(out, opts),
	)
	return cmd
}

func resourcePath(entityType, resourceID string) string {
	return "/api/v1/resources/" + url.PathEscape(entityType) + "/" + url.PathEscape(resourceID)
}

func newResourceSetCommand(out io.Writer, opts *cliOptions) *cobra.Command {
	var attrs resourceAttributesBody

	cmd := &cobra.Command{
		Use:   "set <entity-type> <resource-id>",
		Short: "Register or replace a resource attribute record",
		Example: `  movectl resource set vehicle r-17 --max-speed-kmh 120 --callsign "Rescue 7" \
      --crew 3 --capability winch --capability thermal_camera`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := opts.client().do(cmd.Context(), http.MethodPut, resourcePath(args[0], args[1]), attrs)
			if err != nil {
				return err
			}
			return printData(out, data)
		},
	}

	cmd.Flags().Float64Var(&attrs.MaxSpeedKmh, "max-speed-kmh", 0, "maximum speed in km/h; 0 leaves speed to the table")
	cmd.Flags().StringVar(&attrs.Callsign, "callsign", "", "radio callsign")
	cmd.Flags().IntVar(&attrs.Crew, "crew", 0, "crew size")
	cmd.Flags().StringArrayVar(&attrs.Capabilities, "capability", nil, "capability tag; repeatable")

	return cmd
}

func newResourceGetCommand(out io.Writer, opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <entity-type> <resource-id>",
		Short: "Show a resource attribute record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := opts.client().do(cmd.Context(), http.MethodGet, resourcePath(args[0], args[1]), nil)
			if err != nil {
				return err
			}
			return printData(out, data)
		},
	}
}

func newResourceDeleteCommand(out io.Writer, opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <entity-type> <resource-id>",
		Short: "Remove a resource attribute record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := opts.client().do(cmd.Context(), http.MethodDelete, resourcePath(args[0], args[1]), nil)
			if err != nil {
				return err
			}
			return printData(out, data)
		},
	}
}

func newResourceListCommand(out io.Writer, opts *cliOptions) *cobra.Command {
	var entityType string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List resource attribute records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/resources"
			if entityType != "" {
				path += "?entity_type=" + url.QueryEscape(entityType)
			}
			data, err := opts.client().do(cmd.Context(), http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			return printData(out, data)
		},
	}
	cmd.Flags().StringVar(&entityType, "type", "", "filter by entity type")
	return cmd
}
