package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rescuegrid/movement-simulator/model"
)

// startMovementBody mirrors the REST start request.
type startMovementBody struct {
	EntityID   string           `json:"entity_id"`
	EntityType string           `json:"entity_type"`
	ResourceID string           `json:"resource_id,omitempty"`
	Route      []model.GeoPoint `json:"route"`
	SpeedMps   float64          `json:"speed_mps,omitempty"`
	SpeedKmh   float64          `json:"speed_kmh,omitempty"`
	Waypoints  []model.Waypoint `json:"waypoints,omitempty"`
}

func newStartCommand(out io.Writer, opts *cliOptions) *cobra.Command {
	var (
		entityID   string
		entityType string
		resourceID string
		speedMps   float64
		speedKmh   float64
		routeSpec  string
		routeFile  string
		waypoints  []string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a movement session along a route",
		Example: `  movectl start --entity veh-1 --type vehicle --route "0,0;0.01,0" --speed-kmh 80
  movectl start --entity uav-1 --type uav --route-file route.json --waypoint 2:survey:30s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			route, err := loadRoute(routeSpec, routeFile)
			if err != nil {
				return err
			}
			wps, err := parseWaypoints(waypoints)
			if err != nil {
				return err
			}

			body := startMovementBody{
				EntityID:   entityID,
				EntityType: entityType,
				ResourceID: resourceID,
				Route:      route,
				SpeedMps:   speedMps,
				SpeedKmh:   speedKmh,
				Waypoints:  wps,
			}
			data, err := opts.client().do(cmd.Context(), http.MethodPost, "/api/v1/movements", body)
			if err != nil {
				return err
			}
			return printData(out, data)
		},
	}

	cmd.Flags().StringVar(&entityID, "entity", "", "entity id (required)")
	cmd.Flags().StringVar(&entityType, "type", "", "entity type, e.g. vehicle, uav, team (required)")
	cmd.Flags().StringVar(&resourceID, "resource", "", "resource id consulted for speed resolution")
	cmd.Flags().Float64Var(&speedMps, "speed-mps", 0, "speed override in m/s")
	cmd.Flags().Float64Var(&speedKmh, "speed-kmh", 0, "speed override in km/h")
	cmd.Flags().StringVar(&routeSpec, "route", "", `route as "lon,lat[,alt]" points separated by ";"`)
	cmd.Flags().StringVar(&routeFile, "route-file", "", "JSON file with an array of route points")
	cmd.Flags().StringArrayVar(&waypoints, "waypoint", nil, `waypoint as "pointIndex:taskType:duration", e.g. 2:survey:30s`)
	_ = cmd.MarkFlagRequired("entity")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

func newControlCommand(out io.Writer, opts *cliOptions, op, short string) *cobra.Command {
	return &cobra.Command{
		Use:   op + " <session-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := opts.client().do(cmd.Context(), http.MethodPost, "/api/v1/movements/"+url.PathEscape(args[0])+"/"+op, nil)
			if err != nil {
				return err
			}
			return printData(out, data)
		},
	}
}

func newStatusCommand(out io.Writer, opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show the live status of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := opts.client().do(cmd.Context(), http.MethodGet, "/api/v1/movements/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			return printData(out, data)
		},
	}
}

func newActiveCommand(out io.Writer, opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "List all active sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := opts.client().do(cmd.Context(), http.MethodGet, "/api/v1/movements", nil)
			if err != nil {
				return err
			}
			return printData(out, data)
		},
	}
}

func newSpeedsCommand(out io.Writer, opts *cliOptions) *cobra.Command {
	var resourceID string

	cmd := &cobra.Command{
		Use:   "speeds <entity-type>",
		Short: "Show the speed a movement for the entity type would resolve to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/speeds/" + url.PathEscape(args[0])
			if resourceID != "" {
				path += "?resource_id=" + url.QueryEscape(resourceID)
			}
			data, err := opts.client().do(cmd.Context(), http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			return printData(out, data)
		},
	}
	cmd.Flags().StringVar(&resourceID, "resource", "", "resource id consulted for the attribute record")
	return cmd
}

func loadRoute(spec, file string) ([]model.GeoPoint, error) {
	switch {
	case spec != "" && file != "":
		return nil, fmt.Errorf("--route and --route-file are mutually exclusive")
	case file != "":
		return loadRouteFile(file)
	case spec != "":
		return parseRoute(spec)
	default:
		return nil, fmt.Errorf("a route is required: pass --route or --route-file")
	}
}

func loadRouteFile(path string) ([]model.GeoPoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read route file: %w", err)
	}
	var route []model.GeoPoint
	if err := json.Unmarshal(data, &route); err != nil {
		return nil, fmt.Errorf("parse route file %s: %w", path, err)
	}
	return route, nil
}

// parseRoute parses "lon,lat[,alt]" points separated by ";".
func parseRoute(spec string) ([]model.GeoPoint, error) {
	parts := strings.Split(spec, ";")
	route := make([]model.GeoPoint, 0, len(parts))
	for i, part := range parts {
		fields := strings.Split(strings.TrimSpace(part), ",")
		if len(fields) != 2 && len(fields) != 3 {
			return nil, fmt.Errorf(`route point %d: want "lon,lat" or "lon,lat,alt", got %q`, i, part)
		}
		var pt model.GeoPoint
		var err error
		if pt.Lon, err = strconv.ParseFloat(strings.TrimSpace(fields[0]), 64); err != nil {
			return nil, fmt.Errorf("route point %d: bad longitude %q", i, fields[0])
		}
		if pt.Lat, err = strconv.ParseFloat(strings.TrimSpace(fields[1]), 64); err != nil {
			return nil, fmt.Errorf("route point %d: bad latitude %q", i, fields[1])
		}
		if len(fields) == 3 {
			if pt.Alt, err = strconv.ParseFloat(strings.TrimSpace(fields[2]), 64); err != nil {
				return nil, fmt.Errorf("route point %d: bad altitude %q", i, fields[2])
			}
		}
		route = append(route, pt)
	}
	return route, nil
}

func parseWaypoints(specs []string) ([]model.Waypoint, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	waypoints := make([]model.Waypoint, 0, len(specs))
	for _, spec := range specs {
		wp, err := parseWaypoint(spec)
		if err != nil {
			return nil, err
		}
		waypoints = append(waypoints, wp)
	}
	return waypoints, nil
}

// parseWaypoint parses "pointIndex:taskType:duration", e.g. "2:survey:30s".
func parseWaypoint(spec string) (model.Waypoint, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 3 {
		return model.Waypoint{}, fmt.Errorf(`waypoint %q: want "pointIndex:taskType:duration"`, spec)
	}
	index, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return model.Waypoint{}, fmt.Errorf("waypoint %q: bad point index %q", spec, parts[0])
	}
	duration, err := time.ParseDuration(strings.TrimSpace(parts[2]))
	if err != nil {
		return model.Waypoint{}, fmt.Errorf("waypoint %q: bad duration %q", spec, parts[2])
	}
	return model.Waypoint{
		PointIndex:   index,
		TaskType:     strings.TrimSpace(parts[1]),
		TaskDuration: duration,
	}, nil
}
