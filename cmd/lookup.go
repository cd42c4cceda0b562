package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"roundabout.dev/analytics/schedule"
)

var headwayCmd = &cobra.Command{
	Use:   "headway <line> <direction> <stop_id>",
	Short: "Prints the scheduled headway at a stop",
	Args:  cobra.ExactArgs(3),
	RunE:  headway,
}

var travelCmd = &cobra.Command{
	Use:   "travel <line> <direction> <from_stop_id> <to_stop_id>",
	Short: "Prints the scheduled travel time between consecutive stops",
	Args:  cobra.ExactArgs(4),
	RunE:  travel,
}

var tripCmd = &cobra.Command{
	Use:   "trip <trip_id>",
	Short: "Lists a trip's stops in order",
	Args:  cobra.ExactArgs(1),
	RunE:  trip,
}

var at string

func init() {
	for _, cmd := range []*cobra.Command{headwayCmd, travelCmd} {
		cmd.Flags().StringVarP(&at, "at", "t", "", "Instant to look up (RFC 3339, default now)")
		rootCmd.AddCommand(cmd)
	}
	rootCmd.AddCommand(tripCmd)
}

func lookupIndex(cmd *cobra.Command) (*schedule.Index, time.Time, error) {
	t := time.Now()
	if at != "" {
		parsed, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return nil, t, fmt.Errorf("invalid --at: %w", err)
		}
		t = parsed
	}

	cfg, err := loadConfig()
	if err != nil {
		return nil, t, err
	}

	index, err := loadSchedule(cmd.Context(), cfg)
	if err != nil {
		return nil, t, err
	}

	return index, t, nil
}

func headway(cmd *cobra.Command, args []string) error {
	index, t, err := lookupIndex(cmd)
	if err != nil {
		return err
	}

	seconds, ok := index.ScheduledHeadway(args[0], args[1], args[2], t)
	if !ok {
		return fmt.Errorf("no scheduled headway for line %s at %s around %s", args[0], args[2], t.In(index.Location()).Format(time.RFC3339))
	}

	fmt.Printf("%s\n", time.Duration(seconds)*time.Second)
	return nil
}

func travel(cmd *cobra.Command, args []string) error {
	index, t, err := lookupIndex(cmd)
	if err != nil {
		return err
	}

	if !index.Adjacent(args[0], args[1], args[2], args[3]) {
		return fmt.Errorf("%s does not directly follow %s on line %s", args[3], args[2], args[0])
	}

	seconds, ok := index.ScheduledTravel(args[0], args[1], args[2], args[3], t)
	if !ok {
		return fmt.Errorf("no scheduled travel time around %s", t.In(index.Location()).Format(time.RFC3339))
	}

	fmt.Printf("%s\n", time.Duration(seconds)*time.Second)
	return nil
}

func trip(cmd *cobra.Command, args []string) error {
	index, _, err := lookupIndex(cmd)
	if err != nil {
		return err
	}

	tripID := args[0]
	t, found := index.Trip(tripID)
	if !found {
		return fmt.Errorf("unknown trip %s", tripID)
	}

	stopIDs, _ := index.OrderedStopsForTrip(tripID)
	fmt.Printf("%s line %s direction %d: %s\n", t.ID, index.LineForRoute(t.RouteID), t.DirectionID, t.Headsign)
	for i, stopID := range stopIDs {
		name := ""
		if stop, found := index.Stop(stopID); found {
			name = stop.Name
		}
		fmt.Printf("%3d %s %s\n", i+1, stopID, name)
	}

	if shape, found := index.ShapeForTrip(tripID); found {
		fmt.Printf("shape %s: %.2f km\n", t.ShapeID, shape.LengthKm())
	}

	return nil
}
