package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/jusunglee/tper-go/internal/logging"
	"github.com/jusunglee/tper-go/internal/models"
	"github.com/jusunglee/tper-go/internal/tperapi"
	"github.com/jusunglee/tper-go/pkg/tper"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one command and returns the process exit code
func run(args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("tper-local", flag.ContinueOnError)
	flags.SetOutput(stderr)
	var (
		search   = flags.String("search", "", "Search stops by name")
		stopID   = flags.Int("stop", 0, "Stop ID to query")
		lines    = flags.String("lines", "", "Comma separated line IDs (empty lists the stop's lines)")
		timezone = flags.String("timezone", "Europe/Rome", "Timezone of the timetable")
		baseURL  = flags.String("base-url", tperapi.DefaultBaseURL, "Upstream API base URL")
		verbose  = flags.Bool("v", false, "Verbose logging")
	)
	if err := flags.Parse(args); err != nil {
		return 2
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	log := logrus.NewEntry(logging.New(level, "text", stderr))

	loc, err := time.LoadLocation(*timezone)
	if err != nil {
		log.Errorf("Unknown timezone %q: %v", *timezone, err)
		return 1
	}

	config := tper.DefaultConfig()
	config.API.BaseURL = *baseURL
	config.Location = loc
	config.Log = log

	client, err := tper.NewLocal(config)
	if err != nil {
		log.Errorf("Failed to create TPER client: %v", err)
		return 1
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	// Search mode
	if *search != "" {
		stops, err := client.SearchStops(ctx, *search)
		if err != nil {
			log.Errorf("Search failed: %v", err)
			return 1
		}
		fmt.Fprintf(stdout, "Stops matching %q:\n", *search)
		for _, s := range stops {
			fmt.Fprintf(stdout, "- %s: %s (%s)\n", s.ID, s.Head, s.Body)
		}
		return 0
	}

	if *stopID <= 0 {
		fmt.Fprintln(stderr, "Either -search or -stop is required")
		flags.Usage()
		return 2
	}

	// Line listing mode
	if *lines == "" {
		available, err := client.GetStopLines(ctx, *stopID)
		if err != nil {
			log.Errorf("Failed to list lines: %v", err)
			return 1
		}
		fmt.Fprintf(stdout, "Lines serving stop %d:\n", *stopID)
		for _, l := range available {
			fmt.Fprintf(stdout, "- %s (%s)\n", l.Code, l.ID)
		}
		return 0
	}

	var lineIDs []string
	for _, id := range strings.Split(*lines, ",") {
		if id = strings.TrimSpace(id); id != "" {
			lineIDs = append(lineIDs, id)
		}
	}

	stop := models.NewTrackedStop(*stopID, "", lineIDs, nil)
	if err := client.Track(ctx, stop); err != nil {
		log.Errorf("Failed to fetch stop %d: %v", *stopID, err)
		return 1
	}

	states, err := client.GetLineStates(*stopID)
	if err != nil {
		log.Errorf("Failed to read stop %d: %v", *stopID, err)
		return 1
	}
	snap, _ := client.GetSnapshot(*stopID)

	fmt.Fprintf(stdout, "Stop %d, next check in %s\n\n", *stopID, snap.Interval)
	for _, state := range states {
		printState(stdout, state)
	}
	return 0
}

func printState(w io.Writer, state models.LineState) {
	fmt.Fprintf(w, "Line %s: ", state.Name)
	switch {
	case state.NextBus != nil:
		fmt.Fprintf(w, "%s (%s)\n", state.NextBus.Format("15:04"), humanize.Time(*state.NextBus))
	case state.State != "":
		fmt.Fprintln(w, state.State)
	default:
		fmt.Fprintln(w, "unavailable")
	}

	for i := 1; i <= 3; i++ {
		prefix := "next_bus_" + strconv.Itoa(i)
		at, ok := state.Attributes[prefix+"_time"]
		if !ok {
			break
		}
		var flags []string
		if state.Attributes[prefix+"_satellite"] == true {
			flags = append(flags, "GPS")
		}
		if state.Attributes[prefix+"_accessible"] == true {
			flags = append(flags, "accessible")
		}
		fmt.Fprintf(w, "  %d. %v %s\n", i, at, strings.Join(flags, ", "))
	}
}
