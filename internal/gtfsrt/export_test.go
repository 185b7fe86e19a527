package gtfsrt

import (
	"testing"
	"time"

	gtfspb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"github.com/jusunglee/tper-go/internal/models"
)

func TestBuildFeed(t *testing.T) {
	now := time.Date(2024, time.March, 12, 7, 50, 0, 0, time.UTC)
	snaps := []models.Snapshot{{
		StopID:    100,
		UpdatedAt: now,
		Lines: map[string]models.RealTimeResult{
			"27": {Upcoming: []models.BusArrival{{ScheduledTime: "08:00"}, {ScheduledTime: "08:15"}, {ScheduledTime: "bad"}}},
			"13": models.ErrorResult(models.ErrorNoMoreBuses),
		},
	}}

	feed := BuildFeed(snaps, now)

	if feed.GetHeader().GetGtfsRealtimeVersion() != "2.0" {
		t.Errorf("Unexpected version %q", feed.GetHeader().GetGtfsRealtimeVersion())
	}
	if feed.GetHeader().GetIncrementality() != gtfspb.FeedHeader_FULL_DATASET {
		t.Error("Expected a full dataset feed")
	}
	if len(feed.GetEntity()) != 2 {
		t.Fatalf("Expected 2 entities, got %d", len(feed.GetEntity()))
	}

	first := feed.GetEntity()[0]
	if first.GetId() != "100-27-1" {
		t.Errorf("Unexpected entity id %q", first.GetId())
	}
	tu := first.GetTripUpdate()
	if tu.GetTrip().GetRouteId() != "27" {
		t.Errorf("Unexpected route %q", tu.GetTrip().GetRouteId())
	}
	stu := tu.GetStopTimeUpdate()[0]
	want := time.Date(2024, time.March, 12, 8, 0, 0, 0, time.UTC).Unix()
	if stu.GetStopId() != "100" || stu.GetArrival().GetTime() != want {
		t.Errorf("Unexpected stop time update %v", stu)
	}
}

func TestBuildFeedUsesSnapshotTimezone(t *testing.T) {
	rome, err := time.LoadLocation("Europe/Rome")
	if err != nil {
		t.Skipf("Timezone data unavailable: %v", err)
	}
	updated := time.Date(2024, time.March, 12, 9, 0, 0, 0, rome)
	snaps := []models.Snapshot{{
		StopID:    100,
		UpdatedAt: updated,
		Lines:     map[string]models.RealTimeResult{"27": {Upcoming: []models.BusArrival{{ScheduledTime: "09:20"}}}},
	}}

	// The exporting host runs in UTC
	feed := BuildFeed(snaps, updated.UTC())

	if len(feed.GetEntity()) != 1 {
		t.Fatalf("Expected 1 entity, got %d", len(feed.GetEntity()))
	}
	got := feed.GetEntity()[0].GetTripUpdate().GetStopTimeUpdate()[0].GetArrival().GetTime()
	want := time.Date(2024, time.March, 12, 9, 20, 0, 0, rome).Unix()
	if got != want {
		t.Errorf("Expected arrival %s, got %s", time.Unix(want, 0).In(rome), time.Unix(got, 0).In(rome))
	}
}

func TestEncode(t *testing.T) {
	now := time.Date(2024, time.March, 12, 7, 50, 0, 0, time.UTC)
	feed := BuildFeed([]models.Snapshot{{
		StopID:    100,
		UpdatedAt: now,
		Lines:     map[string]models.RealTimeResult{"27": {Upcoming: []models.BusArrival{{ScheduledTime: "08:00"}}}},
	}}, now)

	data, err := Encode(feed)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	var decoded gtfspb.FeedMessage
	if err := proto.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to decode feed: %v", err)
	}
	if len(decoded.GetEntity()) != 1 {
		t.Errorf("Expected 1 entity, got %d", len(decoded.GetEntity()))
	}
}
