// Package gtfsrt exports tracked arrivals as a GTFS-Realtime TripUpdates feed.
package gtfsrt

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	gtfspb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"github.com/jusunglee/tper-go/internal/models"
)

const realtimeVersion = "2.0"

// BuildFeed converts snapshots into a full-dataset feed. Each upcoming arrival
// of a successful line becomes one entity; failed lines are skipped. Arrival
// times are resolved in the timezone of each snapshot's UpdatedAt.
func BuildFeed(snaps []models.Snapshot, now time.Time) *gtfspb.FeedMessage {
	feed := &gtfspb.FeedMessage{
		Header: &gtfspb.FeedHeader{
			GtfsRealtimeVersion: proto.String(realtimeVersion),
			Incrementality:      gtfspb.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(uint64(now.Unix())),
		},
	}

	for _, snap := range snaps {
		lineIDs := make([]string, 0, len(snap.Lines))
		for id := range snap.Lines {
			lineIDs = append(lineIDs, id)
		}
		sort.Strings(lineIDs)

		stopID := strconv.Itoa(snap.StopID)
		local := snapshotNow(snap, now)
		for _, lineID := range lineIDs {
			result := snap.Lines[lineID]
			if !result.OK() {
				continue
			}
			for i, bus := range result.Upcoming {
				at, ok := models.ResolveArrival(bus.ScheduledTime, local)
				if !ok {
					continue
				}
				feed.Entity = append(feed.Entity, &gtfspb.FeedEntity{
					Id: proto.String(fmt.Sprintf("%s-%s-%d", stopID, lineID, i+1)),
					TripUpdate: &gtfspb.TripUpdate{
						Trip: &gtfspb.TripDescriptor{
							RouteId: proto.String(lineID),
						},
						StopTimeUpdate: []*gtfspb.TripUpdate_StopTimeUpdate{{
							StopId: proto.String(stopID),
							Arrival: &gtfspb.TripUpdate_StopTimeEvent{
								Time: proto.Int64(at.Unix()),
							},
						}},
						Timestamp: proto.Uint64(uint64(snap.UpdatedAt.Unix())),
					},
				})
			}
		}
	}
	return feed
}

// snapshotNow expresses now in the timezone the snapshot was taken in, which is
// the timezone of its timetable
func snapshotNow(snap models.Snapshot, now time.Time) time.Time {
	if snap.UpdatedAt.IsZero() {
		return now
	}
	return now.In(snap.UpdatedAt.Location())
}

// Encode serialises a feed to protobuf bytes
func Encode(feed *gtfspb.FeedMessage) ([]byte, error) {
	data, err := proto.Marshal(feed)
	if err != nil {
		return nil, fmt.Errorf("failed to encode feed: %w", err)
	}
	return data, nil
}
