package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/rueidis"
)

// eventKey returns the sorted-set key for a session's log. Session data is
// sharded by key, so no cross-session coordination exists on the backend.
func eventKey(sessionID string) string {
	return "mcp:events:" + sessionID
}

// redisLog stores events in a per-session sorted set scored by the event's
// millisecond timestamp. The member is the JSON-encoded event, so ordering
// ties within one millisecond are broken by the ULID inside the member.
type redisLog struct {
	client    rueidis.Client
	retention time.Duration
}

func (r *redisLog) append(ctx context.Context, sessionID string, ev Event) error {
	member, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	key := eventKey(sessionID)
	cmds := make(rueidis.Commands, 0, 2)
	cmds = append(cmds, r.client.B().Zadd().
		Key(key).
		ScoreMember().
		ScoreMember(float64(ev.Timestamp.UnixMilli()), string(member)).
		Build())
	cmds = append(cmds, r.client.B().Pexpire().
		Key(key).
		Milliseconds(r.retention.Milliseconds()).
		Build())

	for _, resp := range r.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("appending event: %w", err)
		}
	}
	return nil
}

func (r *redisLog) after(ctx context.Context, sessionID, fromID string) ([]Event, error) {
	minScore := "-inf"
	validFrom := false
	if fromID != "" {
		if ms, ok := idTime(fromID); ok {
			// Inclusive from the marker's own millisecond; events sharing the
			// timestamp are filtered below by ID so none are skipped. An
			// unrecognized marker replays the full retained log instead.
			minScore = strconv.FormatInt(ms, 10)
			validFrom = true
		}
	}

	cmd := r.client.B().Zrange().
		Key(eventKey(sessionID)).
		Min(minScore).
		Max("+inf").
		Byscore().
		Build()

	members, err := r.client.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("reading events: %w", err)
	}

	out := make([]Event, 0, len(members))
	for _, m := range members {
		var ev Event
		if err := json.Unmarshal([]byte(m), &ev); err != nil {
			continue
		}
		if validFrom && ev.ID <= fromID {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (r *redisLog) cleanup(ctx context.Context, sessionID string) error {
	cmd := r.client.B().Del().Key(eventKey(sessionID)).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("deleting event log: %w", err)
	}
	return nil
}
