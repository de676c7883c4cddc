package stream

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/splax/bluegreen/internal/domain"
)

// decodeFrame parses a frame payload into a stamped DeploymentEvent.
//
// The SSE event name routes the frame when it names a known type; otherwise
// the payload's own type is used.
func decodeFrame(f Frame, now time.Time) (domain.DeploymentEvent, error) {
	var ev domain.DeploymentEvent
	if err := json.Unmarshal([]byte(f.Data), &ev); err != nil {
		return domain.DeploymentEvent{}, fmt.Errorf("decode %q frame: %w", f.Event, err)
	}
	name := domain.EventType(strings.TrimSpace(f.Event))
	switch {
	case name.Known():
		ev.Type = name
	case ev.Type == "":
		ev.Type = name
	}
	return ev.Stamp(now), nil
}
