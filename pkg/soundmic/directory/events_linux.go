package directory

import (
	"context"
	"fmt"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"
)

// sourceOutputMask selects recording stream events. The library names the
// source-output bit after its "source input" facility.
const sourceOutputMask = proto.SubscriptionMaskSourceInput

// sourceOutputChanged reports whether msg announces a recording stream
// appearing or going away.
func sourceOutputChanged(msg interface{}) bool {
	event, ok := msg.(*proto.SubscribeEvent)
	if !ok || event.Event.GetFacility() != proto.EventSinkSourceOutput {
		return false
	}

	switch event.Event.GetType() {
	case proto.EventNew, proto.EventRemove:
		return true
	default:
		return false
	}
}

// WatchStreams subscribes to the sound server's recording stream events and
// sends on the returned channel whenever a source output appears or goes
// away. Bursts coalesce into one notification. The subscription ends when
// ctx is done.
func WatchStreams(ctx context.Context, logger *zap.SugaredLogger) (<-chan struct{}, error) {
	logger = logger.Named("stream_events")

	client, conn, err := proto.Connect("")
	if err != nil {
		logger.Warnw("Failed to establish sound server connection", "error", err)
		return nil, fmt.Errorf("establish sound server connection: %w", err)
	}

	request := proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString("soundmic"),
		},
	}
	reply := proto.SetClientNameReply{}

	if err := client.Request(&request, &reply); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set client name: %w", err)
	}

	changes := make(chan struct{}, 1)

	client.Callback = func(msg interface{}) {
		if !sourceOutputChanged(msg) {
			return
		}

		event := msg.(*proto.SubscribeEvent)
		logger.Debugw("Source output changed", "index", event.Index, "type", event.Event.GetType())

		select {
		case changes <- struct{}{}:
		default:
		}
	}

	if err := client.Request(&proto.Subscribe{Mask: sourceOutputMask}, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe to source output events: %w", err)
	}

	go func() {
		<-ctx.Done()

		if err := conn.Close(); err != nil {
			logger.Debugw("Failed to close sound server connection", "error", err)
		}
		logger.Debug("Stopped watching stream events")
	}()

	logger.Debug("Watching stream events")

	return changes, nil
}
