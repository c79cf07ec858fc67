package directory

import (
	"testing"

	"github.com/jfreymuth/pulse/proto"
)

func TestSourceOutputMask(t *testing.T) {
	t.Parallel()

	// PA_SUBSCRIPTION_MASK_SOURCE_OUTPUT
	if sourceOutputMask != 0x0008 {
		t.Errorf("sourceOutputMask = %#x, want 0x0008", uint32(sourceOutputMask))
	}
}

func TestSourceOutputChanged(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  interface{}
		want bool
	}{
		{name: "new source output", msg: &proto.SubscribeEvent{Event: proto.EventSinkSourceOutput | proto.EventNew, Index: 7}, want: true},
		{name: "removed source output", msg: &proto.SubscribeEvent{Event: proto.EventSinkSourceOutput | proto.EventRemove}, want: true},
		{name: "changed source output", msg: &proto.SubscribeEvent{Event: proto.EventSinkSourceOutput | proto.EventChange}},
		{name: "new sink input", msg: &proto.SubscribeEvent{Event: proto.EventSinkSinkInput | proto.EventNew}},
		{name: "other message", msg: &proto.SetClientNameReply{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := sourceOutputChanged(tt.msg); got != tt.want {
				t.Errorf("sourceOutputChanged() = %v, want %v", got, tt.want)
			}
		})
	}
}
