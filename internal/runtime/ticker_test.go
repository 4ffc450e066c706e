package runtime

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestTickerDeliversTicks(t *testing.T) {
	bus := newTestBus(t)
	source := MakeAddress(testNode, "timer")
	target := MakeAddress(testNode, "pub-1")
	inbox := testInbox(t, bus, target)

	ticker := StartTicker(testContext(t), bus, clock.New(), source, target, 10*time.Millisecond)
	defer ticker.Stop()

	env := recvEnvelope(t, inbox)
	if env.Kind != KindTick {
		t.Fatalf("expected a tick, got %s", env.Kind)
	}
	if env.Source != source {
		t.Fatalf("expected the timer as source, got %s", env.Source)
	}
	decodeAs[TickBody](t, env)
}

func TestTickerStopHalts(t *testing.T) {
	bus := newTestBus(t)
	source := MakeAddress(testNode, "timer")
	target := MakeAddress(testNode, "pub-2")
	inbox := testInbox(t, bus, target)

	ticker := StartTicker(testContext(t), bus, clock.New(), source, target, 10*time.Millisecond)
	recvEnvelope(t, inbox)
	ticker.Stop()

	// drain anything that raced the stop, then expect quiet
	deadline := time.After(100 * time.Millisecond)
drain:
	for {
		select {
		case msg := <-inbox:
			msg.Ack()
		case <-deadline:
			break drain
		}
	}
	expectSilence(t, inbox)
}
