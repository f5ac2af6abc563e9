package events

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

type pinged struct{ n int }
type ponged struct{ s string }

func TestPublishOrder(t *testing.T) {
	b := New(zerolog.Nop())

	var got []string
	Subscribe(b, func(e pinged) { got = append(got, "a") })
	Subscribe(b, func(e pinged) { got = append(got, "b") })
	Subscribe(b, func(e pinged) { got = append(got, "c") })

	Publish(b, pinged{n: 1})

	if strings.Join(got, "") != "abc" {
		t.Errorf("expected delivery order abc, got %v", got)
	}
}

func TestPublishIsTyped(t *testing.T) {
	b := New(zerolog.Nop())

	pings, pongs := 0, 0
	Subscribe(b, func(e pinged) { pings += e.n })
	Subscribe(b, func(e ponged) { pongs++ })

	Publish(b, pinged{n: 2})
	Publish(b, pinged{n: 3})
	Publish(b, ponged{s: "x"})

	if pings != 5 {
		t.Errorf("expected ping sum 5, got %d", pings)
	}
	if pongs != 1 {
		t.Errorf("expected 1 pong, got %d", pongs)
	}
}

func TestOff(t *testing.T) {
	b := New(zerolog.Nop())

	calls := 0
	sub := Subscribe(b, func(e pinged) { calls++ })
	Publish(b, pinged{})
	sub.Off()
	sub.Off()
	Publish(b, pinged{})

	if calls != 1 {
		t.Errorf("expected 1 call after Off, got %d", calls)
	}
	if Len[pinged](b) != 0 {
		t.Errorf("expected no subscribers, got %d", Len[pinged](b))
	}
}

func TestOffDuringPublishAppliesNextTime(t *testing.T) {
	b := New(zerolog.Nop())

	second := 0
	var sub2 *Subscription
	Subscribe(b, func(e pinged) { sub2.Off() })
	sub2 = Subscribe(b, func(e pinged) { second++ })

	Publish(b, pinged{})
	Publish(b, pinged{})

	if second != 1 {
		t.Errorf("expected second subscriber to see only the first publish, got %d", second)
	}
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	var buf bytes.Buffer
	b := New(zerolog.New(&buf))

	after := 0
	Subscribe(b, func(e pinged) { panic("boom") })
	Subscribe(b, func(e pinged) { after++ })

	Publish(b, pinged{})

	if after != 1 {
		t.Errorf("expected later subscriber to run, got %d", after)
	}
	if !strings.Contains(buf.String(), "event subscriber panicked") {
		t.Errorf("expected panic to be logged, got %q", buf.String())
	}
}
