package elog

import (
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestCallbackEvents(t *testing.T) {

	var events []Event
	v := Callback(func(e Event) {
		events = append(events, e)
	})

	v.Infof("staging %s", "image")
	v.Warnf("short table")
	Checkpoint(v, 40)

	if len(events) != 3 {
		t.Fatalf("%d events, expected 3", len(events))
	}
	if msg, ok := events[0].(Message); !ok || msg != "staging image" {
		t.Fatalf("event 0 = %#v", events[0])
	}
	if msg, ok := events[1].(Message); !ok || msg != "short table" {
		t.Fatalf("event 1 = %#v", events[1])
	}
	if pct, ok := events[2].(Percent); !ok || pct != 40 {
		t.Fatalf("event 2 = %#v", events[2])
	}

	// Debug records and progress bars are dropped.
	v.Debugf("noise")
	p := v.NewProgress("label", "KiB", 100)
	p.Increment(50)
	p.Finish(true)
	if len(events) != 3 {
		t.Fatalf("debug or progress leaked into the callback")
	}
}

func TestCallbackNilFunc(t *testing.T) {

	v := Callback(nil)
	v.Errorf("dropped")
	Checkpoint(v, 15)

	if v.IsDebugEnabled() {
		t.Fatalf("nil view claims debug is enabled")
	}
}

func TestCheckpointIgnoresPlainViews(t *testing.T) {
	// Views without checkpoint support are simply skipped.
	Checkpoint(Nil(), 70)
	Checkpoint(&CLI{DisableTTY: true}, 70)
}

func TestCLIProgressWithoutTTY(t *testing.T) {

	log := &CLI{DisableTTY: true}

	p := log.NewProgress("Writing package", "KiB", 1000)
	p.Increment(400)
	p.Increment(600)
	p.Finish(true)
	p.Finish(true)

	// A zero total also degrades to the no-op bar.
	p = log.NewProgress("Scanning", "%", 0)
	p.Finish(false)
}

func TestCLIFormat(t *testing.T) {

	log := &CLI{}

	for _, level := range []logrus.Level{
		logrus.TraceLevel,
		logrus.DebugLevel,
		logrus.InfoLevel,
		logrus.WarnLevel,
		logrus.ErrorLevel,
	} {
		out, err := log.Format(&logrus.Entry{Message: "hello", Level: level})
		if err != nil {
			t.Fatalf("format: %v", err)
		}
		s := string(out)
		if !strings.Contains(s, "hello") || !strings.HasSuffix(s, "\n") {
			t.Fatalf("level %v formatted as %q", level, s)
		}
	}
}
