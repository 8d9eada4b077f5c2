package elog

import "fmt"

// Event is one item delivered to a build callback: either a textual
// status message or an integer build-progress percentage.
type Event interface {
	isEvent()
}

// Message is a textual status event.
type Message string

func (Message) isEvent() {}

// Percent is a build-progress percentage event.
type Percent uint8

func (Percent) isEvent() {}

// Checkpointer is implemented by views that can deliver coarse
// percentage checkpoints directly, rather than via progress bars.
type Checkpointer interface {
	Checkpoint(pct uint8)
}

// Checkpoint delivers pct to v if it supports checkpoints, and is a
// no-op otherwise.
func Checkpoint(v View, pct uint8) {
	if c, ok := v.(Checkpointer); ok {
		c.Checkpoint(pct)
	}
}

// Callback adapts a single event callback into a View. Info, print,
// warn, and error records become Message events; Checkpoint calls
// become Percent events; debug records and progress bars are dropped.
// A nil fn yields a View that discards everything.
func Callback(fn func(Event)) View {
	if fn == nil {
		return Nil()
	}
	return &callbackView{fn: fn}
}

type callbackView struct {
	fn func(Event)
}

func (v *callbackView) Debugf(format string, x ...interface{}) {}

func (v *callbackView) Errorf(format string, x ...interface{}) {
	v.fn(Message(fmt.Sprintf(format, x...)))
}

func (v *callbackView) Infof(format string, x ...interface{}) {
	v.fn(Message(fmt.Sprintf(format, x...)))
}

func (v *callbackView) Printf(format string, x ...interface{}) {
	v.fn(Message(fmt.Sprintf(format, x...)))
}

func (v *callbackView) Warnf(format string, x ...interface{}) {
	v.fn(Message(fmt.Sprintf(format, x...)))
}

func (v *callbackView) IsInfoEnabled() bool  { return true }
func (v *callbackView) IsDebugEnabled() bool { return false }

func (v *callbackView) NewProgress(label string, units string, total int64) Progress {
	return &nilProgress{}
}

func (v *callbackView) Checkpoint(pct uint8) {
	v.fn(Percent(pct))
}
