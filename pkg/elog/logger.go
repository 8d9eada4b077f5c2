package elog

import (
	"fmt"
	"sync"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"
)

// Logger is an interface that has the ability to hide debug/info
type Logger interface {
	Debugf(format string, x ...interface{})
	Errorf(format string, x ...interface{})
	Infof(format string, x ...interface{})
	Printf(format string, x ...interface{})
	Warnf(format string, x ...interface{})
	IsInfoEnabled() bool
	IsDebugEnabled() bool
}

// Progress is an interface to display progress bars for certain operations
type Progress interface {
	Finish(success bool)
	Increment(n int64)
}

// ProgressReporter is an interface that contains the ability to create a Progress bar object.
type ProgressReporter interface {
	NewProgress(label string, units string, total int64) Progress
}

// View is an interface that contains a logger and the ability to create progress objects
type View interface {
	Logger
	ProgressReporter
}

// CLI is a generic object setup for logging to terminal outputs
type CLI struct {
	DisableTTY bool
	IsDebug    bool
	IsVerbose  bool

	lock              sync.Mutex
	progressContainer *mpb.Progress
}

// Debugf is a wrapper function that executes logrus.Tracef if debug is enabled.
func (log *CLI) Debugf(format string, x ...interface{}) {
	if log.IsDebug {
		logrus.Tracef(format, x...)
	}
}

// Errorf is a wrapper function that executes logrus.Errorf
func (log *CLI) Errorf(format string, x ...interface{}) {
	logrus.Errorf(format, x...)
}

// Infof is a wrapper function that executes logrus.Debugf only if verbose is enabled.
func (log *CLI) Infof(format string, x ...interface{}) {
	if log.IsVerbose {
		logrus.Debugf(format, x...)
	}
}

// Printf is a wrapper function that executes logrus.Printf
func (log *CLI) Printf(format string, x ...interface{}) {
	logrus.Printf(format, x...)
}

// Warnf is a wrapper function that executes logrus.Warnf
func (log *CLI) Warnf(format string, x ...interface{}) {
	logrus.Warnf(format, x...)
}

// IsInfoEnabled returns whether InfoLevel logging is enabled
func (log *CLI) IsInfoEnabled() bool {
	return logrus.IsLevelEnabled(logrus.InfoLevel)
}

// IsDebugEnabled returns whether DebugLevel logging is enabled
func (log *CLI) IsDebugEnabled() bool {
	return logrus.IsLevelEnabled(logrus.DebugLevel)
}

// NewProgress creates a progress object and returns
func (log *CLI) NewProgress(label string, units string, total int64) Progress {

	if log.DisableTTY || total == 0 {
		return &nilProgress{}
	}

	log.lock.Lock()
	defer log.lock.Unlock()

	if log.progressContainer == nil {
		log.progressContainer = mpb.New(mpb.WithWidth(80))
	}

	var decorators []decor.Decorator
	switch units {
	case "KiB":
		decorators = append(decorators, decor.Counters(decor.UnitKiB, "% .1f / % .1f"))
	default:
		decorators = append(decorators, decor.Percentage())
	}

	p := log.progressContainer.AddBar(total,
		mpb.PrependDecorators(
			decor.Name(label, decor.WC{W: len(label) + 1, C: decor.DidentRight}),
			decor.OnComplete(
				decor.AverageETA(decor.ET_STYLE_GO, decor.WC{W: 4}), "done",
			),
		),
		mpb.AppendDecorators(decorators...),
	)

	return &pb{p: p, total: total}
}

// Format formats our logger for terminal use
func (log *CLI) Format(entry *logrus.Entry) ([]byte, error) {

	faint := color.New(color.Faint).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	blue := color.New(color.FgBlue).SprintFunc()

	x := entry.Message
	switch entry.Level {
	case logrus.TraceLevel:
		x = fmt.Sprintf("%s\n", faint(x))
	case logrus.DebugLevel:
		x = fmt.Sprintf("%s\n", blue(x))
	case logrus.WarnLevel:
		x = fmt.Sprintf("%s\n", yellow(x))
	case logrus.ErrorLevel:
		x = fmt.Sprintf("%s\n", red(x))
	default:
		x = fmt.Sprintf("%s\n", x)
	}

	return []byte(x), nil
}

type nilProgress struct {
}

func (np *nilProgress) Increment(n int64) {
}

func (np *nilProgress) Finish(success bool) {
}

type pb struct {
	p      *mpb.Bar
	closed bool
	total  int64
	bar    int64
}

// Increment increases the progress on the bar
func (pb *pb) Increment(n int64) {
	pb.bar += n
	pb.p.IncrInt64(n)
}

// Finish closes the progress bar object
func (pb *pb) Finish(success bool) {
	if pb.closed {
		return
	}
	pb.closed = true
	if pb.bar != pb.total || !success {
		pb.p.Abort(false)
	}
}

// Nil returns a View that discards everything it is given.
func Nil() View {
	return &nilView{}
}

type nilView struct {
}

func (v *nilView) Debugf(format string, x ...interface{}) {}
func (v *nilView) Errorf(format string, x ...interface{}) {}
func (v *nilView) Infof(format string, x ...interface{})  {}
func (v *nilView) Printf(format string, x ...interface{}) {}
func (v *nilView) Warnf(format string, x ...interface{})  {}
func (v *nilView) IsInfoEnabled() bool                    { return false }
func (v *nilView) IsDebugEnabled() bool                   { return false }
func (v *nilView) NewProgress(label string, units string, total int64) Progress {
	return &nilProgress{}
}
