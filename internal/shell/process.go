package shell

import "context"

// Process is a long-lived interactive program. Writes go to its input;
// Output delivers raw chunks with no framing and is closed once nothing more
// can be read; Done is closed when the program has exited.
type Process interface {
	Write(data []byte) (int, error)
	Output() <-chan string
	Done() <-chan struct{}
	Close() error
}

// ProcessFactory spawns interactive processes.
type ProcessFactory interface {
	Spawn(ctx context.Context, program string, args ...string) (Process, error)
}

// FactoryFunc adapts a function to ProcessFactory.
type FactoryFunc func(ctx context.Context, program string, args ...string) (Process, error)

func (f FactoryFunc) Spawn(ctx context.Context, program string, args ...string) (Process, error) {
	return f(ctx, program, args...)
}

// Sink receives raw output chunks in order. Implementations must not block
// for long; write errors are logged and otherwise ignored.
type Sink interface {
	Write(chunk string) error
}

// RecordSink is implemented by sinks that render completion records
// themselves instead of receiving them as text.
type RecordSink interface {
	Sink
	WriteRecord(rec Record) error
}

// Refresher is implemented by sinks that drive a live preview. Refresh is
// called once after every Submit.
type Refresher interface {
	Refresh()
}

// RecordObserver is notified of every completion record after the sink.
type RecordObserver func(ctx context.Context, rec Record)
