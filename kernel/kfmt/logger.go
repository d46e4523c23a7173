package kfmt

// Logger emits Printf output tagged with the name of the module that produced
// it, e.g. "[pmm] committed 4 pages". Loggers are meant to be declared as
// package-level values.
type Logger struct {
	Module string
}

// Printf writes the module tag followed by the formatted message to the
// active output sink.
func (l Logger) Printf(format string, args ...interface{}) {
	writeByte(outputSink, '[')
	for i := 0; i < len(l.Module); i++ {
		writeByte(outputSink, l.Module[i])
	}
	writeByte(outputSink, ']')
	writeByte(outputSink, ' ')
	Fprintf(outputSink, format, args...)
}

// sinkWriter forwards writes to the active output sink.
type sinkWriter struct{}

func (sinkWriter) Write(p []byte) (int, error) {
	doWrite(outputSink, p)
	return len(p), nil
}

// Writer returns an io.Writer that tags every line written to it with the
// module name. It is meant for multi-line reports and allocates, so it must
// not be used before the Go allocator is available.
func (l Logger) Writer() *PrefixWriter {
	return &PrefixWriter{
		Sink:   sinkWriter{},
		Prefix: []byte("[" + l.Module + "] "),
	}
}
