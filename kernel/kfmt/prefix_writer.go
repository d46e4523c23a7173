package kfmt

import "io"

// PrefixWriter is an io.Writer that injects Prefix at the start of every line
// it forwards to Sink. It is used for multi-line dumps such as the physical
// memory map or the out-of-memory report.
type PrefixWriter struct {
	Sink   io.Writer
	Prefix []byte

	// midLine is set while the last forwarded byte was not a line feed.
	midLine bool
}

// Write forwards p to Sink. The returned byte count excludes the injected
// prefixes.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written int

	for len(p) != 0 {
		if !w.midLine {
			if _, err := w.Sink.Write(w.Prefix); err != nil {
				return written, err
			}
			w.midLine = true
		}

		end := len(p)
		for i, b := range p {
			if b == '\n' {
				end = i + 1
				w.midLine = false
				break
			}
		}

		n, err := w.Sink.Write(p[:end])
		written += n
		if err != nil {
			return written, err
		}
		p = p[end:]
	}

	return written, nil
}
