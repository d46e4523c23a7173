package kfmt

import (
	"io"
	"unsafe"
)

// maxBufSize defines the buffer size for formatting numbers.
const maxBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	numFmtBuf [maxBufSize + 1]byte

	// singleByte is a shared buffer for passing single characters to doWrite.
	singleByte = []byte(" ")

	// earlyPrintBuffer captures Printf output until an output sink is
	// attached.
	earlyPrintBuffer ringBuffer

	// outputSink receives the output of Printf. While nil, output goes to
	// earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink directs the output of Printf to w and replays into it
// whatever was captured by the early print buffer.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// Printf is an allocation-free subset of fmt.Printf that is safe to call
// before the memory manager is up. The supported verbs are:
//
//	%s string or []byte
//	%d base 10 integer
//	%x base 16 integer (lower-case)
//	%o base 8 integer
//	%t boolean
//
// An optional decimal width may precede the verb. Strings and base 10
// integers are left-padded with spaces; base 8 and 16 integers with zeroes.
//
// Only builtin types are recognized. Arguments are never checked for
// io.Stringer or error implementations so values of named types must be
// converted to the underlying builtin type by the caller.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves like Printf but writes its output to w.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex int
		width    int
		verb     byte
	)

	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			writeByte(w, format[i])
			continue
		}

		width = 0
		for i++; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}

		if i == len(format) {
			doWrite(w, errNoVerb)
			break
		}

		switch verb = format[i]; verb {
		case '%':
			writeByte(w, '%')
		case 'd', 'x', 'o', 's', 't':
			if argIndex >= len(args) {
				doWrite(w, errMissingArg)
				continue
			}
			fmtArg(w, verb, args[argIndex], width)
			argIndex++
		default:
			doWrite(w, errNoVerb)
		}
	}

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

func fmtArg(w io.Writer, verb byte, arg interface{}, width int) {
	switch verb {
	case 'd':
		fmtInt(w, arg, 10, width)
	case 'x':
		fmtInt(w, arg, 16, width)
	case 'o':
		fmtInt(w, arg, 8, width)
	case 's':
		fmtString(w, arg, width)
	case 't':
		fmtBool(w, arg)
	}
}

func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, errWrongArgType)
	case b:
		doWrite(w, trueValue)
	default:
		doWrite(w, falseValue)
	}
}

func fmtString(w io.Writer, v interface{}, width int) {
	switch s := v.(type) {
	case string:
		fmtRepeat(w, ' ', width-len(s))
		// Slicing the string into a []byte would allocate.
		for i := 0; i < len(s); i++ {
			writeByte(w, s[i])
		}
	case []byte:
		fmtRepeat(w, ' ', width-len(s))
		doWrite(w, s)
	default:
		doWrite(w, errWrongArgType)
	}
}

func fmtRepeat(w io.Writer, ch byte, count int) {
	for ; count > 0; count-- {
		writeByte(w, ch)
	}
}

// fmtInt formats any builtin integer type in the requested base.
func fmtInt(w io.Writer, v interface{}, base, width int) {
	var (
		uval     uint64
		negative bool
		padCh    byte = '0'
	)

	switch n := v.(type) {
	case uint8:
		uval = uint64(n)
	case uint16:
		uval = uint64(n)
	case uint32:
		uval = uint64(n)
	case uint64:
		uval = n
	case uint:
		uval = uint64(n)
	case uintptr:
		uval = uint64(n)
	case int8:
		uval, negative = abs(int64(n))
	case int16:
		uval, negative = abs(int64(n))
	case int32:
		uval, negative = abs(int64(n))
	case int64:
		uval, negative = abs(n)
	case int:
		uval, negative = abs(int64(n))
	default:
		doWrite(w, errWrongArgType)
		return
	}

	if base == 10 {
		padCh = ' '
	}
	if width > maxBufSize-1 {
		width = maxBufSize - 1
	}

	// Digits are emitted right to left starting at the end of numFmtBuf.
	pos := len(numFmtBuf)
	for {
		digit := byte(uval % uint64(base))
		pos--
		if digit < 10 {
			numFmtBuf[pos] = '0' + digit
		} else {
			numFmtBuf[pos] = 'a' + digit - 10
		}

		if uval /= uint64(base); uval == 0 {
			break
		}
	}

	digits := len(numFmtBuf) - pos
	if negative && padCh == ' ' {
		// The sign hugs the number and the padding goes in front of it.
		pos--
		numFmtBuf[pos] = '-'
		digits++
	}
	for ; digits < width; digits++ {
		pos--
		numFmtBuf[pos] = padCh
	}
	if negative && padCh == '0' {
		pos--
		numFmtBuf[pos] = '-'
	}

	doWrite(w, numFmtBuf[pos:])
}

func abs(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

func writeByte(w io.Writer, b byte) {
	singleByte[0] = b
	doWrite(w, singleByte)
}

// doWrite hides p from escape analysis. Without it the compiler flags p as
// escaping through the unknown io.Writer and every Printf call ends up in
// runtime.convT2E, which allocates.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
		return
	}
	earlyPrintBuffer.Write(p)
}

// noEscape hides a pointer from escape analysis (see runtime/stubs.go).
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
