package protocol

import (
	"bufio"
	"io"
	"strconv"
)

// Writer encodes commands and values into the RESP wire format.
// Writes are buffered; call Flush to push them to the underlying stream.
type Writer struct {
	bw *bufio.Writer
}

// NewWriter creates a RESP writer on w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriter(w)}
}

// WriteCommand frames a command as a RESP array of bulk strings.
// Every argument is sent as a bulk string regardless of content, so
// the encoding is binary safe.
func (w *Writer) WriteCommand(args ...string) error {
	if err := w.writeArrayHeader(len(args)); err != nil {
		return err
	}
	for _, arg := range args {
		if err := w.writeBulkHeader(len(arg)); err != nil {
			return err
		}
		if _, err := w.bw.WriteString(arg); err != nil {
			return err
		}
		if err := w.writeCRLF(); err != nil {
			return err
		}
	}
	return nil
}

// WriteCommandBytes is WriteCommand for raw byte-slice arguments,
// used when arguments carry binary payloads.
func (w *Writer) WriteCommandBytes(args ...[]byte) error {
	if err := w.writeArrayHeader(len(args)); err != nil {
		return err
	}
	for _, arg := range args {
		if err := w.writeBulkHeader(len(arg)); err != nil {
			return err
		}
		if _, err := w.bw.Write(arg); err != nil {
			return err
		}
		if err := w.writeCRLF(); err != nil {
			return err
		}
	}
	return nil
}

// WriteValue writes a decoded RESP value back in wire format.
// It is primarily used by test servers that replay captured replies.
func (w *Writer) WriteValue(v Value) error {
	switch v.Type {
	case TypeStatus:
		return w.writeLine('+', v.Data)
	case TypeError:
		return w.writeLine('-', v.Data)
	case TypeInteger:
		return w.writeLine(':', []byte(strconv.FormatInt(v.Integer, 10)))
	case TypeBulk:
		if v.IsNull {
			return w.writeLine('$', []byte("-1"))
		}
		if err := w.writeBulkHeader(len(v.Data)); err != nil {
			return err
		}
		if _, err := w.bw.Write(v.Data); err != nil {
			return err
		}
		return w.writeCRLF()
	case TypeArray:
		if v.IsNull {
			return w.writeLine('*', []byte("-1"))
		}
		if err := w.writeArrayHeader(len(v.Array)); err != nil {
			return err
		}
		for _, element := range v.Array {
			if err := w.WriteValue(element); err != nil {
				return err
			}
		}
		return nil
	default:
		return &UnsupportedTypeError{Type: v.Type}
	}
}

// UnsupportedTypeError reports an attempt to encode a value with an
// unknown type tag.
type UnsupportedTypeError struct {
	Type ValueType
}

func (e *UnsupportedTypeError) Error() string {
	return "unsupported RESP value type: " + string(byte(e.Type))
}

// Flush pushes buffered bytes to the underlying writer.
func (w *Writer) Flush() error {
	return w.bw.Flush()
}

// Reset discards buffered state and redirects the writer to a new stream.
func (w *Writer) Reset(writer io.Writer) {
	w.bw.Reset(writer)
}

func (w *Writer) writeArrayHeader(n int) error {
	return w.writeLine('*', []byte(strconv.Itoa(n)))
}

func (w *Writer) writeBulkHeader(n int) error {
	return w.writeLine('$', []byte(strconv.Itoa(n)))
}

func (w *Writer) writeLine(sigil byte, body []byte) error {
	if err := w.bw.WriteByte(sigil); err != nil {
		return err
	}
	if _, err := w.bw.Write(body); err != nil {
		return err
	}
	return w.writeCRLF()
}

func (w *Writer) writeCRLF() error {
	_, err := w.bw.WriteString(CRLF)
	return err
}
