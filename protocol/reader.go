package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
)

const (
	// CRLF is the Redis protocol line terminator
	CRLF = "\r\n"

	// maxBulkSize bounds bulk string allocations (512MB, the Redis
	// proto-max-bulk-len default)
	maxBulkSize = 512 * 1024 * 1024

	// maxArraySize bounds array allocations
	maxArraySize = 1024 * 1024
)

var crlfBytes = []byte(CRLF)

// Reader is a streaming RESP reader. It consumes bytes from the
// underlying stream as they become available, so a reply fragmented
// across many socket reads decodes exactly like one delivered whole.
type Reader struct {
	br *bufio.Reader
}

// NewReader creates a streaming RESP reader on r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// ReadNext reads and decodes the next RESP value from the stream.
// A RESP error reply is returned as a Value with TypeError, never as a
// Go error; the error return signals transport or protocol failure.
func (r *Reader) ReadNext() (Value, error) {
	typeByte, err := r.br.ReadByte()
	if err != nil {
		return Value{}, err
	}

	switch ValueType(typeByte) {
	case TypeStatus:
		return r.readLineValue(TypeStatus)
	case TypeError:
		return r.readLineValue(TypeError)
	case TypeInteger:
		return r.readInteger()
	case TypeBulk:
		return r.readBulk()
	case TypeArray:
		return r.readArray()
	default:
		return Value{}, fmt.Errorf("unknown RESP type: %c (0x%02x)", typeByte, typeByte)
	}
}

// readLineValue reads a single-line value (status or error).
func (r *Reader) readLineValue(t ValueType) (Value, error) {
	line, err := r.readLine()
	if err != nil {
		return Value{}, err
	}
	return Value{Type: t, Data: line}, nil
}

// readInteger reads an integer value.
func (r *Reader) readInteger() (Value, error) {
	line, err := r.readLine()
	if err != nil {
		return Value{}, err
	}

	n, err := parseInt64(line)
	if err != nil {
		return Value{}, fmt.Errorf("invalid integer: %q", line)
	}

	return Value{Type: TypeInteger, Integer: n}, nil
}

// readBulk reads a bulk string value. $-1 decodes as a null value.
func (r *Reader) readBulk() (Value, error) {
	line, err := r.readLine()
	if err != nil {
		return Value{}, err
	}

	length, err := parseInt64(line)
	if err != nil {
		return Value{}, fmt.Errorf("invalid bulk string length: %q", line)
	}

	if length == -1 {
		return Value{Type: TypeBulk, IsNull: true}, nil
	}

	if length < 0 || length > maxBulkSize {
		return Value{}, fmt.Errorf("invalid bulk string length: %d", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r.br, data); err != nil {
		return Value{}, err
	}

	if err := r.expectCRLF(); err != nil {
		return Value{}, err
	}

	return Value{Type: TypeBulk, Data: data}, nil
}

// readArray reads an array value, recursing for each element.
// *-1 decodes as a null array.
func (r *Reader) readArray() (Value, error) {
	line, err := r.readLine()
	if err != nil {
		return Value{}, err
	}

	length, err := parseInt64(line)
	if err != nil {
		return Value{}, fmt.Errorf("invalid array length: %q", line)
	}

	if length == -1 {
		return Value{Type: TypeArray, IsNull: true}, nil
	}

	if length < 0 || length > maxArraySize {
		return Value{}, fmt.Errorf("invalid array length: %d", length)
	}

	array := make([]Value, length)
	for i := int64(0); i < length; i++ {
		element, err := r.ReadNext()
		if err != nil {
			return Value{}, err
		}
		array[i] = element
	}

	return Value{Type: TypeArray, Array: array}, nil
}

// readLine reads a line terminated by CRLF, returning it without the
// terminator.
func (r *Reader) readLine() ([]byte, error) {
	line, err := r.br.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read line: %w", err)
	}

	if len(line) < 2 || !bytes.HasSuffix(line, crlfBytes) {
		return nil, fmt.Errorf("missing CRLF terminator in line %q", line)
	}

	return line[:len(line)-2], nil
}

// expectCRLF reads and validates the CRLF following a bulk payload.
func (r *Reader) expectCRLF() error {
	crlf := make([]byte, 2)
	if _, err := io.ReadFull(r.br, crlf); err != nil {
		return fmt.Errorf("failed to read CRLF terminator: %w", err)
	}

	if !bytes.Equal(crlf, crlfBytes) {
		return fmt.Errorf("expected CRLF terminator, got [%d, %d]", crlf[0], crlf[1])
	}

	return nil
}

// parseInt64 parses a signed decimal from a byte slice without allocating.
func parseInt64(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, strconv.ErrSyntax
	}

	var neg bool
	i := 0
	switch b[0] {
	case '-':
		neg = true
		i = 1
	case '+':
		i = 1
	}

	if i >= len(b) {
		return 0, strconv.ErrSyntax
	}

	var n int64
	for ; i < len(b); i++ {
		if b[i] < '0' || b[i] > '9' {
			return 0, strconv.ErrSyntax
		}
		if n > (1<<63-1)/10 {
			return 0, strconv.ErrRange
		}
		n = n*10 + int64(b[i]-'0')
	}

	if neg {
		return -n, nil
	}
	return n, nil
}
