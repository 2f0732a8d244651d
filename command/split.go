package command

import (
	"errors"
	"strings"
)

// ErrUnterminatedQuote indicates a command line ended inside an open
// quoted section.
var ErrUnterminatedQuote = errors.New("unterminated quote in command line")

// hexVal returns the value of a hex digit, or -1.
func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	default:
		return -1
	}
}

// Split tokenizes a command line into an ordered argument vector.
//
// Arguments are separated by ASCII whitespace outside of quotes.
// Double-quoted sections honor backslash escapes (\", \\, \n, \r, \t,
// \a, \b and \xNN); single-quoted sections are literal except for \'.
// Surrounding quotes are stripped. An empty or all-whitespace line
// yields an empty vector. A line ending inside an open quote returns
// ErrUnterminatedQuote.
func Split(line string) ([]string, error) {
	var args []string
	var cur strings.Builder

	i := 0
	n := len(line)

	for i < n {
		// skip whitespace between arguments
		if isSpace(line[i]) {
			i++
			continue
		}

		cur.Reset()
		done := false

		for i < n && !done {
			switch line[i] {
			case '"':
				i++
				closed := false
				for i < n {
					c := line[i]
					if c == '\\' && i+1 < n {
						next := line[i+1]
						// \xNN hex escape
						if next == 'x' && i+3 < n {
							hi, lo := hexVal(line[i+2]), hexVal(line[i+3])
							if hi >= 0 && lo >= 0 {
								cur.WriteByte(byte(hi<<4 | lo))
								i += 4
								continue
							}
						}
						switch next {
						case 'n':
							cur.WriteByte('\n')
						case 'r':
							cur.WriteByte('\r')
						case 't':
							cur.WriteByte('\t')
						case 'a':
							cur.WriteByte('\a')
						case 'b':
							cur.WriteByte('\b')
						default:
							cur.WriteByte(next)
						}
						i += 2
						continue
					}
					if c == '"' {
						i++
						closed = true
						break
					}
					cur.WriteByte(c)
					i++
				}
				if !closed {
					return nil, ErrUnterminatedQuote
				}

			case '\'':
				i++
				closed := false
				for i < n {
					c := line[i]
					if c == '\\' && i+1 < n && line[i+1] == '\'' {
						cur.WriteByte('\'')
						i += 2
						continue
					}
					if c == '\'' {
						i++
						closed = true
						break
					}
					cur.WriteByte(c)
					i++
				}
				if !closed {
					return nil, ErrUnterminatedQuote
				}

			default:
				if isSpace(line[i]) {
					done = true
					break
				}
				cur.WriteByte(line[i])
				i++
			}
		}

		args = append(args, cur.String())
	}

	if args == nil {
		return []string{}, nil
	}
	return args, nil
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}
