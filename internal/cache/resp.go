package cache

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

// respKind is the RESP2 type marker of a reply.
type respKind byte

const (
	kindStatus respKind = '+'
	kindError  respKind = '-'
	kindInt    respKind = ':'
	kindBulk   respKind = '$'
	kindArray  respKind = '*'
)

type reply struct {
	kind  respKind
	str   []byte
	n     int64
	null  bool
	elems []reply
}

func (r reply) status(want string) bool {
	return r.kind == kindStatus && string(r.str) == want
}

// serverError is an error reply sent by the server. The connection stays usable.
type serverError string

func (e serverError) Error() string { return "valkey: " + string(e) }

// appendCommand encodes args as a RESP array of bulk strings.
func appendCommand(buf []byte, args ...[]byte) []byte {
	buf = append(buf, '*')
	buf = strconv.AppendInt(buf, int64(len(args)), 10)
	buf = append(buf, '\r', '\n')
	for _, a := range args {
		buf = append(buf, '$')
		buf = strconv.AppendInt(buf, int64(len(a)), 10)
		buf = append(buf, '\r', '\n')
		buf = append(buf, a...)
		buf = append(buf, '\r', '\n')
	}
	return buf
}

func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadSlice('\n')
	if err != nil {
		return nil, err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, fmt.Errorf("resp: malformed line %q", line)
	}
	return line[:len(line)-2], nil
}

// readReply decodes one reply. Server error replies are returned as serverError.
func readReply(r *bufio.Reader) (reply, error) {
	line, err := readLine(r)
	if err != nil {
		return reply{}, err
	}
	if len(line) == 0 {
		return reply{}, fmt.Errorf("resp: empty line")
	}
	kind, body := respKind(line[0]), line[1:]
	switch kind {
	case kindStatus:
		return reply{kind: kind, str: append([]byte(nil), body...)}, nil
	case kindError:
		return reply{kind: kind}, serverError(body)
	case kindInt:
		n, err := strconv.ParseInt(string(body), 10, 64)
		if err != nil {
			return reply{}, fmt.Errorf("resp: integer: %w", err)
		}
		return reply{kind: kind, n: n}, nil
	case kindBulk:
		size, err := strconv.Atoi(string(body))
		if err != nil {
			return reply{}, fmt.Errorf("resp: bulk length: %w", err)
		}
		if size < 0 {
			return reply{kind: kind, null: true}, nil
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return reply{}, err
		}
		if buf[size] != '\r' || buf[size+1] != '\n' {
			return reply{}, fmt.Errorf("resp: bulk string not CRLF terminated")
		}
		return reply{kind: kind, str: buf[:size]}, nil
	case kindArray:
		count, err := strconv.Atoi(string(body))
		if err != nil {
			return reply{}, fmt.Errorf("resp: array length: %w", err)
		}
		if count < 0 {
			return reply{kind: kind, null: true}, nil
		}
		elems := make([]reply, 0, count)
		for i := 0; i < count; i++ {
			el, err := readReply(r)
			if err != nil {
				return reply{}, err
			}
			elems = append(elems, el)
		}
		return reply{kind: kind, elems: elems}, nil
	default:
		return reply{}, fmt.Errorf("resp: unexpected type marker %q", line[0])
	}
}
