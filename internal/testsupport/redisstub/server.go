// Package redisstub implements just enough of the Redis wire protocol to
// back journal integration tests without a real Redis instance. It accepts
// the client handshake and records XADD appends per stream.
package redisstub

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password string
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	streams  map[string][]Entry
	closed   chan struct{}
}

// Entry is one recorded stream append.
type Entry struct {
	ID     string
	Values map[string]string
}

func Start(opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	server := &Server{
		opts:     opts,
		listener: ln,
		addr:     ln.Addr().String(),
		streams:  make(map[string][]Entry),
		closed:   make(chan struct{}),
	}
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

// Entries returns a copy of everything appended to stream so far.
func (s *Server) Entries(stream string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.streams[stream]
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			writeError(writer, "ERR wrong number of arguments")
			continue
		}
		cmd := strings.ToUpper(args[0])
		switch cmd {
		case "PING":
			if err := writeSimpleString(writer, "PONG"); err != nil {
				return
			}
		case "HELLO", "CLIENT":
			// Error replies here make the client fall back to the plain
			// RESP2 handshake rather than disconnect.
			if err := writeError(writer, "ERR unsupported command"); err != nil {
				return
			}
		case "AUTH":
			password := ""
			switch len(args) {
			case 2:
				password = args[1]
			case 3:
				password = args[2]
			default:
				if err := writeError(writer, "ERR wrong number of arguments for 'auth'"); err != nil {
					return
				}
				continue
			}
			if s.opts.Password == "" || password == s.opts.Password {
				authenticated = true
				if err := writeSimpleString(writer, "OK"); err != nil {
					return
				}
			} else {
				if err := writeError(writer, "WRONGPASS invalid username-password pair"); err != nil {
					return
				}
			}
		case "SELECT":
			if err := writeSimpleString(writer, "OK"); err != nil {
				return
			}
		default:
			if !authenticated {
				if err := writeError(writer, "NOAUTH Authentication required."); err != nil {
					return
				}
				continue
			}
			if !s.dispatch(writer, args) {
				return
			}
		}
	}
}

func (s *Server) dispatch(writer *bufio.Writer, args []string) bool {
	cmd := strings.ToUpper(args[0])
	switch cmd {
	case "XADD":
		if len(args) < 5 {
			_ = writeError(writer, "ERR wrong number of arguments for 'xadd'")
			return false
		}
		stream := args[1]
		id := args[2]
		if id == "*" {
			id = fmt.Sprintf("%d-0", time.Now().UnixNano())
		}
		values := make(map[string]string)
		for i := 3; i+1 < len(args); i += 2 {
			values[args[i]] = args[i+1]
		}
		s.mu.Lock()
		s.streams[stream] = append(s.streams[stream], Entry{ID: id, Values: values})
		s.mu.Unlock()
		if err := writeBulkString(writer, id); err != nil {
			return false
		}
		return true
	default:
		_ = writeError(writer, "ERR unsupported command")
		return false
	}
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := readFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
