package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// CtlSocketEnv is the environment variable a running scriptlet reads to
// find the control-channel socket.
const CtlSocketEnv = "PARTS_CTL_SOCKET"

// readChunkSize is the per-Read buffer size the control protocol uses.
const readChunkSize = 1024

// maxMessageSize bounds how much a single connection may send before
// the server gives up and treats the connection as fatal, so an
// untrusted scriptlet can't make the engine allocate without limit.
const maxMessageSize = 1 << 20 // 1 MiB

// ControlHandler implements the three control commands a scriptlet may
// invoke. Default re-enters the step's built-in action; an error it
// returns propagates out of the server loop and is never turned into an
// ERR reply. Set and Get report recoverable collaborator errors, which
// the server turns into ERR replies.
type ControlHandler struct {
	Default func(ctx context.Context) error
	Set     func(key, value string) error
	Get     func(name string) (string, error)
}

// ControlServer is the local byte-stream server exposing default/set/get
// to a running scriptlet. One ControlServer is created
// per scriptlet invocation and torn down with it.
//
// Grounded on distri's internal/fuse control socket setup
// (net.Listen("unix", ...) inside a per-invocation temp dir, background
// accept goroutine; internal/fuse/fuse.go's fs.ctl), adapted from gRPC
// (long-lived multi-call service) to a JSON-per-connection protocol
// (short single-invocation exchanges). The accept loop and its
// per-connection handlers run under an errgroup.Group, the same
// concurrency shape as distri's PkgSource parallel DWARF walk in
// internal/build/build.go: any handler's error cancels the shared
// context, which is also what tears down the scriptlet's child process
// (see RunScript).
type ControlServer struct {
	path    string
	ln      net.Listener
	handler ControlHandler

	eg         *errgroup.Group
	cancelFunc context.CancelFunc
	fatalErr   error
}

// NewControlServer binds a socket at <dir>/craftctl.socket. dir's mode
// is set to 0700 so the socket path is only reachable by the invoking
// user.
func NewControlServer(dir string, handler ControlHandler) (*ControlServer, error) {
	if err := os.Chmod(dir, 0700); err != nil {
		return nil, xerrors.Errorf("chmod %s: %w", dir, err)
	}
	path := filepath.Join(dir, "craftctl.socket")
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, xerrors.Errorf("listen on %s: %w", path, err)
	}
	return &ControlServer{path: path, ln: ln, handler: handler}, nil
}

// Path returns the socket path to export as PARTS_CTL_SOCKET.
func (s *ControlServer) Path() string { return s.path }

// Start begins accepting connections and returns a context derived from
// parent that is canceled when a fatal control-API error occurs (a
// `default` re-entry raising an error) or when Close is called. The
// caller must run the scriptlet's child process under the returned
// context so a fatal error kills it.
func (s *ControlServer) Start(parent context.Context) context.Context {
	egCtx, cancel := context.WithCancel(parent)
	eg, egCtx := errgroup.WithContext(egCtx)
	s.eg = eg

	go func() {
		<-egCtx.Done()
		s.ln.Close()
	}()

	eg.Go(func() error {
		for {
			conn, err := s.ln.Accept()
			if err != nil {
				return nil
			}
			eg.Go(func() error {
				return s.handleConn(egCtx, conn)
			})
		}
	})

	s.cancelFunc = cancel
	return egCtx
}

// Close stops the server, waits for in-flight connections, and returns
// the first fatal error a connection raised (a malformed or oversized
// request, or a failed `default` re-entry), if any.
func (s *ControlServer) Close() error {
	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	s.ln.Close()
	if s.eg != nil {
		s.fatalErr = s.eg.Wait()
	}
	os.Remove(s.path)
	return s.fatalErr
}

type ctlRequest struct {
	Function string   `json:"function"`
	Args     []string `json:"args"`
}

// handleConn services one connection to completion. A non-nil return
// value is always a fatal error (malformed request or a `default`
// re-entry failure); recoverable errors are written as an ERR reply and
// handleConn returns nil.
func (s *ControlServer) handleConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	var buf bytes.Buffer
	chunk := make([]byte, readChunkSize)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if buf.Len() > maxMessageSize {
				return xerrors.Errorf("control request exceeded %d bytes", maxMessageSize)
			}
		}
		if err != nil {
			break // EOF (or any read error) ends the connection
		}
		if n == 0 {
			break
		}
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(buf.Bytes(), &raw); err != nil {
		return xerrors.Errorf("malformed control request: %w", err)
	}
	fnRaw, ok := raw["function"]
	if !ok {
		return xerrors.Errorf("control request missing required field %q", "function")
	}
	argsRaw, ok := raw["args"]
	if !ok {
		return xerrors.Errorf("control request missing required field %q", "args")
	}
	var req ctlRequest
	if err := json.Unmarshal(fnRaw, &req.Function); err != nil {
		return xerrors.Errorf("malformed control request: %w", err)
	}
	if err := json.Unmarshal(argsRaw, &req.Args); err != nil {
		return xerrors.Errorf("malformed control request: %w", err)
	}

	switch req.Function {
	case "default":
		if len(req.Args) != 0 {
			writeErr(conn, "invalid arguments to command 'default'")
			return nil
		}
		if err := s.handler.Default(ctx); err != nil {
			return err
		}
		writeOK(conn, "")

	case "set":
		if len(req.Args) != 1 {
			writeErr(conn, "invalid arguments to command 'set' (want key=value)")
			return nil
		}
		idx := strings.IndexByte(req.Args[0], '=')
		if idx < 0 {
			writeErr(conn, "invalid arguments to command 'set' (want key=value)")
			return nil
		}
		key, value := req.Args[0][:idx], req.Args[0][idx+1:]
		if err := s.handler.Set(key, value); err != nil {
			writeErr(conn, err.Error())
			return nil
		}
		writeOK(conn, "")

	case "get":
		if len(req.Args) != 1 {
			writeErr(conn, "invalid arguments to command 'get' (want name)")
			return nil
		}
		val, err := s.handler.Get(req.Args[0])
		if err != nil {
			writeErr(conn, err.Error())
			return nil
		}
		writeOK(conn, val)

	default:
		writeErr(conn, fmt.Sprintf("unknown command %q", req.Function))
	}
	return nil
}

func writeOK(conn net.Conn, value string) {
	if value == "" {
		conn.Write([]byte("OK\n"))
		return
	}
	conn.Write([]byte("OK " + value + "\n"))
}

func writeErr(conn net.Conn, message string) {
	conn.Write([]byte("ERR " + message + "\n"))
}
