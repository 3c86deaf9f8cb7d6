package commandpipe

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/ketrew/pkg/log"
	"github.com/cuemby/ketrew/pkg/storage"
	"github.com/cuemby/ketrew/pkg/types"
)

// Pipe listens on a Unix domain socket and turns each accepted line into a
// durably-queued types.Command. It does not itself decide
// whether a command is meaningful for its target's current state — that
// judgment, and the idempotence it implies, belongs to pkg/engine's
// classify/apply phases.
type Pipe struct {
	store    storage.Store
	listener net.Listener
	path     string

	mu   sync.Mutex
	done chan struct{}
	wg   sync.WaitGroup
}

// Listen creates (replacing any stale file) a Unix domain socket at path
// and returns a Pipe ready to Serve.
func Listen(store storage.Store, path string) (*Pipe, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("commandpipe: remove stale socket: %w", err)
	}
	lis, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("commandpipe: listen %s: %w", path, err)
	}
	return &Pipe{store: store, listener: lis, path: path, done: make(chan struct{})}, nil
}

// Serve accepts connections until Close is called. Each connection is
// handled on its own goroutine and may send any number of newline-
// terminated commands before closing.
func (p *Pipe) Serve() error {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-p.done:
				return nil
			default:
				return fmt.Errorf("commandpipe: accept: %w", err)
			}
		}
		p.wg.Add(1)
		go p.handle(conn)
	}
}

// Close stops accepting new connections, waits for in-flight ones to
// finish, and removes the socket file.
func (p *Pipe) Close() error {
	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		return nil
	default:
		close(p.done)
	}
	p.mu.Unlock()

	err := p.listener.Close()
	p.wg.Wait()
	_ = os.Remove(p.path)
	return err
}

func (p *Pipe) handle(conn net.Conn) {
	defer p.wg.Done()
	defer conn.Close()

	logger := log.WithComponent("commandpipe")
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, err := parseLine(line)
		if err != nil {
			fmt.Fprintf(conn, "error: %s\n", err)
			continue
		}
		if err := p.store.AppendCommand(cmd); err != nil {
			logger.Error().Err(err).Str("command", line).Msg("failed to queue command")
			fmt.Fprintf(conn, "error: %s\n", err)
			continue
		}
		fmt.Fprintf(conn, "ok %s\n", cmd.ID)
	}
}

// parseLine turns one line of the protocol ("step", "kill <id>",
// "restart <id>", "pause", "resume") into a durable Command. Unrecognized
// verbs and missing ids fail without mutating any state.
func parseLine(line string) (*types.Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	cmd := &types.Command{ID: uuid.NewString(), CreatedAt: time.Now()}
	switch fields[0] {
	case "step":
		cmd.Kind = types.CommandStep
	case "pause":
		cmd.Kind = types.CommandPause
	case "resume":
		cmd.Kind = types.CommandResume
	case "kill":
		if len(fields) != 2 {
			return nil, fmt.Errorf("kill requires exactly one target id")
		}
		cmd.Kind = types.CommandKill
		cmd.TargetID = fields[1]
	case "restart":
		if len(fields) != 2 {
			return nil, fmt.Errorf("restart requires exactly one target id")
		}
		cmd.Kind = types.CommandRestart
		cmd.TargetID = fields[1]
	default:
		return nil, fmt.Errorf("unrecognized command %q", fields[0])
	}
	return cmd, nil
}
