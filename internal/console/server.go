// Package console exposes a flash store to operators over SSH: a line
// terminal where every input is a /command against the store, with public
// key authentication from an authorized_keys file.
package console

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"flashkv/internal/flash"
	"flashkv/internal/logging"
)

// Server runs operator sessions against a store. It holds no listener
// state; the caller owns the net.Listener and hands it to Serve.
type Server struct {
	log   *slog.Logger
	store *flash.Store
	table *commandTable
	cfg   *gossh.ServerConfig
}

// NewServer builds a console for st offering the given commands plus the
// builtins. authKeysPath names an OpenSSH authorized_keys file; when it is
// missing or unreadable every login is refused.
func NewServer(signer gossh.Signer, authKeysPath string, st *flash.Store, commands []Command) *Server {
	s := &Server{
		log:   logging.For("console"),
		store: st,
		table: newCommandTable(commands),
	}

	authKeys, err := readAuthorizedKeys(authKeysPath)
	if err != nil {
		s.log.Warn("no authorized keys, refusing all logins", "path", authKeysPath, "err", err)
	}
	s.cfg = &gossh.ServerConfig{PublicKeyCallback: keyChecker(authKeys)}
	s.cfg.AddHostKey(signer)
	return s
}

// Serve accepts operator connections on ln until ctx is cancelled, which
// also tears down the sessions still running.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer context.AfterFunc(ctx, func() { _ = ln.Close() })()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting console connection: %w", err)
		}
		go s.session(ctx, conn)
	}
}

// session drives one SSH connection: handshake, then a shell per opened
// session channel.
func (s *Server) session(ctx context.Context, conn net.Conn) {
	defer context.AfterFunc(ctx, func() { _ = conn.Close() })()
	defer func() { _ = conn.Close() }()

	sshConn, chans, reqs, err := gossh.NewServerConn(conn, s.cfg)
	if err != nil {
		s.log.Warn("login refused", "remote", conn.RemoteAddr(), "err", err)
		return
	}
	defer func() { _ = sshConn.Close() }()
	go gossh.DiscardRequests(reqs)

	s.log.Info("operator connected", "user", sshConn.User(), "remote", conn.RemoteAddr())

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			_ = newChan.Reject(gossh.UnknownChannelType, "console only serves sessions")
			continue
		}
		ch, chanReqs, err := newChan.Accept()
		if err != nil {
			s.log.Warn("channel accept failed", "err", err)
			continue
		}
		go s.shell(ch, chanReqs, sshConn.User())
	}
}

// shell waits for the client to ask for a shell, then runs the command
// loop until the operator quits or the channel drops.
func (s *Server) shell(ch gossh.Channel, reqs <-chan *gossh.Request, user string) {
	defer func() { _ = ch.Close() }()
	if !awaitShell(reqs) {
		return
	}

	sess := &Session{
		user:  user,
		term:  term.NewTerminal(ch, user+"> "),
		store: s.store,
		table: s.table,
	}
	sess.Printf("flashkv console. Type /help for commands.\n\n")

	for {
		line, err := sess.term.ReadLine()
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		switch {
		case line == "":
		case !strings.HasPrefix(line, "/"):
			sess.Printf("Commands start with / (try /help).\n")
		default:
			err := s.table.dispatch(sess, line)
			if errors.Is(err, errQuit) {
				return
			}
			if err != nil {
				sess.Printf("Error: %v\n", err)
			}
		}
	}
}

// awaitShell grants pty and shell requests and reports whether a shell was
// actually asked for. Once the shell is up, remaining requests (window
// resizes and the like) are refused in the background.
func awaitShell(reqs <-chan *gossh.Request) bool {
	for req := range reqs {
		granted := req.Type == "pty-req" || req.Type == "shell"
		if req.WantReply {
			_ = req.Reply(granted, nil)
		}
		if req.Type == "shell" {
			go func() {
				for later := range reqs {
					if later.WantReply {
						_ = later.Reply(false, nil)
					}
				}
			}()
			return true
		}
	}
	return false
}

// keyChecker authorizes clients whose public key appears in keys.
func keyChecker(keys []gossh.PublicKey) func(gossh.ConnMetadata, gossh.PublicKey) (*gossh.Permissions, error) {
	authorized := make(map[string]bool, len(keys))
	for _, key := range keys {
		authorized[string(key.Marshal())] = true
	}
	return func(meta gossh.ConnMetadata, key gossh.PublicKey) (*gossh.Permissions, error) {
		if authorized[string(key.Marshal())] {
			return &gossh.Permissions{}, nil
		}
		return nil, fmt.Errorf("no authorized key for %q", meta.User())
	}
}

// readAuthorizedKeys parses an authorized_keys file, one key per line,
// skipping blanks and comments.
func readAuthorizedKeys(path string) ([]gossh.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var keys []gossh.PublicKey
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		key, _, _, _, err := gossh.ParseAuthorizedKey(line)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}
