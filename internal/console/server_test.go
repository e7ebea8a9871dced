package console_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	gossh "golang.org/x/crypto/ssh"

	"flashkv/internal/console"
	"flashkv/internal/flash"
	"flashkv/internal/flash/memdev"
	"flashkv/internal/logging"
)

type fixture struct {
	addr   string
	store  *flash.Store
	signer gossh.Signer // client key accepted by the server
}

func tempStore(t *testing.T) *flash.Store {
	t.Helper()
	st := flash.New(memdev.New(8192))
	if err := st.Init(); err != nil {
		t.Fatalf("store init: %v", err)
	}
	return st
}

func tempHostKey(t *testing.T) gossh.Signer {
	t.Helper()
	signer, err := console.LoadHostKey(filepath.Join(t.TempDir(), "host.key"))
	if err != nil {
		t.Fatalf("host key: %v", err)
	}
	return signer
}

// writeClientKey creates a client keypair, writes the public half to an
// authorized_keys file, and returns the signer plus the file path.
func writeClientKey(t *testing.T) (gossh.Signer, string) {
	t.Helper()
	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating client key: %v", err)
	}
	sshPub, err := gossh.NewPublicKey(clientPub)
	if err != nil {
		t.Fatalf("converting client key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "authorized_keys")
	if err := os.WriteFile(path, gossh.MarshalAuthorizedKey(sshPub), 0600); err != nil {
		t.Fatalf("writing authorized_keys: %v", err)
	}
	signer, err := gossh.NewSignerFromKey(clientPriv)
	if err != nil {
		t.Fatalf("client signer: %v", err)
	}
	return signer, path
}

// startServer serves a console for a fresh store on a random port with one
// authorized client key.
func startServer(t *testing.T, commands []console.Command) *fixture {
	t.Helper()
	clientSigner, authKeysPath := writeClientKey(t)
	st := tempStore(t)
	srv := console.NewServer(tempHostKey(t), authKeysPath, st, commands)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Serve(ctx, ln) }()

	return &fixture{addr: ln.Addr().String(), store: st, signer: clientSigner}
}

func (f *fixture) dial(t *testing.T) *gossh.Client {
	t.Helper()
	client, err := gossh.Dial("tcp", f.addr, &gossh.ClientConfig{
		User:            "op",
		Auth:            []gossh.AuthMethod{gossh.PublicKeys(f.signer)},
		HostKeyCallback: gossh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("ssh dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// terminalSession opens a shell and returns send/waitFor helpers.
func terminalSession(t *testing.T, client *gossh.Client) (send func(string), waitFor func(string)) {
	t.Helper()
	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })

	if err := session.RequestPty("xterm", 40, 80, gossh.TerminalModes{}); err != nil {
		t.Fatalf("pty: %v", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		t.Fatalf("stdin: %v", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		t.Fatalf("stdout: %v", err)
	}
	if err := session.Shell(); err != nil {
		t.Fatalf("shell: %v", err)
	}

	var mu sync.Mutex
	var buf strings.Builder
	go func() {
		tmp := make([]byte, 4096)
		for {
			n, err := stdout.Read(tmp)
			if n > 0 {
				mu.Lock()
				buf.Write(tmp[:n])
				mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()

	// pos tracks where we last matched, so each waitFor only looks at new output
	pos := 0

	waitFor = func(substr string) {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			mu.Lock()
			got := buf.String()
			mu.Unlock()
			if idx := strings.Index(got[pos:], substr); idx >= 0 {
				pos += idx + len(substr)
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
		mu.Lock()
		got := buf.String()
		mu.Unlock()
		t.Fatalf("timeout waiting for %q in output:\n%s", substr, got[pos:])
	}

	send = func(cmd string) {
		if _, err := stdin.Write([]byte(cmd + "\r")); err != nil {
			t.Fatalf("writing command %q: %v", cmd, err)
		}
	}
	return send, waitFor
}

func TestConsoleSession(t *testing.T) {
	capture := logging.CaptureForTest()
	defer capture.Restore()

	// Store commands in the daemon's style, handed to the server up front.
	var f *fixture
	f = startServer(t, []console.Command{
		{
			Name:  "/put",
			Usage: "/put <hex>",
			Help:  "store a value under key 1",
			Run: func(s *console.Session, args []string) error {
				if len(args) == 0 {
					s.Printf("Usage: /put <hex>\n")
					return nil
				}
				value, err := hex.DecodeString(args[0])
				if err != nil {
					return err
				}
				if err := f.store.Set(1, value); err != nil {
					return err
				}
				s.Printf("stored\n")
				return nil
			},
		},
		{
			Name: "/show",
			Help: "read key 1",
			Run: func(s *console.Session, _ []string) error {
				value, err := f.store.Get(1, 0)
				if err != nil {
					return err
				}
				s.Printf("value=%s\n", hex.EncodeToString(value))
				return nil
			},
		},
	})

	send, waitFor := terminalSession(t, f.dial(t))

	waitFor("flashkv console.")

	send("/help")
	waitFor("Commands:")
	waitFor("/put <hex>")
	waitFor("/show")
	waitFor("/info")
	waitFor("/quit")

	// Command errors are printed by the shell loop, not the handler.
	send("/show")
	waitFor("Error: flash: not found")

	send("/put c0ffee")
	waitFor("stored")

	send("/show")
	waitFor("value=c0ffee")

	send("/info")
	waitFor("keys: 1")

	send("bare words")
	waitFor("Commands start with /")

	send("/bogus")
	waitFor("Unknown command: /bogus")

	send("/quit")
	waitFor("Goodbye")

	// The command went through the real store.
	value, err := f.store.Get(1, 0)
	if err != nil || hex.EncodeToString(value) != "c0ffee" {
		t.Fatalf("store value = %x, %v", value, err)
	}

	time.Sleep(100 * time.Millisecond) // let server process disconnect

	if !capture.Has(slog.LevelInfo, "operator connected") {
		t.Error("expected INFO log: operator connected")
	}
	if capture.Count(slog.LevelError) != 0 {
		t.Errorf("unexpected ERROR logs: %d", capture.Count(slog.LevelError))
	}
}

func TestRejectsUnknownKey(t *testing.T) {
	f := startServer(t, nil)

	_, wrongPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	wrongSigner, err := gossh.NewSignerFromKey(wrongPriv)
	if err != nil {
		t.Fatal(err)
	}

	_, err = gossh.Dial("tcp", f.addr, &gossh.ClientConfig{
		User:            "intruder",
		Auth:            []gossh.AuthMethod{gossh.PublicKeys(wrongSigner)},
		HostKeyCallback: gossh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err == nil {
		t.Fatal("dial with unauthorized key should fail")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	_, authKeysPath := writeClientKey(t)
	srv := console.NewServer(tempHostKey(t), authKeysPath, tempStore(t), nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestDuplicateCommandPanics(t *testing.T) {
	_, authKeysPath := writeClientKey(t)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic for duplicate command name")
		}
		msg, ok := r.(string)
		if !ok || !strings.Contains(msg, "duplicate") {
			t.Errorf("unexpected panic value: %v", r)
		}
	}()
	console.NewServer(tempHostKey(t), authKeysPath, tempStore(t), []console.Command{
		// Collides with the /info builtin.
		{Name: "/info", Help: "shadow", Run: func(*console.Session, []string) error { return nil }},
	})
}

func TestNilRunPanics(t *testing.T) {
	_, authKeysPath := writeClientKey(t)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for command without Run")
		}
	}()
	console.NewServer(tempHostKey(t), authKeysPath, tempStore(t), []console.Command{
		{Name: "/broken", Help: "no handler"},
	})
}

func TestHostKeyStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.key")

	first, err := console.LoadHostKey(path)
	if err != nil {
		t.Fatalf("LoadHostKey: %v", err)
	}
	second, err := console.LoadHostKey(path)
	if err != nil {
		t.Fatalf("second LoadHostKey: %v", err)
	}

	a := first.PublicKey().Marshal()
	b := second.PublicKey().Marshal()
	if string(a) != string(b) {
		t.Fatal("host key changed across loads")
	}
}
