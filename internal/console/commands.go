package console

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"golang.org/x/term"

	"flashkv/internal/flash"
)

// errQuit tells the shell loop to end the session.
var errQuit = errors.New("console: session closed")

// Session is one operator's terminal attached to the store.
type Session struct {
	user  string
	term  *term.Terminal
	store *flash.Store
	table *commandTable
}

// User returns the SSH user the session authenticated as.
func (s *Session) User() string { return s.user }

// Printf writes formatted output to the operator's terminal.
func (s *Session) Printf(format string, args ...any) {
	_, _ = fmt.Fprintf(s.term, format, args...)
}

// Command is one console command. Name carries the leading slash. Run
// receives the session and the whitespace-split arguments; a returned
// error is printed to the operator without ending the session.
type Command struct {
	Name  string
	Usage string // shown in /help instead of Name when set
	Help  string
	Run   func(s *Session, args []string) error
}

// commandTable is the fixed command set of a server: the commands handed
// to NewServer followed by the builtins. It never changes after
// construction, so sessions share it without locking.
type commandTable struct {
	list   []Command
	byName map[string]Command
}

func newCommandTable(commands []Command) *commandTable {
	t := &commandTable{byName: make(map[string]Command)}
	for _, c := range append(commands, builtins()...) {
		if c.Run == nil {
			panic("console: command " + c.Name + " has no Run")
		}
		if _, dup := t.byName[c.Name]; dup {
			panic("console: duplicate command " + c.Name)
		}
		t.list = append(t.list, c)
		t.byName[c.Name] = c
	}
	return t
}

// dispatch runs the command named on line. An unknown name is reported to
// the operator, not treated as an error.
func (t *commandTable) dispatch(s *Session, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, ok := t.byName[fields[0]]
	if !ok {
		s.Printf("Unknown command: %s (try /help)\n", fields[0])
		return nil
	}
	return cmd.Run(s, fields[1:])
}

func (t *commandTable) help() string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	for _, c := range t.list {
		label := c.Name
		if c.Usage != "" {
			label = c.Usage
		}
		_, _ = fmt.Fprintf(w, "  %s\t%s\n", label, c.Help)
	}
	_ = w.Flush()
	return b.String()
}

// builtins are the commands every console carries; the store commands are
// handed to NewServer by the daemon.
func builtins() []Command {
	return []Command{
		{
			Name: "/info",
			Help: "show store state",
			Run: func(s *Session, _ []string) error {
				keys, err := s.store.Keys()
				if err != nil {
					return err
				}
				s.Printf("region: %d  used: %d/%d  keys: %d  erase counter: %d\n",
					s.store.ActiveRegion(), s.store.Used(), s.store.Size(),
					len(keys), s.store.EraseCounter())
				return nil
			},
		},
		{
			Name: "/help",
			Help: "show this help",
			Run: func(s *Session, _ []string) error {
				s.Printf("%s", s.table.help())
				return nil
			},
		},
		{
			Name: "/quit",
			Help: "disconnect",
			Run: func(s *Session, _ []string) error {
				s.Printf("Goodbye.\n")
				return errQuit
			},
		},
	}
}
