package host

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"

	"headless/internal/logging"
)

// Interactive reports whether f is a terminal a human can type into.
func Interactive(f *os.File) bool {
	if f == nil {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Console answers inbox prompts from a terminal. An empty line declines.
type Console struct {
	inbox  *Inbox
	out    io.Writer
	read   func() ([]byte, error)
	logger *slog.Logger
}

// NewConsole reads hidden input from in. When in is not a terminal, lines
// are read verbatim, which keeps scripted runs and tests working.
func NewConsole(inbox *Inbox, in *os.File, out io.Writer, logger *slog.Logger) *Console {
	c := &Console{
		inbox:  inbox,
		out:    out,
		logger: logging.NewComponentLogger(logger, "console"),
	}
	if in != nil && term.IsTerminal(int(in.Fd())) {
		fd := int(in.Fd())
		c.read = func() ([]byte, error) { return term.ReadPassword(fd) }
	} else {
		c.read = lineReader(in)
	}
	return c
}

func lineReader(r io.Reader) func() ([]byte, error) {
	if r == nil {
		return func() ([]byte, error) { return nil, io.EOF }
	}
	scanner := bufio.NewScanner(r)
	return func() ([]byte, error) {
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		return []byte(strings.TrimRight(scanner.Text(), "\r")), nil
	}
}

// Run answers prompts one at a time until ctx ends or input is exhausted.
func (c *Console) Run(ctx context.Context) error {
	prompts := c.inbox.Subscribe()
	err := func() error {
		for _, p := range c.inbox.Prompts() {
			if err := c.ask(p); err != nil {
				return err
			}
		}
		for {
			select {
			case <-ctx.Done():
				return nil
			case p := <-prompts:
				if err := c.ask(p); err != nil {
					return err
				}
			}
		}
	}()
	if errors.Is(err, io.EOF) {
		c.logger.Info("console input closed; prompts stay available over IPC",
			logging.String(logging.FieldEventType, "console_closed"),
		)
		return nil
	}
	return err
}

func (c *Console) ask(p Prompt) error {
	if !c.inbox.Pending(p.WalletID) {
		return nil
	}
	text := p.Text
	if text == "" {
		text = "Password for wallet " + p.WalletID
	}
	fmt.Fprintf(c.out, "\n%s\nPassword (empty to decline): ", text)
	secret, err := c.read()
	fmt.Fprintln(c.out)
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	cancelled := len(secret) == 0
	if err := c.inbox.Answer(p.WalletID, secret, cancelled); err != nil {
		if errors.Is(err, ErrNoPrompt) {
			fmt.Fprintln(c.out, "Prompt was already answered.")
			return nil
		}
		return err
	}
	return nil
}
