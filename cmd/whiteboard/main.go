// whiteboard joins a board from the terminal. It prints the roster and
// connection notifications as they change, optionally paints a file of
// strokes once connected, and saves the board as a PNG on exit.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"whiteboard/internal/config"
	"whiteboard/internal/presence"
	"whiteboard/internal/protocol"
	"whiteboard/internal/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		name     string
		color    string
		strokes  string
		out      string
		duration time.Duration
		debug    bool
	)

	flagSet := pflag.NewFlagSet("whiteboard", pflag.ContinueOnError)
	flagSet.StringVar(&name, "name", "", "display name (2-30 characters)")
	flagSet.StringVar(&color, "color", "", "avatar color (default: random)")
	flagSet.StringVar(&strokes, "strokes", "", "JSON file of drawing events to paint once connected")
	flagSet.StringVar(&out, "out", "", "write the board to this PNG file on exit")
	flagSet.DurationVar(&duration, "duration", 0, "leave after this long (default: until interrupted)")
	flagSet.BoolVar(&debug, "debug", false, "log at debug level")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	var events []protocol.DrawEvent
	if strokes != "" {
		data, err := os.ReadFile(strokes)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &events); err != nil {
			return fmt.Errorf("parse %s: %w", strokes, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}

	if color == "" {
		color = presence.RandomAvatarColor()
	}

	s := session.New(cfg, session.WithLogger(logger))
	//goland:noinspection GoUnhandledErrorResult
	defer s.Close()

	if err := s.Connect(protocol.UserInfo{Name: name, AvatarColor: color}); err != nil {
		return err
	}
	if user, ok := s.CurrentUser(); ok {
		fmt.Printf("joining %s as %s\n", cfg.ResolveBackendURL(), user.Name)
	}

	var (
		roster  string
		waking  bool
		painted = len(events) == 0
	)

	for {
		select {
		case <-ctx.Done():
			return save(s, out)
		case <-s.Changes():
		}

		for _, n := range s.Notifications() {
			fmt.Printf("[%s] %s\n", n.Type, n.Message)
			if err := s.DismissNotification(n.ID); err != nil {
				return err
			}
		}

		if w := s.Waking(); w != waking {
			waking = w
			if waking {
				fmt.Println("server is waking up...")
			}
		}

		if r := formatRoster(s.Users(), s.LocalID()); r != roster {
			roster = r
			fmt.Print(roster)
		}

		if !painted && s.Connected() {
			painted = true
			for _, ev := range events {
				if !ev.Valid() {
					continue
				}
				if _, err := s.Paint(*ev.From, *ev.To, ev.Color, ev.BrushSize, ev.Tool); err != nil {
					return err
				}
			}
			fmt.Printf("painted %d strokes\n", len(events))
		}
	}
}

// formatRoster renders the users online, one per line, marking the
// local user.
func formatRoster(users []protocol.User, localID string) string {
	if len(users) == 0 {
		return ""
	}

	var b strings.Builder
	if len(users) == 1 {
		b.WriteString("1 user online\n")
	} else {
		fmt.Fprintf(&b, "%d users online\n", len(users))
	}
	for _, u := range users {
		fmt.Fprintf(&b, "  [%s] %s", presence.Initials(u.Name), u.Name)
		if u.ID == localID {
			b.WriteString(" (You)")
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func save(s *session.Session, path string) error {
	if path == "" {
		return nil
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := s.WritePNG(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Printf("saved board to %s\n", path)
	return nil
}
