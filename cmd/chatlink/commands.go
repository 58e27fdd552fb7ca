package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rickgao/chatlink/internal/model"
	"github.com/rickgao/chatlink/internal/session"
)

// command is one parsed line of console input.
type command struct {
	name string // Empty for plain chat text
	arg  string
}

// parseCommand splits "/name arg" input. Lines without a leading slash are chat text.
func parseCommand(line string) command {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{arg: line}
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	return command{name: strings.ToLower(name), arg: strings.TrimSpace(arg)}
}

// historyReader lists stored messages for a room.
type historyReader interface {
	Messages(ctx context.Context, roomID string) ([]model.Message, error)
}

// console executes commands against a running session.
type console struct {
	sess    *session.Session
	history historyReader
	out     io.Writer
}

// run executes one line and reports whether the user asked to quit.
func (c *console) run(ctx context.Context, line string) bool {
	cmd := parseCommand(line)

	switch cmd.name {
	case "":
		if cmd.arg == "" {
			c.sess.Touch(ctx)
			return false
		}
		room := c.sess.CurrentRoom()
		if room == "" {
			fmt.Fprintln(c.out, "join a room first: /join <room>")
			return false
		}
		if err := c.sess.SendMessage(ctx, room, cmd.arg, nil); err != nil {
			fmt.Fprintf(c.out, "not sent: %v\n", err)
		}
	case "join":
		if cmd.arg == "" {
			fmt.Fprintln(c.out, "usage: /join <room>")
			return false
		}
		if err := c.sess.EnterRoom(ctx, cmd.arg); err != nil {
			fmt.Fprintf(c.out, "join failed: %v\n", err)
		}
	case "leave":
		c.sess.ExitRoom(ctx)
	case "typing":
		c.sess.Touch(ctx)
	case "stop":
		c.sess.StopTyping(ctx)
	case "stream":
		room := c.sess.CurrentRoom()
		if room == "" || cmd.arg == "" {
			fmt.Fprintln(c.out, "usage: /stream <text> (inside a room)")
			return false
		}
		code, err := c.sess.SendStreamMessage(ctx, room, cmd.arg, nil)
		if err != nil {
			fmt.Fprintf(c.out, "stream not sent: %v\n", err)
			return false
		}
		fmt.Fprintf(c.out, "streaming %s\n", code)
	case "history":
		c.printHistory(ctx)
	case "retry":
		if err := c.sess.ManualRetry(ctx); err != nil {
			fmt.Fprintf(c.out, "retry failed: %v\n", err)
		}
	case "status":
		c.printStatus()
	case "quit", "exit":
		return true
	default:
		fmt.Fprintf(c.out, "unknown command /%s\n", cmd.name)
	}
	return false
}

func (c *console) printHistory(ctx context.Context) {
	room := c.sess.CurrentRoom()
	if room == "" || c.history == nil {
		fmt.Fprintln(c.out, "no room joined")
		return
	}
	msgs, err := c.history.Messages(ctx, room)
	if err != nil {
		fmt.Fprintf(c.out, "history failed: %v\n", err)
		return
	}
	for _, m := range msgs {
		text := m.Text
		if m.Revoked {
			text = "(revoked)"
		}
		fmt.Fprintf(c.out, "%s %s: %s\n", m.SentAt.Format(time.Kitchen), senderName(m), text)
	}
}

func (c *console) printStatus() {
	snap := c.sess.Snapshot()
	st := snap.Connection
	fmt.Fprintf(c.out, "connection: %s (failures %d, exhausted %v)\n", st.State, st.ConsecutiveFailures, st.Exhausted)
	fmt.Fprintf(c.out, "room: %q\n", snap.CurrentRoom)
	fmt.Fprintf(c.out, "streams: %d active, %d complete, %d errored\n", snap.Streams.Active, snap.Streams.Completed, snap.Streams.Errored)
}

func senderName(m model.Message) string {
	if m.SenderName != "" {
		return m.SenderName
	}
	return string(m.SenderID)
}
