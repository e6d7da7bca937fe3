package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alexjbarnes/agri-chat/internal/chatsync"
	"github.com/alexjbarnes/agri-chat/internal/models"
	"github.com/alexjbarnes/agri-chat/internal/wire"
)

// errConsoleClosed ends the daemon when stdin reaches EOF.
var errConsoleClosed = errors.New("console closed")

const consoleHelp = `commands:
  /new [type]                 start a new chat
  /chat <id>                  switch to a chat
  /chats                      list chats
  /history                    show the current chat
  /attach <path> <mime> [text] send a file with an optional caption
  /retry <message-id>         re-upload and send a failed attachment
  /discard <message-id>       drop an unsent message
  /delete                     delete the current chat
  /status                     show connection state
  /help                       show this help
anything else is sent as a message to the current chat`

type messageComposer interface {
	NewChat(chatType string) (models.ChatSession, error)
	SendText(ctx context.Context, chatID, text string) (models.ChatMessage, error)
	SendMedia(ctx context.Context, chatID string, r io.Reader, mimeType, caption string) (models.ChatMessage, error)
	Retry(ctx context.Context, messageID string) (models.ChatMessage, error)
	Discard(messageID string) error
}

type chatHistory interface {
	Sessions(ctx context.Context) ([]models.ChatSession, error)
	History(ctx context.Context, chatID string) ([]models.ChatMessage, error)
	DeleteSession(ctx context.Context, chatID string) error
	Resolve(chatID string) string
}

type statusReporter interface {
	Status() chatsync.SyncStatus
}

// console is a line-oriented chat client over stdin and stdout.
type console struct {
	composer messageComposer
	history  chatHistory
	status   statusReporter
	bus      *chatsync.Bus
	out      io.Writer
	current  string
}

func runConsole(ctx context.Context, a *app, in io.Reader, out io.Writer) error {
	c := &console{
		composer: a.composer,
		history:  a.reconciler,
		status:   a.supervisor,
		bus:      a.bus,
		out:      out,
	}

	return c.run(ctx, in)
}

func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)

	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	replies := c.bus.Subscribe(chatsync.ByAction(wire.ActionChat, wire.ActionRecommendation, wire.ActionSelection))
	defer replies.Close()

	fmt.Fprintln(c.out, "type /help for commands")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case line, ok := <-lines:
			if !ok {
				return errConsoleClosed
			}

			if err := c.handle(ctx, strings.TrimSpace(line)); err != nil {
				fmt.Fprintf(c.out, "error: %v\n", err)
			}

		case msg, ok := <-replies.C():
			if !ok {
				return nil
			}

			c.show(msg)
		}
	}
}

func (c *console) handle(ctx context.Context, line string) error {
	if line == "" {
		return nil
	}

	if !strings.HasPrefix(line, "/") {
		msg, err := c.composer.SendText(ctx, c.current, line)
		if msg.ChatID != "" {
			c.current = msg.ChatID
		}

		return err
	}

	fields := strings.Fields(line)

	switch fields[0] {
	case "/help":
		fmt.Fprintln(c.out, consoleHelp)

	case "/new":
		chatType := ""
		if len(fields) > 1 {
			chatType = fields[1]
		}

		s, err := c.composer.NewChat(chatType)
		if err != nil {
			return err
		}

		c.current = s.ID
		fmt.Fprintf(c.out, "started chat %s (%s)\n", s.ID, s.ChatType)

	case "/chat":
		if len(fields) != 2 {
			return fmt.Errorf("usage: /chat <id>")
		}

		c.current = c.history.Resolve(fields[1])
		fmt.Fprintf(c.out, "switched to %s\n", c.current)

	case "/chats":
		sessions, err := c.history.Sessions(ctx)
		if err != nil {
			return err
		}

		for _, s := range sessions {
			marker := " "
			if s.ID == c.current {
				marker = "*"
			}

			fmt.Fprintf(c.out, "%s %s  %-12s %s\n", marker, s.ID, s.ChatType, formatTS(s.LastActivityTS))
		}

	case "/history":
		if c.current == "" {
			return fmt.Errorf("no chat selected")
		}

		msgs, err := c.history.History(ctx, c.current)
		if err != nil {
			return err
		}

		for _, m := range msgs {
			c.printMessage(m.Role, m.Optimistic(), m.Parts)
		}

	case "/attach":
		if len(fields) < 3 {
			return fmt.Errorf("usage: /attach <path> <mime> [caption]")
		}

		f, err := os.Open(fields[1])
		if err != nil {
			return err
		}
		defer f.Close()

		caption := strings.Join(fields[3:], " ")

		msg, err := c.composer.SendMedia(ctx, c.current, f, fields[2], caption)
		if msg.ChatID != "" {
			c.current = msg.ChatID
		}

		if err != nil && msg.ID != "" {
			return fmt.Errorf("%w (message %s kept, /retry or /discard it)", err, msg.ID)
		}

		return err

	case "/retry":
		if len(fields) != 2 {
			return fmt.Errorf("usage: /retry <message-id>")
		}

		msg, err := c.composer.Retry(ctx, fields[1])
		if err != nil {
			return err
		}

		fmt.Fprintf(c.out, "sent %s\n", msg.ID)

	case "/discard":
		if len(fields) != 2 {
			return fmt.Errorf("usage: /discard <message-id>")
		}

		if err := c.composer.Discard(fields[1]); err != nil {
			return err
		}

		fmt.Fprintf(c.out, "discarded %s\n", fields[1])

	case "/delete":
		if c.current == "" {
			return fmt.Errorf("no chat selected")
		}

		if err := c.history.DeleteSession(ctx, c.current); err != nil {
			return err
		}

		fmt.Fprintf(c.out, "deleted %s\n", c.current)
		c.current = ""

	case "/status":
		st := c.status.Status()
		fmt.Fprintf(c.out, "%s, online=%t, queued=%d\n", st.State, st.Online, st.Queued)

	default:
		return fmt.Errorf("unknown command %s", fields[0])
	}

	return nil
}

// show prints server traffic for the current chat.
func (c *console) show(msg wire.ActionMessage) {
	if c.current == "" {
		return
	}

	c.current = c.history.Resolve(c.current)
	if c.history.Resolve(msg.ChatID()) != c.current {
		return
	}

	switch p := msg.Payload.(type) {
	case wire.ChatReply:
		if p.Role == models.RoleUser {
			return
		}

		c.printMessage(p.Role, false, p.Parts)

	case wire.Recommendation:
		fmt.Fprintln(c.out, "assistant: recommended crops")

		for _, crop := range p.Crops {
			fmt.Fprintf(c.out, "  - %s (%.2f) %s\n", crop.Name, crop.Score, crop.Reason)
		}

	case wire.Selection:
		fmt.Fprintf(c.out, "assistant: %s\n", p.Prompt)

		for i, o := range p.Options {
			fmt.Fprintf(c.out, "  %d. %s\n", i+1, o)
		}
	}
}

func (c *console) printMessage(role models.Role, pending bool, parts []models.Part) {
	prefix := string(role)
	if pending {
		prefix += " (pending)"
	}

	for _, p := range parts {
		switch {
		case p.Text != "":
			fmt.Fprintf(c.out, "%s: %s\n", prefix, p.Text)
		case p.LocalMediaPath != "":
			fmt.Fprintf(c.out, "%s: [%s] %s\n", prefix, p.MimeType, p.LocalMediaPath)
		case p.RemoteMediaRef != "":
			fmt.Fprintf(c.out, "%s: [%s] %s\n", prefix, p.MimeType, p.RemoteMediaRef)
		}
	}
}

func formatTS(ms int64) string {
	if ms == 0 {
		return "-"
	}

	return time.UnixMilli(ms).Local().Format(time.DateTime)
}
