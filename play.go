package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Swindy123/aichat/internal/models"
	"github.com/Swindy123/aichat/internal/session"
)

const playHelp = `commands:
  /start          start the game
  /end            end the game
  /new            open a fresh room
  /history        list saved conversations
  /load <id>      continue a saved conversation
  /delete <id>    delete a saved conversation
  /rooms          show rooms on the game service
  /quit           leave
anything else is sent as a guess`

func runPlay(ctx context.Context, opts *options, in io.Reader, out io.Writer) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	d, err := openDeps(cfg)
	if err != nil {
		return err
	}
	defer d.kv.Close()

	roomID := opts.room
	if roomID < 0 {
		roomID = session.NewRoomID()
	}
	p := &player{deps: d, out: out}
	p.join(roomID)
	fmt.Fprintln(out, playHelp)
	return p.loop(ctx, in)
}

// player is a terminal front end for one controller at a time.
type player struct {
	*deps
	out     io.Writer
	ctrl    *session.Controller
	printed int
}

func (p *player) join(roomID int) {
	p.ctrl = session.NewController(roomID, p.game, p.history)
	p.printed = 0
	fmt.Fprintf(p.out, "room %d, conversation %s\n", roomID, p.ctrl.ConversationID())
}

// loop reads commands until /quit, EOF or ctx is cancelled. Lines are read on
// a separate goroutine so a cancelled ctx returns without waiting for input.
func (p *player) loop(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	p.prompt()
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(p.out)
			return nil
		case err := <-readErr:
			return err
		case raw := <-lines:
			line := strings.TrimSpace(raw)
			if line == "/quit" {
				return nil
			}
			if line != "" {
				p.handle(ctx, line)
			}
			p.prompt()
		}
	}
}

func (p *player) handle(ctx context.Context, line string) {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	var err error
	switch cmd {
	case "/help":
		fmt.Fprintln(p.out, playHelp)
	case "/start":
		err = p.ctrl.Start(ctx)
	case "/end":
		err = p.ctrl.End(ctx)
	case "/new":
		p.join(session.NewRoomID())
	case "/history":
		p.listHistory(ctx)
	case "/load":
		if arg == "" {
			fmt.Fprintln(p.out, "usage: /load <id>")
			return
		}
		if err = p.ctrl.LoadInto(ctx, arg); err == nil {
			p.printed = 0
			fmt.Fprintf(p.out, "loaded %s (%s)\n", arg, p.ctrl.Phase())
		}
	case "/delete":
		if arg == "" {
			fmt.Fprintln(p.out, "usage: /delete <id>")
			return
		}
		index := p.history.DeleteConversation(ctx, arg)
		fmt.Fprintf(p.out, "deleted %s, %d saved conversations left\n", arg, len(index))
	case "/rooms":
		rooms, rerr := p.game.ListRooms(ctx)
		if rerr != nil {
			fmt.Fprintf(p.out, "could not list rooms: %v\n", rerr)
			return
		}
		fmt.Fprintln(p.out, string(rooms))
	default:
		if strings.HasPrefix(cmd, "/") {
			fmt.Fprintf(p.out, "unknown command %s, try /help\n", cmd)
			return
		}
		err = p.ctrl.SubmitTurn(ctx, line)
	}
	switch {
	case errors.Is(err, session.ErrPhase):
		fmt.Fprintln(p.out, phaseHint(p.ctrl.Phase()))
	case err != nil:
		fmt.Fprintln(p.out, err)
	}
	p.flush()
}

// flush prints messages not yet shown.
func (p *player) flush() {
	msgs := p.ctrl.Messages()
	for _, m := range msgs[min(p.printed, len(msgs)):] {
		who := "AI"
		if m.IsUser {
			who = "me"
		}
		fmt.Fprintf(p.out, "[%s] %s: %s\n", m.Timestamp.Format("15:04"), who, m.Content)
	}
	p.printed = len(msgs)
}

func (p *player) listHistory(ctx context.Context) {
	index := p.history.LoadIndex(ctx)
	if len(index) == 0 {
		fmt.Fprintln(p.out, "no saved conversations")
		return
	}
	for _, h := range index {
		fmt.Fprintf(p.out, "%s  room %d  %s  %s\n", h.ID, h.RoomID, h.Timestamp.Format("2006-01-02 15:04"), h.Preview)
	}
}

func (p *player) prompt() {
	fmt.Fprint(p.out, "> ")
}

func phaseHint(phase models.GamePhase) string {
	switch phase {
	case models.PhaseNotStarted:
		return "the game has not started, type /start"
	case models.PhaseEnded:
		return "the game is over, type /new for another round"
	default:
		return "the game is already running"
	}
}
