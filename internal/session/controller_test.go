package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Swindy123/aichat/internal/config"
	"github.com/Swindy123/aichat/internal/gameclient"
	"github.com/Swindy123/aichat/internal/history"
	"github.com/Swindy123/aichat/internal/models"
	"github.com/Swindy123/aichat/internal/storage"
)

func TestEndToEndRiddleGame(t *testing.T) {
	client := &scriptedClient{replies: []string{"你好，猜谜开始", "正确！游戏已结束"}}
	store := history.NewStore(storage.NewMemory())
	c := NewController(42, client, store)
	ctx := context.Background()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if c.Phase() != models.PhaseActive {
		t.Fatalf("expected active, got %s", c.Phase())
	}
	msgs := c.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if !msgs[0].IsUser || msgs[0].Content != "开始" || msgs[1].IsUser || msgs[1].Content != "你好，猜谜开始" {
		t.Fatalf("unexpected messages: %#v", msgs)
	}

	if err := c.SubmitTurn(ctx, "苹果"); err != nil {
		t.Fatalf("SubmitTurn error: %v", err)
	}
	if c.Phase() != models.PhaseEnded {
		t.Fatalf("expected ended, got %s", c.Phase())
	}
	msgs = c.Messages()
	if len(msgs) != 4 || msgs[3].Content != "正确！游戏已结束" || msgs[3].IsUser {
		t.Fatalf("unexpected messages after turn: %#v", msgs)
	}

	if err := c.SubmitTurn(ctx, "香蕉"); !errors.Is(err, ErrPhase) {
		t.Fatalf("expected ErrPhase after game over, got %v", err)
	}
	if len(c.Messages()) != 4 {
		t.Fatalf("rejected turn must not change messages")
	}
	if got := client.sent(); len(got) != 2 || got[0] != "开始" || got[1] != "苹果" {
		t.Fatalf("unexpected utterances sent: %v", got)
	}
	for _, room := range client.rooms {
		if room != 42 {
			t.Fatalf("sent to wrong room %d", room)
		}
	}

	index := store.LoadIndex(ctx)
	if len(index) != 1 || index[0].ID != c.ConversationID() || index[0].RoomID != 42 {
		t.Fatalf("unexpected history index: %#v", index)
	}
	if index[0].Preview != "你好，猜谜开始" {
		t.Fatalf("unexpected preview %q", index[0].Preview)
	}
	if logged := store.LoadConversation(ctx, c.ConversationID()); len(logged) != 4 {
		t.Fatalf("expected full log persisted, got %d messages", len(logged))
	}
}

func TestStartEndsDirectlyOnGameOverMarker(t *testing.T) {
	c := NewController(1, &scriptedClient{replies: []string{"今天不玩了，游戏已结束"}}, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if c.Phase() != models.PhaseEnded {
		t.Fatalf("expected ended, got %s", c.Phase())
	}
	if err := c.End(context.Background()); !errors.Is(err, ErrPhase) {
		t.Fatalf("End after game over should be rejected, got %v", err)
	}
}

func TestSuccessfulTurnsGrowByTwo(t *testing.T) {
	client := &scriptedClient{fallback: "不对，再猜"}
	c := NewController(3, client, history.NewStore(storage.NewMemory()))
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	guesses := []string{"猫", "  狗  ", "鱼"}
	for i, g := range guesses {
		before := len(c.Messages())
		if err := c.SubmitTurn(ctx, g); err != nil {
			t.Fatalf("SubmitTurn(%q) error: %v", g, err)
		}
		msgs := c.Messages()
		if len(msgs) != before+2 {
			t.Fatalf("turn %d: expected %d messages, got %d", i, before+2, len(msgs))
		}
		if !msgs[before].IsUser || msgs[before].Content != strings.TrimSpace(g) {
			t.Fatalf("turn %d: user message wrong: %#v", i, msgs[before])
		}
		if msgs[before+1].IsUser || msgs[before+1].Content != "不对，再猜" {
			t.Fatalf("turn %d: reply wrong: %#v", i, msgs[before+1])
		}
	}
	if c.Phase() != models.PhaseActive {
		t.Fatalf("expected still active, got %s", c.Phase())
	}
}

func TestPreconditions(t *testing.T) {
	c := NewController(1, &scriptedClient{fallback: "ok"}, nil)
	ctx := context.Background()

	if err := c.SubmitTurn(ctx, "hi"); !errors.Is(err, ErrPhase) {
		t.Fatalf("turn before start: %v", err)
	}
	if err := c.End(ctx); !errors.Is(err, ErrPhase) {
		t.Fatalf("end before start: %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := c.Start(ctx); !errors.Is(err, ErrPhase) {
		t.Fatalf("second start: %v", err)
	}
	if err := c.SubmitTurn(ctx, "   "); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("blank turn: %v", err)
	}
	if n := len(c.Messages()); n != 2 {
		t.Fatalf("rejected calls changed messages: %d", n)
	}
	if err := c.End(ctx); err != nil {
		t.Fatalf("End error: %v", err)
	}
	if c.Phase() != models.PhaseEnded {
		t.Fatalf("End must always end the game, got %s", c.Phase())
	}
	msgs := c.Messages()
	if len(msgs) != 4 || msgs[2].Content != "结束" || !msgs[2].IsUser {
		t.Fatalf("unexpected end messages: %#v", msgs)
	}
}

func TestNetworkFailureAppendsNotice(t *testing.T) {
	client := &scriptedClient{err: &gameclient.NetworkError{Op: "chat", Err: errors.New("connection refused")}}
	c := NewController(9, client, nil)
	ctx := context.Background()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start should not surface network errors: %v", err)
	}
	if c.Phase() != models.PhaseNotStarted {
		t.Fatalf("failed start must not advance phase, got %s", c.Phase())
	}
	msgs := c.Messages()
	if len(msgs) != 2 || msgs[1].IsUser || msgs[1].Content != StartFailedNotice {
		t.Fatalf("expected failure notice, got %#v", msgs)
	}
	if c.Pending() {
		t.Fatalf("pending flag not cleared after failure")
	}

	client.setErr(nil)
	client.fallback = "来吧"
	if err := c.Start(ctx); err != nil {
		t.Fatalf("retry Start error: %v", err)
	}
	if c.Phase() != models.PhaseActive {
		t.Fatalf("expected active after retry, got %s", c.Phase())
	}

	client.setErr(errors.New("timeout"))
	if err := c.SubmitTurn(ctx, "答案"); err != nil {
		t.Fatalf("SubmitTurn error: %v", err)
	}
	if err := c.End(ctx); err != nil {
		t.Fatalf("End error: %v", err)
	}
	msgs = c.Messages()
	if got := msgs[len(msgs)-3].Content; got != SendFailedNotice {
		t.Fatalf("expected send failure notice, got %q", got)
	}
	if got := msgs[len(msgs)-1].Content; got != EndFailedNotice {
		t.Fatalf("expected end failure notice, got %q", got)
	}
	if c.Phase() != models.PhaseActive {
		t.Fatalf("failed end keeps the game active, got %s", c.Phase())
	}
}

func TestCancelledRequestStillPersists(t *testing.T) {
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.OpenDB("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	kv := storage.NewSQL(db, "sqlite3")
	defer kv.Close()
	store := history.NewStore(kv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewController(4, &cancellingClient{cancel: cancel}, store)
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	msgs := c.Messages()
	if len(msgs) != 2 || msgs[1].Content != StartFailedNotice {
		t.Fatalf("expected failure notice after cancellation, got %#v", msgs)
	}
	persisted := store.LoadConversation(context.Background(), c.ConversationID())
	if len(persisted) != len(msgs) {
		t.Fatalf("in-memory messages=%d persisted messages=%d", len(msgs), len(persisted))
	}
	if phase, ok := store.LoadPhase(context.Background(), c.ConversationID()); !ok || phase != models.PhaseNotStarted {
		t.Fatalf("phase not persisted: %q ok=%v", phase, ok)
	}
	if index := store.LoadIndex(context.Background()); len(index) != 1 || index[0].Preview != StartFailedNotice {
		t.Fatalf("index not updated after cancellation: %#v", index)
	}
}

func TestSecondSubmitWhilePendingIsRejected(t *testing.T) {
	client := &blockingClient{release: make(chan struct{}), started: make(chan struct{}, 4)}
	c := NewController(5, client, nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()
	select {
	case <-client.started:
	case <-time.After(time.Second):
		t.Fatalf("request did not start")
	}

	if !c.Pending() {
		t.Fatalf("expected pending while request is in flight")
	}
	before := c.Messages()
	if err := c.Start(ctx); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := c.LoadInto(ctx, "chat_1"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy for load, got %v", err)
	}
	if snap := c.Snapshot(); snap.Controls.CanStart || snap.Controls.CanSend || snap.Controls.CanEnd {
		t.Fatalf("controls must be disabled while pending: %+v", snap.Controls)
	}
	if after := c.Messages(); len(after) != len(before) {
		t.Fatalf("rejected call changed messages: %d -> %d", len(before), len(after))
	}

	close(client.release)
	if err := <-done; err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if c.Pending() {
		t.Fatalf("pending not cleared")
	}

	// a turn submitted while another turn is pending is a no-op
	client.release = make(chan struct{})
	go func() { done <- c.SubmitTurn(ctx, "first") }()
	<-client.started
	if err := c.SubmitTurn(ctx, "second"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy for overlapping turn, got %v", err)
	}
	close(client.release)
	<-done
	msgs := c.Messages()
	if len(msgs) != 4 || msgs[2].Content != "first" {
		t.Fatalf("unexpected messages: %#v", msgs)
	}
}

func TestLoadIntoRestoresPhase(t *testing.T) {
	kv := storage.NewMemory()
	store := history.NewStore(kv)
	ctx := context.Background()

	cases := []struct {
		name     string
		messages []models.Message
		want     models.GamePhase
	}{
		{"started", []models.Message{user("开始"), bot("出题了")}, models.PhaseActive},
		{"ended", []models.Message{user("开始"), bot("出题了"), user("苹果"), bot("对了，游戏已结束")}, models.PhaseEnded},
		{"never started", []models.Message{user("你好"), bot("请先开始")}, models.PhaseNotStarted},
		{"start typed loosely", []models.Message{user("开始吧"), bot("好")}, models.PhaseNotStarted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id := "legacy_" + tc.name
			store.UpsertPreview(ctx, id, 7, tc.messages)
			c := NewController(7, &scriptedClient{}, store)
			if err := c.LoadInto(ctx, id); err != nil {
				t.Fatalf("LoadInto error: %v", err)
			}
			if c.Phase() != tc.want {
				t.Fatalf("phase = %s, want %s", c.Phase(), tc.want)
			}
			if c.ConversationID() != id || len(c.Messages()) != len(tc.messages) {
				t.Fatalf("conversation not restored")
			}
		})
	}

	// persisted phase wins over content scanning
	store.UpsertPreview(ctx, "explicit", 7, []models.Message{user("开始"), bot("hi")})
	store.SavePhase(ctx, "explicit", models.PhaseEnded)
	c := NewController(7, &scriptedClient{}, store)
	c.LoadInto(ctx, "explicit")
	if c.Phase() != models.PhaseEnded {
		t.Fatalf("expected stored phase, got %s", c.Phase())
	}

	// unknown ids load as an empty, not-started conversation
	c.LoadInto(ctx, "nothing-here")
	if c.Phase() != models.PhaseNotStarted || len(c.Messages()) != 0 || c.ConversationID() != "nothing-here" {
		t.Fatalf("unexpected state for missing log: %+v", c.Snapshot())
	}
}

func TestLoadIntoDoesNotRewriteHistory(t *testing.T) {
	kv := storage.NewMemory()
	store := history.NewStore(kv)
	ctx := context.Background()
	store.UpsertPreview(ctx, "a", 1, []models.Message{user("开始"), bot("x")})
	store.UpsertPreview(ctx, "b", 2, []models.Message{user("开始"), bot("y")})

	c := NewController(1, &scriptedClient{}, store)
	c.LoadInto(ctx, "a")
	if index := store.LoadIndex(ctx); index[0].ID != "b" {
		t.Fatalf("loading must not reorder the index, front is %s", index[0].ID)
	}
}

func TestContinueLoadedConversation(t *testing.T) {
	store := history.NewStore(storage.NewMemory())
	ctx := context.Background()
	store.UpsertPreview(ctx, "old", 11, []models.Message{user("开始"), bot("第一题")})

	c := NewController(11, &scriptedClient{fallback: "错了"}, store)
	first := c.ConversationID()
	c.LoadInto(ctx, "old")
	if err := c.SubmitTurn(ctx, "猜"); err != nil {
		t.Fatalf("SubmitTurn error: %v", err)
	}
	if got := store.LoadConversation(ctx, "old"); len(got) != 4 {
		t.Fatalf("turn should be saved under the loaded id, got %d messages", len(got))
	}
	if got := store.LoadConversation(ctx, first); len(got) != 0 {
		t.Fatalf("first conversation id should have no log")
	}
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	c := NewController(1, &scriptedClient{fallback: "hi"}, nil)
	var mu sync.Mutex
	var snaps []Snapshot
	unsubscribe, err := c.Subscribe(func(s Snapshot) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	c.Start(context.Background())

	mu.Lock()
	if len(snaps) != 2 {
		t.Fatalf("expected pending + settled snapshots, got %d", len(snaps))
	}
	if !snaps[0].Pending || snaps[1].Pending {
		t.Fatalf("unexpected pending sequence: %v, %v", snaps[0].Pending, snaps[1].Pending)
	}
	if len(snaps[1].Messages) != 2 || !snaps[1].Controls.CanSend {
		t.Fatalf("final snapshot wrong: %+v", snaps[1])
	}
	mu.Unlock()

	unsubscribe()
	c.End(context.Background())
	mu.Lock()
	defer mu.Unlock()
	if len(snaps) != 2 {
		t.Fatalf("listener called after unsubscribe")
	}
	if _, err := c.Subscribe(nil); err == nil {
		t.Fatalf("expected error for nil listener")
	}
}

func TestConversationIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewConversationID()
		if !strings.HasPrefix(id, "chat_") {
			t.Fatalf("unexpected id format %s", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
	for i := 0; i < 100; i++ {
		if r := NewRoomID(); r < 0 || r >= maxRoomID {
			t.Fatalf("room id out of range: %d", r)
		}
	}
}

// --- helpers ---

func user(content string) models.Message { return models.NewMessage(content, true) }
func bot(content string) models.Message  { return models.NewMessage(content, false) }

type scriptedClient struct {
	mu         sync.Mutex
	replies    []string
	fallback   string
	err        error
	utterances []string
	rooms      []int
}

func (s *scriptedClient) SendTurn(_ context.Context, roomID int, utterance string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.utterances = append(s.utterances, utterance)
	s.rooms = append(s.rooms, roomID)
	if len(s.replies) == 0 {
		return s.fallback, nil
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return reply, nil
}

func (s *scriptedClient) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *scriptedClient) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.utterances...)
}

type blockingClient struct {
	release chan struct{}
	started chan struct{}
}

func (b *blockingClient) SendTurn(ctx context.Context, _ int, utterance string) (string, error) {
	release := b.release
	b.started <- struct{}{}
	select {
	case <-release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return "ok: " + utterance, nil
}

// cancellingClient cancels the caller's context mid-request, like a dropped HTTP client.
type cancellingClient struct {
	cancel context.CancelFunc
}

func (c *cancellingClient) SendTurn(ctx context.Context, _ int, _ string) (string, error) {
	c.cancel()
	<-ctx.Done()
	return "", &gameclient.NetworkError{Op: "chat", Err: ctx.Err()}
}
