package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kmahone/promptrelay/pkg/domain"
	"github.com/kmahone/promptrelay/pkg/gateway"
)

// fakeGateway scripts replies and records the transcripts it was called with.
type fakeGateway struct {
	mu          sync.Mutex
	reply       string
	err         error
	chatCalls   [][]domain.Turn
	singleCalls []string

	// inFlight detects overlapping calls in the serialization test.
	inFlight int32
	overlap  atomic.Bool
	delay    time.Duration
}

func (f *fakeGateway) CompleteChat(ctx context.Context, model string, turns []domain.Turn, parameters map[string]any) (string, error) {
	if atomic.AddInt32(&f.inFlight, 1) > 1 {
		f.overlap.Store(true)
	}
	defer atomic.AddInt32(&f.inFlight, -1)

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(f.delay):
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	snapshot := make([]domain.Turn, len(turns))
	copy(snapshot, turns)
	f.chatCalls = append(f.chatCalls, snapshot)
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeGateway) CompleteSingle(ctx context.Context, model, prompt string, parameters map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.singleCalls = append(f.singleCalls, prompt)
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

// memLog is an in-memory ExchangeStore.
type memLog struct {
	mu        sync.Mutex
	exchanges []domain.Exchange
}

func (l *memLog) Append(ctx context.Context, ex *domain.Exchange) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exchanges = append(l.exchanges, *ex)
	return nil
}

func (l *memLog) Recent(ctx context.Context, limit int) ([]domain.Exchange, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Exchange, len(l.exchanges))
	copy(out, l.exchanges)
	return out, nil
}

func TestSendTurnAppendsPair(t *testing.T) {
	gw := &fakeGateway{reply: "hello"}
	m := NewManager(gw, nil, Options{})

	id, err := m.Create("m", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := m.SendTurn(context.Background(), id, "hi", map[string]any{})
	if err != nil {
		t.Fatalf("SendTurn: %v", err)
	}
	if got != "hello" {
		t.Errorf("reply = %q, want %q", got, "hello")
	}

	turns, err := m.Transcript(id)
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	want := []domain.Turn{
		{Role: domain.RoleUser, Content: "hi"},
		{Role: domain.RoleAssistant, Content: "hello"},
	}
	if len(turns) != len(want) || turns[0] != want[0] || turns[1] != want[1] {
		t.Errorf("transcript = %v, want %v", turns, want)
	}
}

func TestSendTurnUnknownSession(t *testing.T) {
	m := NewManager(&fakeGateway{reply: "x"}, nil, Options{})

	_, err := m.SendTurn(context.Background(), "unknown-id", "hi", nil)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestGatewayFailureLeavesUnansweredUserTurn(t *testing.T) {
	gwErr := &gateway.Error{Op: "chat", Err: errors.New("connection refused")}
	gw := &fakeGateway{err: gwErr}
	m := NewManager(gw, nil, Options{})

	id, _ := m.Create("m", "")
	_, err := m.SendTurn(context.Background(), id, "hi", nil)

	var got *gateway.Error
	if !errors.As(err, &got) {
		t.Fatalf("err = %v, want *gateway.Error", err)
	}

	turns, _ := m.Transcript(id)
	if len(turns) != 1 || turns[0].Role != domain.RoleUser {
		t.Fatalf("transcript = %v, want single unanswered user turn", turns)
	}

	// A retry resends the unanswered turn as context.
	gw.mu.Lock()
	gw.err = nil
	gw.reply = "recovered"
	gw.mu.Unlock()

	if _, err := m.SendTurn(context.Background(), id, "again", nil); err != nil {
		t.Fatalf("retry SendTurn: %v", err)
	}

	gw.mu.Lock()
	lastCall := gw.chatCalls[len(gw.chatCalls)-1]
	gw.mu.Unlock()
	if len(lastCall) != 2 || lastCall[0].Content != "hi" || lastCall[1].Content != "again" {
		t.Errorf("retry sent %v, want both user turns", lastCall)
	}
}

func TestSendStateless(t *testing.T) {
	gw := &fakeGateway{reply: "4"}
	m := NewManager(gw, nil, Options{})

	got, err := m.SendStateless(context.Background(), "m", "2+2?", map[string]any{})
	if err != nil {
		t.Fatalf("SendStateless: %v", err)
	}
	if got != "4" {
		t.Errorf("reply = %q, want %q", got, "4")
	}
	if m.Len() != 0 {
		t.Errorf("session table len = %d, want 0", m.Len())
	}
	if len(gw.singleCalls) != 1 || gw.singleCalls[0] != "2+2?" {
		t.Errorf("singleCalls = %v, want one generate call", gw.singleCalls)
	}
}

func TestCreateWithSystemPrompt(t *testing.T) {
	gw := &fakeGateway{reply: "ok"}
	m := NewManager(gw, nil, Options{})

	id, err := m.Create("m", "be brief")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := m.SendTurn(context.Background(), id, "q", nil); err != nil {
			t.Fatalf("SendTurn %d: %v", i, err)
		}
	}

	turns, _ := m.Transcript(id)
	if len(turns) != 1+2*3 {
		t.Fatalf("transcript len = %d, want %d", len(turns), 1+2*3)
	}
	if turns[0].Role != domain.RoleSystem || turns[0].Content != "be brief" {
		t.Errorf("first turn = %v, want system prompt", turns[0])
	}
	for i, turn := range turns[1:] {
		wantRole := domain.RoleUser
		if i%2 == 1 {
			wantRole = domain.RoleAssistant
		}
		if turn.Role != wantRole {
			t.Errorf("turn %d role = %q, want %q", i+1, turn.Role, wantRole)
		}
		if turn.Role == domain.RoleSystem {
			t.Errorf("turn %d: second system turn appended", i+1)
		}
	}
}

func TestCloseIdempotent(t *testing.T) {
	m := NewManager(&fakeGateway{reply: "x"}, nil, Options{})

	id, _ := m.Create("m", "")
	m.Close(id)
	m.Close(id) // already closed
	m.Close("never-existed")

	if m.Len() != 0 {
		t.Errorf("session table len = %d, want 0", m.Len())
	}
	if _, err := m.SendTurn(context.Background(), id, "hi", nil); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err after close = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionIsolation(t *testing.T) {
	gw := &fakeGateway{reply: "r"}
	m := NewManager(gw, nil, Options{})

	a, _ := m.Create("m", "")
	b, _ := m.Create("m", "")
	if a == b {
		t.Fatal("two sessions share an id")
	}

	if _, err := m.SendTurn(context.Background(), a, "only-a", nil); err != nil {
		t.Fatalf("SendTurn: %v", err)
	}

	turnsB, _ := m.Transcript(b)
	if len(turnsB) != 0 {
		t.Errorf("session b transcript = %v, want empty", turnsB)
	}
}

func TestConcurrentTurnsSerialize(t *testing.T) {
	gw := &fakeGateway{reply: "r", delay: 2 * time.Millisecond}
	m := NewManager(gw, nil, Options{})
	id, _ := m.Create("m", "")

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.SendTurn(context.Background(), id, "msg", nil); err != nil {
				t.Errorf("SendTurn: %v", err)
			}
		}()
	}
	wg.Wait()

	if gw.overlap.Load() {
		t.Error("two turns on one session overlapped")
	}

	turns, _ := m.Transcript(id)
	if len(turns) != 2*n {
		t.Fatalf("transcript len = %d, want %d", len(turns), 2*n)
	}
	for i, turn := range turns {
		wantRole := domain.RoleUser
		if i%2 == 1 {
			wantRole = domain.RoleAssistant
		}
		if turn.Role != wantRole {
			t.Errorf("turn %d role = %q, want %q", i, turn.Role, wantRole)
		}
	}
}

func TestLRUEviction(t *testing.T) {
	gw := &fakeGateway{reply: "r"}
	m := NewManager(gw, nil, Options{MaxSessions: 2})

	a, _ := m.Create("m", "")
	time.Sleep(2 * time.Millisecond)
	b, _ := m.Create("m", "")
	time.Sleep(2 * time.Millisecond)

	// Touch a so b becomes the least recently used.
	if _, err := m.SendTurn(context.Background(), a, "hi", nil); err != nil {
		t.Fatalf("SendTurn: %v", err)
	}
	time.Sleep(2 * time.Millisecond)

	c, _ := m.Create("m", "")

	if m.Len() != 2 {
		t.Errorf("session table len = %d, want 2", m.Len())
	}
	if _, err := m.Transcript(b); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected b evicted, got err = %v", err)
	}
	if _, err := m.Transcript(a); err != nil {
		t.Errorf("a should survive eviction: %v", err)
	}
	if _, err := m.Transcript(c); err != nil {
		t.Errorf("c should exist: %v", err)
	}
}

func TestCloseIdle(t *testing.T) {
	gw := &fakeGateway{reply: "r"}
	m := NewManager(gw, nil, Options{IdleTimeout: 5 * time.Millisecond})

	id, _ := m.Create("m", "")
	time.Sleep(10 * time.Millisecond)
	fresh, _ := m.Create("m", "")

	if removed := m.CloseIdle(); removed != 1 {
		t.Errorf("CloseIdle = %d, want 1", removed)
	}
	if _, err := m.Transcript(id); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("idle session should be gone, got err = %v", err)
	}
	if _, err := m.Transcript(fresh); err != nil {
		t.Errorf("fresh session should survive: %v", err)
	}
}

func TestCloseIdleDisabled(t *testing.T) {
	m := NewManager(&fakeGateway{reply: "r"}, nil, Options{})
	m.Create("m", "")

	if removed := m.CloseIdle(); removed != 0 {
		t.Errorf("CloseIdle = %d, want 0 with no timeout configured", removed)
	}
	if m.Len() != 1 {
		t.Errorf("session table len = %d, want 1", m.Len())
	}
}

func TestExchangeRecording(t *testing.T) {
	gw := &fakeGateway{reply: "hello"}
	log := &memLog{}
	m := NewManager(gw, log, Options{})

	id, _ := m.Create("m", "")
	if _, err := m.SendTurn(context.Background(), id, "hi", nil); err != nil {
		t.Fatalf("SendTurn: %v", err)
	}
	if _, err := m.SendStateless(context.Background(), "m", "2+2?", nil); err != nil {
		t.Fatalf("SendStateless: %v", err)
	}

	gw.mu.Lock()
	gw.err = errors.New("boom")
	gw.mu.Unlock()
	if _, err := m.SendTurn(context.Background(), id, "again", nil); err == nil {
		t.Fatal("expected gateway failure")
	}

	exchanges, _ := log.Recent(context.Background(), 0)
	if len(exchanges) != 3 {
		t.Fatalf("recorded %d exchanges, want 3", len(exchanges))
	}
	if exchanges[0].ChatID != id || exchanges[0].Reply != "hello" {
		t.Errorf("turn exchange = %+v", exchanges[0])
	}
	if exchanges[1].ChatID != "" || exchanges[1].Instruction != "2+2?" {
		t.Errorf("stateless exchange = %+v", exchanges[1])
	}
	if exchanges[2].Error == "" {
		t.Errorf("failed exchange carries no error: %+v", exchanges[2])
	}
}

func TestSendTurnSurvivesCallerCancel(t *testing.T) {
	gw := &fakeGateway{reply: "hello", delay: 20 * time.Millisecond}
	m := NewManager(gw, nil, Options{})
	id, _ := m.Create("m", "")

	// The caller is already gone; the daemon call must still run to
	// completion and the reply must land in the transcript.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := m.SendTurn(ctx, id, "hi", nil)
	if err != nil {
		t.Fatalf("SendTurn: %v", err)
	}
	if got != "hello" {
		t.Errorf("reply = %q, want %q", got, "hello")
	}

	turns, _ := m.Transcript(id)
	if len(turns) != 2 || turns[1].Role != domain.RoleAssistant || turns[1].Content != "hello" {
		t.Errorf("transcript = %v, want answered user turn", turns)
	}
}

func TestSendStatelessSurvivesCallerCancel(t *testing.T) {
	gw := &fakeGateway{reply: "4"}
	m := NewManager(gw, nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := m.SendStateless(ctx, "m", "2+2?", nil)
	if err != nil {
		t.Fatalf("SendStateless: %v", err)
	}
	if got != "4" {
		t.Errorf("reply = %q, want %q", got, "4")
	}
}

// blockingLog parks Append until released, to expose what a slow audit log
// holds up.
type blockingLog struct {
	entered chan struct{}
	release chan struct{}
}

func (l *blockingLog) Append(ctx context.Context, ex *domain.Exchange) error {
	close(l.entered)
	<-l.release
	return nil
}

func (l *blockingLog) Recent(ctx context.Context, limit int) ([]domain.Exchange, error) {
	return nil, nil
}

func TestSlowAuditLogDoesNotHoldSessionLock(t *testing.T) {
	log := &blockingLog{entered: make(chan struct{}), release: make(chan struct{})}
	gw := &fakeGateway{reply: "hello"}
	m := NewManager(gw, log, Options{})
	id, _ := m.Create("m", "")

	turnDone := make(chan struct{})
	go func() {
		defer close(turnDone)
		if _, err := m.SendTurn(context.Background(), id, "hi", nil); err != nil {
			t.Errorf("SendTurn: %v", err)
		}
	}()

	<-log.entered

	// The turn is parked in the audit append; the session must be readable.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		if _, err := m.Transcript(id); err != nil {
			t.Errorf("Transcript: %v", err)
		}
	}()

	select {
	case <-readDone:
	case <-time.After(time.Second):
		t.Fatal("Transcript blocked behind the audit log")
	}

	close(log.release)
	<-turnDone
}

func TestJanitorSweeps(t *testing.T) {
	gw := &fakeGateway{reply: "r"}
	m := NewManager(gw, nil, Options{IdleTimeout: 5 * time.Millisecond})
	m.Create("m", "")

	j := NewJanitor(m, 10*time.Millisecond)
	j.Start(context.Background())
	defer j.Stop()

	deadline := time.Now().Add(500 * time.Millisecond)
	for m.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("janitor never removed the idle session")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
