package bot

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zette-dev/kurocha/internal/executor"
	"github.com/zette-dev/kurocha/internal/executor/mock"
	"github.com/zette-dev/kurocha/internal/logger"
	"github.com/zette-dev/kurocha/internal/session"
	"github.com/zette-dev/kurocha/internal/workspace"
)

const testUser int64 = 42

// --- fakeAPI records Telegram calls ---

type fakeAPI struct {
	mu      sync.Mutex
	nextID  int
	sent    []*bot.SendMessageParams
	edits   []*bot.EditMessageTextParams
	markups []*bot.EditMessageReplyMarkupParams
	answers []*bot.AnswerCallbackQueryParams
	actions int
}

func (f *fakeAPI) SendMessage(_ context.Context, p *bot.SendMessageParams) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, p)
	return &models.Message{ID: 1000 + f.nextID}, nil
}

func (f *fakeAPI) EditMessageText(_ context.Context, p *bot.EditMessageTextParams) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, p)
	return &models.Message{ID: p.MessageID}, nil
}

func (f *fakeAPI) EditMessageReplyMarkup(_ context.Context, p *bot.EditMessageReplyMarkupParams) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markups = append(f.markups, p)
	return &models.Message{ID: p.MessageID}, nil
}

func (f *fakeAPI) SendChatAction(context.Context, *bot.SendChatActionParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions++
	return true, nil
}

func (f *fakeAPI) AnswerCallbackQuery(_ context.Context, p *bot.AnswerCallbackQueryParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, p)
	return true, nil
}

func (f *fakeAPI) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.sent {
		out = append(out, p.Text)
	}
	return out
}

func (f *fakeAPI) editTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.edits {
		out = append(out, p.Text)
	}
	return out
}

// continueData returns the callback data of the Continue button attached to
// the most recent message or edit.
func (f *fakeAPI) continueData(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	var markup models.ReplyMarkup
	for _, p := range f.sent {
		if p.ReplyMarkup != nil {
			markup = p.ReplyMarkup
		}
	}
	for _, p := range f.edits {
		if p.ReplyMarkup != nil {
			markup = p.ReplyMarkup
		}
	}
	kb, ok := markup.(*models.InlineKeyboardMarkup)
	require.True(t, ok, "expected an inline keyboard")
	require.Len(t, kb.InlineKeyboard, 1)
	require.Len(t, kb.InlineKeyboard[0], 1)
	assert.Equal(t, "Continue", kb.InlineKeyboard[0][0].Text)
	return kb.InlineKeyboard[0][0].CallbackData
}

// --- fixtures ---

type fixture struct {
	bot  *Bot
	api  *fakeAPI
	exec *mock.Executor
	orch *session.Manager
	ws   *workspace.Manager
}

func newFixture(t *testing.T, editInterval time.Duration) *fixture {
	t.Helper()
	ws := workspace.New(workspace.Config{Root: filepath.Join(t.TempDir(), "ws")}, logger.Nop())
	_, err := ws.Initialize()
	require.NoError(t, err)

	exec := mock.New()
	orch := session.NewManager(session.NewHandler(exec, logger.Nop()), session.Config{}, logger.Nop())
	api := &fakeAPI{}
	b := newBot(api, []int64{testUser, 7}, editInterval, orch, ws, logger.Nop())
	return &fixture{bot: b, api: api, exec: exec, orch: orch, ws: ws}
}

func textUpdate(msgID int, text string) *models.Update {
	return &models.Update{Message: &models.Message{
		ID:   msgID,
		From: &models.User{ID: testUser},
		Chat: models.Chat{ID: testUser},
		Text: text,
	}}
}

func callbackUpdate(data string) *models.Update {
	return &models.Update{CallbackQuery: &models.CallbackQuery{
		ID:   "cb-1",
		From: models.User{ID: testUser},
		Data: data,
	}}
}

// --- helpers ---

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "hello", truncateRunes("hello", 5))
	assert.Equal(t, "he...", truncateRunes("hello!", 5))

	long := strings.Repeat("茶", 5000)
	got := truncateRunes(long, maxMessageLen)
	assert.Equal(t, maxMessageLen, utf8.RuneCountInString(got))
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestSplitRunes(t *testing.T) {
	assert.Nil(t, splitRunes("", 3))
	assert.Equal(t, []string{"abc"}, splitRunes("abc", 3))
	assert.Equal(t, []string{"abc", "de"}, splitRunes("abcde", 3))
	assert.Equal(t, []string{"茶茶", "茶"}, splitRunes("茶茶茶", 2))
}

func TestCommandArgs(t *testing.T) {
	assert.Equal(t, "", commandArgs("/status"))
	assert.Equal(t, "list", commandArgs("/workspace list"))
	assert.Equal(t, "fix the bug\nplease", commandArgs("/new@kurocha_bot fix the bug\nplease"))
}

func TestMatchCommand(t *testing.T) {
	match := matchCommand("new")

	for _, text := range []string{"/new", "/new fix it", "/new\nfix it", "/new@kurocha_bot fix it", "  /new"} {
		assert.True(t, match(textUpdate(1, text)), text)
	}
	for _, text := range []string{"/newfoo", "/news today", "new", "/status", "hello /new"} {
		assert.False(t, match(textUpdate(1, text)), text)
	}
	assert.False(t, match(&models.Update{}))
	assert.False(t, matchCommand("status")(textUpdate(1, "/statusbar")))
}

// --- auth ---

func TestAuthMiddleware(t *testing.T) {
	f := newFixture(t, 0)

	var calls int
	next := f.bot.authMiddleware(func(context.Context, *bot.Bot, *models.Update) { calls++ })
	ctx := context.Background()

	next(ctx, nil, textUpdate(1, "hi"))
	assert.Equal(t, 1, calls)

	next(ctx, nil, callbackUpdate("continue:x"))
	assert.Equal(t, 2, calls, "callback queries from allowed users pass")

	stranger := textUpdate(2, "hi")
	stranger.Message.From.ID = 999
	next(ctx, nil, stranger)

	strangerCB := callbackUpdate("continue:x")
	strangerCB.CallbackQuery.From.ID = 999
	next(ctx, nil, strangerCB)

	next(ctx, nil, &models.Update{})
	next(ctx, nil, &models.Update{Message: &models.Message{Text: "no sender"}})
	assert.Equal(t, 2, calls)
}

// --- turns ---

func TestHandleMessage_Complete(t *testing.T) {
	f := newFixture(t, 0)
	f.exec.Events = []executor.StreamEvent{mock.Text("Looking"), mock.ToolUse("Read", map[string]any{"file_path": "main.go"})}
	f.exec.Result = executor.Result{SessionID: "s1", Response: "All done"}

	f.bot.handleMessage(context.Background(), nil, textUpdate(10, "fix it"))
	f.bot.turns.Wait()

	require.Len(t, f.api.sent, 1)
	progress := f.api.sent[0]
	assert.Equal(t, "Looking", progress.Text)
	require.NotNil(t, progress.ReplyParameters)
	assert.Equal(t, 10, progress.ReplyParameters.MessageID)

	assert.Equal(t, []string{"🔧 [Read] main.go", "All done"}, f.api.editTexts())
	assert.Equal(t, 1, f.api.actions)

	reqs := f.exec.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "fix it", reqs[0].Prompt)
	assert.True(t, reqs[0].Continue)
	assert.Equal(t, "s1", f.orch.SessionID())
	assert.Equal(t, session.StateIdle, f.orch.State())
}

func TestHandleMessage_NoProgressSendsResult(t *testing.T) {
	f := newFixture(t, 0)
	f.exec.Result = executor.Result{Response: "Quick answer"}

	f.bot.handleMessage(context.Background(), nil, textUpdate(10, "q"))
	f.bot.turns.Wait()

	assert.Equal(t, []string{"Quick answer"}, f.api.sentTexts())
	assert.Empty(t, f.api.edits)
}

func TestHandleMessage_ProgressThrottled(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.exec.Events = []executor.StreamEvent{mock.Text("one"), mock.Text("two"), mock.Text("three")}
	f.exec.Result = executor.Result{Response: "final"}

	f.bot.handleMessage(context.Background(), nil, textUpdate(10, "q"))
	f.bot.turns.Wait()

	assert.Equal(t, []string{"one"}, f.api.sentTexts())
	assert.Equal(t, []string{"final"}, f.api.editTexts(), "final text replaces held-back progress")
}

func TestChatSession_ProgressTrailingUpdate(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	s := f.bot.newChatSession(testUser, 5)
	ctx := context.Background()

	require.NoError(t, s.UpdateProgress(ctx, "Reading main.go", ""))
	require.NoError(t, s.UpdateProgress(ctx, "🔧 [Read] go.mod", ""))
	require.NoError(t, s.UpdateProgress(ctx, "🔧 [Bash] go test ./...", ""))

	assert.Equal(t, []string{"Reading main.go"}, f.api.sentTexts())
	require.Eventually(t, func() bool {
		return len(f.api.editTexts()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"🔧 [Bash] go test ./..."}, f.api.editTexts(), "only the newest held-back update is shown")

	time.Sleep(150 * time.Millisecond)
	assert.Len(t, f.api.editTexts(), 1)
}

func TestChatSession_FinalResponseCancelsTrailingUpdate(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	s := f.bot.newChatSession(testUser, 5)
	ctx := context.Background()

	require.NoError(t, s.UpdateProgress(ctx, "Reading main.go", ""))
	require.NoError(t, s.UpdateProgress(ctx, "🔧 [Bash] go test ./...", ""))
	require.NoError(t, s.Complete(ctx, "All green"))
	require.NoError(t, s.UpdateProgress(ctx, "late", ""))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, []string{"Reading main.go"}, f.api.sentTexts())
	assert.Equal(t, []string{"All green"}, f.api.editTexts())
}

func TestHandleMessage_LongResultSplit(t *testing.T) {
	f := newFixture(t, 0)
	f.exec.Result = executor.Result{Response: strings.Repeat("a", maxMessageLen) + "tail"}

	f.bot.handleMessage(context.Background(), nil, textUpdate(10, "q"))
	f.bot.turns.Wait()

	texts := f.api.sentTexts()
	require.Len(t, texts, 2)
	assert.Equal(t, strings.Repeat("a", maxMessageLen), texts[0])
	assert.Equal(t, "tail", texts[1])
}

func TestHandleMessage_ExecutionFailure(t *testing.T) {
	f := newFixture(t, 0)
	f.exec.Err = &executor.TimeoutError{Timeout: time.Minute}

	f.bot.handleMessage(context.Background(), nil, textUpdate(10, "q"))
	f.bot.turns.Wait()

	assert.Equal(t, []string{"❌ Error: claude execution timed out after 1m0s"}, f.api.sentTexts())
	assert.Equal(t, session.StateIdle, f.orch.State())
}

func TestHandleMessage_ProcessFailureShowsStderr(t *testing.T) {
	f := newFixture(t, 0)
	f.exec.Err = &executor.ExecuteFailedError{ExitCode: 1, Stderr: "Error: invalid API key\n"}

	f.bot.handleMessage(context.Background(), nil, textUpdate(10, "q"))
	f.bot.turns.Wait()

	assert.Equal(t, []string{"❌ Error: claude execution failed: exit code 1: Error: invalid API key"}, f.api.sentTexts())
}

func TestHandleMessage_AgentError(t *testing.T) {
	f := newFixture(t, 0)
	f.exec.Result = executor.Result{Response: "max turns reached", IsError: true}

	f.bot.handleMessage(context.Background(), nil, textUpdate(10, "q"))
	f.bot.turns.Wait()

	assert.Equal(t, []string{"❌ Error: max turns reached"}, f.api.sentTexts())
}

func TestHandleMessage_Busy(t *testing.T) {
	f := newFixture(t, 0)
	started := make(chan struct{})
	release := make(chan struct{})
	f.exec.Handler = func(ctx context.Context, req executor.Request, _ executor.AssistantHandler) (executor.Result, error) {
		close(started)
		<-release
		return executor.Result{Response: "first done"}, nil
	}

	ctx := context.Background()
	f.bot.handleMessage(ctx, nil, textUpdate(10, "first"))
	<-started

	f.bot.handleMessage(ctx, nil, textUpdate(11, "second"))
	require.Eventually(t, func() bool {
		for _, text := range f.api.sentTexts() {
			if text == busyReply {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	close(release)
	f.bot.turns.Wait()

	assert.Len(t, f.exec.Requests(), 1)
	assert.Contains(t, f.api.sentTexts(), "first done")
}

// --- approval ---

func TestApprovalFlow(t *testing.T) {
	f := newFixture(t, 0)
	var calls int
	f.exec.Handler = func(_ context.Context, req executor.Request, _ executor.AssistantHandler) (executor.Result, error) {
		calls++
		if calls == 1 {
			return executor.Result{SessionID: "s", Response: "I will delete build/. [ask_approval]"}, nil
		}
		return executor.Result{SessionID: "s", Response: "Deleted."}, nil
	}
	ctx := context.Background()

	f.bot.handleMessage(ctx, nil, textUpdate(10, "clean up"))
	f.bot.turns.Wait()

	require.Equal(t, session.StateAwaitingApproval, f.orch.State())
	require.Equal(t, 1, f.bot.pendingCount())
	assert.Equal(t, []string{"I will delete build/."}, f.api.sentTexts())
	data := f.api.continueData(t)
	require.True(t, strings.HasPrefix(data, continuePrefix))

	f.bot.handleContinue(ctx, nil, callbackUpdate(data))
	f.bot.turns.Wait()

	assert.Equal(t, 0, f.bot.pendingCount())
	require.Len(t, f.api.answers, 1)
	assert.Empty(t, f.api.answers[0].Text)

	require.Len(t, f.api.markups, 1)
	assert.Equal(t, 1001, f.api.markups[0].MessageID, "button removed from the approval message")

	reqs := f.exec.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, continuePrompt, reqs[1].Prompt)
	assert.True(t, reqs[1].Continue)

	last := f.api.sent[len(f.api.sent)-1]
	assert.Equal(t, "Deleted.", last.Text)
	require.NotNil(t, last.ReplyParameters)
	assert.Equal(t, 10, last.ReplyParameters.MessageID, "continuation replies to the original message")
	assert.Equal(t, session.StateIdle, f.orch.State())
}

func TestContinue_Expired(t *testing.T) {
	f := newFixture(t, 0)

	f.bot.handleContinue(context.Background(), nil, callbackUpdate(continuePrefix+"unknown"))
	f.bot.turns.Wait()

	require.Len(t, f.api.answers, 1)
	assert.NotEmpty(t, f.api.answers[0].Text)
	assert.Empty(t, f.exec.Requests())
}

func TestNewMessageClearsPendingApprovals(t *testing.T) {
	f := newFixture(t, 0)
	f.exec.Result = executor.Result{Response: "Proceed? [ask_approval]"}
	ctx := context.Background()

	f.bot.handleMessage(ctx, nil, textUpdate(10, "plan"))
	f.bot.turns.Wait()
	data := f.api.continueData(t)
	require.Equal(t, 1, f.bot.pendingCount())

	f.exec.Result = executor.Result{Response: "Changed plan."}
	f.bot.handleMessage(ctx, nil, textUpdate(11, "do it differently"))
	f.bot.turns.Wait()
	assert.Equal(t, 0, f.bot.pendingCount())

	f.bot.handleContinue(ctx, nil, callbackUpdate(data))
	f.bot.turns.Wait()
	assert.Len(t, f.exec.Requests(), 2, "stale Continue does not start a turn")
}

// --- commands ---

func TestHandleNew(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	f.bot.handleNew(ctx, nil, textUpdate(10, "/new"))
	f.bot.turns.Wait()
	assert.Equal(t, []string{"Usage: /new <prompt>"}, f.api.sentTexts())
	assert.Empty(t, f.exec.Requests())

	f.bot.handleNew(ctx, nil, textUpdate(11, "/new start over"))
	f.bot.turns.Wait()

	reqs := f.exec.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "start over", reqs[0].Prompt)
	assert.False(t, reqs[0].Continue)
	assert.Empty(t, reqs[0].ResumeSessionID)
}

func TestHandleStatus(t *testing.T) {
	f := newFixture(t, 0)

	f.bot.handleStatus(context.Background(), nil, textUpdate(10, "/status"))

	texts := f.api.sentTexts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "State: idle")
	assert.Contains(t, texts[0], "Session: (none)")
	assert.Contains(t, texts[0], "Workspace: default")
}

func TestWorkspaceCommand(t *testing.T) {
	f := newFixture(t, 0)

	var switched []string
	f.ws.OnSwitch(func(ws workspace.Workspace) { switched = append(switched, ws.Name) })

	assert.Contains(t, f.bot.workspaceCommand(nil), "Current workspace: default")
	assert.Contains(t, f.bot.workspaceCommand([]string{"current"}), "Current workspace: default")

	out := f.bot.workspaceCommand([]string{"create", "proj"})
	assert.Contains(t, out, "Created and switched to workspace proj")
	assert.Equal(t, "proj", f.ws.Current().Name)

	out = f.bot.workspaceCommand([]string{"list"})
	assert.Contains(t, out, "  default - ")
	assert.Contains(t, out, "→ proj - ")

	out = f.bot.workspaceCommand([]string{"switch", "default"})
	assert.Contains(t, out, "Switched to workspace default")

	out = f.bot.workspaceCommand([]string{"proj"})
	assert.Contains(t, out, "Switched to workspace proj")
	assert.Equal(t, []string{"proj", "default", "proj"}, switched)

	assert.Contains(t, f.bot.workspaceCommand([]string{"nope"}), "Unknown subcommand or workspace: nope")
	assert.Contains(t, f.bot.workspaceCommand([]string{"create"}), "Usage:")
	assert.Contains(t, f.bot.workspaceCommand([]string{"switch"}), "Usage:")
	assert.Contains(t, f.bot.workspaceCommand([]string{"create", "bad/name"}), "❌ Error:")
	assert.Contains(t, f.bot.workspaceCommand([]string{"switch", "missing"}), "❌ Error:")
}

func TestHandleWorkspace_Replies(t *testing.T) {
	f := newFixture(t, 0)

	f.bot.handleWorkspace(context.Background(), nil, textUpdate(10, "/workspace list"))

	require.Len(t, f.api.sent, 1)
	assert.Contains(t, f.api.sent[0].Text, "Workspaces:")
	assert.Equal(t, 10, f.api.sent[0].ReplyParameters.MessageID)
}

func TestNotify(t *testing.T) {
	f := newFixture(t, 0)

	f.bot.Notify(context.Background(), "hello")

	require.Len(t, f.api.sent, 2)
	assert.Equal(t, testUser, f.api.sent[0].ChatID)
	assert.Equal(t, int64(7), f.api.sent[1].ChatID)
}

// --- chatSession ---

func TestChatSession_ProgressDedup(t *testing.T) {
	f := newFixture(t, 0)
	s := f.bot.newChatSession(testUser, 5)
	ctx := context.Background()

	require.NoError(t, s.UpdateProgress(ctx, "same", ""))
	require.NoError(t, s.UpdateProgress(ctx, "same", ""))
	require.NoError(t, s.UpdateProgress(ctx, "body", "Running tests"))

	assert.Equal(t, []string{"same"}, f.api.sentTexts())
	assert.Equal(t, []string{"Running tests\n\nbody"}, f.api.editTexts())
}

func TestChatSession_FailUsesErrorText(t *testing.T) {
	f := newFixture(t, 0)
	s := f.bot.newChatSession(testUser, 0)

	require.NoError(t, s.Fail(context.Background(), errors.New("boom")))
	require.Len(t, f.api.sent, 1)
	assert.Equal(t, "❌ Error: boom", f.api.sent[0].Text)
	assert.Nil(t, f.api.sent[0].ReplyParameters)
}
