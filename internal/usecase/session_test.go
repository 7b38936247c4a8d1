package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"patient-sim/internal/domain"
	"patient-sim/internal/retry"
)

type fakeParams struct {
	values map[string]string
	err    error
	calls  int
}

func (f *fakeParams) GetParameter(_ context.Context, name string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	v, ok := f.values[name]
	if !ok {
		return "", fmt.Errorf("parameter not found: %s", name)
	}
	return v, nil
}

type fakeInvoker struct {
	reply       string
	err         error
	invokeCalls int
	msgCalls    int
	lastSystem  string
	lastTurns   []domain.Turn
	lastMsgs    []domain.ChatMessage
}

func (f *fakeInvoker) Invoke(_ context.Context, system string, turns []domain.Turn) (string, error) {
	f.invokeCalls++
	f.lastSystem = system
	f.lastTurns = turns
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeInvoker) InvokeMessages(_ context.Context, messages []domain.ChatMessage) (string, error) {
	f.msgCalls++
	f.lastMsgs = messages
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

type fakeStore struct {
	traineeExisted bool
	traineeErr     error
	sessionErr     error
	exchangeErr    error
	resultErr      error

	trainees      []domain.Trainee
	sessions      []domain.Session
	exchanges     [][2]domain.Message
	results       []domain.Result
	exchangeCalls int
}

func (f *fakeStore) CreateTrainee(_ context.Context, t domain.Trainee) (bool, error) {
	if f.traineeErr != nil {
		return false, f.traineeErr
	}
	f.trainees = append(f.trainees, t)
	return f.traineeExisted, nil
}

func (f *fakeStore) CreateSession(_ context.Context, s domain.Session) error {
	if f.sessionErr != nil {
		return f.sessionErr
	}
	f.sessions = append(f.sessions, s)
	return nil
}

func (f *fakeStore) SaveExchange(_ context.Context, user, assistant domain.Message) error {
	f.exchangeCalls++
	if f.exchangeErr != nil {
		return f.exchangeErr
	}
	f.exchanges = append(f.exchanges, [2]domain.Message{user, assistant})
	return nil
}

func (f *fakeStore) SaveResult(_ context.Context, r domain.Result) error {
	if f.resultErr != nil {
		return f.resultErr
	}
	f.results = append(f.results, r)
	return nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string       { return fmt.Sprintf("http status %d", e.code) }
func (e *statusError) HTTPStatusCode() int { return e.code }

func defaultParams() *fakeParams {
	return &fakeParams{values: map[string]string{
		"/sim/persona_script":  "You are Mrs. Jones, 62, with lower back pain.",
		"/sim/critique_prompt": "Evaluate the trainee's history taking.",
	}}
}

func mustNewService(t *testing.T, p *fakeParams, inv *fakeInvoker, store *fakeStore, cfg Config) *SessionService {
	t.Helper()
	svc, err := NewSessionService(p, inv, store, "/sim", cfg)
	require.NoError(t, err)
	return svc
}

func mustStart(t *testing.T, svc *SessionService) StartOutput {
	t.Helper()
	out, err := svc.StartSession(context.Background(), StartInput{Code: "abc", Name: "Alice"})
	require.NoError(t, err)
	return out
}

func requireCode(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var uerr *Error
	require.ErrorAs(t, err, &uerr)
	require.Equal(t, code, uerr.Code)
	require.Equal(t, reason, uerr.Reason)
}

func TestNewSessionService_Validation(t *testing.T) {
	p := defaultParams()
	inv := &fakeInvoker{}
	store := &fakeStore{}

	_, err := NewSessionService(nil, inv, store, "/sim", Config{})
	require.Error(t, err)
	_, err = NewSessionService(p, nil, store, "/sim", Config{})
	require.Error(t, err)
	_, err = NewSessionService(p, inv, nil, "/sim", Config{})
	require.Error(t, err)
	_, err = NewSessionService(p, inv, store, "  ", Config{})
	require.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	require.Equal(t, 10, cfg.MinTurns)
	require.Equal(t, 20, cfg.MaxTurns)
	require.Equal(t, 10, cfg.ContextWindow)
}

func TestTraineeKey(t *testing.T) {
	require.Equal(t, "abc@trainee.sim", TraineeKey(" abc "))
}

func TestStartSession_HappyPath(t *testing.T) {
	store := &fakeStore{}
	svc := mustNewService(t, defaultParams(), &fakeInvoker{}, store, Config{})

	out, err := svc.StartSession(context.Background(), StartInput{Code: "abc", Name: "Alice"})
	require.NoError(t, err)
	require.NotEmpty(t, out.SessionID)
	require.Equal(t, "abc@trainee.sim", out.TraineeKey)
	require.Contains(t, out.SessionName, "Chat Session")

	require.Len(t, store.trainees, 1)
	require.Equal(t, "Alice", store.trainees[0].Name)
	require.Len(t, store.sessions, 1)
	require.Equal(t, out.SessionID, store.sessions[0].ID)
	require.Equal(t, "abc@trainee.sim", store.sessions[0].TraineeKey)

	snap, err := svc.Snapshot(out.SessionID)
	require.NoError(t, err)
	require.Equal(t, PhaseChat, snap.Phase)
	require.Zero(t, snap.TurnCount)
}

func TestStartSession_EmptyCode(t *testing.T) {
	svc := mustNewService(t, defaultParams(), &fakeInvoker{}, &fakeStore{}, Config{})
	_, err := svc.StartSession(context.Background(), StartInput{Code: "  "})
	requireCode(t, err, ErrorInvalidInput, "empty_code")
}

func TestStartSession_ExistingTraineeIsNotAnError(t *testing.T) {
	store := &fakeStore{traineeExisted: true}
	svc := mustNewService(t, defaultParams(), &fakeInvoker{}, store, Config{})
	_, err := svc.StartSession(context.Background(), StartInput{Code: "abc"})
	require.NoError(t, err)
}

func TestStartSession_ReplacesActiveSession(t *testing.T) {
	svc := mustNewService(t, defaultParams(), &fakeInvoker{reply: "hello"}, &fakeStore{}, Config{})

	first := mustStart(t, svc)
	second := mustStart(t, svc)
	require.NotEqual(t, first.SessionID, second.SessionID)

	_, err := svc.Snapshot(first.SessionID)
	requireCode(t, err, ErrorInvalidInput, "unknown_session")
	_, err = svc.Snapshot(second.SessionID)
	require.NoError(t, err)
}

func TestStartSession_TraineeCreateError(t *testing.T) {
	store := &fakeStore{traineeErr: errors.New("boom")}
	svc := mustNewService(t, defaultParams(), &fakeInvoker{}, store, Config{})
	_, err := svc.StartSession(context.Background(), StartInput{Code: "abc"})
	requireCode(t, err, ErrorInternal, "trainee_create_error")
}

func TestStartSession_SessionCreateError(t *testing.T) {
	store := &fakeStore{sessionErr: errors.New("boom")}
	svc := mustNewService(t, defaultParams(), &fakeInvoker{}, store, Config{})
	_, err := svc.StartSession(context.Background(), StartInput{Code: "abc"})
	requireCode(t, err, ErrorInternal, "session_create_error")
}

func TestStartSession_SSMError(t *testing.T) {
	svc := mustNewService(t, &fakeParams{err: errors.New("denied")}, &fakeInvoker{}, &fakeStore{}, Config{})
	_, err := svc.StartSession(context.Background(), StartInput{Code: "abc"})
	requireCode(t, err, ErrorInternal, "ssm_load_error")
}

func TestSubmitTurn_HappyPath(t *testing.T) {
	inv := &fakeInvoker{reply: "My lower back hurts."}
	store := &fakeStore{}
	svc := mustNewService(t, defaultParams(), inv, store, Config{})
	start := mustStart(t, svc)

	out, err := svc.SubmitTurn(context.Background(), start.SessionID, "Where does it hurt?")
	require.NoError(t, err)
	require.Equal(t, "My lower back hurts.", out.Reply)
	require.Equal(t, 1, out.TurnCount)

	require.Equal(t, 1, inv.invokeCalls)
	require.Contains(t, inv.lastSystem, "Mrs. Jones")
	require.Len(t, inv.lastTurns, 1)
	require.Equal(t, "Where does it hurt?", inv.lastTurns[0].Content)

	require.Len(t, store.exchanges, 1)
	user, assistant := store.exchanges[0][0], store.exchanges[0][1]
	require.Equal(t, start.SessionID, user.SessionID)
	require.Equal(t, "abc@trainee.sim", user.TraineeKey)
	require.Equal(t, domain.RoleUser, user.Role)
	require.Equal(t, "Alice", user.Sender)
	require.Equal(t, "Patient", user.Recipient)
	require.Equal(t, 0, user.Seq)
	require.Equal(t, domain.RoleAssistant, assistant.Role)
	require.Equal(t, "Patient", assistant.Sender)
	require.Equal(t, "Alice", assistant.Recipient)
	require.Equal(t, 1, assistant.Seq)
}

func TestSubmitTurn_EmptyMessage(t *testing.T) {
	svc := mustNewService(t, defaultParams(), &fakeInvoker{reply: "x"}, &fakeStore{}, Config{})
	start := mustStart(t, svc)
	_, err := svc.SubmitTurn(context.Background(), start.SessionID, "   ")
	requireCode(t, err, ErrorInvalidInput, "empty_message")
}

func TestSubmitTurn_UnknownSession(t *testing.T) {
	svc := mustNewService(t, defaultParams(), &fakeInvoker{}, &fakeStore{}, Config{})
	_, err := svc.SubmitTurn(context.Background(), "nope", "hi")
	requireCode(t, err, ErrorInvalidInput, "unknown_session")
}

func TestSubmitTurn_TurnLimit(t *testing.T) {
	inv := &fakeInvoker{reply: "ok"}
	svc := mustNewService(t, defaultParams(), inv, &fakeStore{}, Config{MaxTurns: 2, MinTurns: 1})
	start := mustStart(t, svc)

	for i := 0; i < 2; i++ {
		_, err := svc.SubmitTurn(context.Background(), start.SessionID, fmt.Sprintf("question %d", i))
		require.NoError(t, err)
	}
	_, err := svc.SubmitTurn(context.Background(), start.SessionID, "one more")
	requireCode(t, err, ErrorInvalidState, "turn_limit_reached")
	require.Equal(t, 2, inv.invokeCalls)
}

func TestSubmitTurn_ContextWindow(t *testing.T) {
	inv := &fakeInvoker{reply: "ok"}
	svc := mustNewService(t, defaultParams(), inv, &fakeStore{}, Config{ContextWindow: 2, MaxTurns: 20, MinTurns: 1})
	start := mustStart(t, svc)

	_, err := svc.SubmitTurn(context.Background(), start.SessionID, "first")
	require.NoError(t, err)
	_, err = svc.SubmitTurn(context.Background(), start.SessionID, "second")
	require.NoError(t, err)

	require.Len(t, inv.lastTurns, 2)
	require.Equal(t, domain.RoleAssistant, inv.lastTurns[0].Role)
	require.Equal(t, "second", inv.lastTurns[1].Content)
}

func TestSubmitTurn_InvokerFailureLeavesPendingTurn(t *testing.T) {
	inv := &fakeInvoker{err: &retry.ExhaustedError{Attempts: 5, Err: errors.New("connection refused")}}
	store := &fakeStore{}
	svc := mustNewService(t, defaultParams(), inv, store, Config{})
	start := mustStart(t, svc)

	_, err := svc.SubmitTurn(context.Background(), start.SessionID, "Where does it hurt?")
	requireCode(t, err, ErrorUpstream, "turn_exhausted")
	require.Zero(t, store.exchangeCalls)

	snap, err := svc.Snapshot(start.SessionID)
	require.NoError(t, err)
	require.Zero(t, snap.TurnCount)
	require.Equal(t, PhaseChat, snap.Phase)

	// The unanswered turn blocks new submissions until retried.
	_, err = svc.SubmitTurn(context.Background(), start.SessionID, "Anything else?")
	requireCode(t, err, ErrorConflict, "unanswered_turn")

	inv.err = nil
	inv.reply = "My lower back."
	out, err := svc.RetryTurn(context.Background(), start.SessionID)
	require.NoError(t, err)
	require.Equal(t, "My lower back.", out.Reply)
	require.Equal(t, 1, out.TurnCount)
	require.Len(t, store.exchanges, 1)
	require.Equal(t, "Where does it hurt?", store.exchanges[0][0].Content)
}

func TestSubmitTurn_RateLimitedExhaustion(t *testing.T) {
	inv := &fakeInvoker{err: &retry.ExhaustedError{Attempts: 5, Err: &statusError{code: 429}}}
	svc := mustNewService(t, defaultParams(), inv, &fakeStore{}, Config{})
	start := mustStart(t, svc)

	_, err := svc.SubmitTurn(context.Background(), start.SessionID, "hi")
	requireCode(t, err, ErrorRateLimited, "turn_rate_limited")
}

func TestSubmitTurn_FatalInvokerError(t *testing.T) {
	inv := &fakeInvoker{err: &statusError{code: 400}}
	svc := mustNewService(t, defaultParams(), inv, &fakeStore{}, Config{})
	start := mustStart(t, svc)

	_, err := svc.SubmitTurn(context.Background(), start.SessionID, "hi")
	requireCode(t, err, ErrorUpstream, "turn_error")
}

func TestSubmitTurn_PersistenceFailureRollsBackReplyOnly(t *testing.T) {
	inv := &fakeInvoker{reply: "My lower back."}
	store := &fakeStore{exchangeErr: errors.New("transaction canceled")}
	svc := mustNewService(t, defaultParams(), inv, store, Config{})
	start := mustStart(t, svc)

	_, err := svc.SubmitTurn(context.Background(), start.SessionID, "Where does it hurt?")
	requireCode(t, err, ErrorInternal, "exchange_write_error")

	snap, err := svc.Snapshot(start.SessionID)
	require.NoError(t, err)
	require.Zero(t, snap.TurnCount)
	require.Equal(t, PhaseChat, snap.Phase)

	// The typed text survives and can be retried once storage recovers.
	store.exchangeErr = nil
	out, err := svc.RetryTurn(context.Background(), start.SessionID)
	require.NoError(t, err)
	require.Equal(t, 1, out.TurnCount)
	require.Equal(t, "Where does it hurt?", store.exchanges[0][0].Content)
	require.Equal(t, 2, inv.invokeCalls)
}

func TestRetryTurn_NoPendingTurn(t *testing.T) {
	svc := mustNewService(t, defaultParams(), &fakeInvoker{reply: "x"}, &fakeStore{}, Config{})
	start := mustStart(t, svc)
	_, err := svc.RetryTurn(context.Background(), start.SessionID)
	requireCode(t, err, ErrorInvalidState, "no_pending_turn")
}

func TestRequestCritique_BelowMinimumIsLocal(t *testing.T) {
	inv := &fakeInvoker{reply: "ok"}
	svc := mustNewService(t, defaultParams(), inv, &fakeStore{}, Config{MinTurns: 2, MaxTurns: 20})
	start := mustStart(t, svc)

	_, err := svc.SubmitTurn(context.Background(), start.SessionID, "only question")
	require.NoError(t, err)

	_, err = svc.RequestCritique(context.Background(), start.SessionID)
	requireCode(t, err, ErrorInvalidState, "below_minimum_turns")
	require.Zero(t, inv.msgCalls)
}

func TestRequestCritique_HappyPath(t *testing.T) {
	inv := &fakeInvoker{reply: "You asked focused questions."}
	store := &fakeStore{}
	svc := mustNewService(t, defaultParams(), inv, store, Config{MinTurns: 2, MaxTurns: 20})
	start := mustStart(t, svc)

	_, err := svc.SubmitTurn(context.Background(), start.SessionID, "Where does it hurt?")
	require.NoError(t, err)
	_, err = svc.SubmitTurn(context.Background(), start.SessionID, "How long has it hurt?")
	require.NoError(t, err)

	out, err := svc.RequestCritique(context.Background(), start.SessionID)
	require.NoError(t, err)
	require.Equal(t, "You asked focused questions.", out.Critique)
	require.Equal(t, 1, inv.msgCalls)

	require.Len(t, inv.lastMsgs, 2)
	require.Contains(t, inv.lastMsgs[0].Content, "history taking")
	require.Contains(t, inv.lastMsgs[1].Content, "1) Where does it hurt?")
	require.Contains(t, inv.lastMsgs[1].Content, "2) How long has it hurt?")
	require.NotContains(t, inv.lastMsgs[1].Content, "You asked focused")

	require.Len(t, store.results, 1)
	require.Equal(t, start.SessionID, store.results[0].SessionID)
	require.Equal(t, "abc@trainee.sim", store.results[0].TraineeKey)

	snap, err := svc.Snapshot(start.SessionID)
	require.NoError(t, err)
	require.Equal(t, PhaseResult, snap.Phase)
	require.Equal(t, "You asked focused questions.", snap.Critique)
}

func TestRequestCritique_IdempotentAfterResult(t *testing.T) {
	inv := &fakeInvoker{reply: "Well done."}
	store := &fakeStore{}
	svc := mustNewService(t, defaultParams(), inv, store, Config{MinTurns: 1, MaxTurns: 20})
	start := mustStart(t, svc)

	_, err := svc.SubmitTurn(context.Background(), start.SessionID, "hi")
	require.NoError(t, err)
	first, err := svc.RequestCritique(context.Background(), start.SessionID)
	require.NoError(t, err)

	second, err := svc.RequestCritique(context.Background(), start.SessionID)
	require.NoError(t, err)
	require.Equal(t, first.Critique, second.Critique)
	require.Equal(t, 1, inv.msgCalls)
	require.Len(t, store.results, 1)
}

func TestRequestCritique_SubmitAfterResultRejected(t *testing.T) {
	inv := &fakeInvoker{reply: "Well done."}
	svc := mustNewService(t, defaultParams(), inv, &fakeStore{}, Config{MinTurns: 1, MaxTurns: 20})
	start := mustStart(t, svc)

	_, err := svc.SubmitTurn(context.Background(), start.SessionID, "hi")
	require.NoError(t, err)
	_, err = svc.RequestCritique(context.Background(), start.SessionID)
	require.NoError(t, err)

	_, err = svc.SubmitTurn(context.Background(), start.SessionID, "one more")
	requireCode(t, err, ErrorInvalidState, "not_in_chat")
}

func TestRequestCritique_InvokerFailureStaysInChat(t *testing.T) {
	inv := &fakeInvoker{reply: "ok"}
	store := &fakeStore{}
	svc := mustNewService(t, defaultParams(), inv, store, Config{MinTurns: 1, MaxTurns: 20})
	start := mustStart(t, svc)

	_, err := svc.SubmitTurn(context.Background(), start.SessionID, "hi")
	require.NoError(t, err)

	inv.err = &retry.ExhaustedError{Attempts: 5, Err: &statusError{code: 503}}
	_, err = svc.RequestCritique(context.Background(), start.SessionID)
	requireCode(t, err, ErrorUpstream, "critique_exhausted")

	snap, err := svc.Snapshot(start.SessionID)
	require.NoError(t, err)
	require.Equal(t, PhaseChat, snap.Phase)

	inv.err = nil
	inv.reply = "Good pacing."
	out, err := svc.RequestCritique(context.Background(), start.SessionID)
	require.NoError(t, err)
	require.Equal(t, "Good pacing.", out.Critique)
}

func TestRequestCritique_ResultWriteFailureStaysInChat(t *testing.T) {
	inv := &fakeInvoker{reply: "ok"}
	store := &fakeStore{}
	svc := mustNewService(t, defaultParams(), inv, store, Config{MinTurns: 1, MaxTurns: 20})
	start := mustStart(t, svc)

	_, err := svc.SubmitTurn(context.Background(), start.SessionID, "hi")
	require.NoError(t, err)

	store.resultErr = errors.New("boom")
	_, err = svc.RequestCritique(context.Background(), start.SessionID)
	requireCode(t, err, ErrorInternal, "result_write_error")

	snap, err := svc.Snapshot(start.SessionID)
	require.NoError(t, err)
	require.Equal(t, PhaseChat, snap.Phase)
}

func TestRequestCritique_PendingTurnBlocks(t *testing.T) {
	inv := &fakeInvoker{reply: "ok"}
	svc := mustNewService(t, defaultParams(), inv, &fakeStore{}, Config{MinTurns: 1, MaxTurns: 20})
	start := mustStart(t, svc)

	_, err := svc.SubmitTurn(context.Background(), start.SessionID, "hi")
	require.NoError(t, err)

	inv.err = errors.New("down")
	_, err = svc.SubmitTurn(context.Background(), start.SessionID, "next")
	require.Error(t, err)

	_, err = svc.RequestCritique(context.Background(), start.SessionID)
	requireCode(t, err, ErrorConflict, "unanswered_turn")
}

func TestEnsureConfig_LoadedOnce(t *testing.T) {
	p := defaultParams()
	svc := mustNewService(t, p, &fakeInvoker{reply: "ok"}, &fakeStore{}, Config{})
	start := mustStart(t, svc)

	_, err := svc.SubmitTurn(context.Background(), start.SessionID, "one")
	require.NoError(t, err)
	_, err = svc.SubmitTurn(context.Background(), start.SessionID, "two")
	require.NoError(t, err)

	require.Equal(t, 2, p.calls)
}

func TestSnapshot_WindowBounded(t *testing.T) {
	inv := &fakeInvoker{reply: "ok"}
	svc := mustNewService(t, defaultParams(), inv, &fakeStore{}, Config{ContextWindow: 3, MaxTurns: 20, MinTurns: 1})
	start := mustStart(t, svc)

	for i := 0; i < 4; i++ {
		_, err := svc.SubmitTurn(context.Background(), start.SessionID, fmt.Sprintf("question %d", i))
		require.NoError(t, err)
	}

	snap, err := svc.Snapshot(start.SessionID)
	require.NoError(t, err)
	require.Equal(t, 4, snap.TurnCount)
	require.Len(t, snap.Window, 3)
}

func TestSessionName_Format(t *testing.T) {
	ts := time.Date(2026, 8, 30, 14, 30, 0, 0, time.UTC)
	require.Equal(t, "Chat Session 2026-08-30 14:30", sessionName(ts))
}

func TestCompletionError_Mapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		code   ErrorCode
		reason string
	}{
		{"exhausted 429", &retry.ExhaustedError{Attempts: 5, Err: &statusError{code: 429}}, ErrorRateLimited, "turn_rate_limited"},
		{"exhausted 503", &retry.ExhaustedError{Attempts: 5, Err: &statusError{code: 503}}, ErrorUpstream, "turn_exhausted"},
		{"exhausted network", &retry.ExhaustedError{Attempts: 5, Err: errors.New("connection reset")}, ErrorUpstream, "turn_exhausted"},
		{"fatal status", &statusError{code: 400}, ErrorUpstream, "turn_error"},
		{"plain error", errors.New("boom"), ErrorUpstream, "turn_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			uerr := completionError("turn", tc.err)
			require.Equal(t, tc.code, uerr.Code)
			require.Equal(t, tc.reason, uerr.Reason)
			require.True(t, strings.HasPrefix(uerr.Reason, "turn_"))
		})
	}
}
