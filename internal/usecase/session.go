package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"patient-sim/internal/domain"
	"patient-sim/internal/retry"
)

const (
	defaultMinTurns      = 10
	defaultMaxTurns      = 20
	defaultContextWindow = 10

	personaLabel = "Patient"

	traineeKeySuffix = "@trainee.sim"
)

type Phase string

const (
	PhaseHome   Phase = "home"
	PhaseChat   Phase = "chat"
	PhaseResult Phase = "result"
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// ModelInvoker is the retrying completion client consumed by the
// service.
type ModelInvoker interface {
	Invoke(ctx context.Context, system string, turns []domain.Turn) (string, error)
	InvokeMessages(ctx context.Context, messages []domain.ChatMessage) (string, error)
}

// Store is the durable-state surface the service writes through. The
// service never retries storage operations; a write failure is reported
// and the in-memory transcript is rolled back to the last durable
// boundary.
type Store interface {
	CreateTrainee(ctx context.Context, t domain.Trainee) (existed bool, err error)
	CreateSession(ctx context.Context, s domain.Session) error
	SaveExchange(ctx context.Context, user, assistant domain.Message) error
	SaveResult(ctx context.Context, r domain.Result) error
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type Config struct {
	MinTurns      int
	MaxTurns      int
	ContextWindow int
}

func (c Config) withDefaults() Config {
	if c.MinTurns <= 0 {
		c.MinTurns = defaultMinTurns
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = defaultMaxTurns
	}
	if c.ContextWindow <= 0 {
		c.ContextWindow = defaultContextWindow
	}
	return c
}

// session is the in-memory state of one interview. The mutex is the
// in-flight guard: TryLock rejects a second submission while one is
// still running instead of queueing it.
type session struct {
	mu sync.Mutex

	id         string
	name       string
	trainee    domain.Trainee
	phase      Phase
	transcript *domain.Transcript
	critique   string
	createdAt  time.Time
}

// SessionService drives interview sessions through their phases. It
// owns the in-memory session registry; the store holds the durable
// record.
type SessionService struct {
	params      ParamGetter
	invoker     ModelInvoker
	store       Store
	paramPrefix string
	cfg         Config

	cacheMu          sync.RWMutex
	cacheLoaded      bool
	personaPrompt    string
	critiqueTemplate string

	regMu    sync.Mutex
	sessions map[string]*session
	active   map[string]string
}

type StartInput struct {
	Code string
	Name string
}

type StartOutput struct {
	SessionID   string
	SessionName string
	TraineeKey  string
}

type TurnOutput struct {
	Reply     string
	TurnCount int
}

type CritiqueOutput struct {
	Critique string
}

// Snapshot is the read-only view of a session exposed over the API.
type Snapshot struct {
	SessionID   string
	SessionName string
	TraineeKey  string
	Phase       Phase
	TurnCount   int
	Window      []domain.Turn
	Critique    string
}

func NewSessionService(p ParamGetter, inv ModelInvoker, store Store, paramPrefix string, cfg Config) (*SessionService, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if inv == nil {
		return nil, errors.New("usecase: invoker must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: store must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	return &SessionService{
		params:      p,
		invoker:     inv,
		store:       store,
		paramPrefix: paramPrefix,
		cfg:         cfg.withDefaults(),
		sessions:    make(map[string]*session),
		active:      make(map[string]string),
	}, nil
}

// TraineeKey derives the stable storage identity from the short code a
// trainee enters at the start of a session.
func TraineeKey(code string) string {
	return strings.TrimSpace(code) + traineeKeySuffix
}

// StartSession creates the trainee record if needed, opens a fresh
// session row, and enters the chat phase. Starting again for the same
// trainee replaces the active in-memory session; the trainee record is
// never duplicated.
func (s *SessionService) StartSession(ctx context.Context, in StartInput) (StartOutput, error) {
	code := strings.TrimSpace(in.Code)
	if code == "" {
		return StartOutput{}, newError(ErrorInvalidInput, "empty_code", nil)
	}
	if err := s.ensureConfig(ctx); err != nil {
		return StartOutput{}, newError(ErrorInternal, "ssm_load_error", err)
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = code
	}
	createdAt := now()
	trainee := domain.Trainee{
		Key:       TraineeKey(code),
		Name:      name,
		CreatedAt: createdAt,
	}
	if _, err := s.store.CreateTrainee(ctx, trainee); err != nil {
		return StartOutput{}, newError(ErrorInternal, "trainee_create_error", err)
	}

	sess := &session{
		id:         newUUID(),
		name:       sessionName(createdAt),
		trainee:    trainee,
		phase:      PhaseChat,
		transcript: &domain.Transcript{},
		createdAt:  createdAt,
	}
	if err := s.store.CreateSession(ctx, domain.Session{
		ID:         sess.id,
		Name:       sess.name,
		TraineeKey: trainee.Key,
		CreatedAt:  createdAt,
	}); err != nil {
		return StartOutput{}, newError(ErrorInternal, "session_create_error", err)
	}

	s.regMu.Lock()
	if oldID, ok := s.active[trainee.Key]; ok {
		delete(s.sessions, oldID)
	}
	s.sessions[sess.id] = sess
	s.active[trainee.Key] = sess.id
	s.regMu.Unlock()

	return StartOutput{
		SessionID:   sess.id,
		SessionName: sess.name,
		TraineeKey:  trainee.Key,
	}, nil
}

// SubmitTurn records the trainee's message, obtains the patient reply,
// and persists both as one transaction. If invocation fails the typed
// message is kept as a pending turn so RetryTurn can pick it up.
func (s *SessionService) SubmitTurn(ctx context.Context, sessionID, text string) (TurnOutput, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return TurnOutput{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return TurnOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if !sess.mu.TryLock() {
		return TurnOutput{}, newError(ErrorConflict, "turn_in_flight", nil)
	}
	defer sess.mu.Unlock()

	if sess.phase != PhaseChat {
		return TurnOutput{}, newError(ErrorInvalidState, "not_in_chat", nil)
	}
	if _, pending := sess.transcript.PendingUserTurn(); pending {
		return TurnOutput{}, newError(ErrorConflict, "unanswered_turn", nil)
	}
	if sess.transcript.TurnCount() >= s.cfg.MaxTurns {
		return TurnOutput{}, newError(ErrorInvalidState, "turn_limit_reached", nil)
	}
	if err := s.ensureConfig(ctx); err != nil {
		return TurnOutput{}, newError(ErrorInternal, "ssm_load_error", err)
	}

	userTurn := domain.Turn{Role: domain.RoleUser, Content: text, At: now()}
	sess.transcript.Append(userTurn)

	return s.completeTurn(ctx, sess, userTurn)
}

// RetryTurn re-runs invocation and persistence for the pending user
// turn left behind by a failed SubmitTurn. The typed text is never
// lost; a fresh reply is requested.
func (s *SessionService) RetryTurn(ctx context.Context, sessionID string) (TurnOutput, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return TurnOutput{}, err
	}
	if !sess.mu.TryLock() {
		return TurnOutput{}, newError(ErrorConflict, "turn_in_flight", nil)
	}
	defer sess.mu.Unlock()

	if sess.phase != PhaseChat {
		return TurnOutput{}, newError(ErrorInvalidState, "not_in_chat", nil)
	}
	pending, ok := sess.transcript.PendingUserTurn()
	if !ok {
		return TurnOutput{}, newError(ErrorInvalidState, "no_pending_turn", nil)
	}
	if err := s.ensureConfig(ctx); err != nil {
		return TurnOutput{}, newError(ErrorInternal, "ssm_load_error", err)
	}

	return s.completeTurn(ctx, sess, pending)
}

// completeTurn invokes the model for the trailing user turn and makes
// the exchange durable. Callers hold the session lock. On invocation
// failure the user turn stays pending and nothing is persisted; on
// persistence failure only the assistant reply is rolled back.
func (s *SessionService) completeTurn(ctx context.Context, sess *session, userTurn domain.Turn) (TurnOutput, error) {
	reply, err := s.invoker.Invoke(ctx, s.personaPrompt, sess.transcript.Window(s.cfg.ContextWindow))
	if err != nil {
		return TurnOutput{}, completionError("turn", err)
	}

	assistantTurn := domain.Turn{Role: domain.RoleAssistant, Content: reply, At: now()}
	sess.transcript.Append(assistantTurn)

	userMsg := domain.Message{
		SessionID:  sess.id,
		TraineeKey: sess.trainee.Key,
		Role:       domain.RoleUser,
		Content:    userTurn.Content,
		Sender:     sess.trainee.Name,
		Recipient:  personaLabel,
		CreatedAt:  userTurn.At,
		Seq:        0,
	}
	assistantMsg := domain.Message{
		SessionID:  sess.id,
		TraineeKey: sess.trainee.Key,
		Role:       domain.RoleAssistant,
		Content:    assistantTurn.Content,
		Sender:     personaLabel,
		Recipient:  sess.trainee.Name,
		CreatedAt:  userTurn.At,
		Seq:        1,
	}
	if err := s.store.SaveExchange(ctx, userMsg, assistantMsg); err != nil {
		sess.transcript.DropLast()
		return TurnOutput{}, newError(ErrorInternal, "exchange_write_error", err)
	}

	return TurnOutput{Reply: reply, TurnCount: sess.transcript.TurnCount()}, nil
}

// RequestCritique composes the end-of-interview critique from the
// trainee's questions, persists it, and moves the session to the result
// phase. Any failure leaves the session in the chat phase so the
// critique can be requested again without replaying the conversation.
func (s *SessionService) RequestCritique(ctx context.Context, sessionID string) (CritiqueOutput, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return CritiqueOutput{}, err
	}
	if !sess.mu.TryLock() {
		return CritiqueOutput{}, newError(ErrorConflict, "turn_in_flight", nil)
	}
	defer sess.mu.Unlock()

	if sess.phase == PhaseResult {
		return CritiqueOutput{Critique: sess.critique}, nil
	}
	if sess.phase != PhaseChat {
		return CritiqueOutput{}, newError(ErrorInvalidState, "not_in_chat", nil)
	}
	if _, pending := sess.transcript.PendingUserTurn(); pending {
		return CritiqueOutput{}, newError(ErrorConflict, "unanswered_turn", nil)
	}
	if sess.transcript.TurnCount() < s.cfg.MinTurns {
		return CritiqueOutput{}, newError(ErrorInvalidState, "below_minimum_turns", nil)
	}
	if err := s.ensureConfig(ctx); err != nil {
		return CritiqueOutput{}, newError(ErrorInternal, "ssm_load_error", err)
	}

	critique, err := s.invoker.InvokeMessages(ctx, buildCritiqueMessages(s.critiqueTemplate, sess.transcript.All()))
	if err != nil {
		return CritiqueOutput{}, completionError("critique", err)
	}

	if err := s.store.SaveResult(ctx, domain.Result{
		SessionID:  sess.id,
		TraineeKey: sess.trainee.Key,
		Text:       critique,
		CreatedAt:  now(),
	}); err != nil {
		return CritiqueOutput{}, newError(ErrorInternal, "result_write_error", err)
	}

	sess.phase = PhaseResult
	sess.critique = critique
	return CritiqueOutput{Critique: critique}, nil
}

// Snapshot returns the current phase, turn count, context window, and
// critique (once composed) for a session.
func (s *SessionService) Snapshot(sessionID string) (Snapshot, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	return Snapshot{
		SessionID:   sess.id,
		SessionName: sess.name,
		TraineeKey:  sess.trainee.Key,
		Phase:       sess.phase,
		TurnCount:   sess.transcript.TurnCount(),
		Window:      sess.transcript.Window(s.cfg.ContextWindow),
		Critique:    sess.critique,
	}, nil
}

func (s *SessionService) lookup(sessionID string) (*session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, newError(ErrorInvalidInput, "empty_session_id", nil)
	}
	s.regMu.Lock()
	defer s.regMu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, newError(ErrorInvalidInput, "unknown_session", nil)
	}
	return sess, nil
}

func (s *SessionService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	script, template, err := s.loadSSMParams(ctx)
	if err != nil {
		return err
	}

	s.personaPrompt = buildPersonaPrompt(script)
	s.critiqueTemplate = template
	s.cacheLoaded = true
	return nil
}

func (s *SessionService) loadSSMParams(ctx context.Context) (script, template string, err error) {
	prefix := strings.TrimRight(s.paramPrefix, "/")

	script, err = s.params.GetParameter(ctx, prefix+"/persona_script")
	if err != nil {
		return "", "", fmt.Errorf("usecase: load persona script: %w", err)
	}
	template, err = s.params.GetParameter(ctx, prefix+"/critique_prompt")
	if err != nil {
		return "", "", fmt.Errorf("usecase: load critique prompt: %w", err)
	}
	return script, template, nil
}

// completionError maps an invoker failure onto the caller-facing error
// taxonomy. Exhaustion whose last error was a 429 is reported as rate
// limiting so callers can back off instead of retrying immediately.
func completionError(op string, err error) *Error {
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		if status, ok := upstreamStatusCode(exhausted.Err); ok && status == 429 {
			return newError(ErrorRateLimited, op+"_rate_limited", err)
		}
		return newError(ErrorUpstream, op+"_exhausted", err)
	}
	return newError(ErrorUpstream, op+"_error", err)
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

func sessionName(createdAt time.Time) string {
	return "Chat Session " + createdAt.UTC().Format("2006-01-02 15:04")
}

var newUUID = func() string {
	return uuid.NewString()
}

var now = func() time.Time {
	return time.Now().UTC()
}
