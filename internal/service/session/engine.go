package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/clinvoice/backend/internal/model/s2s"
	"github.com/clinvoice/backend/internal/service/audio"
)

// State is the monotonic session lifecycle.
type State int

const (
	StateIdle State = iota
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrNotIdle rejects Start on a session that already ran.
	ErrNotIdle = errors.New("session is not idle")
	// ErrAudioNotOpen rejects audio frames outside the open audio unit.
	// Callers feeding live capture are expected to drop the frame.
	ErrAudioNotOpen = errors.New("audio content unit is not open")
	// ErrSessionEnded rejects operations on an ended session.
	ErrSessionEnded = errors.New("session has ended")
)

// Player receives decoded assistant audio and the barge-in signal.
type Player interface {
	Enqueue(pcm []byte)
	BargeIn()
}

// Aggregator folds tool results into the patient record.
type Aggregator interface {
	Apply(payload []byte) error
	Reset()
}

// Meter is the usage-event collaborator.
type Meter interface {
	RecordUsage(sessionID string, usage s2s.InUsageEvent)
}

// ToolExecutor runs a named tool against the clinical record store. It is an
// external collaborator reachable only through this interface; input and
// output are JSON strings.
type ToolExecutor interface {
	Execute(ctx context.Context, name, input string) (string, error)
}

// HistoryTurn is one prior utterance replayed into a fresh prompt.
type HistoryTurn struct {
	Role string
	Text string
}

// Config carries everything a session needs beyond its collaborators.
type Config struct {
	SystemPrompt string
	VoiceID      string
	Inference    s2s.InferenceConfig
	Tools        s2s.ToolConfig
	History      []HistoryTurn
	ToolTimeout  time.Duration // per tool execution, default 20s
}

func (c Config) withDefaults() Config {
	if c.SystemPrompt == "" {
		c.SystemPrompt = s2s.DefaultSystemPrompt
	}
	if c.Inference == (s2s.InferenceConfig{}) {
		c.Inference = s2s.DefaultInferenceConfig()
	}
	if len(c.Tools.Tools) == 0 {
		c.Tools = s2s.DefaultToolConfig()
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 20 * time.Second
	}
	return c
}

// contentPhase is the monotonic per-id sub-state.
type contentPhase int

const (
	contentOpen contentPhase = iota + 1
	contentClosed
)

// Engine owns one conversation: the connection, the session/prompt/content
// state machine, outbound serialization, and inbound dispatch. One engine
// instance exists per active conversation; nothing here is global.
type Engine struct {
	ID string

	cfg       Config
	transport Transport
	player    Player
	agg       Aggregator
	meter     Meter
	executor  ToolExecutor

	logbook *EventLog
	turns   *TranscriptStore

	mu           sync.Mutex
	state        State
	promptName   string
	audioContent string
	contents     map[string]contentPhase // outbound content units
	inbound      map[string]contentPhase // model-side content units
	pendingTool  *s2s.InToolUse
	endErr       error

	done     chan struct{}
	doneOnce sync.Once
}

// NewEngine wires an engine; meter and executor may be nil.
func NewEngine(cfg Config, transport Transport, player Player, agg Aggregator, meter Meter, executor ToolExecutor, sinks ...Sink) *Engine {
	id := uuid.NewString()
	cfg = cfg.withDefaults()
	return &Engine{
		ID:        id,
		cfg:       cfg,
		transport: transport,
		player:    player,
		agg:       agg,
		meter:     meter,
		executor:  executor,
		logbook:   NewEventLog(id, sinks...),
		turns:     NewTranscriptStore(id),
		contents:  map[string]contentPhase{},
		inbound:   map[string]contentPhase{},
		done:      make(chan struct{}),
	}
}

// Transcript exposes the turn projection for read-only use.
func (e *Engine) Transcript() *TranscriptStore {
	return e.turns
}

// Events exposes the append-only audit log.
func (e *Engine) Events() *EventLog {
	return e.logbook
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Done is closed when the session has fully ended.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Start opens the connection and replays the opening event sequence:
// sessionStart, promptStart, the SYSTEM text unit, any history turns, and
// finally the USER audio unit, which stays open for streamed frames.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateIdle {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotIdle, state)
	}
	e.promptName = uuid.NewString()
	e.mu.Unlock()

	if err := e.transport.Connect(ctx); err != nil {
		// End may have run concurrently while the dial was in flight; the
		// done closure must survive both orders.
		e.mu.Lock()
		e.state = StateEnded
		e.mu.Unlock()
		e.closeDone()
		return err
	}

	e.agg.Reset()

	if err := e.sendOpeningSequence(); err != nil {
		e.End()
		return err
	}

	e.mu.Lock()
	if e.state == StateEnded {
		// Torn down mid-start; the teardown already ran.
		e.mu.Unlock()
		e.transport.Close()
		return ErrSessionEnded
	}
	e.state = StateActive
	e.mu.Unlock()

	go e.readLoop(ctx)
	return nil
}

func (e *Engine) closeDone() {
	e.doneOnce.Do(func() { close(e.done) })
}

func (e *Engine) sendOpeningSequence() error {
	if err := e.send(s2s.KindSessionStart, s2s.SessionStart{InferenceConfiguration: e.cfg.Inference}); err != nil {
		return err
	}
	if err := e.send(s2s.KindPromptStart, s2s.PromptStart{
		PromptName:                 e.promptName,
		TextOutputConfiguration:    s2s.TextConfig{MediaType: "text/plain"},
		AudioOutputConfiguration:   s2s.DefaultAudioOutputConfig(e.cfg.VoiceID),
		ToolUseOutputConfiguration: s2s.TextConfig{MediaType: "application/json"},
		ToolConfiguration:          e.cfg.Tools,
	}); err != nil {
		return err
	}

	if err := e.sendTextUnit(s2s.RoleSystem, e.cfg.SystemPrompt); err != nil {
		return err
	}
	for _, turn := range e.cfg.History {
		if err := e.sendTextUnit(turn.Role, turn.Text); err != nil {
			return err
		}
	}

	audioContent := uuid.NewString()
	cfg := s2s.DefaultAudioInputConfig()
	if err := e.openContent(audioContent, s2s.ContentStart{
		PromptName:              e.promptName,
		ContentName:             audioContent,
		Type:                    s2s.TypeAudio,
		Interactive:             true,
		Role:                    s2s.RoleUser,
		AudioInputConfiguration: &cfg,
	}); err != nil {
		return err
	}

	e.mu.Lock()
	e.audioContent = audioContent
	e.mu.Unlock()
	return nil
}

// sendTextUnit emits a complete contentStart/textInput/contentEnd triple.
func (e *Engine) sendTextUnit(role, text string) error {
	name := uuid.NewString()
	if err := e.openContent(name, s2s.ContentStart{
		PromptName:             e.promptName,
		ContentName:            name,
		Type:                   s2s.TypeText,
		Interactive:            true,
		Role:                   role,
		TextInputConfiguration: &s2s.TextConfig{MediaType: "text/plain"},
	}); err != nil {
		return err
	}
	if err := e.send(s2s.KindTextInput, s2s.TextInput{
		PromptName:  e.promptName,
		ContentName: name,
		Content:     text,
	}); err != nil {
		return err
	}
	return e.closeContent(name)
}

// SendAudioFrame forwards one encoded frame into the open audio unit.
// Frames offered while the unit is not open return ErrAudioNotOpen; live
// capture callers drop the frame rather than queueing it.
func (e *Engine) SendAudioFrame(b64 string) error {
	e.mu.Lock()
	if e.state != StateActive {
		state := e.state
		e.mu.Unlock()
		if state == StateEnded {
			return ErrSessionEnded
		}
		return ErrAudioNotOpen
	}
	audioContent := e.audioContent
	open := audioContent != "" && e.contents[audioContent] == contentOpen
	prompt := e.promptName
	e.mu.Unlock()

	if !open {
		return ErrAudioNotOpen
	}
	return e.send(s2s.KindAudioInput, s2s.AudioInput{
		PromptName:  prompt,
		ContentName: audioContent,
		Content:     b64,
	})
}

func (e *Engine) stateLocked() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// End runs the best-effort teardown: close the audio unit, end the prompt
// and session, then drop the connection. Every step runs even when an
// earlier one fails, and calling End twice neither errors nor re-sends
// sessionEnd.
func (e *Engine) End() error {
	e.mu.Lock()
	if e.state == StateEnded {
		err := e.endErr
		e.mu.Unlock()
		return err
	}
	e.state = StateEnded
	audioContent := e.audioContent
	audioOpen := audioContent != "" && e.contents[audioContent] == contentOpen
	if audioOpen {
		e.contents[audioContent] = contentClosed
	}
	prompt := e.promptName
	e.mu.Unlock()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil && !errors.Is(err, ErrTransportClosed) {
			firstErr = err
		}
		if err != nil {
			log.Printf("[session] teardown step: %v", err)
		}
	}

	if audioOpen {
		keep(e.send(s2s.KindContentEnd, s2s.ContentEnd{PromptName: prompt, ContentName: audioContent}))
	}
	if prompt != "" {
		keep(e.send(s2s.KindPromptEnd, s2s.PromptEnd{PromptName: prompt}))
		keep(e.send(s2s.KindSessionEnd, s2s.SessionEnd{}))
	}
	keep(e.transport.Close())

	// Playback stops with the session regardless of connection health.
	e.player.BargeIn()

	e.mu.Lock()
	e.endErr = firstErr
	e.mu.Unlock()
	e.closeDone()
	return firstErr
}

// send serializes, logs, and transmits one outbound event.
func (e *Engine) send(kind s2s.Kind, body any) error {
	data, err := s2s.Encode(kind, body)
	if err != nil {
		return err
	}
	e.logbook.Append(DirectionOut, kind, data)
	if err := e.transport.Send(data); err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}
	return nil
}

// openContent enforces per-id monotonicity before emitting contentStart.
func (e *Engine) openContent(name string, body s2s.ContentStart) error {
	e.mu.Lock()
	if _, exists := e.contents[name]; exists {
		e.mu.Unlock()
		return fmt.Errorf("content id %s already used", name)
	}
	e.contents[name] = contentOpen
	e.mu.Unlock()
	return e.send(s2s.KindContentStart, body)
}

// closeContent enforces open-before-close before emitting contentEnd.
func (e *Engine) closeContent(name string) error {
	e.mu.Lock()
	phase, exists := e.contents[name]
	if !exists || phase != contentOpen {
		e.mu.Unlock()
		return fmt.Errorf("content id %s is not open", name)
	}
	e.contents[name] = contentClosed
	prompt := e.promptName
	e.mu.Unlock()
	return e.send(s2s.KindContentEnd, s2s.ContentEnd{PromptName: prompt, ContentName: name})
}

// readLoop drains inbound events one at a time, in arrival order. Per-event
// failures are local; transport failures end the session.
func (e *Engine) readLoop(ctx context.Context) {
	for {
		data, err := e.transport.Receive()
		if errors.Is(err, ErrReceiveIdle) {
			e.sendHeartbeat()
			continue
		}
		if err != nil {
			if e.stateLocked() != StateEnded {
				log.Printf("[session] connection lost: %v", err)
				e.End()
			}
			return
		}

		env, err := s2s.Decode(data)
		if err != nil {
			log.Printf("[session] dropping undecodable event: %v", err)
			continue
		}
		kind, body := env.Kind()
		e.logbook.Append(DirectionIn, kind, data)
		e.dispatch(ctx, kind, body)

		select {
		case <-ctx.Done():
			e.End()
			return
		case <-e.done:
			return
		default:
		}
	}
}

func (e *Engine) sendHeartbeat() {
	err := e.send(s2s.KindHeartbeat, s2s.Heartbeat{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		log.Printf("[session] heartbeat: %v", err)
	}
}

// dispatch routes one inbound event by kind. The switch is exhaustive over
// the kinds this client understands; anything else is logged and skipped.
func (e *Engine) dispatch(ctx context.Context, kind s2s.Kind, body []byte) {
	switch kind {
	case s2s.KindTextOutput:
		e.onTextOutput(body)
	case s2s.KindAudioOutput:
		e.onAudioOutput(body)
	case s2s.KindContentStart:
		e.onContentStart(body)
	case s2s.KindContentEnd:
		e.onContentEnd(ctx, body)
	case s2s.KindToolUse:
		e.onToolUse(body)
	case s2s.KindToolResult:
		e.onToolResult(body)
	case s2s.KindUsageEvent:
		e.onUsageEvent(body)
	case s2s.KindCompletionStart, s2s.KindCompletionEnd:
		// Logged above; no projection is keyed on completions.
	case s2s.KindSessionStart, s2s.KindPromptStart, s2s.KindTextInput,
		s2s.KindAudioInput, s2s.KindPromptEnd, s2s.KindSessionEnd,
		s2s.KindHeartbeat:
		log.Printf("[session] unexpected inbound %s event; ignored", kind)
	case s2s.KindUnknown:
		log.Printf("[session] unrecognized event; ignored")
	default:
		log.Printf("[session] unhandled event kind %s; ignored", kind)
	}
}

func (e *Engine) onTextOutput(body []byte) {
	var ev s2s.InTextOutput
	if err := sonic.Unmarshal(body, &ev); err != nil {
		log.Printf("[session] malformed textOutput: %v", err)
		return
	}
	if ev.Role == s2s.RoleAssistant && ev.Interrupted() {
		log.Printf("[session] barge-in signalled; flushing playback")
		e.player.BargeIn()
		return
	}
	e.turns.AppendText(ev.ContentID, ev.Role, ev.Content)
}

func (e *Engine) onAudioOutput(body []byte) {
	var ev s2s.InAudioOutput
	if err := sonic.Unmarshal(body, &ev); err != nil {
		log.Printf("[session] malformed audioOutput: %v", err)
		return
	}
	pcm, err := audio.DecodeFrame(ev.Content)
	if err != nil {
		log.Printf("[session] dropping audio chunk: %v", err)
		return
	}
	e.player.Enqueue(pcm)
}

func (e *Engine) onContentStart(body []byte) {
	var ev s2s.InContentStart
	if err := sonic.Unmarshal(body, &ev); err != nil {
		log.Printf("[session] malformed contentStart: %v", err)
		return
	}

	e.mu.Lock()
	if _, exists := e.inbound[ev.ContentID]; exists {
		e.mu.Unlock()
		log.Printf("[session] duplicate inbound contentStart for %s; rejected", ev.ContentID)
		return
	}
	e.inbound[ev.ContentID] = contentOpen
	e.mu.Unlock()

	if ev.Type == s2s.TypeText {
		e.turns.StartTurn(ev.ContentID, ev.Role, ev.GenerationStage())
	}
}

func (e *Engine) onContentEnd(ctx context.Context, body []byte) {
	var ev s2s.InContentEnd
	if err := sonic.Unmarshal(body, &ev); err != nil {
		log.Printf("[session] malformed contentEnd: %v", err)
		return
	}

	e.mu.Lock()
	phase := e.inbound[ev.ContentID]
	if phase == contentClosed {
		e.mu.Unlock()
		log.Printf("[session] duplicate inbound contentEnd for %s; ignored", ev.ContentID)
		return
	}
	e.inbound[ev.ContentID] = contentClosed
	e.mu.Unlock()

	switch ev.Type {
	case s2s.TypeText:
		e.turns.EndTurn(ev.ContentID, ev.StopReason)
	case s2s.TypeTool:
		e.completeToolRound(ctx)
	}
}

func (e *Engine) onToolUse(body []byte) {
	var ev s2s.InToolUse
	if err := sonic.Unmarshal(body, &ev); err != nil {
		log.Printf("[session] malformed toolUse: %v", err)
		return
	}
	e.mu.Lock()
	e.pendingTool = &ev
	e.mu.Unlock()
	log.Printf("[session] tool use requested: %s (%s)", ev.ToolName, ev.ToolUseID)
}

// completeToolRound executes the pending tool and streams the result back as
// a TOOL content unit. Executor failures produce an error payload; they
// never abort the session.
func (e *Engine) completeToolRound(ctx context.Context) {
	e.mu.Lock()
	pending := e.pendingTool
	e.pendingTool = nil
	prompt := e.promptName
	e.mu.Unlock()
	if pending == nil {
		log.Printf("[session] contentEnd(TOOL) without a pending toolUse; ignored")
		return
	}

	result := e.executeTool(ctx, pending)

	// The local record learns the result regardless of transmission.
	if err := e.agg.Apply([]byte(result)); err != nil {
		log.Printf("[session] tool result not aggregatable: %v", err)
	}

	name := uuid.NewString()
	err := e.openContent(name, s2s.ContentStart{
		PromptName:  prompt,
		ContentName: name,
		Type:        s2s.TypeTool,
		Interactive: false,
		Role:        s2s.RoleTool,
		ToolResultInputConfiguration: &s2s.ToolResultInputConfig{
			ToolUseID:              pending.ToolUseID,
			Type:                   s2s.TypeText,
			TextInputConfiguration: s2s.TextConfig{MediaType: "text/plain"},
		},
	})
	if err != nil {
		log.Printf("[session] tool result content start: %v", err)
		return
	}
	if err := e.send(s2s.KindToolResult, s2s.ToolResult{
		PromptName:  prompt,
		ContentName: name,
		Content:     result,
	}); err != nil {
		log.Printf("[session] tool result send: %v", err)
	}
	if err := e.closeContent(name); err != nil {
		log.Printf("[session] tool result content end: %v", err)
	}
}

func (e *Engine) executeTool(ctx context.Context, use *s2s.InToolUse) string {
	if e.executor == nil {
		return `{"error":"no tool executor is configured"}`
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ToolTimeout)
	defer cancel()

	result, err := e.executor.Execute(ctx, use.ToolName, use.Content)
	if err != nil {
		log.Printf("[session] tool %s failed: %v", use.ToolName, err)
		msg, _ := sonic.MarshalString(map[string]string{
			"error": "an error occurred while retrieving information for " + use.ToolName,
		})
		return msg
	}
	return result
}

func (e *Engine) onToolResult(body []byte) {
	var ev s2s.InToolResult
	if err := sonic.Unmarshal(body, &ev); err != nil {
		log.Printf("[session] malformed toolResult: %v", err)
		return
	}
	if err := e.agg.Apply([]byte(ev.Content)); err != nil {
		log.Printf("[session] skipping unusable tool result: %v", err)
	}
}

func (e *Engine) onUsageEvent(body []byte) {
	if e.meter == nil {
		return
	}
	var ev s2s.InUsageEvent
	if err := sonic.Unmarshal(body, &ev); err != nil {
		log.Printf("[session] malformed usageEvent: %v", err)
		return
	}
	e.meter.RecordUsage(e.ID, ev)
}
