// Package engine implements the request/confirm/transfer handshake and the
// chunked payload protocol for moving a full snapshot between two live peers.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/kmorwick/tabletally/internal/models"
	"github.com/kmorwick/tabletally/internal/store"
)

// Link is what the engine needs from the peer transport: raw message send.
// Incoming messages are fed in through HandleMessage.
type Link interface {
	Send(payload []byte) error
}

// Clock is the interface we use for time operations.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) clockwork.Timer
}

// ErrSyncInProgress means a new operation was requested while one is active.
var ErrSyncInProgress = errors.New("engine: sync already in progress")

// Config holds protocol tuning knobs.
type Config struct {
	ChunkThreshold  int
	ChunkSize       int
	InterChunkDelay time.Duration // flow control between chunks, not an ack window
	ConfirmTimeout  time.Duration // bounded wait for the peer's confirm/reject
	CompleteLinger  time.Duration // how long a finished operation stays visible
}

// DefaultConfig returns the default protocol configuration.
func DefaultConfig() Config {
	return Config{
		ChunkThreshold:  ChunkThreshold,
		ChunkSize:       ChunkSize,
		InterChunkDelay: 50 * time.Millisecond,
		ConfirmTimeout:  60 * time.Second,
		CompleteLinger:  3 * time.Second,
	}
}

// pendingKind distinguishes what the remote asked us to consent to.
type pendingKind int

const (
	pendingNone pendingKind = iota
	pendingPeerPull            // peer is requesting our data; confirm means we send
	pendingPeerPush            // peer wants to send us data; confirm means we receive
)

// Engine runs at most one sync operation at a time over a paired transport.
// All transitions happen under one mutex, so a message arriving mid-transfer
// observes a consistent state.
type Engine struct {
	link    Link
	gateway store.Gateway
	clock   Clock
	config  Config

	mu        sync.Mutex
	state     OpState
	opID      string
	direction Direction
	pending   pendingKind
	asm       *assembler
	startedAt time.Time

	confirmTimer clockwork.Timer
	lingerTimer  clockwork.Timer

	observers []func(Progress)
	last      Progress
}

// New creates an engine bound to a transport link and the record store
// gateway. Wire HandleMessage to the transport's message handler and
// PeerDisconnected to its close hook.
func New(link Link, gateway store.Gateway, clock Clock, config Config) *Engine {
	return &Engine{
		link:    link,
		gateway: gateway,
		clock:   clock,
		config:  config,
		state:   StateIdle,
	}
}

// Observe registers a progress observer. The current progress is delivered
// immediately so late subscribers are not left blank.
func (e *Engine) Observe(fn func(Progress)) {
	e.mu.Lock()
	e.observers = append(e.observers, fn)
	cur := e.last
	e.mu.Unlock()
	fn(cur)
}

// State returns the current operation state and id.
func (e *Engine) State() (OpState, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.opID
}

// RequestData starts a pull: ask the remote to send its snapshot. The remote
// must explicitly confirm before any data moves.
func (e *Engine) RequestData() (string, error) {
	e.mu.Lock()
	if e.state.active() {
		e.mu.Unlock()
		return "", ErrSyncInProgress
	}
	opID := uuid.New().String()
	e.state = StateAwaitingConfirmation
	e.opID = opID
	e.direction = DirectionIncoming
	e.startedAt = e.clock.Now()
	e.armConfirmTimeoutLocked(opID)
	deliver := e.publishLocked(Progress{Percent: 0, Status: ProgressPreparing, Message: "waiting for peer to confirm"})
	e.mu.Unlock()
	deliver()

	if err := e.send(Message{Type: MsgRequestData, OpID: opID}); err != nil {
		e.fail(opID, fmt.Sprintf("failed to send request: %v", err))
		return "", err
	}
	return opID, nil
}

// OfferData starts a push: ask to send our snapshot to the remote.
func (e *Engine) OfferData() (string, error) {
	e.mu.Lock()
	if e.state.active() {
		e.mu.Unlock()
		return "", ErrSyncInProgress
	}
	opID := uuid.New().String()
	e.state = StateAwaitingConfirmation
	e.opID = opID
	e.direction = DirectionOutgoing
	e.startedAt = e.clock.Now()
	e.armConfirmTimeoutLocked(opID)
	deliver := e.publishLocked(Progress{Percent: 0, Status: ProgressPreparing, Message: "waiting for peer to accept"})
	e.mu.Unlock()
	deliver()

	if err := e.send(Message{Type: MsgSendDataRequest, OpID: opID}); err != nil {
		e.fail(opID, fmt.Sprintf("failed to send request: %v", err))
		return "", err
	}
	return opID, nil
}

// Confirm accepts the remote's pending request. For a pull request we agreed
// to send, so serialization starts right away; for a push we confirm and wait
// for the transfer.
func (e *Engine) Confirm(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StatePendingConfirmation {
		e.mu.Unlock()
		return fmt.Errorf("no pending request to confirm")
	}
	opID := e.opID
	kind := e.pending
	e.pending = pendingNone

	switch kind {
	case pendingPeerPull:
		e.state = StateTransferring
		e.mu.Unlock()
		if err := e.send(Message{Type: MsgRequestConfirm, OpID: opID}); err != nil {
			e.fail(opID, fmt.Sprintf("failed to confirm: %v", err))
			return err
		}
		// We already agreed, no further consent is needed: serialize and send.
		go e.sendSnapshot(ctx, opID)
		return nil
	case pendingPeerPush:
		e.state = StateTransferring
		deliver := e.publishLocked(Progress{Percent: 0, Status: ProgressReceiving, Message: "receiving data from peer"})
		e.mu.Unlock()
		deliver()
		if err := e.send(Message{Type: MsgSendDataConfirm, OpID: opID}); err != nil {
			e.fail(opID, fmt.Sprintf("failed to confirm: %v", err))
			return err
		}
		return nil
	default:
		e.mu.Unlock()
		return fmt.Errorf("no pending request to confirm")
	}
}

// Reject declines the remote's pending request and returns to idle.
func (e *Engine) Reject() error {
	e.mu.Lock()
	if e.state != StatePendingConfirmation {
		e.mu.Unlock()
		return fmt.Errorf("no pending request to reject")
	}
	opID := e.opID
	kind := e.pending
	e.resetLocked()
	e.mu.Unlock()

	msgType := MsgRequestReject
	if kind == pendingPeerPush {
		msgType = MsgSendDataReject
	}
	return e.send(Message{Type: msgType, OpID: opID, Reason: "declined by user"})
}

// Cancel aborts a locally initiated handshake before the remote has agreed.
// The remote is notified so it does not sit on a stale pending request.
func (e *Engine) Cancel() {
	e.mu.Lock()
	if e.state != StateAwaitingConfirmation {
		e.mu.Unlock()
		return
	}
	opID := e.opID
	e.resetLocked()
	e.mu.Unlock()

	if err := e.send(Message{Type: MsgCancel, OpID: opID}); err != nil {
		log.Warn().Err(err).Msg("failed to notify peer of cancel")
	}
}

// PeerDisconnected collapses any in-flight operation when the transport
// channel closes underneath it.
func (e *Engine) PeerDisconnected() {
	e.mu.Lock()
	if !e.state.active() {
		e.mu.Unlock()
		return
	}
	opID := e.opID
	e.mu.Unlock()
	e.fail(opID, "peer disconnected")
}

// HandleMessage processes one raw protocol message from the transport.
func (e *Engine) HandleMessage(ctx context.Context, raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Warn().Err(err).Msg("discarding malformed peer message")
		return
	}

	switch msg.Type {
	case MsgRequestData:
		e.handleIncomingRequest(msg, pendingPeerPull, "peer is requesting your data")
	case MsgSendDataRequest:
		e.handleIncomingRequest(msg, pendingPeerPush, "peer wants to send you data")
	case MsgRequestConfirm:
		if !e.matchOp(msg.OpID) {
			return
		}
		e.mu.Lock()
		var deliver func()
		if e.state == StateAwaitingConfirmation {
			e.stopConfirmTimeoutLocked()
			e.state = StateTransferring
			deliver = e.publishLocked(Progress{Percent: 0, Status: ProgressReceiving, Message: "peer confirmed, receiving data"})
		}
		e.mu.Unlock()
		if deliver != nil {
			deliver()
		}
	case MsgSendDataConfirm:
		if !e.matchOp(msg.OpID) {
			return
		}
		e.mu.Lock()
		proceed := e.state == StateAwaitingConfirmation
		if proceed {
			e.stopConfirmTimeoutLocked()
			e.state = StateTransferring
		}
		opID := e.opID
		e.mu.Unlock()
		if proceed {
			go e.sendSnapshot(ctx, opID)
		}
	case MsgRequestReject, MsgSendDataReject:
		if !e.matchOp(msg.OpID) {
			return
		}
		e.mu.Lock()
		e.stopConfirmTimeoutLocked()
		deliver := e.publishLocked(Progress{Percent: 0, Status: ProgressError, Message: "peer declined the sync request"})
		e.resetLocked()
		e.mu.Unlock()
		deliver()
	case MsgData:
		if !e.matchOp(msg.OpID) {
			return
		}
		e.processPayload(ctx, msg.OpID, msg.Payload)
	case MsgChunk:
		if !e.matchOp(msg.OpID) {
			return
		}
		e.handleChunk(ctx, msg)
	case MsgCancel:
		if !e.matchOp(msg.OpID) {
			return
		}
		e.mu.Lock()
		var deliver func()
		if e.state == StatePendingConfirmation || e.state == StateAwaitingConfirmation {
			deliver = e.publishLocked(Progress{Percent: 0, Status: ProgressError, Message: "peer cancelled the sync request"})
			e.resetLocked()
		}
		e.mu.Unlock()
		if deliver != nil {
			deliver()
		}
	case MsgError:
		if !e.matchOp(msg.OpID) {
			return
		}
		e.fail(msg.OpID, fmt.Sprintf("peer error: %s", msg.Reason))
	case MsgInfo:
		log.Info().Str("op_id", msg.OpID).Str("info", msg.Reason).Msg("peer info")
	default:
		log.Warn().Str("type", string(msg.Type)).Msg("discarding unknown peer message type")
	}
}

// handleIncomingRequest is the consent gate for both handshake flows. A
// request arriving while an operation is active is rejected immediately
// without touching the active operation.
func (e *Engine) handleIncomingRequest(msg Message, kind pendingKind, notice string) {
	e.mu.Lock()
	if e.state.active() {
		e.mu.Unlock()
		if err := e.send(Message{Type: MsgError, OpID: msg.OpID, Reason: "sync already in progress"}); err != nil {
			log.Warn().Err(err).Msg("failed to reject concurrent sync request")
		}
		return
	}
	e.state = StatePendingConfirmation
	e.opID = msg.OpID
	e.pending = kind
	if kind == pendingPeerPull {
		e.direction = DirectionOutgoing
	} else {
		e.direction = DirectionIncoming
	}
	e.startedAt = e.clock.Now()
	deliver := e.publishLocked(Progress{Percent: 0, Status: ProgressPendingPeer, Message: notice})
	e.mu.Unlock()
	deliver()
}

// sendSnapshot exports the local snapshot and moves it to the peer, directly
// or chunked with a fixed inter-chunk delay.
func (e *Engine) sendSnapshot(ctx context.Context, opID string) {
	e.publish(opID, Progress{Percent: 0, Status: ProgressSending, Message: "exporting local data"})

	snap, err := e.gateway.ExportAll(ctx)
	if err != nil {
		e.fail(opID, fmt.Sprintf("export failed: %v", err))
		e.send(Message{Type: MsgError, OpID: opID, Reason: "export failed"})
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		e.fail(opID, fmt.Sprintf("serialize failed: %v", err))
		e.send(Message{Type: MsgError, OpID: opID, Reason: "serialize failed"})
		return
	}
	payload := string(raw)

	if len(payload) < e.config.ChunkThreshold {
		if err := e.send(Message{Type: MsgData, OpID: opID, Payload: payload}); err != nil {
			e.fail(opID, fmt.Sprintf("send failed: %v", err))
			return
		}
		e.complete(opID, len(payload))
		return
	}

	chunks := splitChunks(payload, e.config.ChunkSize)
	total := len(chunks)
	log.Info().Str("op_id", opID).Int("chunks", total).Int("bytes", len(payload)).Msg("sending chunked snapshot")

	for i, part := range chunks {
		if !e.stillActive(opID) {
			return
		}
		msg := Message{
			Type:        MsgChunk,
			OpID:        opID,
			Payload:     part,
			ChunkID:     i,
			TotalChunks: total,
			IsLast:      i == total-1,
		}
		if err := e.send(msg); err != nil {
			e.fail(opID, fmt.Sprintf("send failed at chunk %d: %v", i, err))
			return
		}
		pct := 80 * (i + 1) / total
		e.publish(opID, Progress{Percent: pct, Status: ProgressSending, Message: fmt.Sprintf("sent chunk %d/%d", i+1, total)})

		if e.config.InterChunkDelay > 0 && i < total-1 {
			timer := e.clock.NewTimer(e.config.InterChunkDelay)
			select {
			case <-timer.Chan():
			case <-ctx.Done():
				stopAndDrainTimer(timer)
				e.fail(opID, "send cancelled")
				return
			}
		}
	}
	e.complete(opID, len(payload))
}

// handleChunk buffers one fragment and triggers reassembly when the buffer
// holds every chunk.
func (e *Engine) handleChunk(ctx context.Context, msg Message) {
	e.mu.Lock()
	if e.state != StateTransferring {
		state := e.state
		e.mu.Unlock()
		log.Warn().Str("op_id", msg.OpID).Str("state", state.String()).Msg("discarding chunk outside transfer")
		return
	}
	if e.asm == nil {
		if msg.TotalChunks <= 0 {
			e.mu.Unlock()
			e.fail(msg.OpID, fmt.Sprintf("invalid chunk count %d", msg.TotalChunks))
			return
		}
		e.asm = newAssembler(msg.TotalChunks)
	}
	done, err := e.asm.add(msg.ChunkID, msg.Payload)
	if err != nil {
		e.mu.Unlock()
		e.fail(msg.OpID, err.Error())
		return
	}
	pct := 80 * e.asm.received() / e.asm.total
	deliver := e.publishLocked(Progress{Percent: pct, Status: ProgressReceiving,
		Message: fmt.Sprintf("received chunk %d/%d", e.asm.received(), e.asm.total)})

	if !done {
		e.mu.Unlock()
		deliver()
		return
	}
	payload, err := e.asm.assemble()
	e.asm = nil
	e.mu.Unlock()
	deliver()

	if err != nil {
		e.fail(msg.OpID, err.Error())
		return
	}
	e.processPayload(ctx, msg.OpID, payload)
}

// processPayload validates and merges a received snapshot. A validation
// failure aborts without mutating local storage.
func (e *Engine) processPayload(ctx context.Context, opID, payload string) {
	e.mu.Lock()
	if e.state != StateTransferring {
		state := e.state
		e.mu.Unlock()
		log.Warn().Str("op_id", opID).Str("state", state.String()).Msg("discarding payload outside transfer")
		return
	}
	e.state = StateProcessing
	deliver := e.publishLocked(Progress{Percent: 85, Status: ProgressProcessing, Message: "merging received data"})
	e.mu.Unlock()
	deliver()

	snap, err := models.ParseSnapshot([]byte(payload))
	if err != nil {
		e.fail(opID, fmt.Sprintf("invalid snapshot: %v", err))
		e.send(Message{Type: MsgError, OpID: opID, Reason: "invalid snapshot"})
		return
	}
	if _, err := e.gateway.MergeData(ctx, snap); err != nil {
		e.fail(opID, fmt.Sprintf("merge failed: %v", err))
		e.send(Message{Type: MsgError, OpID: opID, Reason: "merge failed"})
		return
	}
	e.complete(opID, len(payload))
}

// complete finishes the operation and delays the slot reset so the result
// stays visible before the engine accepts the next request.
func (e *Engine) complete(opID string, bytes int) {
	e.mu.Lock()
	if e.opID != opID || !e.state.active() {
		e.mu.Unlock()
		return
	}
	elapsed := e.clock.Now().Sub(e.startedAt)
	e.state = StateComplete
	deliver := e.publishLocked(Progress{Percent: 100, Status: ProgressComplete,
		Message: fmt.Sprintf("sync complete in %s (%d bytes)", elapsed.Round(time.Millisecond), bytes)})

	if e.config.CompleteLinger <= 0 {
		e.resetLocked()
		e.mu.Unlock()
		deliver()
		return
	}
	timer := e.clock.NewTimer(e.config.CompleteLinger)
	e.lingerTimer = timer
	e.mu.Unlock()
	deliver()

	go func() {
		<-timer.Chan()
		e.mu.Lock()
		if e.opID == opID && e.state == StateComplete {
			e.resetLocked()
		}
		e.mu.Unlock()
	}()
}

// fail collapses the current operation to error and frees the slot.
func (e *Engine) fail(opID, message string) {
	e.mu.Lock()
	if e.opID != opID {
		e.mu.Unlock()
		return
	}
	e.stopConfirmTimeoutLocked()
	log.Error().Str("op_id", opID).Str("reason", message).Msg("sync operation failed")
	deliver := e.publishLocked(Progress{Percent: 0, Status: ProgressError, Message: message})
	e.state = StateError
	e.opID = ""
	e.pending = pendingNone
	e.asm = nil
	e.mu.Unlock()
	deliver()
}

// armConfirmTimeoutLocked bounds the wait for the peer's confirm/reject so a
// silent peer cannot leave the requester waiting forever.
func (e *Engine) armConfirmTimeoutLocked(opID string) {
	if e.config.ConfirmTimeout <= 0 {
		return
	}
	timer := e.clock.NewTimer(e.config.ConfirmTimeout)
	e.confirmTimer = timer
	go func() {
		<-timer.Chan()
		e.mu.Lock()
		expired := e.opID == opID && e.state == StateAwaitingConfirmation
		e.mu.Unlock()
		if expired {
			e.fail(opID, "peer did not respond to sync request")
		}
	}()
}

func (e *Engine) stopConfirmTimeoutLocked() {
	if e.confirmTimer != nil {
		stopAndDrainTimer(e.confirmTimer)
		e.confirmTimer = nil
	}
}

// stopAndDrainTimer safely stops a timer and drains its channel to prevent
// goroutine leaks, per the time.Timer.Stop() documentation.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}

// resetLocked frees the operation slot.
func (e *Engine) resetLocked() {
	e.stopConfirmTimeoutLocked()
	e.state = StateIdle
	e.opID = ""
	e.pending = pendingNone
	e.asm = nil
}

// matchOp discards messages whose operation id does not correlate with the
// active exchange.
func (e *Engine) matchOp(opID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if opID == "" || e.opID != opID {
		log.Warn().Str("op_id", opID).Msg("discarding message with unrecognized operation id")
		return false
	}
	return true
}

func (e *Engine) stillActive(opID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opID == opID && e.state.active()
}

func (e *Engine) send(msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", msg.Type, err)
	}
	return e.link.Send(raw)
}

// publish emits progress when the operation is still current.
func (e *Engine) publish(opID string, p Progress) {
	e.mu.Lock()
	if e.opID != opID {
		e.mu.Unlock()
		return
	}
	deliver := e.publishLocked(p)
	e.mu.Unlock()
	deliver()
}

// publishLocked records p as the latest progress and returns the delivery
// callback. Callers invoke it after releasing the mutex, so an observer may
// safely call back into the engine.
func (e *Engine) publishLocked(p Progress) func() {
	e.last = p
	observers := make([]func(Progress), len(e.observers))
	copy(observers, e.observers)
	return func() {
		for _, fn := range observers {
			fn(p)
		}
	}
}
