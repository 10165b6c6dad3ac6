package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/lecternlabs/lectern-core/internal/bus"
	"github.com/lecternlabs/lectern-core/internal/narration"
	"github.com/lecternlabs/lectern-core/internal/playback"
	"github.com/lecternlabs/lectern-core/internal/protocol"
)

const commandTimeout = 10 * time.Second

// handlers binds the bus command and query subjects to the coordinator and
// playback service.
type handlers struct {
	client      *bus.Client
	coordinator *narration.Coordinator
	playback    *playback.Service
	log         *slog.Logger
	subs        []*nats.Subscription
}

func newHandlers(client *bus.Client, coordinator *narration.Coordinator, playbackSvc *playback.Service, log *slog.Logger) *handlers {
	return &handlers{
		client:      client,
		coordinator: coordinator,
		playback:    playbackSvc,
		log:         log.With("component", "runtime.handlers"),
	}
}

func (h *handlers) subscribe() error {
	bindings := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectGenerateCmd, h.handleGenerate},
		{protocol.SubjectCancelCmd, h.handleCancel},
		{protocol.SubjectPlaybackLocate, h.handleLocate},
		{protocol.SubjectPlaybackTime, h.handleTimeFor},
		{protocol.SubjectComplete, h.handleNarrationChanged},
		{protocol.SubjectError, h.handleNarrationChanged},
	}
	for _, b := range bindings {
		sub, err := h.client.Conn().Subscribe(b.subject, b.handler)
		if err != nil {
			h.drain()
			return err
		}
		h.subs = append(h.subs, sub)
	}
	return nil
}

func (h *handlers) drain() {
	for _, sub := range h.subs {
		if err := sub.Unsubscribe(); err != nil {
			h.log.Warn("unsubscribe failed", "subject", sub.Subject, "error", err)
		}
	}
	h.subs = nil
}

func (h *handlers) handleGenerate(msg *nats.Msg) {
	var req protocol.GenerateRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		h.reply(msg, protocol.CommandReply{OK: false, Error: "malformed request"})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := h.coordinator.Start(ctx, req.BookID, req.VoiceID); err != nil {
		h.reply(msg, protocol.CommandReply{OK: false, Error: err.Error()})
		return
	}
	h.reply(msg, protocol.CommandReply{OK: true})
}

func (h *handlers) handleCancel(msg *nats.Msg) {
	var req protocol.CancelRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		h.reply(msg, protocol.CommandReply{OK: false, Error: "malformed request"})
		return
	}
	if err := h.coordinator.Cancel(req.BookID); err != nil {
		h.reply(msg, protocol.CommandReply{OK: false, Error: err.Error()})
		return
	}
	h.reply(msg, protocol.CommandReply{OK: true})
}

func (h *handlers) handleLocate(msg *nats.Msg) {
	var req protocol.LocateRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		h.reply(msg, protocol.LocateReply{Error: "malformed request"})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	idx, marker, err := h.playback.Locate(ctx, req.BookID, req.Time)
	if err != nil {
		h.reply(msg, protocol.LocateReply{Error: err.Error()})
		return
	}
	h.reply(msg, protocol.LocateReply{SegmentIndex: idx, SegmentID: marker.SegmentID})
}

func (h *handlers) handleTimeFor(msg *nats.Msg) {
	var req protocol.SeekRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		h.reply(msg, protocol.SeekReply{Error: "malformed request"})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	t, err := h.playback.TimeFor(ctx, req.BookID, req.SegmentIndex)
	if err != nil {
		h.reply(msg, protocol.SeekReply{Error: err.Error()})
		return
	}
	h.reply(msg, protocol.SeekReply{Time: t})
}

// handleNarrationChanged drops any cached synchronizer once a generation run
// ends, so playback queries see the new markers.
func (h *handlers) handleNarrationChanged(msg *nats.Msg) {
	var ev struct {
		BookID string `json:"book_id"`
	}
	if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.BookID == "" {
		return
	}
	h.playback.Invalidate(ev.BookID)
}

func (h *handlers) reply(msg *nats.Msg, payload any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("marshal reply", "subject", msg.Subject, "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		h.log.Warn("respond failed", "subject", msg.Subject, "error", err)
	}
}
