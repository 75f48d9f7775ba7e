package server

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/conneroisu/previewd/internal/errors"
	"github.com/conneroisu/previewd/internal/preview"
	"github.com/conneroisu/previewd/internal/sandbox"
	"github.com/conneroisu/previewd/internal/websocket"
)

// HandleMessage dispatches one browser message. Edits go to the workspace,
// relayed sandbox messages to the host, and actions to the controller.
func (s *PreviewServer) HandleMessage(ctx context.Context, clientID string, msg websocket.Message) error {
	switch msg.Type {
	case websocket.TypeEdit:
		s.workspace.Edit(msg.Source)
		return nil

	case websocket.TypeSandbox:
		return s.relay(msg)

	case websocket.TypeUndo:
		if _, ok := s.workspace.Undo(); !ok {
			return errNothingTo("undo")
		}
		return nil

	case websocket.TypeRedo:
		if _, ok := s.workspace.Redo(); !ok {
			return errNothingTo("redo")
		}
		return nil

	case websocket.TypeRetry:
		if err := s.controller.Retry(ctx); err != nil {
			s.errs.Handle(ctx, err)
			return err
		}
		return nil

	case websocket.TypeReset:
		s.controller.ResetView(ctx)
		return nil
	}

	return errors.NewInternalError(errors.ErrCodeValidationFailed, fmt.Sprintf("unknown message type %q", msg.Type), nil)
}

// relay hands a sandbox message forwarded by the host page to the sandbox
// host. Messages from instances that are no longer mounted are dropped.
func (s *PreviewServer) relay(msg websocket.Message) error {
	sbMsg, err := sandbox.ParseMessage(msg.Payload)
	if err != nil {
		if stderrors.Is(err, sandbox.ErrStaleInstance) {
			return nil
		}
		return errors.NewInternalError(errors.ErrCodeValidationFailed, "invalid sandbox message", err)
	}

	if err := s.host.Deliver(sbMsg.Instance, sbMsg); err != nil {
		if stderrors.Is(err, sandbox.ErrStaleInstance) {
			s.logger.Debug(context.Background(), "dropped message from stale sandbox", "instance", sbMsg.Instance, "type", string(sbMsg.Type))
			return nil
		}
		return err
	}
	return nil
}

func (s *PreviewServer) greeting() []websocket.Message {
	return []websocket.Message{
		{Type: websocket.TypeSource, Source: s.workspace.Source()},
		{Type: websocket.TypeState, State: s.view()},
	}
}

func (s *PreviewServer) publishState(state preview.State) {
	view := StateView{
		State:     state,
		CanUndo:   s.workspace.CanUndo(),
		CanRedo:   s.workspace.CanRedo(),
		CanRetry:  state.Retryable(),
		Connected: s.ws.ClientCount(),
	}
	if err := s.ws.Broadcast(websocket.Message{Type: websocket.TypeState, State: view}); err != nil && !stderrors.Is(err, websocket.ErrClosed) {
		s.logger.Warn(context.Background(), err, "failed to publish preview state")
	}
}
