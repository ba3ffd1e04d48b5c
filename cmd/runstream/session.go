package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/hupe1980/runstream/core"
	"github.com/hupe1980/runstream/orchestrator"
	"github.com/hupe1980/runstream/sink"
)

// session is one orchestrator wired to terminal sinks and the configured
// store.
type session struct {
	orc        *orchestrator.Orchestrator
	store      messageStore
	docs       *documentPrinter
	closeStore func() error
}

func (c *commandContext) newSession(tr core.Transport, out io.Writer, bubble sink.Bubble) (*session, error) {
	store, closeStore, err := c.openStore()
	if err != nil {
		return nil, err
	}

	orc := orchestrator.New(tr, func(o *orchestrator.Options) {
		o.Config = c.config.OrchestratorConfig()
		o.Persister = store
		o.Logger = c.log()
	})

	var chat core.Sink = sink.NewChatSink(bubble)
	if interval := c.config.Sink.RefreshInterval; interval > 0 {
		chat = sink.NewThrottledSinkEvery(chat, interval)
	}
	docs := newDocumentPrinter()

	router := orc.Router()
	router.Register(core.SinkChat, chat)
	router.Register(core.SinkDocument, sink.NewDocumentSink(docs))
	router.Register(core.SinkSpreadsheet, sink.NewSpreadsheetSink(&sheetPrinter{out: out}))
	router.Register(core.SinkSlides, sink.NewSlidesSink(&deckPrinter{out: out}))

	return &session{orc: orc, store: store, docs: docs, closeStore: closeStore}, nil
}

func (s *session) Close(ctx context.Context) error {
	return errors.Join(s.orc.Shutdown(ctx), s.closeStore())
}

func parseMode(mode string) (core.EditingMode, error) {
	switch mode {
	case "", "chat":
		return core.ChatMode, nil
	case "document", "word":
		return core.EditorMode(core.EditorWord), nil
	case "spreadsheet", "sheet":
		return core.EditorMode(core.EditorSheet), nil
	case "slides":
		return core.EditorMode(core.EditorSlides), nil
	default:
		return core.EditingMode{}, fmt.Errorf("unknown mode %q, must be one of: chat, document, spreadsheet, slides", mode)
	}
}
