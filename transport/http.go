package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/hupe1980/runstream/core"
	"github.com/hupe1980/runstream/logging"
)

// maxInitiatingBody bounds how much of a non-streaming JSON reply is read.
const maxInitiatingBody = 1 << 20

// HTTPOptions configures an HTTPTransport.
type HTTPOptions struct {
	// Client performs the requests. It must not set a total timeout, since
	// streams are long-lived.
	Client *http.Client
	// CancelURL receives {"run_id": ...} when a run is aborted. Empty disables
	// remote cancellation.
	CancelURL string
	// Headers are added to every request (e.g. authorization).
	Headers map[string]string
	// CancelTimeout bounds the cancel request.
	CancelTimeout time.Duration
	Logger        logging.Logger
}

// HTTPTransport starts runs by POSTing to a producer endpoint and streams the
// response body.
type HTTPTransport struct {
	url    string
	opts   HTTPOptions
	logger logging.Logger
}

// NewHTTPTransport creates a transport for the given stream endpoint.
func NewHTTPTransport(url string, optFns ...func(o *HTTPOptions)) *HTTPTransport {
	opts := HTTPOptions{
		Client:        &http.Client{},
		CancelTimeout: 5 * time.Second,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &HTTPTransport{url: url, opts: opts, logger: logging.OrNoOp(opts.Logger)}
}

type startRequest struct {
	RunID          string `json:"run_id"`
	ConversationID string `json:"conversation_id"`
	Input          string `json:"input"`
	SinkKind       string `json:"sink_kind"`
}

// Open implements core.Transport.
//
// A JSON (non event-stream) reply whose status reports the run as already
// done or already processing yields an error wrapping core.ErrAlreadyHandled.
func (t *HTTPTransport) Open(ctx context.Context, req core.TransportRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(startRequest{
		RunID:          req.RunID,
		ConversationID: req.ConversationID,
		Input:          req.Input,
		SinkKind:       string(req.SinkKind),
	})
	if err != nil {
		return nil, fmt.Errorf("transport: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range t.opts.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.opts.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("transport: start run %s: %w", req.RunID, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("transport: start run %s: unexpected status %d: %s",
			req.RunID, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if !isJSON(resp.Header.Get("Content-Type")) {
		return resp.Body, nil
	}

	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxInitiatingBody))
	if err != nil {
		return nil, fmt.Errorf("transport: read reply for run %s: %w", req.RunID, err)
	}
	status := gjson.GetBytes(raw, "status").String()
	if status == core.StatusAlreadyDone || status == core.StatusAlreadyProcessing {
		t.logger.Info("Producer reports run already handled", "run_id", req.RunID, "status", status)
		return nil, core.AlreadyHandledError(status)
	}
	// a plain JSON reply is handed to the decoder as a single raw frame
	return io.NopCloser(bytes.NewReader(raw)), nil
}

// CancelTransport implements core.TransportCanceller.
func (t *HTTPTransport) CancelTransport(ctx context.Context, runID string) error {
	if t.opts.CancelURL == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, t.opts.CancelTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"run_id": runID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.opts.CancelURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("transport: build cancel request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.opts.Client.Do(req)
	if err != nil {
		return fmt.Errorf("transport: cancel run %s: %w", runID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	// the producer may already have finished the run
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("transport: cancel run %s: unexpected status %d", runID, resp.StatusCode)
	}
	return nil
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "application/json"
}
