// Package dispatcher builds outbound requests from the Selector's chosen
// binding, proxies buffered or streaming chat-completion calls, and
// reports upstream failures back to the Governor.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/newrey/llm-gateway/internal/governor"
	"github.com/newrey/llm-gateway/internal/interactionlog"
	"github.com/newrey/llm-gateway/internal/metrics"
	"github.com/newrey/llm-gateway/internal/registry"
	"github.com/newrey/llm-gateway/internal/selector"
	"github.com/newrey/llm-gateway/internal/tokenizer"
	"github.com/newrey/llm-gateway/types"
)

const (
	bufferedTimeout  = 60 * time.Second
	streamingTimeout = 90 * time.Second
	doneSentinel     = "data: [DONE]"
)

var hopByHopHeaders = map[string]bool{
	"Host":             true,
	"Content-Length":   true,
	"Accept-Encoding":  true,
}

var tracer = otel.Tracer("github.com/newrey/llm-gateway/internal/dispatcher")

// Dispatcher is the gateway's protocol machine: parse, select, rewrite,
// proxy, observe.
type Dispatcher struct {
	registry   *registry.Registry
	selector   *selector.Selector
	governor   *governor.Governor
	estimator  *tokenizer.Estimator
	log        *zap.Logger
	ilog       *interactionlog.Log
	httpClient *http.Client
	metrics    *metrics.Collector
}

// New builds a Dispatcher. httpClient may be nil, in which case a client
// with default settings is used (timeouts are applied per-request via
// context, not the client). The Dispatcher keeps its own copy of the client
// whose transport has compression disabled, so the transport never adds an
// Accept-Encoding header of its own to outbound requests.
func New(reg *registry.Registry, sel *selector.Selector, gov *governor.Governor, est *tokenizer.Estimator, ilog *interactionlog.Log, log *zap.Logger, httpClient *http.Client) *Dispatcher {
	client := &http.Client{}
	if httpClient != nil {
		*client = *httpClient
	}
	if client.Transport == nil {
		client.Transport = http.DefaultTransport
	}
	if tr, ok := client.Transport.(*http.Transport); ok {
		tr = tr.Clone()
		tr.DisableCompression = true
		client.Transport = tr
	}
	httpClient = client
	return &Dispatcher{registry: reg, selector: sel, governor: gov, estimator: est, ilog: ilog, log: log, httpClient: httpClient}
}

// WithMetrics attaches a Collector so upstream transport/HTTP failures are
// recorded as gateway_upstream_errors_total{provider}. Optional.
func (d *Dispatcher) WithMetrics(c *metrics.Collector) *Dispatcher {
	d.metrics = c
	return d
}

func (d *Dispatcher) recordUpstreamError(providerID string) {
	d.governor.RecordError(providerID)
	if d.metrics != nil {
		d.metrics.RecordUpstreamError(providerID)
	}
}

type inboundRequest struct {
	Model   string          `json:"model"`
	Stream  bool            `json:"stream"`
	rawBody map[string]interface{}
}

// ServeHTTP implements POST /v1/{path}.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		d.writeBufferedError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	d.ilog.WriteRequest(requestID, body)

	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		d.writeBufferedError(w, http.StatusInternalServerError, "malformed request: invalid JSON")
		return
	}
	model, _ := raw["model"].(string)
	if model == "" {
		d.writeBufferedError(w, http.StatusInternalServerError, "malformed request: missing model")
		return
	}
	stream, _ := raw["stream"].(bool)

	tokenCount := d.estimator.CountRequest(body)

	res, err := d.selector.Select(model, tokenCount)
	if err != nil {
		d.writeSelectionError(w, err)
		return
	}

	provider, ok := d.registry.Provider(res.ProviderID)
	if !ok {
		d.writeBufferedError(w, http.StatusInternalServerError, "provider vanished from registry mid-request")
		return
	}

	if res.UpstreamAlias != "" {
		raw["model"] = res.UpstreamAlias
		body, _ = json.Marshal(raw)
	}

	uri := strings.TrimPrefix(r.URL.Path, "/v1/")
	targetURL := fmt.Sprintf("%s/%s", strings.TrimSuffix(provider.BaseURL, "/"), uri)
	headers := buildOutboundHeaders(r.Header, provider)

	if stream {
		d.dispatchStreaming(w, r.Context(), requestID, provider.ID, targetURL, headers, body)
		return
	}
	d.dispatchBuffered(w, r.Context(), requestID, provider.ID, targetURL, headers, body)
}

func buildOutboundHeaders(in http.Header, provider registry.Provider) http.Header {
	out := make(http.Header, len(in))
	for k, v := range in {
		if hopByHopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		out[k] = append([]string(nil), v...)
	}
	if provider.APIKey != "" {
		out.Set("Authorization", "Bearer "+provider.APIKey)
	}
	out.Set("Content-Type", "application/json")
	return out
}

// errorEnvelope is the shape errors are wrapped into so buffered callers
// never see a bare transport exception: {"choices":[{"message":{...}}]}.
func errorEnvelope(text string) []byte {
	env := map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"role": "assistant", "content": text}},
		},
	}
	out, _ := json.Marshal(env)
	return out
}

func (d *Dispatcher) writeBufferedError(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(errorEnvelope(text))
}

func (d *Dispatcher) writeSelectionError(w http.ResponseWriter, err error) {
	gwErr, ok := err.(*types.Error)
	status := http.StatusInternalServerError
	msg := err.Error()
	if ok {
		status = types.HTTPStatusFor(gwErr)
		msg = gwErr.Message
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(errorEnvelope(msg))
}

func (d *Dispatcher) dispatchBuffered(w http.ResponseWriter, ctx context.Context, requestID, providerID, targetURL string, headers http.Header, body []byte) {
	ctx, span := tracer.Start(ctx, "dispatcher.upstream.buffered",
		oteltrace.WithAttributes(
			attribute.String("request_id", requestID),
			attribute.String("provider", providerID),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, bufferedTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build upstream request")
		d.ilog.WriteError(requestID, err.Error())
		d.writeBufferedError(w, http.StatusInternalServerError, "failed to build upstream request: "+err.Error())
		return
	}
	req.Header = headers

	resp, err := d.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream transport error")
		d.recordUpstreamError(providerID)
		d.ilog.WriteError(requestID, err.Error())
		d.writeBufferedError(w, http.StatusInternalServerError, "upstream transport error: "+err.Error())
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read upstream body")
		d.recordUpstreamError(providerID)
		d.ilog.WriteError(requestID, err.Error())
		d.writeBufferedError(w, http.StatusInternalServerError, "upstream transport error: "+err.Error())
		return
	}

	d.ilog.WriteResponse(requestID, string(respBody))
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, "upstream http error")
		d.recordUpstreamError(providerID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)
}

func (d *Dispatcher) dispatchStreaming(w http.ResponseWriter, ctx context.Context, requestID, providerID, targetURL string, headers http.Header, body []byte) {
	ctx, span := tracer.Start(ctx, "dispatcher.upstream.streaming",
		oteltrace.WithAttributes(
			attribute.String("request_id", requestID),
			attribute.String("provider", providerID),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, streamingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build upstream request")
		d.emitStreamError(w, http.StatusInternalServerError, err.Error())
		d.ilog.WriteError(requestID, err.Error())
		return
	}
	req.Header = headers

	resp, err := d.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream transport error")
		d.recordUpstreamError(providerID)
		d.ilog.WriteError(requestID, err.Error())
		d.emitStreamError(w, http.StatusInternalServerError, "upstream transport error: "+err.Error())
		return
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(resp.Body)
		span.SetStatus(codes.Error, "upstream http error")
		d.recordUpstreamError(providerID)
		d.ilog.WriteError(requestID, string(errBody))
		d.emitStreamError(w, resp.StatusCode, string(errBody))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	var accumulated bytes.Buffer
	var carry string
	seenDone := false

	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			accumulated.Write(chunk)
			if !seenDone {
				carry += string(chunk)
				if strings.Contains(carry, doneSentinel) {
					seenDone = true
				}
				// Keep only enough tail to catch a sentinel split across reads.
				if len(carry) > len(doneSentinel) {
					carry = carry[len(carry)-len(doneSentinel):]
				}
			}
			if _, werr := w.Write(chunk); werr != nil {
				d.ilog.WriteResponse(requestID, accumulated.String())
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				d.ilog.WriteError(requestID, readErr.Error())
				_, _ = w.Write(streamErrorChunk(readErr.Error()))
				if flusher != nil {
					flusher.Flush()
				}
			}
			break
		}
	}

	d.ilog.WriteResponse(requestID, accumulated.String())
	if !seenDone && d.log != nil {
		d.log.Warn("stream ended without [DONE] sentinel", zap.String("request_id", requestID), zap.String("provider", providerID))
	}
}

func streamErrorChunk(text string) []byte {
	env := map[string]interface{}{
		"error": map[string]string{"message": text},
	}
	out, _ := json.Marshal(env)
	return []byte("data: " + string(out) + "\n\n")
}

func (d *Dispatcher) emitStreamError(w http.ResponseWriter, status int, body string) {
	var decoded interface{}
	if err := json.Unmarshal([]byte(body), &decoded); err != nil {
		decoded = map[string]string{"message": body}
	}
	env := map[string]interface{}{"error": decoded}
	out, _ := json.Marshal(env)

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(status)
	_, _ = w.Write([]byte("data: " + string(out) + "\n\n"))
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}
