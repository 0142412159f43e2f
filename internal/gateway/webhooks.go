// ABOUTME: Inbound webhook handlers for Telegram, Twilio and named channels
// ABOUTME: Repeat deliveries are answered normally but forwarded only once

package gateway

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	"github.com/2389/harbor-gateway/internal/agent"
	"github.com/2389/harbor-gateway/internal/dedupe"
)

var (
	errInvalidJSON = errors.New("invalid JSON")
	errInvalidForm = errors.New("invalid form body")
)

// Headers carrying a sender-assigned delivery id on generic webhooks.
var deliveryHeaders = []string{"X-Delivery-Id", "X-Request-Id"}

// twimlResponse is the TwiML document returned to Twilio.
type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Message string   `xml:"Message,omitempty"`
}

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

// handleTelegramWebhook acknowledges immediately and forwards in the background.
func (g *Gateway) handleTelegramWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil || !gjson.ValidBytes(body) {
		g.metrics.Webhook("telegram", "invalid")
		g.sendJSONError(w, http.StatusBadRequest, errInvalidJSON.Error())
		return
	}

	updateID := gjson.GetBytes(body, "update_id")
	var key string
	if updateID.Exists() {
		key = dedupe.Key("telegram", updateID.String())
	}
	if g.dedupe.Seen(key) {
		g.metrics.Webhook("telegram", "duplicate")
		g.logger.Debug("duplicate telegram update", "update_id", updateID.Int())
		writeText(w, "ok")
		return
	}

	msg := map[string]any{
		"type":   "webhook",
		"source": "telegram",
		"data":   json.RawMessage(body),
	}
	chatID := gjson.GetBytes(body, "message.chat.id").String()

	g.goTask(func(ctx context.Context) {
		result := g.forwarder.Forward(ctx, msg)
		if result.Failed() {
			// Let Telegram's redelivery through.
			g.dedupe.Forget(key)
			g.logger.Warn("telegram forward failed", "update_id", updateID.Int(), "chat_id", chatID, "error", result.Err())
		}
	})

	g.metrics.Webhook("telegram", "forwarded")
	writeText(w, "ok")
}

// handleTwilioWebhook forwards the form fields and answers with TwiML.
func (g *Gateway) handleTwilioWebhook(w http.ResponseWriter, r *http.Request) {
	data, err := parseTwilioBody(w, r)
	if err != nil {
		g.metrics.Webhook("twilio", "invalid")
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	var key string
	if sid, _ := data["MessageSid"].(string); sid != "" {
		key = dedupe.Key("twilio", sid)
	}
	if g.dedupe.Seen(key) {
		g.metrics.Webhook("twilio", "duplicate")
		writeTwiML(w, "")
		return
	}

	result := g.forwarder.Forward(g.ctx, map[string]any{
		"type":   "webhook",
		"source": "twilio",
		"data":   data,
	})
	if result.Failed() {
		g.dedupe.Forget(key)
		g.metrics.Webhook("twilio", "failed")
		g.logger.Warn("twilio forward failed", "error", result.Err())
		writeTwiML(w, "")
		return
	}

	g.metrics.Webhook("twilio", "forwarded")
	writeTwiML(w, replyText(result))
}

// parseTwilioBody accepts form-encoded (Twilio's default) or JSON bodies.
func parseTwilioBody(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		body, err := readBody(r)
		if err != nil {
			return nil, err
		}
		var data map[string]any
		if err := json.Unmarshal(body, &data); err != nil {
			return nil, errInvalidJSON
		}
		return data, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		return nil, errInvalidForm
	}
	data := make(map[string]any, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) == 1 {
			data[k] = v[0]
		} else {
			data[k] = v
		}
	}
	return data, nil
}

// replyText picks the message the agent wants sent back, if any.
func replyText(result agent.Result) string {
	for _, key := range []string{"reply", "text", "message"} {
		if s, ok := result[key].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// handleChannelWebhook forwards a JSON body and broadcasts the exchange to the channel.
func (g *Gateway) handleChannelWebhook(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")

	body, err := readBody(r)
	if err != nil || !gjson.ValidBytes(body) {
		g.metrics.Webhook("channel", "invalid")
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	var key string
	for _, h := range deliveryHeaders {
		if id := r.Header.Get(h); id != "" {
			key = dedupe.Key(channel, id)
			break
		}
	}
	if g.dedupe.Seen(key) {
		g.metrics.Webhook("channel", "duplicate")
		g.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "duplicate": true})
		return
	}

	data := json.RawMessage(body)
	result := g.forwarder.Forward(g.ctx, map[string]any{
		"type":    "webhook",
		"channel": channel,
		"data":    data,
	})

	delivered := g.hub.Broadcast(channel, map[string]any{
		"type":     "webhook",
		"channel":  channel,
		"data":     data,
		"response": result,
	}, "")

	outcome := "forwarded"
	if result.Failed() {
		outcome = "failed"
		g.dedupe.Forget(key)
	}
	g.metrics.Webhook("channel", outcome)
	g.logger.Debug("channel webhook", "channel", channel, "delivered", delivered, "outcome", outcome)

	g.writeJSON(w, http.StatusOK, map[string]any{
		"ok":       !result.Failed(),
		"response": result,
	})
}

func writeText(w http.ResponseWriter, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, s)
}

func writeTwiML(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, xml.Header)
	_ = xml.NewEncoder(w).Encode(twimlResponse{Message: message})
}
