package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"loom/internal/logging"
)

// RegisterBuiltins binds the handlers that ship with the engine. Adapters and
// hosts register additional node types at startup.
func RegisterBuiltins(registry *Registry, logger logging.Logger) {
	logger = logging.OrNop(logger)
	client := &http.Client{Timeout: 60 * time.Second}

	registry.Register("console", consoleHandler(logger))
	registry.Register("delay", delayHandler())
	registry.Register("httpRequest", httpRequestHandler(client))
	registry.Register("webhookResponse", webhookResponseHandler())
	registry.Register("setVariable", setVariableHandler())
	registry.Register("llmChat", llmChatHandler(client))
}

// consoleHandler logs its message and echoes the connected upstream outputs,
// which makes it the standard tap for debugging workflows.
func consoleHandler(logger logging.Logger) Handler {
	return func(ctx context.Context, req *Request) (map[string]any, error) {
		message, _ := req.Parameters["message"].(string)
		logger.Info("console[%s]: %s", req.NodeID, message)
		out := map[string]any{"message": message, "printed": true}
		if len(req.ConnectedOutputs) > 0 {
			out["inputs"] = req.ConnectedOutputs
		}
		return out, nil
	}
}

func delayHandler() Handler {
	return func(ctx context.Context, req *Request) (map[string]any, error) {
		seconds := 1.0
		switch v := req.Parameters["seconds"].(type) {
		case float64:
			seconds = v
		case int:
			seconds = float64(v)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(seconds * float64(time.Second))):
		}
		return map[string]any{"delayed_seconds": seconds}, nil
	}
}

func httpRequestHandler(client *http.Client) Handler {
	return func(ctx context.Context, req *Request) (map[string]any, error) {
		url, _ := req.Parameters["url"].(string)
		method, _ := req.Parameters["method"].(string)
		if method == "" {
			method = http.MethodGet
		}
		method = strings.ToUpper(method)

		var body io.Reader
		if raw, ok := req.Parameters["body"].(string); ok && raw != "" {
			body = strings.NewReader(raw)
		} else if m, ok := req.Parameters["body"].(map[string]any); ok {
			data, err := json.Marshal(m)
			if err != nil {
				return nil, fmt.Errorf("encode request body: %w", err)
			}
			body = bytes.NewReader(data)
		}

		httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, err
		}
		if headers, ok := req.Parameters["headers"].(map[string]any); ok {
			for k, v := range headers {
				httpReq.Header.Set(k, fmt.Sprintf("%v", v))
			}
		}
		if httpReq.Header.Get("Content-Type") == "" && body != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}

		if timeout, ok := req.Parameters["timeout"].(float64); ok && timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(timeout*float64(time.Second)))
			defer cancel()
			httpReq = httpReq.WithContext(ctx)
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			// Message carries the status code so retry classification sees it.
			return nil, fmt.Errorf("server error %d from %s", resp.StatusCode, url)
		}

		out := map[string]any{
			"status_code": resp.StatusCode,
			"headers":     flattenHeaders(resp.Header),
		}
		var decoded any
		if err := json.Unmarshal(payload, &decoded); err == nil {
			out["body"] = decoded
		} else {
			out["body"] = string(payload)
		}
		return out, nil
	}
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// webhookResponseHandler shapes the reply a webhook-triggered workflow sends
// back. The actual transport write is done by the webhook adapter observing
// the node's output.
func webhookResponseHandler() Handler {
	return func(ctx context.Context, req *Request) (map[string]any, error) {
		status := 200
		if v, ok := req.Parameters["statusCode"].(float64); ok {
			status = int(v)
		}
		body := req.Parameters["body"]
		if body == nil && len(req.ConnectedOutputs) > 0 {
			body = req.ConnectedOutputs
		}
		return map[string]any{"status_code": status, "body": body}, nil
	}
}

func setVariableHandler() Handler {
	return func(ctx context.Context, req *Request) (map[string]any, error) {
		name, _ := req.Parameters["name"].(string)
		if name == "" {
			return nil, fmt.Errorf("setVariable: missing variable name")
		}
		return map[string]any{"name": name, "value": req.Parameters["value"]}, nil
	}
}

// llmChatHandler calls an OpenAI-compatible chat completion endpoint.
func llmChatHandler(client *http.Client) Handler {
	return func(ctx context.Context, req *Request) (map[string]any, error) {
		prompt, _ := req.Parameters["prompt"].(string)
		model, _ := req.Parameters["model"].(string)
		apiKey, _ := req.Parameters["apiKey"].(string)
		baseURL, _ := req.Parameters["baseURL"].(string)
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		if apiKey == "" {
			return nil, fmt.Errorf("llmChat: no API key configured")
		}

		payload := map[string]any{
			"model":    model,
			"messages": []map[string]any{{"role": "user", "content": prompt}},
		}
		if temp, ok := req.Parameters["temperature"].(float64); ok {
			payload["temperature"] = temp
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			strings.TrimRight(baseURL, "/")+"/chat/completions", bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)

		resp, err := client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("server error %d from LLM provider", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("llmChat: provider returned %d: %s", resp.StatusCode, preview(string(raw)))
		}

		var parsed struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
			Usage map[string]any `json:"usage"`
		}
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, fmt.Errorf("llmChat: decode response: %w", err)
		}
		content := ""
		if len(parsed.Choices) > 0 {
			content = parsed.Choices[0].Message.Content
		}
		return map[string]any{
			"response": content,
			"model":    model,
			"usage":    parsed.Usage,
		}, nil
	}
}

func preview(s string) string {
	const limit = 200
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
