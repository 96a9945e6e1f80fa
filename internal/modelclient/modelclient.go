// Package modelclient is the opaque complete(context) -> assistantMessage
// boundary the rest of the Executive is built against: the actual neural
// model endpoint sits behind a capability interface so any implementation
// satisfying it, including a mock, works as a Client.
//
// The default Client spawns a model CLI in print/stream-json mode and
// parses its event stream, directly generalizing
// internal/executive/claude.go's SendPrompt/processStreamJSON path in the
// teacher repo (the tmux-interactive half of that file has no analogue
// here: EVA's model boundary is a single blocking call per request, not a
// long-lived interactive session). StreamEvent/ToolUse are carried over
// near-verbatim; dropped the tmux/PID-file machinery since it served a
// long-lived session, not this package's one-shot call contract.
package modelclient

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/deflagg/eva-sub002/internal/logging"
	"github.com/deflagg/eva-sub002/internal/toolcontract"
)

// Message is one turn of conversation history.
type Message struct {
	Role string // "user" or "assistant"
	Text string
}

// Image is a multi-modal attachment, rendered into the prompt as base64.
type Image struct {
	MimeType string
	Data []byte
}

// Request is one call into the model.
type Request struct {
	SystemPrompt string
	Messages []Message
	Images []Image
	Tools []toolcontract.ToolDef
	FinalUser string // the CURRENT_USER_REQUEST message appended last
}

// ToolCall is the tool invocation the model chose, if any.
type ToolCall struct {
	Name string
	Args map[string]any
}

// Response is what complete() returns: either a ToolCall (the mandatory
// path) or plain Text (the fallback path, "Fallback").
type Response struct {
	ToolCall *ToolCall
	Text string
	Usage Usage
}

// Usage mirrors evamem.Usage's shape without importing it, so modelclient
// has no dependency on the memory-entry package.
type Usage struct {
	InputTokens int
	OutputTokens int
	CostUSD float64
}

// Client is the interface every caller in this module depends on.
// Production code talks to Default(); tests inject a stub.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Config configures the default subprocess-based client.
type Config struct {
	// Command is the model CLI binary name (default "claude").
	Command string
	Model string
	WorkDir string
}

// Default returns the subprocess-based Client, spawning Config.Command in
// print/stream-json mode for each Complete call.
func Default(cfg Config) Client {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	return &subprocessClient{cfg: cfg}
}

type subprocessClient struct {
	cfg Config
}

func (c *subprocessClient) Complete(ctx context.Context, req Request) (Response, error) {
	prompt := renderPrompt(req)

	args := []string{"--print", "--output-format", "stream-json", "--verbose"}
	if c.cfg.Model != "" {
		args = append(args, "--model", c.cfg.Model)
	}

	cmd := exec.CommandContext(ctx, c.cfg.Command, args...)
	if c.cfg.WorkDir != "" {
		cmd.Dir = c.cfg.WorkDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Response{}, fmt.Errorf("modelclient: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Response{}, fmt.Errorf("modelclient: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Response{}, fmt.Errorf("modelclient: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Response{}, fmt.Errorf("modelclient: start %s: %w", c.cfg.Command, err)
	}

	go func() {
		defer stdin.Close()
		io.WriteString(stdin, prompt)
	}()

	collector := &eventCollector{}
	go drainStderr(stderr)
	collector.consume(stdout)

	if err := cmd.Wait(); err != nil {
		return Response{}, fmt.Errorf("modelclient: %s exited: %w", c.cfg.Command, err)
	}

	if collector.toolCall != nil {
		return Response{ToolCall: collector.toolCall, Usage: collector.usage}, nil
	}
	return Response{Text: collector.text.String(), Usage: collector.usage}, nil
}

func renderPrompt(req Request) string {
	var b strings.Builder
	if req.SystemPrompt != "" {
		b.WriteString(req.SystemPrompt)
		b.WriteString("\n\n")
	}
	for _, m := range req.Messages {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Text)
	}
	for i, img := range req.Images {
		fmt.Fprintf(&b, "[image %d: %s] %s\n", i, img.MimeType, base64.StdEncoding.EncodeToString(img.Data))
	}
	if req.FinalUser != "" {
		b.WriteString(req.FinalUser)
	}
	return b.String()
}

// streamEvent mirrors the teacher's StreamEvent shape.
type streamEvent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Tool *toolUse `json:"tool,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	SubType string `json:"subtype,omitempty"`
	IsError bool `json:"is_error,omitempty"`
	Error string `json:"error,omitempty"`
	Usage *struct {
		InputTokens int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		CostUSD float64 `json:"cost_usd"`
	} `json:"usage,omitempty"`
}

type toolUse struct {
	Name string `json:"name"`
	Args map[string]any `json:"args"`
}

type eventCollector struct {
	toolCall *ToolCall
	text strings.Builder
	usage Usage
}

func (ec *eventCollector) consume(r io.Reader) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			logging.Debug("modelclient", "failed to parse event: %v", err)
			continue
		}
		ec.handle(ev)
	}
}

func (ec *eventCollector) handle(ev streamEvent) {
	switch ev.Type {
	case "tool_use":
		if ev.Tool != nil && ec.toolCall == nil {
			ec.toolCall = &ToolCall{Name: ev.Tool.Name, Args: ev.Tool.Args}
		}
	case "assistant":
		if ev.Message != nil {
			var msg struct {
				Content []struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"content"`
			}
			if err := json.Unmarshal(ev.Message, &msg); err == nil {
				for _, block := range msg.Content {
					if block.Type == "text" && block.Text != "" {
						ec.text.WriteString(block.Text)
					}
				}
			}
		}
	case "result":
		if ev.Result != nil {
			var result string
			if err := json.Unmarshal(ev.Result, &result); err == nil && result != "" && ec.text.Len() == 0 {
				ec.text.WriteString(result)
			}
		}
		if ev.Usage != nil {
			ec.usage = Usage{InputTokens: ev.Usage.InputTokens, OutputTokens: ev.Usage.OutputTokens, CostUSD: ev.Usage.CostUSD}
		}
	}
}

func drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			logging.Debug("modelclient", "stderr: %s", line)
		}
	}
}
