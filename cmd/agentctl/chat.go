package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/xiaot623/archetype/internal/domain"
	"github.com/xiaot623/archetype/internal/ingress/protocol"
)

// Client is a WebSocket chat client.
type Client struct {
	conn      *websocket.Conn
	out       io.Writer
	sessionID string
	done      chan struct{}

	mu        sync.Mutex
	lastRunID string
}

// LastRunID returns the run of the most recent frame.
func (c *Client) LastRunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRunID
}

// NewClient connects to the ingress WebSocket endpoint.
func NewClient(addr string, out io.Writer) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	return &Client{
		conn: conn,
		out:  out,
		done: make(chan struct{}),
	}, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	close(c.done)
	return c.conn.Close()
}

// SendHello sends a hello message and waits for hello_ack.
func (c *Client) SendHello(userID, sessionID, apiKey string) error {
	msg := protocol.HelloMessage{
		BaseMessage: protocol.BaseMessage{
			Type:      protocol.TypeHello,
			Ts:        time.Now().UnixMilli(),
			SessionID: sessionID,
		},
		UserID: userID,
		APIKey: apiKey,
		ClientMeta: map[string]string{
			"client": "agentctl",
		},
	}

	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write hello: %w", err)
	}

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read hello_ack: %w", err)
	}

	var base protocol.BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return fmt.Errorf("unmarshal hello_ack: %w", err)
	}

	if base.Type == protocol.TypeError {
		var errMsg protocol.ErrorMessage
		_ = json.Unmarshal(data, &errMsg)
		return fmt.Errorf("hello failed: %s - %s", errMsg.Code, errMsg.Message)
	}

	if base.Type != protocol.TypeHelloAck {
		return fmt.Errorf("expected hello_ack, got: %s", base.Type)
	}

	c.sessionID = base.SessionID
	return nil
}

// SendChat sends user input. A non-empty runID resumes that paused run.
func (c *Client) SendChat(content, runID string, strict *bool) error {
	msg := protocol.ChatMessage{
		BaseMessage: protocol.BaseMessage{
			Type:      protocol.TypeChat,
			Ts:        time.Now().UnixMilli(),
			SessionID: c.sessionID,
			RunID:     runID,
			RequestID: fmt.Sprintf("req_%d", time.Now().UnixNano()),
		},
		Content: content,
	}
	if strict != nil {
		msg.Workflow = &protocol.WorkflowOptions{Strict: strict}
	}
	return c.conn.WriteJSON(msg)
}

// SendCancel asks the orchestrator to cancel a run.
func (c *Client) SendCancel(runID string) error {
	return c.conn.WriteJSON(protocol.CancelRunMessage{
		BaseMessage: protocol.BaseMessage{
			Type:      protocol.TypeCancelRun,
			Ts:        time.Now().UnixMilli(),
			SessionID: c.sessionID,
			RunID:     runID,
		},
	})
}

// frame is the generic shape of a server frame.
type frame struct {
	protocol.BaseMessage
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ReadMessages renders server frames until the connection closes.
func (c *Client) ReadMessages() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					fmt.Fprintf(c.out, "\nread error: %v\n", err)
				}
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			fmt.Fprintf(c.out, "\nunreadable frame: %v\n", err)
			continue
		}
		if f.RunID != "" {
			c.mu.Lock()
			c.lastRunID = f.RunID
			c.mu.Unlock()
		}
		c.render(f)
	}
}

func (c *Client) render(f frame) {
	switch f.Type {
	case protocol.TypeTurnDelta:
		var d domain.DeltaEventData
		if json.Unmarshal(f.Data, &d) == nil {
			fmt.Fprint(c.out, d.Text)
		}
	case protocol.TypeChatAck:
	case protocol.TypeDone:
		var d domain.DoneEventData
		_ = json.Unmarshal(f.Data, &d)
		if d.Paused {
			fmt.Fprintf(c.out, "\n[run %s paused: credits depleted, /resume to continue]\n", f.RunID)
		} else {
			fmt.Fprintf(c.out, "\n[run %s done]\n", f.RunID)
		}
	case protocol.TypeError:
		fmt.Fprintf(c.out, "\n[error %s] %s\n", f.Code, f.Message)
	case string(domain.EventTypeBillingEstimate), string(domain.EventTypeBillingWarning), string(domain.EventTypeBillingReconciled):
		fmt.Fprintf(c.out, "\n[%s] %s\n", f.Type, string(f.Data))
	default:
		if len(f.Data) > 0 {
			fmt.Fprintf(c.out, "\n[%s] %s\n", f.Type, string(f.Data))
		} else {
			fmt.Fprintf(c.out, "\n[%s]\n", f.Type)
		}
	}
}

func newChatCmd() *cobra.Command {
	var (
		addr      string
		apiKey    string
		userID    string
		sessionID string
		strict    bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open an interactive chat session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Connecting to %s...\n", addr)

			client, err := NewClient(addr, out)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.SendHello(userID, sessionID, apiKey); err != nil {
				return err
			}

			fmt.Fprintf(out, "Session established: %s\n", client.sessionID)
			fmt.Fprintln(out, "Type a message and press Enter. Commands: /cancel, /resume, /quit")

			go client.ReadMessages()

			var mode *bool
			if cmd.Flags().Changed("strict") {
				mode = &strict
			}

			lines := make(chan string)
			go func() {
				scanner := bufio.NewScanner(cmd.InOrStdin())
				for scanner.Scan() {
					lines <- strings.TrimSpace(scanner.Text())
				}
				close(lines)
			}()

			interrupt := make(chan os.Signal, 1)
			signal.Notify(interrupt, os.Interrupt)
			defer signal.Stop(interrupt)

			for {
				select {
				case <-interrupt:
					fmt.Fprintln(out, "\nInterrupted")
					return nil
				case input, ok := <-lines:
					if !ok || input == "/quit" {
						return nil
					}
					var err error
					switch input {
					case "":
						continue
					case "/cancel":
						err = client.SendCancel(client.LastRunID())
					case "/resume":
						err = client.SendChat("", client.LastRunID(), mode)
					default:
						err = client.SendChat(input, "", mode)
					}
					if err != nil {
						fmt.Fprintf(out, "send error: %v\n", err)
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", envOr("INGRESS_WS", "ws://localhost:8090/ws"), "WebSocket server address")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key for authentication")
	cmd.Flags().StringVar(&userID, "user", envOr("USER_ID", "cli-user"), "user to bill")
	cmd.Flags().StringVar(&sessionID, "session", "", "session to join (default: new session)")
	cmd.Flags().BoolVar(&strict, "strict", false, "enforce the workflow for this session")
	return cmd
}
