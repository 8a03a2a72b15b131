// ABOUTME: Terminal chat client for channel-router over the plain websocket transport.
// ABOUTME: Provides line input, room commands and colorized agent responses with JWT auth.

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/fatih/color"
)

// getToken returns the JWT from ROUTER_TOKEN or ~/.config/channel-router/token.
func getToken() string {
	if token := os.Getenv("ROUTER_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	data, err := os.ReadFile(filepath.Join(configDir, "channel-router", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// frame is the plain websocket transport's wire shape.
type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// client holds one session's connection and state.
type client struct {
	server string
	author string
	token  string
	conn   *websocket.Conn
	out    io.Writer

	mu   sync.Mutex
	room string
}

func (c *client) currentRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *client) setRoom(room string) {
	c.mu.Lock()
	c.room = room
	c.mu.Unlock()
}

func main() {
	server := flag.String("server", "http://localhost:8080", "Router base URL")
	channel := flag.String("channel", "", "Channel to join on connect")
	author := flag.String("as", "tui-user", "authorId to send as when auth is disabled")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := &client{server: strings.TrimRight(*server, "/"), author: *author, token: getToken(), room: *channel, out: os.Stdout}
	if err := c.run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

// wsURL converts the base URL to the websocket endpoint.
func wsURL(server, channel, token string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"

	q := u.Query()
	if channel != "" {
		q.Set("channelId", channel)
	}
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *client) run(ctx context.Context) error {
	endpoint, err := wsURL(c.server, c.currentRoom(), c.token)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	c.conn = conn

	if c.token != "" {
		fmt.Fprintln(c.out, "Auth: JWT token configured (ROUTER_TOKEN)")
	} else {
		fmt.Fprintf(c.out, "Auth: none, sending as %q\n", c.author)
	}
	fmt.Fprintln(c.out, "Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Fprintln(c.out)

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(ctx) }()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := c.handleInput(ctx, strings.TrimSpace(line))
			if err != nil {
				color.Red("[error] %v", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// readLoop prints server events until the connection ends.
func (c *client) readLoop(ctx context.Context) error {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		if f.Type == "room-joined" {
			var p struct {
				RoomID string `json:"roomId"`
			}
			if json.Unmarshal(f.Payload, &p) == nil && p.RoomID != "" {
				c.setRoom(p.RoomID)
			}
		}
		if line := formatEvent(f); line != "" {
			fmt.Fprintln(c.out, line)
		}
	}
}

func (c *client) send(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(map[string]any{"type": event, "payload": payload})
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// handleInput runs a command or sends a message. It reports whether to quit.
func (c *client) handleInput(ctx context.Context, input string) (bool, error) {
	if input == "" {
		return false, nil
	}

	cmd, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit", "/q":
		return true, nil
	case "/help":
		printHelp(c.out)
		return false, nil
	case "/join":
		if arg == "" {
			return false, errors.New("usage: /join <channelId>")
		}
		return false, c.send(ctx, "join-room", map[string]string{"roomId": arg})
	case "/leave":
		room := arg
		if room == "" {
			room = c.currentRoom()
		}
		if room == "" {
			return false, errors.New("not in a room")
		}
		return false, c.send(ctx, "leave-room", map[string]string{"roomId": room})
	case "/agents":
		return false, c.listAgents(ctx)
	case "/history":
		return false, c.fetchHistory(ctx)
	}

	if strings.HasPrefix(cmd, "/") {
		return false, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
	room := c.currentRoom()
	if room == "" {
		return false, errors.New("join a channel first: /join <channelId>")
	}
	return false, c.send(ctx, "message", map[string]string{
		"channelId": room,
		"authorId":  c.author,
		"content":   input,
	})
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  /join <id>     Join a channel's room")
	fmt.Fprintln(w, "  /leave [id]    Leave a room (default: current)")
	fmt.Fprintln(w, "  /agents        List running agent runtimes")
	fmt.Fprintln(w, "  /history       Show recent messages in the current channel")
	fmt.Fprintln(w, "  /help          Show this help")
	fmt.Fprintln(w, "  /quit          Exit")
}

// getJSON performs an authenticated GET against the router API.
func (c *client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.server+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&errResp) == nil && errResp.Error != "" {
			return errors.New(errResp.Error)
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *client) listAgents(ctx context.Context) error {
	var resp struct {
		Agents []string `json:"agents"`
	}
	if err := c.getJSON(ctx, "/api/agents", &resp); err != nil {
		return err
	}
	if len(resp.Agents) == 0 {
		fmt.Fprintln(c.out, "No agent runtimes running")
		return nil
	}
	fmt.Fprintln(c.out, "Running agents:")
	for _, a := range resp.Agents {
		fmt.Fprintf(c.out, "  %s\n", a)
	}
	return nil
}

type historyMessage struct {
	ID       string `json:"id"`
	AuthorID string `json:"authorId"`
	Content  string `json:"content"`
}

func (c *client) fetchHistory(ctx context.Context) error {
	room := c.currentRoom()
	if room == "" {
		return errors.New("join a channel first")
	}
	var resp struct {
		Messages []historyMessage `json:"messages"`
	}
	if err := c.getJSON(ctx, "/api/channels/"+url.PathEscape(room)+"/messages?limit=20", &resp); err != nil {
		return err
	}
	if len(resp.Messages) == 0 {
		fmt.Fprintln(c.out, "No messages yet")
		return nil
	}

	fmt.Fprintln(c.out, strings.Repeat("-", 60))
	// newest first on the wire; print oldest first
	for i := len(resp.Messages) - 1; i >= 0; i-- {
		m := resp.Messages[i]
		fmt.Fprintf(c.out, "%s %s\n", color.HiBlackString(m.AuthorID+":"), truncate(m.Content, 200))
	}
	fmt.Fprintln(c.out, strings.Repeat("-", 60))
	return nil
}

// formatEvent renders one server event as a display line. Events that
// duplicate another emission render as "".
func formatEvent(f frame) string {
	var p map[string]any
	_ = json.Unmarshal(f.Payload, &p)
	str := func(key string) string {
		s, _ := p[key].(string)
		return s
	}

	switch f.Type {
	case "connected":
		return color.HiBlackString("[connected to %s]", str("serverId"))
	case "room-joined":
		return color.HiBlackString("[joined %s]", str("roomId"))
	case "room-left":
		return color.HiBlackString("[left %s]", str("roomId"))
	case "agent-response":
		return color.GreenString(str("agentId")+": ") + stripMarkdown(str("content"))
	case "agent-error":
		return color.YellowString("[%s %s] %s", str("agentId"), str("code"), str("message"))
	case "error":
		return color.RedString("[error] %s", str("message"))
	default:
		return ""
	}
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// stripMarkdown removes common markdown emphasis from text.
func stripMarkdown(s string) string {
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ReplaceAll(s, "__", "")
	return s
}
