package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/warelay/warelay/internal/config"
	"github.com/warelay/warelay/internal/profile"
	"github.com/warelay/warelay/internal/store"
)

func main() {
	addrFlag := flag.String("addr", "", "daemon address (overrides config)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := &client{
		base: "http://" + resolveAddr(*addrFlag),
		http: &http.Client{Timeout: 10 * time.Second},
		json: *jsonFlag,
	}

	switch args[0] {
	case "status":
		c.cmdStatus()
	case "chats":
		c.cmdChats()
	case "messages":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: warelayctl messages <identity>")
			os.Exit(1)
		}
		c.cmdMessages(args[1])
	case "read":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: warelayctl read <identity>")
			os.Exit(1)
		}
		c.cmdRead(args[1])
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: warelayctl send <identity> <text...>")
			os.Exit(1)
		}
		c.cmdSend(args[1], strings.Join(args[2:], " "))
	case "contacts":
		c.cmdContacts(args[1:])
	case "rebuild":
		c.cmdRebuild()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: warelayctl [--addr <host:port>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                     Show daemon status")
	fmt.Fprintln(os.Stderr, "  chats                      List conversations")
	fmt.Fprintln(os.Stderr, "  messages <identity>        Show a conversation")
	fmt.Fprintln(os.Stderr, "  read <identity>            Mark a conversation read")
	fmt.Fprintln(os.Stderr, "  send <identity> <text...>  Queue an outgoing message")
	fmt.Fprintln(os.Stderr, "  contacts list              List contacts")
	fmt.Fprintln(os.Stderr, "  contacts set <id> <name>   Set a contact name")
	fmt.Fprintln(os.Stderr, "  contacts rm <id>           Delete a contact")
	fmt.Fprintln(os.Stderr, "  rebuild                    Recompute chat summaries")
}

// resolveAddr picks the daemon address: flag, then config, then default.
func resolveAddr(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(profile.ConfigPath())
	if err == nil && cfg.HTTP.Listen != "" {
		return cfg.HTTP.Listen
	}
	return config.DefaultListen
}

type client struct {
	base string
	http *http.Client
	json bool
}

func (c *client) cmdStatus() {
	var out struct {
		State    string `json:"state"`
		Operator string `json:"operator"`
		Chats    int    `json:"chats"`
		Messages int    `json:"messages"`
		Uptime   int64  `json:"uptime_seconds"`
	}
	c.get("/v1/status", &out)
	if c.json {
		outputJSON(out)
		return
	}
	fmt.Printf("State:    %s\n", out.State)
	fmt.Printf("Operator: %s\n", out.Operator)
	fmt.Printf("Chats:    %d\n", out.Chats)
	fmt.Printf("Messages: %d\n", out.Messages)
	fmt.Printf("Uptime:   %ds\n", out.Uptime)
}

func (c *client) cmdChats() {
	var out struct {
		Chats []store.Chat `json:"chats"`
	}
	c.get("/v1/chats", &out)
	if c.json {
		outputJSON(out.Chats)
		return
	}
	if len(out.Chats) == 0 {
		fmt.Println("no conversations")
		return
	}
	for _, ch := range out.Chats {
		marker := " "
		if ch.UnreadCount > 0 {
			marker = fmt.Sprintf("(%d)", ch.UnreadCount)
		}
		name := ch.DisplayName
		if name == "" {
			name = ch.ContactIdentity
		}
		fmt.Printf("%-20s %-4s %s\n", name, marker, ch.LastMessagePreview)
	}
}

func (c *client) cmdMessages(identity string) {
	var out struct {
		Messages []store.Message `json:"messages"`
	}
	c.get("/v1/chats/"+identity+"/messages", &out)
	if c.json {
		outputJSON(out.Messages)
		return
	}
	for _, m := range out.Messages {
		dir := "<-"
		if m.FromMe {
			dir = "->"
		}
		body := m.Body
		if body == "" && m.Caption != "" {
			body = m.Caption
		}
		if body == "" {
			body = "[" + m.Kind + "]"
		}
		ts := time.Unix(m.Timestamp, 0).Format("2006-01-02 15:04")
		fmt.Printf("%s %s [%s] %s\n", ts, dir, m.Status, body)
	}
}

func (c *client) cmdRead(identity string) {
	var out map[string]any
	c.post("/v1/chats/"+identity+"/read", nil, &out)
	if c.json {
		outputJSON(out)
		return
	}
	fmt.Println("marked read")
}

func (c *client) cmdSend(identity, text string) {
	var out map[string]any
	c.post("/v1/send", map[string]string{"to": identity, "body": text}, &out)
	if c.json {
		outputJSON(out)
		return
	}
	fmt.Printf("queued %v -> %v\n", out["client_msg_id"], out["to"])
}

func (c *client) cmdContacts(args []string) {
	if len(args) == 0 {
		args = []string{"list"}
	}
	switch args[0] {
	case "list":
		var out struct {
			Contacts []store.Contact `json:"contacts"`
		}
		c.get("/v1/contacts", &out)
		if c.json {
			outputJSON(out.Contacts)
			return
		}
		for _, ct := range out.Contacts {
			fmt.Printf("%-20s %s\n", ct.Name, ct.Identity)
		}
	case "set":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: warelayctl contacts set <identity> <name>")
			os.Exit(1)
		}
		var out store.Contact
		c.put("/v1/contacts/"+args[1], map[string]string{"name": strings.Join(args[2:], " ")}, &out)
		if c.json {
			outputJSON(out)
			return
		}
		fmt.Printf("%s = %s\n", out.Identity, out.Name)
	case "rm":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: warelayctl contacts rm <identity>")
			os.Exit(1)
		}
		var out map[string]any
		c.delete("/v1/contacts/"+args[1], &out)
		fmt.Println("deleted")
	default:
		fmt.Fprintln(os.Stderr, "usage: warelayctl contacts <list|set|rm>")
		os.Exit(1)
	}
}

func (c *client) cmdRebuild() {
	var out map[string]any
	c.post("/v1/admin/rebuild", nil, &out)
	if c.json {
		outputJSON(out)
		return
	}
	fmt.Printf("rebuilt %v chat summaries\n", out["chats"])
}

func (c *client) get(path string, out any) { c.do(http.MethodGet, path, nil, out) }

func (c *client) delete(path string, out any) { c.do(http.MethodDelete, path, nil, out) }

func (c *client) post(path string, in, out any) { c.do(http.MethodPost, path, in, out) }

func (c *client) put(path string, in, out any) { c.do(http.MethodPut, path, in, out) }

func (c *client) do(method, path string, in, out any) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			fail(err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		fail(err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		fail(fmt.Errorf("cannot reach daemon at %s: %w", c.base, err))
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		fail(err)
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			fail(fmt.Errorf("%s (%d)", apiErr.Error, resp.StatusCode))
		}
		fail(fmt.Errorf("request failed with %d", resp.StatusCode))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			fail(err)
		}
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
