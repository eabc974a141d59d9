// ABOUTME: Admin CLI for flock-gateway fleet and task management
// ABOUTME: Talks to the gateway REST API with bearer token authentication

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
)

const banner = `
  __ _            _                      _           _
 / _| | ___   ___| | __        __ _  __| |_ __ ___ (_)_ __
| |_| |/ _ \ / __| |/ /____   / _' |/ _' | '_ ' _ \| | '_ \
|  _| | (_) | (__|   <_____| | (_| | (_| | | | | | | | | | |
|_| |_|\___/ \___|_|\_\       \__,_|\__,_|_| |_| |_|_|_| |_|
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	baseURL := os.Getenv("FLOCK_GATEWAY_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8787"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	token := os.Getenv("FLOCK_TOKEN")

	client := &apiClient{baseURL: baseURL, token: token}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "nodes":
		err = cmdNodes(client)
	case "tasks":
		err = cmdTasks(client, args)
	case "submit":
		err = cmdSubmit(client, args)
	case "stop":
		err = cmdStop(client, args)
	case "watch":
		err = cmdWatch(client, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: flock-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  nodes                      List fleet nodes and connection state")
	fmt.Println("  tasks [limit]              List recent tasks")
	fmt.Println("  submit <node-id> <goal>    Dispatch a task to a node")
	fmt.Println("  stop <task-id>             Stop a running task")
	fmt.Println("  watch <task-id>            Stream task events until terminal")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  FLOCK_GATEWAY_URL          Gateway base URL (default: http://localhost:8787)")
	fmt.Println("  FLOCK_TOKEN                Bearer token (optional with trust_localhost)")
	fmt.Println()
}

type apiClient struct {
	baseURL string
	token   string
}

func (c *apiClient) do(method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

type nodeInfo struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Capabilities []string   `json:"capabilities"`
	Status       string     `json:"status"`
	Connected    bool       `json:"connected"`
	LastSeen     *time.Time `json:"lastSeen"`
}

func cmdNodes(client *apiClient) error {
	var resp struct {
		Connected int         `json:"connected"`
		Nodes     []*nodeInfo `json:"nodes"`
	}
	if err := client.do(http.MethodGet, "/api/nodes", nil, &resp); err != nil {
		return err
	}

	fmt.Printf("%d node(s), %d connected\n\n", len(resp.Nodes), resp.Connected)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tCAPABILITIES\tLAST SEEN")
	for _, n := range resp.Nodes {
		status := n.Status
		if n.Connected {
			status = color.GreenString("online")
		}
		lastSeen := "-"
		if n.LastSeen != nil {
			lastSeen = n.LastSeen.Local().Format("15:04:05 Jan 02")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			n.ID, n.Name, status, strings.Join(n.Capabilities, ","), lastSeen)
	}
	return w.Flush()
}

type taskInfo struct {
	ID        string    `json:"id"`
	NodeID    string    `json:"nodeId"`
	Goal      string    `json:"goal"`
	Status    string    `json:"status"`
	Result    string    `json:"result"`
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"createdAt"`
}

func cmdTasks(client *apiClient, args []string) error {
	path := "/api/tasks"
	if len(args) > 0 {
		path += "?limit=" + args[0]
	}

	var resp struct {
		Tasks []*taskInfo `json:"tasks"`
	}
	if err := client.do(http.MethodGet, path, nil, &resp); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNODE\tSTATUS\tGOAL\tCREATED")
	for _, t := range resp.Tasks {
		goal := t.Goal
		if len(goal) > 48 {
			goal = goal[:45] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.NodeID, colorStatus(t.Status), goal,
			t.CreatedAt.Local().Format("15:04:05 Jan 02"))
	}
	return w.Flush()
}

func colorStatus(status string) string {
	switch status {
	case "running", "pending":
		return color.CyanString(status)
	case "completed":
		return color.GreenString(status)
	case "error":
		return color.RedString(status)
	case "stopped":
		return color.YellowString(status)
	default:
		return status
	}
}

func cmdSubmit(client *apiClient, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: flock-admin submit <node-id> <goal>")
	}

	body := map[string]string{
		"nodeId": args[0],
		"goal":   strings.Join(args[1:], " "),
	}

	var task taskInfo
	if err := client.do(http.MethodPost, "/api/tasks", body, &task); err != nil {
		return err
	}

	color.Green("✓ Task dispatched")
	fmt.Printf("  ID:     %s\n", task.ID)
	fmt.Printf("  Node:   %s\n", task.NodeID)
	fmt.Printf("  Status: %s\n", task.Status)
	return nil
}

func cmdStop(client *apiClient, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: flock-admin stop <task-id>")
	}

	if err := client.do(http.MethodPost, "/api/tasks/"+args[0]+"/stop", nil, nil); err != nil {
		return err
	}
	color.Green("✓ Stop requested")
	return nil
}

// cmdWatch streams SSE events for a task and prints them until the task
// reaches a terminal status.
func cmdWatch(client *apiClient, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: flock-admin watch <task-id>")
	}
	taskID := args[0]

	req, err := http.NewRequest(http.MethodGet, client.baseURL+"/api/tasks/"+taskID+"/events", nil)
	if err != nil {
		return err
	}
	if client.token != "" {
		req.Header.Set("Authorization", "Bearer "+client.token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream failed with status %d", resp.StatusCode)
	}

	type update struct {
		Status  string `json:"status"`
		Partial string `json:"partial"`
		Result  string `json:"result"`
		Error   string `json:"error"`
	}

	dec := newSSEReader(resp.Body)
	for {
		data, err := dec.next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		var u update
		if json.Unmarshal(data, &u) != nil {
			continue
		}

		switch u.Status {
		case "completed":
			color.Green("✓ completed")
			if u.Result != "" {
				fmt.Println(u.Result)
			}
			return nil
		case "error":
			color.Red("✗ error: %s", u.Error)
			return nil
		case "stopped":
			color.Yellow("■ stopped")
			return nil
		default:
			if u.Partial != "" {
				fmt.Println(u.Partial)
			} else {
				fmt.Printf("status: %s\n", colorStatus(u.Status))
			}
		}
	}
}

// sseReader extracts data payloads from a text/event-stream body.
type sseReader struct {
	body io.Reader
	buf  []byte
}

func newSSEReader(body io.Reader) *sseReader {
	return &sseReader{body: body}
}

func (r *sseReader) next() ([]byte, error) {
	chunk := make([]byte, 4096)
	for {
		if i := bytes.Index(r.buf, []byte("\n\n")); i >= 0 {
			event := r.buf[:i]
			r.buf = r.buf[i+2:]
			for _, line := range bytes.Split(event, []byte("\n")) {
				if data, ok := bytes.CutPrefix(line, []byte("data: ")); ok {
					return data, nil
				}
			}
			continue
		}

		n, err := r.body.Read(chunk)
		if n > 0 {
			r.buf = append(r.buf, chunk[:n]...)
		}
		if err != nil {
			return nil, err
		}
	}
}
