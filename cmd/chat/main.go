package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/schellrw/IFS-assistant/internal/conversation"
)

var client = &http.Client{Timeout: 90 * time.Second}

func main() {
	server := flag.String("server", "http://localhost:8080", "IFS assistant server URL")
	partID := flag.String("part", "", "Part to talk with")
	convID := flag.String("conversation", "", "Resume an existing conversation")
	systemID := flag.String("system", "", "System id used for searches")
	flag.Parse()

	if *partID == "" && *convID == "" {
		printError("Either -part or -conversation is required")
		os.Exit(2)
	}

	fmt.Println("IFS Assistant CLI Chat")
	fmt.Printf("Server: %s\n", *server)
	fmt.Println("Type 'exit' or 'quit' to leave.")
	fmt.Println("Commands: /history, /retry, /new, /search <text>, /semantic <text>")
	fmt.Println("---")

	id := *convID
	if id == "" {
		id = newConversation(*server, *partID)
		if id == "" {
			os.Exit(1)
		}
	} else {
		showHistory(*server, id)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		switch {
		case input == "exit" || input == "quit":
			fmt.Println("Bye!")
			return
		case input == "/history":
			showHistory(*server, id)
		case input == "/retry":
			var turn conversation.TurnResult
			if call(http.MethodPost, *server+"/api/conversations/"+id+"/respond", nil, &turn) {
				printTurn(turn)
			}
		case input == "/new":
			if *partID == "" {
				printError("/new needs -part")
				continue
			}
			if next := newConversation(*server, *partID); next != "" {
				id = next
			}
		case strings.HasPrefix(input, "/search "):
			search(*server, *systemID, conversation.SearchText, strings.TrimPrefix(input, "/search "))
		case strings.HasPrefix(input, "/semantic "):
			search(*server, *systemID, conversation.SearchSemantic, strings.TrimPrefix(input, "/semantic "))
		default:
			var turn conversation.TurnResult
			if call(http.MethodPost, *server+"/api/conversations/"+id+"/messages", map[string]string{"content": input}, &turn) {
				printTurn(turn)
			}
		}
	}
}

func newConversation(server, partID string) string {
	var out struct {
		Conversation conversation.Conversation `json:"conversation"`
	}
	if !call(http.MethodPost, server+"/api/parts/"+partID+"/conversations", map[string]string{}, &out) {
		return ""
	}
	fmt.Printf("Started %q (%s)\n", out.Conversation.Title, out.Conversation.ID)
	return out.Conversation.ID
}

func showHistory(server, id string) {
	var detail conversation.Detail
	if !call(http.MethodGet, server+"/api/conversations/"+id, nil, &detail) {
		return
	}
	name := "Part"
	if detail.Part != nil {
		name = detail.Part.Name
	}
	fmt.Printf("%s\n", detail.Conversation.Title)
	for _, m := range detail.Messages {
		switch {
		case m.Role == conversation.RoleUser:
			fmt.Printf("  you: %s\n", m.Content)
		case m.GenerationFailed:
			fmt.Printf("  \033[33m%s (no reply): %s\033[0m\n", name, m.Content)
		default:
			fmt.Printf("  \033[36m%s:\033[0m %s\n", name, m.Content)
		}
	}
}

func search(server, systemID, mode, query string) {
	if systemID == "" {
		printError("Searching needs -system")
		return
	}
	q := url.Values{"query": {query}, "system_id": {systemID}, "search_type": {mode}}
	var out struct {
		Results []conversation.SearchResult `json:"results"`
	}
	if !call(http.MethodGet, server+"/api/conversations/search?"+q.Encode(), nil, &out) {
		return
	}
	if len(out.Results) == 0 {
		fmt.Println("No matches.")
		return
	}
	for _, r := range out.Results {
		title := ""
		if r.Conversation != nil {
			title = r.Conversation.Title
		}
		fmt.Printf("  %.2f  [%s] %s\n", r.SimilarityScore, title, r.Message.Content)
	}
}

func printTurn(turn conversation.TurnResult) {
	switch {
	case turn.Response != nil:
		fmt.Printf("\033[36m[part]\033[0m %s\n", turn.Response.Content)
	case turn.Partial != nil:
		fmt.Printf("\033[33m%s\033[0m (use /retry)\n", turn.Partial.Fallback)
	case turn.Skipped:
		fmt.Println("(saved; replies are disabled on the server)")
	}
}

// call sends body as JSON and decodes the reply into out. Errors are printed.
func call(method, u string, body, out any) bool {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, u, reader)
	if err != nil {
		printError("Bad request: %v", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		printError("Request failed: %v", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
		return false
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		printError("Failed to parse response: %v", err)
		return false
	}
	return true
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
