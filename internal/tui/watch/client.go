package watch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/leangate/internal/events"
	"github.com/mattjoyce/leangate/internal/pool"
)

// --- Message types ---

type eventMsg events.Event

type snapshotMsg pool.Snapshot

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

const pollInterval = 2 * time.Second

// --- Commands ---

func authorize(req *http.Request, apiKey string) {
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

// subscribeToEvents connects to the SSE /api/events endpoint and feeds events
// into the provided channel. Returns sseDisconnectedMsg when the connection drops.
func subscribeToEvents(apiURL, apiKey string, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodGet, apiURL+"/api/events", nil)
		if err != nil {
			return errMsg(err)
		}
		authorize(req, apiKey)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg(fmt.Errorf("events: %s", resp.Status))
		}

		for ev := range readSSE(bufio.NewScanner(resp.Body)) {
			ch <- ev
		}
		return sseDisconnectedMsg{}
	}
}

// readSSE parses blank-line separated SSE frames until the stream ends.
func readSSE(scanner *bufio.Scanner) <-chan events.Event {
	out := make(chan events.Event)
	go func() {
		defer close(out)
		var current events.Event
		var data string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if data != "" {
					current.At = time.Now()
					current.Data = json.RawMessage(data)
					out <- current
				}
				current, data = events.Event{}, ""
			case strings.HasPrefix(line, "id: "):
				if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
					current.ID = id
				}
			case strings.HasPrefix(line, "event: "):
				current.Type = line[7:]
			case strings.HasPrefix(line, "data: "):
				data = line[6:]
			}
		}
	}()
	return out
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// fetchSnapshot queries the /api/pool endpoint.
func fetchSnapshot(apiURL, apiKey string) tea.Msg {
	client := &http.Client{Timeout: 2 * time.Second}
	req, err := http.NewRequest(http.MethodGet, apiURL+"/api/pool", nil)
	if err != nil {
		return errMsg(err)
	}
	authorize(req, apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errMsg(fmt.Errorf("pool: %s", resp.Status))
	}

	var snap pool.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return errMsg(err)
	}
	return snapshotMsg(snap)
}
