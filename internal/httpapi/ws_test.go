package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialSessionWS(t *testing.T, ts *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions/ws?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWSMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read ws message: %v", err)
	}
	return msg
}

func TestSessionWSStreamsAskToDone(t *testing.T) {
	ans := &stubAnswerer{text: "the design doc covers leader election and log replication in detail."}
	_, ts := newTestServer(t, "wsstream", ans)
	sessionID := createSession(t, ts, []string{"doc-a"})

	conn := dialSessionWS(t, ts, sessionID)
	if err := conn.WriteJSON(map[string]string{"type": "ask", "session_id": sessionID, "query": "what does the doc cover?"}); err != nil {
		t.Fatalf("write ask: %v", err)
	}

	var assembled strings.Builder
	var queryID string
	for {
		msg := readWSMessage(t, conn)
		switch msg["type"] {
		case "answer_delta":
			assembled.WriteString(msg["text_delta"].(string))
			if queryID == "" {
				queryID, _ = msg["query_id"].(string)
			} else if msg["query_id"] != queryID {
				t.Fatalf("query_id changed mid-stream: %v vs %v", msg["query_id"], queryID)
			}
		case "answer_done":
			if msg["answer"] != ans.text {
				t.Fatalf("answer = %v, want %q", msg["answer"], ans.text)
			}
			if assembled.String() != ans.text {
				t.Fatalf("assembled deltas = %q, want %q", assembled.String(), ans.text)
			}
			if cached, _ := msg["cached"].(bool); cached {
				t.Fatalf("cached = true, want false")
			}
			if queryID != "" && msg["query_id"] != queryID {
				t.Fatalf("done query_id = %v, want %v", msg["query_id"], queryID)
			}

			histRes, err := http.Get(ts.URL + "/v1/sessions/" + sessionID + "/history")
			if err != nil {
				t.Fatalf("history request error = %v", err)
			}
			defer histRes.Body.Close()
			var hist struct {
				Turns []struct {
					Role string `json:"role"`
				} `json:"turns"`
			}
			if err := json.NewDecoder(histRes.Body).Decode(&hist); err != nil {
				t.Fatalf("decode history: %v", err)
			}
			if len(hist.Turns) != 2 {
				t.Fatalf("len(turns) = %d after streamed ask, want 2", len(hist.Turns))
			}
			return
		default:
			t.Fatalf("unexpected message type %v: %+v", msg["type"], msg)
		}
	}
}

func TestSessionWSRejectsConcurrentAsk(t *testing.T) {
	ans := &stubAnswerer{text: "slow answer", block: make(chan struct{})}
	_, ts := newTestServer(t, "wsbusy", ans)
	sessionID := createSession(t, ts, []string{"doc-a"})

	conn := dialSessionWS(t, ts, sessionID)
	if err := conn.WriteJSON(map[string]string{"type": "ask", "session_id": sessionID, "query": "first"}); err != nil {
		t.Fatalf("write first ask: %v", err)
	}
	waitForCalls(t, ans, 1)

	if err := conn.WriteJSON(map[string]string{"type": "ask", "session_id": sessionID, "query": "second"}); err != nil {
		t.Fatalf("write second ask: %v", err)
	}

	msg := readWSMessage(t, conn)
	if msg["type"] != "error_event" || msg["code"] != "ask_in_flight" {
		t.Fatalf("message = %+v, want ask_in_flight error event", msg)
	}
	if retryable, _ := msg["retryable"].(bool); !retryable {
		t.Fatalf("retryable = false, want true")
	}

	close(ans.block)
	for {
		msg := readWSMessage(t, conn)
		if msg["type"] == "answer_done" {
			if msg["answer"] != "slow answer" {
				t.Fatalf("answer = %v, want the first ask's answer", msg["answer"])
			}
			return
		}
		if msg["type"] != "answer_delta" {
			t.Fatalf("unexpected message type %v: %+v", msg["type"], msg)
		}
	}
}

func TestSessionWSCancelAbortsAsk(t *testing.T) {
	ans := &stubAnswerer{text: "never delivered", block: make(chan struct{})}
	_, ts := newTestServer(t, "wscancel", ans)
	sessionID := createSession(t, ts, []string{"doc-a"})

	conn := dialSessionWS(t, ts, sessionID)
	if err := conn.WriteJSON(map[string]string{"type": "ask", "session_id": sessionID, "query": "first"}); err != nil {
		t.Fatalf("write ask: %v", err)
	}
	waitForCalls(t, ans, 1)

	if err := conn.WriteJSON(map[string]string{"type": "cancel", "session_id": sessionID}); err != nil {
		t.Fatalf("write cancel: %v", err)
	}

	msg := readWSMessage(t, conn)
	if msg["type"] != "error_event" || msg["code"] != "cancelled" {
		t.Fatalf("message = %+v, want cancelled error event", msg)
	}
}

func TestSessionWSRejectsMismatchedAsk(t *testing.T) {
	ans := &stubAnswerer{text: "ok"}
	_, ts := newTestServer(t, "wsmismatch", ans)
	sessionID := createSession(t, ts, []string{"doc-a"})

	conn := dialSessionWS(t, ts, sessionID)
	if err := conn.WriteJSON(map[string]string{"type": "ask", "session_id": "someone-else", "query": "hello"}); err != nil {
		t.Fatalf("write ask: %v", err)
	}

	msg := readWSMessage(t, conn)
	if msg["type"] != "error_event" || msg["code"] != "session_mismatch" {
		t.Fatalf("message = %+v, want session_mismatch error event", msg)
	}
	if ans.callCount() != 0 {
		t.Fatalf("answerer calls = %d, want 0", ans.callCount())
	}
}

func TestSessionWSUnknownSession(t *testing.T) {
	_, ts := newTestServer(t, "wsnotfound", &stubAnswerer{text: "ok"})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions/ws?session_id=ghost"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		conn.Close()
		t.Fatalf("dial succeeded, want handshake rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("handshake response = %+v, want 404", resp)
	}
}

func waitForCalls(t *testing.T, ans *stubAnswerer, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ans.callCount() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("answerer calls = %d, want at least %d", ans.callCount(), want)
}
