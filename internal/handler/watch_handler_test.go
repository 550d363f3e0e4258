package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/jeementor/internal/guard"
	"github.com/hitoshi/jeementor/internal/middleware"
	"github.com/hitoshi/jeementor/internal/session"
)

func newWatchServer(t *testing.T, table *sessionTable) (*httptest.Server, *session.Store) {
	t.Helper()
	store := session.NewStore(table)
	t.Cleanup(store.Close)
	g := guard.NewGuard(store, adminSet{"admin@x.com": true}, guard.Config{Timeout: time.Second}, nil)

	srv := httptest.NewServer(http.HandlerFunc(NewWatchHandler(g).Watch))
	t.Cleanup(srv.Close)
	return srv, store
}

// decisionStream はSSEのdecisionイベントを順に読み出す。
type decisionStream struct {
	t       *testing.T
	scanner *bufio.Scanner
	events  chan guard.Decision
}

func openDecisionStream(t *testing.T, srv *httptest.Server, query, token string) (*decisionStream, *http.Response) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/session/watch"+query, nil)
	if token != "" {
		req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: token})
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	s := &decisionStream{t: t, scanner: bufio.NewScanner(resp.Body), events: make(chan guard.Decision, 16)}
	go func() {
		defer close(s.events)
		for s.scanner.Scan() {
			line := s.scanner.Text()
			data, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				continue
			}
			var d guard.Decision
			if err := json.Unmarshal([]byte(data), &d); err == nil {
				s.events <- d
			}
		}
	}()
	return s, resp
}

// until は指定状態のイベントが届くまで読み進める。
func (s *decisionStream) until(state guard.State) guard.Decision {
	s.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case d, ok := <-s.events:
			if !ok {
				s.t.Fatalf("stream closed before %q", state)
			}
			if d.State == state {
				return d
			}
		case <-deadline:
			s.t.Fatalf("timed out waiting for %q", state)
		}
	}
}

func (s *decisionStream) expectClosed() {
	s.t.Helper()
	select {
	case _, ok := <-s.events:
		if ok {
			s.expectClosed()
		}
	case <-time.After(3 * time.Second):
		s.t.Fatal("stream should end after redirecting")
	}
}

func TestWatchHandler_SignOutElsewhere_StreamsRedirect(t *testing.T) {
	table := newSessionTable(testSession("tok", "a@x.com"))
	srv, store := newWatchServer(t, table)

	stream, resp := openDecisionStream(t, srv, "?page=/dashboard", "tok")
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	stream.until(guard.StateAuthorized)

	table.delete("tok")
	store.Publish(context.Background(), session.Event{Type: session.EventSignedOut, Token: "tok"})

	d := stream.until(guard.StateRedirecting)
	if d.RedirectTo != "/login?redirect=%2Fdashboard" {
		t.Errorf("redirect_to = %q", d.RedirectTo)
	}
	stream.expectClosed()
}

func TestWatchHandler_NonAdminOnAdminPage(t *testing.T) {
	srv, _ := newWatchServer(t, newSessionTable(testSession("tok", "student@x.com")))

	stream, _ := openDecisionStream(t, srv, "?page=/admin", "tok")
	d := stream.until(guard.StateRedirecting)
	if d.Reason != guard.ReasonForbidden || d.RedirectTo != guard.HomePath {
		t.Errorf("decision = %+v", d)
	}
}

func TestWatchHandler_NoToken_Redirects(t *testing.T) {
	srv, _ := newWatchServer(t, newSessionTable())

	stream, _ := openDecisionStream(t, srv, "?page=/dashboard", "")
	d := stream.until(guard.StateRedirecting)
	if d.Reason != guard.ReasonUnauthenticated {
		t.Errorf("reason = %q", d.Reason)
	}
	stream.expectClosed()
}

func TestWatchHandler_RejectsUnprotectedPage(t *testing.T) {
	srv, _ := newWatchServer(t, newSessionTable())

	for _, page := range []string{"/login", "/", ""} {
		resp, err := srv.Client().Get(srv.URL + "/api/session/watch?page=" + page)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("page=%q: status = %d, want 400", page, resp.StatusCode)
		}
	}
}
