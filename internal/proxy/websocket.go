package proxy

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"workspace/internal/monitor"

	"github.com/coder/websocket"
)

// How often a busy tunnel refreshes the idle clock. One write per window
// is enough for the reaper; frames inside the window cost nothing.
const activityRefreshInterval = 30 * time.Second

func isWebsocketUpgrade(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, conn := range r.Header.Values("Connection") {
		for _, token := range strings.Split(conn, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

// tunnelWebsocket terminates the client's websocket and opens a second one
// to the application, relaying frames both ways until either side closes.
// Long-lived tunnels keep refreshing the host's activity signal so a
// session that only speaks websocket is never judged idle.
func (s *Server) tunnelWebsocket(w http.ResponseWriter, r *http.Request, proxyURL, publicHost string) {
	upstreamURL := wsScheme(proxyURL) + r.URL.RequestURI()

	headers := s.upstreamHeaders(r)
	// The dialer negotiates its own handshake headers.
	for name := range headers {
		if strings.HasPrefix(strings.ToLower(name), "sec-websocket-") {
			headers.Del(name)
		}
	}

	upstream, _, err := websocket.Dial(r.Context(), upstreamURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		s.logger.Error("Websocket dial failed", "url", upstreamURL, "error", err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}

	client, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origin was already vetted by SSO and the allowlist.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Error("Websocket accept failed", "error", err)
		upstream.Close(websocket.StatusInternalError, "client handshake failed")
		return
	}

	// The applications own their message sizes.
	upstream.SetReadLimit(-1)
	client.SetReadLimit(-1)

	monitor.WebsocketTunnels.Inc()
	defer monitor.WebsocketTunnels.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var lastTouch atomic.Int64
	touch := func() {
		now := time.Now().Unix()
		last := lastTouch.Load()
		if now-last < int64(activityRefreshInterval/time.Second) {
			return
		}
		if lastTouch.CompareAndSwap(last, now) {
			s.recordActivity(ctx, publicHost)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go relay(ctx, cancel, &wg, client, upstream, touch)
	go relay(ctx, cancel, &wg, upstream, client, touch)
	wg.Wait()

	client.Close(websocket.StatusNormalClosure, "")
	upstream.Close(websocket.StatusNormalClosure, "")
}

// relay pumps frames one direction, propagating the peer's close status.
// The shared cancel tears down the opposite direction too. Every relayed
// frame counts as usage.
func relay(ctx context.Context, cancel context.CancelFunc, wg *sync.WaitGroup, dst, src *websocket.Conn, touch func()) {
	defer wg.Done()
	defer cancel()

	for {
		typ, data, err := src.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				dst.Close(status, "")
			}
			return
		}
		touch()
		if err := dst.Write(ctx, typ, data); err != nil {
			return
		}
	}
}

func wsScheme(proxyURL string) string {
	if after, ok := strings.CutPrefix(proxyURL, "https://"); ok {
		return "wss://" + after
	}
	if after, ok := strings.CutPrefix(proxyURL, "http://"); ok {
		return "ws://" + after
	}
	return proxyURL
}
