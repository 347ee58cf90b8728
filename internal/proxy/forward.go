package proxy

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"workspace/internal/monitor"
	"workspace/internal/sso"
)

// Hop-by-hop headers are a property of one connection and never cross the
// proxy. Transfer-Encoding goes too: the Go transport re-frames bodies.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// filterHeaders copies src minus hop-by-hop headers and anything a client
// could use to spoof identity.
func filterHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for k, vv := range src {
		dst[k] = append([]string(nil), vv...)
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
	// Per-connection named hop headers.
	for _, conn := range src.Values("Connection") {
		for _, name := range strings.Split(conn, ",") {
			dst.Del(strings.TrimSpace(name))
		}
	}
	return dst
}

// upstreamHeaders builds the header set forwarded to an application or
// the admin upstream: filtered client headers, the server-derived
// identity, and x-scheme when the edge terminated TLS. The proxy's own
// session cookie never leaves; other cookies pass through opaquely.
func (s *Server) upstreamHeaders(r *http.Request) http.Header {
	h := filterHeaders(r.Header)
	stripCookie(h, s.cfg.SessionCookieName, r)

	if profile := sso.ProfileFromContext(r.Context()); profile != nil {
		h.Set(sso.HeaderEmail, profile.Email)
		h.Set(sso.HeaderUserID, profile.UserID)
		h.Set(sso.HeaderFirstName, profile.FirstName)
		h.Set(sso.HeaderLastName, profile.LastName)
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		h.Set("x-scheme", proto)
	}
	return h
}

func stripCookie(h http.Header, name string, r *http.Request) {
	cookies := r.Cookies()
	h.Del("Cookie")
	var kept []string
	for _, c := range cookies {
		if c.Name == name {
			continue
		}
		kept = append(kept, c.Name+"="+c.Value)
	}
	if len(kept) > 0 {
		h.Set("Cookie", strings.Join(kept, "; "))
	}
}

// forward streams the request upstream and the response back, chunk by
// chunk, without buffering bodies. Returns the upstream status, or an
// error when no response arrived at all. Anything already written to w
// cannot be unwritten, so callers only render error pages on err != nil.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, upstreamURL string, headers http.Header, client *http.Client, route RouteClass) (int, error) {
	body := r.Body
	if buffered, ok := bufferedBodyFromContext(r.Context()); ok {
		body = buffered
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, body)
	if err != nil {
		return 0, err
	}
	req.Header = headers
	req.Host = r.Host
	if r.ContentLength >= 0 {
		req.ContentLength = r.ContentLength
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	monitor.UpstreamLatency.Observe(time.Since(start).Seconds())

	respHeader := filterHeaders(resp.Header)
	for k, vv := range respHeader {
		w.Header()[k] = vv
	}
	w.WriteHeader(resp.StatusCode)
	streamBody(w, resp.Body)

	monitor.ProxiedRequests.WithLabelValues(route.String(), strconv.Itoa(resp.StatusCode)).Inc()
	return resp.StatusCode, nil
}

// streamBody copies with a flush per chunk so long-polling and SSE
// responses reach the browser as they are produced.
func streamBody(w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}
