package controlplane

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Admin-rendered pages the proxy embeds verbatim. The proxy copies both
// status and body, so the status lives here.

const spawnExpectedTotal = 120 // seconds shown to the browser, UI hint only

func pageHTML(title, message string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><title>%s</title></head>
<body>
<h1>%s</h1>
<p>%s</p>
</body>
</html>
`, title, title, message)
}

func errorPage(status int, title, message string) gin.HandlerFunc {
	body := pageHTML(title, message)
	return func(c *gin.Context) {
		if msg := c.Query("message"); msg != "" {
			c.Data(status, "text/html; charset=utf-8", []byte(pageHTML(title, msg)))
			return
		}
		c.Data(status, "text/html; charset=utf-8", []byte(body))
	}
}

// spawningPage renders the "your application is starting" page with a
// countdown. 202 tells the proxy's caller the request was accepted but
// the application is not there yet.
func spawningPage(c *gin.Context) {
	since, _ := strconv.Atoi(c.Query("since"))
	remaining := spawnExpectedTotal - since
	if remaining < 0 {
		remaining = 0
	}

	body := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
<title>Starting your application</title>
<meta http-equiv="refresh" content="2">
</head>
<body>
<h1>Your application is starting</h1>
<p>Expected to be ready in about %d seconds. This page refreshes automatically.</p>
</body>
</html>
`, remaining)
	c.Data(http.StatusAccepted, "text/html; charset=utf-8", []byte(body))
}
