// the status snapshot route
package routes

import (
	"math"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/kfcemployee/webserv/server/engine"
	"github.com/kfcemployee/webserv/server/protocol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// statusSnapshot is the stable JSON shape of /status.json.
type statusSnapshot struct {
	UptimeSeconds  int64   `json:"uptime_seconds"`
	OnlineUsers    int     `json:"online_users"`
	OnlineConns    int     `json:"online_connections"`
	UniqueVisitors int     `json:"total_unique_visitors"`
	TotalRequests  int64   `json:"total_requests"`
	AvgQPS         float64 `json:"avg_qps"`
	ServerTime     string  `json:"server_time"`
}

func (rt *Router) statusJSON() engine.Response {
	now := time.Now()
	uptime := int64(rt.reg.Uptime().Seconds())
	total := rt.reg.TotalRequests()

	qps := float64(total)
	if uptime > 0 {
		qps = float64(total) / float64(uptime)
	}

	conns := 0
	if rt.reg.ConnCount != nil {
		conns = rt.reg.ConnCount()
	}

	snap := statusSnapshot{
		UptimeSeconds:  uptime,
		OnlineUsers:    rt.reg.OnlineUsers(),
		OnlineConns:    conns,
		UniqueVisitors: rt.reg.UniqueVisitors(),
		TotalRequests:  total,
		AvgQPS:         math.Round(qps*100) / 100,
		ServerTime:     now.Format("2006-01-02 15:04:05"),
	}

	body, err := json.Marshal(&snap)
	if err != nil {
		return engine.Response{Code: protocol.InternalError}
	}
	return dynamic(200, "application/json; charset=utf-8", string(body),
		"Cache-Control: no-store, no-cache, must-revalidate\r\nPragma: no-cache\r\n")
}
