package app

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/chat-sync/internal/chatcache"
	"github.com/nulpointcorp/chat-sync/internal/stats"
)

// adminRouter builds the internal HTTP surface: health and metrics for
// operators, stats for reporting, and the mutation ingress other backend
// services call when chat state changes. Nothing here is client-facing;
// the deployment keeps this port off the public edge.
func (a *App) adminRouter() *router.Router {
	r := router.New()

	r.GET("/healthz", a.handleHealthz)
	r.GET("/metrics", a.prom.Handler())

	r.GET("/stats/daily", a.handleDailyStats)
	r.GET("/stats/global", a.handleGlobalStats)

	r.POST("/internal/chats", a.handlePutChat)
	r.DELETE("/internal/chats/{chat_id}", a.handleDeleteChat)
	r.POST("/internal/users/{user_id}/chats/{chat_id}/touch", a.handleTouchChat)
	r.GET("/internal/users/{user_id}/chats/active", a.handleActiveChats)
	r.POST("/internal/users/{user_id}/inspirations/{item_id}", a.handleEnqueueInspiration)

	return r
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Cache         string `json:"cache"`
	WSConnections int    `json:"ws_connections"`
}

func (a *App) handleHealthz(ctx *fasthttp.RequestCtx) {
	cacheState := a.cacheStatus.get()

	// A down mirror degrades sync; it does not take the service down.
	status := "ok"
	if cacheState != "ok" {
		status = "degraded"
	}

	writeJSON(ctx, fasthttp.StatusOK, healthResponse{
		Status:        status,
		Version:       a.version,
		UptimeSeconds: int64(time.Since(a.startTime).Seconds()),
		Cache:         cacheState,
		WSConnections: a.hub.Len(),
	})
}

func (a *App) handleDailyStats(ctx *fasthttp.RequestCtx) {
	day := time.Now().UTC()
	if raw := string(ctx.QueryArgs().Peek("date")); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, "invalid date, want YYYY-MM-DD")
			return
		}
		day = parsed
	}

	snapshot, ok := a.stats.DailySnapshot(ctx, day)
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"date":     day.Format("2006-01-02"),
		"counters": snapshot,
		"verified": ok,
	})
}

func (a *App) handleGlobalStats(ctx *fasthttp.RequestCtx) {
	out := make(map[string]any, 3)
	for _, c := range []stats.Counter{
		stats.CounterLiability,
		stats.CounterRegularUsers,
		stats.CounterSubscriptions,
	} {
		v, ok := a.stats.GetGlobal(ctx, c)
		out[string(c)] = map[string]any{"value": v, "verified": ok}
	}
	writeJSON(ctx, fasthttp.StatusOK, out)
}

// handlePutChat is the metadata write ingress: the message-processing
// service posts the full record after every chat mutation.
func (a *App) handlePutChat(ctx *fasthttp.RequestCtx) {
	var m chatcache.Metadata
	if err := json.Unmarshal(ctx.PostBody(), &m); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid metadata body")
		return
	}
	if m.ID == "" || m.HashedUserID == "" {
		writeError(ctx, fasthttp.StatusBadRequest, "id and hashed_user_id are required")
		return
	}

	cached := a.chats.SetMetadata(ctx, &m)
	writeJSON(ctx, fasthttp.StatusOK, map[string]bool{"cached": cached})
}

func (a *App) handleDeleteChat(ctx *fasthttp.RequestCtx) {
	chatID, _ := ctx.UserValue("chat_id").(string)
	hashedUserID := string(ctx.QueryArgs().Peek("hashed_user_id"))

	tombstoned := a.chats.MarkDeleted(ctx, chatID, hashedUserID)
	writeJSON(ctx, fasthttp.StatusOK, map[string]bool{"tombstoned": tombstoned})
}

func (a *App) handleTouchChat(ctx *fasthttp.RequestCtx) {
	userID, _ := ctx.UserValue("user_id").(string)
	chatID, _ := ctx.UserValue("chat_id").(string)

	touched := a.chats.TouchLRU(ctx, userID, chatID)
	writeJSON(ctx, fasthttp.StatusOK, map[string]bool{"touched": touched})
}

func (a *App) handleActiveChats(ctx *fasthttp.RequestCtx) {
	userID, _ := ctx.UserValue("user_id").(string)

	ids := a.chats.ActiveChats(ctx, userID)
	if ids == nil {
		ids = []string{}
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string][]string{"chat_ids": ids})
}

// handleEnqueueInspiration is the producer ingress: the generation scheduler
// registers freshly produced content for delivery on the user's next
// connection.
func (a *App) handleEnqueueInspiration(ctx *fasthttp.RequestCtx) {
	userID, _ := ctx.UserValue("user_id").(string)
	itemID, _ := ctx.UserValue("item_id").(string)

	queued := a.tracker.Enqueue(ctx, userID, itemID)
	if queued {
		a.prom.DeliveryEvent("enqueued")
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]bool{"queued": queued})
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("admin response marshal failed", slog.String("error", err.Error()))
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func writeError(ctx *fasthttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"error": msg})
}
