package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/broker"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/database"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/logger"
)

type ChannelLister interface {
	Channels() []broker.Info
}

type ChannelDeleter interface {
	Delete(id string) (bool, error)
}

type EventReader interface {
	RecentEvents(ctx context.Context, name string, limit int64) ([]database.TelemetryEvent, error)
}

type channelView struct {
	ID              string `json:"id"`
	MaxSubscribers  int    `json:"max_subscribers"`
	RetentionCount  int    `json:"retention_count"`
	RpcTimeoutMs    int64  `json:"rpc_timeout_ms"`
	SubscriberCount int    `json:"subscriber_count"`
	RetainedCount   int    `json:"retained_count"`
	CreatedAt       int64  `json:"created_at"`
}

// ChannelsHandler lists the channel table.
func ChannelsHandler(channels ChannelLister) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		infos := channels.Channels()
		views := make([]channelView, 0, len(infos))
		for _, info := range infos {
			views = append(views, channelView{
				ID:              info.ID,
				MaxSubscribers:  info.Config.MaxSubscribers,
				RetentionCount:  info.Config.RetentionCount,
				RpcTimeoutMs:    info.Config.RpcTimeout.Milliseconds(),
				SubscriberCount: info.SubscriberCount,
				RetainedCount:   info.RetainedCount,
				CreatedAt:       info.CreatedAt.UnixMilli(),
			})
		}
		writeJSON(w, http.StatusOK, views)
	})
}

// DeleteChannelHandler deletes the channel named by the {id} path value.
// Subscribers are force-unsubscribed and notified with channel/deleted.
func DeleteChannelHandler(channels ChannelDeleter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if id == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "channel id is required"})
			return
		}
		deleted, err := channels.Delete(id)
		if !deleted {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "channel-not-found"})
			return
		}
		if err != nil {
			logger.WarnF("Channel %s deleted, some subscribers were not notified, details: %v", id, err)
		}
		logger.InfoF("Channel %s deleted from admin endpoint", id)
		writeJSON(w, http.StatusOK, map[string]any{"channel_id": id, "deleted": true})
	})
}

// EventsHandler returns the newest stored telemetry events, optionally
// filtered with ?event=name, at most ?limit=n (default 50).
func EventsHandler(reader EventReader, timeout time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := int64(50)
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || n <= 0 || n > 1000 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 1000"})
				return
			}
			limit = n
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		events, err := reader.RecentEvents(ctx, r.URL.Query().Get("event"), limit)
		if err != nil {
			logger.WarnF("Fail to query telemetry events, details: %v", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		if events == nil {
			events = []database.TelemetryEvent{}
		}
		writeJSON(w, http.StatusOK, events)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.DebugF("Fail to write admin response, details: %v", err)
	}
}
