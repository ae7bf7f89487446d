// Package consumer subscribes to a state store's change-notification stream
// and feeds the received record markers into a policy list's change
// coalescer. The stream is a scheduling signal only: actual record content
// is always re-fetched by the reconciliation pass.
package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/vigil-social/vigil/policylist"
)

var streamCursorKey = "warden/seq"

// One frame on the notification stream.
type StreamEvent struct {
	Seq         int64  `json:"seq"`
	ContainerID string `json:"containerId"`
	RecordID    string `json:"recordId"`
}

type StreamConsumer struct {
	Logger      *slog.Logger
	RedisClient *redis.Client
	// Host is the stream endpoint, 'ws://' or 'wss://'.
	Host        string
	ContainerID string
	Coalescer   *policylist.Coalescer

	// lastSeq is the most recent event sequence number received. It is
	// periodically persisted to redis, if redis is present. Use atomics when
	// reading or updating it.
	lastSeq int64
}

// Run subscribes and pumps stream events into the coalescer until the
// connection drops or ctx is cancelled.
func (sc *StreamConsumer) Run(ctx context.Context) error {
	if sc.Coalescer == nil {
		return fmt.Errorf("nil coalescer")
	}

	cur, err := sc.ReadLastCursor(ctx)
	if err != nil {
		return err
	}

	u, err := url.Parse(sc.Host)
	if err != nil {
		return fmt.Errorf("invalid stream host URI: %w", err)
	}
	u.Path = fmt.Sprintf("/v1/container/%s/subscribe", url.PathEscape(sc.ContainerID))
	if cur != 0 {
		u.RawQuery = fmt.Sprintf("cursor=%d", cur)
	}
	sc.Logger.Info("subscribing to container notification stream", "upstream", sc.Host, "container", sc.ContainerID, "cursor", cur)
	con, _, err := websocket.DefaultDialer.Dial(u.String(), http.Header{
		"User-Agent": []string{fmt.Sprintf("warden/%s", versioninfo.Short())},
	})
	if err != nil {
		return fmt.Errorf("subscribing to notification stream failed (dialing): %w", err)
	}

	go func() {
		<-ctx.Done()
		con.Close()
	}()
	go func() {
		if err := sc.RunPersistCursor(ctx); err != nil {
			sc.Logger.Error("cursor persistence loop failed", "err", err)
		}
	}()

	for {
		var evt StreamEvent
		if err := con.ReadJSON(&evt); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading notification stream: %w", err)
		}
		atomic.StoreInt64(&sc.lastSeq, evt.Seq)
		streamEventCount.Inc()
		sc.Coalescer.Notify(evt.RecordID)
	}
}

func (sc *StreamConsumer) ReadLastCursor(ctx context.Context) (int64, error) {
	// if redis isn't configured, just skip
	if sc.RedisClient == nil {
		sc.Logger.Info("redis not configured, skipping cursor read")
		return 0, nil
	}

	val, err := sc.RedisClient.Get(ctx, sc.cursorKey()).Int64()
	if err == redis.Nil {
		sc.Logger.Info("no pre-existing cursor in redis")
		return 0, nil
	}
	return val, err
}

func (sc *StreamConsumer) PersistCursor(ctx context.Context) error {
	// if redis isn't configured, just skip
	if sc.RedisClient == nil {
		return nil
	}
	lastSeq := atomic.LoadInt64(&sc.lastSeq)
	if lastSeq <= 0 {
		return nil
	}
	return sc.RedisClient.Set(ctx, sc.cursorKey(), lastSeq, 14*24*time.Hour).Err()
}

// this method runs in a loop, persisting the current cursor state every 5 seconds
func (sc *StreamConsumer) RunPersistCursor(ctx context.Context) error {
	if sc.RedisClient == nil {
		return nil
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			lastSeq := atomic.LoadInt64(&sc.lastSeq)
			if lastSeq >= 1 {
				sc.Logger.Info("persisting final cursor seq value", "seq", lastSeq)
				if err := sc.PersistCursor(context.Background()); err != nil {
					sc.Logger.Error("failed to persist cursor", "err", err, "seq", lastSeq)
				}
			}
			return nil
		case <-ticker.C:
			if err := sc.PersistCursor(ctx); err != nil {
				sc.Logger.Error("failed to persist cursor", "err", err)
			}
		}
	}
}

func (sc *StreamConsumer) cursorKey() string {
	return streamCursorKey + "/" + sc.ContainerID
}
