package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/moebius/tradewatch/internal/domain"
)

// ChanSource 直接包装一个 channel
type ChanSource struct {
	C <-chan Message
}

func (s ChanSource) Messages(context.Context) <-chan Message {
	return s.C
}

const (
	minBackoff  = time.Second
	maxBackoff  = 30 * time.Second
	readTimeout = 30 * time.Second
)

// WebSocketSource 从行情推送读取成交，每个文本帧一条 JSON TradeEvent，断线自动重连
type WebSocketSource struct {
	URL              string
	HandshakeTimeout time.Duration
	Header           http.Header
}

func (s *WebSocketSource) Messages(ctx context.Context) <-chan Message {
	out := make(chan Message)
	go s.run(ctx, out)
	return out
}

func (s *WebSocketSource) dial(ctx context.Context) (*websocket.Conn, error) {
	timeout := s.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	conn, _, err := dialer.DialContext(ctx, s.URL, s.Header)
	return conn, err
}

func (s *WebSocketSource) run(ctx context.Context, out chan<- Message) {
	defer close(out)

	backoff := minBackoff
	for {
		conn, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			pipeLog.Warnf("[WebSocket] 连接失败: %v, %v 后重试", err, backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		pipeLog.Infof("[WebSocket] 已连接 %s", s.URL)
		backoff = minBackoff

		err = s.read(ctx, conn, out)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		pipeLog.Warnf("[WebSocket] 连接断开: %v", err)
		if !sleep(ctx, backoff) {
			return
		}
	}
}

func (s *WebSocketSource) read(ctx context.Context, conn *websocket.Conn, out chan<- Message) error {
	// ctx 取消时关闭连接以打断阻塞的读
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if typ != websocket.TextMessage {
			continue
		}
		var trade domain.TradeEvent
		if err := json.Unmarshal(data, &trade); err != nil {
			pipeLog.Warnf("[WebSocket] 无法解析的消息: %v", err)
			continue
		}
		select {
		case out <- Message{Trade: trade}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
