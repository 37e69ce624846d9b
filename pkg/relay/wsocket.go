package relay

import (
	"context"

	"github.com/coder/websocket"
)

// WSSocket adapts *websocket.Conn to the relay's Socket interface.
type WSSocket struct {
	conn *websocket.Conn
}

func NewWSSocket(conn *websocket.Conn) *WSSocket {
	return &WSSocket{conn: conn}
}

func (s *WSSocket) Read(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	return data, err
}

func (s *WSSocket) Write(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *WSSocket) Close(code websocket.StatusCode, reason string) error {
	return s.conn.Close(code, reason)
}
