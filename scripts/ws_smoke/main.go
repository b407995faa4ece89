package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/Enclicainteractive/voltage-server/internal/proto"
)

func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "ws://localhost:8080/ws", "WebSocket address")
	token := flag.String("token", "", "user JWT passed as ?token=")
	server := flag.String("server", "", "server id to join (optional)")
	channel := flag.String("channel", "general", "channel id to join")
	text := flag.String("text", "hello from smoke test", "message text to send")
	timeout := flag.Duration("timeout", 5*time.Second, "total timeout for the run")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	url := *addr
	if *token != "" {
		url += "?token=" + *token
	}
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	send := func(eventType string, payload any) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", eventType, err)
		}
		if err := wsjson.Write(ctx, conn, proto.Inbound{Type: eventType, Data: data}); err != nil {
			return fmt.Errorf("send %s: %w", eventType, err)
		}
		return nil
	}

	if *server != "" {
		if err := send(proto.InServerJoin, map[string]string{"serverId": *server}); err != nil {
			return err
		}
	}
	if err := send(proto.InChannelJoin, map[string]string{"channelId": *channel}); err != nil {
		return err
	}
	if err := send(proto.InMessageSend, map[string]string{"channelId": *channel, "content": *text}); err != nil {
		return err
	}

	for {
		var outbound proto.Outbound
		if err := wsjson.Read(ctx, conn, &outbound); err != nil {
			return fmt.Errorf("read: %w", err)
		}

		fmt.Printf("Received outbound: type=%s\n", outbound.Type)
		if outbound.Error != nil {
			return fmt.Errorf("server error: %s %s", outbound.Error.Code, outbound.Error.Msg)
		}

		raw, err := json.Marshal(outbound.Data)
		if err != nil {
			return fmt.Errorf("marshal outbound data: %w", err)
		}

		switch outbound.Type {
		case proto.OutConnected:
			fmt.Printf("Connected: %s\n", string(raw))
		case proto.OutMessageNew:
			var msg struct {
				ChannelID string `json:"channelId"`
				AuthorID  string `json:"authorId"`
				Content   string `json:"content"`
				CreatedAt int64  `json:"createdAt"`
			}
			if unmarshalErr := json.Unmarshal(raw, &msg); unmarshalErr != nil {
				fmt.Printf("Raw data: %s\n", string(raw))
				return fmt.Errorf("unmarshal message: %w", unmarshalErr)
			}
			fmt.Printf("Message: channel=%s author=%s content=%q ts=%d\n", msg.ChannelID, msg.AuthorID, msg.Content, msg.CreatedAt)
			return nil
		default:
			// keep looping for message:new
		}
	}
}
