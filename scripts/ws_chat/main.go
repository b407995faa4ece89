package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/Enclicainteractive/voltage-server/internal/proto"
)

func main() {
	if err := run(); err != nil {
		log.Printf("ws_chat: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "ws://localhost:8080/ws", "WebSocket address")
	token := flag.String("token", "", "user JWT passed as ?token=")
	channel := flag.String("channel", "general", "channel to join")
	flag.Parse()

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(baseCtx)
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

	joinPayload, err := json.Marshal(map[string]string{"channelId": *channel})
	if err != nil {
		return fmt.Errorf("marshal join: %w", err)
	}
	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: proto.InChannelJoin, Data: joinPayload}); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	fmt.Printf("Connected to %s in channel %s\n", *addr, *channel)
	fmt.Println("Type messages and press Enter to send. Ctrl+C to exit.")

	go func() {
		defer cancel()
		readLoop(ctx, conn)
	}()

	writeLoop(ctx, conn, *channel)

	stop()
	cancel()
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	return nil
}

func readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var outbound proto.Outbound
		if err := wsjson.Read(ctx, conn, &outbound); err != nil {
			// Treat expected shutdowns quietly.
			if errors.Is(err, context.Canceled) {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return
			}
			log.Printf("read error: %v", err)
			return
		}

		if outbound.Error != nil {
			fmt.Printf("error: %s %s\n", outbound.Error.Code, outbound.Error.Msg)
			continue
		}

		raw, err := json.Marshal(outbound.Data)
		if err != nil {
			log.Printf("marshal outbound data: %v", err)
			continue
		}

		switch outbound.Type {
		case proto.OutMessageNew:
			var msg struct {
				ChannelID string `json:"channelId"`
				AuthorID  string `json:"authorId"`
				Content   string `json:"content"`
			}
			if err := json.Unmarshal(raw, &msg); err != nil {
				log.Printf("unmarshal message: %v", err)
				continue
			}
			fmt.Printf("[%s] %s: %s\n", msg.ChannelID, msg.AuthorID, msg.Content)
		case proto.OutUserStatus:
			var status struct {
				UserID string `json:"userId"`
				Status string `json:"status"`
			}
			if err := json.Unmarshal(raw, &status); err != nil {
				log.Printf("unmarshal status: %v", err)
				continue
			}
			fmt.Printf("* %s is now %s\n", status.UserID, status.Status)
		case proto.OutUserTyping:
			// too noisy to print
		default:
			fmt.Printf("event=%s data=%s\n", outbound.Type, string(raw))
		}
	}
}

func writeLoop(ctx context.Context, conn *websocket.Conn, channel string) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}

			payload, err := json.Marshal(map[string]string{"channelId": channel, "content": text})
			if err != nil {
				log.Printf("marshal msg: %v", err)
				return
			}
			if err := wsjson.Write(ctx, conn, proto.Inbound{Type: proto.InMessageSend, Data: payload}); err != nil {
				log.Printf("send error: %v", err)
				return
			}
		}
	}
}
