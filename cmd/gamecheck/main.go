package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/park285/guild-chat-bridge/internal/gamemsg"
	"github.com/park285/guild-chat-bridge/internal/gameproto"
)

func main() {
	_ = godotenv.Load()

	username := flag.String("username", os.Getenv("GAME_USERNAME"), "account username")
	host := flag.String("host", os.Getenv("GAME_HOST"), "game server host")
	version := flag.String("version", "1.8.9", "protocol version")
	window := flag.Duration("window", 15*time.Second, "how long to print chat lines")
	flag.Parse()

	proxyURL := os.Getenv("GAME_PROXY_URL")
	token := os.Getenv("GAME_PROXY_TOKEN")
	if proxyURL == "" {
		log.Fatal("GAME_PROXY_URL is required")
	}
	if *username == "" {
		log.Fatal("username is required (-username or GAME_USERNAME)")
	}

	dialer := &gameproto.WSDialer{
		URL: proxyURL,
		Headers: func() map[string]string {
			if token == "" {
				return nil
			}
			return map[string]string{"X-Proxy-Token": token}
		},
		DialTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	s, err := dialer.Dial(ctx, gameproto.Account{Username: *username, Host: *host, Version: *version})
	cancel()
	if err != nil {
		log.Fatalf("dial error: %v", err)
	}
	defer s.Close()
	log.Printf("dialed %s (line limit %d)", proxyURL, gameproto.LineLimit(*version))

	// Observe for a short window
	t := time.NewTimer(*window)
	defer t.Stop()
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				log.Println("session closed")
				return
			}
			switch ev.Kind {
			case gameproto.EventChat:
				m := gamemsg.Classify(ev.Text, *username)
				cat := string(m.Category)
				if cat == "" {
					cat = "-"
				}
				fmt.Printf("[%s] self=%v echo=%v %q\n", cat, m.IsSelf, m.IsAntiSpamEcho, m.Content)
			case gameproto.EventError:
				log.Printf("%s: %v", ev.Kind, ev.Err)
			default:
				log.Printf("%s %s %s", ev.Kind, ev.Username, ev.Text)
			}
		case <-t.C:
			return
		}
	}
}
