package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/wajah/pkg/transports"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type serverConfig struct {
	Server struct {
		ServerAddr    string `mapstructure:"server_addr"`
		PublicURL     string `mapstructure:"public_url"`
		WebsocketPath string `mapstructure:"ws_path"`
	} `mapstructure:"server"`
}

func main() {
	configPath := flag.String("config", "examples/browser/config.yaml", "")
	text := flag.String("text", "", "")
	wait := flag.Duration("wait", 60*time.Second, "how long to wait for each step")
	flag.Parse()
	if strings.TrimSpace(*text) == "" {
		fmt.Println("usage: speak -text=\"hello\" [-config=...]")
		os.Exit(1)
	}
	_ = godotenv.Load()

	cfg, err := loadServerConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	wsURL := websocketURL(cfg)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		fmt.Println("dial error:", err)
		os.Exit(1)
	}
	defer conn.Close()

	steps := []struct {
		cmd   transports.Command
		until string
	}{
		{transports.Command{Type: transports.CommandConnect}, "connected"},
		{transports.Command{Type: transports.CommandSpeak, Text: *text}, "speechEnded"},
		{transports.Command{Type: transports.CommandDisconnect}, "disconnected"},
	}
	for _, step := range steps {
		if err := conn.WriteJSON(step.cmd); err != nil {
			fmt.Println("write error:", err)
			os.Exit(1)
		}
		if err := waitForEvent(conn, step.until, *wait); err != nil {
			fmt.Println(step.cmd.Type, "failed:", err)
			os.Exit(1)
		}
		fmt.Println(step.cmd.Type, "ok")
	}
}

func loadServerConfig(path string) (serverConfig, error) {
	v := viper.New()
	v.SetDefault("server.server_addr", ":8080")
	v.SetDefault("server.ws_path", "/ws")
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return serverConfig{}, err
	}
	var cfg serverConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return serverConfig{}, err
	}
	return cfg, nil
}

func websocketURL(cfg serverConfig) string {
	path := cfg.Server.WebsocketPath
	if public := strings.TrimRight(cfg.Server.PublicURL, "/"); public != "" {
		if u, err := url.Parse(public); err == nil && u.Host != "" {
			scheme := "wss"
			if u.Scheme == "http" {
				scheme = "ws"
			}
			return scheme + "://" + u.Host + path
		}
		return "wss://" + public + path
	}
	addr := cfg.Server.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "ws://" + addr + path
}

func waitForEvent(conn *websocket.Conn, name string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		_ = conn.SetReadDeadline(deadline)
		var msg transports.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		switch {
		case msg.Type == transports.MessageError:
			return fmt.Errorf("%s", msg.Error)
		case msg.Type == transports.MessageEvent && msg.Event == "error":
			return fmt.Errorf("provider error: %v", msg.Payload)
		case msg.Type == transports.MessageEvent && msg.Event == name:
			return nil
		}
	}
}
