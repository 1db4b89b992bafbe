package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// ws_listen prints alarmbox state events as they arrive on /ws/state.

type envelope struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type pwmData struct {
	Top        uint16 `json:"top"`
	Compare    uint16 `json:"compare"`
	VolumeMode bool   `json:"volume_mode"`
}

type snapshotData struct {
	PWM           pwmData `json:"pwm"`
	PWMKnown      bool    `json:"pwm_known"`
	VolumeMode    bool    `json:"volume_mode"`
	OutputsActive bool    `json:"outputs_active"`
	OutputsKnown  bool    `json:"outputs_known"`
	Requests      uint64  `json:"requests"`
}

func main() {
	var (
		wsURL = flag.String("ws", "ws://127.0.0.1:8080/ws/state", "alarmbox state websocket URL")
		raw   = flag.Bool("raw", false, "Print raw JSON frames instead of a summary")
	)
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	// Handle shutdown
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("connected! (press Ctrl+C to exit)")

	// Protects concurrent writes to the websocket
	var writeMu sync.Mutex

	// The server pings us; answering pongs is automatic. Extend the deadline on each ping.
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			if messageType != websocket.TextMessage {
				fmt.Printf("[BINARY] %d bytes\n", len(message))
				continue
			}
			if *raw {
				fmt.Printf("%s\n", message)
				continue
			}
			fmt.Println(formatMessage(message))
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

// formatMessage renders one envelope as a single summary line.
func formatMessage(message []byte) string {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		return fmt.Sprintf("[TEXT] %s", message)
	}

	switch env.Type {
	case "state_init":
		var s snapshotData
		if err := json.Unmarshal(env.Data, &s); err != nil {
			break
		}
		outputs := "unknown"
		if s.OutputsKnown {
			outputs = onOff(s.OutputsActive)
		}
		return fmt.Sprintf("[INIT] mode=%s top=%#04x compare=%#04x outputs=%s requests=%d",
			modeName(s.VolumeMode), s.PWM.Top, s.PWM.Compare, outputs, s.Requests)

	case "pwm_changed":
		var p pwmData
		if err := json.Unmarshal(env.Data, &p); err != nil {
			break
		}
		return fmt.Sprintf("[PWM] top=%#04x compare=%#04x (%s)", p.Top, p.Compare, modeName(p.VolumeMode))

	case "mode_changed":
		var m struct {
			Mode string `json:"mode"`
		}
		if err := json.Unmarshal(env.Data, &m); err != nil {
			break
		}
		return fmt.Sprintf("[MODE] %s", m.Mode)

	case "outputs_changed":
		var o struct {
			Active bool `json:"active"`
		}
		if err := json.Unmarshal(env.Data, &o); err != nil {
			break
		}
		return fmt.Sprintf("[OUTPUTS] %s", onOff(o.Active))

	case "request_served":
		var r struct {
			Path   string `json:"path"`
			Status int    `json:"status"`
			Remote string `json:"remote"`
		}
		if err := json.Unmarshal(env.Data, &r); err != nil {
			break
		}
		return fmt.Sprintf("[REQUEST] %s %d from %s", r.Path, r.Status, r.Remote)
	}

	return fmt.Sprintf("[%s] %s", env.Type, env.Data)
}

func modeName(volumeMode bool) string {
	if volumeMode {
		return "volume"
	}
	return "range"
}

func onOff(active bool) string {
	if active {
		return "on"
	}
	return "off"
}
