// Interactive websocket client for poking a running combat server.
//
//	go run ./client -room demo -role arbiter -secret dev-secret
//
// Type `action <name> [json]`, `chat <text>`, or `roll <sides>` at the
// prompt. Everything the server pushes back is printed raw.
package main

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"flag"
	"log"
	"math"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wfunc/vttserver/network"
	"github.com/wfunc/vttserver/protocol"
	"github.com/wfunc/vttserver/server"
)

func send(c *websocket.Conn, msgID uint16, data []byte) error {
	if len(data) > math.MaxUint16 {
		return network.ErrFrameTooLarge
	}
	packet := make([]byte, 4+len(data))
	binary.BigEndian.PutUint16(packet[0:2], msgID)
	binary.BigEndian.PutUint16(packet[2:4], uint16(len(data)))
	copy(packet[4:], data)

	return c.WriteMessage(websocket.BinaryMessage, packet)
}

func main() {
	host := flag.String("host", "localhost:8080", "server host:port")
	roomID := flag.String("room", "demo", "room id")
	role := flag.String("role", "arbiter", "arbiter or participant")
	entity := flag.String("entity", "", "controlled character id (participants)")
	secret := flag.String("secret", "dev-secret", "token signing secret")
	flag.Parse()

	token, err := server.IssueToken(*secret, *roomID, protocol.Role(*role), *entity, time.Hour)
	if err != nil {
		log.Fatalf("Token mint failed: %v", err)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	u := url.URL{Scheme: "ws", Host: *host, Path: "/ws/" + *roomID, RawQuery: "token=" + token}
	log.Printf("Connecting to %s", u.String())

	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	done := make(chan struct{})

	// Read loop
	go func() {
		defer close(done)
		for {
			_, message, err := c.ReadMessage()
			if err != nil {
				log.Println("Read error:", err)
				return
			}
			if len(message) < 4 {
				log.Printf("Received invalid packet of size %d", len(message))
				continue
			}
			msgID := binary.BigEndian.Uint16(message[0:2])
			data := message[4:]
			log.Printf("<- RECV (ID: %d): %s", msgID, string(data))
		}
	}()

	// Heartbeats keep the connection past the stale sweep.
	go func() {
		ticker := time.NewTicker(20 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := send(c, protocol.MsgTypeHeartbeat, nil); err != nil {
					return
				}
			}
		}
	}()

	log.Println("Client started. Commands: action <name> [json] | chat <text> | roll <sides>")

	reader := bufio.NewReader(os.Stdin)
	for {
		select {
		case <-done:
			return
		case <-interrupt:
			log.Println("Interrupt received, closing connection.")
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				log.Println("Write close error:", err)
			}
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return
		default:
			text, _ := reader.ReadString('\n')
			text = strings.TrimSpace(text)
			if text == "" {
				continue
			}
			if err := handleCommand(c, text); err != nil {
				log.Println("Write error:", err)
				return
			}
		}
	}
}

func handleCommand(c *websocket.Conn, text string) error {
	parts := strings.SplitN(text, " ", 3)
	switch parts[0] {
	case "action":
		if len(parts) < 2 {
			log.Println("usage: action <name> [json]")
			return nil
		}
		env := map[string]any{"action": parts[1]}
		if len(parts) == 3 {
			var data json.RawMessage
			if err := json.Unmarshal([]byte(parts[2]), &data); err != nil {
				log.Println("bad json:", err)
				return nil
			}
			env["data"] = data
		}
		payload, _ := json.Marshal(env)
		log.Printf("-> SENT: %s", payload)
		return send(c, protocol.MsgTypeCombatAction, payload)

	case "chat":
		if len(parts) < 2 {
			log.Println("usage: chat <text>")
			return nil
		}
		msg := strings.TrimPrefix(text, "chat ")
		payload, _ := json.Marshal(map[string]string{"message": msg})
		return send(c, protocol.MsgTypeChatMessage, payload)

	case "roll":
		sides := 20
		if len(parts) >= 2 {
			if n, err := strconv.Atoi(parts[1]); err == nil {
				sides = n
			}
		}
		payload, _ := json.Marshal(map[string]int{"dice_type": sides, "num_dice": 1})
		return send(c, protocol.MsgTypeDiceRoll, payload)

	default:
		log.Println("unknown command:", parts[0])
		return nil
	}
}
