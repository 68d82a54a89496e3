// Command bot is a scripted websocket client for exercising a running
// control plane. It joins a world and periodically carves terrain with
// legacy spells, logging everything the server pushes back.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"spellforge.gg/internal/protocol"
)

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		token    = flag.String("token", "", "session token (optional)")
		worldID  = flag.String("world", "", "world id to join")
		interval = flag.Duration("interval", 5*time.Second, "delay between casts")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	if *worldID == "" {
		logger.Fatal("missing -world")
	}

	dialURL := *url
	if *token != "" {
		dialURL += "?token=" + *token
	}
	conn, _, err := websocket.DefaultDialer.Dial(dialURL, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	join := protocol.WorldJoinMsg{Type: protocol.TypeWorldJoin, WorldID: *worldID}
	if err := conn.WriteJSON(join); err != nil {
		logger.Fatalf("send join: %v", err)
	}

	// Single writer goroutine; the read loop below never writes.
	go castLoop(conn, logger, *interval)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	for {
		select {
		case <-stop:
			return
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeConnected:
			var c protocol.ConnectedMsg
			if err := json.Unmarshal(msg, &c); err != nil {
				continue
			}
			logger.Printf("connected client_id=%s", c.ClientID)

		case protocol.TypeWorldJoined:
			var w protocol.WorldJoinedMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				continue
			}
			logger.Printf("joined %s players=%d", w.WorldID, w.World.PlayerCount)

		case protocol.TypeSyncOps:
			var s protocol.SyncOpsMsg
			if err := json.Unmarshal(msg, &s); err != nil {
				continue
			}
			logger.Printf("replayed %d ops", s.Total)

		case protocol.TypeApplyOp:
			var a protocol.ApplyOpMsg
			if err := json.Unmarshal(msg, &a); err != nil {
				continue
			}
			logger.Printf("op %s at (%.0f,%.0f,%.0f)", a.Op.Op, a.Op.Center.X, a.Op.Center.Y, a.Op.Center.Z)

		case protocol.TypeSpellCastEvent:
			var ev protocol.SpellCastEventMsg
			if err := json.Unmarshal(msg, &ev); err != nil {
				continue
			}
			logger.Printf("cast %s rev=%s seed=%d", ev.SpellID, ev.RevisionID, ev.Seed)

		case protocol.TypePong:
			var p protocol.PongMsg
			if err := json.Unmarshal(msg, &p); err != nil {
				continue
			}
			logger.Printf("pong clients=%d ops=%d", p.Clients, p.Ops)

		case protocol.TypeError:
			var e protocol.ErrorMsg
			if err := json.Unmarshal(msg, &e); err != nil {
				continue
			}
			logger.Printf("server error %s: %s", e.Code, e.Message)
		}
	}
}

func castLoop(conn *websocket.Conn, logger *log.Logger, interval time.Duration) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		kind := "create_land"
		if r.Intn(2) == 1 {
			kind = "dig"
		}
		center := protocol.Vec3{
			X: float64(r.Intn(60) - 30),
			Y: float64(r.Intn(10)),
			Z: float64(r.Intn(60) - 30),
		}
		req := protocol.RequestSpellMsg{
			Type:  protocol.TypeRequestSpell,
			Spell: protocol.LegacySpellBody{Type: kind, Center: &center},
		}
		if err := conn.WriteJSON(req); err != nil {
			return
		}
		logger.Printf("requested %s at (%.0f,%.0f,%.0f)", kind, center.X, center.Y, center.Z)

		if err := conn.WriteJSON(protocol.BaseMessage{Type: protocol.TypePing}); err != nil {
			return
		}
	}
}
