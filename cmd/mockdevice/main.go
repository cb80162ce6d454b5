// Command mockdevice exercises the full device flow against a running relay:
// deterministic identity from a seed, trust-file generation, the WebSocket
// handshake, and an encrypted message exchanged end to end. Intended for
// integration checks, not production use.
package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tetherd/tetherd/internal/crypto/e2ee"
	"github.com/tetherd/tetherd/internal/identity"
	"github.com/tetherd/tetherd/internal/relay"
	"github.com/tetherd/tetherd/internal/server"
	"github.com/tetherd/tetherd/internal/session"
)

type deviceConfig struct {
	relayURL   string
	sessionID  string
	role       string
	authSecret string
	seed       string
	peerSeed   string
	message    string
	trustOut   string
	timeout    time.Duration
}

func main() {
	cfg := parseConfig()
	if err := run(cfg); err != nil {
		log.Fatalf("mock device failed: %v", err)
	}
	log.Printf("mock device role %s completed session %s", cfg.role, cfg.sessionID)
}

func parseConfig() deviceConfig {
	var cfg deviceConfig
	flag.StringVar(&cfg.relayURL, "relay", "ws://127.0.0.1:8843"+server.ConnectPath, "WebSocket URL of the relay")
	flag.StringVar(&cfg.sessionID, "session", "integration-session", "Session identifier to join")
	flag.StringVar(&cfg.role, "role", "executor", "Role for this device (executor|viewer)")
	flag.StringVar(&cfg.authSecret, "auth-secret", "", "Shared HMAC secret for relay authentication")
	flag.StringVar(&cfg.seed, "identity-seed", "", "Seed for deterministic identity generation")
	flag.StringVar(&cfg.peerSeed, "peer-seed", "", "Seed for the peer identity")
	flag.StringVar(&cfg.message, "message", "integration-message", "Plaintext the executor sends")
	flag.StringVar(&cfg.trustOut, "write-trust-file", "", "Write a trust file covering both devices and exit")
	flag.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "Overall timeout for the flow")
	flag.Parse()

	switch cfg.role {
	case "executor", "viewer":
	default:
		log.Fatalf("unsupported role %s (expected executor or viewer)", cfg.role)
	}
	if cfg.seed == "" {
		cfg.seed = "mockdevice-" + cfg.role
	}
	if cfg.peerSeed == "" {
		cfg.peerSeed = "mockdevice-" + peerRole(cfg.role)
	}
	return cfg
}

func peerRole(role string) string {
	if role == "executor" {
		return "viewer"
	}
	return "executor"
}

func run(cfg deviceConfig) error {
	kp, deviceID, err := identityFromSeed(cfg.seed)
	if err != nil {
		return fmt.Errorf("derive identity: %w", err)
	}
	defer kp.Zero()

	peerKP, peerID, err := identityFromSeed(cfg.peerSeed)
	if err != nil {
		return fmt.Errorf("derive peer identity: %w", err)
	}
	peerKP.Zero()

	log.Printf("device %s (role %s), peer %s", deviceID, cfg.role, peerID)

	if cfg.trustOut != "" {
		return writeTrustFile(cfg.trustOut, deviceID, peerID, kp.Public, peerKP.Public)
	}

	if cfg.authSecret == "" {
		return fmt.Errorf("-auth-secret is required")
	}
	auth, err := server.NewHMACAuthenticator([]byte(cfg.authSecret))
	if err != nil {
		return err
	}

	enc, err := session.NewEncryptor(kp.Private, peerKP.Public, cfg.sessionID)
	if err != nil {
		return fmt.Errorf("derive session key: %w", err)
	}
	defer enc.Close()

	ws, _, err := websocket.DefaultDialer.Dial(cfg.relayURL, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer ws.Close()
	deadline := time.Now().Add(cfg.timeout)
	_ = ws.SetReadDeadline(deadline)
	_ = ws.SetWriteDeadline(deadline)

	if err := handshake(ws, deviceID, auth.TokenFor(deviceID), cfg.role, cfg.sessionID); err != nil {
		return err
	}

	if cfg.role == "executor" {
		return sendEncrypted(ws, enc, cfg.sessionID, cfg.message)
	}
	return receiveEncrypted(ws, enc)
}

func identityFromSeed(seed string) (e2ee.KeyPair, string, error) {
	// Stretch the seed to exactly the entropy the key generator reads.
	sum := sha256.Sum256([]byte("tetherd/mockdevice:" + seed))
	kp, err := e2ee.GenerateKeyPair(bytes.NewReader(sum[:]))
	if err != nil {
		return e2ee.KeyPair{}, "", err
	}
	id, err := e2ee.KeyIdentifier(kp.Public)
	if err != nil {
		kp.Zero()
		return e2ee.KeyPair{}, "", err
	}
	return kp, id, nil
}

// writeTrustFile emits mutual active grants so a relay seeded with the file
// accepts both devices.
func writeTrustFile(path, deviceID, peerID string, devicePub, peerPub []byte) error {
	grant := func(grantor, grantee string, granteePub []byte) (*identity.TrustRelationship, error) {
		rel, err := identity.NewTrustRelationship(grantor, grantee, granteePub, identity.TrustLevelFull)
		if err != nil {
			return nil, err
		}
		if err := rel.Activate(nil); err != nil {
			return nil, err
		}
		return rel, nil
	}

	toPeer, err := grant(deviceID, peerID, peerPub)
	if err != nil {
		return err
	}
	fromPeer, err := grant(peerID, deviceID, devicePub)
	if err != nil {
		return err
	}
	if err := identity.SaveTrustFile(path, []*identity.TrustRelationship{toPeer, fromPeer}); err != nil {
		return err
	}
	log.Printf("trust file written to %s", path)
	return nil
}

func handshake(ws *websocket.Conn, deviceID, token, role, sessionID string) error {
	steps := []*relay.Frame{
		{Type: relay.FrameAuth, DeviceID: deviceID, Token: token},
		{Type: relay.FrameRegisterRole, Role: role},
		{Type: relay.FrameJoinSession, SessionID: sessionID},
	}
	for _, frame := range steps {
		if err := ws.WriteJSON(frame); err != nil {
			return fmt.Errorf("send %s: %w", frame.Type, err)
		}
		reply, err := readRelayFrame(ws)
		if err != nil {
			return fmt.Errorf("await %s reply: %w", frame.Type, err)
		}
		if reply.Type == relay.FrameError {
			return fmt.Errorf("%s rejected: %s %s", frame.Type, reply.Code, reply.Message)
		}
	}
	log.Printf("joined session %s as %s", sessionID, role)
	return nil
}

func sendEncrypted(ws *websocket.Conn, enc *session.Encryptor, sessionID, plaintext string) error {
	env, err := enc.Seal(session.Message{Type: "text", Content: plaintext})
	if err != nil {
		return fmt.Errorf("seal message: %w", err)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	frame := &relay.Frame{Type: relay.FrameSessionMessage, SessionID: sessionID, Payload: payload}
	if err := ws.WriteJSON(frame); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	log.Printf("sent encrypted message seq=%d", env.Sequence)
	return nil
}

func receiveEncrypted(ws *websocket.Conn, enc *session.Encryptor) error {
	for {
		frame, err := readRelayFrame(ws)
		if err != nil {
			return fmt.Errorf("await message: %w", err)
		}
		if frame.Type != relay.FrameSessionMessage {
			continue
		}
		var env session.Envelope
		if err := json.Unmarshal(frame.Payload, &env); err != nil {
			return fmt.Errorf("decode envelope: %w", err)
		}
		msg, err := enc.Open(&env)
		if err != nil {
			return fmt.Errorf("decrypt message: %w", err)
		}
		fmt.Fprintf(os.Stdout, "received from %s seq=%d: %s\n", frame.DeviceID, env.Sequence, msg.Content)
		return nil
	}
}

func readRelayFrame(ws *websocket.Conn) (*relay.Frame, error) {
	var frame relay.Frame
	if err := ws.ReadJSON(&frame); err != nil {
		return nil, err
	}
	return &frame, nil
}
