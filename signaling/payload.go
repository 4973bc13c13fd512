package signaling

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/webrtc/v3"

	"unishare/apperr"
)

// PayloadVersion is written into every envelope.
const PayloadVersion = 1

// envelope is the JSON document carried, base64-encoded, in a signaling
// payload.
type envelope struct {
	Version     int                       `json:"v"`
	SessionID   string                    `json:"session_id"`
	Description webrtc.SessionDescription `json:"description"`
}

// EncodePayload renders desc as an opaque copy-paste friendly string.
func EncodePayload(sessionID string, desc webrtc.SessionDescription) (string, error) {
	raw, err := json.Marshal(envelope{Version: PayloadVersion, SessionID: sessionID, Description: desc})
	if err != nil {
		return "", fmt.Errorf("signaling: marshal payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decoded is a parsed signaling payload.
type Decoded struct {
	// SessionID is the id the producing side attached, or empty for bare
	// session descriptions.
	SessionID   string
	Description webrtc.SessionDescription
	// OriginID is the SDP origin session id.
	OriginID uint64
}

// PeerRef identifies the producer of the payload: its envelope session id
// when present and the SDP origin otherwise.
func (d Decoded) PeerRef() string {
	if d.SessionID != "" {
		return d.SessionID
	}
	return "sdp-" + strconv.FormatUint(d.OriginID, 10)
}

// DecodePayload parses a payload produced by EncodePayload. It also accepts a
// bare JSON session description ({"type":"offer","sdp":"..."}) and the
// base64 encoding of one. Anything else fails with MalformedSignalingPayload.
func DecodePayload(text string) (Decoded, error) {
	const op = "decode signaling payload"
	text = strings.TrimSpace(text)
	if text == "" {
		return Decoded{}, apperr.Errorf(apperr.MalformedSignalingPayload, op, "empty payload")
	}

	raw := []byte(text)
	if !bytes.HasPrefix(raw, []byte("{")) {
		// Copy-pasted payloads are often wrapped across lines.
		decoded, err := decodeBase64(strings.Join(strings.Fields(text), ""))
		if err != nil {
			return Decoded{}, apperr.New(apperr.MalformedSignalingPayload, op, err)
		}
		raw = bytes.TrimSpace(decoded)
	}

	var probe struct {
		SessionID   string          `json:"session_id"`
		Description json.RawMessage `json:"description"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Decoded{}, apperr.New(apperr.MalformedSignalingPayload, op, err)
	}
	descRaw := raw
	if len(probe.Description) > 0 {
		descRaw = probe.Description
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(descRaw, &desc); err != nil {
		return Decoded{}, apperr.New(apperr.MalformedSignalingPayload, op, err)
	}
	if desc.Type != webrtc.SDPTypeOffer && desc.Type != webrtc.SDPTypeAnswer {
		return Decoded{}, apperr.Errorf(apperr.MalformedSignalingPayload, op, "unsupported description type %q", desc.Type.String())
	}
	if strings.TrimSpace(desc.SDP) == "" {
		return Decoded{}, apperr.Errorf(apperr.MalformedSignalingPayload, op, "empty sdp")
	}
	parsed, err := desc.Unmarshal()
	if err != nil {
		return Decoded{}, apperr.New(apperr.MalformedSignalingPayload, op, err)
	}

	return Decoded{SessionID: probe.SessionID, Description: desc, OriginID: parsed.Origin.SessionID}, nil
}

func decodeBase64(text string) ([]byte, error) {
	var lastErr error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		decoded, err := enc.DecodeString(text)
		if err == nil {
			return decoded, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
