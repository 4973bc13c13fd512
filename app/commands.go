package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"unishare/apperr"
	"unishare/connectivity"
	"unishare/models"
	"unishare/storage"
)

// Result strings returned by the discovery commands.
const (
	HotspotStarted   = "Hotspot started."
	DiscoveryStarted = "Discovery started"
)

// SendFile sends filePath to destination over Tcp and returns once the
// receiver has verified the file.
func (a *App) SendFile(ctx context.Context, filePath, destination string) (string, error) {
	return a.sendAndWait(ctx, "send_file", filePath, destination, models.TransportTCP)
}

// ReceiveFile starts a Tcp listener session on the fixed port.
func (a *App) ReceiveFile(ctx context.Context) (string, error) {
	return a.listen(ctx, "receive_file", models.TransportTCP)
}

// SendFileBluetooth sends filePath to destination over Bluetooth.
func (a *App) SendFileBluetooth(ctx context.Context, filePath, destination string) (string, error) {
	return a.sendAndWait(ctx, "send_file_bluetooth", filePath, destination, models.TransportBluetooth)
}

// ReceiveFileBluetooth starts a Bluetooth listener session.
func (a *App) ReceiveFileBluetooth(ctx context.Context) (string, error) {
	return a.listen(ctx, "receive_file_bluetooth", models.TransportBluetooth)
}

// SendFileBest tries Tcp first and falls back to Bluetooth when the peer
// cannot be reached over the local network.
func (a *App) SendFileBest(ctx context.Context, filePath, destination string) (string, error) {
	log := a.commandLog("send_file_best")
	var lastErr error
	for _, kind := range []models.TransportKind{models.TransportTCP, models.TransportBluetooth} {
		result, err := a.sendAndWait(ctx, "send_file_best", filePath, destination, kind)
		if err == nil {
			return result, nil
		}
		switch apperr.KindOf(err) {
		case apperr.ConnectFailed, apperr.TransportUnavailable:
			log.WithError(err).WithField("transport", kind).Info("transport unusable, trying next")
			lastErr = err
		default:
			return "", err
		}
	}
	return "", lastErr
}

// StartWebRTCSending creates the offer for filePath. The returned payload
// is relayed to the receiver by hand.
func (a *App) StartWebRTCSending(ctx context.Context, filePath string) (string, error) {
	ticket, err := a.transfers.BeginSend(ctx, filePath, "", models.TransportWebRTC)
	if err != nil {
		return "", err
	}
	a.commandLog("start_webrtc_sending").WithField("session", ticket.SessionID).Info("offer created")
	return ticket.Signal, nil
}

// CompleteWebRTCSending applies the receiver's answer to the pending offer
// for filePath and returns once the transfer finished.
func (a *App) CompleteWebRTCSending(ctx context.Context, filePath, answer string) (string, error) {
	id, ok := a.transfers.FindSending(filePath, models.TransportWebRTC)
	if !ok {
		return "", apperr.Errorf(apperr.SignalingStateError, "complete_webrtc_sending", "no offer has been created for %s", filePath)
	}
	if err := a.transfers.CompleteSignaling(ctx, id, answer); err != nil {
		return "", err
	}
	if _, err := a.transfers.Wait(ctx, id); err != nil {
		return "", err
	}
	return "File sent via WebRTC successfully", nil
}

// ReceiveWebRTCFile answers offer and returns the answer payload. The
// transfer runs in the background once the sender applies the answer.
func (a *App) ReceiveWebRTCFile(ctx context.Context, offer string) (string, error) {
	ticket, err := a.transfers.BeginReceive(ctx, models.TransportWebRTC, offer)
	if err != nil {
		return "", err
	}
	a.commandLog("receive_webrtc_file").WithField("session", ticket.SessionID).Info("answer created")
	return ticket.Signal, nil
}

// StartHotspot begins advertising this device on the discovery channel.
func (a *App) StartHotspot(ctx context.Context) (string, error) {
	if err := a.discovery.StartAdvertising(a.Self(ctx)); err != nil {
		return "", err
	}
	return HotspotStarted, nil
}

// StartHotspotDiscovery begins scanning the discovery channel. Newly seen
// devices arrive as device-discovered notifications.
func (a *App) StartHotspotDiscovery(context.Context) (string, error) {
	if err := a.discovery.StartScanning(); err != nil {
		return "", err
	}
	return DiscoveryStarted, nil
}

// CheckConnectivityStatus probes the three transports.
func (a *App) CheckConnectivityStatus(ctx context.Context) connectivity.Status {
	return a.connectivity.Snapshot(ctx)
}

// CancelTransfer cancels session id.
func (a *App) CancelTransfer(ctx context.Context, id string) (string, error) {
	if err := a.transfers.Cancel(ctx, id); err != nil {
		return "", err
	}
	return "Transfer cancelled", nil
}

// ListTransfers returns active and recently finished sessions.
func (a *App) ListTransfers() []models.SessionSnapshot {
	return a.transfers.List()
}

// ListDevices returns the devices currently online.
func (a *App) ListDevices() []models.Device {
	return a.discovery.Devices()
}

// TransferHistory lists archived sessions. Without a history store it
// returns an empty list.
func (a *App) TransferHistory(filter storage.TransferFilter) ([]models.TransferRecord, error) {
	if a.history == nil {
		return []models.TransferRecord{}, nil
	}
	return a.history.ListTransfers(filter)
}

func (a *App) sendAndWait(ctx context.Context, command, filePath, destination string, kind models.TransportKind) (string, error) {
	log := a.commandLog(command).WithField("transport", kind)
	ticket, err := a.transfers.BeginSend(ctx, filePath, destination, kind)
	if err != nil {
		return "", err
	}
	log = log.WithField("session", ticket.SessionID)
	log.Info("sending")
	if _, err := a.transfers.Wait(ctx, ticket.SessionID); err != nil {
		log.WithError(err).Warn("send failed")
		return "", err
	}
	return "File sent via " + transportLabel(kind), nil
}

func (a *App) listen(ctx context.Context, command string, kind models.TransportKind) (string, error) {
	ticket, err := a.transfers.BeginReceive(ctx, kind, "")
	if err != nil {
		return "", err
	}
	snap, _ := a.transfers.Snapshot(ticket.SessionID)
	a.commandLog(command).WithFields(logrus.Fields{
		"session": ticket.SessionID,
		"addr":    snap.LocalAddr,
	}).Info("listening")
	return fmt.Sprintf("Receiver started using %s on %s", transportLabel(kind), snap.LocalAddr), nil
}

// CommandArgs is the argument object accepted by Invoke. Each command reads
// only the fields it needs.
type CommandArgs struct {
	FilePath    string `json:"filePath"`
	Destination string `json:"destination"`
	// Transport "auto" makes send_file try every local transport in turn.
	Transport string `json:"transport"`
	Offer     string `json:"offer"`
	Answer    string `json:"answer"`
	SessionID string `json:"sessionId"`

	Direction string `json:"direction"`
	State     string `json:"state"`
	Peer      string `json:"peer"`
	Limit     int    `json:"limit"`
	Offset    int    `json:"offset"`
}

// Commands lists the names Invoke serves.
var Commands = []string{
	"send_file",
	"receive_file",
	"send_file_bluetooth",
	"receive_file_bluetooth",
	"start_webrtc_sending",
	"complete_webrtc_sending",
	"receive_webrtc_file",
	"start_hotspot",
	"start_hotspot_discovery",
	"check_connectivity_status",
	"cancel_transfer",
	"list_transfers",
	"list_devices",
	"transfer_history",
}

// Invoke dispatches a named command with JSON arguments. Empty args are
// treated as an empty object.
func (a *App) Invoke(ctx context.Context, name string, raw json.RawMessage) (any, error) {
	var args CommandArgs
	if len(strings.TrimSpace(string(raw))) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("app: decode %s arguments: %w", name, err)
		}
	}

	switch name {
	case "send_file":
		if strings.EqualFold(args.Transport, "auto") {
			return a.SendFileBest(ctx, args.FilePath, args.Destination)
		}
		return a.SendFile(ctx, args.FilePath, args.Destination)
	case "receive_file":
		return a.ReceiveFile(ctx)
	case "send_file_bluetooth":
		return a.SendFileBluetooth(ctx, args.FilePath, args.Destination)
	case "receive_file_bluetooth":
		return a.ReceiveFileBluetooth(ctx)
	case "start_webrtc_sending":
		return a.StartWebRTCSending(ctx, args.FilePath)
	case "complete_webrtc_sending":
		return a.CompleteWebRTCSending(ctx, args.FilePath, args.Answer)
	case "receive_webrtc_file":
		return a.ReceiveWebRTCFile(ctx, args.Offer)
	case "start_hotspot":
		return a.StartHotspot(ctx)
	case "start_hotspot_discovery":
		return a.StartHotspotDiscovery(ctx)
	case "check_connectivity_status":
		return a.CheckConnectivityStatus(ctx), nil
	case "cancel_transfer":
		return a.CancelTransfer(ctx, args.SessionID)
	case "list_transfers":
		return a.ListTransfers(), nil
	case "list_devices":
		return a.ListDevices(), nil
	case "transfer_history":
		return a.TransferHistory(storage.TransferFilter{
			Direction: models.Direction(args.Direction),
			Transport: models.TransportKind(args.Transport),
			State:     models.SessionState(args.State),
			Peer:      args.Peer,
			Limit:     args.Limit,
			Offset:    args.Offset,
		})
	default:
		return nil, unknownCommand(name)
	}
}

// WaitTransfer blocks until session id finishes and returns its final state.
func (a *App) WaitTransfer(ctx context.Context, id string) (models.SessionSnapshot, error) {
	return a.transfers.Wait(ctx, id)
}

// PendingReceive returns the newest unfinished receive session over kind.
func (a *App) PendingReceive(kind models.TransportKind) (models.SessionSnapshot, bool) {
	sessions := a.transfers.Active()
	for i := len(sessions) - 1; i >= 0; i-- {
		if s := sessions[i]; s.Direction == models.DirectionReceive && s.Transport == kind {
			return s, true
		}
	}
	return models.SessionSnapshot{}, false
}
