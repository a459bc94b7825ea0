package gateway

import "fxlens-tickd/internal/aggregator"

// clientCommand is the inbound frame shape: subscribe, unsubscribe, ping.
type clientCommand struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol,omitempty"`
}

type symbolInfo struct {
	Name        string `json:"name"`
	Digits      int32  `json:"digits"`
	PipPosition int32  `json:"pipPosition"`
}

// symbolListMsg greets every new connection with the tradable catalog.
type symbolListMsg struct {
	Type    string       `json:"type"`
	Symbols []symbolInfo `json:"symbols"`
}

// snapshotMsg wraps a full symbol snapshot as a symbolDataPackage frame.
type snapshotMsg struct {
	Type string `json:"type"`
	*aggregator.Snapshot
}

// tickMsg wraps one incremental update as a tick frame.
type tickMsg struct {
	Type string `json:"type"`
	*aggregator.TickUpdate
}

type unsubscribedMsg struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

type statusMsg struct {
	Type   string `json:"type"`
	Broker string `json:"broker"`
}

type pongMsg struct {
	Type         string `json:"type"`
	ServerTimeMs int64  `json:"serverTimeMs"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
