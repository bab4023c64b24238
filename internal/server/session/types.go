package session

import "github.com/openmined/dirsync/internal/syncmsg"

type GroupStats struct {
	Identifier syncmsg.Identifier `json:"identifier"`
	Pending    int                `json:"pending"`
	Peers      []PeerStats        `json:"peers"`
}

type PeerStats struct {
	Address string `json:"address"`
	Pending int    `json:"pending"`
}
