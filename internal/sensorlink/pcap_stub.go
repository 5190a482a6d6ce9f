//go:build !pcap

package sensorlink

import (
	"context"
	"errors"
)

// ErrPCAPDisabled is returned when the binary was built without pcap.
var ErrPCAPDisabled = errors.New("PCAP support not enabled: rebuild with -tags=pcap")

// ReadPCAPFile needs the pcap build tag.
func ReadPCAPFile(ctx context.Context, pcapFile string, udpPort int, l *UDPListener) (int, error) {
	return 0, ErrPCAPDisabled
}
