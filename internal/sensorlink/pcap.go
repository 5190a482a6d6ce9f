//go:build pcap

package sensorlink

import (
	"context"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/banshee-data/navekf/internal/monitoring"
)

// ReadPCAPFile replays captured sensor datagrams sent to udpPort through
// l. It returns the number of datagrams handled. Only available when
// built with the pcap tag.
func ReadPCAPFile(ctx context.Context, pcapFile string, udpPort int, l *UDPListener) (int, error) {
	logf := monitoring.Prefixed("sensorlink pcap")
	handle, err := pcap.OpenOffline(pcapFile)
	if err != nil {
		return 0, fmt.Errorf("failed to open PCAP file %s: %w", pcapFile, err)
	}
	defer handle.Close()

	filterStr := fmt.Sprintf("udp port %d", udpPort)
	if err := handle.SetBPFFilter(filterStr); err != nil {
		return 0, fmt.Errorf("failed to set BPF filter '%s': %w", filterStr, err)
	}

	source := gopacket.NewPacketSource(handle, handle.LinkType())
	count := 0
	for {
		select {
		case <-ctx.Done():
			return count, ctx.Err()
		case packet := <-source.Packets():
			if packet == nil {
				logf("%s: %d datagrams", pcapFile, count)
				return count, nil
			}
			udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
			if !ok || len(udp.Payload) == 0 {
				continue
			}
			count++
			if err := l.HandleDatagram(udp.Payload); err != nil {
				logf("datagram %d: %v", count, err)
			}
		}
	}
}
