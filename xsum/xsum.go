// Package xsum implements the software checksum helpers (§4.9) for NICs
// that lack HwChecksum. It leans on gopacket/layers exactly as the
// teacher leans on gopacket for frame interpretation (snf/gopacket.go),
// trading a hand-rolled one's-complement routine for the same
// serialization path gopacket itself uses when building packets.
package xsum

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// serializeOpts is shared by every Compute call: fix lengths so we don't
// need to track them ourselves, and compute checksums so the pseudo-header
// math matches RFC 793/768 exactly.
var serializeOpts = gopacket.SerializeOptions{
	ComputeChecksums: true,
	FixLengths:       true,
}

// ComputeIPv4 recomputes and rewrites the IPv4 header checksum in frame
// (an IPv4 packet starting at offset 0, no Ethernet header), returning the
// corrected bytes.
func ComputeIPv4(frame []byte) ([]byte, error) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeIPv4, gopacket.NoCopy)
	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return nil, fmt.Errorf("xsum: not an IPv4 packet")
	}
	ip := ipLayer.(*layers.IPv4)

	buf := gopacket.NewSerializeBuffer()
	if err := ip.SerializeTo(buf, serializeOpts); err != nil {
		return nil, fmt.Errorf("xsum: serialize ipv4: %w", err)
	}
	return buf.Bytes(), nil
}

// ComputeUDP recomputes the UDP checksum over an IPv4/UDP packet, using
// the IPv4 pseudo-header gopacket/layers builds internally when the UDP
// layer's network-layer-for-checksum is set.
func ComputeUDP(frame []byte) ([]byte, error) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeIPv4, gopacket.NoCopy)
	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	if ipLayer == nil || udpLayer == nil {
		return nil, fmt.Errorf("xsum: not an IPv4/UDP packet")
	}
	ip := ipLayer.(*layers.IPv4)
	udp := udpLayer.(*layers.UDP)
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, fmt.Errorf("xsum: set network layer: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	payload := gopacket.Payload(udp.Payload)
	if err := gopacket.SerializeLayers(buf, serializeOpts, ip, udp, payload); err != nil {
		return nil, fmt.Errorf("xsum: serialize ipv4/udp: %w", err)
	}
	return buf.Bytes(), nil
}

// ComputeTCP recomputes the TCP checksum over an IPv4/TCP packet.
func ComputeTCP(frame []byte) ([]byte, error) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeIPv4, gopacket.NoCopy)
	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	tcpLayer := pkt.Layer(layers.LayerTypeTCP)
	if ipLayer == nil || tcpLayer == nil {
		return nil, fmt.Errorf("xsum: not an IPv4/TCP packet")
	}
	ip := ipLayer.(*layers.IPv4)
	tcp := tcpLayer.(*layers.TCP)
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, fmt.Errorf("xsum: set network layer: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	payload := gopacket.Payload(tcp.Payload)
	if err := gopacket.SerializeLayers(buf, serializeOpts, ip, tcp, payload); err != nil {
		return nil, fmt.Errorf("xsum: serialize ipv4/tcp: %w", err)
	}
	return buf.Bytes(), nil
}

// VerifyIPv4 reports whether frame's IPv4 header checksum is valid,
// satisfying the round-trip law in §8: Verify(Compute(p)) == valid, and a
// single bit flip in the header makes it invalid. The header is compared
// byte for byte with its recomputed form, so a flip in the length fields
// (which ComputeIPv4 rewrites) is caught as well as one in the checksum.
func VerifyIPv4(frame []byte) (bool, error) {
	recomputed, err := ComputeIPv4(frame)
	if err != nil {
		return false, err
	}
	if len(frame) < 20 || len(recomputed) < 20 {
		return false, fmt.Errorf("xsum: short ipv4 header")
	}
	if len(frame) < len(recomputed) {
		return false, nil
	}
	for i := range recomputed {
		if frame[i] != recomputed[i] {
			return false, nil
		}
	}
	return true, nil
}
