package minicenter

// frame.go holds the Ethernet header handling the forwarding controller
// needs: enough decode to learn source locations and classify the
// ethertypes that must never be learned or forwarded

import (
	"errors"
	"net"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// ErrNotEthernet is returned when a frame cannot be decoded as Ethernet
var ErrNotEthernet = errors.New("payload does not decode as an ethernet frame")

// EthFrame carries the decoded header fields of a frame the controller
// acts on.  The payload itself is never copied.
type EthFrame struct {
	Src  net.HardwareAddr
	Dst  net.HardwareAddr
	Type layers.EthernetType
}

// ParseEthFrame decodes the Ethernet header at the front of data
func ParseEthFrame(data []byte) (*EthFrame, error) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)
	ethLayer := pkt.Layer(layers.LayerTypeEthernet)
	if ethLayer == nil {
		return nil, ErrNotEthernet
	}
	eth := ethLayer.(*layers.Ethernet)
	return &EthFrame{Src: eth.SrcMAC, Dst: eth.DstMAC, Type: eth.EthernetType}, nil
}

// Discovery reports whether the frame belongs to a topology discovery
// protocol (LLDP) or to IPv6 neighbor discovery.  Those frames are the
// fabric's own chatter: the controller drops them without learning,
// installing, or forwarding.
func (ef *EthFrame) Discovery() bool {
	return ef.Type == layers.EthernetTypeLinkLayerDiscovery ||
		ef.Type == layers.EthernetTypeIPv6
}

// EncodeEthFrame assembles an Ethernet frame from header fields and a
// payload.  Used by the emulated hosts and by the traffic demo.
func EncodeEthFrame(src, dst net.HardwareAddr, etype layers.EthernetType, payload []byte) []byte {
	buf := gopacket.NewSerializeBuffer()
	eth := &layers.Ethernet{SrcMAC: src, DstMAC: dst, EthernetType: etype}
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, gopacket.Payload(payload))
	if err != nil {
		panic(err)
	}
	return buf.Bytes()
}
