package compoundrtcp

import (
	"github.com/pion/rtcp"
)

// CompoundRtcp accumulates the reports of one RTCP interval before they
// are serialized onto the wire in a single compound packet.
type CompoundRtcp struct {
	Packet  []rtcp.Packet
	DataLen int
}

func NewCompoundRtcp() *CompoundRtcp {
	return &CompoundRtcp{Packet: make([]rtcp.Packet, 0, 6)}
}

func (c *CompoundRtcp) AddReceiverReport(report *rtcp.ReceiverReport) {
	c.Packet = append(c.Packet, report)
	c.addLen(report)
}

func (c *CompoundRtcp) AddSenderReport(report *rtcp.SenderReport) {
	c.Packet = append(c.Packet, report)
	c.addLen(report)
}

func (c *CompoundRtcp) AddSdes(report *rtcp.SourceDescription) {
	c.Packet = append(c.Packet, report)
	c.addLen(report)
}

func (c *CompoundRtcp) addLen(report rtcp.Packet) {
	if data, err := report.Marshal(); err == nil {
		c.DataLen += len(data)
	}
}

func (c *CompoundRtcp) HasContent() bool {
	return len(c.Packet) > 0
}
