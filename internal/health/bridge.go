package health

import "github.com/postalsys/udpbridge/internal/bridge"

// BridgeProvider reports the state of a running bridge.
type BridgeProvider struct {
	Bridge *bridge.Bridge
}

// IsRunning implements StatsProvider.
func (p BridgeProvider) IsRunning() bool {
	return p.Bridge != nil && p.Bridge.Running()
}

// Stats implements StatsProvider.
func (p BridgeProvider) Stats() Stats {
	if p.Bridge == nil {
		return Stats{}
	}

	st := p.Bridge.Stats()
	s := Stats{
		DatagramsSent:     st.Outbound.Datagrams,
		BytesSent:         st.Outbound.Bytes,
		SendErrors:        st.Outbound.Errors,
		PartialWrites:     st.Outbound.PartialWrites,
		OutboundQueued:    p.Bridge.Outgoing().Len(),
		DatagramsReceived: st.Inbound.Datagrams,
		BytesReceived:     st.Inbound.Bytes,
		ReceiveErrors:     st.Inbound.Errors,
		InboundQueued:     p.Bridge.Incoming().Len(),
	}
	if addr := p.Bridge.LocalAddr(); addr != nil {
		s.LocalAddr = addr.String()
	}
	return s
}
