package kademlia

import (
	"github.com/kadcore/kad/transport"
	"github.com/kadcore/kad/wire"
)

// transportEndpointOf returns the transport-layer address to dial for c.
func transportEndpointOf(c Contact) transport.Endpoint {
	return transport.Endpoint{IP: c.Host.IP, Port: c.Host.Port}
}

// toWireContact renders a Contact as its wire representation.
func toWireContact(c Contact) *wire.Contact {
	wc := &wire.Contact{
		NodeId:    c.ID.Bytes(),
		HostIp:    c.Host.IP,
		HostPort:  uint32(c.Host.Port),
		LocalIp:   c.Local.IP,
		LocalPort: uint32(c.Local.Port),
	}
	if c.Rendezvous != nil {
		wc.RendezvousIp = c.Rendezvous.IP
		wc.RendezvousPort = uint32(c.Rendezvous.Port)
	}
	return wc
}

// fromWireContact parses a wire.Contact back into a Contact.
func fromWireContact(wc *wire.Contact) (Contact, error) {
	if wc == nil {
		return Contact{}, InvalidArgument.New("nil contact")
	}
	id, err := FromSlice(wc.NodeId)
	if err != nil {
		return Contact{}, err
	}
	c := Contact{
		ID: id,
		Addr: Addr{
			Host:  Endpoint{IP: wc.HostIp, Port: uint16(wc.HostPort)},
			Local: Endpoint{IP: wc.LocalIp, Port: uint16(wc.LocalPort)},
		},
	}
	if wc.RendezvousIp != "" {
		c.Rendezvous = &Endpoint{IP: wc.RendezvousIp, Port: uint16(wc.RendezvousPort)}
	}
	return c, nil
}
