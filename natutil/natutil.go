// Package natutil maps a local port through a home gateway so a node
// behind a NAT can still be dialed directly (spec §4.9's nat_type == direct
// path is cheaper to obtain with a working port mapping than to infer
// without one). Two gateway protocols are tried, mirroring the original
// maidsafe-dht's nat-pmp client plus a UPnP IGD fallback: NAT-PMP first
// (cheap, one UDP round trip), then UPnP's SOAP-based IGD service.
package natutil

import (
	"fmt"
	"net"
	"time"

	"github.com/huin/goupnp"
	"github.com/huin/goupnp/dcps/internetgateway1"
	natpmp "github.com/jackpal/go-nat-pmp"

	"github.com/zeebo/errs"
)

// ErrNoGateway classes failures to find any usable port-mapping gateway.
var ErrNoGateway = errs.Class("no nat gateway")

// Protocol is the transport protocol a mapping applies to.
type Protocol string

const (
	UDP Protocol = "UDP"
	TCP Protocol = "TCP"
)

// PortMapper maps an internal port to an externally reachable one on the
// local gateway and reports the gateway's external IP. AddMapping's
// lifetime is a request, not a guarantee; neither implementation in this
// package renews a mapping once it is added.
type PortMapper interface {
	AddMapping(proto Protocol, internalPort, externalPort uint16, lifetime time.Duration) (mappedExternalPort uint16, err error)
	RemoveMapping(proto Protocol, externalPort uint16) error
	ExternalIP() (string, error)
}

// Discover probes NAT-PMP first, then UPnP IGD, returning the first
// responding gateway's PortMapper. Callers that need a specific protocol
// should construct NewNATPMP/NewUPnP directly instead.
func Discover(timeout time.Duration) (PortMapper, error) {
	if pm, err := NewNATPMP(timeout); err == nil {
		return pm, nil
	}
	if pm, err := NewUPnP(timeout); err == nil {
		return pm, nil
	}
	return nil, ErrNoGateway.New("neither NAT-PMP nor UPnP IGD responded within %s", timeout)
}

// natPMP implements PortMapper over RFC 6886 NAT-PMP, via the LAN gateway
// address guessGatewayIP infers.
type natPMP struct {
	client *natpmp.Client
}

// NewNATPMP guesses the default gateway and confirms it speaks NAT-PMP by
// requesting its external address.
func NewNATPMP(timeout time.Duration) (PortMapper, error) {
	gatewayIP, err := guessGatewayIP()
	if err != nil {
		return nil, ErrNoGateway.Wrap(err)
	}
	client := natpmp.NewClientWithTimeout(gatewayIP, timeout)
	if _, err := client.GetExternalAddress(); err != nil {
		return nil, ErrNoGateway.Wrap(err)
	}
	return &natPMP{client: client}, nil
}

// guessGatewayIP assumes the LAN gateway sits at the .1 address of our own
// non-loopback IPv4 subnet, true of the overwhelming majority of home
// routers and good enough for a NAT-PMP probe; go-nat-pmp itself performs
// no gateway discovery and expects the caller to supply an address.
func guessGatewayIP() (net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, errs.Wrap(err)
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil {
			continue
		}
		gw := make(net.IP, net.IPv4len)
		copy(gw, ip4)
		gw[3] = 1
		return gw, nil
	}
	return nil, errs.New("no non-loopback IPv4 interface found")
}

func (n *natPMP) AddMapping(proto Protocol, internalPort, externalPort uint16, lifetime time.Duration) (uint16, error) {
	result, err := n.client.AddPortMapping(protoLower(proto), int(internalPort), int(externalPort), int(lifetime.Seconds()))
	if err != nil {
		return 0, errs.Wrap(err)
	}
	return result.MappedExternalPort, nil
}

func (n *natPMP) RemoveMapping(proto Protocol, externalPort uint16) error {
	// NAT-PMP removes a mapping by requesting it with a zero lifetime
	// (RFC 6886 §3.3).
	_, err := n.client.AddPortMapping(protoLower(proto), int(externalPort), int(externalPort), 0)
	return errs.Wrap(err)
}

func (n *natPMP) ExternalIP() (string, error) {
	resp, err := n.client.GetExternalAddress()
	if err != nil {
		return "", errs.Wrap(err)
	}
	ip := resp.ExternalIPAddress
	return fmt.Sprintf("%d.%d.%d.%d", ip[0], ip[1], ip[2], ip[3]), nil
}

func protoLower(p Protocol) string {
	if p == TCP {
		return "tcp"
	}
	return "udp"
}

// upnpIGD implements PortMapper over a discovered UPnP Internet Gateway
// Device's WANIPConnection1 (or WANPPPConnection1) service.
type upnpIGD struct {
	ipConn  *internetgateway1.WANIPConnection1
	pppConn *internetgateway1.WANPPPConnection1
}

// NewUPnP discovers a WANIPConnection1 or WANPPPConnection1 service on the
// local network, preferring WANIPConnection1 (the more common of the two
// in practice).
func NewUPnP(timeout time.Duration) (PortMapper, error) {
	ipClients, _, err := internetgateway1.NewWANIPConnection1Clients()
	if err == nil && len(ipClients) > 0 {
		return &upnpIGD{ipConn: ipClients[0]}, nil
	}

	pppClients, _, pppErr := internetgateway1.NewWANPPPConnection1Clients()
	if pppErr == nil && len(pppClients) > 0 {
		return &upnpIGD{pppConn: pppClients[0]}, nil
	}

	if err != nil {
		return nil, ErrNoGateway.Wrap(err)
	}
	return nil, ErrNoGateway.Wrap(pppErr)
}

func (u *upnpIGD) AddMapping(proto Protocol, internalPort, externalPort uint16, lifetime time.Duration) (uint16, error) {
	internalClient, err := u.localClientIP()
	if err != nil {
		return 0, err
	}
	description := "kadnode"
	leaseSeconds := uint32(lifetime.Seconds())

	if u.ipConn != nil {
		err = u.ipConn.AddPortMapping("", externalPort, string(proto), internalPort, internalClient, true, description, leaseSeconds)
	} else {
		err = u.pppConn.AddPortMapping("", externalPort, string(proto), internalPort, internalClient, true, description, leaseSeconds)
	}
	if err != nil {
		return 0, errs.Wrap(err)
	}
	return externalPort, nil
}

func (u *upnpIGD) RemoveMapping(proto Protocol, externalPort uint16) error {
	var err error
	if u.ipConn != nil {
		err = u.ipConn.DeletePortMapping("", externalPort, string(proto))
	} else {
		err = u.pppConn.DeletePortMapping("", externalPort, string(proto))
	}
	return errs.Wrap(err)
}

func (u *upnpIGD) ExternalIP() (string, error) {
	var ip string
	var err error
	if u.ipConn != nil {
		ip, err = u.ipConn.GetExternalIPAddress()
	} else {
		ip, err = u.pppConn.GetExternalIPAddress()
	}
	if err != nil {
		return "", errs.Wrap(err)
	}
	return ip, nil
}

// localClientIP reports the LAN address UPnP should route the mapping to:
// the address our own TCP stack would use to reach the gateway.
func (u *upnpIGD) localClientIP() (string, error) {
	var svc *goupnp.ServiceClient
	if u.ipConn != nil {
		svc = u.ipConn.GetServiceClient()
	} else {
		svc = u.pppConn.GetServiceClient()
	}
	return localAddrFor(svc.RootDevice.URLBase.Host)
}

// localAddrFor dials the gateway host (no packets leave the local stack
// for a UDP dial) purely to ask the kernel which local interface address
// would carry traffic there.
func localAddrFor(gatewayHostPort string) (string, error) {
	conn, err := net.Dial("udp", gatewayHostPort)
	if err != nil {
		return "", errs.Wrap(err)
	}
	defer conn.Close()
	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", errs.New("unexpected local addr type %T", conn.LocalAddr())
	}
	return local.IP.String(), nil
}
