// Package announce figures out the server's LAN-reachable URL and renders
// it as a QR code, so a phone on the same network can open the share by
// scanning the terminal.
package announce

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/jackpal/gateway"
	"github.com/mdp/qrterminal/v3"
	qrcode "github.com/skip2/go-qrcode"
)

// LocalIP returns the machine's LAN IPv4 address. It prefers the interface
// that shares a subnet with the default gateway, then the UDP-dial trick,
// and reports an error only when neither works (callers fall back to
// localhost and skip QR rendering).
func LocalIP() (string, error) {
	if gwIP, err := gateway.DiscoverGateway(); err == nil {
		if ip, err := ipForGateway(gwIP); err == nil {
			return ip.String(), nil
		}
	}
	// No route to the gateway interface; a connected UDP socket still
	// reveals the preferred outbound address without sending anything.
	conn, err := net.DialTimeout("udp", "8.8.8.8:80", 2*time.Second)
	if err != nil {
		return "", fmt.Errorf("no LAN address found: %w", err)
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil || addr.IP.IsLoopback() {
		return "", fmt.Errorf("no LAN address found")
	}
	return addr.IP.String(), nil
}

func ipForGateway(gwIP net.IP) (net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ipv4 := ipnet.IP.To4()
			if ipv4 == nil || !ipv4.IsGlobalUnicast() {
				continue
			}
			if ipnet.Contains(gwIP) {
				return ipv4, nil
			}
		}
	}
	return nil, fmt.Errorf("no interface shares a subnet with gateway %s", gwIP)
}

// URL builds the service URL for an address and port.
func URL(host string, port int) string {
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
}

// WriteTerminalQR renders url as a half-block QR code to w.
func WriteTerminalQR(w io.Writer, url string) {
	qrterminal.GenerateWithConfig(url, qrterminal.Config{
		Level:          qrterminal.M,
		Writer:         w,
		HalfBlocks:     true,
		BlackChar:      qrterminal.BLACK_BLACK,
		WhiteBlackChar: qrterminal.WHITE_BLACK,
		BlackWhiteChar: qrterminal.BLACK_WHITE,
		WhiteChar:      qrterminal.WHITE_WHITE,
		QuietZone:      1,
	})
}

// PNG encodes url as a QR code PNG, for serving to browsers.
func PNG(url string) ([]byte, error) {
	return qrcode.Encode(url, qrcode.Medium, 256)
}
