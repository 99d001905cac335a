package peer

import (
	"net"

	"github.com/rtpmidid/rtpmidid-go/pkg/netutil"
	"github.com/rtpmidid/rtpmidid-go/pkg/reactor"
)

// udpTransport implements rtppeer.Transport over a bound control/data UDP
// socket pair, registering both with the shared poller so inbound datagrams
// drive the session peer's packet handlers.
type udpTransport struct {
	control, data           *net.UDPConn
	remoteControl, remoteData *net.UDPAddr
	controlListener, dataListener reactor.Listener
}

func newUDPTransport(poller reactor.Poller, localPort int, onControl, onData func([]byte, *net.UDPAddr)) (*udpTransport, error) {
	control, err := net.ListenUDP("udp", &net.UDPAddr{Port: localPort})
	if err != nil {
		return nil, err
	}
	dataAddr := &net.UDPAddr{Port: 0}
	if localPort != 0 {
		dataAddr.Port = localPort + 1
	}
	data, err := net.ListenUDP("udp", dataAddr)
	if err != nil {
		control.Close()
		return nil, err
	}
	_ = netutil.TuneMIDISocket(control)
	_ = netutil.TuneMIDISocket(data)

	t := &udpTransport{control: control, data: data}

	controlFD, err := netutil.RawFD(control)
	if err == nil {
		t.controlListener, _ = poller.AddFDIn(controlFD, func(int) {
			buf := make([]byte, 4096)
			n, from, readErr := control.ReadFromUDP(buf)
			if readErr == nil {
				onControl(buf[:n], from)
			}
		})
	}
	dataFD, err := netutil.RawFD(data)
	if err == nil {
		t.dataListener, _ = poller.AddFDIn(dataFD, func(int) {
			buf := make([]byte, 4096)
			n, from, readErr := data.ReadFromUDP(buf)
			if readErr == nil {
				onData(buf[:n], from)
			}
		})
	}
	return t, nil
}

func (t *udpTransport) setRemote(addr string, controlPort int) error {
	ctrl, err := net.ResolveUDPAddr("udp", addr+":"+portString(controlPort))
	if err != nil {
		return err
	}
	d, err := net.ResolveUDPAddr("udp", addr+":"+portString(controlPort+1))
	if err != nil {
		return err
	}
	t.remoteControl, t.remoteData = ctrl, d
	return nil
}

func (t *udpTransport) WriteControl(b []byte) error {
	_, err := t.control.WriteToUDP(b, t.remoteControl)
	return err
}

func (t *udpTransport) WriteData(b []byte) error {
	_, err := t.data.WriteToUDP(b, t.remoteData)
	return err
}

func (t *udpTransport) Close() {
	if t.controlListener != nil {
		t.controlListener.Stop()
	}
	if t.dataListener != nil {
		t.dataListener.Stop()
	}
	t.control.Close()
	t.data.Close()
}

func portString(p int) string {
	if p == 0 {
		return "0"
	}
	neg := p < 0
	if neg {
		p = -p
	}
	const digits = "0123456789"
	var buf [6]byte
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = digits[p%10]
		p /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
