package control

import (
	"encoding/json"
	"strconv"

	"github.com/rtpmidid/rtpmidid-go/pkg/router"
	"github.com/rtpmidid/rtpmidid-go/pkg/rtpmidierr"
)

// defaultConnectPort is used by the single-argument "connect" form, matching
// the original daemon's control_socket.cpp default of port 5004.
const defaultConnectPort = "5004"

// statusResponse mirrors router.Status in the shape the control plane's
// "status" method replies with.
type statusResponse struct {
	Peers  []peerStatusJSON `json:"peers"`
	Routes [][2]router.PeerId `json:"routes"`
}

type peerStatusJSON struct {
	ID     router.PeerId `json:"id"`
	Kind   string        `json:"kind"`
	Status string        `json:"status"`
}

type removeParams struct {
	ID router.PeerId `json:"id"`
}

type routeParams struct {
	From router.PeerId `json:"from"`
	To   router.PeerId `json:"to"`
}

// ConnectFunc creates a new outbound NetworkClientPeer for host:port and
// adds it to the router, returning the assigned PeerId; the peer dials once
// a route targets it. Supplied by cmd/rtpmidid, since it needs the poller
// and local name that this package does not own.
type ConnectFunc func(name, host, port string) (router.PeerId, error)

func (s *Server) registerBuiltins() {
	s.RegisterHandler("status", "report all peers and routes", func(json.RawMessage) (any, error) {
		st := s.r.Status()
		resp := statusResponse{Routes: st.Routes}
		for _, p := range st.Peers {
			resp.Peers = append(resp.Peers, peerStatusJSON{ID: p.ID, Kind: p.Kind, Status: p.Status})
		}
		return resp, nil
	})

	s.RegisterHandler("router.remove", "remove a peer by id", func(raw json.RawMessage) (any, error) {
		var p removeParams
		if err := decodeIDParam(raw, &p.ID); err != nil {
			return nil, err
		}
		s.r.RemovePeer(p.ID)
		return nil, nil
	})

	s.RegisterHandler("router.connect", "add a route between two existing peers", func(raw json.RawMessage) (any, error) {
		var p routeParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, rtpmidierr.New(rtpmidierr.InternalInvariant, "router.connect requires {from,to}")
		}
		return nil, s.r.Connect(p.From, p.To)
	})

	s.RegisterHandler("router.disconnect", "remove a route between two peers", func(raw json.RawMessage) (any, error) {
		var p routeParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, rtpmidierr.New(rtpmidierr.InternalInvariant, "router.disconnect requires {from,to}")
		}
		s.r.Disconnect(p.From, p.To)
		return nil, nil
	})

	s.RegisterHandler("help", "list available top-level methods", func(json.RawMessage) (any, error) {
		out := make(map[string]string, len(s.handlers))
		for name, h := range s.handlers {
			out[name] = h.Description
		}
		return out, nil
	})
}

// RegisterConnect wires the "connect" method, accepting the 1/2/3-element
// array form ([host], [host,port], [name,host,port]) or an object form
// {"name":..., "host":..., "port":...}, matching control_socket.cpp.
func (s *Server) RegisterConnect(connect ConnectFunc) {
	s.RegisterHandler("connect", "dial a new outbound network peer", func(raw json.RawMessage) (any, error) {
		name, host, port, err := parseConnectParams(raw)
		if err != nil {
			return nil, err
		}
		return connect(name, host, port)
	})
}

func parseConnectParams(raw json.RawMessage) (name, host, port string, err error) {
	var arr []json.RawMessage
	if jerr := json.Unmarshal(raw, &arr); jerr == nil {
		switch len(arr) {
		case 1:
			host = decodeString(arr[0])
			port = defaultConnectPort
		case 2:
			host = decodeString(arr[0])
			port = decodeString(arr[1])
		case 3:
			name = decodeString(arr[0])
			host = decodeString(arr[1])
			port = decodeString(arr[2])
		default:
			return "", "", "", rtpmidierr.New(rtpmidierr.InternalInvariant, "connect takes 1 to 3 arguments")
		}
		if host == "" {
			return "", "", "", rtpmidierr.New(rtpmidierr.InternalInvariant, "connect requires a host")
		}
		return name, host, port, nil
	}

	var obj struct {
		Name string `json:"name"`
		Host string `json:"host"`
		Port string `json:"port"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", "", "", rtpmidierr.New(rtpmidierr.InternalInvariant, "malformed connect params")
	}
	if obj.Host == "" {
		return "", "", "", rtpmidierr.New(rtpmidierr.InternalInvariant, "connect requires a host")
	}
	if obj.Port == "" {
		obj.Port = defaultConnectPort
	}
	return obj.Name, obj.Host, obj.Port, nil
}

func decodeString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// decodeIDParam accepts router.remove's documented spec.md §4.5 array form
// ([PeerId]), plus an object ({"id":...}), a bare number, and a bare string,
// matching control_socket.cpp's tolerance for multiple JSON shapes.
func decodeIDParam(raw json.RawMessage, id *router.PeerId) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) != 1 {
			return rtpmidierr.New(rtpmidierr.InternalInvariant, "router.remove takes exactly one id")
		}
		return decodeIDParam(arr[0], id)
	}

	var p removeParams
	if err := json.Unmarshal(raw, &p); err == nil && p.ID != 0 {
		*id = p.ID
		return nil
	}
	var n uint64
	if err := json.Unmarshal(raw, &n); err == nil {
		*id = router.PeerId(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		parsed, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return rtpmidierr.New(rtpmidierr.InternalInvariant, "invalid peer id")
		}
		*id = router.PeerId(parsed)
		return nil
	}
	return rtpmidierr.New(rtpmidierr.InternalInvariant, "router.remove requires an id")
}
