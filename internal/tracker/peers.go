package tracker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

func parsePeers(d map[string]interface{}) ([]netip.AddrPort, error) {
	var out []netip.AddrPort

	if v, ok := d["peers"]; ok {
		ps, err := decodePeers(v, false)
		if err != nil {
			return nil, err
		}
		out = append(out, ps...)
	}

	if v6, ok := d["peers6"]; ok {
		ps, err := decodePeers(v6, true)
		if err != nil {
			return nil, err
		}
		out = append(out, ps...)
	}

	return out, nil
}

func decodePeers(v interface{}, ipv6 bool) ([]netip.AddrPort, error) {
	switch t := v.(type) {
	case string:
		if ipv6 {
			return decodeCompactPeersV6([]byte(t))
		}
		return decodeCompactPeersV4([]byte(t))
	case []interface{}:
		return decodeDictPeers(t)
	default:
		return nil, fmt.Errorf("invalid peers type %T", v)
	}
}

func decodeCompactPeersV4(b []byte) ([]netip.AddrPort, error) {
	if len(b)%strideV4 != 0 {
		return nil, errors.New("tracker: compact peers (v4) length not a multiple of 6")
	}

	n := len(b) / strideV4
	peers := make([]netip.AddrPort, n)

	for i, off := 0, 0; i < n; i, off = i+1, off+strideV4 {
		a := netip.AddrFrom4([4]byte{b[off], b[off+1], b[off+2], b[off+3]})
		p := binary.BigEndian.Uint16(b[off+4 : off+6])
		peers[i] = netip.AddrPortFrom(a, p)
	}

	return peers, nil
}

func decodeCompactPeersV6(b []byte) ([]netip.AddrPort, error) {
	if len(b)%strideV6 != 0 {
		return nil, errors.New("tracker: compact peers (v6) length not a multiple of 18")
	}

	n := len(b) / strideV6
	peers := make([]netip.AddrPort, n)

	for i, off := 0, 0; i < n; i, off = i+1, off+strideV6 {
		var a16 [16]byte
		copy(a16[:], b[off:off+16])

		a := netip.AddrFrom16(a16)
		p := binary.BigEndian.Uint16(b[off+16 : off+18])
		peers[i] = netip.AddrPortFrom(a, p)
	}

	return peers, nil
}

func decodeDictPeers(list []interface{}) ([]netip.AddrPort, error) {
	peers := make([]netip.AddrPort, 0, len(list))

	for i, it := range list {
		m, ok := it.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("peer[%d] not dict", i)
		}

		var addr netip.Addr

		ipStr, ok := m["ip"].(string)
		if !ok {
			return nil, fmt.Errorf("peer[%d]: unsupported ip type %T", i, m["ip"])
		}

		a, err := netip.ParseAddr(ipStr)
		if err != nil {
			return nil, fmt.Errorf("peer[%d]: bad ip %q: %w", i, ipStr, err)
		}
		addr = a

		port64, ok := m["port"].(int64)
		if !ok || port64 < 1 || port64 > 65535 {
			return nil, fmt.Errorf("peer[%d]: invalid port %v", i, m["port"])
		}

		peers = append(peers, netip.AddrPortFrom(addr, uint16(port64)))
	}

	return peers, nil
}
