package wire

import "encoding/json"

// VirtualIPv4 is the overlay address a device assigns to a running instance.
type VirtualIPv4 struct {
	Addr          uint32
	NetworkLength uint8
}

// instanceInfo mirrors only the paths the broker navigates inside the opaque
// runtime info document. Unknown fields are ignored; absent fields decode to
// their zero values.
type instanceInfo struct {
	Running    bool `json:"running"`
	MyNodeInfo struct {
		VirtualIPv4 *struct {
			Address struct {
				Addr uint32 `json:"addr"`
			} `json:"address"`
			NetworkLength uint8 `json:"network_length"`
		} `json:"virtual_ipv4"`
	} `json:"my_node_info"`
}

// InstanceRunning reports whether the info document declares the instance
// running. Malformed or missing documents read as not running.
func InstanceRunning(doc json.RawMessage) bool {
	if len(doc) == 0 {
		return false
	}
	var info instanceInfo
	if err := json.Unmarshal(doc, &info); err != nil {
		return false
	}
	return info.Running
}

// InstanceVirtualIPv4 extracts the device-assigned virtual IPv4 from the info
// document. The second return is false when the document is malformed, the
// instance is not running yet, or no address has been assigned.
func InstanceVirtualIPv4(doc json.RawMessage) (VirtualIPv4, bool) {
	if len(doc) == 0 {
		return VirtualIPv4{}, false
	}
	var info instanceInfo
	if err := json.Unmarshal(doc, &info); err != nil {
		return VirtualIPv4{}, false
	}
	v4 := info.MyNodeInfo.VirtualIPv4
	if !info.Running || v4 == nil || v4.Address.Addr == 0 {
		return VirtualIPv4{}, false
	}
	return VirtualIPv4{Addr: v4.Address.Addr, NetworkLength: v4.NetworkLength}, true
}
