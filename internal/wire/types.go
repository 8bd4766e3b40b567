// Package wire defines the messages exchanged over a device tunnel.
//
// Network configuration documents and the per-instance runtime info returned
// by collect_network_info are opaque JSON; the broker only navigates the few
// paths it needs and tolerates missing fields.
package wire

import "encoding/json"

// Method names served and consumed over a tunnel.
const (
	MethodHeartbeat             = "heartbeat"
	MethodValidateConfig        = "validate_config"
	MethodRunNetworkInstance    = "run_network_instance"
	MethodDeleteNetworkInstance = "delete_network_instance"
	MethodListNetworkInstance   = "list_network_instance"
	MethodCollectNetworkInfo    = "collect_network_info"
)

// NetworkConfig is an opaque overlay-network configuration document. It is
// transported end-to-end without interpretation.
type NetworkConfig = json.RawMessage

// HeartbeatRequest is sent periodically by a device over its tunnel.
type HeartbeatRequest struct {
	MachineID        *string  `json:"machine_id,omitempty"`
	UserToken        string   `json:"user_token"`
	Hostname         string   `json:"hostname"`
	AgentVersion     string   `json:"agent_version"`
	ReportTime       int64    `json:"report_time"`
	RunningInstances []string `json:"running_network_instances"`
	InstID           *string  `json:"inst_id,omitempty"`
}

// RunningInstance reports whether the device declared instID as running in
// this heartbeat.
func (r *HeartbeatRequest) RunningInstance(instID string) bool {
	for _, id := range r.RunningInstances {
		if id == instID {
			return true
		}
	}
	return false
}

type HeartbeatResponse struct{}

type ValidateConfigRequest struct {
	Config NetworkConfig `json:"config"`
}

// ValidateConfigResponse carries the device's verdict verbatim.
type ValidateConfigResponse struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

type RunNetworkInstanceRequest struct {
	InstID *string       `json:"inst_id,omitempty"`
	Config NetworkConfig `json:"config"`
}

type RunNetworkInstanceResponse struct {
	InstID string `json:"inst_id"`
}

type DeleteNetworkInstanceRequest struct {
	InstIDs []string `json:"inst_ids"`
}

type DeleteNetworkInstanceResponse struct{}

type ListNetworkInstanceRequest struct{}

type ListNetworkInstanceResponse struct {
	InstIDs []string `json:"inst_ids"`
}

type CollectNetworkInfoRequest struct {
	InstIDs []string `json:"inst_ids"`
}

type CollectNetworkInfoResponse struct {
	Info NetworkInfoMap `json:"info"`
}

// NetworkInfoMap maps instance id to the opaque runtime info document
// reported by the device agent.
type NetworkInfoMap struct {
	Map map[string]json.RawMessage `json:"map"`
}
